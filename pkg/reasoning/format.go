package reasoning

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/selfheal/selfheal/pkg/models"
)

// FormatSignals renders a cluster as the numbered text block sent to the
// reasoning engine. The fallback classifier matches against the same text.
func FormatSignals(signals []*models.Signal) string {
	blocks := make([]string, 0, len(signals))
	for i, s := range signals {
		content := s.Content
		if content == nil {
			content = map[string]interface{}{}
		}
		raw, err := json.MarshalIndent(content, "", "  ")
		if err != nil {
			raw = []byte("{}")
		}

		blocks = append(blocks, fmt.Sprintf(`
Signal %d:
- Type: %s
- Source: %s
- Subject: %s
- Severity: %s
- Title: %s
- Content: %s
- Timestamp: %s
`,
			i+1,
			orDefault(string(s.Type), "unknown"),
			orDefault(s.Source, "unknown"),
			orDefault(s.SubjectID, "unknown"),
			orDefault(string(s.Severity), "medium"),
			orDefault(s.Title, "No title"),
			raw,
			s.Timestamp.UTC().Format(time.RFC3339),
		))
	}
	return strings.Join(blocks, "\n")
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
