package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/viper"
)

func jsonOutput() bool {
	return viper.GetBool("json")
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(header ...interface{}) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row(header))
	return t
}

// printFields renders label/value pairs as a two column table.
func printFields(fields [][2]interface{}) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	for _, f := range fields {
		t.AppendRow(table.Row{f[0], f[1]})
	}
	t.Render()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return formatTime(*t)
}

func strOr(s *string, def string) string {
	if s == nil || *s == "" {
		return def
	}
	return *s
}

// ellipsis shortens s to n runes for table cells.
func ellipsis(s string, n int) string {
	r := []rune(strings.TrimSpace(s))
	if len(r) <= n {
		return string(r)
	}
	return string(r[:n-3]) + "..."
}

func printStatus(format string, args ...interface{}) {
	fmt.Printf(format+"\n", args...)
}
