package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// reloadDelay is how long file events must settle before a reload.
const reloadDelay = 500 * time.Millisecond

// decoder turns the content of one policy file into a Policy.
type decoder func(path string, data []byte) (*Policy, error)

// decoders maps file extensions to their decoder. Other files are ignored.
var decoders = map[string]decoder{
	".rego": decodeRego,
	".json": decodeJSON,
	".yaml": decodeYAML,
	".yml":  decodeYAML,
}

type cachedPolicy struct {
	modTime time.Time
	policy  *Policy
}

// Loader reads operator policy files. Decoded files are cached until their
// modification time changes or the watcher reports them.
type Loader struct {
	logger zerolog.Logger

	mu    sync.Mutex
	cache map[string]cachedPolicy
}

// NewLoader creates a policy file loader.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{
		logger: logger.With().Str("component", "policy-loader").Logger(),
		cache:  make(map[string]cachedPolicy),
	}
}

// Load reads every policy below paths. A path may be a single file or a
// directory walked recursively. A missing path fails the load; a broken
// file inside a directory is skipped with a warning.
func (l *Loader) Load(ctx context.Context, paths []string) ([]Policy, error) {
	var out []Policy
	for _, root := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		info, err := os.Stat(root)
		if err != nil {
			return nil, fmt.Errorf("failed to load policies from %s: %w", root, err)
		}
		if !info.IsDir() {
			p, err := l.readPolicy(root)
			if err != nil {
				return nil, fmt.Errorf("failed to load policies from %s: %w", root, err)
			}
			out = append(out, *p)
			continue
		}

		err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || !isPolicyFile(path) {
				return nil
			}
			p, err := l.readPolicy(path)
			if err != nil {
				l.logger.Warn().Err(err).Str("path", path).Msg("Skipping policy file")
				return nil
			}
			out = append(out, *p)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to walk %s: %w", root, err)
		}
	}

	l.logger.Info().Int("policies", len(out)).Strs("paths", paths).Msg("Policy files loaded")
	return out, nil
}

func isPolicyFile(path string) bool {
	_, ok := decoders[strings.ToLower(filepath.Ext(path))]
	return ok
}

// readPolicy decodes one file, reusing the cached result when the file
// has not been modified since.
func (l *Loader) readPolicy(path string) (*Policy, error) {
	decode, ok := decoders[strings.ToLower(filepath.Ext(path))]
	if !ok {
		return nil, fmt.Errorf("unsupported policy file: %s", path)
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	c, hit := l.cache[path]
	l.mu.Unlock()
	if hit && c.modTime.Equal(info.ModTime()) {
		return c.policy, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}
	p, err := decode(path, data)
	if err != nil {
		return nil, err
	}
	if p.Name == "" {
		return nil, fmt.Errorf("policy in %s has no name", path)
	}

	// Files never carry builtin status, whatever they declare.
	p.Builtin = false
	if p.Severity == "" {
		p.Severity = SeverityWarning
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = info.ModTime()
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = info.ModTime()
	}
	if p.Metadata == nil {
		p.Metadata = map[string]interface{}{}
	}
	p.Metadata["source"] = path

	l.mu.Lock()
	l.cache[path] = cachedPolicy{modTime: info.ModTime(), policy: p}
	l.mu.Unlock()

	l.logger.Debug().Str("path", path).Str("policy", p.Name).Msg("Policy file decoded")
	return p, nil
}

// decodeRego wraps a bare module. The policy is named after the file,
// enabled, and described by the module's leading comment block.
func decodeRego(path string, data []byte) (*Policy, error) {
	return &Policy{
		Name:        strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
		Description: leadingComment(string(data)),
		Rego:        string(data),
		Enabled:     true,
	}, nil
}

func decodeJSON(_ string, data []byte) (*Policy, error) {
	var p Policy
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse JSON policy: %w", err)
	}
	return &p, nil
}

func decodeYAML(_ string, data []byte) (*Policy, error) {
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse YAML policy: %w", err)
	}
	return &p, nil
}

// leadingComment joins the first block of # comment lines of a module.
// Blank lines before the block are skipped; any other line ends it.
func leadingComment(src string) string {
	var words []string
	for _, line := range strings.Split(src, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "#") {
			if line == "" && len(words) == 0 {
				continue
			}
			break
		}
		if text := strings.TrimSpace(strings.TrimPrefix(line, "#")); text != "" {
			words = append(words, text)
		}
	}
	return strings.Join(words, " ")
}

// Watch starts watching paths and calls apply with the full reloaded set
// once file events have settled. It returns after the watcher is set up;
// watching stops when ctx is done.
func (l *Loader) Watch(ctx context.Context, paths []string, apply func([]Policy) error) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create policy watcher: %w", err)
	}

	for _, root := range paths {
		if err := addWatches(w, root); err != nil {
			l.logger.Warn().Err(err).Str("path", root).Msg("Cannot watch policy path")
		}
	}

	go l.watchLoop(ctx, w, paths, apply)

	l.logger.Info().Strs("paths", paths).Msg("Watching policy files")
	return nil
}

// addWatches registers root, and every directory below it when root is one.
func addWatches(w *fsnotify.Watcher, root string) error {
	info, err := os.Stat(root)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return w.Add(root)
	}
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return err
		}
		return w.Add(path)
	})
}

func (l *Loader) watchLoop(ctx context.Context, w *fsnotify.Watcher, paths []string, apply func([]Policy) error) {
	defer w.Close()

	var settle <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if ev.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					_ = addWatches(w, ev.Name)
					settle = time.After(reloadDelay)
					continue
				}
			}
			if ev.Has(fsnotify.Chmod) || !isPolicyFile(ev.Name) {
				continue
			}
			l.forget(ev.Name)
			l.logger.Debug().Str("file", ev.Name).Str("op", ev.Op.String()).Msg("Policy file changed")
			settle = time.After(reloadDelay)

		case <-settle:
			settle = nil
			policies, err := l.Load(ctx, paths)
			if err == nil {
				err = apply(policies)
			}
			if err != nil {
				l.logger.Error().Err(err).Msg("Policy reload failed, keeping previous set")
				continue
			}
			l.logger.Info().Int("policies", len(policies)).Msg("Policies reloaded")

		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			l.logger.Error().Err(err).Msg("Policy watcher error")
		}
	}
}

func (l *Loader) forget(path string) {
	l.mu.Lock()
	delete(l.cache, path)
	l.mu.Unlock()
}

// ClearCache drops every decoded file.
func (l *Loader) ClearCache() {
	l.mu.Lock()
	l.cache = make(map[string]cachedPolicy)
	l.mu.Unlock()
}
