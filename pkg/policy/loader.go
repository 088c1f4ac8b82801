package policy

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DefaultReloadDelay is how long Watch waits after the last file event before
// reloading.
const DefaultReloadDelay = 500 * time.Millisecond

// Loader reads deploy guard policies from .rego and .json files.
type Loader struct {
	logger zerolog.Logger

	mu    sync.Mutex
	cache map[string]cachedPolicy

	watcher     *fsnotify.Watcher
	reloadDelay time.Duration
}

// cachedPolicy is keyed by path and reused while the file digest is unchanged.
type cachedPolicy struct {
	digest [sha256.Size]byte
	policy Policy
}

// NewLoader creates a new policy loader.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{
		logger:      logger.With().Str("component", "policy-loader").Logger(),
		cache:       make(map[string]cachedPolicy),
		reloadDelay: DefaultReloadDelay,
	}
}

// LoadFromPaths loads every policy found under paths. Any unreadable or
// malformed policy file fails the whole load, as does a policy name declared
// twice.
func (l *Loader) LoadFromPaths(ctx context.Context, paths []string) ([]Policy, error) {
	var policies []Policy
	seen := make(map[string]string)

	for _, path := range paths {
		loaded, err := l.loadFromPath(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("failed to load from path %s: %w", path, err)
		}
		for _, p := range loaded {
			if prev, dup := seen[p.Name]; dup {
				return nil, fmt.Errorf("policy %s declared in both %s and %s", p.Name, prev, p.Source)
			}
			seen[p.Name] = p.Source
			policies = append(policies, p)
		}
	}

	l.logger.Debug().
		Int("policies", len(policies)).
		Int("paths", len(paths)).
		Msg("Policies loaded")

	return policies, nil
}

func (l *Loader) loadFromPath(ctx context.Context, path string) ([]Policy, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return l.loadFromDirectory(ctx, path)
	}

	p, err := l.loadFromFile(ctx, path)
	if err != nil {
		return nil, err
	}
	return []Policy{*p}, nil
}

// loadFromDirectory loads policy files below dir in lexical order.
func (l *Loader) loadFromDirectory(ctx context.Context, dir string) ([]Policy, error) {
	var policies []Policy

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || !isPolicyFile(path) {
			return nil
		}

		p, err := l.loadFromFile(ctx, path)
		if err != nil {
			return err
		}
		policies = append(policies, *p)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return policies, nil
}

// isPolicyFile skips rego unit tests, hidden files and editor lock files.
func isPolicyFile(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") || strings.HasPrefix(base, "#") {
		return false
	}
	switch filepath.Ext(base) {
	case ".rego":
		return !strings.HasSuffix(base, "_test.rego")
	case ".json":
		return true
	}
	return false
}

func (l *Loader) loadFromFile(_ context.Context, path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	digest := sha256.Sum256(data)

	l.mu.Lock()
	cached, ok := l.cache[path]
	l.mu.Unlock()
	if ok && cached.digest == digest {
		p := cached.policy
		return &p, nil
	}

	var p *Policy
	switch filepath.Ext(path) {
	case ".rego":
		if p, err = parseRego(path, data); err != nil {
			return nil, err
		}
	case ".json":
		if p, err = parseJSON(path, data); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported policy file type: %s", path)
	}

	l.mu.Lock()
	l.cache[path] = cachedPolicy{digest: digest, policy: *p}
	l.mu.Unlock()

	l.logger.Debug().Str("path", path).Str("policy", p.Name).Msg("Policy parsed")
	return p, nil
}

// parseRego names the policy after its file. Leading comments form the
// description; a "severity: <level>" comment line sets the default severity.
func parseRego(path string, data []byte) (*Policy, error) {
	description, severity := parseHeader(string(data))
	switch severity {
	case "":
		severity = SeverityError
	case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
	default:
		return nil, fmt.Errorf("policy %s declares unknown severity %q", path, severity)
	}
	return &Policy{
		Name:        strings.TrimSuffix(filepath.Base(path), ".rego"),
		Description: description,
		Rego:        string(data),
		Severity:    severity,
		Enabled:     true,
		Source:      path,
		LoadedAt:    time.Now(),
	}, nil
}

// parseJSON reads a policy definition that embeds its rego module.
func parseJSON(path string, data []byte) (*Policy, error) {
	p := Policy{Enabled: true}
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse JSON policy %s: %w", path, err)
	}
	if p.Name == "" {
		p.Name = strings.TrimSuffix(filepath.Base(path), ".json")
	}
	if strings.TrimSpace(p.Rego) == "" {
		return nil, fmt.Errorf("JSON policy %s has no rego module", p.Name)
	}
	if p.Severity == "" {
		p.Severity = SeverityError
	}
	p.Builtin = false
	p.Source = path
	p.LoadedAt = time.Now()
	return &p, nil
}

// parseHeader reads the comment block at the top of a rego module.
func parseHeader(content string) (string, Severity) {
	var (
		words    []string
		severity Severity
	)

	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if !strings.HasPrefix(trimmed, "#") {
			if len(words) > 0 || severity != "" {
				break
			}
			// The header may also follow the package clause.
			if strings.HasPrefix(trimmed, "package ") || strings.HasPrefix(trimmed, "import ") {
				continue
			}
			break
		}

		comment := strings.TrimSpace(strings.TrimPrefix(trimmed, "#"))
		if key, value, ok := strings.Cut(comment, ":"); ok && strings.EqualFold(strings.TrimSpace(key), "severity") {
			severity = Severity(strings.ToLower(strings.TrimSpace(value)))
			continue
		}
		if comment != "" {
			words = append(words, comment)
		}
	}

	return strings.Join(words, " "), severity
}

// Watch reloads the policies under paths whenever a policy file is written,
// created, removed or renamed, and hands the new set to reloadFn. A reload
// that fails to load or that reloadFn rejects is logged and the previous set
// stays in force.
func (l *Loader) Watch(ctx context.Context, paths []string, reloadFn func([]Policy) error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	l.watcher = watcher

	for _, path := range paths {
		if err := l.watchPath(path); err != nil {
			_ = watcher.Close()
			return fmt.Errorf("failed to watch %s: %w", path, err)
		}
	}

	go l.processEvents(ctx, paths, reloadFn)

	l.logger.Info().Strs("paths", paths).Msg("Watching policy paths")
	return nil
}

// watchPath watches a file through its directory, and a directory tree
// through each of its directories.
func (l *Loader) watchPath(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return l.watcher.Add(filepath.Dir(path))
	}
	return filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return l.watcher.Add(p)
		}
		return nil
	})
}

func (l *Loader) processEvents(ctx context.Context, paths []string, reloadFn func([]Policy) error) {
	timer := time.NewTimer(l.reloadDelay)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = l.watcher.Close()
			return

		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := l.watchPath(event.Name); err != nil {
						l.logger.Warn().Err(err).Str("path", event.Name).Msg("Failed to watch new directory")
					}
					continue
				}
			}
			if !isPolicyFile(event.Name) || !covered(event.Name, paths) || event.Op == fsnotify.Chmod {
				continue
			}
			if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				l.forget(event.Name)
			}
			l.logger.Debug().Str("file", event.Name).Str("op", event.Op.String()).Msg("Policy file changed")
			timer.Reset(l.reloadDelay)

		case <-timer.C:
			if err := l.reload(ctx, paths, reloadFn); err != nil {
				l.logger.Error().Err(err).Msg("Policy reload failed, keeping previous policies")
			}

		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.logger.Error().Err(err).Msg("Policy watcher error")
		}
	}
}

// covered reports whether name is one of paths or lies below one of them.
func covered(name string, paths []string) bool {
	name = filepath.Clean(name)
	for _, p := range paths {
		p = filepath.Clean(p)
		if name == p || strings.HasPrefix(name, p+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

func (l *Loader) reload(ctx context.Context, paths []string, reloadFn func([]Policy) error) error {
	policies, err := l.LoadFromPaths(ctx, paths)
	if err != nil {
		return err
	}
	if err := reloadFn(policies); err != nil {
		return fmt.Errorf("reloaded policies rejected: %w", err)
	}
	l.logger.Info().Int("count", len(policies)).Msg("Policies reloaded")
	return nil
}

func (l *Loader) forget(path string) {
	l.mu.Lock()
	delete(l.cache, path)
	l.mu.Unlock()
}

// StopWatching stops watching for file changes.
func (l *Loader) StopWatching() error {
	if l.watcher == nil {
		return nil
	}
	if err := l.watcher.Close(); err != nil && !errors.Is(err, fsnotify.ErrClosed) {
		return err
	}
	return nil
}

// ClearCache drops every parsed policy.
func (l *Loader) ClearCache() {
	l.mu.Lock()
	l.cache = make(map[string]cachedPolicy)
	l.mu.Unlock()
}
