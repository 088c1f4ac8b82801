package compiler

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"text/template"

	"github.com/openfroyo/netsync/pkg/inventory"
)

// TemplateExt is the extension of family templates.
const TemplateExt = ".tmpl"

// partialPrefix marks files loaded into every template as named partials.
const partialPrefix = "_"

// errNoTemplate is returned when no template exists for a device.
var errNoTemplate = errors.New("no template found")

// templateSet resolves and caches parsed templates.
type templateSet struct {
	dir string

	mu     sync.Mutex
	parsed map[string]*template.Template
}

func newTemplateSet(dir string) *templateSet {
	return &templateSet{
		dir:    dir,
		parsed: make(map[string]*template.Template),
	}
}

// candidates lists the template files tried for d, in order: the device's own
// template, the family as written in the inventory, the canonical family tag.
func (ts *templateSet) candidates(d inventory.Device) []string {
	var names []string
	if d.Template != "" {
		return []string{d.Template}
	}
	names = append(names, d.Family+TemplateExt)
	if canonical := string(d.CanonicalFamily()) + TemplateExt; canonical != names[0] {
		names = append(names, canonical)
	}
	return names
}

// resolve returns the path of the template used for d.
func (ts *templateSet) resolve(d inventory.Device) (string, error) {
	tried := ts.candidates(d)
	for _, name := range tried {
		path := name
		if !filepath.IsAbs(path) {
			path = filepath.Join(ts.dir, name)
		}
		info, err := os.Stat(path)
		if err == nil && !info.IsDir() {
			return path, nil
		}
	}
	return "", fmt.Errorf("%w for device %s in %s (tried %s)", errNoTemplate, d.Name, ts.dir, strings.Join(tried, ", "))
}

// load parses the template at path together with every partial.
func (ts *templateSet) load(path string) (*template.Template, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if t, ok := ts.parsed[path]; ok {
		return t, nil
	}

	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read template: %w", err)
	}

	t, err := template.New(filepath.Base(path)).Funcs(templateFuncs()).Parse(string(src))
	if err != nil {
		return nil, fmt.Errorf("failed to parse template: %w", err)
	}

	partials, err := filepath.Glob(filepath.Join(ts.dir, partialPrefix+"*"+TemplateExt))
	if err != nil {
		return nil, fmt.Errorf("failed to list partials: %w", err)
	}
	sort.Strings(partials)
	for _, p := range partials {
		if p == path {
			continue
		}
		psrc, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("failed to read partial: %w", err)
		}
		if _, err := t.New(filepath.Base(p)).Parse(string(psrc)); err != nil {
			return nil, fmt.Errorf("failed to parse partial %s: %w", filepath.Base(p), err)
		}
	}

	ts.parsed[path] = t
	return t, nil
}

// execute renders the template at path with data.
func (ts *templateSet) execute(path string, data map[string]interface{}) (string, error) {
	t, err := ts.load(path)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to execute template: %w", err)
	}
	return buf.String(), nil
}

func templateFuncs() template.FuncMap {
	return template.FuncMap{
		"join":    joinValues,
		"lower":   strings.ToLower,
		"upper":   strings.ToUpper,
		"trim":    strings.TrimSpace,
		"replace": func(old, new, s string) string { return strings.ReplaceAll(s, old, new) },
		"indent":  indent,
		"default": defaultValue,
	}
}

// joinValues joins a list of any values with sep.
func joinValues(sep string, v interface{}) string {
	switch list := v.(type) {
	case []string:
		return strings.Join(list, sep)
	case []interface{}:
		parts := make([]string, len(list))
		for i, item := range list {
			parts[i] = fmt.Sprint(item)
		}
		return strings.Join(parts, sep)
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// indent prefixes every non-empty line of s with n spaces.
func indent(n int, s string) string {
	pad := strings.Repeat(" ", n)
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		if line != "" {
			lines[i] = pad + line
		}
	}
	return strings.Join(lines, "\n")
}

// defaultValue returns def when v is nil or an empty string.
func defaultValue(def, v interface{}) interface{} {
	if v == nil {
		return def
	}
	if s, ok := v.(string); ok && s == "" {
		return def
	}
	return v
}
