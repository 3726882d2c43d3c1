// Package render produces the final subject and body of an outgoing email:
// Liquid variable substitution, spintax resolution and A/B variant choice.
package render

import (
	"fmt"
	"html"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/osteele/liquid"
)

// MissingVariableError lists template variables that had no value.
type MissingVariableError struct {
	Variables []string
}

func (e *MissingVariableError) Error() string {
	return "missing template variables: " + strings.Join(e.Variables, ", ")
}

// TemplateService renders Liquid templates with a parse cache.
type TemplateService struct {
	engine *liquid.Engine
	cache  sync.Map // cache key -> *liquid.Template
}

// NewTemplateService creates a template service with the outreach filters.
func NewTemplateService() *TemplateService {
	ts := &TemplateService{engine: liquid.NewEngine()}
	ts.registerFilters()
	return ts
}

func (ts *TemplateService) registerFilters() {
	// {{ first_name | default: "there" }}
	ts.engine.RegisterFilter("default", func(value interface{}, fallback string) interface{} {
		if value == nil {
			return fallback
		}
		if s := fmt.Sprintf("%v", value); s == "" || s == "<nil>" {
			return fallback
		}
		return value
	})

	ts.engine.RegisterFilter("capitalize", func(s string) string {
		if s == "" {
			return s
		}
		return strings.ToUpper(s[:1]) + strings.ToLower(s[1:])
	})

	// {{ contact.company | first_word }}
	ts.engine.RegisterFilter("first_word", func(s string) string {
		if f := strings.Fields(s); len(f) > 0 {
			return f[0]
		}
		return ""
	})

	ts.engine.RegisterFilter("email_domain", func(email string) string {
		if _, d, ok := strings.Cut(email, "@"); ok {
			return d
		}
		return ""
	})

	ts.engine.RegisterFilter("urlencode", func(s string) string {
		return url.QueryEscape(s)
	})

	ts.engine.RegisterFilter("escape", func(s string) string {
		return html.EscapeString(s)
	})
}

// Parse compiles a template and returns any syntax error.
func (ts *TemplateService) Parse(tpl string) error {
	_, err := ts.engine.ParseString(tpl)
	return err
}

// Render processes a template, caching the parsed form under cacheKey when
// one is given.
func (ts *TemplateService) Render(cacheKey, tpl string, vars map[string]interface{}) (string, error) {
	if cacheKey != "" {
		if cached, ok := ts.cache.Load(cacheKey); ok {
			return cached.(*liquid.Template).RenderString(vars)
		}
	}
	parsed, err := ts.engine.ParseString(tpl)
	if err != nil {
		return "", fmt.Errorf("parse template: %w", err)
	}
	if cacheKey != "" {
		ts.cache.Store(cacheKey, parsed)
	}
	out, err := parsed.RenderString(vars)
	if err != nil {
		return "", fmt.Errorf("render template: %w", err)
	}
	return out, nil
}

// varPattern finds {{ name }} and {{ name | filter }} references.
var varPattern = regexp.MustCompile(`\{\{-?\s*([a-zA-Z_][a-zA-Z0-9_.]*)\s*(\|[^}]*)?-?\}\}`)

// Missing returns the variables a template references that resolve to
// nothing in vars. References with a default filter never count.
func (ts *TemplateService) Missing(tpl string, vars map[string]interface{}) []string {
	seen := map[string]bool{}
	var out []string
	for _, m := range varPattern.FindAllStringSubmatch(tpl, -1) {
		name := m[1]
		if seen[name] || isLiquidKeyword(name) {
			continue
		}
		seen[name] = true
		if strings.Contains(m[2], "default") {
			continue
		}
		if !exists(name, vars) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func exists(path string, vars map[string]interface{}) bool {
	var cur interface{} = vars
	for _, part := range strings.Split(path, ".") {
		switch v := cur.(type) {
		case map[string]interface{}:
			next, ok := v[part]
			if !ok || next == nil {
				return false
			}
			cur = next
		case map[string]string:
			next, ok := v[part]
			if !ok {
				return false
			}
			cur = next
		default:
			return false
		}
	}
	return true
}

func isLiquidKeyword(name string) bool {
	switch name {
	case "true", "false", "nil", "null", "empty", "blank", "forloop":
		return true
	}
	return false
}
