// Package rollback implements the declarative reversible-HTTP rule registry:
// rules that match a commit-time request and derive the compensating request
// that undoes it.
package rollback

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/deterministic-agent-lab/tracegate/pkg/gateerr"
)

// JSONMatcher constrains a JSON-path expression over the request body.
type JSONMatcher struct {
	Path   string `yaml:"path" json:"path"`
	Exists *bool  `yaml:"exists,omitempty" json:"exists,omitempty"`
	Equals any    `yaml:"equals,omitempty" json:"equals,omitempty"`
}

// Matchers narrow a rule beyond host/method/path.
type Matchers struct {
	Headers map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
	JSON    []JSONMatcher     `yaml:"json,omitempty" json:"json,omitempty"`
}

// CommitSpec describes the request shape a rule matches.
type CommitSpec struct {
	Method      string   `yaml:"method,omitempty" json:"method,omitempty"`
	PathPattern string   `yaml:"path" json:"path"`
	IDFrom      []string `yaml:"idFrom,omitempty" json:"idFrom,omitempty"`
}

// RollbackSpec describes the compensating request a rule derives.
type RollbackSpec struct {
	Method       string            `yaml:"method" json:"method"`
	PathTemplate string            `yaml:"pathTemplate" json:"pathTemplate"`
	Headers      map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
}

// Rule maps a commit-time request to its compensating request.
type Rule struct {
	Name        string       `yaml:"name" json:"name"`
	HostPattern string       `yaml:"host" json:"host"`
	Commit      CommitSpec   `yaml:"commit" json:"commit"`
	Rollback    RollbackSpec `yaml:"rollback" json:"rollback"`
	Matchers    *Matchers    `yaml:"matchers,omitempty" json:"matchers,omitempty"`
}

// RequestContext is the commit-time request a rule is matched against.
type RequestContext struct {
	Host    string
	Method  string
	Path    string
	Headers map[string]string
	Body    any
}

// Match is a handle on a matched rule, carried through prepare to commit.
type Match struct {
	Rule Rule
}

// Registry holds the configured rules in priority order.
type Registry struct {
	rules []Rule
}

// NewRegistry builds a registry over an explicit rule list.
func NewRegistry(rules []Rule) *Registry {
	return &Registry{rules: rules}
}

// Empty returns a registry with no rules.
func Empty() *Registry {
	return &Registry{}
}

// registryFile is the on-disk shape: {rules: [...]} or a bare rule list.
type registryFile struct {
	Rules []Rule `yaml:"rules" json:"rules"`
}

// LoadFile reads rules from a YAML or JSON file.
func LoadFile(path string) (*Registry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, gateerr.Wrap(gateerr.CodeIoError, err, "read rollback rules %s", path)
	}

	var file registryFile
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := json.Unmarshal(raw, &file); err != nil {
			var bare []Rule
			if err2 := json.Unmarshal(raw, &bare); err2 != nil {
				return nil, gateerr.Wrap(gateerr.CodeSchemaViolation, err, "parse rollback rules %s", path)
			}
			file.Rules = bare
		}
	default:
		if err := yaml.Unmarshal(raw, &file); err != nil {
			return nil, gateerr.Wrap(gateerr.CodeSchemaViolation, err, "parse rollback rules %s", path)
		}
		if file.Rules == nil {
			var bare []Rule
			if err := yaml.Unmarshal(raw, &bare); err == nil {
				file.Rules = bare
			}
		}
	}
	return NewRegistry(file.Rules), nil
}

// LoadSibling discovers the registry file that lives beside a policy path.
// A missing file yields an empty registry.
func LoadSibling(policyPath string) (*Registry, error) {
	dir := policyPath
	if info, err := os.Stat(policyPath); err == nil && !info.IsDir() {
		dir = filepath.Dir(policyPath)
	}
	for _, name := range []string{"rollback-rules.yaml", "rollback-rules.yml", "rollback-rules.json"} {
		candidate := filepath.Join(dir, name)
		if _, err := os.Stat(candidate); err == nil {
			return LoadFile(candidate)
		}
	}
	return Empty(), nil
}

// Len returns the number of configured rules.
func (r *Registry) Len() int { return len(r.rules) }

// FindRule returns the first rule matching the request, or nil.
func (r *Registry) FindRule(ctx RequestContext) *Match {
	for _, rule := range r.rules {
		if r.matches(rule, ctx) {
			return &Match{Rule: rule}
		}
	}
	return nil
}

func (r *Registry) matches(rule Rule, ctx RequestContext) bool {
	if !WildcardMatch(rule.HostPattern, ctx.Host) {
		return false
	}
	method := rule.Commit.Method
	if method == "" {
		method = http.MethodPost
	}
	if !strings.EqualFold(method, ctx.Method) {
		return false
	}
	if !WildcardMatch(rule.Commit.PathPattern, ctx.Path) {
		return false
	}
	if rule.Matchers == nil {
		return true
	}
	for name, want := range rule.Matchers.Headers {
		if !strings.EqualFold(headerValue(ctx.Headers, name), want) {
			return false
		}
	}
	for _, m := range rule.Matchers.JSON {
		value, found := JSONPath(ctx.Body, m.Path)
		if m.Exists != nil && *m.Exists != found {
			return false
		}
		if m.Equals != nil {
			if !found || !looseEqual(value, m.Equals) {
				return false
			}
		}
		if m.Exists == nil && m.Equals == nil && !found {
			return false
		}
	}
	return true
}

// Resolution is the compensating request derived from a committed response.
type Resolution struct {
	Rule   string
	Method string
	Path   string
	ID     string
}

// RequiresID reports whether the rule's path template needs a resolved id.
func (m *Match) RequiresID() bool {
	return strings.Contains(m.Rule.Rollback.PathTemplate, "{id}")
}

// Resolve derives the compensating request path from the commit response.
// idFrom entries are consulted in order; the first scalar value wins. When
// the template requires {id} and no id resolves, there is no resolution and
// the rollback becomes manual.
func (m *Match) Resolve(respHeaders http.Header, respBody []byte) (Resolution, bool) {
	var bodyDoc any
	_ = json.Unmarshal(respBody, &bodyDoc)

	id := ""
	for _, source := range m.Rule.Commit.IDFrom {
		kind, locator, ok := strings.Cut(source, ":")
		if !ok {
			continue
		}
		switch kind {
		case "header":
			if v := respHeaders.Get(locator); v != "" {
				id = v
			}
		case "json":
			if v, found := JSONPath(bodyDoc, locator); found {
				if s, ok := scalarString(v); ok {
					id = s
				}
			}
		}
		if id != "" {
			break
		}
	}

	path := m.Rule.Rollback.PathTemplate
	if id != "" {
		path = strings.ReplaceAll(path, "{id}", id)
	}
	path = substituteNamed(path, bodyDoc)
	if strings.Contains(path, "{") {
		return Resolution{}, false
	}
	return Resolution{
		Rule:   m.Rule.Name,
		Method: m.Rule.Rollback.Method,
		Path:   path,
		ID:     id,
	}, true
}

// substituteNamed replaces remaining {name} placeholders from top-level JSON
// fields of the response body.
func substituteNamed(template string, bodyDoc any) string {
	obj, ok := bodyDoc.(map[string]any)
	if !ok {
		return template
	}
	out := template
	for key, value := range obj {
		placeholder := "{" + key + "}"
		if !strings.Contains(out, placeholder) {
			continue
		}
		if s, ok := scalarString(value); ok {
			out = strings.ReplaceAll(out, placeholder, s)
		}
	}
	return out
}

// WildcardMatch matches a value against a pattern supporting a literal, a
// bare "*", a trailing "*" prefix match, and a leading "*" suffix match.
func WildcardMatch(pattern, value string) bool {
	switch {
	case pattern == "" || pattern == "*":
		return true
	case strings.HasSuffix(pattern, "*"):
		return strings.HasPrefix(value, strings.TrimSuffix(pattern, "*"))
	case strings.HasPrefix(pattern, "*"):
		return strings.HasSuffix(value, strings.TrimPrefix(pattern, "*"))
	default:
		return pattern == value
	}
}

// JSONPath evaluates a "$.a.b[0].c" expression against a decoded JSON value.
func JSONPath(doc any, expr string) (any, bool) {
	expr = strings.TrimPrefix(expr, "$")
	expr = strings.TrimPrefix(expr, ".")
	if expr == "" {
		return doc, doc != nil
	}

	current := doc
	for _, segment := range strings.Split(expr, ".") {
		for segment != "" {
			key := segment
			rest := ""
			if idx := strings.IndexByte(segment, '['); idx >= 0 {
				key = segment[:idx]
				rest = segment[idx:]
			}
			if key != "" {
				obj, ok := current.(map[string]any)
				if !ok {
					return nil, false
				}
				current, ok = obj[key]
				if !ok {
					return nil, false
				}
			}
			segment = ""
			for strings.HasPrefix(rest, "[") {
				end := strings.IndexByte(rest, ']')
				if end < 0 {
					return nil, false
				}
				n, err := strconv.Atoi(rest[1:end])
				if err != nil {
					return nil, false
				}
				arr, ok := current.([]any)
				if !ok || n < 0 || n >= len(arr) {
					return nil, false
				}
				current = arr[n]
				rest = rest[end+1:]
			}
			if rest != "" {
				return nil, false
			}
		}
	}
	return current, true
}

func headerValue(headers map[string]string, name string) string {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

func scalarString(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case json.Number:
		return t.String(), true
	case bool:
		return strconv.FormatBool(t), true
	default:
		return "", false
	}
}

func looseEqual(a, b any) bool {
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}
