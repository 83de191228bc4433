package expressions

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/loomhq/loom/pkg/schema"
)

// undefined is the sentinel produced by null-safe path navigation.
// It renders as empty and flows through filters without raising, so a
// template can safely reference outputs of steps that did not run.
type undefinedValue struct{}

var undefined = undefinedValue{}

// IsUndefined reports whether a resolved value is the null-safe sentinel.
func IsUndefined(v any) bool {
	_, ok := v.(undefinedValue)
	return ok
}

// Resolver interpolates {{path|filter|filter(...)}} tokens against a Scope.
// Filters chain left to right, each consuming the prior result.
type Resolver struct {
	filters map[string]filterFunc
}

// NewResolver creates a Resolver with the full built-in filter set.
func NewResolver() *Resolver {
	return &Resolver{filters: builtinFilters()}
}

// HasTemplate checks whether a string contains any {{...}} token.
func HasTemplate(s string) bool {
	return strings.Contains(s, "{{")
}

// Resolve evaluates a template string. When the whole string is a single
// token, the resolved value keeps its type (array, map, number); otherwise
// tokens are stringified into the surrounding text. An unresolvable path
// yields undefined, which Resolve returns as nil (or renders empty).
func (r *Resolver) Resolve(input string, scope *Scope) (any, error) {
	data := scope.Data()
	return r.resolveWith(input, data)
}

func (r *Resolver) resolveWith(input string, data map[string]any) (any, error) {
	trimmed := strings.TrimSpace(input)
	if strings.HasPrefix(trimmed, "{{") && strings.HasSuffix(trimmed, "}}") &&
		strings.Count(trimmed, "{{") == 1 {
		val, err := r.resolveToken(trimmed[2:len(trimmed)-2], data)
		if err != nil {
			return nil, err
		}
		if IsUndefined(val) {
			return nil, nil
		}
		return val, nil
	}

	var b strings.Builder
	b.Grow(len(input))
	rest := input
	for {
		idx := strings.Index(rest, "{{")
		if idx == -1 {
			b.WriteString(rest)
			break
		}
		b.WriteString(rest[:idx])
		end := strings.Index(rest[idx+2:], "}}")
		if end == -1 {
			return nil, schema.NewError(schema.ErrCodeTemplate, "unclosed {{ token")
		}
		token := rest[idx+2 : idx+2+end]
		val, err := r.resolveToken(token, data)
		if err != nil {
			return nil, err
		}
		b.WriteString(stringify(val))
		rest = rest[idx+2+end+2:]
	}
	return b.String(), nil
}

// ResolveParams resolves every template string inside a parameter map,
// recursing through nested maps and slices.
func (r *Resolver) ResolveParams(params map[string]any, scope *Scope) (map[string]any, error) {
	data := scope.Data()
	out, err := r.resolveValue(params, data)
	if err != nil {
		return nil, err
	}
	resolved, _ := out.(map[string]any)
	return resolved, nil
}

func (r *Resolver) resolveValue(v any, data map[string]any) (any, error) {
	switch val := v.(type) {
	case string:
		if !HasTemplate(val) {
			return val, nil
		}
		return r.resolveWith(val, data)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			resolved, err := r.resolveValue(item, data)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			resolved, err := r.resolveValue(item, data)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return v, nil
	}
}

// resolveToken evaluates one path|filter... token body.
func (r *Resolver) resolveToken(token string, data map[string]any) (any, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, schema.NewError(schema.ErrCodeTemplate, "empty {{ }} token")
	}

	parts, err := splitPipeline(token)
	if err != nil {
		return nil, err
	}

	val, err := resolvePath(parts[0], data)
	if err != nil {
		return nil, err
	}

	for _, seg := range parts[1:] {
		name, args, err := r.parseFilterCall(seg, data)
		if err != nil {
			return nil, err
		}
		fn, ok := r.filters[name]
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeTemplate,
				"unknown filter %q in {{%s}}", name, token).
				WithDetails(map[string]any{"filter": name, "token": token})
		}
		val, err = fn(val, args)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeTemplate,
				"filter %q failed in {{%s}}: %s", name, token, err.Error()).WithCause(err)
		}
	}

	return val, nil
}

// splitPipeline splits a token body on top-level | characters, ignoring
// pipes inside quotes or parentheses.
func splitPipeline(token string) ([]string, error) {
	var parts []string
	depth := 0
	inQuote := byte(0)
	start := 0
	for i := 0; i < len(token); i++ {
		c := token[i]
		switch {
		case inQuote != 0:
			if c == inQuote {
				inQuote = 0
			}
		case c == '\'' || c == '"':
			inQuote = c
		case c == '(':
			depth++
		case c == ')':
			depth--
			if depth < 0 {
				return nil, schema.NewErrorf(schema.ErrCodeTemplate, "unbalanced parentheses in {{%s}}", token)
			}
		case c == '|' && depth == 0:
			parts = append(parts, strings.TrimSpace(token[start:i]))
			start = i + 1
		}
	}
	if depth != 0 || inQuote != 0 {
		return nil, schema.NewErrorf(schema.ErrCodeTemplate, "malformed filter syntax in {{%s}}", token)
	}
	parts = append(parts, strings.TrimSpace(token[start:]))
	for _, p := range parts {
		if p == "" {
			return nil, schema.NewErrorf(schema.ErrCodeTemplate, "empty filter segment in {{%s}}", token)
		}
	}
	return parts, nil
}

// parseFilterCall parses "name" or "name(arg, ...)" into a filter name
// and evaluated arguments. Bare-word arguments are resolved as scope
// paths when they match one, otherwise kept as literal strings.
func (r *Resolver) parseFilterCall(seg string, data map[string]any) (string, []any, error) {
	open := strings.IndexByte(seg, '(')
	if open == -1 {
		return seg, nil, nil
	}
	if !strings.HasSuffix(seg, ")") {
		return "", nil, schema.NewErrorf(schema.ErrCodeTemplate, "malformed filter call %q", seg)
	}
	name := strings.TrimSpace(seg[:open])
	body := seg[open+1 : len(seg)-1]
	if strings.TrimSpace(body) == "" {
		return name, nil, nil
	}

	var args []any
	for _, raw := range splitArgs(body) {
		args = append(args, r.evalArg(raw, data))
	}
	return name, args, nil
}

// splitArgs splits a filter argument list on top-level commas.
func splitArgs(body string) []string {
	var out []string
	inQuote := byte(0)
	start := 0
	for i := 0; i < len(body); i++ {
		c := body[i]
		switch {
		case inQuote != 0:
			if c == inQuote {
				inQuote = 0
			}
		case c == '\'' || c == '"':
			inQuote = c
		case c == ',':
			out = append(out, strings.TrimSpace(body[start:i]))
			start = i + 1
		}
	}
	out = append(out, strings.TrimSpace(body[start:]))
	return out
}

// evalArg turns a raw argument into a value: quoted string, number,
// boolean, scope path, or literal string, in that order.
func (r *Resolver) evalArg(raw string, data map[string]any) any {
	if len(raw) >= 2 {
		if (raw[0] == '\'' && raw[len(raw)-1] == '\'') || (raw[0] == '"' && raw[len(raw)-1] == '"') {
			return raw[1 : len(raw)-1]
		}
	}
	if n, err := strconv.ParseFloat(raw, 64); err == nil {
		return n
	}
	if raw == "true" {
		return true
	}
	if raw == "false" {
		return false
	}
	if val, err := resolvePath(raw, data); err == nil && !IsUndefined(val) {
		return val
	}
	return raw
}

// resolvePath walks a dotted path with optional [N] indexes.
// Navigation is null-safe: a missing key yields undefined and further
// dotted segments stay undefined. Direct indexed access is the one hard
// edge: indexing into undefined (or out of range) raises a TemplateError,
// because the author asserted the element exists.
func resolvePath(path string, data map[string]any) (any, error) {
	segments, err := splitPathSegments(path)
	if err != nil {
		return nil, err
	}

	var current any = data
	for _, seg := range segments {
		if seg.key != "" {
			if IsUndefined(current) {
				// Null-safe: keep flowing undefined.
				continue
			}
			m, ok := current.(map[string]any)
			if !ok {
				current = undefined
				continue
			}
			val, ok := m[seg.key]
			if !ok {
				current = undefined
				continue
			}
			current = val
		}
		for _, idx := range seg.indexes {
			if IsUndefined(current) {
				return nil, schema.NewErrorf(schema.ErrCodeTemplate,
					"cannot index [%d] into undefined value at %q", idx, path).
					WithDetails(map[string]any{"path": path})
			}
			arr, ok := current.([]any)
			if !ok {
				return nil, schema.NewErrorf(schema.ErrCodeTemplate,
					"cannot index [%d] into non-array at %q (got %T)", idx, path, current).
					WithDetails(map[string]any{"path": path})
			}
			if idx < 0 || idx >= len(arr) {
				return nil, schema.NewErrorf(schema.ErrCodeTemplate,
					"index [%d] out of range at %q (length %d)", idx, path, len(arr)).
					WithDetails(map[string]any{"path": path})
			}
			current = arr[idx]
		}
	}
	return current, nil
}

// pathSegment is one dotted segment with zero or more [N] indexes.
type pathSegment struct {
	key     string
	indexes []int
}

func splitPathSegments(path string) ([]pathSegment, error) {
	var segments []pathSegment
	for _, part := range strings.Split(path, ".") {
		part = strings.TrimSpace(part)
		if part == "" {
			return nil, schema.NewErrorf(schema.ErrCodeTemplate, "empty segment in path %q", path)
		}
		seg := pathSegment{key: part}
		if open := strings.IndexByte(part, '['); open != -1 {
			seg.key = part[:open]
			rest := part[open:]
			for rest != "" {
				if rest[0] != '[' {
					return nil, schema.NewErrorf(schema.ErrCodeTemplate, "malformed index in path %q", path)
				}
				closeIdx := strings.IndexByte(rest, ']')
				if closeIdx == -1 {
					return nil, schema.NewErrorf(schema.ErrCodeTemplate, "unclosed index in path %q", path)
				}
				idx, err := strconv.Atoi(rest[1:closeIdx])
				if err != nil {
					return nil, schema.NewErrorf(schema.ErrCodeTemplate, "non-numeric index in path %q", path)
				}
				seg.indexes = append(seg.indexes, idx)
				rest = rest[closeIdx+1:]
			}
		}
		segments = append(segments, seg)
	}
	return segments, nil
}

// stringify converts a resolved value into its inline text form.
// Undefined and nil render empty; complex values render as JSON.
func stringify(val any) string {
	switch v := val.(type) {
	case undefinedValue, nil:
		return ""
	case string:
		return v
	case bool:
		if v {
			return "true"
		}
		return "false"
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case json.RawMessage:
		return string(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}
