package secrets

import (
	"context"
	"regexp"

	"github.com/loomhq/loom/pkg/schema"
)

var refPattern = regexp.MustCompile(`\$\{\{\s*secrets\.([A-Za-z0-9_][A-Za-z0-9_.-]*)\s*\}\}`)

// HasRefs reports whether s contains a ${{secrets.KEY}} reference.
func HasRefs(s string) bool {
	return refPattern.MatchString(s)
}

// ResolveRefs replaces every ${{secrets.KEY}} reference in the string
// values of params with the decrypted secret, recursing into nested
// maps and slices. Returns a new map; params is not modified. A nil
// vault fails only when a reference is actually present, so workflows
// without secrets run fine on deployments without a vault.
func ResolveRefs(ctx context.Context, v Vault, orgID string, params map[string]any) (map[string]any, error) {
	if params == nil {
		return nil, nil
	}
	out := make(map[string]any, len(params))
	for k, val := range params {
		resolved, err := resolveValue(ctx, v, orgID, val)
		if err != nil {
			return nil, err
		}
		out[k] = resolved
	}
	return out, nil
}

func resolveValue(ctx context.Context, v Vault, orgID string, val any) (any, error) {
	switch tv := val.(type) {
	case string:
		return resolveString(ctx, v, orgID, tv)
	case map[string]any:
		return ResolveRefs(ctx, v, orgID, tv)
	case []any:
		out := make([]any, len(tv))
		for i, item := range tv {
			resolved, err := resolveValue(ctx, v, orgID, item)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return val, nil
	}
}

func resolveString(ctx context.Context, v Vault, orgID, s string) (string, error) {
	if !refPattern.MatchString(s) {
		return s, nil
	}
	if v == nil {
		return "", schema.NewError(schema.ErrCodeValidation,
			"secret references require a configured vault")
	}

	var resolveErr error
	out := refPattern.ReplaceAllStringFunc(s, func(match string) string {
		if resolveErr != nil {
			return match
		}
		key := refPattern.FindStringSubmatch(match)[1]
		value, err := v.Resolve(ctx, orgID, key)
		if err != nil {
			resolveErr = err
			return match
		}
		return string(value)
	})
	if resolveErr != nil {
		return "", resolveErr
	}
	return out, nil
}
