package expressions

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
)

// filterFunc transforms a value inside a template pipeline. Filters are
// null-safe: undefined (and usually nil) input passes through or maps to
// a sensible zero so chained lookups never panic mid-pipeline.
type filterFunc func(val any, args []any) (any, error)

func builtinFilters() map[string]filterFunc {
	return map[string]filterFunc{
		"length":     filterLength,
		"first":      filterFirst,
		"last":       filterLast,
		"map":        filterMap,
		"filter":     filterFilterBy,
		"filterBy":   filterFilterBy,
		"find":       filterFind,
		"unique":     filterUnique,
		"flatten":    filterFlatten,
		"slice":      filterSlice,
		"sort":       filterSort,
		"reverse":    filterReverse,
		"join":       filterJoin,
		"formatList": filterFormatList,
		"hasOverlap": filterHasOverlap,
		"upper":      filterUpper,
		"lower":      filterLower,
		"trim":       filterTrim,
		"string":     filterString,
		"number":     filterNumber,
		"boolean":    filterBoolean,
		"parseJSON":  filterParseJSON,
		"isoDate":    filterISODate,
		"parseDate":  filterParseDate,
		"daysAgo":    filterDaysAgo,
		"hoursAgo":   filterHoursAgo,
		"minutesAgo": filterMinutesAgo,
		"isBefore":   filterIsBefore,
		"isAfter":    filterIsAfter,
	}
}

func isNullish(val any) bool {
	if val == nil {
		return true
	}
	return IsUndefined(val)
}

func asSlice(val any) ([]any, bool) {
	s, ok := val.([]any)
	return s, ok
}

func filterLength(val any, _ []any) (any, error) {
	switch v := val.(type) {
	case undefinedValue, nil:
		return float64(0), nil
	case string:
		return float64(len(v)), nil
	case []any:
		return float64(len(v)), nil
	case map[string]any:
		return float64(len(v)), nil
	default:
		return nil, fmt.Errorf("length expects a string, array or object, got %T", val)
	}
}

func filterFirst(val any, _ []any) (any, error) {
	if isNullish(val) {
		return undefined, nil
	}
	arr, ok := asSlice(val)
	if !ok {
		return nil, fmt.Errorf("first expects an array, got %T", val)
	}
	if len(arr) == 0 {
		return undefined, nil
	}
	return arr[0], nil
}

func filterLast(val any, _ []any) (any, error) {
	if isNullish(val) {
		return undefined, nil
	}
	arr, ok := asSlice(val)
	if !ok {
		return nil, fmt.Errorf("last expects an array, got %T", val)
	}
	if len(arr) == 0 {
		return undefined, nil
	}
	return arr[len(arr)-1], nil
}

// filterMap projects a field out of every object element.
func filterMap(val any, args []any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("map expects one field argument")
	}
	field := toString(args[0])
	if isNullish(val) {
		return []any{}, nil
	}
	arr, ok := asSlice(val)
	if !ok {
		return nil, fmt.Errorf("map expects an array, got %T", val)
	}
	out := make([]any, 0, len(arr))
	for _, item := range arr {
		m, ok := item.(map[string]any)
		if !ok {
			out = append(out, nil)
			continue
		}
		out = append(out, m[field])
	}
	return out, nil
}

// filterFilterBy keeps elements whose named field equals the given value.
func filterFilterBy(val any, args []any) (any, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("filter expects field and value arguments")
	}
	field := toString(args[0])
	want := args[1]
	if isNullish(val) {
		return []any{}, nil
	}
	arr, ok := asSlice(val)
	if !ok {
		return nil, fmt.Errorf("filter expects an array, got %T", val)
	}
	out := make([]any, 0, len(arr))
	for _, item := range arr {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if looseEqual(m[field], want) {
			out = append(out, item)
		}
	}
	return out, nil
}

// filterFind returns the first element whose field equals the value,
// or undefined when nothing matches.
func filterFind(val any, args []any) (any, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("find expects field and value arguments")
	}
	field := toString(args[0])
	want := args[1]
	if isNullish(val) {
		return undefined, nil
	}
	arr, ok := asSlice(val)
	if !ok {
		return nil, fmt.Errorf("find expects an array, got %T", val)
	}
	for _, item := range arr {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if looseEqual(m[field], want) {
			return item, nil
		}
	}
	return undefined, nil
}

func filterUnique(val any, _ []any) (any, error) {
	if isNullish(val) {
		return []any{}, nil
	}
	arr, ok := asSlice(val)
	if !ok {
		return nil, fmt.Errorf("unique expects an array, got %T", val)
	}
	seen := make(map[string]struct{}, len(arr))
	out := make([]any, 0, len(arr))
	for _, item := range arr {
		key := canonicalKey(item)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, item)
	}
	return out, nil
}

// filterFlatten flattens one level of nesting.
func filterFlatten(val any, _ []any) (any, error) {
	if isNullish(val) {
		return []any{}, nil
	}
	arr, ok := asSlice(val)
	if !ok {
		return nil, fmt.Errorf("flatten expects an array, got %T", val)
	}
	out := make([]any, 0, len(arr))
	for _, item := range arr {
		if inner, ok := asSlice(item); ok {
			out = append(out, inner...)
		} else {
			out = append(out, item)
		}
	}
	return out, nil
}

func filterSlice(val any, args []any) (any, error) {
	if len(args) < 1 || len(args) > 2 {
		return nil, fmt.Errorf("slice expects start and optional end arguments")
	}
	if isNullish(val) {
		return []any{}, nil
	}
	arr, ok := asSlice(val)
	if !ok {
		return nil, fmt.Errorf("slice expects an array, got %T", val)
	}
	start, err := toInt(args[0])
	if err != nil {
		return nil, fmt.Errorf("slice start: %w", err)
	}
	end := len(arr)
	if len(args) == 2 {
		end, err = toInt(args[1])
		if err != nil {
			return nil, fmt.Errorf("slice end: %w", err)
		}
	}
	start = clampIndex(start, len(arr))
	end = clampIndex(end, len(arr))
	if start > end {
		return []any{}, nil
	}
	return append([]any{}, arr[start:end]...), nil
}

func clampIndex(i, size int) int {
	if i < 0 {
		i += size
	}
	if i < 0 {
		return 0
	}
	if i > size {
		return size
	}
	return i
}

// filterSort orders elements ascending, optionally by an object field.
func filterSort(val any, args []any) (any, error) {
	if isNullish(val) {
		return []any{}, nil
	}
	arr, ok := asSlice(val)
	if !ok {
		return nil, fmt.Errorf("sort expects an array, got %T", val)
	}
	field := ""
	if len(args) > 0 {
		field = toString(args[0])
	}
	out := append([]any{}, arr...)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if field != "" {
			if m, ok := a.(map[string]any); ok {
				a = m[field]
			}
			if m, ok := b.(map[string]any); ok {
				b = m[field]
			}
		}
		return compareValues(a, b) < 0
	})
	return out, nil
}

func filterReverse(val any, _ []any) (any, error) {
	if isNullish(val) {
		return []any{}, nil
	}
	arr, ok := asSlice(val)
	if !ok {
		return nil, fmt.Errorf("reverse expects an array, got %T", val)
	}
	out := make([]any, len(arr))
	for i, item := range arr {
		out[len(arr)-1-i] = item
	}
	return out, nil
}

func filterJoin(val any, args []any) (any, error) {
	sep := ", "
	if len(args) > 0 {
		sep = toString(args[0])
	}
	if isNullish(val) {
		return "", nil
	}
	arr, ok := asSlice(val)
	if !ok {
		return nil, fmt.Errorf("join expects an array, got %T", val)
	}
	parts := make([]string, len(arr))
	for i, item := range arr {
		parts[i] = toString(item)
	}
	return strings.Join(parts, sep), nil
}

// filterFormatList renders an array as a human list: "a, b and c".
func filterFormatList(val any, _ []any) (any, error) {
	if isNullish(val) {
		return "", nil
	}
	arr, ok := asSlice(val)
	if !ok {
		return nil, fmt.Errorf("formatList expects an array, got %T", val)
	}
	parts := make([]string, len(arr))
	for i, item := range arr {
		parts[i] = toString(item)
	}
	switch len(parts) {
	case 0:
		return "", nil
	case 1:
		return parts[0], nil
	default:
		return strings.Join(parts[:len(parts)-1], ", ") + " and " + parts[len(parts)-1], nil
	}
}

// filterHasOverlap reports whether two arrays share at least one element.
func filterHasOverlap(val any, args []any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("hasOverlap expects one array argument")
	}
	if isNullish(val) {
		return false, nil
	}
	arr, ok := asSlice(val)
	if !ok {
		return nil, fmt.Errorf("hasOverlap expects an array, got %T", val)
	}
	other, ok := asSlice(args[0])
	if !ok {
		// A scalar argument degrades to single-element membership.
		other = []any{args[0]}
	}
	seen := make(map[string]struct{}, len(other))
	for _, item := range other {
		seen[canonicalKey(item)] = struct{}{}
	}
	for _, item := range arr {
		if _, hit := seen[canonicalKey(item)]; hit {
			return true, nil
		}
	}
	return false, nil
}

func filterUpper(val any, _ []any) (any, error) {
	if isNullish(val) {
		return "", nil
	}
	return strings.ToUpper(toString(val)), nil
}

func filterLower(val any, _ []any) (any, error) {
	if isNullish(val) {
		return "", nil
	}
	return strings.ToLower(toString(val)), nil
}

func filterTrim(val any, _ []any) (any, error) {
	if isNullish(val) {
		return "", nil
	}
	return strings.TrimSpace(toString(val)), nil
}

func filterString(val any, _ []any) (any, error) {
	if isNullish(val) {
		return "", nil
	}
	return toString(val), nil
}

func filterNumber(val any, _ []any) (any, error) {
	if isNullish(val) {
		return float64(0), nil
	}
	switch v := val.(type) {
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case bool:
		if v {
			return float64(1), nil
		}
		return float64(0), nil
	case string:
		n, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return nil, fmt.Errorf("cannot convert %q to a number", v)
		}
		return n, nil
	default:
		return nil, fmt.Errorf("cannot convert %T to a number", val)
	}
}

func filterBoolean(val any, _ []any) (any, error) {
	switch v := val.(type) {
	case undefinedValue, nil:
		return false, nil
	case bool:
		return v, nil
	case string:
		return v != "" && v != "false" && v != "0", nil
	case float64:
		return v != 0, nil
	case []any:
		return len(v) > 0, nil
	case map[string]any:
		return len(v) > 0, nil
	default:
		return true, nil
	}
}

func filterParseJSON(val any, _ []any) (any, error) {
	if isNullish(val) {
		return undefined, nil
	}
	s, ok := val.(string)
	if !ok {
		// Already structured data, nothing to parse.
		return val, nil
	}
	var out any
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	return out, nil
}

func filterISODate(val any, _ []any) (any, error) {
	if isNullish(val) {
		return "", nil
	}
	t, err := toTime(val)
	if err != nil {
		return nil, err
	}
	return t.UTC().Format(time.RFC3339), nil
}

func filterParseDate(val any, _ []any) (any, error) {
	if isNullish(val) {
		return undefined, nil
	}
	t, err := toTime(val)
	if err != nil {
		return nil, err
	}
	return t.UTC().Format(time.RFC3339), nil
}

func filterDaysAgo(val any, _ []any) (any, error) {
	return elapsedUnits(val, 24*time.Hour)
}

func filterHoursAgo(val any, _ []any) (any, error) {
	return elapsedUnits(val, time.Hour)
}

func filterMinutesAgo(val any, _ []any) (any, error) {
	return elapsedUnits(val, time.Minute)
}

func elapsedUnits(val any, unit time.Duration) (any, error) {
	if isNullish(val) {
		return nil, fmt.Errorf("cannot compute elapsed time from an undefined value")
	}
	t, err := toTime(val)
	if err != nil {
		return nil, err
	}
	elapsed := time.Since(t)
	if elapsed < 0 {
		elapsed = 0
	}
	return math.Floor(elapsed.Seconds() / unit.Seconds()), nil
}

func filterIsBefore(val any, args []any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("isBefore expects one date argument")
	}
	a, b, err := timePair(val, args[0])
	if err != nil {
		return nil, err
	}
	return a.Before(b), nil
}

func filterIsAfter(val any, args []any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("isAfter expects one date argument")
	}
	a, b, err := timePair(val, args[0])
	if err != nil {
		return nil, err
	}
	return a.After(b), nil
}

func timePair(val, arg any) (time.Time, time.Time, error) {
	if isNullish(val) {
		return time.Time{}, time.Time{}, fmt.Errorf("cannot compare an undefined date")
	}
	a, err := toTime(val)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	b, err := toTime(arg)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return a, b, nil
}

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func toTime(val any) (time.Time, error) {
	switch v := val.(type) {
	case time.Time:
		return v, nil
	case string:
		if v == "now" {
			return time.Now(), nil
		}
		for _, layout := range timeLayouts {
			if t, err := time.Parse(layout, v); err == nil {
				return t, nil
			}
		}
		return time.Time{}, fmt.Errorf("cannot parse %q as a date", v)
	case float64:
		// Unix milliseconds above a plausible seconds range.
		if v > 1e12 {
			return time.UnixMilli(int64(v)), nil
		}
		return time.Unix(int64(v), 0), nil
	case int64:
		if v > 1e12 {
			return time.UnixMilli(v), nil
		}
		return time.Unix(v, 0), nil
	default:
		return time.Time{}, fmt.Errorf("cannot interpret %T as a date", val)
	}
}

func toString(val any) string {
	return stringify(val)
}

func toInt(val any) (int, error) {
	switch v := val.(type) {
	case float64:
		return int(v), nil
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case string:
		return strconv.Atoi(v)
	default:
		return 0, fmt.Errorf("expected a number, got %T", val)
	}
}

// looseEqual compares scalars across JSON's number/string blur.
func looseEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	af, aok := numericValue(a)
	bf, bok := numericValue(b)
	if aok && bok {
		return af == bf
	}
	return toString(a) == toString(b)
}

func numericValue(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func canonicalKey(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}

func compareValues(a, b any) int {
	af, aok := numericValue(a)
	bf, bok := numericValue(b)
	if aok && bok {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	}
	return strings.Compare(toString(a), toString(b))
}
