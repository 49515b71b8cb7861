package util

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/oliveagle/jsonpath"
)

var tokenPattern = regexp.MustCompile(`{(\$[^{}]*)}`)

// ResolveParams substitutes {$.path} tokens in a parameter template with
// values looked up in scope. A string consisting of a single token keeps the
// looked up value's type, tokens embedded in text are formatted with %v.
// Unresolvable tokens are reported in the returned error.
func ResolveParams(scope map[string]any, params map[string]any) (map[string]any, error) {
	missing := make(map[string]bool)
	out := resolveMap(scope, params, missing)
	if len(missing) > 0 {
		tokens := make([]string, 0, len(missing))
		for t := range missing {
			tokens = append(tokens, t)
		}
		sort.Strings(tokens)
		return out, fmt.Errorf("unresolved parameter references %s", strings.Join(tokens, ", "))
	}
	return out, nil
}

func resolveMap(scope map[string]any, params map[string]any, missing map[string]bool) map[string]any {
	output := make(map[string]any, len(params))
	for k, v := range params {
		output[k] = resolveValue(scope, v, missing)
	}
	return output
}

func resolveValue(scope map[string]any, v any, missing map[string]bool) any {
	switch val := v.(type) {
	case map[string]any:
		return resolveMap(scope, val, missing)
	case []any:
		out := make([]any, 0, len(val))
		for _, item := range val {
			out = append(out, resolveValue(scope, item, missing))
		}
		return out
	case string:
		return resolveString(scope, val, missing)
	default:
		return v
	}
}

func resolveString(scope map[string]any, s string, missing map[string]bool) any {
	matches := tokenPattern.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s
	}
	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(s) {
		path := s[matches[0][2]:matches[0][3]]
		value, err := jsonpath.JsonPathLookup(scope, path)
		if err != nil {
			missing[path] = true
			return s
		}
		return value
	}
	var b strings.Builder
	last := 0
	for _, m := range matches {
		b.WriteString(s[last:m[0]])
		path := s[m[2]:m[3]]
		value, err := jsonpath.JsonPathLookup(scope, path)
		if err != nil {
			missing[path] = true
			b.WriteString(s[m[0]:m[1]])
		} else {
			b.WriteString(fmt.Sprintf("%v", value))
		}
		last = m[1]
	}
	b.WriteString(s[last:])
	return b.String()
}

// References lists the jsonpath expressions used by a template, it lets the
// workflow validator check references before anything runs.
func References(params map[string]any) []string {
	var refs []string
	collectRefs(params, &refs)
	sort.Strings(refs)
	return refs
}

func collectRefs(v any, refs *[]string) {
	switch val := v.(type) {
	case map[string]any:
		for _, item := range val {
			collectRefs(item, refs)
		}
	case []any:
		for _, item := range val {
			collectRefs(item, refs)
		}
	case string:
		for _, m := range tokenPattern.FindAllStringSubmatch(val, -1) {
			*refs = append(*refs, m[1])
		}
	}
}
