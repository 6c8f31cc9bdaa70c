// Package modify implements the static modifier (L2): body replace /
// find-replace and header set/remove/find-replace operations, each expanded
// through the variable interpolator before being applied.
package modify

import (
	"regexp"
	"strings"

	"github.com/follgate/tollbooth/internal/interp"
)

// FindReplace is one entry in an ordered body find/replace list.
type FindReplace struct {
	Find        string `json:"find"`
	Replace     string `json:"replace"`
	Regex       bool   `json:"regex,omitempty"`
	ReplaceAll  *bool  `json:"replace_all,omitempty"` // nil means true, matching the spec default
}

func (fr FindReplace) replaceAll() bool {
	if fr.ReplaceAll == nil {
		return true
	}
	return *fr.ReplaceAll
}

// BodyMod is the body half of a modify_static action. ReplaceBody, when
// non-nil, wins outright; otherwise FindReplaces is applied in order.
type BodyMod struct {
	ReplaceBody  *string       `json:"replace_body,omitempty"`
	FindReplaces []FindReplace `json:"find_replace,omitempty"`
}

// HeaderOp is one entry in an ordered header modification list.
type HeaderOp struct {
	Type  string `json:"type"` // set | remove | find_replace
	Key   string `json:"key"`
	Value string `json:"value,omitempty"`
	Find  string `json:"find,omitempty"`
	Replace string `json:"replace,omitempty"`
	Regex bool   `json:"regex,omitempty"`
}

// Result carries the outcome of applying a modification set, plus whether
// anything actually changed (the fall-through invariant in §4.2/§8 depends
// on being able to tell a no-op apart from a real modification).
type Result struct {
	Body      string
	Headers   map[string]string
	HeaderOrder []string
	BodyChanged    bool
	HeadersChanged bool
}

// Changed reports whether either body or headers differ from the input.
func (r Result) Changed() bool {
	return r.BodyChanged || r.HeadersChanged
}

// ApplyBody computes the modified body. original is the unmodified body.
func ApplyBody(mod BodyMod, original string, req interp.RequestContext) (string, bool) {
	if mod.ReplaceBody != nil {
		expanded := interp.Expand(*mod.ReplaceBody, req)
		return expanded, expanded != original
	}
	body := original
	for _, fr := range mod.FindReplaces {
		replace := interp.Expand(fr.Replace, req)
		if fr.Regex {
			re, err := regexp.Compile(fr.Find)
			if err != nil {
				// A bad regex never matches; the rule is still considered (§7).
				continue
			}
			if fr.replaceAll() {
				body = re.ReplaceAllString(body, replace)
			} else {
				body = replaceFirstRegex(re, body, replace)
			}
			continue
		}
		if fr.replaceAll() {
			body = strings.ReplaceAll(body, fr.Find, replace)
		} else {
			body = replaceFirstLiteral(body, fr.Find, replace)
		}
	}
	return body, body != original
}

func replaceFirstLiteral(s, find, replace string) string {
	idx := strings.Index(s, find)
	if idx < 0 {
		return s
	}
	return s[:idx] + replace + s[idx+len(find):]
}

func replaceFirstRegex(re *regexp.Regexp, s, replace string) string {
	loc := re.FindStringIndex(s)
	if loc == nil {
		return s
	}
	matched := s[loc[0]:loc[1]]
	expanded := re.ReplaceAllString(matched, replace)
	return s[:loc[0]] + expanded + s[loc[1]:]
}

// ApplyHeaders computes the modified header set from an ordered copy of the
// original headers. The input map is never mutated.
func ApplyHeaders(ops []HeaderOp, originalOrder []string, original map[string]string, req interp.RequestContext) (map[string]string, []string, bool) {
	headers := make(map[string]string, len(original))
	order := append([]string(nil), originalOrder...)
	for k, v := range original {
		headers[k] = v
	}

	changed := false
	for _, op := range ops {
		switch op.Type {
		case "set":
			val := interp.Expand(op.Value, req)
			if existing, ok := lookupCaseInsensitive(headers, op.Key); ok {
				if headers[existing] != val {
					headers[existing] = val
					changed = true
				}
			} else {
				headers[op.Key] = val
				order = append(order, op.Key)
				changed = true
			}
		case "remove":
			lower := strings.ToLower(op.Key)
			var kept []string
			for _, k := range order {
				if strings.ToLower(k) == lower {
					delete(headers, k)
					changed = true
					continue
				}
				kept = append(kept, k)
			}
			order = kept
		case "find_replace":
			existing, ok := lookupCaseInsensitive(headers, op.Key)
			if !ok {
				continue
			}
			val := headers[existing]
			var newVal string
			if op.Regex {
				re, err := regexp.Compile(op.Find)
				if err != nil {
					continue
				}
				newVal = re.ReplaceAllString(val, interp.Expand(op.Replace, req))
			} else {
				newVal = strings.ReplaceAll(val, op.Find, interp.Expand(op.Replace, req))
			}
			if newVal != val {
				headers[existing] = newVal
				changed = true
			}
		}
	}
	return headers, order, changed
}

func lookupCaseInsensitive(headers map[string]string, key string) (string, bool) {
	lower := strings.ToLower(key)
	for k := range headers {
		if strings.ToLower(k) == lower {
			return k, true
		}
	}
	return "", false
}
