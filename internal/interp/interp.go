// Package interp expands the `{{expr}}` placeholders the static modifier and
// LLM modification engine use inside replacement strings and prompt
// templates, against a flow's request context and the process environment.
package interp

import (
	"crypto/rand"
	"math/big"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// RequestContext is the subset of a flow's request the interpolator can
// reference via `request.*` expressions.
type RequestContext struct {
	Method  string
	Host    string
	Path    string
	URL     string
	Headers map[string]string // case-preserving name -> value
}

// HeaderLookup does a case-insensitive header lookup, empty string if absent.
func (c RequestContext) HeaderLookup(name string) string {
	if c.Headers == nil {
		return ""
	}
	lname := strings.ToLower(name)
	for k, v := range c.Headers {
		if strings.ToLower(k) == lname {
			return v
		}
	}
	return ""
}

var tokenPattern = regexp.MustCompile(`\{\{([^{}]*)\}\}`)

// Expand replaces every `{{expr}}` token in s. Unknown expressions are left
// verbatim, braces included.
func Expand(s string, req RequestContext) string {
	return tokenPattern.ReplaceAllStringFunc(s, func(tok string) string {
		expr := strings.TrimSpace(tok[2 : len(tok)-2])
		val, ok := evaluate(expr, req)
		if !ok {
			return tok
		}
		return val
	})
}

func evaluate(expr string, req RequestContext) (string, bool) {
	switch {
	case expr == "timestamp":
		return strconv.FormatInt(time.Now().UnixMilli(), 10), true
	case expr == "timestamp_iso":
		return time.Now().UTC().Format("2006-01-02T15:04:05.000Z"), true
	case expr == "uuid":
		return uuid.NewString(), true
	case strings.HasPrefix(expr, "random_int:"):
		return randomIntExpr(expr)
	case expr == "request.method":
		return req.Method, true
	case expr == "request.host":
		return req.Host, true
	case expr == "request.path":
		return req.Path, true
	case expr == "request.url":
		return req.URL, true
	case strings.HasPrefix(expr, "request.header:"):
		name := strings.TrimPrefix(expr, "request.header:")
		return req.HeaderLookup(name), true
	case strings.HasPrefix(expr, "env:"):
		name := strings.TrimPrefix(expr, "env:")
		return os.Getenv(name), true
	default:
		return "", false
	}
}

func randomIntExpr(expr string) (string, bool) {
	parts := strings.Split(expr, ":")
	if len(parts) != 3 {
		return "", false
	}
	lo, errLo := strconv.ParseInt(parts[1], 10, 64)
	hi, errHi := strconv.ParseInt(parts[2], 10, 64)
	if errLo != nil || errHi != nil || hi < lo {
		return "", false
	}
	span := hi - lo + 1
	n, err := rand.Int(rand.Reader, big.NewInt(span))
	if err != nil {
		return strconv.FormatInt(lo, 10), true
	}
	return strconv.FormatInt(lo+n.Int64(), 10), true
}
