package rules

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/follgate/tollbooth/internal/domain"
)

// compiledString pre-compiles a StringPredicate's regex, if any, so
// per-evaluation cost stays cheap the way the teacher's compiledMatcher
// amortizes regexp.Compile across evaluations.
type compiledString struct {
	pred *domain.StringPredicate
	re   *regexp.Regexp
}

func compileString(p *domain.StringPredicate) *compiledString {
	if p == nil {
		return nil
	}
	c := &compiledString{pred: p}
	if p.Mode == domain.MatchRegex {
		re, err := regexp.Compile(p.Value)
		if err == nil {
			c.re = re
		}
		// A bad regex compiles to nil; matches() treats that as "never
		// matches" per §4.3/§7 without aborting rule evaluation.
	}
	return c
}

func (c *compiledString) matches(actual string) bool {
	if c == nil {
		return true
	}
	switch c.pred.Mode {
	case domain.MatchExact:
		return actual == c.pred.Value
	case domain.MatchContains:
		return strings.Contains(actual, c.pred.Value)
	case domain.MatchRegex:
		if c.re == nil {
			return false
		}
		return c.re.MatchString(actual)
	default:
		return false
	}
}

type compiledHeader struct {
	pred *domain.HeaderPredicate
	str  *compiledString
}

func compileHeader(p *domain.HeaderPredicate) *compiledHeader {
	if p == nil {
		return nil
	}
	return &compiledHeader{pred: p, str: compileString(&domain.StringPredicate{Value: p.Value, Mode: p.Mode})}
}

func (c *compiledHeader) matches(headers domain.HeaderList) bool {
	if c == nil {
		return true
	}
	val, ok := headers.Get(c.pred.Key)
	if !ok {
		return false
	}
	return c.str.matches(val)
}

// compiledStatus pre-parses a status-code/size predicate's range bound.
type compiledStatus struct {
	pred *domain.StatusCodePredicate
}

func compileStatus(p *domain.StatusCodePredicate) *compiledStatus {
	if p == nil {
		return nil
	}
	return &compiledStatus{pred: p}
}

func (c *compiledStatus) matches(n int) bool {
	if c == nil {
		return true
	}
	switch c.pred.Mode {
	case domain.StatusExact:
		return n == c.pred.Exact
	case domain.StatusList:
		for _, v := range c.pred.List {
			if v == n {
				return true
			}
		}
		return false
	case domain.StatusRange:
		return matchRange(c.pred.Range, n)
	default:
		return false
	}
}

func matchRange(spec string, n int) bool {
	switch {
	case spec == "4xx":
		return n >= 400 && n < 500
	case spec == "5xx":
		return n >= 500 && n < 600
	case strings.HasPrefix(spec, ">="):
		v, err := strconv.Atoi(spec[2:])
		return err == nil && n >= v
	case strings.HasPrefix(spec, "<="):
		v, err := strconv.Atoi(spec[2:])
		return err == nil && n <= v
	case strings.HasPrefix(spec, ">"):
		v, err := strconv.Atoi(spec[1:])
		return err == nil && n > v
	case strings.HasPrefix(spec, "<"):
		v, err := strconv.Atoi(spec[1:])
		return err == nil && n < v
	case strings.Contains(spec, "-"):
		parts := strings.SplitN(spec, "-", 2)
		if len(parts) != 2 {
			return false
		}
		lo, errLo := strconv.Atoi(parts[0])
		hi, errHi := strconv.Atoi(parts[1])
		return errLo == nil && errHi == nil && n >= lo && n <= hi
	default:
		return false
	}
}

// compiledFilter is a Filter with every predicate pre-compiled.
type compiledFilter struct {
	host                 *compiledString
	path                 *compiledString
	method               *compiledString
	header               *compiledHeader
	isLLMAPI             *bool
	statusCode           *compiledStatus
	responseBodyContains *compiledString
	responseHeader       *compiledHeader
	responseSize         *compiledStatus
}

func compileFilter(f domain.Filter) *compiledFilter {
	return &compiledFilter{
		host:                 compileString(f.Host),
		path:                 compileString(f.Path),
		method:               compileString(f.Method),
		header:               compileHeader(f.Header),
		isLLMAPI:             f.IsLLMAPI,
		statusCode:           compileStatus(f.StatusCode),
		responseBodyContains: compileString(f.ResponseBodyContains),
		responseHeader:       compileHeader(f.ResponseHeader),
		responseSize:         compileStatus(f.ResponseSize),
	}
}

// MatchesFilter conjoins every present predicate in f against flow (§4.3),
// for callers (e.g. the refusal detector's own filter) that need filter
// matching without going through the full rule engine.
func MatchesFilter(f domain.Filter, flow *domain.Flow) bool {
	return compileFilter(f).matches(flow)
}

// matches conjoins every present predicate against flow (§4.3). Response
// predicates fail automatically when the flow has no response.
func (c *compiledFilter) matches(flow *domain.Flow) bool {
	if !c.host.matches(flow.Request.Host) {
		return false
	}
	if !c.path.matches(flow.Request.Path) {
		return false
	}
	if !c.method.matches(flow.Request.Method) {
		return false
	}
	if !c.header.matches(flow.Request.Headers) {
		return false
	}
	if c.isLLMAPI != nil && *c.isLLMAPI != flow.IsLLMAPI {
		return false
	}

	hasResponse := flow.Response != nil
	if c.statusCode != nil {
		if !hasResponse || !c.statusCode.matches(flow.Response.StatusCode) {
			return false
		}
	}
	if c.responseBodyContains != nil {
		if !hasResponse || !c.responseBodyContains.matches(flow.Response.Body) {
			return false
		}
	}
	if c.responseHeader != nil {
		if !hasResponse || !c.responseHeader.matches(flow.Response.Headers) {
			return false
		}
	}
	if c.responseSize != nil {
		if !hasResponse || !c.responseSize.matches(len(flow.Response.Body)) {
			return false
		}
	}
	return true
}
