package intercept

import (
	"github.com/follgate/tollbooth/internal/domain"
	"github.com/follgate/tollbooth/internal/interp"
	"github.com/follgate/tollbooth/internal/modify"
)

// requestContext projects a flow's request into the shape the interpolator
// and static modifier read from (§4.4).
func requestContext(flow *domain.Flow) interp.RequestContext {
	headers, _ := headerMap(flow.Request.Headers)
	return interp.RequestContext{
		Method:  flow.Request.Method,
		Host:    flow.Request.Host,
		Path:    flow.Request.Path,
		URL:     flow.Request.URL,
		Headers: headers,
	}
}

// headerMap converts an ordered HeaderList into a lookup map plus the order
// of first appearance, the shape internal/modify operates on.
func headerMap(headers domain.HeaderList) (map[string]string, []string) {
	m := make(map[string]string, len(headers))
	order := make([]string, 0, len(headers))
	for _, kv := range headers {
		if _, seen := m[kv.Name]; !seen {
			order = append(order, kv.Name)
		}
		m[kv.Name] = kv.Value
	}
	return m, order
}

// headersFromMap rebuilds an ordered HeaderList from a map and an explicit
// key order, the inverse of headerMap.
func headersFromMap(order []string, m map[string]string) domain.HeaderList {
	out := make(domain.HeaderList, 0, len(order))
	for _, k := range order {
		v, ok := m[k]
		if !ok {
			continue
		}
		out = append(out, domain.Header{Name: k, Value: v})
	}
	return out
}

func toModifyFindReplaces(in []domain.FindReplace) []modify.FindReplace {
	out := make([]modify.FindReplace, len(in))
	for i, fr := range in {
		out[i] = modify.FindReplace{Find: fr.Find, Replace: fr.Replace, Regex: fr.Regex, ReplaceAll: fr.ReplaceAll}
	}
	return out
}

func toModifyHeaderOps(in []domain.HeaderOp) []modify.HeaderOp {
	out := make([]modify.HeaderOp, len(in))
	for i, op := range in {
		out[i] = modify.HeaderOp{Type: op.Type, Key: op.Key, Value: op.Value, Find: op.Find, Replace: op.Replace, Regex: op.Regex}
	}
	return out
}
