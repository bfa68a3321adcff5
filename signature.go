package usekit

import (
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// Signature identifies a logical request as METHOD:URL:PARAMS. Params are
// JSON encoded with map keys sorted at every depth, so two requests with
// the same params in a different order share a signature. Requests without
// params end in a bare colon, e.g. "GET:/users:".
func Signature(req *Request) string {
	method := req.Method
	if method == "" {
		method = MethodGet
	}

	var b strings.Builder
	b.WriteString(strings.ToUpper(string(method)))
	b.WriteByte(':')
	b.WriteString(req.URL)
	b.WriteByte(':')
	b.WriteString(encodeParams(req.Params))
	return b.String()
}

func encodeParams(params map[string]any) string {
	if len(params) == 0 {
		return ""
	}
	raw, err := json.Marshal(params)
	if err != nil {
		// Unencodable values still need a stable key.
		keys := sortedKeys(params)
		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = fmt.Sprintf("%s=%v", k, params[k])
		}
		return strings.Join(parts, "&")
	}
	return string(raw)
}

// queryString renders params as a URL query with keys sorted. Slices
// repeat the key; other values use their default formatting.
func queryString(params map[string]any) string {
	if len(params) == 0 {
		return ""
	}
	values := url.Values{}
	for _, k := range sortedKeys(params) {
		switch v := params[k].(type) {
		case nil:
			continue
		case []string:
			for _, item := range v {
				values.Add(k, item)
			}
		case []any:
			for _, item := range v {
				values.Add(k, fmt.Sprint(item))
			}
		case []int:
			for _, item := range v {
				values.Add(k, fmt.Sprint(item))
			}
		default:
			values.Add(k, fmt.Sprint(v))
		}
	}
	return values.Encode()
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
