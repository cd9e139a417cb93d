package memory

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"time"
)

// normalizeQuery puts query values into their JSON-decoded form so numbers
// compare equal to stored data regardless of the caller's Go type.
func normalizeQuery(query map[string]any) map[string]any {
	out := make(map[string]any, len(query))
	for k, v := range query {
		if _, ok := v.(string); ok {
			out[k] = v
			continue
		}
		raw, err := json.Marshal(v)
		if err != nil {
			out[k] = v
			continue
		}
		var norm any
		if err := json.Unmarshal(raw, &norm); err != nil {
			out[k] = v
			continue
		}
		out[k] = norm
	}
	return out
}

func topLevel(e Entry) map[string]any {
	return map[string]any{
		"id":        e.ID,
		"kind":      string(e.Kind),
		"version":   float64(e.Version),
		"stored_at": e.StoredAt.Format(time.RFC3339Nano),
	}
}

func matches(e Entry, query map[string]any) bool {
	top := topLevel(e)
	for k, want := range query {
		got, ok := top[k]
		if !ok {
			got, ok = e.Data[k]
		}
		if !ok || !matchValue(got, want) {
			return false
		}
	}
	return true
}

func matchValue(got, want any) bool {
	if s, ok := want.(string); ok {
		return strings.Contains(strings.ToLower(fmt.Sprint(got)), strings.ToLower(s))
	}
	return reflect.DeepEqual(got, want)
}
