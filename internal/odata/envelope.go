package odata

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Normalize parses an upstream OData envelope and returns a uniform JSON
// payload: collections become {"value": [...]} regardless of protocol
// version, single entities become a bare object. Recognized shapes:
//
//	v4 collection  {"value": [...]}
//	v4 entity      bare object
//	v2 collection  {"d": {"results": [...]}}
//	v2 entity      {"d": {...}}
//
// When strip is true, __metadata and @odata.* keys are removed from every
// object, recursively through nested objects and arrays.
//
// Non-JSON bodies (204 responses, $count results, binary streams) are
// returned unchanged.
func Normalize(body []byte, strip bool) ([]byte, error) {
	if len(body) == 0 {
		return body, nil
	}

	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return body, nil
	}

	doc = unwrapEnvelope(doc)
	if strip {
		doc = StripMetadata(doc)
	}

	out, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("odata: re-encoding normalized payload: %w", err)
	}
	return out, nil
}

// unwrapEnvelope folds the version-specific envelope shapes into the v4
// convention. Anything unrecognized passes through untouched.
func unwrapEnvelope(doc any) any {
	obj, ok := doc.(map[string]any)
	if !ok {
		return doc
	}

	d, ok := obj["d"]
	if !ok || len(obj) != 1 {
		return doc
	}

	// v2 envelope. A nested "results" array marks a collection.
	if inner, ok := d.(map[string]any); ok {
		if results, ok := inner["results"].([]any); ok {
			return map[string]any{"value": results}
		}
		return inner
	}
	return d
}

// StripMetadata removes protocol metadata keys (__metadata and any key
// starting with "@odata.") from the value, recursing through objects and
// arrays. The input is returned for chaining; maps are modified in place.
// Stripping is idempotent.
func StripMetadata(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, child := range t {
			if isMetadataKey(k) {
				delete(t, k)
				continue
			}
			t[k] = StripMetadata(child)
		}
	case []any:
		for i, child := range t {
			t[i] = StripMetadata(child)
		}
	}
	return v
}

func isMetadataKey(k string) bool {
	return k == "__metadata" || strings.HasPrefix(k, "@odata.")
}
