package odata

import (
	"net/url"
	"sort"
	"strings"
)

// BuildQuery renders query parameters into an OData-safe query string. Keys
// starting with "$" (system options like $select, $top) are emitted
// un-encoded because many OData servers reject a percent-encoded "$"; the
// same servers treat commas in system-option values as list separators, so
// those values keep "," literal as well. Values are otherwise
// percent-encoded, with spaces as %20, and multiple values for one key are
// comma-joined after encoding.
//
// Keys are sorted so the output is deterministic for a given parameter set.
func BuildQuery(params url.Values) string {
	if len(params) == 0 {
		return ""
	}

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		vals := params[k]
		if len(vals) == 0 {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('&')
		}
		system := strings.HasPrefix(k, "$")
		if system {
			b.WriteString(k)
		} else {
			b.WriteString(escapeValue(k))
		}
		b.WriteByte('=')
		for i, v := range vals {
			if i > 0 {
				b.WriteByte(',')
			}
			if system {
				b.WriteString(escapeSystemValue(v))
			} else {
				b.WriteString(escapeValue(v))
			}
		}
	}
	return b.String()
}

// escapeValue percent-encodes a query value. url.QueryEscape uses "+" for
// spaces, which some OData parsers treat literally, so spaces become %20.
func escapeValue(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}

// escapeSystemValue encodes the value of a "$" system option. Commas stay
// literal: an inbound ?$select=A,B arrives as the single value "A,B", and
// strict v2 parsers reject %2C between the field names.
func escapeSystemValue(s string) string {
	return strings.ReplaceAll(escapeValue(s), "%2C", ",")
}
