package odata

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildQuery(t *testing.T) {
	tests := []struct {
		name   string
		params url.Values
		want   string
	}{
		{"empty", url.Values{}, ""},
		{"nil", nil, ""},
		{
			"system options keep their dollar sign and literal commas",
			url.Values{"$select": {"BusinessPartner,FirstName"}, "$top": {"5"}},
			"$select=BusinessPartner,FirstName&$top=5",
		},
		{
			"plain-key values still encode commas",
			url.Values{"search": {"a,b"}},
			"search=a%2Cb",
		},
		{
			"spaces encode as percent-20",
			url.Values{"$filter": {"Price gt 100"}},
			"$filter=Price%20gt%20100",
		},
		{
			"plain keys are escaped",
			url.Values{"search term": {"a b"}},
			"search%20term=a%20b",
		},
		{
			"repeated values join with a comma",
			url.Values{"$expand": {"to_Address", "to_Roles"}},
			"$expand=to_Address,to_Roles",
		},
		{
			"keys emit in sorted order",
			url.Values{"$top": {"5"}, "$filter": {"x"}, "$select": {"A"}},
			"$filter=x&$select=A&$top=5",
		},
		{
			"sap client parameter",
			url.Values{"sap-client": {"100"}},
			"sap-client=100",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, BuildQuery(tt.params))
		})
	}
}
