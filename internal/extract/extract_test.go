package extract

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"harvester/internal/domain"
)

func TestJSONLDPrefersMatchingType(t *testing.T) {
	page := `<html><head>
		<script type="application/ld+json">{"@type":"BreadcrumbList","itemListElement":[]}</script>
		<script type="application/ld+json">{"@type":"Product","name":"Lamp","additionalProperty":[{"name":"Watt","value":"9"}]}</script>
	</head><body></body></html>`

	raw, err := JSONLD(page, "Product")
	require.NoError(t, err)

	var got struct {
		Type string `json:"@type"`
		Name string `json:"name"`
	}
	require.NoError(t, json.Unmarshal(raw, &got))
	require.Equal(t, "Product", got.Type)
	require.Equal(t, "Lamp", got.Name)
}

func TestJSONLDFallsBackToFirstParseable(t *testing.T) {
	page := `<html><head>
		<script type="application/ld+json">not json at all</script>
		<script type="application/ld+json">{"@type":"WebSite","name":"shop"}</script>
	</head></html>`

	raw, err := JSONLD(page, "Product")
	require.NoError(t, err)

	var got struct {
		Type string `json:"@type"`
	}
	require.NoError(t, json.Unmarshal(raw, &got))
	require.Equal(t, "WebSite", got.Type)
}

func TestJSONLDNotFound(t *testing.T) {
	_, err := JSONLD(`<html><body><p>nothing here</p></body></html>`, "Product")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestWindowVar(t *testing.T) {
	page := `<script>window.__SEARCH_APP_INITIAL_STATE__ = {"products":{"totalCount":3}};</script>`

	raw, err := WindowVar(page, "__SEARCH_APP_INITIAL_STATE__")
	require.NoError(t, err)

	var got struct {
		Products struct {
			TotalCount int `json:"totalCount"`
		} `json:"products"`
	}
	require.NoError(t, json.Unmarshal(raw, &got))
	require.Equal(t, 3, got.Products.TotalCount)
}

func TestWindowVarMissing(t *testing.T) {
	_, err := WindowVar(`<script>var x = 1;</script>`, "__SEARCH_APP_INITIAL_STATE__")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestBalancedSliceExactFragment(t *testing.T) {
	blob := `garbage before {"expends":[{"a":1},{"b":[1,2,{"c":3}]}]} garbage after`

	fragment, err := BalancedSlice(blob, "expends")
	require.NoError(t, err)
	require.Equal(t, `[{"a":1},{"b":[1,2,{"c":3}]}]`, fragment)

	var items []map[string]any
	require.NoError(t, json.Unmarshal([]byte(fragment), &items))
	require.Len(t, items, 2)
}

func TestBalancedSliceUnterminated(t *testing.T) {
	blob := `{"expends":[{"a":1},{"b":[1,2,{"c":3}]}`

	_, err := BalancedSlice(blob, "expends")
	require.ErrorIs(t, err, domain.ErrMalformed)
}

func TestBalancedSliceMissingKey(t *testing.T) {
	_, err := BalancedSlice(`{"other":[1]}`, "expends")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestBalancedValueLenientSyntax(t *testing.T) {
	// Keys without quotes are JS object syntax, not strict JSON.
	blob := `var s = {"expends":[{name:'Renk', property:'Siyah'}]};`

	var groups []struct {
		Name     string `json:"name"`
		Property string `json:"property"`
	}
	require.NoError(t, BalancedValue(blob, "expends", &groups))
	require.Len(t, groups, 1)
	require.Equal(t, "Renk", groups[0].Name)
	require.Equal(t, "Siyah", groups[0].Property)
}

func TestBalancedValueNeverTruncates(t *testing.T) {
	blob := `{"expends":[{"a":1}`

	var out []map[string]any
	err := BalancedValue(blob, "expends", &out)
	require.Error(t, err)
	require.True(t, errors.Is(err, domain.ErrMalformed))
	require.Empty(t, out)
}
