package gamma

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlexFloatUnmarshal(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want float64
	}{
		{`123.45`, 123.45},
		{`"678.9"`, 678.9},
		{`null`, 0},
		{`""`, 0},
	}
	for _, tt := range tests {
		var f FlexFloat
		require.NoError(t, json.Unmarshal([]byte(tt.in), &f), tt.in)
		assert.Equal(t, tt.want, float64(f), tt.in)
	}

	var f FlexFloat
	assert.Error(t, json.Unmarshal([]byte(`"nope"`), &f))
}

func TestStringArrayUnmarshal(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want []string
	}{
		{`["a","b"]`, []string{"a", "b"}},
		{`"[\"a\",\"b\"]"`, []string{"a", "b"}},
		{`null`, nil},
		{`""`, nil},
	}
	for _, tt := range tests {
		var a StringArray
		require.NoError(t, json.Unmarshal([]byte(tt.in), &a), tt.in)
		assert.Equal(t, tt.want, []string(a), tt.in)
	}
}

func TestCategoryOf(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "crypto", CategoryOf("crypto", []Tag{{Label: "Sports"}}))
	assert.Equal(t, "Sports", CategoryOf("", []Tag{{Label: "All"}, {Label: "Sports"}}))
	assert.Equal(t, "", CategoryOf("", []Tag{{Label: "all"}}))
	assert.Equal(t, "", CategoryOf("", nil))
}

func TestStatusOf(t *testing.T) {
	t.Parallel()

	yes, no := true, false

	assert.Equal(t, "active", StatusOf(nil, nil, nil))
	assert.Equal(t, "active", StatusOf(&yes, &no, &no))
	assert.Equal(t, "closed", StatusOf(&yes, &yes, &no))
	assert.Equal(t, "closed", StatusOf(&no, nil, nil))
	assert.Equal(t, "archived", StatusOf(&no, &yes, &yes))
}

func TestEventBySlug(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/events", r.URL.Path)
		// resty only unmarshals SetResult targets for JSON content types.
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("slug") == "known" {
			fmt.Fprint(w, `[{"slug":"known","title":"Known Event","tags":[{"label":"Politics"}]}]`)
			return
		}
		fmt.Fprint(w, `[]`)
	}))
	defer srv.Close()

	c := New(srv.URL, slog.Default())

	ev, err := c.EventBySlug(context.Background(), "known")
	require.NoError(t, err)
	assert.Equal(t, "Known Event", ev.Title)
	assert.Equal(t, "Politics", CategoryOf(ev.Category, ev.Tags))

	_, err = c.EventBySlug(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNoResults)
}

func TestMarketsFetchAllPages(t *testing.T) {
	t.Parallel()

	page := func(n int) string {
		out := make([]string, n)
		for i := range out {
			out[i] = fmt.Sprintf(`{"conditionId":"0x%d"}`, i)
		}
		return "[" + joinComma(out) + "]"
	}

	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("offset") == "" {
			fmt.Fprint(w, page(500))
			return
		}
		fmt.Fprint(w, page(3))
	}))
	defer srv.Close()

	c := New(srv.URL, slog.Default())
	markets, err := c.Markets(context.Background(), MarketQuery{FetchAll: true})
	require.NoError(t, err)
	assert.Len(t, markets, 503)
	assert.Equal(t, 2, calls)
}

func TestMarketByTokenID(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("clob_token_ids") == "12345" {
			fmt.Fprint(w, `[{"conditionId":"0xfeed","clobTokenIds":"[\"12345\",\"67890\"]","volumeNum":42.5}]`)
			return
		}
		fmt.Fprint(w, `[]`)
	}))
	defer srv.Close()

	c := New(srv.URL, slog.Default())

	m, err := c.MarketByTokenID(context.Background(), "12345")
	require.NoError(t, err)
	assert.Equal(t, "0xfeed", m.ConditionID)
	yes, no, ok := m.TokenIDs()
	require.True(t, ok)
	assert.Equal(t, "12345", yes)
	assert.Equal(t, "67890", no)
	assert.Equal(t, 42.5, m.VolumeUSD())

	_, err = c.MarketByTokenID(context.Background(), "0")
	assert.ErrorIs(t, err, ErrNoResults)
}

func joinComma(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += ","
		}
		out += p
	}
	return out
}
