package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zh0006xu/PolyLens/internal/ctf"
	"github.com/zh0006xu/PolyLens/internal/gamma"
	"github.com/zh0006xu/PolyLens/internal/store"
)

var (
	testUSDC    = common.HexToAddress("0x2791Bca1f2de4661ED88A30C99A7a9449Aa84174")
	testWrapped = common.HexToAddress("0x3A3BD7bb9528E159577F7C2e685CC81A765002E2")

	condA = "0x" + fmt.Sprintf("%064x", 0xA1)
	condB = "0x" + fmt.Sprintf("%064x", 0xB2)
)

func newTestService(t *testing.T, handler http.HandlerFunc) (*Service, *store.Store) {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// resty only unmarshals SetResult targets for JSON content types;
		// the real Gamma API always sets this header.
		w.Header().Set("Content-Type", "application/json")
		handler(w, r)
	}))
	t.Cleanup(srv.Close)

	gc := gamma.New(srv.URL, slog.Default())
	return New(st, gc, testUSDC, testWrapped, slog.Default()), st
}

// derivedIDs computes the token ids the verifier will expect, so the fake
// Gamma server can agree (or deliberately disagree) with them.
func derivedIDs(t *testing.T, conditionID string) (string, string) {
	t.Helper()
	ids, err := ctf.Derive(conditionID, false, testUSDC, testWrapped)
	require.NoError(t, err)
	return ids.Yes, ids.No
}

func TestByEventSlug(t *testing.T) {
	t.Parallel()

	yesA, noA := derivedIDs(t, condA)

	handler := func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/events":
			fmt.Fprint(w, `[{"slug":"election-2028","title":"Election 2028","tags":[{"label":"All"},{"label":"Politics"}],"active":true}]`)
		case "/markets":
			// Market A carries matching token ids; market B has none.
			fmt.Fprintf(w, `[
				{"conditionId":%q,"slug":"m-a","question":"A?","clobTokenIds":%q,"volumeNum":1000},
				{"conditionId":%q,"slug":"m-b","question":"B?","category":"crypto"}
			]`, condA, fmt.Sprintf(`["%s","%s"]`, yesA, noA), condB)
		default:
			http.NotFound(w, r)
		}
	}

	svc, st := newTestService(t, handler)
	ctx := context.Background()

	sum, err := svc.ByEventSlug(ctx, "election-2028")
	require.NoError(t, err)
	require.NotNil(t, sum.EventID)
	assert.Equal(t, 2, sum.MarketsFound)
	assert.Equal(t, 2, sum.MarketsSaved)
	require.Len(t, sum.Warnings, 1)
	assert.Contains(t, sum.Warnings[0], "no clobTokenIds")

	ev, err := st.EventBySlug(ctx, "election-2028")
	require.NoError(t, err)
	assert.Equal(t, "Politics", ev.Category)

	a, err := st.MarketBySlug(ctx, "m-a")
	require.NoError(t, err)
	assert.True(t, a.Verified)
	assert.Empty(t, a.SyncWarning)
	assert.Equal(t, yesA, a.YesTokenID)
	assert.Equal(t, noA, a.NoTokenID)
	assert.Equal(t, "Politics", a.Category, "inherits the event category")
	require.NotNil(t, a.EventID)
	assert.Equal(t, ev.ID, *a.EventID)

	b, err := st.MarketBySlug(ctx, "m-b")
	require.NoError(t, err)
	assert.False(t, b.Verified)
	assert.Contains(t, b.SyncWarning, "no clobTokenIds")
	assert.NotEmpty(t, b.YesTokenID, "derived ids stored even without Gamma's")
	assert.Equal(t, "crypto", b.Category, "own category wins over the event's")
}

func TestAllMismatchWarning(t *testing.T) {
	t.Parallel()

	handler := func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/markets" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprintf(w, `[{"conditionId":%q,"slug":"m-wrong","clobTokenIds":["111","222"]}]`, condA)
	}

	svc, st := newTestService(t, handler)
	ctx := context.Background()

	sum, err := svc.All(ctx, false, 0, false)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.MarketsSaved)
	require.Len(t, sum.Warnings, 1)
	assert.Contains(t, sum.Warnings[0], "mismatch")

	m, err := st.MarketBySlug(ctx, "m-wrong")
	require.NoError(t, err)
	assert.False(t, m.Verified)
	yes, _ := derivedIDs(t, condA)
	assert.Equal(t, yes, m.YesTokenID, "derived ids win over Gamma's on mismatch")
}

func TestByTokenIDUnknown(t *testing.T) {
	t.Parallel()

	handler := func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[]`)
	}

	svc, st := newTestService(t, handler)
	ctx := context.Background()

	m, err := svc.ByTokenID(ctx, "999")
	require.NoError(t, err)
	assert.Nil(t, m)

	counts, err := st.Counts(ctx)
	require.NoError(t, err)
	assert.Zero(t, counts.Markets, "unknown token must not write anything")
	assert.Zero(t, counts.Events)
}

func TestByTokenIDRefetchesEventCategory(t *testing.T) {
	t.Parallel()

	yesA, noA := derivedIDs(t, condA)

	handler := func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/markets":
			// Sparse payload: embedded event without tags.
			fmt.Fprintf(w, `[{"conditionId":%q,"slug":"m-sparse","clobTokenIds":[%q,%q],"events":[{"slug":"parent-ev"}]}]`,
				condA, yesA, noA)
		case "/events":
			fmt.Fprint(w, `[{"slug":"parent-ev","title":"Parent","tags":[{"label":"Sports"}]}]`)
		default:
			http.NotFound(w, r)
		}
	}

	svc, _ := newTestService(t, handler)

	m, err := svc.ByTokenID(context.Background(), yesA)
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.True(t, m.Verified)
	assert.Equal(t, "Sports", m.Category)
	assert.NotNil(t, m.EventID)
}
