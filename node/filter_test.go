package node

import (
	"fmt"
	"net/url"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"
)

func TestParseQueryOperators(t *testing.T) {
	values, err := url.ParseQuery("kind=kbuild&retry_counter__gte=2&name__re=^baseline&holdoff=null&limit=10")
	require.NoError(t, err)

	f, err := ParseQuery(values, "limit", "offset")
	require.NoError(t, err)
	require.Len(t, f.Conds, 4)

	byKey := map[string]Cond{}
	for _, c := range f.Conds {
		byKey[c.Key] = c
	}
	require.Equal(t, OpEq, byKey["kind"].Op)
	require.Equal(t, "kbuild", byKey["kind"].Value)
	require.Equal(t, OpGte, byKey["retry_counter"].Op)
	require.Equal(t, int64(2), byKey["retry_counter"].Value)
	require.Equal(t, OpRe, byKey["name"].Op)
	require.Equal(t, OpEq, byKey["holdoff"].Op)
	require.Nil(t, byKey["holdoff"].Value)
}

func TestParseQueryTimestamps(t *testing.T) {
	ts := "2026-02-03T04:05:06.789Z"
	values := url.Values{"created__gt": {ts}}
	f, err := ParseQuery(values)
	require.NoError(t, err)
	require.Len(t, f.Conds, 1)
	want, _ := time.Parse(time.RFC3339Nano, ts)
	require.Equal(t, want.UTC(), f.Conds[0].Value)
}

func TestParseQueryUnknownOperator(t *testing.T) {
	values := url.Values{"created__before": {"2026-01-01T00:00:00Z"}}
	_, err := ParseQuery(values)
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown filter operator")
}

func TestParseQueryBadRegex(t *testing.T) {
	values := url.Values{"name__re": {"("}}
	_, err := ParseQuery(values)
	require.Error(t, err)
}

func TestFilterMatchBasics(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Millisecond)
	n := &Node{
		ID:      "abc",
		Kind:    "kbuild",
		Name:    "baseline-x86",
		Path:    []string{"mainline", "baseline-x86"},
		Parent:  "root1",
		State:   StateRunning,
		Owner:   "bob",
		Created: now,
		Updated: now,
		Timeout: now.Add(time.Hour),
		Data: map[string]any{
			"kernel_revision": map[string]any{"tree": "mainline", "commit": "deadbeef"},
			"retries":         float64(2),
		},
		Artifacts: map[string]string{"log": "https://example.org/log"},
	}

	match := func(q string) bool {
		values, err := url.ParseQuery(q)
		require.NoError(t, err)
		f, err := ParseQuery(values)
		require.NoError(t, err)
		return f.Match(n)
	}

	require.True(t, match("kind=kbuild"))
	require.False(t, match("kind=checkout"))
	require.True(t, match("kind=kbuild&state=running"))
	require.True(t, match("data.kernel_revision.tree=mainline"))
	require.False(t, match("data.kernel_revision.tree=next"))
	require.True(t, match("data.retries=2"))
	require.True(t, match("data.retries__gt=1"))
	require.True(t, match("name__re=^baseline"))
	require.False(t, match("name__re=arm64$"))
	require.True(t, match("artifacts.log__re=example"))
	require.True(t, match("path=mainline"))
	require.True(t, match(fmt.Sprintf("created__lte=%s", url.QueryEscape(now.Format(time.RFC3339Nano)))))
	require.False(t, match(fmt.Sprintf("created__gt=%s", url.QueryEscape(now.Format(time.RFC3339Nano)))))
	require.True(t, match("result=null"))
	require.True(t, match("holdoff=null"))
	require.False(t, match("parent=null"))
	require.True(t, match("parent__ne=null"))
	require.True(t, match("group=null"))
	require.True(t, match("data.missing=null"))
	require.True(t, match("owner__ne=alice"))
	require.False(t, match("owner__ne=bob"))
}

func TestFilterMatchAbsentVsNull(t *testing.T) {
	root := &Node{ID: "r", Kind: "checkout", Name: "n", State: StateRunning}
	values := url.Values{"parent": {"null"}}
	f, err := ParseQuery(values)
	require.NoError(t, err)
	require.True(t, f.Match(root))

	child := &Node{ID: "c", Kind: "kbuild", Name: "m", State: StateRunning, Parent: "r"}
	require.False(t, f.Match(child))
}

// Ordering comparisons against integers must partition any set of nodes the
// same way the count endpoint sees it; this is the backbone of operator
// parity between List and Count.
func TestFilterIntervalProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("gt and lte partition on retry_counter", prop.ForAll(
		func(counter int, pivot int) bool {
			n := &Node{ID: "x", Kind: "test", Name: "t", State: StateRunning, RetryCounter: counter}
			gt := Filter{}.WhereOp("retry_counter", OpGt, int64(pivot))
			lte := Filter{}.WhereOp("retry_counter", OpLte, int64(pivot))
			return gt.Match(n) != lte.Match(n)
		},
		gen.IntRange(-1000, 1000),
		gen.IntRange(-1000, 1000),
	))

	properties.Property("eq implies gte and lte", prop.ForAll(
		func(counter int) bool {
			n := &Node{ID: "x", Kind: "test", Name: "t", State: StateRunning, RetryCounter: counter}
			eq := Filter{}.Where("retry_counter", int64(counter))
			gte := Filter{}.WhereOp("retry_counter", OpGte, int64(counter))
			lte := Filter{}.WhereOp("retry_counter", OpLte, int64(counter))
			return eq.Match(n) && gte.Match(n) && lte.Match(n)
		},
		gen.IntRange(-1000, 1000),
	))

	properties.TestingRun(t)
}

func TestFilterTypeMismatch(t *testing.T) {
	n := &Node{ID: "x", Kind: "test", Name: "t", State: StateRunning}
	// Comparing a string field with a numeric literal never matches for
	// ordering operators, and __ne treats it as different.
	f := Filter{}.WhereOp("name", OpGt, int64(3))
	require.False(t, f.Match(n))
	f = Filter{}.WhereOp("name", OpNe, int64(3))
	require.True(t, f.Match(n))
}
