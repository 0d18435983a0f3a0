package aitag

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"marketflow/internal/budget"
	"marketflow/internal/domain"
	"marketflow/internal/jobstore"
)

func newTestGate(t *testing.T, limitCents int64) *budget.Gate {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)",
		filepath.Join(t.TempDir(), "test.db"))
	db, err := sql.Open("sqlite", dsn)
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	require.NoError(t, jobstore.EnsureSchema(db))
	t.Cleanup(func() { _ = db.Close() })
	return budget.NewGate(db, limitCents, nil)
}

func request(t *testing.T, images int) []byte {
	t.Helper()
	urls := make([]string, images)
	for i := range urls {
		urls[i] = fmt.Sprintf("https://img.example/%d.jpg", i)
	}
	b, err := json.Marshal(Request{ListingID: "lst_1", ImageURLs: urls})
	require.NoError(t, err)
	return b
}

func TestTaggerProcessesInBatches(t *testing.T) {
	gate := newTestGate(t, 10000)
	var batches [][]string
	tagger := New(gate, "gemini", 4, func(ctx context.Context, listingID string, items []string) (int64, int64, error) {
		batches = append(batches, items)
		return int64(len(items)), int64(len(items)) * 10, nil
	})

	res := tagger.Execute(context.Background(), request(t, 10))
	require.Equal(t, domain.ResultOK, res.Kind())
	require.Len(t, batches, 3)
	assert.Len(t, batches[0], 4)
	assert.Len(t, batches[2], 2)

	c, err := gate.Counter(context.Background(), "gemini")
	require.NoError(t, err)
	assert.EqualValues(t, 10, c.TotalUnits)
	assert.EqualValues(t, 100, c.CostCents)
}

func TestTaggerHalvesBatchUnderReduce(t *testing.T) {
	gate := newTestGate(t, 10000)
	// 80% used puts the gate in reduce.
	require.NoError(t, gate.ReportUsage(context.Background(), "gemini", 1, 8000))

	var sizes []int
	tagger := New(gate, "gemini", 8, func(ctx context.Context, listingID string, items []string) (int64, int64, error) {
		sizes = append(sizes, len(items))
		return 0, 0, nil
	})

	res := tagger.Execute(context.Background(), request(t, 8))
	require.Equal(t, domain.ResultOK, res.Kind())
	assert.Equal(t, []int{4, 4}, sizes)
}

func TestTaggerDefersWhenBudgetExhausted(t *testing.T) {
	gate := newTestGate(t, 10000)
	require.NoError(t, gate.ReportUsage(context.Background(), "gemini", 1, 9500))

	called := false
	tagger := New(gate, "gemini", 8, func(ctx context.Context, listingID string, items []string) (int64, int64, error) {
		called = true
		return 0, 0, nil
	})
	tagger.now = func() time.Time { return time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC) }

	res := tagger.Execute(context.Background(), request(t, 3))
	require.Equal(t, domain.ResultDeferred, res.Kind())
	assert.Equal(t, time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC), res.Until())
	assert.False(t, called, "no provider spend past the threshold")
}

func TestTaggerReportsUsageBeforePropagatingError(t *testing.T) {
	gate := newTestGate(t, 10000)
	tagger := New(gate, "gemini", 8, func(ctx context.Context, listingID string, items []string) (int64, int64, error) {
		// Provider charged for a partial batch, then failed.
		return 3, 30, errors.New("provider timeout")
	})

	res := tagger.Execute(context.Background(), request(t, 5))
	require.Equal(t, domain.ResultRetry, res.Kind())

	c, err := gate.Counter(context.Background(), "gemini")
	require.NoError(t, err)
	assert.EqualValues(t, 3, c.TotalUnits)
	assert.EqualValues(t, 30, c.CostCents)
}

func TestTaggerEdgeInputs(t *testing.T) {
	gate := newTestGate(t, 10000)

	res := New(gate, "gemini", 8, nil).Execute(context.Background(), request(t, 0))
	assert.Equal(t, domain.ResultOK, res.Kind(), "nothing to tag is success")

	res = New(gate, "gemini", 8, nil).Execute(context.Background(), request(t, 2))
	assert.Equal(t, domain.ResultTerminal, res.Kind(), "no provider configured")

	res = New(gate, "gemini", 8, nil).Execute(context.Background(), []byte(`{broken`))
	assert.Equal(t, domain.ResultTerminal, res.Kind())
}
