package metrics_test

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/nursery-ledger/ledger"
	"github.com/warp/nursery-ledger/ledger/store"
	"github.com/warp/nursery-ledger/lock"
	"github.com/warp/nursery-ledger/metrics"
)

func TestRecorder_CountsOutcomes(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec := metrics.New(reg)
	ctx := context.Background()

	rec.Observe(ctx, "append", "ok", time.Millisecond)
	rec.Observe(ctx, "append", ledger.CategoryConflict, time.Millisecond)
	rec.Observe(ctx, "project", ledger.CategoryIntegrity, time.Millisecond)
	rec.Observe(ctx, "sink_publish", "error", time.Millisecond)
	rec.Observe(ctx, "", "ok", time.Millisecond)

	assert.Equal(t, 4, testutil.CollectAndCount(reg, "nursery_ledger_operations_total"))
	assert.Equal(t, 1.0, testutil.ToFloat64(rec.Conflicts("append")))
	assert.Equal(t, 1.0, testutil.ToFloat64(rec.IntegrityErrors("project")))
	assert.Equal(t, 1.0, testutil.ToFloat64(rec.SinkFailures()))
}

type failingSink struct{}

func (failingSink) Publish(context.Context, []ledger.BatchEvent) error { return errors.New("down") }

func TestRecorder_WiredIntoLedger(t *testing.T) {
	// GIVEN: A ledger observed by the recorder, with a failing sink
	// WHEN: A batch is created and a second writer hits the held lock
	// THEN: Operations, sink failures and conflicts are all counted

	reg := prometheus.NewRegistry()
	rec := metrics.New(reg)
	locks := lock.NewLocal()
	l := ledger.New(store.NewMemory(),
		ledger.WithObserver(rec), ledger.WithSink(failingSink{}), ledger.WithLocker(locks))
	ctx := context.Background()
	scope := ledger.Scope{OrgID: "org-1", ActorID: "grower-1"}

	_, err := l.CreateBatch(ctx, scope, ledger.NewBatch{ID: "B1", BatchNumber: "B1", VarietyID: "hebe", LocationID: "t", Quantity: 10})
	require.NoError(t, err)

	unlock, err := locks.TryLock(ctx, "org-1/B1")
	require.NoError(t, err)
	_, err = l.RecordLoss(ctx, scope, "B1", 1, "slugs")
	unlock()
	assert.ErrorIs(t, err, ledger.ErrConcurrentModification)

	assert.Equal(t, 1.0, testutil.ToFloat64(rec.SinkFailures()))
	assert.Equal(t, 1.0, testutil.ToFloat64(rec.Conflicts("append")))

	srv := httptest.NewServer(rec.Handler())
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `nursery_ledger_operations_total{operation="create",outcome="ok"} 1`)
}
