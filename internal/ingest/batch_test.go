package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/microlink/mcs/internal/metrics"
	"github.com/microlink/mcs/internal/schema"
)

func newTestWriter(maxRows, highWater int) (*Writer, *[][]Row) {
	var flushes [][]Row
	w := NewWriter(nil, maxRows, highWater, time.Hour, time.Second,
		metrics.NewIngestMetrics(prometheus.NewRegistry()), nil)
	w.insert = func(_ context.Context, rows []Row) error {
		cp := make([]Row, len(rows))
		copy(cp, rows)
		flushes = append(flushes, cp)
		return nil
	}
	return w, &flushes
}

func row(id int64) Row {
	return Row{SensorID: id, TS: time.Unix(1000+id, 0), Value: float64(id), Quality: schema.QualityGood, Seq: uint64(id)}
}

func TestFlushWritesSnapshotOnce(t *testing.T) {
	w, flushes := newTestWriter(500, 10000)
	for i := int64(0); i < 3; i++ {
		require.True(t, w.Add(row(i)))
	}

	w.Flush(context.Background())
	require.Len(t, *flushes, 1)
	assert.Len(t, (*flushes)[0], 3)
	assert.Equal(t, 0, w.Depth())

	// Nothing staged, nothing flushed.
	w.Flush(context.Background())
	assert.Len(t, *flushes, 1)
}

func TestHighWaterDropsNewRows(t *testing.T) {
	w, _ := newTestWriter(500, 2)
	require.True(t, w.Add(row(1)))
	require.True(t, w.Add(row(2)))
	assert.False(t, w.Add(row(3)))
	assert.Equal(t, 2, w.Depth())
}

func TestFailedFlushReturnsRowsToFront(t *testing.T) {
	w, _ := newTestWriter(500, 10000)
	calls := 0
	w.insert = func(_ context.Context, rows []Row) error {
		calls++
		if calls == 1 {
			return errors.New("connection reset")
		}
		return nil
	}

	w.Add(row(1))
	w.Add(row(2))
	w.Flush(context.Background())
	assert.Equal(t, 2, w.Depth())

	// A row staged after the failure sits behind the returned snapshot.
	w.Add(row(3))
	w.mu.Lock()
	ids := []int64{w.rows[0].SensorID, w.rows[1].SensorID, w.rows[2].SensorID}
	w.mu.Unlock()
	assert.Equal(t, []int64{1, 2, 3}, ids)

	w.Flush(context.Background())
	assert.Equal(t, 0, w.Depth())
}

func TestFailedFlushTrimsBacklogToHighWater(t *testing.T) {
	w, _ := newTestWriter(500, 2)
	calls := 0
	w.insert = func(_ context.Context, rows []Row) error {
		calls++
		if calls == 1 {
			// A row lands while the failed insert is in flight.
			w.Add(row(3))
			return errors.New("connection reset")
		}
		return nil
	}

	w.Add(row(1))
	w.Add(row(2))
	w.Flush(context.Background())

	// The returned snapshot plus the new row exceeds the mark; the oldest
	// row is dropped.
	assert.Equal(t, 2, w.Depth())
	w.mu.Lock()
	ids := []int64{w.rows[0].SensorID, w.rows[1].SensorID}
	w.mu.Unlock()
	assert.Equal(t, []int64{2, 3}, ids)
}

func TestCopyArgsStoreQualityAsInteger(t *testing.T) {
	args := copyArgs(Row{SensorID: 7, TS: time.Unix(1000, 0), Value: 21.5, Quality: schema.QualityUncertain, Seq: 42})
	require.Len(t, args, 5)
	assert.Equal(t, int(schema.QualityUncertain), args[3])
	assert.Equal(t, int64(42), args[4])
}

func TestAddSignalsFlushAtMaxRows(t *testing.T) {
	w, _ := newTestWriter(2, 10000)
	w.Add(row(1))
	select {
	case <-w.flushNow:
		t.Fatal("flush signalled below max rows")
	default:
	}

	w.Add(row(2))
	select {
	case <-w.flushNow:
	default:
		t.Fatal("flush not signalled at max rows")
	}
}
