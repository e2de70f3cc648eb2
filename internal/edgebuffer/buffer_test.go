package edgebuffer

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/microlink/mcs/internal/config"
)

func openTestBuffer(t *testing.T, capacity int) *Buffer {
	t.Helper()
	b, err := Open(config.BufferConfig{
		Path:             filepath.Join(t.TempDir(), "buffer.db"),
		Capacity:         capacity,
		CommitMaxRecords: 1000,
		CommitMaxMs:      200,
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

func rec(i int) Record {
	return Record{
		Topic:   fmt.Sprintf("microlink/s1/b1/thermal-l1/T-%03d", i),
		Payload: []byte(fmt.Sprintf(`{"v":%d}`, i)),
		QoS:     1,
		TS:      time.Unix(int64(1000+i), 0),
	}
}

func TestCommitAndReadBackInOrder(t *testing.T) {
	b := openTestBuffer(t, 100)

	var recs []Record
	for i := 0; i < 5; i++ {
		recs = append(recs, rec(i))
	}
	require.NoError(t, b.commit(recs))
	assert.Equal(t, 5, b.Depth())

	got, err := b.ReadBatch(10)
	require.NoError(t, err)
	require.Len(t, got, 5)
	for i, s := range got {
		assert.Equal(t, recs[i].Topic, s.Topic)
		assert.Equal(t, recs[i].Payload, s.Payload)
		if i > 0 {
			assert.Greater(t, s.Seq, got[i-1].Seq)
		}
	}
}

func TestCapacityEvictsOldestFirst(t *testing.T) {
	b := openTestBuffer(t, 3)

	var recs []Record
	for i := 0; i < 5; i++ {
		recs = append(recs, rec(i))
	}
	require.NoError(t, b.commit(recs))
	assert.Equal(t, 3, b.Depth())

	got, err := b.ReadBatch(10)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, recs[2].Topic, got[0].Topic)
	assert.Equal(t, recs[4].Topic, got[2].Topic)
}

func TestDeleteAcknowledgedRecords(t *testing.T) {
	b := openTestBuffer(t, 100)
	require.NoError(t, b.commit([]Record{rec(0), rec(1), rec(2)}))

	got, err := b.ReadBatch(2)
	require.NoError(t, err)
	require.NoError(t, b.Delete([]uint64{got[0].Seq, got[1].Seq}))
	assert.Equal(t, 1, b.Depth())

	rest, err := b.ReadBatch(10)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, rec(2).Topic, rest[0].Topic)

	// Deleting already-gone seqs is a no-op.
	require.NoError(t, b.Delete([]uint64{got[0].Seq}))
	assert.Equal(t, 1, b.Depth())
}

func TestRunGroupCommitsOnTimer(t *testing.T) {
	b := openTestBuffer(t, 100)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { b.Run(ctx); close(done) }()

	require.NoError(t, b.Enqueue(ctx, rec(0)))
	require.NoError(t, b.Enqueue(ctx, rec(1)))

	require.Eventually(t, func() bool { return b.Depth() == 2 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}

func TestRunDrainsStagedRecordsOnShutdown(t *testing.T) {
	b := openTestBuffer(t, 100)
	ctx, cancel := context.WithCancel(context.Background())

	require.NoError(t, b.Enqueue(context.Background(), rec(0)))
	require.NoError(t, b.Enqueue(context.Background(), rec(1)))
	cancel()

	done := make(chan struct{})
	go func() { b.Run(ctx); close(done) }()
	<-done

	assert.Equal(t, 2, b.Depth())
}

func TestBacklogSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	cfg := config.BufferConfig{
		Path: filepath.Join(dir, "buffer.db"), Capacity: 100,
		CommitMaxRecords: 1000, CommitMaxMs: 200,
	}

	b, err := Open(cfg, nil)
	require.NoError(t, err)
	require.NoError(t, b.commit([]Record{rec(0), rec(1)}))
	require.NoError(t, b.Close())

	b2, err := Open(cfg, nil)
	require.NoError(t, err)
	defer b2.Close()
	assert.Equal(t, 2, b2.Depth())
}
