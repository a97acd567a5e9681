package batch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"unimart/services/msg-durable/internal/breaker"
	"unimart/services/msg-durable/internal/durable"
	"unimart/services/msg-durable/internal/oplog"
	"unimart/services/msg-durable/internal/walfile"
)

type fakePrimary struct {
	mu          sync.Mutex
	rows        map[string]string // msgID|convID -> status
	insertLog   []string
	convs       map[string]int
	escrow      map[string]int64
	failCommit  map[string]error
	failEnsure  map[string]error
	existsCalls int
}

func newFakePrimary() *fakePrimary {
	return &fakePrimary{
		rows:       make(map[string]string),
		convs:      make(map[string]int),
		escrow:     make(map[string]int64),
		failCommit: make(map[string]error),
		failEnsure: make(map[string]error),
	}
}

func key(msgID, convID string) string { return msgID + "|" + convID }

func (f *fakePrimary) EnsureConversation(_ context.Context, convID string, _ *durable.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failEnsure[convID]; err != nil {
		return err
	}
	if _, ok := f.convs[convID]; !ok {
		f.convs[convID] = 0
	}
	return nil
}

func (f *fakePrimary) Exists(_ context.Context, msgID, convID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.existsCalls++
	_, ok := f.rows[key(msgID, convID)]
	return ok, nil
}

func (f *fakePrimary) Commit(_ context.Context, m *durable.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failCommit[m.MsgID]; err != nil {
		return err
	}
	f.rows[key(m.MsgID, m.ConvID)] = m.Status
	f.insertLog = append(f.insertLog, m.MsgID)
	f.convs[m.ConvID]++
	if m.Escrow != nil && m.Escrow.Amount > 0 {
		f.escrow[m.ConvID] += m.Escrow.Amount
	}
	return nil
}

type fakeDedupe struct {
	mu    sync.Mutex
	seen  map[string]bool
	marks []string
	err   error
}

func newFakeDedupe() *fakeDedupe { return &fakeDedupe{seen: make(map[string]bool)} }

func (f *fakeDedupe) Seen(_ context.Context, msgID, convID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return false, f.err
	}
	return f.seen[key(msgID, convID)], nil
}

func (f *fakeDedupe) MarkCommitted(_ context.Context, msgID, convID string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.seen[key(msgID, convID)] = true
	f.marks = append(f.marks, key(msgID, convID))
	return nil
}

func newTestStore(t *testing.T) (*durable.Store, *walfile.Writer, *oplog.Logger) {
	t.Helper()
	dir := t.TempDir()
	w := walfile.NewWriter(time.Second)
	ops := oplog.New(w, filepath.Join(dir, durable.OperationsFile), zap.NewNop())
	s, err := durable.NewStore(w, dir, ops, zap.NewNop())
	require.NoError(t, err)
	return s, w, ops
}

func newTestWorker(t *testing.T, primary primaryStore, brk *breaker.Breaker) (*Worker, *durable.Store) {
	t.Helper()
	s, w, ops := newTestStore(t)
	worker := NewWorker(s, primary, nil, brk, w, ops, zap.NewNop(), Options{
		Interval:   time.Minute,
		RunTimeout: 10 * time.Second,
	})
	return worker, s
}

func save(t *testing.T, s *durable.Store, id, conv, text string) *durable.Message {
	t.Helper()
	m, err := s.SaveMessage(&durable.Message{
		MsgID:    id,
		ConvID:   conv,
		Content:  text,
		Sender:   durable.Party{UID: 1001},
		Receiver: durable.Party{UID: 2002},
	})
	require.NoError(t, err)
	return m
}

func TestRunCommitsAndAcks(t *testing.T) {
	fp := newFakePrimary()
	w, s := newTestWorker(t, fp, nil)
	save(t, s, "m1", "r1", "hi")

	res, err := w.RunNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Processed)
	assert.Equal(t, 1, res.Committed)
	assert.Equal(t, 0, res.Errors)

	_, ok := fp.rows[key("m1", "r1")]
	assert.True(t, ok)
	assert.Equal(t, 1, fp.convs["r1"])
	assert.Equal(t, 0, s.PendingCount())
	assert.True(t, s.IsAcked("m1"))

	acks, err := s.LoadAcks()
	require.NoError(t, err)
	require.Len(t, acks, 1)
	assert.Equal(t, durable.AckSaved, acks[0].Status)

	// compaction removed the committed record from the log
	msgs, err := s.LoadMessages()
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestRunIsIdempotentOnDuplicates(t *testing.T) {
	fp := newFakePrimary()
	w, s := newTestWorker(t, fp, nil)
	save(t, s, "m1", "r1", "hi")

	// a prior run (or another path) already committed this record
	fp.rows[key("m1", "r1")] = durable.StatusSent

	res, err := w.RunNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, res.Committed)
	assert.Equal(t, 1, res.Duplicates)
	assert.Empty(t, fp.insertLog, "no second insert")
	assert.True(t, s.IsAcked("m1"))
}

func TestPerMessageErrorDoesNotAbortBatch(t *testing.T) {
	fp := newFakePrimary()
	fp.failCommit["m1"] = errors.New("deadlock")
	w, s := newTestWorker(t, fp, nil)
	save(t, s, "m1", "r1", "boom")
	save(t, s, "m2", "r1", "fine")

	res, err := w.RunNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Committed)
	assert.Equal(t, 1, res.Errors)

	// the queue drains either way; the failed message stays unacked for
	// the recovery loop
	assert.Equal(t, 0, s.PendingCount())
	unacked, err := s.Unacknowledged()
	require.NoError(t, err)
	require.Len(t, unacked, 1)
	assert.Equal(t, "m1", unacked[0].MsgID)
	assert.Contains(t, unacked[0].Processing.LastError, "deadlock")
}

func TestConversationErrorSkipsGroupOnly(t *testing.T) {
	fp := newFakePrimary()
	fp.failEnsure["r1"] = errors.New("conv lookup failed")
	w, s := newTestWorker(t, fp, nil)
	save(t, s, "m1", "r1", "a")
	save(t, s, "m2", "r1", "b")
	save(t, s, "m3", "r2", "c")

	res, err := w.RunNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Errors)
	assert.Equal(t, 1, res.Committed)
	_, ok := fp.rows[key("m3", "r2")]
	assert.True(t, ok)
}

func TestArrivalOrderWithinConversation(t *testing.T) {
	fp := newFakePrimary()
	w, s := newTestWorker(t, fp, nil)
	save(t, s, "m1", "r1", "first")
	save(t, s, "m2", "r1", "second")
	save(t, s, "m3", "r1", "third")

	_, err := w.RunNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"m1", "m2", "m3"}, fp.insertLog)
}

func TestEscrowTotalsFolded(t *testing.T) {
	fp := newFakePrimary()
	w, s := newTestWorker(t, fp, nil)
	m := &durable.Message{
		MsgID:    "m1",
		ConvID:   "r1",
		Content:  "hold 50",
		MsgType:  durable.TypeEscrowRequest,
		Sender:   durable.Party{UID: 1001},
		Receiver: durable.Party{UID: 2002},
		Escrow:   &durable.Escrow{Amount: 5000, Currency: "INR", EscrowID: "e1", Status: durable.EscrowPending},
	}
	_, err := s.SaveMessage(m)
	require.NoError(t, err)

	_, err = w.RunNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(5000), fp.escrow["r1"])
}

func TestEmptyQueueSkips(t *testing.T) {
	w, _ := newTestWorker(t, newFakePrimary(), nil)
	res, err := w.RunNow(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Skipped)
}

func TestBreakerOpenSkipsRun(t *testing.T) {
	brk := breaker.New(breaker.Options{Threshold: 2, Window: time.Minute, OpenFor: time.Minute})
	w, s := newTestWorker(t, newFakePrimary(), brk)
	save(t, s, "m1", "r1", "hi")

	brk.Failure("primary")
	brk.Failure("primary") // reaches threshold, opens

	res, err := w.RunNow(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Equal(t, 1, s.PendingCount(), "queue untouched while breaker open")
}

func TestSnapshotFileWritten(t *testing.T) {
	fp := newFakePrimary()
	w, s := newTestWorker(t, fp, nil)
	save(t, s, "m1", "r1", "hi")

	_, err := w.RunNow(context.Background())
	require.NoError(t, err)

	b, err := os.ReadFile(filepath.Join(s.Dir(), durable.SnapshotFile))
	require.NoError(t, err)
	assert.Contains(t, string(b), `"messages":[]`)
	assert.Contains(t, string(b), `"version":2`)
}

func newDedupeWorker(t *testing.T, primary primaryStore, dc dedupeCache) (*Worker, *durable.Store) {
	t.Helper()
	s, w, ops := newTestStore(t)
	worker := NewWorker(s, primary, dc, nil, w, ops, zap.NewNop(), Options{
		Interval:   time.Minute,
		RunTimeout: 10 * time.Second,
	})
	return worker, s
}

func TestDedupeMarkerPlantedAfterCommit(t *testing.T) {
	fp := newFakePrimary()
	fd := newFakeDedupe()
	w, s := newDedupeWorker(t, fp, fd)
	save(t, s, "m1", "r1", "hi")

	res, err := w.RunNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Committed)
	assert.Equal(t, []string{key("m1", "r1")}, fd.marks)
}

func TestDedupeHitSkipsRowCheck(t *testing.T) {
	fp := newFakePrimary()
	fp.rows[key("m1", "r1")] = durable.StatusSent
	fd := newFakeDedupe()
	fd.seen[key("m1", "r1")] = true
	w, s := newDedupeWorker(t, fp, fd)
	save(t, s, "m1", "r1", "hi")

	res, err := w.RunNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Duplicates)
	assert.Empty(t, fp.insertLog, "no second insert")
	assert.Equal(t, 0, fp.existsCalls, "cache hit spares the row check")
	assert.True(t, s.IsAcked("m1"))
}

func TestFailedCommitLeavesNoDedupeMarker(t *testing.T) {
	fp := newFakePrimary()
	fp.failCommit["m1"] = errors.New("deadlock")
	fd := newFakeDedupe()
	w, s := newDedupeWorker(t, fp, fd)
	save(t, s, "m1", "r1", "hi")

	res, err := w.RunNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Errors)

	// the dead attempt planted nothing, so the record stays reachable
	assert.Empty(t, fd.marks)
	assert.False(t, s.IsAcked("m1"))
	unacked, err := s.Unacknowledged()
	require.NoError(t, err)
	require.Len(t, unacked, 1)
	assert.Equal(t, "m1", unacked[0].MsgID)

	// next attempt lands the row instead of retiring it on a stale marker
	delete(fp.failCommit, "m1")
	n, err := s.Restore()
	require.NoError(t, err)
	require.Equal(t, 1, n)
	res, err = w.RunNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Committed)
	assert.Equal(t, 0, res.Duplicates)
	assert.Equal(t, []string{"m1"}, fp.insertLog)
	assert.True(t, s.IsAcked("m1"))
}

func TestDedupeErrorFallsBackToRowCheck(t *testing.T) {
	fp := newFakePrimary()
	fd := newFakeDedupe()
	fd.err = errors.New("redis down")
	w, s := newDedupeWorker(t, fp, fd)
	save(t, s, "m1", "r1", "hi")

	res, err := w.RunNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Committed)
	assert.Equal(t, 1, fp.existsCalls)
	assert.True(t, s.IsAcked("m1"))
}

func TestMaxBatchBoundsRun(t *testing.T) {
	fp := newFakePrimary()
	s, wr, ops := newTestStore(t)
	w := NewWorker(s, fp, nil, nil, wr, ops, zap.NewNop(), Options{
		Interval:   time.Minute,
		RunTimeout: 10 * time.Second,
		MaxBatch:   2,
	})
	for _, id := range []string{"m1", "m2", "m3"} {
		save(t, s, id, "r1", id)
	}

	res, err := w.RunNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Processed)
	assert.Equal(t, 2, res.Committed)
	assert.Equal(t, 1, s.PendingCount(), "overflow waits for the next tick")

	res, err = w.RunNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Committed)
	assert.Equal(t, 0, s.PendingCount())
}

func TestStatsReflectQueue(t *testing.T) {
	w, s := newTestWorker(t, newFakePrimary(), nil)
	save(t, s, "m1", "r1", "hi")

	st := w.Stats()
	assert.False(t, st.Running)
	assert.Equal(t, 1, st.Pending)
}
