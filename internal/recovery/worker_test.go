package recovery

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"unimart/services/msg-durable/internal/durable"
	"unimart/services/msg-durable/internal/oplog"
	"unimart/services/msg-durable/internal/walfile"
)

type fakePrimary struct {
	mu         sync.Mutex
	rows       map[string]string // msgID|convID -> status
	insertLog  []string
	statusLog  []string
	failCommit error
}

func newFakePrimary() *fakePrimary {
	return &fakePrimary{rows: make(map[string]string)}
}

func key(msgID, convID string) string { return msgID + "|" + convID }

func (f *fakePrimary) EnsureConversation(context.Context, string, *durable.Message) error {
	return nil
}

func (f *fakePrimary) Exists(_ context.Context, msgID, convID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.rows[key(msgID, convID)]
	return ok, nil
}

func (f *fakePrimary) Commit(_ context.Context, m *durable.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCommit != nil {
		return f.failCommit
	}
	f.rows[key(m.MsgID, m.ConvID)] = m.Status
	f.insertLog = append(f.insertLog, m.MsgID)
	return nil
}

func (f *fakePrimary) Status(_ context.Context, msgID, convID string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.rows[key(msgID, convID)]
	return st, ok, nil
}

func (f *fakePrimary) UpdateStatus(_ context.Context, msgID, convID, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[key(msgID, convID)] = status
	f.statusLog = append(f.statusLog, key(msgID, convID)+"="+status)
	return nil
}

func newTestWorker(t *testing.T, fp *fakePrimary, opt Options) (*Worker, *durable.Store) {
	t.Helper()
	dir := t.TempDir()
	wr := walfile.NewWriter(time.Second)
	ops := oplog.New(wr, filepath.Join(dir, durable.OperationsFile), zap.NewNop())
	s, err := durable.NewStore(wr, dir, ops, zap.NewNop())
	require.NoError(t, err)
	return NewWorker(s, fp, ops, zap.NewNop(), opt), s
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

func TestRecoversUnackedAfterRestart(t *testing.T) {
	fp := newFakePrimary()
	w, s := newTestWorker(t, fp, Options{Interval: time.Minute, AckTimeout: time.Minute})
	save(t, s, "m1", "r1", "hi")

	// simulate a crash: the in-memory queue is gone, the log is not
	s.ClearPending()

	res := w.RunNow(context.Background())
	assert.Equal(t, 1, res.Unacked)
	assert.Equal(t, 1, res.Committed)
	assert.Equal(t, 0, res.Errors)
	assert.Equal(t, []string{"m1"}, fp.insertLog)
	assert.True(t, s.IsAcked("m1"))
}

func TestDuplicateAckedWithoutInsert(t *testing.T) {
	fp := newFakePrimary()
	fp.rows[key("m1", "r1")] = durable.StatusSent
	w, s := newTestWorker(t, fp, Options{Interval: time.Minute, AckTimeout: time.Minute})
	save(t, s, "m1", "r1", "hi")
	s.ClearPending()

	res := w.RunNow(context.Background())
	assert.Equal(t, 1, res.Duplicates)
	assert.Equal(t, 0, res.Committed)
	assert.Empty(t, fp.insertLog, "no second insert")
	assert.True(t, s.IsAcked("m1"))
}

func TestPoisonAfterRetryCap(t *testing.T) {
	fp := newFakePrimary()
	fp.failCommit = errors.New("primary down")
	w, s := newTestWorker(t, fp, Options{Interval: time.Minute, AckTimeout: time.Minute, MaxRetries: 2})
	save(t, s, "m1", "r1", "hi")
	s.ClearPending()

	r1 := w.RunNow(context.Background())
	assert.Equal(t, 1, r1.Errors)
	r2 := w.RunNow(context.Background())
	assert.Equal(t, 1, r2.Errors)

	r3 := w.RunNow(context.Background())
	assert.Equal(t, 1, r3.Poisoned)
	assert.Equal(t, 0, r3.Errors)

	assert.Equal(t, 1, s.PoisonCount())
	assert.True(t, s.IsAcked("m1"), "poisoned record acked as failed")

	// poisoned records do not come back
	r4 := w.RunNow(context.Background())
	assert.Equal(t, 0, r4.Unacked)
}

func TestStaleAckReconciliation(t *testing.T) {
	fp := newFakePrimary()
	fp.rows[key("m1", "r1")] = durable.StatusSent
	w, s := newTestWorker(t, fp, Options{Interval: time.Minute, AckTimeout: time.Millisecond})

	_, err := s.Acknowledge("m1", "r1", durable.AckDelivered)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	res := w.RunNow(context.Background())
	assert.Equal(t, 1, res.StaleAcks)
	assert.Equal(t, 1, res.Reconciled)
	assert.Equal(t, durable.StatusDelivered, fp.rows[key("m1", "r1")])

	// verified acks are not re-checked
	res = w.RunNow(context.Background())
	assert.Equal(t, 0, res.StaleAcks)
}

func TestUnresolvedGapStaysVisible(t *testing.T) {
	fp := newFakePrimary() // no row for m1
	w, s := newTestWorker(t, fp, Options{Interval: time.Minute, AckTimeout: time.Millisecond})

	_, err := s.Acknowledge("m1", "r1", durable.AckSaved)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	res := w.RunNow(context.Background())
	assert.Equal(t, 1, res.Unresolved)

	// gaps are never auto-resolved: the ack stays stale on every tick
	res = w.RunNow(context.Background())
	assert.Equal(t, 1, res.StaleAcks)
	assert.Equal(t, 1, res.Unresolved)
}

func TestFailedAckVerifiedImmediately(t *testing.T) {
	fp := newFakePrimary()
	w, s := newTestWorker(t, fp, Options{Interval: time.Minute, AckTimeout: time.Millisecond})

	_, err := s.Acknowledge("m1", "r1", durable.AckFailed)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	res := w.RunNow(context.Background())
	assert.Equal(t, 1, res.StaleAcks)
	assert.Equal(t, 0, res.Unresolved)
	assert.Equal(t, 0, res.Reconciled)

	res = w.RunNow(context.Background())
	assert.Equal(t, 0, res.StaleAcks)
}
