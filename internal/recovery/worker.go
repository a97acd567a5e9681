package recovery

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"unimart/services/msg-durable/internal/durable"
	"unimart/services/msg-durable/internal/metrics"
	"unimart/services/msg-durable/internal/oplog"
)

// primaryStore is what the recovery loop needs from the primary datastore.
type primaryStore interface {
	EnsureConversation(ctx context.Context, convID string, seed *durable.Message) error
	Exists(ctx context.Context, msgID, convID string) (bool, error)
	Commit(ctx context.Context, m *durable.Message) error
	Status(ctx context.Context, msgID, convID string) (string, bool, error)
	UpdateStatus(ctx context.Context, msgID, convID, status string) error
}

type Options struct {
	Interval   time.Duration
	AckTimeout time.Duration
	MaxRetries int
}

type Result struct {
	Unacked    int `json:"unacked"`
	Committed  int `json:"committed"`
	Duplicates int `json:"duplicates"`
	Poisoned   int `json:"poisoned"`
	StaleAcks  int `json:"stale_acks"`
	Reconciled int `json:"reconciled"`
	Unresolved int `json:"unresolved"`
	Errors     int `json:"errors"`
}

// Worker is the safety net behind the batch committer: anything left
// unacknowledged, or acknowledged without a visible primary-store record,
// gets another pass here on a short interval.
type Worker struct {
	store   *durable.Store
	primary primaryStore
	ops     *oplog.Logger
	log     *zap.Logger
	opt     Options

	mu      sync.Mutex
	retries map[string]int
	last    Result
	lastRun time.Time

	stopC    chan struct{}
	stopOnce sync.Once
}

func NewWorker(store *durable.Store, primary primaryStore, ops *oplog.Logger, log *zap.Logger, opt Options) *Worker {
	if opt.Interval <= 0 {
		opt.Interval = 60 * time.Second
	}
	if opt.AckTimeout <= 0 {
		opt.AckTimeout = 5 * time.Minute
	}
	if opt.MaxRetries <= 0 {
		opt.MaxRetries = 10
	}
	return &Worker{
		store:   store,
		primary: primary,
		ops:     ops,
		log:     log,
		opt:     opt,
		retries: make(map[string]int),
		stopC:   make(chan struct{}),
	}
}

func (w *Worker) Start() {
	go func() {
		t := time.NewTicker(w.opt.Interval)
		defer t.Stop()
		for {
			select {
			case <-w.stopC:
				return
			case <-t.C:
				w.RunNow(context.Background())
			}
		}
	}()
}

func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopC) })
}

// LastResult returns the outcome of the most recent tick for health/stats.
func (w *Worker) LastResult() (Result, time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last, w.lastRun
}

// RunNow performs one recovery tick. Errors are contained per message; the
// tick itself always completes.
func (w *Worker) RunNow(ctx context.Context) Result {
	var res Result

	unacked, err := w.store.Unacknowledged()
	if err != nil {
		w.log.Error("unacknowledged scan failed", zap.Error(err))
		res.Errors++
	}
	res.Unacked = len(unacked)
	for _, m := range unacked {
		w.reprocess(ctx, m, &res)
	}

	stale, err := w.store.StaleAcks(w.opt.AckTimeout)
	if err != nil {
		w.log.Error("stale ack scan failed", zap.Error(err))
		res.Errors++
	}
	res.StaleAcks = len(stale)
	for _, a := range stale {
		w.verifyAck(ctx, a, &res)
	}

	w.mu.Lock()
	w.last = res
	w.lastRun = time.Now()
	w.mu.Unlock()

	w.ops.Log("RECOVERY_COMPLETED", map[string]any{
		"unacked": res.Unacked, "committed": res.Committed, "duplicates": res.Duplicates,
		"poisoned": res.Poisoned, "stale_acks": res.StaleAcks,
		"reconciled": res.Reconciled, "unresolved": res.Unresolved, "errors": res.Errors,
	})
	return res
}

// reprocess gives one unacked message a single pass: duplicate-or-commit,
// then acknowledge. Failures are stamped on the record and retried on the
// next tick until the retry cap moves it to the poison log.
func (w *Worker) reprocess(ctx context.Context, m *durable.Message, res *Result) {
	attempts := w.attempts(m)
	if attempts >= w.opt.MaxRetries {
		if err := w.store.PoisonMessage(m, m.Processing.LastError); err != nil {
			w.log.Error("poison write failed", zap.String("msg_id", m.MsgID), zap.Error(err))
			res.Errors++
			return
		}
		res.Poisoned++
		return
	}

	exists, err := w.primary.Exists(ctx, m.MsgID, m.ConvID)
	if err != nil {
		w.fail(m, "exists check: "+err.Error(), res)
		return
	}
	if exists {
		if _, err := w.store.Acknowledge(m.MsgID, m.ConvID, durable.AckSaved); err == nil {
			res.Duplicates++
			metrics.Duplicates.Inc()
		} else {
			res.Errors++
		}
		return
	}

	if err := w.primary.EnsureConversation(ctx, m.ConvID, m); err != nil {
		w.fail(m, "ensure conversation: "+err.Error(), res)
		return
	}
	if err := w.primary.Commit(ctx, m); err != nil {
		w.fail(m, "commit: "+err.Error(), res)
		return
	}
	if _, err := w.store.Acknowledge(m.MsgID, m.ConvID, durable.AckSaved); err != nil {
		res.Errors++
		w.log.Warn("ack write failed after recovery commit", zap.String("msg_id", m.MsgID), zap.Error(err))
		return
	}
	res.Committed++
	metrics.Recovered.Inc()
	w.clearAttempts(m.MsgID)
}

// verifyAck checks that the primary store actually reflects an old
// acknowledgment. A missing record is a reconciliation gap: logged and kept
// visible, never auto-resolved.
func (w *Worker) verifyAck(ctx context.Context, a *durable.Ack, res *Result) {
	if a.Status == durable.AckFailed {
		// poisoned records intentionally have no primary-store row
		w.store.MarkAckVerified(a.AckID)
		return
	}

	st, ok, err := w.primary.Status(ctx, a.MsgID, a.ConvID)
	if err != nil {
		res.Errors++
		w.log.Warn("ack verification failed", zap.String("ack_id", a.AckID), zap.Error(err))
		return
	}
	if !ok {
		res.Unresolved++
		metrics.UnresolvedAcks.Inc()
		w.ops.Log("ACK_UNRESOLVED_ERROR", map[string]any{
			"ack_id": a.AckID, "msg_id": a.MsgID, "conv_id": a.ConvID, "ack_status": a.Status,
		})
		return
	}

	if a.Status == durable.AckDelivered && st != durable.StatusDelivered && st != durable.StatusRead {
		if err := w.primary.UpdateStatus(ctx, a.MsgID, a.ConvID, durable.StatusDelivered); err != nil {
			res.Errors++
			return
		}
		res.Reconciled++
	}
	w.store.MarkAckVerified(a.AckID)
}

func (w *Worker) fail(m *durable.Message, reason string, res *Result) {
	res.Errors++
	metrics.CommitFail.Inc()
	n := w.bumpAttempts(m.MsgID)
	m.Processing.RetryCount = n
	m.Processing.LastError = reason
	w.store.RecordFailure(m.MsgID, reason)
	w.ops.Log("MESSAGE_RETRY", map[string]any{
		"msg_id": m.MsgID, "conv_id": m.ConvID, "retry": n, "error": reason,
	})
}

// attempts merges the retry count carried by the record with what this
// process has seen; a restart loses the in-memory half, which only delays
// poisoning, never loses a message.
func (w *Worker) attempts(m *durable.Message) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	if n, ok := w.retries[m.MsgID]; ok && n > m.Processing.RetryCount {
		return n
	}
	return m.Processing.RetryCount
}

func (w *Worker) bumpAttempts(msgID string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.retries[msgID]++
	return w.retries[msgID]
}

func (w *Worker) clearAttempts(msgID string) {
	w.mu.Lock()
	delete(w.retries, msgID)
	w.mu.Unlock()
}
