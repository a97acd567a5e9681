package batch

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"unimart/services/msg-durable/internal/breaker"
	"unimart/services/msg-durable/internal/durable"
	"unimart/services/msg-durable/internal/metrics"
	"unimart/services/msg-durable/internal/oplog"
	"unimart/services/msg-durable/internal/walfile"
)

// primaryStore is what the committer needs from the primary datastore.
type primaryStore interface {
	EnsureConversation(ctx context.Context, convID string, seed *durable.Message) error
	Exists(ctx context.Context, msgID, convID string) (bool, error)
	Commit(ctx context.Context, m *durable.Message) error
}

// dedupeCache is the optional redis fast path. Markers go in only after a
// successful commit, so a hit proves the row exists; misses and errors fall
// back to the authoritative unique-key check. A nil cache means every message
// takes the row check.
type dedupeCache interface {
	Seen(ctx context.Context, msgID, convID string) (bool, error)
	MarkCommitted(ctx context.Context, msgID, convID string, ttl time.Duration) error
}

type Options struct {
	Interval   time.Duration
	RunTimeout time.Duration
	DedupeTTL  time.Duration
	MaxBatch   int // cap per run, 0 = unlimited
}

type Result struct {
	BatchID    string `json:"batch_id,omitempty"`
	Processed  int    `json:"processed"`
	Committed  int    `json:"committed"`
	Duplicates int    `json:"duplicates"`
	Errors     int    `json:"errors"`
	Skipped    bool   `json:"skipped,omitempty"`
}

type Stats struct {
	Running bool          `json:"running"`
	Pending int           `json:"pending"`
	LastRun time.Time     `json:"last_run,omitempty"`
	NextRun time.Time     `json:"next_run,omitempty"`
	Breaker breaker.State `json:"breaker"`
}

// Worker drains the durability store's pending queue into the primary store
// on a fixed interval. Runs never overlap; an in-memory flag is enough under
// the single-process assumption.
type Worker struct {
	store   *durable.Store
	primary primaryStore
	dedupe  dedupeCache
	brk     *breaker.Breaker
	ops     *oplog.Logger
	log     *zap.Logger
	w       *walfile.Writer
	opt     Options

	snapshotPath string

	mu      sync.Mutex
	running bool
	lastRun time.Time
	nextRun time.Time

	stopC    chan struct{}
	stopOnce sync.Once
}

func NewWorker(store *durable.Store, primary primaryStore, dedupe dedupeCache, brk *breaker.Breaker, w *walfile.Writer, ops *oplog.Logger, log *zap.Logger, opt Options) *Worker {
	if opt.Interval <= 0 {
		opt.Interval = 15 * time.Minute
	}
	if opt.RunTimeout <= 0 {
		opt.RunTimeout = 2 * time.Minute
	}
	return &Worker{
		store:        store,
		primary:      primary,
		dedupe:       dedupe,
		brk:          brk,
		ops:          ops,
		log:          log,
		w:            w,
		opt:          opt,
		snapshotPath: filepath.Join(store.Dir(), durable.SnapshotFile),
		stopC:        make(chan struct{}),
	}
}

func (w *Worker) Start() {
	w.mu.Lock()
	w.nextRun = time.Now().Add(w.opt.Interval)
	w.mu.Unlock()
	go func() {
		t := time.NewTicker(w.opt.Interval)
		defer t.Stop()
		for {
			select {
			case <-w.stopC:
				return
			case <-t.C:
				if _, err := w.RunNow(context.Background()); err != nil {
					w.log.Error("batch run failed", zap.Error(err))
				}
			}
		}
	}()
}

// Stop halts the timer and forces one final bounded run so nothing accepted
// before shutdown waits a full interval on the next boot.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopC)
		if _, err := w.RunNow(context.Background()); err != nil {
			w.log.Warn("final batch run failed", zap.Error(err))
		}
	})
}

func (w *Worker) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := Stats{
		Running: w.running,
		Pending: w.store.PendingCount(),
		LastRun: w.lastRun,
		NextRun: w.nextRun,
	}
	if w.brk != nil {
		s.Breaker = w.brk.State("primary")
	}
	return s
}

// RunNow executes one batch run. It is a no-op when a run is already in
// flight, the queue is empty or the breaker is open.
func (w *Worker) RunNow(ctx context.Context) (Result, error) {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		metrics.BatchSkipped.Inc()
		return Result{Skipped: true}, nil
	}
	if w.store.PendingCount() == 0 {
		w.mu.Unlock()
		metrics.BatchSkipped.Inc()
		return Result{Skipped: true}, nil
	}
	if w.brk != nil && !w.brk.Allow("primary") {
		w.mu.Unlock()
		metrics.BatchSkipped.Inc()
		w.ops.Log("BATCH_SKIPPED_WARN", map[string]any{"reason": "breaker open"})
		return Result{Skipped: true}, nil
	}
	w.running = true
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		w.running = false
		w.lastRun = time.Now()
		w.nextRun = w.lastRun.Add(w.opt.Interval)
		w.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(ctx, w.opt.RunTimeout)
	defer cancel()

	res := w.run(ctx)
	if ctx.Err() != nil {
		w.ops.Log("BATCH_TIMEOUT_WARN", map[string]any{"batch_id": res.BatchID, "processed": res.Processed})
	}

	metrics.BatchRuns.Inc()
	w.ops.Log("BATCH_COMPLETED", map[string]any{
		"batch_id": res.BatchID, "processed": res.Processed,
		"committed": res.Committed, "duplicates": res.Duplicates, "errors": res.Errors,
	})
	return res, nil
}

func (w *Worker) run(ctx context.Context) Result {
	snapshot := w.store.PendingSnapshot()
	if w.opt.MaxBatch > 0 && len(snapshot) > w.opt.MaxBatch {
		// the rest stays queued for the next tick
		snapshot = snapshot[:w.opt.MaxBatch]
	}
	res := Result{BatchID: "b" + uuid.NewString()[:8], Processed: len(snapshot)}

	// group by conversation, preserving arrival order inside each group
	groups := make(map[string][]*durable.Message)
	var convOrder []string
	for _, m := range snapshot {
		if _, ok := groups[m.ConvID]; !ok {
			convOrder = append(convOrder, m.ConvID)
		}
		groups[m.ConvID] = append(groups[m.ConvID], m)
	}

	var failed []*durable.Message
	for _, convID := range convOrder {
		group := groups[convID]
		if ctx.Err() != nil {
			res.Errors += len(group)
			failed = append(failed, group...)
			continue
		}
		if err := w.primary.EnsureConversation(ctx, convID, group[0]); err != nil {
			// conversation-level failure: count the whole group, keep going
			res.Errors += len(group)
			w.noteFailure(group[0].MsgID, convID, "ensure conversation: "+err.Error())
			w.store.RecordFailure(group[0].MsgID, "ensure conversation: "+err.Error())
			for _, m := range group[1:] {
				w.store.RecordFailure(m.MsgID, "conversation unavailable")
			}
			failed = append(failed, group...)
			continue
		}
		for _, m := range group {
			if ctx.Err() != nil {
				res.Errors++
				failed = append(failed, m)
				continue
			}
			if !w.commitOne(ctx, m, res.BatchID, &res) {
				failed = append(failed, m)
			}
		}
	}

	// drain the snapshot regardless of per-message outcome; failures come
	// back through the recovery loop, not this queue
	ids := make([]string, 0, len(snapshot))
	for _, m := range snapshot {
		ids = append(ids, m.MsgID)
	}
	w.store.RemovePending(ids)

	// failed records leave the in-memory queue but must survive compaction
	// so the recovery loop can find them
	if err := w.store.Compact(failed...); err != nil {
		w.log.Warn("log compaction failed", zap.Error(err))
	}
	w.writeSnapshot()
	return res
}

func (w *Worker) commitOne(ctx context.Context, m *durable.Message, batchID string, res *Result) bool {
	// redis fast path: the marker is planted only once a row landed, so a
	// hit proves a prior commit. Anything else takes the row check.
	if w.dedupe != nil {
		if seen, err := w.dedupe.Seen(ctx, m.MsgID, m.ConvID); err == nil && seen {
			w.ackSaved(m, res)
			res.Duplicates++
			metrics.Duplicates.Inc()
			return true
		}
	}

	exists, err := w.primary.Exists(ctx, m.MsgID, m.ConvID)
	if err != nil {
		w.failOne(m, "exists check: "+err.Error(), res)
		return false
	}
	if exists {
		// a prior run crashed after commit but before ack: converge
		// without re-inserting
		w.markCommitted(ctx, m)
		w.ackSaved(m, res)
		res.Duplicates++
		metrics.Duplicates.Inc()
		return true
	}

	now := time.Now().UTC()
	m.Processing.BatchID = batchID
	m.Processing.ProcessedAt = &now
	if err := w.primary.Commit(ctx, m); err != nil {
		w.failOne(m, "commit: "+err.Error(), res)
		return false
	}
	if w.brk != nil {
		w.brk.Success("primary")
	}
	w.markCommitted(ctx, m)
	res.Committed++
	metrics.Committed.Inc()
	w.ackSaved(m, res)
	return true
}

// markCommitted plants the dedupe marker once the row is in the primary
// store. Best effort: a lost marker only costs the next sighting a row check.
func (w *Worker) markCommitted(ctx context.Context, m *durable.Message) {
	if w.dedupe == nil {
		return
	}
	if err := w.dedupe.MarkCommitted(ctx, m.MsgID, m.ConvID, w.opt.DedupeTTL); err != nil {
		w.log.Debug("dedupe marker write failed", zap.String("msg_id", m.MsgID), zap.Error(err))
	}
}

func (w *Worker) ackSaved(m *durable.Message, res *Result) {
	if _, err := w.store.Acknowledge(m.MsgID, m.ConvID, durable.AckSaved); err != nil {
		// the message left the queue uncommitted to the ack log; recovery
		// will find it unacked and converge
		res.Errors++
		w.log.Warn("ack write failed", zap.String("msg_id", m.MsgID), zap.Error(err))
	}
}

func (w *Worker) failOne(m *durable.Message, reason string, res *Result) {
	res.Errors++
	metrics.CommitFail.Inc()
	if w.brk != nil {
		if opened := w.brk.Failure("primary"); opened {
			w.ops.Log("BREAKER_OPEN_WARN", map[string]any{"store": "primary"})
		}
	}
	w.store.RecordFailure(m.MsgID, reason)
	w.noteFailure(m.MsgID, m.ConvID, reason)
}

func (w *Worker) noteFailure(msgID, convID, reason string) {
	w.ops.Log("COMMIT_ERROR", map[string]any{"msg_id": msgID, "conv_id": convID, "error": reason})
}

// legacySnapshot mirrors the queue state to a plain JSON file for external
// inspection. Write-only: nothing reads it back.
type legacySnapshot struct {
	Messages           []*durable.Message `json:"messages"`
	LastBatchProcessed time.Time          `json:"lastBatchProcessed"`
	NextBatchTime      time.Time          `json:"nextBatchTime"`
	LastUpdated        time.Time          `json:"lastUpdated"`
	Version            int                `json:"version"`
}

func (w *Worker) writeSnapshot() {
	now := time.Now().UTC()
	snap := legacySnapshot{
		Messages:           w.store.PendingSnapshot(),
		LastBatchProcessed: now,
		NextBatchTime:      now.Add(w.opt.Interval),
		LastUpdated:        now,
		Version:            2,
	}
	if snap.Messages == nil {
		snap.Messages = []*durable.Message{}
	}
	b, err := json.Marshal(&snap)
	if err != nil {
		return
	}
	if err := w.w.Replace(w.snapshotPath, string(b)); err != nil {
		w.log.Warn("queue snapshot write failed", zap.Error(err))
	}
}
