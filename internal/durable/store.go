package durable

import (
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/sony/sonyflake"
	"go.uber.org/zap"

	"unimart/services/msg-durable/internal/metrics"
	"unimart/services/msg-durable/internal/oplog"
	"unimart/services/msg-durable/internal/walfile"
)

// Log file names inside the WAL directory.
const (
	MessagesFile   = "messages.ndjson"
	AcksFile       = "acks.ndjson"
	PoisonFile     = "poison.ndjson"
	OperationsFile = "operations.ndjson"
	SnapshotFile   = "queue_snapshot.json"
)

// Store is the message durability store: it appends accepted messages to the
// messages log before anything else sees them and keeps the in-memory pending
// queue the batch committer drains. The logs are the source of truth; the
// maps are a cache rebuilt by Restore at startup.
type Store struct {
	w   *walfile.Writer
	ops *oplog.Logger
	log *zap.Logger
	sf  *sonyflake.Sonyflake

	dir        string
	msgPath    string
	ackPath    string
	poisonPath string

	// logMu serializes messages-log appends with compaction, so a save
	// landing mid-rewrite cannot vanish from the replaced log.
	logMu sync.Mutex

	mu       sync.Mutex
	pending  map[string]*Message
	order    []string
	status   map[string]*msgStatus
	verified map[string]struct{} // ack ids already checked against the primary store
}

type msgStatus struct {
	Acked  bool
	Status string
	AckID  string
}

func NewStore(w *walfile.Writer, dir string, ops *oplog.Logger, log *zap.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	sf := sonyflake.NewSonyflake(sonyflake.Settings{})
	return &Store{
		w:          w,
		ops:        ops,
		log:        log,
		sf:         sf,
		dir:        dir,
		msgPath:    filepath.Join(dir, MessagesFile),
		ackPath:    filepath.Join(dir, AcksFile),
		poisonPath: filepath.Join(dir, PoisonFile),
		pending:    make(map[string]*Message),
		status:     make(map[string]*msgStatus),
		verified:   make(map[string]struct{}),
	}, nil
}

func (s *Store) Dir() string          { return s.dir }
func (s *Store) MessagesPath() string { return s.msgPath }
func (s *Store) AcksPath() string     { return s.ackPath }
func (s *Store) PoisonPath() string   { return s.poisonPath }

func (s *Store) newID() string {
	if s.sf != nil {
		if id, err := s.sf.NextID(); err == nil {
			return "m" + strconv.FormatUint(id, 36)
		}
	}
	return "m" + uuid.NewString()
}

// SaveMessage validates and defaults raw, appends it to the messages log and
// queues it for batch commit. The disk append completes before this returns:
// returned means durable. A write failure surfaces as *PersistError and the
// message is not queued.
func (s *Store) SaveMessage(raw *Message) (*Message, error) {
	m := *raw
	if m.MsgID == "" {
		m.MsgID = s.newID()
	}
	if m.CreateTime.IsZero() {
		m.CreateTime = time.Now().UTC()
	}
	if m.MsgType == "" {
		m.MsgType = TypeText
	}
	if m.Status == "" {
		m.Status = StatusSent
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}

	m.Persist = PersistMeta{File: s.msgPath, SavedAt: time.Now().UTC(), Acked: false}

	b, err := json.Marshal(&m)
	if err != nil {
		return nil, &PersistError{Op: "encode", File: s.msgPath, Err: err}
	}
	s.logMu.Lock()
	if err := s.w.Append(s.msgPath, string(b)); err != nil {
		s.logMu.Unlock()
		metrics.SaveFail.Inc()
		s.ops.Log("MESSAGE_SAVE_FAILED", map[string]any{"msg_id": m.MsgID, "conv_id": m.ConvID, "error": err.Error()})
		return nil, &PersistError{Op: "append", File: s.msgPath, Err: err}
	}

	s.mu.Lock()
	if _, ok := s.pending[m.MsgID]; !ok {
		s.order = append(s.order, m.MsgID)
	}
	s.pending[m.MsgID] = &m
	s.status[m.MsgID] = &msgStatus{Acked: false, Status: m.Status}
	pending := len(s.pending)
	s.mu.Unlock()
	s.logMu.Unlock()

	metrics.Saved.Inc()
	metrics.Pending.Set(float64(pending))
	s.ops.Log("MESSAGE_SAVED", map[string]any{"msg_id": m.MsgID, "conv_id": m.ConvID, "msg_type": m.MsgType})
	return &m, nil
}

// LoadMessages parses every line of the messages log. Unparsable lines are
// counted and skipped, never fatal (at worst a torn final line after a crash).
func (s *Store) LoadMessages() ([]*Message, error) {
	lines, err := walfile.ReadLines(s.msgPath)
	if err != nil {
		return nil, err
	}
	out := make([]*Message, 0, len(lines))
	for _, l := range lines {
		var m Message
		if err := json.Unmarshal([]byte(l), &m); err != nil {
			metrics.ParseFail.Inc()
			s.log.Warn("skipping unparsable message log line", zap.Error(err))
			continue
		}
		out = append(out, &m)
	}
	return out, nil
}

// Restore rebuilds the pending queue and status index from the logs. Only
// records with no acknowledgment on disk re-enter the queue. Returns the
// number of pending messages recovered.
func (s *Store) Restore() (int, error) {
	msgs, err := s.LoadMessages()
	if err != nil {
		return 0, err
	}
	acked, err := s.ackedIDs()
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	s.pending = make(map[string]*Message)
	s.order = nil
	s.status = make(map[string]*msgStatus)
	for _, m := range msgs {
		if m.Persist.Acked {
			s.status[m.MsgID] = &msgStatus{Acked: true, Status: m.Status, AckID: m.Persist.AckID}
			continue
		}
		if ack, ok := acked[m.MsgID]; ok {
			s.status[m.MsgID] = &msgStatus{Acked: true, Status: ack.Status, AckID: ack.AckID}
			continue
		}
		if _, ok := s.pending[m.MsgID]; !ok {
			s.order = append(s.order, m.MsgID)
		}
		s.pending[m.MsgID] = m
		s.status[m.MsgID] = &msgStatus{Acked: false, Status: m.Status}
	}
	n := len(s.pending)
	s.mu.Unlock()

	metrics.Pending.Set(float64(n))
	s.ops.Log("QUEUE_RESTORED", map[string]any{"pending": n, "scanned": len(msgs)})
	return n, nil
}

// PendingSnapshot returns the queued messages in arrival order.
func (s *Store) PendingSnapshot() []*Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Message, 0, len(s.pending))
	for _, id := range s.order {
		if m, ok := s.pending[id]; ok {
			out = append(out, m)
		}
	}
	return out
}

func (s *Store) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// RemovePending drops ids from the queue regardless of commit outcome; failed
// messages come back through the recovery loop, not the queue.
func (s *Store) RemovePending(ids []string) {
	s.mu.Lock()
	for _, id := range ids {
		delete(s.pending, id)
	}
	kept := s.order[:0]
	for _, id := range s.order {
		if _, ok := s.pending[id]; ok {
			kept = append(kept, id)
		}
	}
	s.order = kept
	n := len(s.pending)
	s.mu.Unlock()
	metrics.Pending.Set(float64(n))
}

// ClearPending empties the in-memory queue only; the on-disk log is untouched.
func (s *Store) ClearPending() int {
	s.mu.Lock()
	n := len(s.pending)
	s.pending = make(map[string]*Message)
	s.order = nil
	s.mu.Unlock()
	metrics.Pending.Set(0)
	s.ops.Log("QUEUE_CLEARED", map[string]any{"dropped": n})
	return n
}

// Compact rewrites the messages log to the unacknowledged set, so a crash
// right after a batch run cannot resurrect committed messages. Records that
// failed their commit stay in the log for the recovery loop; callers pass
// them as extra so the rewritten line carries current retry metadata.
// Holds the log write lock across the whole load, compute and replace: an
// append landing between the reads would otherwise be erased by the rewrite.
func (s *Store) Compact(extra ...*Message) error {
	s.logMu.Lock()
	defer s.logMu.Unlock()

	logMsgs, err := s.LoadMessages()
	if err != nil {
		return err
	}
	ackedOnDisk, err := s.ackedIDs()
	if err != nil {
		return err
	}

	pending := s.PendingSnapshot()
	s.mu.Lock()
	ackedInMem := make(map[string]bool, len(s.status))
	for id, st := range s.status {
		if st.Acked {
			ackedInMem[id] = true
		}
	}
	s.mu.Unlock()

	acked := func(id string) bool {
		if ackedInMem[id] {
			return true
		}
		_, ok := ackedOnDisk[id]
		return ok
	}

	keep := make([]*Message, 0, len(pending)+len(extra))
	seen := make(map[string]bool)
	add := func(m *Message) {
		if !seen[m.MsgID] && !acked(m.MsgID) {
			seen[m.MsgID] = true
			keep = append(keep, m)
		}
	}
	for _, m := range pending {
		add(m)
	}
	for _, m := range extra {
		add(m)
	}
	// leftover unacked log records: latest occurrence per id wins
	last := make(map[string]int, len(logMsgs))
	for i, m := range logMsgs {
		last[m.MsgID] = i
	}
	for i, m := range logMsgs {
		if last[m.MsgID] != i || m.Persist.Acked {
			continue
		}
		add(m)
	}

	var buf []byte
	for _, m := range keep {
		b, err := json.Marshal(m)
		if err != nil {
			continue
		}
		buf = append(buf, b...)
		buf = append(buf, '\n')
	}
	if err := s.w.Replace(s.msgPath, string(buf)); err != nil {
		return &PersistError{Op: "compact", File: s.msgPath, Err: err}
	}
	return nil
}

// MessagesByConv scans the messages log for one conversation.
func (s *Store) MessagesByConv(convID string) ([]*Message, error) {
	msgs, err := s.LoadMessages()
	if err != nil {
		return nil, err
	}
	out := make([]*Message, 0)
	for _, m := range msgs {
		if m.ConvID == convID {
			out = append(out, m)
		}
	}
	return out, nil
}

// RecordFailure stamps retry metadata on a pending record so the next
// recovery pass sees the attempt count. Memory only: the log keeps the
// original append-only record.
func (s *Store) RecordFailure(msgID, reason string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.pending[msgID]; ok {
		m.Processing.RetryCount++
		m.Processing.LastError = reason
		return m.Processing.RetryCount
	}
	return 0
}

// PoisonMessage appends the record to the poison log and acknowledges it as
// failed so it leaves the retry path for good.
func (s *Store) PoisonMessage(m *Message, reason string) error {
	cp := *m
	cp.Processing.LastError = reason
	cp.Status = StatusFailed
	b, err := json.Marshal(&cp)
	if err != nil {
		return &PersistError{Op: "encode", File: s.poisonPath, Err: err}
	}
	if err := s.w.Append(s.poisonPath, string(b)); err != nil {
		return &PersistError{Op: "append", File: s.poisonPath, Err: err}
	}
	metrics.Poisoned.Inc()
	s.ops.Log("MESSAGE_POISONED_WARN", map[string]any{
		"msg_id": m.MsgID, "conv_id": m.ConvID,
		"retries": m.Processing.RetryCount, "reason": reason,
	})
	_, err = s.Acknowledge(m.MsgID, m.ConvID, AckFailed)
	return err
}

// PoisonCount reports how many records sit in the poison log.
func (s *Store) PoisonCount() int {
	lines, err := walfile.ReadLines(s.poisonPath)
	if err != nil {
		return 0
	}
	return len(lines)
}

// Cleanup deletes rotated log and audit files in the WAL directory whose
// mtime is older than the retention window. The actively written logs are
// never swept, so a zero window clears all historical files.
func (s *Store) Cleanup(retention time.Duration) (int, error) {
	cutoff := time.Now().Add(-retention)
	live := map[string]bool{
		MessagesFile: true, AcksFile: true, PoisonFile: true,
		OperationsFile: true, SnapshotFile: true,
	}
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, e := range entries {
		if e.IsDir() || live[e.Name()] {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, e.Name())); err == nil {
			removed++
		}
	}
	s.ops.Log("CLEANUP_COMPLETED", map[string]any{"removed": removed, "retention": retention.String()})
	return removed, nil
}
