package durable

import (
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"unimart/services/msg-durable/internal/metrics"
	"unimart/services/msg-durable/internal/walfile"
)

// Acknowledge writes an acknowledgment record for msgID, updates the status
// index and removes the id from the pending queue.
func (s *Store) Acknowledge(msgID, convID, status string) (*Ack, error) {
	ack := &Ack{
		AckID:  uuid.NewString(),
		MsgID:  msgID,
		ConvID: convID,
		Status: status,
		Time:   time.Now().UTC(),
	}
	b, err := json.Marshal(ack)
	if err != nil {
		return nil, &PersistError{Op: "encode", File: s.ackPath, Err: err}
	}
	if err := s.w.Append(s.ackPath, string(b)); err != nil {
		return nil, &PersistError{Op: "append", File: s.ackPath, Err: err}
	}

	s.mu.Lock()
	s.status[msgID] = &msgStatus{Acked: true, Status: status, AckID: ack.AckID}
	delete(s.pending, msgID)
	kept := s.order[:0]
	for _, id := range s.order {
		if _, ok := s.pending[id]; ok {
			kept = append(kept, id)
		}
	}
	s.order = kept
	n := len(s.pending)
	s.mu.Unlock()

	metrics.Acked.Inc()
	metrics.Pending.Set(float64(n))
	s.ops.Log("MESSAGE_ACKED", map[string]any{"msg_id": msgID, "conv_id": convID, "status": status})
	return ack, nil
}

// IsAcked reports the in-memory durability status for a message id.
func (s *Store) IsAcked(msgID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.status[msgID]
	return ok && st.Acked
}

// Unacknowledged re-derives the unacked set from the logs. Full re-scan:
// correctness over throughput, the log stays small between batch runs.
func (s *Store) Unacknowledged() ([]*Message, error) {
	msgs, err := s.LoadMessages()
	if err != nil {
		return nil, err
	}
	acked, err := s.ackedIDs()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Message, 0)
	seen := make(map[string]bool)
	for _, m := range msgs {
		if seen[m.MsgID] {
			continue
		}
		seen[m.MsgID] = true
		if m.Persist.Acked {
			continue
		}
		if _, ok := acked[m.MsgID]; ok {
			continue
		}
		if st, ok := s.status[m.MsgID]; ok && st.Acked {
			continue
		}
		// prefer the in-memory record: it carries current retry metadata
		if pm, ok := s.pending[m.MsgID]; ok {
			out = append(out, pm)
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// LoadAcks parses the acknowledgments log, skipping unparsable lines.
func (s *Store) LoadAcks() ([]*Ack, error) {
	lines, err := walfile.ReadLines(s.ackPath)
	if err != nil {
		return nil, err
	}
	out := make([]*Ack, 0, len(lines))
	for _, l := range lines {
		var a Ack
		if err := json.Unmarshal([]byte(l), &a); err != nil {
			metrics.ParseFail.Inc()
			s.log.Warn("skipping unparsable ack log line", zap.Error(err))
			continue
		}
		out = append(out, &a)
	}
	return out, nil
}

// StaleAcks returns acknowledgments older than timeout that this process has
// not yet verified against the primary store. A stale ack means a commit
// plausibly failed silently downstream.
func (s *Store) StaleAcks(timeout time.Duration) ([]*Ack, error) {
	acks, err := s.LoadAcks()
	if err != nil {
		return nil, err
	}
	cutoff := time.Now().Add(-timeout)

	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Ack, 0)
	for _, a := range acks {
		if a.Time.After(cutoff) {
			continue
		}
		if _, ok := s.verified[a.AckID]; ok {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

// MarkAckVerified records that an acknowledgment was checked against the
// primary store, so StaleAcks stops reporting it.
func (s *Store) MarkAckVerified(ackID string) {
	s.mu.Lock()
	s.verified[ackID] = struct{}{}
	s.mu.Unlock()
}

func (s *Store) ackedIDs() (map[string]*Ack, error) {
	acks, err := s.LoadAcks()
	if err != nil {
		return nil, err
	}
	out := make(map[string]*Ack, len(acks))
	for _, a := range acks {
		if a.Status == AckFailed && out[a.MsgID] != nil {
			continue
		}
		out[a.MsgID] = a
	}
	return out, nil
}
