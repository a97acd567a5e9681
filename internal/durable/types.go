package durable

import (
	"errors"
	"fmt"
	"time"
)

// Message lifecycle statuses visible to the application.
const (
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusRead      = "read"
	StatusPending   = "pending"
	StatusFailed    = "failed"
)

// Acknowledgment statuses.
const (
	AckSaved     = "saved"
	AckDelivered = "delivered"
	AckFailed    = "failed"
)

// Content kinds.
const (
	TypeText           = "text"
	TypeImage          = "image"
	TypeFile           = "file"
	TypeEscrowRequest  = "escrow_request"
	TypeEscrowResponse = "escrow_response"
	TypeSystem         = "system"
)

// Escrow statuses.
const (
	EscrowPending   = "pending"
	EscrowAccepted  = "accepted"
	EscrowRejected  = "rejected"
	EscrowCompleted = "completed"
	EscrowCancelled = "cancelled"
)

// Party is a denormalized sender/receiver reference. Display fields ride
// along with the message so a record stays usable without user lookups.
type Party struct {
	UID      int64  `json:"uid"`
	Nickname string `json:"nickname,omitempty"`
	Portrait string `json:"portrait,omitempty"`
}

// Escrow is the optional monetary hold attached to a message. Amount is in
// minor units (cents).
type Escrow struct {
	Amount      int64      `json:"amount"`
	Currency    string     `json:"currency,omitempty"`
	Status      string     `json:"status,omitempty"`
	EscrowID    string     `json:"escrow_id,omitempty"`
	ExpireAt    *time.Time `json:"expire_at,omitempty"`
	AcceptedAt  *time.Time `json:"accepted_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Processing tracks batch/retry metadata for a record.
type Processing struct {
	BatchID     string     `json:"batch_id,omitempty"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
	RetryCount  int        `json:"retry_count,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
}

// PersistMeta tracks where and when a record was made durable.
type PersistMeta struct {
	File    string    `json:"file,omitempty"`
	SavedAt time.Time `json:"saved_at,omitempty"`
	Acked   bool      `json:"acked"`
	AckID   string    `json:"ack_id,omitempty"`
}

// Message is the unit of durability. Appended records are never mutated in
// place; state changes are expressed as acknowledgment records or a rewritten
// compacted log.
type Message struct {
	MsgID      string            `json:"msg_id"`
	ConvID     string            `json:"conv_id"`
	Content    string            `json:"content"`
	MsgType    string            `json:"msg_type"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Sender     Party             `json:"sender"`
	Receiver   Party             `json:"receiver"`
	CreateTime time.Time         `json:"create_time"`
	Status     string            `json:"status"`
	Escrow     *Escrow           `json:"escrow,omitempty"`
	Processing Processing        `json:"processing"`
	Persist    PersistMeta       `json:"persist"`
}

// Ack is the append-only proof that a message reached a terminal durability
// state. Ack records are never deleted.
type Ack struct {
	AckID  string    `json:"ack_id"`
	MsgID  string    `json:"msg_id"`
	ConvID string    `json:"conv_id"`
	Status string    `json:"status"`
	Time   time.Time `json:"time"`
}

// ErrValidation marks a rejected submission payload.
var ErrValidation = errors.New("durable: invalid message")

var msgTypes = map[string]bool{
	TypeText: true, TypeImage: true, TypeFile: true,
	TypeEscrowRequest: true, TypeEscrowResponse: true, TypeSystem: true,
}

var statuses = map[string]bool{
	StatusSent: true, StatusDelivered: true, StatusRead: true,
	StatusPending: true, StatusFailed: true,
}

// Validate checks a submission after defaults were applied. All optional
// fields are modeled explicitly so code past this boundary never branches on
// field presence.
func (m *Message) Validate() error {
	if m.ConvID == "" {
		return fmt.Errorf("%w: missing conv_id", ErrValidation)
	}
	if m.Sender.UID <= 0 {
		return fmt.Errorf("%w: missing sender uid", ErrValidation)
	}
	if m.Receiver.UID <= 0 {
		return fmt.Errorf("%w: missing receiver uid", ErrValidation)
	}
	if !msgTypes[m.MsgType] {
		return fmt.Errorf("%w: unknown msg_type %q", ErrValidation, m.MsgType)
	}
	if !statuses[m.Status] {
		return fmt.Errorf("%w: unknown status %q", ErrValidation, m.Status)
	}
	if m.Escrow != nil && m.Escrow.Amount > 0 && m.Escrow.EscrowID == "" {
		return fmt.Errorf("%w: escrow amount without escrow_id", ErrValidation)
	}
	return nil
}

// PersistError wraps a failed log write. It crosses the submission boundary
// so callers know durability was not achieved.
type PersistError struct {
	Op   string
	File string
	Err  error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("durable: %s %s: %v", e.Op, e.File, e.Err)
}

func (e *PersistError) Unwrap() error { return e.Err }
