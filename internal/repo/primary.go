package repo

import (
	"context"
	"database/sql"

	json "github.com/goccy/go-json"

	"unimart/services/msg-durable/internal/durable"
)

// Primary adapts durable message records onto the relational primary store.
// The batch committer and recovery loop consume it through their own
// interfaces so tests can fake it.
type Primary struct {
	db    *sql.DB
	msgs  *MessageRepo
	convs *ConvRepo
}

func NewPrimary(db *sql.DB) *Primary {
	return &Primary{db: db, msgs: NewMessageRepo(db), convs: NewConvRepo(db)}
}

func (p *Primary) Exists(ctx context.Context, msgID, convID string) (bool, error) {
	return p.msgs.Exists(ctx, msgID, convID)
}

func (p *Primary) EnsureConversation(ctx context.Context, convID string, seed *durable.Message) error {
	return p.convs.Ensure(ctx, convID, seed.Sender.UID, seed.Receiver.UID)
}

// Commit inserts the message and updates the conversation aggregate in one
// transaction.
func (p *Primary) Commit(ctx context.Context, m *durable.Message) error {
	row := toRow(m)

	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	if err := p.msgs.InsertTx(ctx, tx, row); err != nil {
		_ = tx.Rollback()
		return err
	}
	var escrowAmount int64
	if m.Escrow != nil && m.Escrow.Amount > 0 {
		escrowAmount = m.Escrow.Amount
	}
	if err := p.convs.ApplyCommitTx(ctx, tx, m.ConvID, m.Content, m.CreateTime, escrowAmount); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (p *Primary) Status(ctx context.Context, msgID, convID string) (string, bool, error) {
	return p.msgs.Status(ctx, msgID, convID)
}

func (p *Primary) UpdateStatus(ctx context.Context, msgID, convID, status string) error {
	return p.msgs.UpdateStatus(ctx, msgID, convID, status)
}

func toRow(m *durable.Message) *MessageRow {
	row := &MessageRow{
		MsgID:       m.MsgID,
		ConvID:      m.ConvID,
		SenderUID:   m.Sender.UID,
		ReceiverUID: m.Receiver.UID,
		MsgType:     m.MsgType,
		Content:     m.Content,
		Status:      m.Status,
		CreateTime:  m.CreateTime,
	}
	if m.Sender.Nickname != "" {
		row.SenderName = sql.NullString{String: m.Sender.Nickname, Valid: true}
	}
	if m.Receiver.Nickname != "" {
		row.ReceiverName = sql.NullString{String: m.Receiver.Nickname, Valid: true}
	}
	if len(m.Metadata) > 0 {
		if b, err := json.Marshal(m.Metadata); err == nil {
			row.MetadataJSON = sql.NullString{String: string(b), Valid: true}
		}
	}
	if m.Processing.BatchID != "" {
		row.BatchID = sql.NullString{String: m.Processing.BatchID, Valid: true}
	}
	if e := m.Escrow; e != nil {
		row.EscrowAmount = e.Amount
		if e.EscrowID != "" {
			row.EscrowID = sql.NullString{String: e.EscrowID, Valid: true}
		}
		if e.Currency != "" {
			row.EscrowCurrency = sql.NullString{String: e.Currency, Valid: true}
		}
		if e.Status != "" {
			row.EscrowStatus = sql.NullString{String: e.Status, Valid: true}
		}
	}
	return row
}
