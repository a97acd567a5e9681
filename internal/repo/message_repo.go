package repo

import (
	"context"
	"database/sql"
)

type MessageRepo struct {
	db *sql.DB
}

func NewMessageRepo(db *sql.DB) *MessageRepo { return &MessageRepo{db: db} }

// Exists checks the dedup key (msg_id, conv_id).
func (r *MessageRepo) Exists(ctx context.Context, msgID, convID string) (bool, error) {
	var one int
	err := r.db.QueryRowContext(ctx,
		`SELECT 1 FROM mkt_message WHERE msg_id=? AND conv_id=? LIMIT 1`, msgID, convID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *MessageRepo) InsertTx(ctx context.Context, tx *sql.Tx, m *MessageRow) error {
	_, err := tx.ExecContext(ctx, `
INSERT INTO mkt_message
(msg_id, conv_id, sender_uid, sender_name, receiver_uid, receiver_name, msg_type, content, metadata_json,
 status, escrow_id, escrow_amount, escrow_currency, escrow_status, create_time, batch_id)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`, m.MsgID, m.ConvID, m.SenderUID, m.SenderName, m.ReceiverUID, m.ReceiverName, m.MsgType, m.Content,
		m.MetadataJSON, m.Status, m.EscrowID, m.EscrowAmount, m.EscrowCurrency, m.EscrowStatus,
		m.CreateTime, m.BatchID)
	return err
}

// Status returns the stored status for the dedup key, ok=false when absent.
func (r *MessageRepo) Status(ctx context.Context, msgID, convID string) (string, bool, error) {
	var st string
	err := r.db.QueryRowContext(ctx,
		`SELECT status FROM mkt_message WHERE msg_id=? AND conv_id=? LIMIT 1`, msgID, convID).Scan(&st)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return st, true, nil
}

func (r *MessageRepo) UpdateStatus(ctx context.Context, msgID, convID, status string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE mkt_message SET status=? WHERE msg_id=? AND conv_id=?`, status, msgID, convID)
	return err
}
