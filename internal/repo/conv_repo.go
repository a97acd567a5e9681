package repo

import (
	"context"
	"database/sql"
	"time"
	"unicode/utf8"
)

type ConvRepo struct {
	db *sql.DB
}

func NewConvRepo(db *sql.DB) *ConvRepo { return &ConvRepo{db: db} }

// Ensure lazily creates the conversation aggregate on first message in a
// room. Idempotent by primary key.
func (r *ConvRepo) Ensure(ctx context.Context, convID string, buyerUID, sellerUID int64) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO mkt_conversation (conv_id, buyer_uid, seller_uid, message_count, escrow_total, escrow_count, create_time)
VALUES (?, ?, ?, 0, 0, 0, NOW())
ON DUPLICATE KEY UPDATE conv_id=conv_id
`, convID, buyerUID, sellerUID)
	return err
}

// ApplyCommitTx folds one committed message into the aggregate: count, last
// message preview and, for positive escrow amounts, the escrow totals.
func (r *ConvRepo) ApplyCommitTx(ctx context.Context, tx *sql.Tx, convID, preview string, at time.Time, escrowAmount int64) error {
	preview = truncPreview(preview, 255)
	escrowInc := 0
	if escrowAmount > 0 {
		escrowInc = 1
	}
	_, err := tx.ExecContext(ctx, `
UPDATE mkt_conversation
SET message_count = message_count + 1,
    last_msg_content = ?,
    last_msg_time = ?,
    escrow_total = escrow_total + ?,
    escrow_count = escrow_count + ?
WHERE conv_id = ?
`, preview, at, escrowAmount, escrowInc, convID)
	return err
}

// truncPreview cuts s to at most max bytes without splitting a rune;
// strict-mode MySQL rejects an invalid utf8mb4 tail.
func truncPreview(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
