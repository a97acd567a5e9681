package repo

import (
	"database/sql"
	"time"
)

// MessageRow is the DB model for mkt_message. Nullable fields use sql.Null*
// to avoid ambiguity.
type MessageRow struct {
	MsgID        string
	ConvID       string
	SenderUID    int64
	SenderName   sql.NullString
	ReceiverUID  int64
	ReceiverName sql.NullString
	MsgType      string
	Content      string
	MetadataJSON sql.NullString
	Status       string

	EscrowID       sql.NullString
	EscrowAmount   int64
	EscrowCurrency sql.NullString
	EscrowStatus   sql.NullString

	CreateTime time.Time
	BatchID    sql.NullString
}
