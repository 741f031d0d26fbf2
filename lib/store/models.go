package store

import "time"

// Transaction kinds.
const (
	KindDeposit    = "deposit"
	KindWithdrawal = "withdrawal"
)

// Transaction statuses. A deposit moves pending_anchor -> pending_stellar -> completed, detouring through
// pending_trust while the destination account lacks a trustline. A withdrawal waits in
// pending_user_transfer_start until the watcher sees the matching incoming payment.
const (
	StatusCompleted         = "completed"
	StatusPendingExternal   = "pending_external"
	StatusPendingAnchor     = "pending_anchor"
	StatusPendingStellar    = "pending_stellar"
	StatusPendingTrust      = "pending_trust"
	StatusPendingUserXfer   = "pending_user_transfer_start"
	StatusError             = "error"
)

// WatchedAccount contains the fields of a monitored ledger account saved to DB.
type WatchedAccount struct {
	ID      string `json:"id" bson:"_id,omitempty"`
	Account string `json:"account" bson:"account"`
	Asset   string `json:"asset,omitempty" bson:"asset,omitempty"` // asset code filter, empty watches all
}

// Checkpoint is the durable cursor of a watched account's payment stream. PagingToken is monotonically
// non-decreasing; it only advances after the events up to it have been published.
type Checkpoint struct {
	Account     string    `json:"account" bson:"account"`
	PagingToken string    `json:"paging_token" bson:"paging_token"`
	UpdatedAt   time.Time `json:"updated_at" bson:"updated_at"`
}

// Transaction is an anchor transaction record.
type Transaction struct {
	ID             string     `json:"id" bson:"_id"`
	Kind           string     `json:"kind" bson:"kind"`
	Status         string     `json:"status" bson:"status"`
	StellarAccount string     `json:"stellar_account" bson:"stellar_account"`
	AssetCode      string     `json:"asset_code" bson:"asset_code"`
	AssetIssuer    string     `json:"asset_issuer,omitempty" bson:"asset_issuer,omitempty"`
	AmountIn       float64    `json:"amount_in" bson:"amount_in"`
	AmountOut      float64    `json:"amount_out" bson:"amount_out"`
	AmountFee      float64    `json:"amount_fee" bson:"amount_fee"`
	StellarTxID    string     `json:"stellar_transaction_id,omitempty" bson:"stellar_transaction_id,omitempty"`
	Memo           string     `json:"memo,omitempty" bson:"memo,omitempty"`
	MemoType       string     `json:"memo_type,omitempty" bson:"memo_type,omitempty"`
	StartedAt      time.Time  `json:"started_at" bson:"started_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty" bson:"completed_at,omitempty"`
}

// ScheduleMark is the persisted beat state of one recurring schedule entry.
type ScheduleMark struct {
	Name      string    `json:"name" bson:"_id"`
	LastFired time.Time `json:"last_fired" bson:"last_fired"`
}

// DeadLetter is a task that exhausted its retries, kept for operator inspection. It is never re-queued
// automatically.
type DeadLetter struct {
	TaskID   string    `json:"task_id" bson:"task_id"`
	Kind     string    `json:"kind" bson:"kind"`
	Payload  []byte    `json:"payload,omitempty" bson:"payload,omitempty"`
	Retries  int       `json:"retries" bson:"retries"`
	Error    string    `json:"error" bson:"error"`
	FailedAt time.Time `json:"failed_at" bson:"failed_at"`
}
