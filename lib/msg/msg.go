// Package msg defines the interface for different message brokers and the typed messages exchanged between the
// watcher and worker microservices. Messages are validated at both publish and consume boundaries; consumers must
// deduplicate by message identifier, since delivery is at-least-once.
package msg

import (
	"encoding/json"
	"errors"
	"sync"
	"time"
)

// Types of object for watch requests.
const (
	EXIT    = -1
	ACCOUNT = 0
)

// Actions to be applied to objects for watch requests.
const (
	LISTEN   = 0
	UNLISTEN = 1
)

// Errors returned by broker implementations.
var (
	ErrBrokerUnavailable = errors.New("message broker unavailable")
	ErrBadMessage        = errors.New("malformed message")
)

// WatchReq defines the message that the worker service publishes to the watcher to ask it to watch or unwatch a
// ledger account.
type WatchReq struct {
	Type    int    `json:"type"` // type of object
	Account string `json:"account"`
	Asset   string `json:"asset,omitempty"` // asset code filter, empty watches all anchor assets
	Act     int    `json:"act"` // action to be applied
}

// Valid checks the request at the consume boundary.
func (r WatchReq) Valid() bool {
	return r.Type == ACCOUNT && r.Account != "" && (r.Act == LISTEN || r.Act == UNLISTEN)
}

// Event is the normalized ledger event the watcher publishes for every payment of interest. ID is the ledger
// operation id and is unique, so consumers can deduplicate re-deliveries. PagingToken is the cursor position of the
// operation in the account's payment stream.
type Event struct {
	ID          string    `json:"id"`
	PagingToken string    `json:"paging_token"`
	Account     string    `json:"account"` // the watched account the payment involves
	TxHash      string    `json:"tx_hash"`
	From        string    `json:"from"`
	To          string    `json:"to"`
	AssetCode   string    `json:"asset_code"`
	AssetIssuer string    `json:"asset_issuer,omitempty"`
	Amount      string    `json:"amount"`
	Memo        string    `json:"memo,omitempty"`
	MemoType    string    `json:"memo_type,omitempty"`
	LedgerTime  time.Time `json:"ledger_time"`
}

// Valid checks the event at the consume boundary.
func (e Event) Valid() bool {
	return e.ID != "" && e.PagingToken != "" && e.Account != ""
}

// Task is a unit of work enqueued for the worker pool. Retries counts the attempts already failed; a task whose
// Retries reaches MaxRetries is dead-lettered and never re-queued automatically. NotBefore delays execution after a
// retry backoff.
type Task struct {
	ID         string          `json:"id"`
	Kind       string          `json:"kind"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Retries    int             `json:"retries"`
	MaxRetries int             `json:"max_retries"`
	Scheduled  bool            `json:"scheduled"` // true when enqueued by the beat scheduler
	NotBefore  time.Time       `json:"not_before,omitempty"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// Valid checks the task at the consume boundary.
func (t Task) Valid() bool {
	return t.ID != "" && t.Kind != ""
}

// TaskDelivery wraps a consumed task so the worker acknowledges only after the task completes. Nack with requeue
// returns the task to the queue for another consumer.
type TaskDelivery struct {
	Task Task
	Ack  func() error
	Nack func(requeue bool) error
}

// MsgBroker is the product agnostic broker interface shared by the microservices.
type MsgBroker interface {
	Setup(interface{}) error
	Close() error

	// methods for worker service
	SendReq(r WatchReq) error
	SendTask(t Task) error
	GetEvents(mut *sync.Mutex) (<-chan Event, <-chan error, error)
	GetTasks() (<-chan TaskDelivery, <-chan error, error)

	// methods for watcher service
	GetReqs(mut *sync.Mutex) (<-chan WatchReq, <-chan error, error)
	SendEvents(account string, evs []Event) error
}
