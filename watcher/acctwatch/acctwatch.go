// Package acctwatch holds the watching state of a single ledger account: the read cursor, the durable (published
// through) cursor and the bounded buffer of events awaiting publication. The watcher is the only writer of an
// account's checkpoint.
package acctwatch

import (
	"errors"
	"log"
	"sync"
	"time"

	"github.com/averlon/anchorwatch/lib/ledger"
	"github.com/averlon/anchorwatch/lib/msg"
	"github.com/averlon/anchorwatch/lib/store"
)

// Status possible values, control whether an AcctWatcher is working or is/has to stop
const (
	WORK int = 0
	STOP int = 1
)

// AcctWatcher contains the fields and data structures required to manage the watching of one ledger account.
//
// Cursor is the read position and may run ahead of Durable while events sit in the buffer; Durable only advances
// when the events up to it have been published, and is the position persisted to the store. After a crash the
// watcher resumes from Durable, re-reading (and re-publishing) anything that was buffered, so delivery is
// at-least-once.
type AcctWatcher struct {
	l       sync.Mutex
	status  int
	Account string
	Asset   string // asset code filter, empty matches any anchored asset
	Cursor  string // read position
	Durable string // last persisted, published-through position
	buf     []msg.Event
	max     int // bounded buffer window
}

// New restores an AcctWatcher from the account's checkpoint in the store. A missing checkpoint starts from the
// beginning of the account's payment stream.
func New(account, asset string, max int, db store.DB) (*AcctWatcher, error) {
	aw := AcctWatcher{Account: account, Asset: asset, max: max, status: WORK}

	cp, err := db.LoadCheckpoint(account)
	if err != nil {
		if !errors.Is(err, store.ErrDataNotFound) {
			return nil, err
		}
		// no checkpoint yet, start from the stream beginning
	} else {
		aw.Cursor = cp.PagingToken
		aw.Durable = cp.PagingToken
	}
	log.Printf("[%s] acctwatch.New cursor:%q", account, aw.Cursor)

	return &aw, nil
}

// Interesting is the interest predicate: an incoming payment into the watched account whose asset matches the
// filter. Malformed operations are never interesting; the caller logs and skips them.
func (a *AcctWatcher) Interesting(p ledger.Payment) bool {
	if p.Malformed || p.To != a.Account {
		return false
	}
	return a.Asset == "" || p.AssetCode == a.Asset
}

// Normalize maps a ledger payment to the event published to the broker.
func (a *AcctWatcher) Normalize(p ledger.Payment) msg.Event {
	return msg.Event{
		ID:          p.ID,
		PagingToken: p.PagingToken,
		Account:     a.Account,
		TxHash:      p.TxHash,
		From:        p.From,
		To:          p.To,
		AssetCode:   p.AssetCode,
		AssetIssuer: p.AssetIssuer,
		Amount:      p.Amount,
		Memo:        p.Memo,
		MemoType:    p.MemoType,
		LedgerTime:  p.LedgerTime,
	}
}

// Advance moves the read cursor.
func (a *AcctWatcher) Advance(token string) {
	a.l.Lock()
	a.Cursor = token
	a.l.Unlock()
}

// Buffer appends an event pending publication. Returns false when the bounded window is full; the caller must stop
// reading until a flush succeeds.
func (a *AcctWatcher) Buffer(ev msg.Event) bool {
	a.l.Lock()
	defer a.l.Unlock()
	if len(a.buf) >= a.max {
		return false
	}
	a.buf = append(a.buf, ev)
	return true
}

// Full reports whether the bounded window is exhausted.
func (a *AcctWatcher) Full() bool {
	a.l.Lock()
	defer a.l.Unlock()
	return len(a.buf) >= a.max
}

// Pending returns the buffered events in publish order without removing them.
func (a *AcctWatcher) Pending() []msg.Event {
	a.l.Lock()
	defer a.l.Unlock()
	out := make([]msg.Event, len(a.buf))
	copy(out, a.buf)
	return out
}

// Drop removes the first n buffered events after they have been published.
func (a *AcctWatcher) Drop(n int) {
	a.l.Lock()
	defer a.l.Unlock()
	if n > len(a.buf) {
		n = len(a.buf)
	}
	a.buf = a.buf[n:]
}

// Buffered returns the number of events awaiting publication.
func (a *AcctWatcher) Buffered() int {
	a.l.Lock()
	defer a.l.Unlock()
	return len(a.buf)
}

// Commit persists the durable cursor at token. Publish first, commit after: a crash between the two re-delivers
// instead of losing.
func (a *AcctWatcher) Commit(db store.DB, token string) error {
	if err := db.SaveCheckpoint(store.Checkpoint{Account: a.Account, PagingToken: token, UpdatedAt: time.Now().UTC()}); err != nil {
		return err
	}
	a.l.Lock()
	a.Durable = token
	a.l.Unlock()
	return nil
}

// Resync rewinds the read cursor to the last durable position after the ledger rejected the cursor. Reset reports
// whether the durable position itself was already retried: then the only safe earlier point is the stream start.
func (a *AcctWatcher) Resync() (reset bool) {
	a.l.Lock()
	defer a.l.Unlock()
	if a.Cursor == a.Durable {
		// the checkpoint itself is stale; restart from the beginning rather than lose data
		a.Cursor = ""
		a.Durable = ""
		a.buf = nil
		return true
	}
	a.Cursor = a.Durable
	a.buf = nil
	return false
}

// Stop sets status to STOP
func (a *AcctWatcher) Stop() {
	a.l.Lock()
	a.status = STOP
	a.l.Unlock()
}

// Start sets status to WORK
func (a *AcctWatcher) Start() {
	a.l.Lock()
	a.status = WORK
	a.l.Unlock()
}

// Status returns the current AcctWatcher status
func (a *AcctWatcher) Status() int {
	a.l.Lock()
	defer a.l.Unlock()
	return a.status
}
