// Package watcher implements the ledger watcher microservice. The watcher polls the ledger for payment operations
// involving the watched anchor accounts and publishes an event to the message broker for every payment of
// interest, advancing the durable cursor only after the publish succeeds.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/averlon/anchorwatch/lib/config"
	"github.com/averlon/anchorwatch/lib/ledger"
	"github.com/averlon/anchorwatch/lib/metrics"
	"github.com/averlon/anchorwatch/lib/msg"
	"github.com/averlon/anchorwatch/lib/retry"
	"github.com/averlon/anchorwatch/lib/store"
	aw "github.com/averlon/anchorwatch/watcher/acctwatch"
)

// pageLimit is the number of payment operations fetched per poll.
const pageLimit = 200

// Watcher implements a watcher service.
type Watcher struct {
	dbtype string
	db     store.DB
	lc     ledger.Chain
	mb     msg.MsgBroker
	poll   time.Duration
	bufsz  int

	mu sync.Mutex // guards am and rc against runtime watch requests
	am map[string]*aw.AcctWatcher
	rc chan struct{} // closed to stop the watch request listener
	wg sync.WaitGroup
}

// New instantiates a new watcher service.
func New(dbtype string, db store.DB, mb msg.MsgBroker, lc ledger.Chain, conf config.ServiceConfig) *Watcher {
	poll := time.Duration(conf.Horizon.PollSeconds) * time.Second
	if poll <= 0 {
		poll = 5 * time.Second
	}
	bufsz := conf.Workers.BufferSize
	if bufsz <= 0 {
		bufsz = 1024
	}

	return &Watcher{
		dbtype: dbtype,
		db:     db,
		mb:     mb,
		lc:     lc,
		poll:   poll,
		bufsz:  bufsz,
		am:     make(map[string]*aw.AcctWatcher),
	}
}

// Watch starts a go routine for each watched account found in the store. Each account's watching is controlled by
// an AcctWatcher (see package watcher/acctwatch for details) holding its cursor and bounded event buffer. The
// watcher also consumes worker requests to watch or unwatch accounts at runtime, and stays alive while that
// listener runs, so a deployment with no watched accounts yet keeps waiting for requests. In case of graceful
// termination, the watcher waits for all the account routines to flush and checkpoint.
func (w *Watcher) Watch() chan string {
	ret := make(chan string, 1)

	// get watched accounts from DB
	watches, err := w.db.GetWatches()
	if err != nil {
		log.Printf("Cannot load watched accounts from DB, err:%e", err)
	}

	if len(watches) == 0 {
		log.Printf("No watched accounts to watch in DB.")
	}

	for _, wa := range watches {
		if err := w.WatchAccount(wa.Account, wa.Asset); err != nil {
			log.Printf("[%s] Cannot start account watcher, err:%e", wa.Account, err)

			continue
		}
	}

	// listen for worker requests; requests already queued in the broker are consumed as soon as the listener
	// starts
	if err := w.ManageWatchRequests(); err != nil {
		log.Printf("Cannot consume watch requests from broker, err:%e", err)
	}

	// routine to wait for all account watchers to complete...
	go func() {
		w.wg.Wait()
		ret <- "Done!"
	}()

	return ret
}

// StopWatcher will send termination signals to all account watcher go routines and to the request listener.
func (w *Watcher) StopWatcher() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, a := range w.am {
		a.Stop()
	}
	if w.rc != nil {
		close(w.rc)
		w.rc = nil
	}
}

// WatchAccount starts a watching go routine for the given account. When the account is already watched it does
// nothing. The routine polls the ledger from the account's checkpoint, publishes events for payments of interest
// and persists the cursor after each successful publish.
func (w *Watcher) WatchAccount(account, asset string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.am[account]; ok {
		return nil
	}

	a, err := aw.New(account, asset, w.bufsz, w.db)
	if err != nil {
		return fmt.Errorf("watcher: cannot restore account state: %w", err)
	}
	w.am[account] = a
	w.wg.Add(1)

	log.Printf("[%s] Watching from cursor %q...", account, a.Cursor)

	go func() {
		var connFails int

		defer func() {
			// flush what we can and leave the checkpoint consistent
			if errFlush := w.flush(a); errFlush != nil {
				log.Printf("[%s] Could not flush %d buffered events on shutdown: %e", account, a.Buffered(), errFlush)
			}
			w.wg.Done()
		}()

		for a.Status() == aw.WORK {
			time.Sleep(w.poll)

			// flush buffered events first; while the bounded window is full we do not read further
			if errFlush := w.flush(a); errFlush != nil {
				log.Printf("[%s] Broker unavailable, %d events buffered: %e", account, a.Buffered(), errFlush)
				if a.Full() {
					continue
				}
			}

			pays, errPoll := w.lc.Payments(context.Background(), account, a.Cursor, pageLimit)
			metrics.WatcherPolls.WithLabelValues(account).Inc()

			if errPoll != nil {
				switch {
				case errors.Is(errPoll, ledger.ErrInvalidCursor):
					// rewind to the last durable point; when that token is itself rejected, restart from
					// the stream beginning, preferring re-delivery over loss
					reset := a.Resync()
					log.Printf("[%s] Cursor rejected by ledger, resynced (from start:%v)", account, reset)
				case errors.Is(errPoll, ledger.ErrConnectivity):
					connFails++
					log.Printf("[%s] Ledger unreachable (%d), backing off: %e", account, connFails, errPoll)
					time.Sleep(retry.Delay(connFails))
				default:
					log.Printf("[%s] Poll error: %e", account, errPoll)
					time.Sleep(retry.Delay(connFails))
				}

				continue
			}
			connFails = 0

			for _, p := range pays {
				if p.Malformed {
					// malformed ledger data is logged and skipped, the cursor advances past it
					log.Printf("[%s] Skipping malformed operation at %s", account, p.PagingToken)
					metrics.MalformedSkipped.WithLabelValues(account).Inc()
					w.pass(a, p.PagingToken)

					continue
				}
				if !a.Interesting(p) {
					w.pass(a, p.PagingToken)

					continue
				}
				if !a.Buffer(a.Normalize(p)) {
					// bounded window full: stop reading, the cursor stays before p so it is re-read
					break
				}
				a.Advance(p.PagingToken)
			}

			if errFlush := w.flush(a); errFlush != nil {
				log.Printf("[%s] Broker unavailable, %d events buffered: %e", account, a.Buffered(), errFlush)
			}
		}
	}()

	return nil
}

// pass advances the cursor past an operation that produced no event. The durable checkpoint only moves when no
// earlier events are still waiting in the buffer.
func (w *Watcher) pass(a *aw.AcctWatcher, token string) {
	a.Advance(token)
	if a.Buffered() == 0 {
		if err := a.Commit(w.db, token); err != nil {
			log.Printf("[%s] Error saving checkpoint: %e", a.Account, err)
		}
	}
}

// flush publishes the buffered events in original order, persisting the cursor after each one. It stops at the
// first broker failure, leaving the rest buffered for the next round.
func (w *Watcher) flush(a *aw.AcctWatcher) error {
	for {
		pend := a.Pending()
		if len(pend) == 0 {
			metrics.EventsBuffered.WithLabelValues(a.Account).Set(0)
			return nil
		}

		ev := pend[0]
		if err := w.mb.SendEvents(a.Account, []msg.Event{ev}); err != nil {
			metrics.EventsBuffered.WithLabelValues(a.Account).Set(float64(a.Buffered()))
			return err
		}
		a.Drop(1)
		metrics.EventsPublished.WithLabelValues(a.Account).Inc()

		// publish first, persist after: a crash between the two re-delivers rather than loses
		if err := a.Commit(w.db, ev.PagingToken); err != nil {
			log.Printf("[%s] Error saving checkpoint: %e", a.Account, err)
			return err
		}
	}
}

// ManageWatchRequests starts a go routine to receive and manage worker requests for accounts to be watched or
// unwatched.
func (w *Watcher) ManageWatchRequests() error {
	var mut *sync.Mutex = new(sync.Mutex)

	mut.Lock()

	reqCh, errCh, err := w.mb.GetReqs(mut)
	if err != nil {
		return fmt.Errorf("watcher: cannot get requests: %w", err)
	}

	// the listener holds a wait group slot so the service keeps running while it does, even when no account is
	// watched
	rc := make(chan struct{})
	w.mu.Lock()
	w.rc = rc
	w.mu.Unlock()
	w.wg.Add(1)

	// launch request channel reader
	go func() {
		defer w.wg.Done()
		log.Printf("Start listening to watch request channel")

		for {
			select {
			case <-rc:
				log.Printf("Stop listening to watch request channel")

				return
			case req, ok := (<-reqCh):
				if !ok {
					log.Printf("Stop listening to watch request channel")

					return
				}

				log.Printf("Received request %+v", req)
				// validate request
				if !req.Valid() {
					log.Printf("Request has wrong type %d, missing account %q or wrong action %d",
						req.Type, req.Account, req.Act)
					mut.Unlock()

					continue
				}
				// process account
				if req.Act == msg.LISTEN {
					// save it to DB
					if _, err := w.db.AddWatch(store.WatchedAccount{Account: req.Account, Asset: req.Asset}); err != nil {
						log.Printf("[%s] Error adding watched account to DB %e", req.Account, err)
					}
					// start watching it
					if err := w.WatchAccount(req.Account, req.Asset); err != nil {
						log.Printf("[%s] Error starting account watcher %e", req.Account, err)
					}
				} else {
					w.mu.Lock()
					a, ok := w.am[req.Account]
					if ok {
						a.Stop()
						delete(w.am, req.Account)
					}
					w.mu.Unlock()
					if !ok {
						log.Printf("[%s] Watched account not found. Ignoring...", req.Account)
					}
					// delete from DB
					if err := w.db.RemoveWatch(req.Account); err != nil {
						log.Printf("[%s] Error deleting watched account from DB %e", req.Account, err)
					}
				}

				mut.Unlock()
			case e, ok := (<-errCh):
				if !ok {
					log.Printf("Stop listening to watch request error channel")

					return
				}

				log.Printf("Received error %+v", e)
			}
		}
	}()

	return nil
}
