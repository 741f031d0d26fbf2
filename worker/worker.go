// package worker implements the worker microservice.
//
// The worker runs the task pool executing anchor tasks (deposits, withdrawal matching, trustline checks), the beat
// scheduler firing recurring tasks, and a RESTful API for clients to create transactions and manage watched
// accounts. Ledger events published by the watcher service are consumed from the message broker and turned into
// tasks.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/stellar/go/keypair"

	"github.com/averlon/anchorwatch/lib/config"
	"github.com/averlon/anchorwatch/lib/ledger"
	"github.com/averlon/anchorwatch/lib/metrics"
	"github.com/averlon/anchorwatch/lib/msg"
	"github.com/averlon/anchorwatch/lib/retry"
	"github.com/averlon/anchorwatch/lib/store"
	"github.com/averlon/anchorwatch/lib/store/db"
)

// Worker contains the data necessary to deliver the service
type Worker struct {
	dbtype      string
	db          store.DB
	lc          ledger.Chain
	mb          msg.MsgBroker
	assets      map[string]config.Asset // anchored assets by code
	distAddr    map[string]string       // distribution account address by asset code
	handlers    map[string]Handler
	schedules   []config.Schedule
	count       int           // pool size
	maxRetries  int           // per-task retry limit
	taskTimeout time.Duration // per-task wall clock limit
	s           *http.Server  // http server
	ss          *http.Server  // https server
	sc          chan struct{} // http server channel used for graceful shutdowns
	bc          chan struct{} // beat scheduler channel used for graceful shutdowns
	wg          sync.WaitGroup
}

// New returns a pointer to a new Worker service. The distribution account address of each anchored asset is derived
// from its seed; assets with an unparseable seed are rejected.
func New(dbtype string, dbConn store.DB, mb msg.MsgBroker, lc ledger.Chain, conf config.ServiceConfig) (*Worker, error) {
	w := &Worker{
		dbtype:      dbtype,
		db:          dbConn,
		mb:          mb,
		lc:          lc,
		assets:      make(map[string]config.Asset, len(conf.Assets)),
		distAddr:    make(map[string]string, len(conf.Assets)),
		schedules:   conf.Schedules,
		count:       conf.Workers.Count,
		maxRetries:  conf.Workers.MaxRetries,
		taskTimeout: time.Duration(conf.Workers.TaskTimeoutSeconds) * time.Second,
	}
	if w.count <= 0 {
		w.count = 1
	}
	if w.taskTimeout <= 0 {
		w.taskTimeout = 30 * time.Second
	}

	for _, a := range conf.Assets {
		w.assets[a.Code] = a

		if a.DistributionSeed == "" {
			continue
		}

		kp, err := keypair.ParseFull(a.DistributionSeed)
		if err != nil {
			return nil, fmt.Errorf("worker: asset %s: invalid distribution seed: %w", a.Code, err)
		}
		w.distAddr[a.Code] = kp.Address()
	}

	w.handlers = map[string]Handler{
		TaskDeposit:    w.createStellarDeposit,
		TaskPayment:    w.processPayment,
		TaskTrustlines: w.checkTrustlines,
	}

	return w, nil
}

// StopWorker shuts down the http servers implementing the RESTful API, stops the beat scheduler and closes
// gracefully the connections to message broker and database. Tasks already picked by the pool finish first.
func (w *Worker) StopWorker() {
	var err error
	// shutdown http server
	if w.s != nil {
		if err = w.s.Shutdown(context.Background()); err != nil {
			log.Printf("Error in http server shutdown:%e", err)
		}
	}
	if w.ss != nil {
		if err = w.ss.Shutdown(context.Background()); err != nil {
			log.Printf("Error in https server shutdown:%e", err)
		}
	}
	if w.sc != nil {
		close(w.sc) // close server channels to indicate shutdowns have finished
	}
	// stop beat scheduler
	if w.bc != nil {
		close(w.bc)
	}
	// close message broker; the pool routines drain when their channels close
	if err = w.mb.Close(); err != nil {
		log.Printf("Error closing message broker:%e", err)
	}
	w.wg.Wait()
	// close database
	if w.db != nil {
		err = db.Close(w.dbtype, w.db)
		log.Printf("Disconnecting %v database, err:%e\n", w.dbtype, err)
	}
}

// Run starts the task pool: count go routines consuming the task queue. A task is acknowledged only after it
// completed, was re-queued for retry or was dead-lettered, so a worker crash mid-task re-delivers it.
func (w *Worker) Run() error {
	taskCh, errCh, err := w.mb.GetTasks()
	if err != nil {
		return fmt.Errorf("worker: cannot get tasks: %w", err)
	}

	for i := 0; i < w.count; i++ {
		w.wg.Add(1)

		go func(id int) {
			defer w.wg.Done()
			log.Printf("[worker %d] Start consuming task queue", id)

			for d := range taskCh {
				w.process(id, d)
			}

			log.Printf("[worker %d] Stop consuming task queue", id)
		}(i)
	}

	// launch error channel reader
	go func() {
		for e := range errCh {
			log.Printf("Received task queue error %+v", e)
		}
	}()

	return nil
}

// process runs one delivered task through its handler and settles the delivery.
func (w *Worker) process(id int, d msg.TaskDelivery) {
	t := d.Task

	if !t.Valid() {
		log.Printf("[worker %d] Dropping invalid task %+v", id, t)

		if err := d.Ack(); err != nil {
			log.Printf("[worker %d] Error acking invalid task: %e", id, err)
		}

		return
	}

	// honor the retry backoff
	if wait := time.Until(t.NotBefore); wait > 0 {
		time.Sleep(wait)
	}

	start := time.Now()
	err := w.execute(t)
	metrics.TaskDuration.WithLabelValues(t.Kind).Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		metrics.TasksExecuted.WithLabelValues(t.Kind, "succeeded").Inc()
	case errors.Is(err, ErrPermanent), errors.Is(err, ErrUnknownTask), t.Retries+1 >= w.retriesFor(t):
		w.deadLetter(id, t, err)
	default:
		w.requeue(id, d, err)

		return // requeue settles the delivery itself
	}

	if errAck := d.Ack(); errAck != nil {
		log.Printf("[worker %d] Error acking task %s: %e", id, t.ID, errAck)
	}
}

// execute runs the task handler under the per-task timeout, converting a panic into an error so one bad task never
// takes the pool down. The handler runs in its own go routine; when the timeout expires the attempt fails with the
// context error and the pool slot is freed even if the handler is still blocked on a dependency ignoring its
// context.
func (w *Worker) execute(t msg.Task) error {
	h, ok := w.handlers[t.Kind]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, t.Kind)
	}

	ctx, cancel := context.WithTimeout(context.Background(), w.taskTimeout)
	defer cancel()

	done := make(chan error, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				err := fmt.Errorf("task %s (%s) panicked: %v", t.ID, t.Kind, r)
				log.Printf("%e", err)
				done <- err
			}
		}()

		done <- h(ctx, t)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("task %s (%s) ran past its %v limit: %w", t.ID, t.Kind, w.taskTimeout, ctx.Err())
	}
}

// retriesFor returns the task's retry limit, falling back to the pool default.
func (w *Worker) retriesFor(t msg.Task) int {
	if t.MaxRetries > 0 {
		return t.MaxRetries
	}

	return w.maxRetries
}

// requeue re-publishes the failed task with its retry count bumped and a backoff delay, then acknowledges the
// original delivery. When the re-publish fails the delivery is nacked back to the queue instead.
func (w *Worker) requeue(id int, d msg.TaskDelivery, cause error) {
	t := d.Task

	log.Printf("[worker %d] Task %s (%s) failed attempt %d: %e", id, t.ID, t.Kind, t.Retries+1, cause)
	metrics.TasksExecuted.WithLabelValues(t.Kind, "retrying").Inc()
	metrics.TaskRetries.WithLabelValues(t.Kind).Inc()

	nt := t
	nt.Retries++
	nt.NotBefore = time.Now().UTC().Add(retry.Delay(nt.Retries))

	// ack only once the retry is safely queued
	if err := w.mb.SendTask(nt); err != nil {
		log.Printf("[worker %d] Cannot re-queue task %s, returning delivery: %e", id, t.ID, err)

		if errNack := d.Nack(true); errNack != nil {
			log.Printf("[worker %d] Error nacking task %s: %e", id, t.ID, errNack)
		}

		return
	}

	if errAck := d.Ack(); errAck != nil {
		log.Printf("[worker %d] Error acking task %s: %e", id, t.ID, errAck)
	}
}

// deadLetter stores the exhausted task for operator inspection. Dead letters are never re-queued automatically.
func (w *Worker) deadLetter(id int, t msg.Task, cause error) {
	log.Printf("[worker %d] Task %s (%s) dead-lettered after %d retries: %e", id, t.ID, t.Kind, t.Retries, cause)
	metrics.TasksExecuted.WithLabelValues(t.Kind, "failed").Inc()
	metrics.DeadLetters.WithLabelValues(t.Kind).Inc()

	dl := store.DeadLetter{
		TaskID:   t.ID,
		Kind:     t.Kind,
		Payload:  t.Payload,
		Retries:  t.Retries,
		Error:    fmt.Sprintf("%v", cause),
		FailedAt: time.Now().UTC(),
	}
	if err := w.db.AddDeadLetter(dl); err != nil {
		log.Printf("[worker %d] Error storing dead letter for task %s: %e", id, t.ID, err)
	}
}

// ManageEvents starts a go routine to consume the ledger events published by the watcher service. Every valid event
// is turned into a process_payment task; the event is acknowledged only once its task is safely queued.
func (w *Worker) ManageEvents() error {
	var mut *sync.Mutex = new(sync.Mutex)

	mut.Lock()

	eveCh, errCh, err := w.mb.GetEvents(mut)
	if err != nil {
		return fmt.Errorf("worker: cannot get events: %w", err)
	}

	// launch event channel reader
	go func() {
		log.Printf("Start listening to ledger event channel")

		for eve := range eveCh {
			log.Printf("Received event %+v", eve)

			if !eve.Valid() {
				log.Printf("Dropping invalid event %+v", eve)
				mut.Unlock()

				continue
			}

			pl, _ := json.Marshal(eve)
			t := msg.Task{
				ID:         uuid.NewString(),
				Kind:       TaskPayment,
				Payload:    pl,
				MaxRetries: w.maxRetries,
				EnqueuedAt: time.Now().UTC(),
			}

			// the event source is the broker itself, so block until it takes the task back
			if errSend := retry.Do(context.Background(), 0, func() error { return w.mb.SendTask(t) }); errSend != nil {
				log.Printf("Cannot enqueue payment task for event %s: %e", eve.ID, errSend)
			}

			mut.Unlock()
		}

		log.Printf("Stop listening to ledger event channel")
	}()

	// launch error channel reader
	go func() {
		for e := range errCh {
			log.Printf("Received event channel error %+v", e)
		}
	}()

	return nil
}
