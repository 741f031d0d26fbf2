package worker

import (
	"errors"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/averlon/anchorwatch/lib/config"
	"github.com/averlon/anchorwatch/lib/metrics"
	"github.com/averlon/anchorwatch/lib/msg"
	"github.com/averlon/anchorwatch/lib/store"
)

// beatTick is how often the scheduler evaluates the configured schedules.
const beatTick = time.Second

// Beat starts the scheduler go routine firing the configured recurring tasks. A schedule fires when its interval
// has elapsed since the persisted last-fired mark; the mark is claimed with a compare-and-set, so a restart within
// the interval, or a second worker running its own beat, fires each schedule at most once per interval.
func (w *Worker) Beat() {
	if len(w.schedules) == 0 {
		log.Printf("No schedules configured, beat disabled")

		return
	}

	w.bc = make(chan struct{})

	go func() {
		log.Printf("Beat scheduler started with %d schedules", len(w.schedules))

		tick := time.NewTicker(beatTick)
		defer tick.Stop()

		for {
			select {
			case <-w.bc:
				log.Printf("Beat scheduler stopped")

				return
			case <-tick.C:
				for _, s := range w.schedules {
					w.fire(s)
				}
			}
		}
	}()
}

// fire enqueues the schedule's task when it is due and this beat wins the claim on the last-fired mark.
func (w *Worker) fire(s config.Schedule) {
	interval := time.Duration(s.IntervalSeconds) * time.Second
	if interval <= 0 {
		return
	}

	last, err := w.db.LastFired(s.Name)
	if err != nil && !errors.Is(err, store.ErrDataNotFound) {
		log.Printf("[beat] Cannot read last-fired mark of %s: %e", s.Name, err)

		return
	}

	now := time.Now().UTC()
	if now.Sub(last) < interval {
		return
	}

	won, err := w.db.MarkFired(s.Name, last, now)
	if err != nil {
		log.Printf("[beat] Cannot claim schedule %s: %e", s.Name, err)

		return
	}
	if !won {
		// another beat already fired this interval
		return
	}

	t := msg.Task{
		ID:         uuid.NewString(),
		Kind:       s.Task,
		MaxRetries: w.maxRetries,
		Scheduled:  true,
		EnqueuedAt: now,
	}

	if err := w.mb.SendTask(t); err != nil {
		// the claim is already burnt; the schedule catches up on the next interval
		log.Printf("[beat] Cannot enqueue scheduled task %s: %e", s.Task, err)

		return
	}

	metrics.SchedulesFired.WithLabelValues(s.Name).Inc()
	log.Printf("[beat] Fired schedule %s (task %s)", s.Name, t.ID)
}
