// Package redis implements the message broker interface on Redis Streams, the broker of the original anchor
// deployment. Each topic maps to a stream consumed through a consumer group; entries are XACKed only after the
// consumer finishes with them, so delivery is at-least-once like the AMQP backend.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/averlon/anchorwatch/lib/msg"
)

// Stream and group names.
const (
	StreamEvents = "anw.le"
	StreamReqs   = "anw.wr"
	StreamTasks  = "anw.task"

	groupWorker  = "worker"
	groupWatcher = "watcher"

	readBlock = 5 * time.Second
	readCount = 16
)

// Redis implements a connection to a Redis server used as message broker.
type Redis struct {
	client *redis.Client
	ctx    context.Context
	cancel context.CancelFunc
}

// New instantiates a new Redis Streams broker.
func New(uri string) (msg.MsgBroker, error) {
	opts, err := redis.ParseURL(uri)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", msg.ErrBrokerUnavailable, err)
	}
	log.Printf("Connected to %s", uri)

	ctx, cancel := context.WithCancel(context.Background())

	return &Redis{client: client, ctx: ctx, cancel: cancel}, nil
}

// Setup creates the streams and consumer groups. An already existing group is not an error.
func (r *Redis) Setup(x interface{}) error {
	groups := []struct{ stream, group string }{
		{StreamEvents, groupWorker},
		{StreamReqs, groupWatcher},
		{StreamTasks, groupWorker},
	}
	for _, g := range groups {
		err := r.client.XGroupCreateMkStream(r.ctx, g.stream, g.group, "0").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			return fmt.Errorf("creating group %s on %s: %w", g.group, g.stream, err)
		}
	}
	return nil
}

// Close stops the consumer routines and closes the connection.
func (r *Redis) Close() error {
	r.cancel()
	return r.client.Close()
}

// add appends a JSON document to a stream.
func (r *Redis) add(stream string, doc []byte) error {
	err := r.client.XAdd(r.ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{"body": string(doc)},
	}).Err()
	if err != nil {
		return fmt.Errorf("%w: %v", msg.ErrBrokerUnavailable, err)
	}
	return nil
}

// SendEvents appends ledger events to the events stream, preserving publish order.
func (r *Redis) SendEvents(account string, evs []msg.Event) error {
	for _, e := range evs {
		jsonDoc, err := json.Marshal(e)
		if err != nil {
			return err
		}
		if err = r.add(StreamEvents, jsonDoc); err != nil {
			log.Printf("[%s] Error sending ledger event to message broker %e", account, err)
			return err
		}
	}
	return nil
}

// SendReq appends a watch request to the requests stream.
func (r *Redis) SendReq(wr msg.WatchReq) error {
	jsonDoc, err := json.Marshal(wr)
	if err != nil {
		return err
	}
	return r.add(StreamReqs, jsonDoc)
}

// SendTask appends a task message to the task stream.
func (r *Redis) SendTask(t msg.Task) error {
	jsonDoc, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return r.add(StreamTasks, jsonDoc)
}

// consume reads a consumer group in a background routine, passing each raw body and its ack to the given handler
// until the broker is closed.
func (r *Redis) consume(stream, group, consumer string, handler func(body []byte, ack func() error)) {
	go func() {
		for {
			res, err := r.client.XReadGroup(r.ctx, &redis.XReadGroupArgs{
				Group:    group,
				Consumer: consumer,
				Streams:  []string{stream, ">"},
				Count:    readCount,
				Block:    readBlock,
			}).Result()
			if err == redis.Nil {
				continue // no new entries within the block window
			}
			if err != nil {
				if r.ctx.Err() != nil {
					return
				}
				log.Printf("Error reading stream %s: %e", stream, err)
				time.Sleep(time.Second)

				continue
			}
			for _, s := range res {
				for _, m := range s.Messages {
					id := m.ID
					body, _ := m.Values["body"].(string)
					handler([]byte(body), func() error {
						return r.client.XAck(r.ctx, stream, group, id).Err()
					})
				}
			}
		}
	}()
}

// GetEvents consumes ledger events from the events stream. The Mutex pointer is provided to ensure the consumed
// message has been fully dealt with by the management function, so the entry is only XACKed when the mutex is
// unlocked.
func (r *Redis) GetEvents(mut *sync.Mutex) (<-chan msg.Event, <-chan error, error) {
	eves := make(chan msg.Event)
	errors := make(chan error)
	r.consume(StreamEvents, groupWorker, "worker-le", func(body []byte, ack func() error) {
		var ev msg.Event
		if err := json.Unmarshal(body, &ev); err != nil || !ev.Valid() {
			errors <- fmt.Errorf("%w: %v", msg.ErrBadMessage, err)
			ack() //nolint:errcheck // discard, a malformed event never becomes readable

			return
		}
		eves <- ev
		mut.Lock() // wait for the worker to finish processing the event
		if err := ack(); err != nil {
			log.Printf("Error acking event %s: %e", ev.ID, err)
		}
	})
	return eves, errors, nil
}

// GetReqs consumes watch requests from the requests stream with the same mutex-gated acknowledge as GetEvents.
func (r *Redis) GetReqs(mut *sync.Mutex) (<-chan msg.WatchReq, <-chan error, error) {
	reqs := make(chan msg.WatchReq)
	errors := make(chan error)
	r.consume(StreamReqs, groupWatcher, "watcher-wr", func(body []byte, ack func() error) {
		var req msg.WatchReq
		if err := json.Unmarshal(body, &req); err != nil {
			errors <- fmt.Errorf("%w: %v", msg.ErrBadMessage, err)
			ack() //nolint:errcheck

			return
		}
		reqs <- req
		mut.Lock() // wait for the watcher to finish processing the request
		if err := ack(); err != nil {
			log.Printf("Error acking request for %s: %e", req.Account, err)
		}
	})
	return reqs, errors, nil
}

// GetTasks consumes task messages. Each delivery carries its own Ack/Nack so the worker pool acknowledges tasks
// individually after completion. Nack with requeue re-appends the task, since a group entry cannot be re-delivered
// to the same consumer.
func (r *Redis) GetTasks() (<-chan msg.TaskDelivery, <-chan error, error) {
	tasks := make(chan msg.TaskDelivery)
	errors := make(chan error)
	r.consume(StreamTasks, groupWorker, "worker-task", func(body []byte, ack func() error) {
		var t msg.Task
		if err := json.Unmarshal(body, &t); err != nil || !t.Valid() {
			errors <- fmt.Errorf("%w: %v", msg.ErrBadMessage, err)
			ack() //nolint:errcheck

			return
		}
		tasks <- msg.TaskDelivery{
			Task: t,
			Ack:  ack,
			Nack: func(requeue bool) error {
				if requeue {
					if err := r.SendTask(t); err != nil {
						return err
					}
				}
				return ack()
			},
		}
	})
	return tasks, errors, nil
}
