// Package amqp implements the message broker interface for AMQP compliant brokers (ie RabbitMQ)
package amqp

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/streadway/amqp"

	"github.com/averlon/anchorwatch/lib/msg"
)

// Amqp implements a connection to a broker and a channel for reuse.
type Amqp struct {
	conn *amqp.Connection
	ch   *amqp.Channel
}

// New instantiates a new amqp broker.
func New(uri string) (msg.MsgBroker, error) {
	r := Amqp{}
	var err error

	if r.conn, err = amqp.Dial(uri); err != nil {
		return &r, fmt.Errorf("%w: %v", msg.ErrBrokerUnavailable, err)
	}
	r.ch = nil
	log.Printf("Connected to %s", uri)

	return &r, nil
}

// Setup obtains an amqp channel and declares the message broker exchanges and queues:
//
// - le ("ledger events"): the watcher service publishes ledger events to this exchange
//
// - wr ("watch requests"): the worker service publishes watch requests to this exchange
//
// - task: the durable queue holding task messages for the worker pool
func (r *Amqp) Setup(x interface{}) error {
	// obtain a one-use channel
	channel, err := r.conn.Channel()
	if err != nil {
		return err
	}
	defer channel.Close()
	// declare exchanges
	if err = channel.ExchangeDeclare("le", "topic", true, false, false, false, nil); err != nil {
		return err
	}
	if err = channel.ExchangeDeclare("wr", "topic", true, false, false, false, nil); err != nil {
		return err
	}
	// declare the task queue
	_, err = channel.QueueDeclare("task", true, false, false, false, nil)
	return err
}

// Close terminates gracefully the connection to the AMQP message broker
func (r *Amqp) Close() error {
	if r.ch != nil {
		if err := r.ch.Close(); err != nil {
			log.Printf("Error closing amqp.Channel:%e", err)
		}
		r.ch = nil
		log.Printf("amqp.Channel closed!")
	}
	return r.conn.Close()
}

// channel returns the reusable channel, opening it when not present.
func (r *Amqp) channel() (*amqp.Channel, error) {
	var err error
	if r.ch == nil {
		if r.ch, err = r.conn.Channel(); err != nil {
			return nil, fmt.Errorf("%w: %v", msg.ErrBrokerUnavailable, err)
		}
	}
	return r.ch, nil
}

// SendEvents publishes ledger events to the "le" exchange. On a publish error the channel is dropped so the next
// call redials, and ErrBrokerUnavailable is returned for the watcher to buffer and retry.
func (r *Amqp) SendEvents(account string, evs []msg.Event) error {
	for _, e := range evs {
		// marshal to JSON
		jsonDoc, err := json.Marshal(e)
		if err != nil {
			return err
		}
		ch, err := r.channel()
		if err != nil {
			return err
		}
		// build body
		m := amqp.Publishing{
			Headers:     amqp.Table{"x-event-id": e.ID},
			Body:        jsonDoc,
			ContentType: "application/json",
		}
		// publish
		if err = ch.Publish("le", account+".pay."+e.ID, false, false, m); err != nil {
			log.Printf("[%s] Error sending ledger event to message broker %e", account, err)
			r.ch = nil

			return fmt.Errorf("%w: %v", msg.ErrBrokerUnavailable, err)
		}
	}
	return nil
}

// SendReq publishes a new watch request to the "wr" exchange
func (r *Amqp) SendReq(wr msg.WatchReq) error {
	// marshal to JSON
	jsonDoc, err := json.Marshal(wr)
	if err != nil {
		return err
	}
	ch, err := r.channel()
	if err != nil {
		return err
	}
	// build body
	m := amqp.Publishing{
		Headers:     amqp.Table{"x-wreq-name": wr.Account},
		Body:        jsonDoc,
		ContentType: "application/json",
	}
	// publish
	if err = ch.Publish("wr", "acct."+wr.Account, false, false, m); err != nil {
		log.Printf("[%s] Error sending watch request to message broker %e", wr.Account, err)
		r.ch = nil

		return fmt.Errorf("%w: %v", msg.ErrBrokerUnavailable, err)
	}
	return nil
}

// SendTask publishes a task message to the durable "task" queue via the default exchange.
func (r *Amqp) SendTask(t msg.Task) error {
	jsonDoc, err := json.Marshal(t)
	if err != nil {
		return err
	}
	ch, err := r.channel()
	if err != nil {
		return err
	}
	m := amqp.Publishing{
		Headers:      amqp.Table{"x-task-id": t.ID, "x-task-kind": t.Kind},
		Body:         jsonDoc,
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
	}
	if err = ch.Publish("", "task", false, false, m); err != nil {
		log.Printf("Error sending task %s to message broker %e", t.ID, err)
		r.ch = nil

		return fmt.Errorf("%w: %v", msg.ErrBrokerUnavailable, err)
	}
	return nil
}

// GetEvents consumes ledger events from the "le" exchange pushing them to the returned channel. The Mutex pointer
// is provided to ensure the consumed message has been fully dealt with by the management function, so the message
// consumed is only acknowledged when the mutex is unlocked.
func (r *Amqp) GetEvents(mut *sync.Mutex) (<-chan msg.Event, <-chan error, error) {
	ch, err := r.channel()
	if err != nil {
		return nil, nil, err
	}
	// declare queue
	if _, err = ch.QueueDeclare("le.worker", true, false, false, false, nil); err != nil {
		return nil, nil, err
	}
	// bind queue to exchange
	if err = ch.QueueBind("le.worker", "*.pay.*", "le", false, nil); err != nil {
		return nil, nil, err
	}
	// create channel for receiving events
	msgs, errCons := ch.Consume("le.worker", "worker-le", false, false, false, false, nil)
	if errCons != nil {
		return nil, nil, errCons
	}
	// define channels to return
	eves := make(chan msg.Event)
	errors := make(chan error)
	// start routine to consume messages from broker
	go func() {
		for m := range msgs {
			var ev msg.Event
			if err := json.Unmarshal(m.Body, &ev); err != nil || !ev.Valid() {
				errors <- fmt.Errorf("%w: %v", msg.ErrBadMessage, err)
				m.Ack(false) // discard, a malformed event never becomes readable

				continue
			}
			eves <- ev
			mut.Lock() // wait for the worker to finish processing the event
			m.Ack(false)
		}
	}()
	return eves, errors, nil
}

// GetReqs consumes watch requests from the "wr" exchange pushing them to the returned channel. The Mutex pointer is
// provided to ensure the consumed message has been fully dealt with by the management function, so the message
// consumed is only acknowledged when the mutex is unlocked.
func (r *Amqp) GetReqs(mut *sync.Mutex) (<-chan msg.WatchReq, <-chan error, error) {
	ch, err := r.channel()
	if err != nil {
		return nil, nil, err
	}
	// declare queue
	if _, err = ch.QueueDeclare("wr.watcher", true, false, false, false, nil); err != nil {
		return nil, nil, err
	}
	// bind queue to exchange
	if err = ch.QueueBind("wr.watcher", "acct.*", "wr", false, nil); err != nil {
		return nil, nil, err
	}
	// create channel for receiving requests
	msgs, errCons := ch.Consume("wr.watcher", "watcher-wr", false, false, false, false, nil)
	if errCons != nil {
		return nil, nil, errCons
	}
	// define channels to return
	reqs := make(chan msg.WatchReq)
	errors := make(chan error)
	// start routine to consume messages from broker
	go func() {
		for m := range msgs {
			var req msg.WatchReq
			if err := json.Unmarshal(m.Body, &req); err != nil {
				errors <- fmt.Errorf("%w: %v", msg.ErrBadMessage, err)
				m.Ack(false)

				continue
			}
			reqs <- req
			mut.Lock() // wait for the watcher to finish processing the request
			m.Ack(false)
		}
	}()
	return reqs, errors, nil
}

// GetTasks consumes task messages from the "task" queue. Unlike events and requests, tasks run concurrently on the
// worker pool, so each delivery carries its own Ack/Nack and is acknowledged individually after the task completes.
func (r *Amqp) GetTasks() (<-chan msg.TaskDelivery, <-chan error, error) {
	ch, err := r.channel()
	if err != nil {
		return nil, nil, err
	}
	if _, err = ch.QueueDeclare("task", true, false, false, false, nil); err != nil {
		return nil, nil, err
	}
	msgs, errCons := ch.Consume("task", "worker-task", false, false, false, false, nil)
	if errCons != nil {
		return nil, nil, errCons
	}
	tasks := make(chan msg.TaskDelivery)
	errors := make(chan error)
	go func() {
		for m := range msgs {
			var t msg.Task
			if err := json.Unmarshal(m.Body, &t); err != nil || !t.Valid() {
				errors <- fmt.Errorf("%w: %v", msg.ErrBadMessage, err)
				m.Ack(false)

				continue
			}
			d := m // capture the delivery for the closures
			tasks <- msg.TaskDelivery{
				Task: t,
				Ack:  func() error { return d.Ack(false) },
				Nack: func(requeue bool) error { return d.Nack(false, requeue) },
			}
		}
	}()
	return tasks, errors, nil
}
