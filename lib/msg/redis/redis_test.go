// +build integration

package redis

import (
	"sync"
	"testing"

	"github.com/averlon/anchorwatch/lib/msg"
)

// TestRedis tests the broker functionality over Redis Streams. This test requires an available Redis server at
// localhost:6379.
func TestRedis(t *testing.T) {
	b, err := New("redis://localhost:6379/0")
	if err != nil {
		t.Fatalf("Error creating broker:%e", err)
	}

	defer b.Close()

	if err = b.Setup(nil); err != nil {
		t.Errorf("Error setting up broker:%e", err)
	}
	// a second setup must tolerate the existing groups
	if err = b.Setup(nil); err != nil {
		t.Errorf("Error setting up broker twice:%e", err)
	}

	// Test sending and getting watch requests. The mutex starts locked the way the management functions hold it,
	// so the consumer only acks once the test is done with the message.
	var mut = new(sync.Mutex)
	mut.Lock()
	req, _, errRe := b.GetReqs(mut)
	if errRe != nil {
		t.Errorf("Error getting requests:%e", errRe)
	}

	err = b.SendReq(msg.WatchReq{Type: msg.ACCOUNT, Account: "GABCD", Asset: "USD", Act: msg.LISTEN})
	wr := <-req
	if err != nil || wr.Account != "GABCD" || wr.Type != msg.ACCOUNT || wr.Asset != "USD" || wr.Act != msg.LISTEN {
		t.Errorf("Error got request that does not match the sent one! err:%e wr:%+v", err, wr)
	}
	mut.Unlock()

	// Test sending and getting ledger events
	var mutEv = new(sync.Mutex)
	mutEv.Lock()
	eve, _, errGe := b.GetEvents(mutEv)
	if errGe != nil {
		t.Errorf("Error getting events:%e", errGe)
	}

	err = b.SendEvents("GABCD", []msg.Event{{ID: "12345-1", PagingToken: "12345", Account: "GABCD", Amount: "10.0000000"}})
	ev := <-eve
	if err != nil || ev.ID != "12345-1" || ev.PagingToken != "12345" || ev.Account != "GABCD" {
		t.Errorf("Error got event that does not match the sent one! err:%e ev:%+v", err, ev)
	}
	mutEv.Unlock()

	// Test sending and getting tasks, and that nack with requeue re-delivers
	tasks, _, errTa := b.GetTasks()
	if errTa != nil {
		t.Errorf("Error getting tasks:%e", errTa)
	}

	err = b.SendTask(msg.Task{ID: "t1", Kind: "create_stellar_deposit", MaxRetries: 3})
	d := <-tasks
	if err != nil || d.Task.ID != "t1" || d.Task.Kind != "create_stellar_deposit" {
		t.Errorf("Error got task that does not match the sent one! err:%e t:%+v", err, d.Task)
	}
	if err = d.Nack(true); err != nil {
		t.Errorf("Error nacking task:%e", err)
	}

	d = <-tasks // the requeued copy
	if d.Task.ID != "t1" {
		t.Errorf("Expected the requeued task, got %+v", d.Task)
	}
	if err = d.Ack(); err != nil {
		t.Errorf("Error acking task:%e", err)
	}
}
