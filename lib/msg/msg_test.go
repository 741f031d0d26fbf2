package msg

import (
	"encoding/json"
	"reflect"
	"testing"
	"time"
)

func TestWatchReqValid(t *testing.T) {
	if !(WatchReq{Type: ACCOUNT, Account: "GABC", Act: LISTEN}).Valid() {
		t.Errorf("expected valid listen request")
	}
	if !(WatchReq{Type: ACCOUNT, Account: "GABC", Act: UNLISTEN}).Valid() {
		t.Errorf("expected valid unlisten request")
	}
	if (WatchReq{Type: ACCOUNT, Act: LISTEN}).Valid() {
		t.Errorf("request without account should not be valid")
	}
	if (WatchReq{Type: EXIT, Account: "GABC", Act: LISTEN}).Valid() {
		t.Errorf("request with wrong type should not be valid")
	}
	if (WatchReq{Type: ACCOUNT, Account: "GABC", Act: 7}).Valid() {
		t.Errorf("request with unknown action should not be valid")
	}
}

func TestEventValid(t *testing.T) {
	ev := Event{
		ID:          "12345-1",
		PagingToken: "12345",
		Account:     "GABC",
		Amount:      "10.0000000",
		LedgerTime:  time.Now(),
	}
	if !ev.Valid() {
		t.Errorf("expected valid event %+v", ev)
	}

	ev.PagingToken = ""
	if ev.Valid() {
		t.Errorf("event without paging token should not be valid")
	}
}

// TestEventRoundTrip checks an event survives the wire encoding unchanged.
func TestEventRoundTrip(t *testing.T) {
	ev := Event{
		ID:          "123456789-1",
		PagingToken: "123456789",
		Account:     "GABC",
		TxHash:      "2374e99349b9ef7dba9a5db3339b78fda8f34777b1af33ba468ad5c0df946d4d",
		From:        "GSENDER",
		To:          "GABC",
		AssetCode:   "USD",
		AssetIssuer: "GISSUER",
		Amount:      "25.0000000",
		Memo:        "withdraw-memo-1",
		MemoType:    "text",
		LedgerTime:  time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}

	b, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("err:%e", err)
	}

	var got Event
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatalf("err:%e", err)
	}

	if !got.LedgerTime.Equal(ev.LedgerTime) {
		t.Errorf("ledger time changed over the wire: sent %v got %v", ev.LedgerTime, got.LedgerTime)
	}
	got.LedgerTime = ev.LedgerTime
	if !reflect.DeepEqual(ev, got) {
		t.Errorf("event changed over the wire: sent %+v got %+v", ev, got)
	}
}

func TestTaskValid(t *testing.T) {
	if !(Task{ID: "t1", Kind: "create_stellar_deposit"}).Valid() {
		t.Errorf("expected valid task")
	}
	if (Task{Kind: "create_stellar_deposit"}).Valid() {
		t.Errorf("task without id should not be valid")
	}
	if (Task{ID: "t1"}).Valid() {
		t.Errorf("task without kind should not be valid")
	}
}
