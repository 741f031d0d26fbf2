package stellar

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stellar/go/keypair"

	"github.com/averlon/anchorwatch/lib/ledger"
)

const (
	watched = "GDUKMGUGDZQK6YHYA5Z6AY2G4XDSZPSZ3SW5UN3ARVMO6QSRDWP5YLEX"
	sender  = "GCKFBEIYTKP5RDBQMUTAPDCFZDFNVTQNXUCUZMAQYVWLQHTQBDKTRZY6"
)

// paymentsPage is a sample Horizon payments page: a credit payment into the watched account, an account creation,
// a payment from a failed ledger transaction and a payment record missing its amount.
var paymentsPage = `{
  "_embedded": {
    "records": [
      {
        "id": "123456789-1",
        "paging_token": "123456789",
        "transaction_successful": true,
        "source_account": "` + sender + `",
        "type": "payment",
        "type_i": 1,
        "created_at": "2024-05-01T12:00:00Z",
        "transaction_hash": "2374e99349b9ef7dba9a5db3339b78fda8f34777b1af33ba468ad5c0df946d4d",
        "asset_type": "credit_alphanum4",
        "asset_code": "USD",
        "asset_issuer": "` + sender + `",
        "from": "` + sender + `",
        "to": "` + watched + `",
        "amount": "25.0000000"
      },
      {
        "id": "123456790-1",
        "paging_token": "123456790",
        "transaction_successful": true,
        "source_account": "` + sender + `",
        "type": "create_account",
        "type_i": 0,
        "created_at": "2024-05-01T12:01:00Z",
        "transaction_hash": "5b422945c99ec8bd8b29b0086aeb89027a774e54e7a25f2d9d7b9e31ae76b24c",
        "starting_balance": "2.0100000",
        "funder": "` + sender + `",
        "account": "` + watched + `"
      },
      {
        "id": "123456791-1",
        "paging_token": "123456791",
        "transaction_successful": false,
        "source_account": "` + sender + `",
        "type": "payment",
        "type_i": 1,
        "created_at": "2024-05-01T12:02:00Z",
        "transaction_hash": "91d116f9e1a1b1ab1ab1ab1ab1ab1ab1ab1ab1ab1ab1ab1ab1ab1ab1ab1ab1ab",
        "asset_type": "native",
        "from": "` + sender + `",
        "to": "` + watched + `",
        "amount": "1.0000000"
      },
      {
        "id": "123456792-1",
        "paging_token": "123456792",
        "transaction_successful": true,
        "source_account": "` + sender + `",
        "type": "payment",
        "type_i": 1,
        "created_at": "2024-05-01T12:03:00Z",
        "transaction_hash": "aad116f9e1a1b1ab1ab1ab1ab1ab1ab1ab1ab1ab1ab1ab1ab1ab1ab1ab1ab1ab",
        "asset_type": "native",
        "from": "` + sender + `",
        "to": "` + watched + `",
        "amount": ""
      }
    ]
  }
}`

var transactionDoc = `{
  "id": "2374e99349b9ef7dba9a5db3339b78fda8f34777b1af33ba468ad5c0df946d4d",
  "paging_token": "123456789",
  "hash": "2374e99349b9ef7dba9a5db3339b78fda8f34777b1af33ba468ad5c0df946d4d",
  "successful": true,
  "ledger": 1234,
  "created_at": "2024-05-01T12:00:00Z",
  "memo_type": "text",
  "memo": "withdraw-memo-1"
}`

var accountDoc = `{
  "id": "` + watched + `",
  "account_id": "` + watched + `",
  "sequence": "123456",
  "balances": [
    {"balance": "25.0000000", "asset_type": "credit_alphanum4", "asset_code": "USD", "asset_issuer": "` + sender + `"},
    {"balance": "100.0000000", "asset_type": "native"}
  ]
}`

var notFoundDoc = `{
  "type": "https://stellar.org/horizon-errors/not_found",
  "title": "Resource Missing",
  "status": 404,
  "detail": "The resource at the url requested was not found."
}`

var badRequestDoc = `{
  "type": "https://stellar.org/horizon-errors/bad_request",
  "title": "Bad Request",
  "status": 400,
  "detail": "The request you sent was invalid in some way.",
  "extras": {"invalid_field": "cursor", "reason": "cursor is invalid"}
}`

// mockHorizon serves the sample documents the way a Horizon server would.
func mockHorizon(t *testing.T) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/accounts/"+watched+"/payments", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("cursor") == "bad" {
			w.Header().Set("Content-Type", "application/problem+json")
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(badRequestDoc))

			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(paymentsPage))
	})
	mux.HandleFunc("/transactions/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(transactionDoc))
	})
	mux.HandleFunc("/accounts/"+watched, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(accountDoc))
	})
	mux.HandleFunc("/accounts/"+sender, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/problem+json")
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(notFoundDoc))
	})

	return httptest.NewServer(mux)
}

// TestPayments checks the mapping of a Horizon payments page: failed ledger transactions are dropped, account
// creations become native payments, records missing required fields come back flagged malformed with their paging
// token intact, and incoming payments carry the enclosing transaction's memo.
func TestPayments(t *testing.T) {
	srv := mockHorizon(t)
	defer srv.Close()

	s := New("stellar", srv.URL, "Test SDF Network ; September 2015")

	pays, err := s.Payments(context.Background(), watched, "", 200)
	if err != nil {
		t.Fatalf("err:%e", err)
	}

	if len(pays) != 3 {
		t.Fatalf("expected 3 payments (failed tx dropped) but got %d: %+v", len(pays), pays)
	}

	p := pays[0]
	if p.Malformed || p.From != sender || p.To != watched || p.AssetCode != "USD" || p.Amount != "25.0000000" {
		t.Errorf("payment does not match the served record: %+v", p)
	}
	if p.Memo != "withdraw-memo-1" || p.MemoType != "text" {
		t.Errorf("expected the transaction memo on the incoming payment: %+v", p)
	}

	ca := pays[1]
	if ca.Malformed || ca.From != sender || ca.To != watched || ca.AssetCode != "" || ca.Amount != "2.0100000" {
		t.Errorf("account creation was not normalized to a native payment: %+v", ca)
	}

	bad := pays[2]
	if !bad.Malformed || bad.PagingToken != "123456792" {
		t.Errorf("expected the short record flagged malformed with its paging token: %+v", bad)
	}
}

func TestPaymentsInvalidCursor(t *testing.T) {
	srv := mockHorizon(t)
	defer srv.Close()

	s := New("stellar", srv.URL, "Test SDF Network ; September 2015")

	_, err := s.Payments(context.Background(), watched, "bad", 200)
	if !errors.Is(err, ledger.ErrInvalidCursor) {
		t.Errorf("expected ErrInvalidCursor, got:%e", err)
	}
}

func TestPaymentsConnectivity(t *testing.T) {
	srv := mockHorizon(t)
	srv.Close() // server gone

	s := New("stellar", srv.URL, "Test SDF Network ; September 2015")

	_, err := s.Payments(context.Background(), watched, "", 200)
	if !errors.Is(err, ledger.ErrConnectivity) {
		t.Errorf("expected ErrConnectivity, got:%e", err)
	}
}

// submitMock serves the distribution account detail and hands transaction submissions to txHandler.
func submitMock(t *testing.T, kp *keypair.Full, txHandler http.HandlerFunc) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/accounts/"+kp.Address(), func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id": "` + kp.Address() + `", "account_id": "` + kp.Address() + `", "sequence": "123456"}`))
	})
	mux.HandleFunc("/transactions", txHandler)
	mux.HandleFunc("/accounts/"+watched+"/data/config.memo_required", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/problem+json")
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"type": "https://stellar.org/horizon-errors/not_found", "title": "Resource Missing", "status": 404}`))
	})

	return httptest.NewServer(mux)
}

func TestSubmitPayment(t *testing.T) {
	kp, err := keypair.Random()
	if err != nil {
		t.Fatalf("err:%e", err)
	}

	const hash = "1c1c4c9d8e7f2374e99349b9ef7dba9a5db3339b78fda8f34777b1af33ba468a"
	srv := submitMock(t, kp, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id": "` + hash + `", "hash": "` + hash + `", "successful": true, "ledger": 1234}`))
	})
	defer srv.Close()

	s := New("stellar", srv.URL, "Test SDF Network ; September 2015")

	got, err := s.SubmitPayment(context.Background(), kp.Seed(), watched, "USD", sender, "98.5000000")
	if err != nil {
		t.Fatalf("err:%e", err)
	}
	if got != hash {
		t.Errorf("expected transaction hash %s, got %s", hash, got)
	}
}

func TestSubmitPaymentNoTrustline(t *testing.T) {
	kp, err := keypair.Random()
	if err != nil {
		t.Fatalf("err:%e", err)
	}

	srv := submitMock(t, kp, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/problem+json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{
  "type": "https://stellar.org/horizon-errors/transaction_failed",
  "title": "Transaction Failed",
  "status": 400,
  "detail": "The transaction failed when submitted to the stellar network.",
  "extras": {"result_codes": {"transaction": "tx_failed", "operations": ["op_no_trust"]}}
}`))
	})
	defer srv.Close()

	s := New("stellar", srv.URL, "Test SDF Network ; September 2015")

	_, err = s.SubmitPayment(context.Background(), kp.Seed(), watched, "USD", sender, "98.5000000")
	if !errors.Is(err, ledger.ErrNoTrustline) {
		t.Errorf("expected ErrNoTrustline, got:%e", err)
	}
}

func TestAccountExists(t *testing.T) {
	srv := mockHorizon(t)
	defer srv.Close()

	s := New("stellar", srv.URL, "Test SDF Network ; September 2015")

	ok, err := s.AccountExists(context.Background(), watched)
	if err != nil || !ok {
		t.Errorf("expected the watched account to exist, ok:%v err:%e", ok, err)
	}

	ok, err = s.AccountExists(context.Background(), sender)
	if err != nil || ok {
		t.Errorf("expected the sender account to be missing, ok:%v err:%e", ok, err)
	}
}

func TestHasTrustline(t *testing.T) {
	srv := mockHorizon(t)
	defer srv.Close()

	s := New("stellar", srv.URL, "Test SDF Network ; September 2015")

	has, err := s.HasTrustline(context.Background(), watched, "USD", sender)
	if err != nil || !has {
		t.Errorf("expected a USD trustline, has:%v err:%e", has, err)
	}

	has, err = s.HasTrustline(context.Background(), watched, "EUR", sender)
	if err != nil || has {
		t.Errorf("did not expect a EUR trustline, has:%v err:%e", has, err)
	}
}
