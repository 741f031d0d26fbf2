package worker

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/stellar/go/strkey"

	"github.com/averlon/anchorwatch/lib/msg"
	"github.com/averlon/anchorwatch/lib/store"
	"github.com/averlon/anchorwatch/lib/util"
)

// default page size of list endpoints
const defaultLimit = 50

// Errors returned to client requests.
var (
	ErrBadMethod  = errors.New("bad method in request")
	ErrBadrequest = errors.New("bad request")
	ErrBadAmount  = errors.New("amount has to be a positive number")
	ErrBadAccount = errors.New("a valid ledger account is required")
	ErrNoAsset    = errors.New("asset not anchored")
	ErrNoID       = errors.New("undefined transaction - missing query: ?id=<transaction id>")
)

// Response defines the data structure returned to the client making the http request.
type Response struct {
	Body  string `json:"body"`
	Error string `json:"error,omitempty"`
}

// TxReq is the request data to start a deposit or a withdrawal. Account is the client's ledger account: the deposit
// destination, or for withdrawals the account the funds will come from. Memo is only honored on withdrawals; when
// empty one is generated.
type TxReq struct {
	Account   string  `json:"account"`
	AssetCode string  `json:"asset_code"`
	Amount    float64 `json:"amount"`
	Memo      string  `json:"memo,omitempty"`
}

// homeHandler just replies a welcome message to the client.
func (w *Worker) homeHandler(rw http.ResponseWriter, r *http.Request) {
	var res Response
	// log request
	log.Printf("httpreq from %v %s\n", r.RemoteAddr, r.RequestURI)
	// just reply a welcome message
	res.Body = "Hello, this is your Stellar anchor!"
	// reply
	rw.Header().Set("Content-Type", "application/json;charset=utf8")
	_ = json.NewEncoder(rw).Encode(res)
}

// healthHandler replies the service status and the anchored assets.
func (w *Worker) healthHandler(rw http.ResponseWriter, r *http.Request) {
	var res Response

	codes := make([]string, 0, len(w.assets))
	for code := range w.assets {
		codes = append(codes, code)
	}

	tmp, _ := json.Marshal(map[string]interface{}{"status": "ok", "ledger": w.lc.Name(), "assets": codes})
	res.Body = string(tmp)

	log.Printf("httpreq from %v %s\n", r.RemoteAddr, r.RequestURI)
	rw.Header().Set("Content-Type", "application/json;charset=utf8")
	rw.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(rw).Encode(&res)
}

// fee returns the fee charged on amount of the given anchored asset.
func (w *Worker) fee(asset string, amount float64) float64 {
	a, ok := w.assets[asset]
	if !ok {
		return 0
	}

	return util.ParseAmount(util.Amount7(a.FeeFixed + amount*a.FeePercent/100))
}

// depositHandler records a new deposit transaction and enqueues the task that submits it to the ledger. The created
// transaction is replied to the client.
func (w *Worker) depositHandler(rw http.ResponseWriter, r *http.Request) {
	var err error

	var res Response

	var tx store.Transaction

	defer func() {
		// reply to requester accordingly
		if err != nil {
			res.Error = fmt.Sprintf("%s", err)

			rw.WriteHeader(http.StatusBadRequest)
		} else {
			rw.WriteHeader(http.StatusAccepted)
			tmp, _ := json.Marshal(tx)
			res.Body = string(tmp)
		}
		// log request and transaction
		log.Printf("httpreq from %v %s tx:%+v err:%e\n", r.RemoteAddr, r.RequestURI, tx, err)
		// reply
		rw.Header().Set("Content-Type", "application/json;charset=utf8")
		_ = json.NewEncoder(rw).Encode(&res)
	}()

	var req TxReq
	if err = json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Printf("Error decoding deposit request %+v\n", r.Body)

		return
	}

	if !strkey.IsValidEd25519PublicKey(req.Account) {
		err = ErrBadAccount

		return
	}

	if req.Amount <= 0 {
		err = ErrBadAmount

		return
	}

	asset, ok := w.assets[req.AssetCode]
	if !ok {
		err = ErrNoAsset

		return
	}

	tx = store.Transaction{
		ID:             uuid.NewString(),
		Kind:           store.KindDeposit,
		Status:         store.StatusPendingAnchor,
		StellarAccount: req.Account,
		AssetCode:      asset.Code,
		AssetIssuer:    asset.Issuer,
		AmountIn:       req.Amount,
		AmountFee:      w.fee(asset.Code, req.Amount),
		StartedAt:      time.Now().UTC(),
	}

	if err = w.db.PutTransaction(tx); err != nil {
		return
	}

	err = w.mb.SendTask(NewDepositTask(tx.ID, w.maxRetries))
}

// withdrawHandler records a new withdrawal transaction waiting for the user's incoming payment. The reply carries
// the memo the user must attach and the distribution account the funds must be paid into; the watcher completes the
// withdrawal when the matching payment lands.
func (w *Worker) withdrawHandler(rw http.ResponseWriter, r *http.Request) {
	var err error

	var res Response

	var tx store.Transaction

	var payTo string

	defer func() {
		// reply to requester accordingly
		if err != nil {
			res.Error = fmt.Sprintf("%s", err)

			rw.WriteHeader(http.StatusBadRequest)
		} else {
			rw.WriteHeader(http.StatusAccepted)
			tmp, _ := json.Marshal(map[string]interface{}{"transaction": tx, "pay_to": payTo})
			res.Body = string(tmp)
		}
		// log request and transaction
		log.Printf("httpreq from %v %s tx:%+v err:%e\n", r.RemoteAddr, r.RequestURI, tx, err)
		// reply
		rw.Header().Set("Content-Type", "application/json;charset=utf8")
		_ = json.NewEncoder(rw).Encode(&res)
	}()

	var req TxReq
	if err = json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Printf("Error decoding withdrawal request %+v\n", r.Body)

		return
	}

	if !strkey.IsValidEd25519PublicKey(req.Account) {
		err = ErrBadAccount

		return
	}

	if req.Amount <= 0 {
		err = ErrBadAmount

		return
	}

	asset, ok := w.assets[req.AssetCode]
	if !ok {
		err = ErrNoAsset

		return
	}

	payTo, ok = w.distAddr[asset.Code]
	if !ok {
		err = ErrNoAsset

		return
	}

	memo := req.Memo
	if memo == "" {
		memo = uuid.NewString()
	}

	tx = store.Transaction{
		ID:             uuid.NewString(),
		Kind:           store.KindWithdrawal,
		Status:         store.StatusPendingUserXfer,
		StellarAccount: req.Account,
		AssetCode:      asset.Code,
		AssetIssuer:    asset.Issuer,
		AmountIn:       req.Amount,
		AmountFee:      w.fee(asset.Code, req.Amount),
		Memo:           memo,
		MemoType:       "text",
		StartedAt:      time.Now().UTC(),
	}

	err = w.db.PutTransaction(tx)
}

// transactionsHandler replies the anchor transactions, optionally filtered by account and asset code.
func (w *Worker) transactionsHandler(rw http.ResponseWriter, r *http.Request) {
	var err error

	var res Response

	var txs []store.Transaction

	defer func() {
		// reply to requester accordingly
		if err != nil {
			res.Error = fmt.Sprintf("%s", err)

			rw.WriteHeader(http.StatusBadRequest)
		} else {
			rw.WriteHeader(http.StatusOK)
			tmp, _ := json.Marshal(txs)
			res.Body = string(tmp)
		}
		// log request
		log.Printf("httpreq from %v %s n:%d err:%e\n", r.RemoteAddr, r.RequestURI, len(txs), err)
		// reply
		rw.Header().Set("Content-Type", "application/json;charset=utf8")
		_ = json.NewEncoder(rw).Encode(&res)
	}()

	if err = r.ParseForm(); err != nil {
		log.Print("Error parsing request URL")

		return
	}

	var account, asset string

	if tmp, ok := r.Form["account"]; ok {
		account = tmp[0]
	}

	if tmp, ok := r.Form["asset"]; ok {
		asset = tmp[0]
	}

	limit := defaultLimit

	if tmp, ok := r.Form["limit"]; ok {
		if limit, err = strconv.Atoi(tmp[0]); err != nil || limit <= 0 {
			err = ErrBadrequest

			return
		}
	}

	txs, err = w.db.QueryTransactions(account, asset, limit)
}

// transactionHandler replies the details of the transaction identified by the id query.
func (w *Worker) transactionHandler(rw http.ResponseWriter, r *http.Request) {
	var err error

	var res Response

	var tx store.Transaction

	defer func() {
		// reply to requester accordingly
		if err != nil {
			res.Error = fmt.Sprintf("%s", err)

			if errors.Is(err, store.ErrTxNotFound) {
				rw.WriteHeader(http.StatusNotFound)
			} else {
				rw.WriteHeader(http.StatusBadRequest)
			}
		} else {
			rw.WriteHeader(http.StatusOK)
			tmp, _ := json.Marshal(tx)
			res.Body = string(tmp)
		}
		// log request and transaction
		log.Printf("httpreq from %v %s tx:%+v err:%e\n", r.RemoteAddr, r.RequestURI, tx, err)
		// reply
		rw.Header().Set("Content-Type", "application/json;charset=utf8")
		_ = json.NewEncoder(rw).Encode(&res)
	}()

	if err = r.ParseForm(); err != nil {
		log.Print("Error parsing request URL")

		return
	}

	id, ok := r.Form["id"]
	if !ok || len(id) != 1 || id[0] == "" {
		err = ErrNoID

		return
	}

	tx, err = w.db.GetTransaction(id[0])
}

// watchHandler sends a watch request message to the broker to start or stop monitoring a ledger account. A request
// accepted status will be replied or an error otherwise.
func (w *Worker) watchHandler(rw http.ResponseWriter, r *http.Request) {
	var err error

	var res Response

	defer func() {
		// reply to requester accordingly
		if err != nil {
			res.Error = fmt.Sprintf("%s", err)

			rw.WriteHeader(http.StatusBadRequest)
		} else {
			rw.WriteHeader(http.StatusAccepted)
		}
		// log request
		log.Printf("httpreq from %v %s err:%e\n", r.RemoteAddr, r.RequestURI, err)
		// reply
		rw.Header().Set("Content-Type", "application/json;charset=utf8")
		_ = json.NewEncoder(rw).Encode(&res)
	}()

	v := mux.Vars(r)

	account, ok := v["account"]
	if !ok || !strkey.IsValidEd25519PublicKey(account) {
		err = ErrBadAccount

		return
	}

	if err = r.ParseForm(); err != nil {
		log.Print("Error parsing request URL")

		return
	}

	var asset string
	if tmp, okA := r.Form["asset"]; okA {
		asset = tmp[0]
	}

	wr := msg.WatchReq{Type: msg.ACCOUNT, Account: account, Asset: asset}

	switch r.Method {
	case "POST":
		wr.Act = msg.LISTEN
	case "DELETE":
		wr.Act = msg.UNLISTEN
	default:
		err = ErrBadMethod
	}
	// send message to broker
	if err == nil {
		err = w.mb.SendReq(wr)
	}
}

// getWatchesHandler replies the client with the ledger accounts being monitored.
func (w *Worker) getWatchesHandler(rw http.ResponseWriter, r *http.Request) {
	var err error

	var res Response

	var accts []store.WatchedAccount

	defer func() {
		// reply to requester accordingly
		if err != nil {
			res.Error = fmt.Sprintf("%s", err)

			rw.WriteHeader(http.StatusBadRequest)
		} else {
			tmp, _ := json.Marshal(accts)
			res.Body = string(tmp)

			rw.WriteHeader(http.StatusOK)
		}
		// log request
		log.Printf("httpreq from %v %s accts:%v err:%e\n", r.RemoteAddr, r.RequestURI, accts, err)
		// reply
		rw.Header().Set("Content-Type", "application/json;charset=utf8")
		_ = json.NewEncoder(rw).Encode(&res)
	}()

	// get watched accounts from DB
	accts, err = w.db.GetWatches() // ideally, this should be requested to the watcher!!
}

// deadLettersHandler replies the tasks that exhausted their retries, for operator inspection.
func (w *Worker) deadLettersHandler(rw http.ResponseWriter, r *http.Request) {
	var err error

	var res Response

	var dls []store.DeadLetter

	defer func() {
		// reply to requester accordingly
		if err != nil {
			res.Error = fmt.Sprintf("%s", err)

			rw.WriteHeader(http.StatusBadRequest)
		} else {
			tmp, _ := json.Marshal(dls)
			res.Body = string(tmp)

			rw.WriteHeader(http.StatusOK)
		}
		// log request
		log.Printf("httpreq from %v %s n:%d err:%e\n", r.RemoteAddr, r.RequestURI, len(dls), err)
		// reply
		rw.Header().Set("Content-Type", "application/json;charset=utf8")
		_ = json.NewEncoder(rw).Encode(&res)
	}()

	if err = r.ParseForm(); err != nil {
		log.Print("Error parsing request URL")

		return
	}

	limit := defaultLimit

	if tmp, ok := r.Form["limit"]; ok {
		if limit, err = strconv.Atoi(tmp[0]); err != nil || limit <= 0 {
			err = ErrBadrequest

			return
		}
	}

	dls, err = w.db.GetDeadLetters(limit)
}
