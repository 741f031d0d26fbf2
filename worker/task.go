package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/averlon/anchorwatch/lib/ledger"
	"github.com/averlon/anchorwatch/lib/msg"
	"github.com/averlon/anchorwatch/lib/store"
	"github.com/averlon/anchorwatch/lib/util"
)

// Task kinds executed by the worker pool.
const (
	TaskDeposit    = "create_stellar_deposit"
	TaskPayment    = "process_payment"
	TaskTrustlines = "check_trustlines"
)

// Task errors. A task failing with ErrPermanent is dead-lettered without burning its remaining retries.
var (
	ErrPermanent   = errors.New("permanent task failure")
	ErrUnknownTask = errors.New("unknown task kind")
)

// DepositPayload carries the transaction a deposit task must move onto the ledger.
type DepositPayload struct {
	TransactionID string `json:"transaction_id"`
}

// Handler executes one task. Transient errors are retried with backoff; errors wrapping ErrPermanent go straight to
// the dead-letter store.
type Handler func(ctx context.Context, t msg.Task) error

// NewDepositTask builds the task that submits the given anchor transaction to the ledger.
func NewDepositTask(transactionID string, maxRetries int) msg.Task {
	pl, _ := json.Marshal(DepositPayload{TransactionID: transactionID})

	return msg.Task{
		ID:         uuid.NewString(),
		Kind:       TaskDeposit,
		Payload:    pl,
		MaxRetries: maxRetries,
		EnqueuedAt: time.Now().UTC(),
	}
}

// createStellarDeposit moves a deposit transaction onto the ledger. It is safe to re-run: a transaction already past
// pending_anchor/pending_trust is left untouched, so at-least-once task delivery never double-pays.
//
// pending_anchor -> pending_stellar -> completed, parking in pending_trust when the destination account is missing
// or holds no trustline to the asset.
func (w *Worker) createStellarDeposit(ctx context.Context, t msg.Task) error {
	var pl DepositPayload
	if err := json.Unmarshal(t.Payload, &pl); err != nil || pl.TransactionID == "" {
		return fmt.Errorf("%w: bad deposit payload: %v", ErrPermanent, err)
	}

	tx, err := w.db.GetTransaction(pl.TransactionID)
	if err != nil {
		if errors.Is(err, store.ErrTxNotFound) {
			return fmt.Errorf("%w: transaction %s not found", ErrPermanent, pl.TransactionID)
		}

		return err
	}

	// re-delivery of an already processed deposit
	if tx.Status != store.StatusPendingAnchor && tx.Status != store.StatusPendingTrust {
		log.Printf("[%s] Deposit %s already in status %s, skipping", t.ID, tx.ID, tx.Status)

		return nil
	}

	asset, ok := w.assets[tx.AssetCode]
	if !ok {
		return fmt.Errorf("%w: no anchored asset %s", ErrPermanent, tx.AssetCode)
	}

	tx.Status = store.StatusPendingStellar
	if err := w.db.PutTransaction(tx); err != nil {
		return err
	}

	exists, err := w.lc.AccountExists(ctx, tx.StellarAccount)
	if err != nil {
		return err
	}

	if !exists {
		if _, err := w.lc.CreateAccount(ctx, asset.DistributionSeed, tx.StellarAccount, asset.StartingBalance); err != nil {
			if errors.Is(err, ledger.ErrTxFailed) {
				return w.parkPendingTrust(tx)
			}

			return err
		}
		// the fresh account has no trustline yet; check_trustlines resumes the deposit
		return w.parkPendingTrust(tx)
	}

	amount := util.Amount7(tx.AmountIn - tx.AmountFee)

	hash, err := w.lc.SubmitPayment(ctx, asset.DistributionSeed, tx.StellarAccount, tx.AssetCode, asset.Issuer, amount)
	if err != nil {
		if errors.Is(err, ledger.ErrNoTrustline) {
			return w.parkPendingTrust(tx)
		}

		return err
	}

	now := time.Now().UTC()
	tx.Status = store.StatusCompleted
	tx.StellarTxID = hash
	tx.AmountOut = util.ParseAmount(amount)
	tx.CompletedAt = &now

	return w.db.PutTransaction(tx)
}

// parkPendingTrust leaves the deposit waiting for the destination account to establish a trustline.
func (w *Worker) parkPendingTrust(tx store.Transaction) error {
	tx.Status = store.StatusPendingTrust

	return w.db.PutTransaction(tx)
}

// processPayment matches an incoming ledger payment against a withdrawal waiting for user funds. The match is by
// memo and asset code over the pending_user_transfer_start set; an unmatched payment is logged and dropped, never
// failed, so it is not retried forever.
func (w *Worker) processPayment(ctx context.Context, t msg.Task) error {
	var ev msg.Event
	if err := json.Unmarshal(t.Payload, &ev); err != nil || !ev.Valid() {
		return fmt.Errorf("%w: bad payment payload: %v", ErrPermanent, err)
	}

	if ev.Memo == "" {
		log.Printf("[%s] Payment %s carries no memo, ignoring", t.ID, ev.ID)

		return nil
	}

	cands, err := w.db.GetTransactionsByStatus(store.StatusPendingUserXfer)
	if err != nil {
		return err
	}

	for _, tx := range cands {
		if tx.Kind != store.KindWithdrawal || tx.Memo != ev.Memo {
			continue
		}
		if tx.AssetCode != "" && ev.AssetCode != "" && tx.AssetCode != ev.AssetCode {
			continue
		}

		now := time.Now().UTC()
		tx.Status = store.StatusCompleted
		tx.StellarTxID = ev.TxHash
		tx.AmountIn = util.ParseAmount(ev.Amount)
		tx.AmountOut = util.ParseAmount(util.Amount7(tx.AmountIn - tx.AmountFee))
		tx.CompletedAt = &now

		if err := w.db.PutTransaction(tx); err != nil {
			return err
		}

		log.Printf("[%s] Withdrawal %s matched payment %s, completed", t.ID, tx.ID, ev.ID)

		return nil
	}

	log.Printf("[%s] No withdrawal matches payment %s (memo %q), ignoring", t.ID, ev.ID, ev.Memo)

	return nil
}

// checkTrustlines re-enqueues the deposits parked in pending_trust whose destination account now holds a trustline
// to the asset. Fired by the beat scheduler.
func (w *Worker) checkTrustlines(ctx context.Context, t msg.Task) error {
	txs, err := w.db.GetTransactionsByStatus(store.StatusPendingTrust)
	if err != nil {
		return err
	}

	for _, tx := range txs {
		asset, ok := w.assets[tx.AssetCode]
		if !ok {
			log.Printf("[%s] Deposit %s waits on unknown asset %s, skipping", t.ID, tx.ID, tx.AssetCode)

			continue
		}

		has, err := w.lc.HasTrustline(ctx, tx.StellarAccount, tx.AssetCode, asset.Issuer)
		if err != nil {
			return err
		}
		if !has {
			continue
		}

		log.Printf("[%s] Account %s established trustline to %s, resuming deposit %s",
			t.ID, tx.StellarAccount, tx.AssetCode, tx.ID)

		if err := w.mb.SendTask(NewDepositTask(tx.ID, w.maxRetries)); err != nil {
			return err
		}
	}

	return nil
}
