// Package stellar implements the ledger interface for the Stellar network via a Horizon server.
package stellar

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/stellar/go/clients/horizonclient"
	"github.com/stellar/go/keypair"
	"github.com/stellar/go/protocols/horizon/operations"
	"github.com/stellar/go/txnbuild"

	"github.com/averlon/anchorwatch/lib/ledger"
	"github.com/averlon/anchorwatch/lib/util"
)

const (
	clientTimeout = 30 * time.Second
	txTimeout     = 300 // seconds the submitted envelope stays valid
)

// Stellar implements the ledger.Chain interface against a Horizon server.
type Stellar struct {
	name       string
	passphrase string
	client     *horizonclient.Client
}

// New returns a Stellar client for the Horizon server at url, signing transactions for the network identified by
// passphrase.
func New(name, url, passphrase string) *Stellar {
	return &Stellar{
		name:       name,
		passphrase: passphrase,
		client: &horizonclient.Client{
			HorizonURL: url,
			HTTP:       &http.Client{Timeout: clientTimeout},
		},
	}
}

// Name identifies the network for logging.
func (s *Stellar) Name() string {
	return s.name
}

// Close is a no-op: Horizon is plain HTTP, there is no connection to tear down.
func (s *Stellar) Close() {}

// wrapErr maps a Horizon client error to the ledger error taxonomy.
func wrapErr(err error) error {
	herr := horizonclient.GetError(err)
	if herr == nil {
		// not a Horizon problem response: the server was unreachable
		return fmt.Errorf("%w: %v", ledger.ErrConnectivity, err)
	}
	switch herr.Problem.Status {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %v", ledger.ErrNoAccount, err)
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %v", ledger.ErrInvalidCursor, err)
	}
	return err
}

// Payments returns up to limit payment operations of account strictly after cursor, oldest first. Operations other
// than payments and account creations are skipped. A record missing its required fields is returned flagged
// Malformed with the paging token preserved, so the caller can advance past it.
func (s *Stellar) Payments(ctx context.Context, account, cursor string, limit int) ([]ledger.Payment, error) {
	req := horizonclient.OperationRequest{
		ForAccount: account,
		Cursor:     cursor,
		Order:      horizonclient.OrderAsc,
		Limit:      uint(limit),
	}

	page, err := s.client.Payments(req)
	if err != nil {
		return nil, wrapErr(err)
	}

	var out []ledger.Payment

	for _, rec := range page.Embedded.Records {
		switch op := rec.(type) {
		case operations.Payment:
			p := ledger.Payment{
				ID:          op.Base.ID,
				PagingToken: op.Base.PT,
				TxHash:      op.Base.TransactionHash,
				From:        op.From,
				To:          op.To,
				AssetCode:   op.Asset.Code,
				AssetIssuer: op.Asset.Issuer,
				Amount:      op.Amount,
				LedgerTime:  op.Base.LedgerCloseTime,
			}
			if !op.Base.TransactionSuccessful {
				continue // failed ledger transactions never move funds
			}
			if p.ID == "" || p.From == "" || p.To == "" || p.Amount == "" {
				p.Malformed = true
				out = append(out, p)

				continue
			}
			// the memo lives on the enclosing transaction; only incoming payments need it (withdrawal match)
			if p.To == account {
				if tx, errTx := s.client.TransactionDetail(p.TxHash); errTx == nil {
					p.Memo = tx.Memo
					p.MemoType = tx.MemoType
				} else {
					log.Printf("[%s] Could not fetch memo for tx %s: %e", s.name, p.TxHash, errTx)
				}
			}
			out = append(out, p)
		case operations.CreateAccount:
			if !op.Base.TransactionSuccessful {
				continue
			}
			// an account creation funds the destination with the native asset
			out = append(out, ledger.Payment{
				ID:          op.Base.ID,
				PagingToken: op.Base.PT,
				TxHash:      op.Base.TransactionHash,
				From:        op.Funder,
				To:          op.Account,
				Amount:      op.StartingBalance,
				LedgerTime:  op.Base.LedgerCloseTime,
			})
		default:
			// other operation kinds carry no value transfer we care about
		}
	}

	return out, nil
}

// AccountExists reports whether the account exists on the ledger.
func (s *Stellar) AccountExists(ctx context.Context, account string) (bool, error) {
	_, err := s.client.AccountDetail(horizonclient.AccountRequest{AccountID: account})
	if err != nil {
		if horizonclient.IsNotFoundError(err) {
			return false, nil
		}

		return false, wrapErr(err)
	}

	return true, nil
}

// HasTrustline reports whether the account holds a trustline to the given asset.
func (s *Stellar) HasTrustline(ctx context.Context, account, assetCode, assetIssuer string) (bool, error) {
	acct, err := s.client.AccountDetail(horizonclient.AccountRequest{AccountID: account})
	if err != nil {
		if horizonclient.IsNotFoundError(err) {
			return false, nil
		}

		return false, wrapErr(err)
	}

	for _, b := range acct.Balances {
		if b.Code == assetCode && (assetIssuer == "" || b.Issuer == assetIssuer) {
			return true, nil
		}
	}

	return false, nil
}

// SubmitPayment sends amount of the asset from the distribution account to destination, mapping a trustline
// failure to ErrNoTrustline so the deposit task can park the transaction in pending_trust.
func (s *Stellar) SubmitPayment(ctx context.Context, seed, destination, assetCode, assetIssuer, amount string) (string, error) {
	var asset txnbuild.Asset = txnbuild.NativeAsset{}
	if assetCode != "" {
		asset = txnbuild.CreditAsset{Code: assetCode, Issuer: assetIssuer}
	}

	return s.submit(seed, &txnbuild.Payment{
		Destination: destination,
		Asset:       asset,
		Amount:      amount,
	})
}

// CreateAccount funds a new destination account with startingBalance of the native asset.
func (s *Stellar) CreateAccount(ctx context.Context, seed, destination, startingBalance string) (string, error) {
	return s.submit(seed, &txnbuild.CreateAccount{
		Destination: destination,
		Amount:      startingBalance,
	})
}

// submit builds, signs and submits a single-operation transaction from the account of the given seed.
func (s *Stellar) submit(seed string, op txnbuild.Operation) (string, error) {
	kp, err := keypair.ParseFull(seed)
	if err != nil {
		return "", fmt.Errorf("invalid distribution seed: %w", err)
	}

	sourceAcct, err := s.client.AccountDetail(horizonclient.AccountRequest{AccountID: kp.Address()})
	if err != nil {
		return "", wrapErr(err)
	}

	tx, err := txnbuild.NewTransaction(txnbuild.TransactionParams{
		SourceAccount:        &sourceAcct,
		IncrementSequenceNum: true,
		BaseFee:              txnbuild.MinBaseFee,
		Preconditions:        txnbuild.Preconditions{TimeBounds: txnbuild.NewTimeout(txTimeout)},
		Operations:           []txnbuild.Operation{op},
	})
	if err != nil {
		return "", fmt.Errorf("building transaction: %w", err)
	}

	tx, err = tx.Sign(s.passphrase, kp)
	if err != nil {
		return "", fmt.Errorf("signing transaction: %w", err)
	}

	resp, err := s.client.SubmitTransaction(tx)
	if err != nil {
		if herr := horizonclient.GetError(err); herr != nil {
			if codes, errRc := herr.ResultCodes(); errRc == nil && util.In(codes.OperationCodes, "op_no_trust") {
				return "", fmt.Errorf("%w: %s", ledger.ErrNoTrustline, codes.TransactionCode)
			}

			return "", fmt.Errorf("%w: %v", ledger.ErrTxFailed, err)
		}

		return "", fmt.Errorf("%w: %v", ledger.ErrConnectivity, err)
	}

	if !resp.Successful {
		return "", fmt.Errorf("%w: result %s", ledger.ErrTxFailed, resp.ResultXdr)
	}

	return resp.Hash, nil
}
