// Package ledger defines the interface required for the ledger connection. It has been designed around what the
// anchor needs from Stellar Horizon, but keeps the services decoupled from the concrete client so they can be
// tested against fakes.
package ledger

import (
	"context"
	"errors"
	"time"
)

// Payment is one payment operation read from a watched account's stream, oldest first. PagingToken is the cursor
// position of the operation; it is set even for malformed operations so the reader can advance past them.
type Payment struct {
	ID          string
	PagingToken string
	TxHash      string
	From        string
	To          string
	AssetCode   string // empty means the native asset
	AssetIssuer string
	Amount      string
	Memo        string
	MemoType    string
	LedgerTime  time.Time
	Malformed   bool // required fields were missing or undecodable; log and skip
}

// Chain is the ledger client interface used by the watcher and the task handlers.
type Chain interface {
	// Name identifies the network (ie. "testnet", "pubnet") for logging.
	Name() string
	Close()

	// Payments returns up to limit payment operations of account strictly after cursor, oldest first. An empty
	// cursor starts from the beginning of the account's stream.
	Payments(ctx context.Context, account, cursor string, limit int) ([]Payment, error)

	// AccountExists reports whether the account exists on the ledger.
	AccountExists(ctx context.Context, account string) (bool, error)

	// HasTrustline reports whether the account holds a trustline to the given asset.
	HasTrustline(ctx context.Context, account, assetCode, assetIssuer string) (bool, error)

	// SubmitPayment sends amount of the asset from the distribution account (identified by its seed) to
	// destination. Returns the hash of the ledger transaction. Fails with ErrNoTrustline when the destination
	// does not trust the asset.
	SubmitPayment(ctx context.Context, seed, destination, assetCode, assetIssuer, amount string) (string, error)

	// CreateAccount funds a new destination account with startingBalance of the native asset.
	CreateAccount(ctx context.Context, seed, destination, startingBalance string) (string, error)
}

// Error codes.
var (
	ErrConnectivity  = errors.New("ledger server unreachable")
	ErrInvalidCursor = errors.New("cursor rejected by ledger server")
	ErrNoAccount     = errors.New("account does not exist on the ledger")
	ErrNoTrustline   = errors.New("destination account has no trustline for the asset")
	ErrTxFailed      = errors.New("ledger transaction failed")
	ErrMalformed     = errors.New("malformed operation data")
)
