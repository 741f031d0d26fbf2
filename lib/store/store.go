// Package store defines the interface for database implementations to the watcher and worker microservices.
package store

import (
	"errors"
	"time"
)

// DB defines required methods for the watcher and worker services.
type DB interface {
	// watched accounts, written by the worker API via the watcher, read at watcher startup
	AddWatch(WatchedAccount) (string, error)
	RemoveWatch(account string) error
	GetWatches() ([]WatchedAccount, error)

	// watcher checkpoints; the watcher is the only writer
	LoadCheckpoint(account string) (Checkpoint, error)
	SaveCheckpoint(Checkpoint) error

	// anchor transactions
	PutTransaction(Transaction) error
	GetTransaction(id string) (Transaction, error)
	GetTransactionsByStatus(status string) ([]Transaction, error)
	QueryTransactions(account, assetCode string, limit int) ([]Transaction, error)

	// beat scheduler marks. MarkFired is a compare-and-set on the persisted last-fired timestamp: it only
	// succeeds when the stored value still equals prev, so competing beats (or a restart within the same
	// interval) fire each schedule at most once.
	LastFired(name string) (time.Time, error)
	MarkFired(name string, prev, now time.Time) (bool, error)

	// dead letters
	AddDeadLetter(DeadLetter) error
	GetDeadLetters(limit int) ([]DeadLetter, error)
}

// Errors returned
var (
	ErrDataNotFound  = errors.New("data was not found in store")
	ErrTxNotFound    = errors.New("transaction was not found in store")
	ErrWatchNotFound = errors.New("watched account was not found in store")
)
