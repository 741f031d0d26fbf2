// Package postgres implements the store interface for PostgreSQL.
package postgres

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq" //nolint:gci // load the postgres driver that is used by the system

	"github.com/averlon/anchorwatch/lib/store"
)

// Postgres implements a connection to a PostgreSQL database.
type Postgres struct {
	db *sql.DB
}

// schema is applied at startup; statements are idempotent.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS watches (
		id SERIAL PRIMARY KEY,
		account TEXT NOT NULL UNIQUE,
		asset TEXT NOT NULL DEFAULT '')`,
	`CREATE TABLE IF NOT EXISTS checkpoints (
		account TEXT PRIMARY KEY,
		paging_token TEXT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL)`,
	`CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		status TEXT NOT NULL,
		stellar_account TEXT NOT NULL,
		asset_code TEXT NOT NULL,
		asset_issuer TEXT NOT NULL DEFAULT '',
		amount_in DOUBLE PRECISION NOT NULL DEFAULT 0,
		amount_out DOUBLE PRECISION NOT NULL DEFAULT 0,
		amount_fee DOUBLE PRECISION NOT NULL DEFAULT 0,
		stellar_tx_id TEXT NOT NULL DEFAULT '',
		memo TEXT NOT NULL DEFAULT '',
		memo_type TEXT NOT NULL DEFAULT '',
		started_at TIMESTAMPTZ NOT NULL,
		completed_at TIMESTAMPTZ)`,
	`CREATE INDEX IF NOT EXISTS transactions_status_idx ON transactions (status)`,
	`CREATE INDEX IF NOT EXISTS transactions_account_idx ON transactions (stellar_account, started_at DESC)`,
	`CREATE TABLE IF NOT EXISTS schedules (
		name TEXT PRIMARY KEY,
		last_fired TIMESTAMPTZ NOT NULL)`,
	`CREATE TABLE IF NOT EXISTS deadletters (
		task_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		payload BYTEA,
		retries INTEGER NOT NULL,
		error TEXT NOT NULL,
		failed_at TIMESTAMPTZ NOT NULL)`,
}

// New returns a postgres client connection to the specified database in 'connection' with the schema applied.
func New(connection string) (*Postgres, error) {
	db, err := sql.Open("postgres", connection)
	if err != nil {
		return nil, fmt.Errorf("cannot connect to DB in %s: %w", connection, err)
	}

	for _, stmt := range schema {
		if _, err = db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("cannot apply schema: %w", err)
		}
	}

	return &Postgres{db: db}, nil
}

// ClosePostgres will close any database connection. Must be called at termination time.
func (p *Postgres) ClosePostgres() error {
	return p.db.Close()
}

// AddWatch saves a watched account if it does not already exist, returning its id.
func (p *Postgres) AddWatch(w store.WatchedAccount) (string, error) {
	var id string
	err := p.db.QueryRow(
		`INSERT INTO watches (account, asset) VALUES ($1, $2)
		 ON CONFLICT (account) DO UPDATE SET asset = EXCLUDED.asset
		 RETURNING id`, w.Account, w.Asset).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("could not insert watched account in db: %w", err)
	}

	return id, nil
}

// RemoveWatch deletes a watched account from the database.
func (p *Postgres) RemoveWatch(account string) error {
	res, err := p.db.Exec(`DELETE FROM watches WHERE account = $1`, account)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return store.ErrWatchNotFound
	}

	return nil
}

// GetWatches returns all the watched accounts.
func (p *Postgres) GetWatches() ([]store.WatchedAccount, error) {
	rows, err := p.db.Query(`SELECT id, account, asset FROM watches`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	watches := []store.WatchedAccount{}
	for rows.Next() {
		var w store.WatchedAccount
		if err = rows.Scan(&w.ID, &w.Account, &w.Asset); err != nil {
			return nil, err
		}
		watches = append(watches, w)
	}

	return watches, rows.Err()
}

// LoadCheckpoint loads from db the checkpoint for the indicated account.
func (p *Postgres) LoadCheckpoint(account string) (cp store.Checkpoint, err error) {
	err = p.db.QueryRow(
		`SELECT account, paging_token, updated_at FROM checkpoints WHERE account = $1`, account).
		Scan(&cp.Account, &cp.PagingToken, &cp.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		err = store.ErrDataNotFound
	}

	return
}

// SaveCheckpoint saves to db the checkpoint for its account.
func (p *Postgres) SaveCheckpoint(cp store.Checkpoint) error {
	_, err := p.db.Exec(
		`INSERT INTO checkpoints (account, paging_token, updated_at) VALUES ($1, $2, $3)
		 ON CONFLICT (account) DO UPDATE SET paging_token = EXCLUDED.paging_token, updated_at = EXCLUDED.updated_at`,
		cp.Account, cp.PagingToken, cp.UpdatedAt)

	return err
}

// PutTransaction upserts an anchor transaction by its id.
func (p *Postgres) PutTransaction(tx store.Transaction) error {
	var completed sql.NullTime
	if tx.CompletedAt != nil {
		completed = sql.NullTime{Time: *tx.CompletedAt, Valid: true}
	}

	_, err := p.db.Exec(
		`INSERT INTO transactions
			(id, kind, status, stellar_account, asset_code, asset_issuer,
			 amount_in, amount_out, amount_fee, stellar_tx_id, memo, memo_type, started_at, completed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		 ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			amount_in = EXCLUDED.amount_in,
			amount_out = EXCLUDED.amount_out,
			amount_fee = EXCLUDED.amount_fee,
			stellar_tx_id = EXCLUDED.stellar_tx_id,
			completed_at = EXCLUDED.completed_at`,
		tx.ID, tx.Kind, tx.Status, tx.StellarAccount, tx.AssetCode, tx.AssetIssuer,
		tx.AmountIn, tx.AmountOut, tx.AmountFee, tx.StellarTxID, tx.Memo, tx.MemoType, tx.StartedAt, completed)

	return err
}

// GetTransaction returns the anchor transaction with the given id.
func (p *Postgres) GetTransaction(id string) (store.Transaction, error) {
	txs, err := p.selectTransactions(`WHERE id = $1`, 0, id)
	if err != nil {
		return store.Transaction{}, err
	}
	if len(txs) == 0 {
		return store.Transaction{}, store.ErrTxNotFound
	}

	return txs[0], nil
}

// GetTransactionsByStatus returns all transactions in the given status.
func (p *Postgres) GetTransactionsByStatus(status string) ([]store.Transaction, error) {
	return p.selectTransactions(`WHERE status = $1`, 0, status)
}

// QueryTransactions returns the most recent transactions for an account, optionally filtered by asset code.
func (p *Postgres) QueryTransactions(account, assetCode string, limit int) ([]store.Transaction, error) {
	if assetCode != "" {
		return p.selectTransactions(`WHERE stellar_account = $1 AND asset_code = $2`, limit, account, assetCode)
	}

	return p.selectTransactions(`WHERE stellar_account = $1`, limit, account)
}

func (p *Postgres) selectTransactions(where string, limit int, args ...interface{}) ([]store.Transaction, error) {
	q := `SELECT id, kind, status, stellar_account, asset_code, asset_issuer,
		amount_in, amount_out, amount_fee, stellar_tx_id, memo, memo_type, started_at, completed_at
		FROM transactions ` + where + ` ORDER BY started_at DESC`
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := p.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	txs := []store.Transaction{}
	for rows.Next() {
		var tx store.Transaction
		var completed sql.NullTime
		if err = rows.Scan(&tx.ID, &tx.Kind, &tx.Status, &tx.StellarAccount, &tx.AssetCode, &tx.AssetIssuer,
			&tx.AmountIn, &tx.AmountOut, &tx.AmountFee, &tx.StellarTxID, &tx.Memo, &tx.MemoType,
			&tx.StartedAt, &completed); err != nil {
			return nil, err
		}
		if completed.Valid {
			t := completed.Time
			tx.CompletedAt = &t
		}
		txs = append(txs, tx)
	}

	return txs, rows.Err()
}

// LastFired returns the persisted last-fired timestamp of a schedule entry, zero when never fired.
func (p *Postgres) LastFired(name string) (time.Time, error) {
	var last time.Time
	err := p.db.QueryRow(`SELECT last_fired FROM schedules WHERE name = $1`, name).Scan(&last)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}

	return last, err
}

// MarkFired advances the last-fired timestamp only when it still equals prev. The conditional statement makes the
// check-and-advance atomic, so two beats racing on the same tick cannot both succeed.
func (p *Postgres) MarkFired(name string, prev, now time.Time) (bool, error) {
	var res sql.Result
	var err error

	if prev.IsZero() {
		res, err = p.db.Exec(
			`INSERT INTO schedules (name, last_fired) VALUES ($1, $2) ON CONFLICT (name) DO NOTHING`, name, now)
	} else {
		res, err = p.db.Exec(
			`UPDATE schedules SET last_fired = $3 WHERE name = $1 AND last_fired = $2`, name, prev, now)
	}
	if err != nil {
		return false, err
	}

	n, err := res.RowsAffected()

	return n == 1, err
}

// AddDeadLetter stores a task that exhausted its retries.
func (p *Postgres) AddDeadLetter(dl store.DeadLetter) error {
	_, err := p.db.Exec(
		`INSERT INTO deadletters (task_id, kind, payload, retries, error, failed_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		dl.TaskID, dl.Kind, dl.Payload, dl.Retries, dl.Error, dl.FailedAt)

	return err
}

// GetDeadLetters returns the most recent dead letters for operator inspection.
func (p *Postgres) GetDeadLetters(limit int) ([]store.DeadLetter, error) {
	q := `SELECT task_id, kind, payload, retries, error, failed_at FROM deadletters ORDER BY failed_at DESC`
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := p.db.Query(q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	dls := []store.DeadLetter{}
	for rows.Next() {
		var dl store.DeadLetter
		if err = rows.Scan(&dl.TaskID, &dl.Kind, &dl.Payload, &dl.Retries, &dl.Error, &dl.FailedAt); err != nil {
			return nil, err
		}
		dls = append(dls, dl)
	}

	return dls, rows.Err()
}
