// Package mongo implements the store interface for MongoDB.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	mgo "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/averlon/anchorwatch/lib/store"
)

const connectTimeout = 5 * time.Second

// Mongo implements a connection to a MongoDB database.
type Mongo struct {
	c *mgo.Client
}

// New returns a Mongo client connection to the specified MongoDB database uri.
func New(uri string) (*Mongo, error) {
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	c, err := mgo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("cannot connect to mongo DB in %s: %w", uri, err)
	}

	return &Mongo{c: c}, nil
}

// CloseMongo will close a database connection. Must be called at termination time.
func (m *Mongo) CloseMongo() error {
	return m.c.Disconnect(context.Background())
}

func (m *Mongo) col(name string) *mgo.Collection {
	return m.c.Database("anchor").Collection(name)
}

// AddWatch saves a watched account if it does not already exist, returning its id.
func (m *Mongo) AddWatch(w store.WatchedAccount) (string, error) {
	col := m.col("watches")

	// try and find it
	filter := bson.M{"account": w.Account}
	var found store.WatchedAccount
	err := col.FindOne(context.Background(), filter).Decode(&found)
	if errors.Is(err, mgo.ErrNoDocuments) { // if not found, do insert it!!
		res, errIns := col.InsertOne(context.Background(), bson.M{"account": w.Account, "asset": w.Asset})
		if errIns != nil {
			return "", fmt.Errorf("could not insert watched account in db: %w", errIns)
		}

		return res.InsertedID.(primitive.ObjectID).Hex(), nil
	}

	if err != nil {
		return "", fmt.Errorf("could not insert watched account in db: %w", err)
	}

	return found.ID, nil
}

// RemoveWatch deletes a watched account from the database.
func (m *Mongo) RemoveWatch(account string) error {
	res, err := m.col("watches").DeleteOne(context.Background(), bson.M{"account": account})
	if err == nil && res.DeletedCount != 1 {
		err = store.ErrWatchNotFound
	}

	return err
}

// GetWatches returns all the watched accounts.
func (m *Mongo) GetWatches() ([]store.WatchedAccount, error) {
	docs, err := m.col("watches").Find(context.TODO(), bson.M{})
	if err != nil {
		return nil, fmt.Errorf("error getting watched accounts: %w", err)
	}

	watches := []store.WatchedAccount{}
	for docs.Next(context.Background()) {
		var w store.WatchedAccount
		if err = bson.Unmarshal(docs.Current, &w); err == nil {
			watches = append(watches, w)
		}
	}

	return watches, nil
}

// LoadCheckpoint loads from db the checkpoint for the indicated account.
func (m *Mongo) LoadCheckpoint(account string) (cp store.Checkpoint, err error) {
	sr := m.col("checkpoints").FindOne(context.TODO(), bson.M{"account": account})
	if err = sr.Decode(&cp); errors.Is(err, mgo.ErrNoDocuments) {
		err = store.ErrDataNotFound
	}

	return
}

// SaveCheckpoint saves to db the checkpoint for its account.
func (m *Mongo) SaveCheckpoint(cp store.Checkpoint) (err error) {
	_, err = m.col("checkpoints").UpdateOne(context.Background(),
		bson.M{"account": cp.Account}, // filter
		bson.D{ // update
			{
				Key: "$set", Value: bson.D{
					{Key: "paging_token", Value: cp.PagingToken},
					{Key: "updated_at", Value: cp.UpdatedAt},
				},
			},
		},
		options.Update().SetUpsert(true))

	return
}

// PutTransaction upserts an anchor transaction by its id.
func (m *Mongo) PutTransaction(tx store.Transaction) error {
	_, err := m.col("transactions").ReplaceOne(context.Background(),
		bson.M{"_id": tx.ID}, tx, options.Replace().SetUpsert(true))

	return err
}

// GetTransaction returns the anchor transaction with the given id.
func (m *Mongo) GetTransaction(id string) (tx store.Transaction, err error) {
	sr := m.col("transactions").FindOne(context.TODO(), bson.M{"_id": id})
	if err = sr.Decode(&tx); errors.Is(err, mgo.ErrNoDocuments) {
		err = store.ErrTxNotFound
	}

	return
}

// GetTransactionsByStatus returns all transactions in the given status.
func (m *Mongo) GetTransactionsByStatus(status string) ([]store.Transaction, error) {
	return m.findTransactions(bson.M{"status": status}, 0)
}

// QueryTransactions returns the most recent transactions for an account, optionally filtered by asset code.
func (m *Mongo) QueryTransactions(account, assetCode string, limit int) ([]store.Transaction, error) {
	filter := bson.M{"stellar_account": account}
	if assetCode != "" {
		filter["asset_code"] = assetCode
	}

	return m.findTransactions(filter, limit)
}

func (m *Mongo) findTransactions(filter bson.M, limit int) ([]store.Transaction, error) {
	opts := options.Find().SetSort(bson.D{{Key: "started_at", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	docs, err := m.col("transactions").Find(context.TODO(), filter, opts)
	if err != nil {
		return nil, fmt.Errorf("error getting transactions: %w", err)
	}

	txs := []store.Transaction{}
	for docs.Next(context.Background()) {
		var tx store.Transaction
		if err = bson.Unmarshal(docs.Current, &tx); err == nil {
			txs = append(txs, tx)
		}
	}

	return txs, nil
}

// LastFired returns the persisted last-fired timestamp of a schedule entry, zero when never fired.
func (m *Mongo) LastFired(name string) (time.Time, error) {
	var mark store.ScheduleMark
	err := m.col("schedules").FindOne(context.TODO(), bson.M{"_id": name}).Decode(&mark)
	if errors.Is(err, mgo.ErrNoDocuments) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}

	return mark.LastFired, nil
}

// MarkFired advances the last-fired timestamp only when it still equals prev. The filtered upsert makes the
// check-and-advance atomic, so two beats racing on the same tick cannot both succeed.
func (m *Mongo) MarkFired(name string, prev, now time.Time) (bool, error) {
	filter := bson.M{"_id": name}
	if prev.IsZero() {
		// first fire: insert must not find an existing mark
		_, err := m.col("schedules").InsertOne(context.Background(),
			bson.M{"_id": name, "last_fired": now})
		if mgo.IsDuplicateKeyError(err) {
			return false, nil
		}

		return err == nil, err
	}
	filter["last_fired"] = prev

	res, err := m.col("schedules").UpdateOne(context.Background(), filter,
		bson.D{{Key: "$set", Value: bson.D{{Key: "last_fired", Value: now}}}})
	if err != nil {
		return false, err
	}

	return res.ModifiedCount == 1, nil
}

// AddDeadLetter stores a task that exhausted its retries.
func (m *Mongo) AddDeadLetter(dl store.DeadLetter) error {
	_, err := m.col("deadletters").InsertOne(context.Background(), dl)

	return err
}

// GetDeadLetters returns the most recent dead letters for operator inspection.
func (m *Mongo) GetDeadLetters(limit int) ([]store.DeadLetter, error) {
	opts := options.Find().SetSort(bson.D{{Key: "failed_at", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	docs, err := m.col("deadletters").Find(context.TODO(), bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("error getting dead letters: %w", err)
	}

	dls := []store.DeadLetter{}
	for docs.Next(context.Background()) {
		var dl store.DeadLetter
		if err = bson.Unmarshal(docs.Current, &dl); err == nil {
			dls = append(dls, dl)
		}
	}

	return dls, nil
}
