package persistence

import (
	"binance-candle-bot-go/internal/models"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v3"
)

var botPrefix = []byte("bot/")

// badgerRepository is the BadgerDB implementation of the BotRepository.
type badgerRepository struct {
	db *badger.DB
}

// NewBadgerRepository creates and returns a new repository instance connected to a BadgerDB database.
func NewBadgerRepository(dbPath string) (BotRepository, error) {
	return openBadger(badger.DefaultOptions(dbPath))
}

// NewInMemoryRepository is backed by an in-memory badger instance.
func NewInMemoryRepository() (BotRepository, error) {
	return openBadger(badger.DefaultOptions("").WithInMemory(true))
}

func openBadger(opts badger.Options) (BotRepository, error) {
	// Errors are still returned from DB operations.
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &badgerRepository{db: db}, nil
}

// botKey encodes the id big-endian so that iteration order equals id order.
func botKey(id int64) []byte {
	key := make([]byte, len(botPrefix)+8)
	copy(key, botPrefix)
	binary.BigEndian.PutUint64(key[len(botPrefix):], uint64(id))
	return key
}

func (r *badgerRepository) SaveBot(record *models.BotRecord) error {
	if record.Status == "" {
		record.Status = models.StatusStopped
	}
	record.UpdatedAt = time.Now()
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Set(botKey(record.Config.ID), data)
	})
}

func (r *badgerRepository) GetBot(id int64) (*models.BotRecord, error) {
	var record models.BotRecord
	err := r.db.View(func(txn *badger.Txn) error {
		return readRecord(txn, id, &record)
	})
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func readRecord(txn *badger.Txn, id int64, record *models.BotRecord) error {
	item, err := txn.Get(botKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return fmt.Errorf("bot %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		if len(val) == 0 {
			return errors.New("bot value is empty in database")
		}
		return json.Unmarshal(val, record)
	})
}

func (r *badgerRepository) ListBots() ([]*models.BotRecord, error) {
	var records []*models.BotRecord
	err := r.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = botPrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var record models.BotRecord
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &record)
			})
			if err != nil {
				return err
			}
			records = append(records, &record)
		}
		return nil
	})
	return records, err
}

// SetStatus reads and rewrites the record in one transaction.
func (r *badgerRepository) SetStatus(id int64, status models.BotStatus) error {
	return r.db.Update(func(txn *badger.Txn) error {
		var record models.BotRecord
		if err := readRecord(txn, id, &record); err != nil {
			return err
		}
		record.Status = status
		record.UpdatedAt = time.Now()
		data, err := json.Marshal(&record)
		if err != nil {
			return err
		}
		return txn.Set(botKey(id), data)
	})
}

// Close gracefully closes the connection to the database.
func (r *badgerRepository) Close() error {
	return r.db.Close()
}
