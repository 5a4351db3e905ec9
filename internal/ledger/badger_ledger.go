package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"lit-grid-bot-go/internal/models"

	"github.com/dgraph-io/badger/v3"
)

var (
	kvPrefix    = []byte("kv:")
	orderPrefix = []byte("order:")
)

// badgerLedger is the BadgerDB implementation of the Ledger.
type badgerLedger struct {
	db *badger.DB
}

// NewBadgerLedger opens (or creates) a BadgerDB database at dbPath.
func NewBadgerLedger(dbPath string) (Ledger, error) {
	opts := badger.DefaultOptions(dbPath)
	// Badger's own logging would drown ours; errors still surface from
	// the DB operations themselves.
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &badgerLedger{db: db}, nil
}

// NewInMemoryLedger opens a throwaway in-memory instance for tests.
func NewInMemoryLedger() (Ledger, error) {
	opts := badger.DefaultOptions("").WithInMemory(true)
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &badgerLedger{db: db}, nil
}

func kvKey(key string) []byte {
	return append(append([]byte{}, kvPrefix...), key...)
}

func orderKey(id string) []byte {
	return append(append([]byte{}, orderPrefix...), id...)
}

func (l *badgerLedger) Get(key string) (string, error) {
	var value string
	err := l.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(kvKey(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			value = string(val)
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", ErrNotFound
	}
	return value, err
}

func (l *badgerLedger) Set(key, value string) error {
	return l.db.Update(func(txn *badger.Txn) error {
		return txn.Set(kvKey(key), []byte(value))
	})
}

func (l *badgerLedger) Delete(key string) error {
	return l.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(kvKey(key))
	})
}

func (l *badgerLedger) GetJSON(key string, out interface{}) error {
	raw, err := l.Get(key)
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(raw), out)
}

func (l *badgerLedger) SetJSON(key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return l.Set(key, string(data))
}

func (l *badgerLedger) SaveOrder(o *models.Order) error {
	data, err := json.Marshal(o)
	if err != nil {
		return err
	}
	return l.db.Update(func(txn *badger.Txn) error {
		return txn.Set(orderKey(o.ID), data)
	})
}

func (l *badgerLedger) GetOrder(id string) (*models.Order, error) {
	var order models.Order
	err := l.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(orderKey(id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &order)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

func (l *badgerLedger) OrdersByStatus(status models.OrderStatus) ([]*models.Order, error) {
	var orders []*models.Order
	err := l.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(orderPrefix); it.ValidForPrefix(orderPrefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var o models.Order
				if err := json.Unmarshal(val, &o); err != nil {
					return err
				}
				if o.Status == status {
					orders = append(orders, &o)
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	return orders, err
}

// updateOrder applies mutate to a stored order inside a single transaction,
// so a crash cannot leave a half-applied status change.
func (l *badgerLedger) updateOrder(id string, mutate func(*models.Order) error) error {
	return l.db.Update(func(txn *badger.Txn) error {
		key := orderKey(id)
		item, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: order %s", ErrNotFound, id)
		}
		if err != nil {
			return err
		}

		var order models.Order
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &order)
		}); err != nil {
			return err
		}

		if err := mutate(&order); err != nil {
			return err
		}

		data, err := json.Marshal(&order)
		if err != nil {
			return err
		}
		return txn.Set(key, data)
	})
}

func (l *badgerLedger) MarkFilled(id string, filledSize float64) error {
	return l.updateOrder(id, func(o *models.Order) error {
		if o.Status.Terminal() {
			return fmt.Errorf("%w: order %s is %s", ErrInvalidTransition, id, o.Status)
		}
		now := time.Now()
		o.Status = models.OrderFilled
		o.FilledSize = filledSize
		o.FilledAt = &now
		return nil
	})
}

func (l *badgerLedger) MarkPartiallyFilled(id string, filledSize float64) error {
	return l.updateOrder(id, func(o *models.Order) error {
		if o.Status.Terminal() {
			return fmt.Errorf("%w: order %s is %s", ErrInvalidTransition, id, o.Status)
		}
		o.Status = models.OrderPartiallyFilled
		o.FilledSize = filledSize
		return nil
	})
}

func (l *badgerLedger) MarkCancelled(id string) error {
	return l.updateOrder(id, func(o *models.Order) error {
		if o.Status.Terminal() {
			return fmt.Errorf("%w: order %s is %s", ErrInvalidTransition, id, o.Status)
		}
		o.Status = models.OrderCancelled
		return nil
	})
}

func (l *badgerLedger) Close() error {
	return l.db.Close()
}
