package idempotency

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	bbolt "go.etcd.io/bbolt"
)

// DeliveryState classifies a previously seen inbound delivery.
type DeliveryState int

const (
	// DeliveryNew indicates the delivery was reserved by this call.
	DeliveryNew DeliveryState = iota
	// DeliveryInFlight indicates another handler holds the reservation.
	DeliveryInFlight
	// DeliveryProcessed indicates the delivery was fully handled before.
	DeliveryProcessed
)

// ErrNotReserved is returned when marking a delivery that was never reserved.
var ErrNotReserved = errors.New("idempotency: delivery not reserved")

var bucketDeliveries = []byte("deliveries")

type deliveryRecord struct {
	State string    `json:"state"`
	At    time.Time `json:"at"`
}

// DeliveryLog records callback deliveries so replays of an already processed
// payload are acknowledged without re-running side effects.
type DeliveryLog struct {
	db  *bbolt.DB
	now func() time.Time
}

// OpenDeliveryLog opens (or creates) the bbolt file at path.
func OpenDeliveryLog(path string) (*DeliveryLog, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open delivery log: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketDeliveries)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init delivery log: %w", err)
	}
	return &DeliveryLog{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Close releases the database handle.
func (l *DeliveryLog) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

// Reserve marks key as in flight and returns its prior state.
func (l *DeliveryLog) Reserve(key string) (DeliveryState, error) {
	trimmed, err := l.key(key)
	if err != nil {
		return DeliveryInFlight, err
	}
	state := DeliveryInFlight
	err = l.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketDeliveries)
		existing := bucket.Get(trimmed)
		if existing == nil {
			state = DeliveryNew
			return l.put(bucket, trimmed, "in_flight")
		}
		var rec deliveryRecord
		if err := json.Unmarshal(existing, &rec); err != nil {
			return fmt.Errorf("decode delivery: %w", err)
		}
		if rec.State == "processed" {
			state = DeliveryProcessed
		}
		return nil
	})
	if err != nil {
		return DeliveryInFlight, err
	}
	return state, nil
}

// MarkProcessed records that key was handled to completion.
func (l *DeliveryLog) MarkProcessed(key string) error {
	trimmed, err := l.key(key)
	if err != nil {
		return err
	}
	return l.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketDeliveries)
		if bucket.Get(trimmed) == nil {
			return fmt.Errorf("%w: %s", ErrNotReserved, key)
		}
		return l.put(bucket, trimmed, "processed")
	})
}

// Release drops an in-flight reservation so the sender's retry is handled.
func (l *DeliveryLog) Release(key string) error {
	trimmed, err := l.key(key)
	if err != nil {
		return err
	}
	return l.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketDeliveries)
		existing := bucket.Get(trimmed)
		if existing == nil {
			return nil
		}
		var rec deliveryRecord
		if err := json.Unmarshal(existing, &rec); err != nil {
			return fmt.Errorf("decode delivery: %w", err)
		}
		if rec.State != "in_flight" {
			return nil
		}
		return bucket.Delete(trimmed)
	})
}

// Prune deletes processed records older than cutoff and returns how many
// were removed.
func (l *DeliveryLog) Prune(cutoff time.Time) (int, error) {
	removed := 0
	err := l.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketDeliveries)
		var stale [][]byte
		err := bucket.ForEach(func(k, v []byte) error {
			var rec deliveryRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return nil
			}
			if rec.State == "processed" && rec.At.Before(cutoff) {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range stale {
			if err := bucket.Delete(k); err != nil {
				return err
			}
		}
		removed = len(stale)
		return nil
	})
	return removed, err
}

func (l *DeliveryLog) key(raw string) ([]byte, error) {
	if l == nil || l.db == nil {
		return nil, fmt.Errorf("delivery log not initialised")
	}
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("delivery key required")
	}
	return []byte(trimmed), nil
}

func (l *DeliveryLog) put(bucket *bbolt.Bucket, key []byte, state string) error {
	raw, err := json.Marshal(deliveryRecord{State: state, At: l.now()})
	if err != nil {
		return err
	}
	return bucket.Put(key, raw)
}
