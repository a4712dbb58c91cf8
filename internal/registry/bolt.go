package registry

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketGateways = []byte("gateways")

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens or creates a BoltDB database.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketGateways)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) SaveGateway(gw *Gateway) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketGateways)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketGateways)
		}
		data, err := json.Marshal(gw)
		if err != nil {
			return err
		}
		return b.Put([]byte(gw.ID), data)
	})
}

func (s *BoltStore) GetGateway(id string) (*Gateway, error) {
	var gw Gateway
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketGateways)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketGateways)
		}
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("gateway %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &gw)
	})
	if err != nil {
		return nil, err
	}
	return &gw, nil
}

func (s *BoltStore) DeleteGateway(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketGateways)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketGateways)
		}
		return b.Delete([]byte(id))
	})
}

func (s *BoltStore) ListGateways() ([]*Gateway, error) {
	var gateways []*Gateway
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketGateways)
		if b == nil {
			return nil // no bucket = no gateways
		}
		gateways = make([]*Gateway, 0, b.Stats().KeyN)
		return b.ForEach(func(k, v []byte) error {
			var gw Gateway
			if err := json.Unmarshal(v, &gw); err != nil {
				return err
			}
			gateways = append(gateways, &gw)
			return nil
		})
	})
	return gateways, err
}

func (s *BoltStore) UpdateGateway(id string, fn func(gw *Gateway) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketGateways)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketGateways)
		}
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("gateway %s: %w", id, ErrNotFound)
		}
		var gw Gateway
		if err := json.Unmarshal(data, &gw); err != nil {
			return err
		}
		if err := fn(&gw); err != nil {
			return err
		}
		out, err := json.Marshal(&gw)
		if err != nil {
			return err
		}
		return b.Put([]byte(gw.ID), out)
	})
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

var _ Store = (*BoltStore)(nil)
