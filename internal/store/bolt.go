package store

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketPairings   = []byte("pairing_requests")
	bucketDevices    = []byte("paired_devices")
	bucketTokens     = []byte("device_tokens")
	bucketTokenIndex = []byte("token_index")
)

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
		for _, b := range [][]byte{bucketPairings, bucketDevices, bucketTokens, bucketTokenIndex} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

// indexKey is the (device, role) composite key in the token index bucket.
func indexKey(deviceID, role string) []byte {
	return []byte(deviceID + "/" + role)
}

func put(b *bolt.Bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put(key, data)
}

// --- pairing requests ---

func (s *BoltStore) SavePairingRequest(req *PairingRequest) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx.Bucket(bucketPairings), []byte(req.RequestID), req)
	})
}

func (s *BoltStore) GetPairingRequest(requestID string) (*PairingRequest, error) {
	var req PairingRequest
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketPairings).Get([]byte(requestID))
		if data == nil {
			return fmt.Errorf("pairing request %s: %w", requestID, ErrNotFound)
		}
		return json.Unmarshal(data, &req)
	})
	if err != nil {
		return nil, err
	}
	return &req, nil
}

func (s *BoltStore) ListPairingRequests() ([]*PairingRequest, error) {
	var reqs []*PairingRequest
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPairings)
		reqs = make([]*PairingRequest, 0, b.Stats().KeyN)
		return b.ForEach(func(k, v []byte) error {
			var req PairingRequest
			if err := json.Unmarshal(v, &req); err != nil {
				return err
			}
			reqs = append(reqs, &req)
			return nil
		})
	})
	return reqs, err
}

func (s *BoltStore) ResolvePairingRequest(requestID string, approved bool, now time.Time) (*PairingRequest, error) {
	var req PairingRequest
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPairings)
		data := b.Get([]byte(requestID))
		if data == nil {
			return fmt.Errorf("pairing request %s: %w", requestID, ErrNotFound)
		}
		if err := json.Unmarshal(data, &req); err != nil {
			return err
		}
		if req.Status != PairingPending {
			return fmt.Errorf("pairing request %s: %w", requestID, ErrResolved)
		}
		if approved {
			req.Status = PairingApproved
		} else {
			req.Status = PairingRejected
		}
		req.ResolvedAt = now
		return put(b, []byte(requestID), &req)
	})
	if err != nil {
		return nil, err
	}
	return &req, nil
}

func (s *BoltStore) PrunePairingRequests(cutoff time.Time) (int, error) {
	pruned := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPairings)
		var stale [][]byte
		if err := b.ForEach(func(k, v []byte) error {
			var req PairingRequest
			if err := json.Unmarshal(v, &req); err != nil {
				return err
			}
			if req.Status == PairingPending && req.CreatedAt.Before(cutoff) {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		}); err != nil {
			return err
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		pruned = len(stale)
		return nil
	})
	return pruned, err
}

// --- paired devices ---

func (s *BoltStore) SaveDevice(dev *PairedDevice) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx.Bucket(bucketDevices), []byte(dev.DeviceID), dev)
	})
}

func (s *BoltStore) GetDevice(deviceID string) (*PairedDevice, error) {
	var dev PairedDevice
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketDevices).Get([]byte(deviceID))
		if data == nil {
			return fmt.Errorf("device %s: %w", deviceID, ErrNotFound)
		}
		return json.Unmarshal(data, &dev)
	})
	if err != nil {
		return nil, err
	}
	return &dev, nil
}

func (s *BoltStore) DeleteDevice(deviceID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDevices).Delete([]byte(deviceID))
	})
}

func (s *BoltStore) ListDevices() ([]*PairedDevice, error) {
	var devices []*PairedDevice
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		devices = make([]*PairedDevice, 0, b.Stats().KeyN)
		return b.ForEach(func(k, v []byte) error {
			var dev PairedDevice
			if err := json.Unmarshal(v, &dev); err != nil {
				return err
			}
			devices = append(devices, &dev)
			return nil
		})
	})
	return devices, err
}

func (s *BoltStore) UpdateDevice(deviceID string, fn func(dev *PairedDevice) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		data := b.Get([]byte(deviceID))
		if data == nil {
			return fmt.Errorf("device %s: %w", deviceID, ErrNotFound)
		}
		var dev PairedDevice
		if err := json.Unmarshal(data, &dev); err != nil {
			return err
		}
		if err := fn(&dev); err != nil {
			return err
		}
		return put(b, []byte(deviceID), &dev)
	})
}

// --- device tokens ---

func (s *BoltStore) SaveToken(tok *DeviceToken) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		tokens := tx.Bucket(bucketTokens)
		index := tx.Bucket(bucketTokenIndex)

		// Drop the previous token value for this (device, role) pair.
		key := indexKey(tok.DeviceID, tok.Role)
		if old := index.Get(key); old != nil && string(old) != tok.Token {
			if err := tokens.Delete(old); err != nil {
				return err
			}
		}
		if err := put(tokens, []byte(tok.Token), tok); err != nil {
			return err
		}
		return index.Put(key, []byte(tok.Token))
	})
}

func (s *BoltStore) GetToken(token string) (*DeviceToken, error) {
	var tok DeviceToken
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketTokens).Get([]byte(token))
		if data == nil {
			return fmt.Errorf("device token: %w", ErrNotFound)
		}
		return json.Unmarshal(data, &tok)
	})
	if err != nil {
		return nil, err
	}
	return &tok, nil
}

func (s *BoltStore) GetDeviceToken(deviceID, role string) (*DeviceToken, error) {
	var tok DeviceToken
	err := s.db.View(func(tx *bolt.Tx) error {
		value := tx.Bucket(bucketTokenIndex).Get(indexKey(deviceID, role))
		if value == nil {
			return fmt.Errorf("token for device %s role %s: %w", deviceID, role, ErrNotFound)
		}
		data := tx.Bucket(bucketTokens).Get(value)
		if data == nil {
			return fmt.Errorf("token for device %s role %s: %w", deviceID, role, ErrNotFound)
		}
		return json.Unmarshal(data, &tok)
	})
	if err != nil {
		return nil, err
	}
	return &tok, nil
}

func (s *BoltStore) RevokeToken(token string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTokens)
		data := b.Get([]byte(token))
		if data == nil {
			return fmt.Errorf("device token: %w", ErrNotFound)
		}
		var tok DeviceToken
		if err := json.Unmarshal(data, &tok); err != nil {
			return err
		}
		tok.Revoked = true
		return put(b, []byte(token), &tok)
	})
}

func (s *BoltStore) RevokeDeviceTokens(deviceID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTokens)
		var keys [][]byte
		if err := b.ForEach(func(k, v []byte) error {
			var tok DeviceToken
			if err := json.Unmarshal(v, &tok); err != nil {
				return err
			}
			if tok.DeviceID == deviceID && !tok.Revoked {
				keys = append(keys, append([]byte(nil), k...))
			}
			return nil
		}); err != nil {
			return err
		}
		for _, k := range keys {
			var tok DeviceToken
			if err := json.Unmarshal(b.Get(k), &tok); err != nil {
				return err
			}
			tok.Revoked = true
			if err := put(b, k, &tok); err != nil {
				return err
			}
		}
		return nil
	})
}
