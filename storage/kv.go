package storage

import (
	"bytes"
	"errors"
	"fmt"
	"reflect"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
)

// KVStore layers RLP encoded values on top of a Database. Keys are hashed
// together with the store namespace so independent modules can share one
// database without colliding.
type KVStore struct {
	db        Database
	namespace []byte
}

// NewKVStore wraps db. An empty namespace is allowed.
func NewKVStore(db Database, namespace string) *KVStore {
	return &KVStore{db: db, namespace: []byte(namespace)}
}

func (s *KVStore) hashed(key []byte) []byte {
	return crypto.Keccak256(s.namespace, []byte("kv:"), key)
}

func (s *KVStore) raw(key []byte) ([]byte, error) {
	data, err := s.db.Get(s.hashed(key))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return data, err
}

// KVPut encodes value with RLP and stores it under key.
func (s *KVStore) KVPut(key []byte, value interface{}) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	return s.db.Put(s.hashed(key), encoded)
}

// KVGet decodes the value stored under key into out. The boolean reports
// whether the key existed.
func (s *KVStore) KVGet(key []byte, out interface{}) (bool, error) {
	if len(key) == 0 {
		return false, fmt.Errorf("kv: key must not be empty")
	}
	data, err := s.raw(key)
	if err != nil {
		return false, err
	}
	if len(data) == 0 {
		return false, nil
	}
	if out == nil {
		return true, nil
	}
	if err := rlp.DecodeBytes(data, out); err != nil {
		return false, err
	}
	return true, nil
}

// KVAppend appends value to the byte slice list stored under key. Duplicate
// values are ignored to keep indexes deterministic.
func (s *KVStore) KVAppend(key []byte, value []byte) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	data, err := s.raw(key)
	if err != nil {
		return err
	}
	var list [][]byte
	if len(data) > 0 {
		if err := rlp.DecodeBytes(data, &list); err != nil {
			return err
		}
	}
	for _, existing := range list {
		if bytes.Equal(existing, value) {
			return nil
		}
	}
	list = append(list, append([]byte(nil), value...))
	encoded, err := rlp.EncodeToBytes(list)
	if err != nil {
		return err
	}
	return s.db.Put(s.hashed(key), encoded)
}

// KVGetList decodes the list stored under key into out, which must be a
// pointer to a slice. Missing keys yield an empty slice.
func (s *KVStore) KVGetList(key []byte, out interface{}) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	data, err := s.raw(key)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		val := reflect.ValueOf(out)
		if val.Kind() != reflect.Ptr || val.IsNil() {
			return fmt.Errorf("kv: destination must be a non-nil pointer")
		}
		elem := val.Elem()
		if elem.Kind() != reflect.Slice {
			return fmt.Errorf("kv: destination must point to a slice")
		}
		elem.Set(reflect.MakeSlice(elem.Type(), 0, 0))
		return nil
	}
	return rlp.DecodeBytes(data, out)
}

// KVWriteBatch stores pre-encoded RLP values atomically.
func (s *KVStore) KVWriteBatch(entries map[string][]byte) error {
	if len(entries) == 0 {
		return nil
	}
	batch := s.db.NewBatch()
	for key, value := range entries {
		if key == "" {
			return fmt.Errorf("kv: key must not be empty")
		}
		batch.Put(s.hashed([]byte(key)), value)
	}
	return batch.Write()
}
