package mirror

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v3"
)

// recordPrefix namespaces object records in the index
const recordPrefix = "obj:"

// Record is the index entry of one mirror file: its metadata plus the
// fingerprint of the bytes last written through the store.
type Record struct {
	Meta    map[string]string `json:"meta"`
	Hash    string            `json:"hash"`
	Size    int64             `json:"size"`
	MtimeNs int64             `json:"mtime_ns"`
}

// Index persists object metadata for the file-system store in badger
type Index struct {
	kv *badger.DB
}

// OpenIndex opens (or creates) a badger index at dir. An empty dir opens an
// in-memory index.
func OpenIndex(dir string) (*Index, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}

	kv, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open index at %q: %w", dir, err)
	}
	return &Index{kv: kv}, nil
}

// Close closes the underlying badger database
func (ix *Index) Close() error {
	return ix.kv.Close()
}

func recordKey(key string) []byte {
	return []byte(recordPrefix + key)
}

// Get returns the record for key, or nil when none exists
func (ix *Index) Get(key string) (*Record, error) {
	var rec *Record
	err := ix.kv.View(func(txn *badger.Txn) error {
		item, err := txn.Get(recordKey(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			rec = &Record{}
			return json.Unmarshal(val, rec)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read index record %q: %w", key, err)
	}
	return rec, nil
}

// Put stores the record for key
func (ix *Index) Put(key string, rec *Record) error {
	encoded, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal index record: %w", err)
	}
	return ix.kv.Update(func(txn *badger.Txn) error {
		return txn.Set(recordKey(key), encoded)
	})
}

// Delete removes the record for key
func (ix *Index) Delete(key string) error {
	return ix.kv.Update(func(txn *badger.Txn) error {
		return txn.Delete(recordKey(key))
	})
}

// Keys returns every indexed key under prefix
func (ix *Index) Keys(prefix string) ([]string, error) {
	var keys []string
	searchPrefix := recordKey(prefix)

	err := ix.kv.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(searchPrefix); it.ValidForPrefix(searchPrefix); it.Next() {
			keys = append(keys, string(it.Item().Key()[len(recordPrefix):]))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}
