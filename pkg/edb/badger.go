package edb

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v4"

	"github.com/orneryd/munindb/pkg/rules"
)

// Key prefixes for the badger store layout.
// Using single-byte prefixes for efficiency.
const (
	prefixFact = byte(0x01) // fact:pred + 0x00 + rowIdx -> packed terms
	prefixDict = byte(0x02) // dict:id -> text
	prefixMeta = byte(0x03) // meta:pred -> arity
)

// Store is a persistent fact and dictionary store backed by BadgerDB.
//
// Facts are written once at load time and bulk-read into a columnar
// MemoryTable image by Table, so chase-time reads never touch disk. The term
// dictionary is mirrored to the same database: every minted id is written
// through, and the full mapping is replayed at open.
//
// Example:
//
//	store, err := edb.OpenStore(edb.StoreOptions{DataDir: "./data"})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer store.Close()
//
//	layer := edb.NewLayerWithDictionary(store.Dictionary())
//	table, _ := store.Table("edge", 2)
//	layer.AddTable(edgePred, table)
type Store struct {
	db   *badger.DB
	dict *Dictionary

	mu     sync.Mutex
	counts map[string]uint64 // rows persisted per predicate
	closed bool
}

// StoreOptions configures OpenStore.
type StoreOptions struct {
	// DataDir is the directory for the badger files. Required unless
	// InMemory is set.
	DataDir string
	// InMemory runs badger without touching disk. Useful for tests.
	InMemory bool
	// SyncWrites forces fsync after each write. Slower but more durable.
	SyncWrites bool
}

// OpenStore opens (or creates) a store and replays its dictionary.
func OpenStore(opts StoreOptions) (*Store, error) {
	bopts := badger.DefaultOptions(opts.DataDir).
		WithInMemory(opts.InMemory).
		WithSyncWrites(opts.SyncWrites).
		WithLogger(nil)
	if opts.InMemory {
		bopts = bopts.WithDir("").WithValueDir("")
	}
	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("open badger store: %w", err)
	}
	s := &Store{db: db, dict: NewDictionary(), counts: map[string]uint64{}}
	if err := s.loadDictionary(); err != nil {
		db.Close()
		return nil, err
	}
	s.dict.persist = s.persistDictEntry
	return s, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Dictionary returns the write-through term dictionary.
func (s *Store) Dictionary() *Dictionary { return s.dict }

func (s *Store) loadDictionary() error {
	return s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte{prefixDict}
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			id := rules.Term(binary.BigEndian.Uint64(item.Key()[1:]))
			err := item.Value(func(val []byte) error {
				return s.dict.restore(string(val), id)
			})
			if err != nil {
				return fmt.Errorf("replay dictionary: %w", err)
			}
		}
		return nil
	})
}

func (s *Store) persistDictEntry(text string, id rules.Term) error {
	key := make([]byte, 9)
	key[0] = prefixDict
	binary.BigEndian.PutUint64(key[1:], uint64(id))
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, []byte(text))
	})
}

// AppendFacts persists rows for predicate name. The arity is recorded on
// first write and enforced afterwards.
func (s *Store) AppendFacts(name string, arity int, facts [][]rules.Term) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, err := s.arity(name)
	if err != nil {
		return err
	}
	if stored == 0 {
		if err := s.setArity(name, arity); err != nil {
			return err
		}
	} else if stored != arity {
		return fmt.Errorf("predicate %s: stored arity %d, got %d", name, stored, arity)
	}

	if _, ok := s.counts[name]; !ok {
		n, err := s.countFacts(name)
		if err != nil {
			return err
		}
		s.counts[name] = n
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	next := s.counts[name]
	for _, row := range facts {
		key := factKey(name, next)
		val := make([]byte, 8*arity)
		for i, t := range row {
			binary.BigEndian.PutUint64(val[i*8:], uint64(t))
		}
		if err := wb.Set(key, val); err != nil {
			return fmt.Errorf("persist fact: %w", err)
		}
		next++
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("flush facts: %w", err)
	}
	s.counts[name] = next
	return nil
}

// Table bulk-loads the persisted facts of name into a columnar table.
func (s *Store) Table(name string, arity int) (Table, error) {
	stored, err := s.arity(name)
	if err != nil {
		return nil, err
	}
	if stored != 0 && stored != arity {
		return nil, fmt.Errorf("predicate %s: stored arity %d, got %d", name, stored, arity)
	}
	table := NewMemoryTable(arity)
	err = s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()
		prefix := factPrefix(name)
		row := make([]rules.Term, arity)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				if len(val) != 8*arity {
					return fmt.Errorf("predicate %s: malformed row of %d bytes", name, len(val))
				}
				for i := range row {
					row[i] = rules.Term(binary.BigEndian.Uint64(val[i*8:]))
				}
				table.AddRow(row)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load facts for %s: %w", name, err)
	}
	table.Freeze()
	return table, nil
}

func (s *Store) countFacts(name string) (uint64, error) {
	var n uint64
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		prefix := factPrefix(name)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			n++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("count facts for %s: %w", name, err)
	}
	return n, nil
}

func (s *Store) arity(name string) (int, error) {
	var arity int
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(append([]byte{prefixMeta}, name...))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			arity = int(binary.BigEndian.Uint32(val))
			return nil
		})
	})
	if err != nil {
		return 0, fmt.Errorf("read arity of %s: %w", name, err)
	}
	return arity, nil
}

func (s *Store) setArity(name string, arity int) error {
	val := make([]byte, 4)
	binary.BigEndian.PutUint32(val, uint32(arity))
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(append([]byte{prefixMeta}, name...), val)
	})
}

func factPrefix(name string) []byte {
	out := make([]byte, 0, len(name)+2)
	out = append(out, prefixFact)
	out = append(out, name...)
	return append(out, 0x00)
}

func factKey(name string, idx uint64) []byte {
	out := make([]byte, 0, len(name)+10)
	out = append(out, factPrefix(name)...)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], idx)
	return append(out, buf[:]...)
}
