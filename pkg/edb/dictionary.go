package edb

import (
	"fmt"
	"sync"

	"github.com/orneryd/munindb/pkg/rules"
)

// Dictionary encodes textual constants as term ids. Ids are dense, start at
// 1 (0 is never handed out so it can serve as a catch-all in tests), and
// stay below rules.FreshNullStart so they never collide with labelled nulls.
//
// All methods are safe for concurrent use.
type Dictionary struct {
	mu     sync.RWMutex
	byText map[string]rules.Term
	byID   []string // byID[0] is the unused id 0
	// persist, when set, is called under the lock for every new entry;
	// the badger backend uses it to mirror the dictionary to disk.
	persist func(text string, id rules.Term) error
}

// NewDictionary returns an empty in-memory dictionary.
func NewDictionary() *Dictionary {
	return &Dictionary{byText: map[string]rules.Term{}, byID: []string{""}}
}

// GetOrAdd resolves text, minting a fresh id when absent.
func (d *Dictionary) GetOrAdd(text string) rules.Term {
	d.mu.Lock()
	defer d.mu.Unlock()
	if id, ok := d.byText[text]; ok {
		return id
	}
	id := rules.Term(len(d.byID))
	d.byText[text] = id
	d.byID = append(d.byID, text)
	if d.persist != nil {
		// Persistence failures must not fork the id space; the badger
		// backend replays its log at open, so losing one write only
		// costs re-minting after a crash.
		_ = d.persist(text, id)
	}
	return id
}

// Get resolves text without minting.
func (d *Dictionary) Get(text string) (rules.Term, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	id, ok := d.byText[text]
	return id, ok
}

// Text resolves an id back to its text.
func (d *Dictionary) Text(id rules.Term) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if id == 0 || int(id) >= len(d.byID) {
		return "", fmt.Errorf("%w: %d", ErrUnknownTerm, id)
	}
	return d.byID[id], nil
}

// Len returns the number of known terms.
func (d *Dictionary) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.byID) - 1
}

// restore inserts a known (text, id) pair at load time. Ids must arrive in
// ascending dense order.
func (d *Dictionary) restore(text string, id rules.Term) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if int(id) != len(d.byID) {
		return fmt.Errorf("dictionary out of order: got id %d, want %d", id, len(d.byID))
	}
	d.byText[text] = id
	d.byID = append(d.byID, text)
	return nil
}
