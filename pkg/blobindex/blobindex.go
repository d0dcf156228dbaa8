// Package blobindex maintains the append-only mapping between blob identifiers
// and dense integer indices.
//
// Indices are assigned 0..N-1 in order of first sighting and never change or
// get reused. The on-disk form is a YAML mapping of index to identifier.
package blobindex

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/eunmann/s3-access-db/pkg/fileutil"
)

// ErrIntegrity indicates a table that is not a dense bijection.
var ErrIntegrity = errors.New("blob index integrity violation")

// Table maps blob identifiers to indices. It is safe for concurrent use.
type Table struct {
	mu    sync.RWMutex
	ids   []string
	index map[string]int64
	dirty bool
}

// New returns an empty table.
func New() *Table {
	return &Table{index: make(map[string]int64)}
}

// Load reads a table from path. A missing file yields an empty table.
func Load(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return New(), nil
		}
		return nil, fmt.Errorf("read blob index: %w", err)
	}

	var raw map[int64]string
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse blob index %s: %w", path, err)
	}
	return FromMap(raw)
}

// FromMap builds a table from an index to identifier mapping.
func FromMap(raw map[int64]string) (*Table, error) {
	t := &Table{
		ids:   make([]string, len(raw)),
		index: make(map[string]int64, len(raw)),
	}
	for idx, id := range raw {
		if idx < 0 || idx >= int64(len(raw)) {
			return nil, fmt.Errorf("index %d outside 0..%d: %w", idx, len(raw)-1, ErrIntegrity)
		}
		if id == "" {
			return nil, fmt.Errorf("index %d has an empty identifier: %w", idx, ErrIntegrity)
		}
		if prev, ok := t.index[id]; ok {
			return nil, fmt.Errorf("identifier %q at indices %d and %d: %w", id, prev, idx, ErrIntegrity)
		}
		t.ids[idx] = id
		t.index[id] = idx
	}
	return t, nil
}

// Len returns the number of assigned indices.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.ids)
}

// Dirty reports whether indices were assigned since the last Load or Save.
func (t *Table) Dirty() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.dirty
}

// Lookup returns the index of id, if assigned.
func (t *Table) Lookup(id string) (int64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	idx, ok := t.index[id]
	return idx, ok
}

// Identifier returns the identifier for idx, if assigned.
func (t *Table) Identifier(idx int64) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if idx < 0 || idx >= int64(len(t.ids)) {
		return "", false
	}
	return t.ids[idx], true
}

// ResolveOrAssign returns the index of id, assigning the next free index if
// id is new. assigned is true only for the call that created the entry.
func (t *Table) ResolveOrAssign(id string) (idx int64, assigned bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.resolveLocked(id)
}

func (t *Table) resolveLocked(id string) (int64, bool) {
	if idx, ok := t.index[id]; ok {
		return idx, false
	}
	idx := int64(len(t.ids))
	t.ids = append(t.ids, id)
	t.index[id] = idx
	t.dirty = true
	return idx, true
}

// AssignBatch assigns indices to every unseen identifier in ids, in sorted
// order so the outcome does not depend on discovery order. Duplicates and
// known identifiers are ignored. It returns the number of new indices.
func (t *Table) AssignBatch(ids []string) (int, error) {
	unseen := make([]string, 0, len(ids))
	t.mu.RLock()
	for _, id := range ids {
		if _, ok := t.index[id]; !ok {
			unseen = append(unseen, id)
		}
	}
	t.mu.RUnlock()

	sort.Strings(unseen)

	t.mu.Lock()
	defer t.mu.Unlock()
	assigned := 0
	for i, id := range unseen {
		if i > 0 && unseen[i-1] == id {
			continue
		}
		if id == "" {
			return assigned, fmt.Errorf("empty identifier: %w", ErrIntegrity)
		}
		if _, ok := t.resolveLocked(id); ok {
			assigned++
		}
	}
	return assigned, nil
}

// Validate checks that the table is a dense bijection.
func (t *Table) Validate() error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if len(t.ids) != len(t.index) {
		return fmt.Errorf("%d indices but %d identifiers: %w", len(t.ids), len(t.index), ErrIntegrity)
	}
	for idx, id := range t.ids {
		if got, ok := t.index[id]; !ok || got != int64(idx) {
			return fmt.Errorf("identifier %q at index %d maps back to %d: %w", id, idx, got, ErrIntegrity)
		}
	}
	return nil
}

// Export returns a copy of the index to identifier mapping.
func (t *Table) Export() map[int64]string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[int64]string, len(t.ids))
	for idx, id := range t.ids {
		out[int64(idx)] = id
	}
	return out
}

// Save validates the table and replaces path atomically.
func (t *Table) Save(path string) error {
	if err := t.ExportFile(path); err != nil {
		return err
	}
	t.mu.Lock()
	t.dirty = false
	t.mu.Unlock()
	return nil
}

// ExportFile validates the table and writes it to path without clearing the
// dirty flag. It is used for side files that are not the source of truth.
func (t *Table) ExportFile(path string) error {
	if err := t.Validate(); err != nil {
		return err
	}
	data, err := yaml.Marshal(t.Export())
	if err != nil {
		return fmt.Errorf("marshal blob index: %w", err)
	}
	if err := fileutil.WriteFileAtomic(path, data); err != nil {
		return fmt.Errorf("write blob index: %w", err)
	}
	return nil
}
