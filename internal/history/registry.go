package history

import (
	"context"
	"errors"
	"fmt"
	"log"
	"reflect"
	"sync"
)

// ErrIndexOutOfRange is returned by Delete for a position with no record.
var ErrIndexOutOfRange = errors.New("history index out of range")

// Store persists the full ordered record list.
type Store interface {
	Load(ctx context.Context) ([]Record, error)
	Save(ctx context.Context, records []Record) error
}

// Registry is the ordered list of saved connections. Every mutation is
// written through to the Store before it becomes visible; if the write fails
// the list is left as it was.
type Registry struct {
	mu      sync.Mutex
	store   Store
	records []Record
}

// Open loads the records from store and upgrades them. If any record needed
// upgrading, the upgraded list is saved back.
func Open(ctx context.Context, store Store) (*Registry, error) {
	loaded, err := store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}

	records := make([]Record, len(loaded))
	changed := 0
	for i, rec := range loaded {
		records[i] = Upgrade(rec)
		if !reflect.DeepEqual(records[i], rec) {
			changed++
		}
	}
	if changed > 0 {
		if err := store.Save(ctx, records); err != nil {
			return nil, fmt.Errorf("save upgraded history: %w", err)
		}
		log.Printf("[history] upgraded %d record(s) to version %d", changed, CurrentVersion)
	}

	return &Registry{store: store, records: records}, nil
}

// Append adds rec at the end of the list and returns its position.
func (r *Registry) Append(ctx context.Context, rec Record) (int, error) {
	rec = Upgrade(rec)

	r.mu.Lock()
	defer r.mu.Unlock()

	next := make([]Record, len(r.records), len(r.records)+1)
	copy(next, r.records)
	next = append(next, rec)
	if err := r.store.Save(ctx, next); err != nil {
		return 0, fmt.Errorf("save history: %w", err)
	}
	r.records = next
	return len(next) - 1, nil
}

// List returns a copy of every record, in order.
func (r *Registry) List() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Record, len(r.records))
	for i, rec := range r.records {
		out[i] = rec.Clone()
	}
	return out
}

// Len returns the number of records.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

// Delete removes the record at index; later records move down by one.
func (r *Registry) Delete(ctx context.Context, index int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if index < 0 || index >= len(r.records) {
		return fmt.Errorf("delete %d of %d: %w", index, len(r.records), ErrIndexOutOfRange)
	}
	next := make([]Record, 0, len(r.records)-1)
	next = append(next, r.records[:index]...)
	next = append(next, r.records[index+1:]...)
	if err := r.store.Save(ctx, next); err != nil {
		return fmt.Errorf("save history: %w", err)
	}
	r.records = next
	return nil
}

// MemoryStore keeps records in memory only.
type MemoryStore struct {
	mu      sync.Mutex
	records []Record
}

func (m *MemoryStore) Load(_ context.Context) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, len(m.records))
	for i, rec := range m.records {
		out[i] = rec.Clone()
	}
	return out, nil
}

func (m *MemoryStore) Save(_ context.Context, records []Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = make([]Record, len(records))
	for i, rec := range records {
		m.records[i] = rec.Clone()
	}
	return nil
}
