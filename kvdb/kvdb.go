// Package kvdb provides the key-value enrichment databases consulted by
// transforms and checks while an event is traversed.
//
// A database is a named set of keys; each key holds a JSON value. The Memory
// implementation is loaded from a directory of JSON files, the NATS
// implementation keeps one JetStream key-value bucket per database.
package kvdb

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

var (
	// ErrKeyNotFound is returned by Get for a key the database does not hold.
	ErrKeyNotFound = errors.New("key not found")

	// ErrDatabaseNotFound is returned for an unknown database.
	ErrDatabaseNotFound = errors.New("database not found")
)

// Reader looks up values. Implementations must be safe for concurrent use.
type Reader interface {
	Get(ctx context.Context, db, key string) (any, error)
}

// Memory is an in-memory set of databases.
type Memory struct {
	mu  sync.RWMutex
	dbs map[string]map[string]any
}

func NewMemory() *Memory {
	return &Memory{dbs: map[string]map[string]any{}}
}

// Get returns the value of key in db.
func (m *Memory) Get(_ context.Context, db, key string) (any, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.dbs[db]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDatabaseNotFound, db)
	}
	v, ok := d[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrKeyNotFound, db, key)
	}
	return v, nil
}

// Put stores v under key in db, creating the database if needed.
func (m *Memory) Put(db, key string, v any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.dbs[db]
	if !ok {
		d = map[string]any{}
		m.dbs[db] = d
	}
	d[key] = v
}

// Delete removes key from db.
func (m *Memory) Delete(db, key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.dbs[db], key)
}

// Databases returns the names of the databases.
func (m *Memory) Databases() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.dbs))
	for k := range m.dbs {
		names = append(names, k)
	}
	return names
}

// LoadDir loads every *.json file in dir as a database named after the
// file. Each file holds one JSON object mapping keys to values.
// Loading a database replaces its previous contents.
func (m *Memory) LoadDir(dir string) error {
	files, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return err
	}
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			return fmt.Errorf("loading kvdb %s: %w", f, err)
		}
		values, err := decodeObject(data)
		if err != nil {
			return fmt.Errorf("loading kvdb %s: %w", f, err)
		}
		name := strings.TrimSuffix(filepath.Base(f), filepath.Ext(f))
		m.mu.Lock()
		m.dbs[name] = values
		m.mu.Unlock()
	}
	return nil
}

func decodeObject(data []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, err
	}
	if m == nil {
		return nil, fmt.Errorf("not a JSON object")
	}
	return m, nil
}

// decodeValue decodes a stored value. Values that are not valid JSON are
// returned as strings.
func decodeValue(data []byte) any {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil || dec.More() {
		return string(data)
	}
	return v
}
