package kvdb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// DefaultBucketPrefix is prepended to database names to form bucket names.
const DefaultBucketPrefix = "warden_kvdb_"

// NATS keeps each database in a JetStream key-value bucket.
type NATS struct {
	js      jetstream.JetStream
	prefix  string
	timeout time.Duration

	mu      sync.RWMutex
	buckets map[string]jetstream.KeyValue
}

type NATSOption func(*NATS)

// WithBucketPrefix sets the prefix of bucket names.
// Default: DefaultBucketPrefix
func WithBucketPrefix(p string) NATSOption {
	return func(n *NATS) {
		n.prefix = p
	}
}

// WithTimeout bounds each lookup.
// Default: 2s
func WithTimeout(d time.Duration) NATSOption {
	return func(n *NATS) {
		n.timeout = d
	}
}

func NewNATS(js jetstream.JetStream, opts ...NATSOption) *NATS {
	n := &NATS{
		js:      js,
		prefix:  DefaultBucketPrefix,
		timeout: 2 * time.Second,
		buckets: map[string]jetstream.KeyValue{},
	}
	for _, o := range opts {
		o(n)
	}
	return n
}

// Get returns the JSON-decoded value of key in db.
func (n *NATS) Get(ctx context.Context, db, key string) (any, error) {
	if n.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.timeout)
		defer cancel()
	}
	kv, err := n.bucket(ctx, db, false)
	if err != nil {
		return nil, err
	}
	entry, err := kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted) {
			return nil, fmt.Errorf("%w: %s/%s", ErrKeyNotFound, db, key)
		}
		return nil, fmt.Errorf("kvdb get %s/%s: %w", db, key, err)
	}
	return decodeValue(entry.Value()), nil
}

// Put stores the JSON encoding of v under key in db, creating the bucket if
// needed.
func (n *NATS) Put(ctx context.Context, db, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("kvdb put %s/%s: %w", db, key, err)
	}
	kv, err := n.bucket(ctx, db, true)
	if err != nil {
		return err
	}
	if _, err := kv.Put(ctx, key, data); err != nil {
		return fmt.Errorf("kvdb put %s/%s: %w", db, key, err)
	}
	return nil
}

// Load stores every value of the Memory databases in their buckets.
func (n *NATS) Load(ctx context.Context, m *Memory) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for db, values := range m.dbs {
		for k, v := range values {
			if err := n.Put(ctx, db, k, v); err != nil {
				return err
			}
		}
	}
	return nil
}

func (n *NATS) bucket(ctx context.Context, db string, create bool) (jetstream.KeyValue, error) {
	n.mu.RLock()
	kv, ok := n.buckets[db]
	n.mu.RUnlock()
	if ok {
		return kv, nil
	}

	name := n.prefix + db
	kv, err := n.js.KeyValue(ctx, name)
	if errors.Is(err, jetstream.ErrBucketNotFound) && create {
		kv, err = n.js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
			Bucket:      name,
			Description: "warden enrichment database " + db,
		})
		if errors.Is(err, jetstream.ErrBucketExists) {
			kv, err = n.js.KeyValue(ctx, name)
		}
	}
	if err != nil {
		if errors.Is(err, jetstream.ErrBucketNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrDatabaseNotFound, db)
		}
		return nil, fmt.Errorf("kvdb bucket %s: %w", name, err)
	}

	n.mu.Lock()
	n.buckets[db] = kv
	n.mu.Unlock()
	return kv, nil
}
