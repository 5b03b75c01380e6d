package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ezachrisen/warden"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	environmentPrefix = "environment."
	assetPrefix       = "asset."
)

// NATS keeps manifests and definitions as JSON documents in a JetStream
// key-value bucket, under the keys "environment.<name>" and "asset.<name>".
type NATS struct {
	kv jetstream.KeyValue
}

func NewNATS(kv jetstream.KeyValue) *NATS {
	return &NATS{kv: kv}
}

// OpenNATS returns a store on the named bucket, creating the bucket if it
// does not exist.
func OpenNATS(ctx context.Context, js jetstream.JetStream, bucket string) (*NATS, error) {
	kv, err := js.KeyValue(ctx, bucket)
	if errors.Is(err, jetstream.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
			Bucket:      bucket,
			Description: "warden environments and assets",
			History:     5,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("opening store bucket %s: %w", bucket, err)
	}
	return NewNATS(kv), nil
}

func (n *NATS) ListEnvironmentAssetNames(ctx context.Context, env string) ([]string, error) {
	var m Manifest
	if err := n.get(ctx, environmentPrefix+env, &m); err != nil {
		return nil, fmt.Errorf("environment %q: %w", env, err)
	}
	return m.AssetNames(), nil
}

func (n *NATS) GetAssetDefinition(ctx context.Context, name string) (*warden.Definition, error) {
	var d warden.Definition
	if err := n.get(ctx, assetPrefix+name, &d); err != nil {
		return nil, fmt.Errorf("asset %q: %w", name, err)
	}
	if d.Name == "" {
		d.Name = name
	}
	return &d, nil
}

// PutEnvironment stores a manifest under its name.
func (n *NATS) PutEnvironment(ctx context.Context, m *Manifest) error {
	if m.Name == "" {
		return fmt.Errorf("manifest has no name")
	}
	return n.put(ctx, environmentPrefix+m.Name, m)
}

// PutAsset stores a definition under its name.
func (n *NATS) PutAsset(ctx context.Context, d *warden.Definition) error {
	if d.Name == "" {
		return fmt.Errorf("definition has no name")
	}
	return n.put(ctx, assetPrefix+d.Name, d)
}

func (n *NATS) put(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}
	if _, err := n.kv.Put(ctx, key, data); err != nil {
		return fmt.Errorf("storing %s: %w", key, err)
	}
	return nil
}

func (n *NATS) get(ctx context.Context, key string, v any) error {
	entry, err := n.kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted) {
			return warden.ErrNotFound
		}
		return fmt.Errorf("reading %s: %w", key, err)
	}
	if err := json.Unmarshal(entry.Value(), v); err != nil {
		return fmt.Errorf("decoding %s: %w", key, err)
	}
	return nil
}
