// Package store provides implementations of warden.Store, the configuration
// store holding environment manifests and asset definitions.
//
// Three stores are provided: Memory, for tests and embedding; Dir, reading
// YAML or JSON documents from a directory tree; and NATS, keeping documents
// in a JetStream key-value bucket.
package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/ezachrisen/warden"
)

// Manifest lists the assets of an environment. Assets are taken in the
// order: Assets, Decoders, Rules, Filters, Outputs. A name listed twice is
// kept at its first position.
//
//	name: production
//	decoders:
//	  - decoder/syslog/0
//	rules:
//	  - rule/failed-login/0
type Manifest struct {
	Name     string   `json:"name" yaml:"name"`
	Assets   []string `json:"assets,omitempty" yaml:"assets,omitempty"`
	Decoders []string `json:"decoders,omitempty" yaml:"decoders,omitempty"`
	Rules    []string `json:"rules,omitempty" yaml:"rules,omitempty"`
	Filters  []string `json:"filters,omitempty" yaml:"filters,omitempty"`
	Outputs  []string `json:"outputs,omitempty" yaml:"outputs,omitempty"`
}

// AssetNames returns the names of the assets in manifest order.
func (m *Manifest) AssetNames() []string {
	seen := map[string]bool{}
	var names []string
	for _, l := range [][]string{m.Assets, m.Decoders, m.Rules, m.Filters, m.Outputs} {
		for _, n := range l {
			if seen[n] {
				continue
			}
			seen[n] = true
			names = append(names, n)
		}
	}
	return names
}

// Memory is an in-memory Store. It is safe for concurrent use.
type Memory struct {
	mu           sync.RWMutex
	environments map[string][]string
	assets       map[string]*warden.Definition
}

func NewMemory() *Memory {
	return &Memory{
		environments: map[string][]string{},
		assets:       map[string]*warden.Definition{},
	}
}

// AddEnvironment adds or replaces an environment manifest.
func (m *Memory) AddEnvironment(name string, assets ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.environments[name] = append([]string(nil), assets...)
}

// PutAsset adds or replaces definitions, keyed by name. The store keeps
// copies.
func (m *Memory) PutAsset(defs ...*warden.Definition) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range defs {
		m.assets[d.Name] = d.Clone()
	}
}

// DeleteAsset removes a definition.
func (m *Memory) DeleteAsset(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.assets, name)
}

func (m *Memory) ListEnvironmentAssetNames(_ context.Context, env string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names, ok := m.environments[env]
	if !ok {
		return nil, fmt.Errorf("environment %q: %w", env, warden.ErrNotFound)
	}
	return append([]string(nil), names...), nil
}

func (m *Memory) GetAssetDefinition(_ context.Context, name string) (*warden.Definition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.assets[name]
	if !ok {
		return nil, fmt.Errorf("asset %q: %w", name, warden.ErrNotFound)
	}
	return d.Clone(), nil
}
