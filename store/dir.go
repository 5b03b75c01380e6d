package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/ezachrisen/warden"
	"gopkg.in/yaml.v3"
)

// Extensions tried, in order, when looking up a document.
var Extensions = []string{".yml", ".yaml", ".json"}

// Dir reads documents from a directory tree:
//
//	<root>/environments/<environment>.yml
//	<root>/assets/<asset name>.yml
//
// Asset names may contain slashes, which map to subdirectories: the asset
// "decoder/syslog/0" lives in assets/decoder/syslog/0.yml. JSON documents
// are accepted with a .json extension. Unknown fields are an error.
type Dir struct {
	root string
}

func NewDir(root string) *Dir {
	return &Dir{root: root}
}

func (d *Dir) ListEnvironmentAssetNames(_ context.Context, env string) ([]string, error) {
	var m Manifest
	if err := d.read("environments", env, &m); err != nil {
		return nil, fmt.Errorf("environment %q: %w", env, err)
	}
	if m.Name != "" && m.Name != env {
		return nil, fmt.Errorf("environment %q: manifest is named %q", env, m.Name)
	}
	return m.AssetNames(), nil
}

func (d *Dir) GetAssetDefinition(_ context.Context, name string) (*warden.Definition, error) {
	var def warden.Definition
	if err := d.read("assets", name, &def); err != nil {
		return nil, fmt.Errorf("asset %q: %w", name, err)
	}
	if def.Name == "" {
		def.Name = name
	}
	return &def, nil
}

// Environments returns the names of the environments in the tree.
func (d *Dir) Environments() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(d.root, "environments"))
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		for _, x := range Extensions {
			if ext == x {
				names = append(names, strings.TrimSuffix(e.Name(), ext))
				break
			}
		}
	}
	return names, nil
}

func (d *Dir) read(kind, name string, v any) error {
	if name == "" || strings.Contains(name, "..") || filepath.IsAbs(name) {
		return fmt.Errorf("invalid name: %w", warden.ErrNotFound)
	}
	base := filepath.Join(d.root, kind, filepath.FromSlash(name))
	for _, ext := range Extensions {
		data, err := os.ReadFile(base + ext)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return err
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(v); err != nil {
			return fmt.Errorf("decoding %s: %w", base+ext, err)
		}
		return nil
	}
	return warden.ErrNotFound
}
