package warden

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
)

// Resolver fetches the definitions of an environment from a Store and
// orders them for compilation.
type Resolver struct {
	store  Store
	logger *slog.Logger
}

func NewResolver(store Store, opts ...Option) *Resolver {
	o := applyOptions(opts...)
	return &Resolver{
		store:  store,
		logger: o.Logger,
	}
}

// Resolve returns the definitions of the environment ordered so that every
// definition follows all of its parents. Among definitions whose parents
// are all placed, the one listed first in the manifest is placed first.
//
// Parents that are not listed in the manifest are fetched from the store
// and appended to the manifest in the order they are discovered.
//
// Errors: ErrNotFound for an unknown environment, asset or parent
// (*NotFoundError), ErrInvalidAsset for a definition that breaks a
// structural rule (*InvalidAssetError), ErrCycleDetected when the parent
// references cannot be ordered (*CycleError).
func (r *Resolver) Resolve(ctx context.Context, env string) ([]*Definition, error) {
	names, err := r.store.ListEnvironmentAssetNames(ctx, env)
	if err != nil {
		return nil, fmt.Errorf("resolving environment %q: %w", env, err)
	}

	defs := make([]*Definition, 0, len(names))
	first := make(map[string]int, len(names)) // name -> index of its first definition

	fetch := func(name, referencedBy string) error {
		d, err := r.store.GetAssetDefinition(ctx, name)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return &NotFoundError{Name: name, ReferencedBy: referencedBy}
			}
			return fmt.Errorf("fetching asset %q: %w", name, err)
		}
		if d == nil {
			return &NotFoundError{Name: name, ReferencedBy: referencedBy}
		}
		if d.Name != name {
			return &InvalidAssetError{Asset: name, Reason: fmt.Sprintf("store returned definition named %q", d.Name)}
		}
		if err := d.validate(); err != nil {
			return err
		}
		if _, ok := first[name]; !ok {
			first[name] = len(defs)
		}
		defs = append(defs, d)
		return nil
	}

	for _, n := range names {
		if err := fetch(n, ""); err != nil {
			return nil, fmt.Errorf("resolving environment %q: %w", env, err)
		}
	}
	// defs grows while parents are discovered.
	for i := 0; i < len(defs); i++ {
		for _, p := range defs[i].Parents {
			if _, ok := first[p]; ok {
				continue
			}
			if err := fetch(p, defs[i].Name); err != nil {
				return nil, fmt.Errorf("resolving environment %q: %w", env, err)
			}
		}
	}

	ordered, err := order(defs, first)
	if err != nil {
		return nil, fmt.Errorf("resolving environment %q: %w", env, err)
	}
	r.logger.Debug("environment resolved",
		"environment", env,
		"manifest", len(names),
		"assets", len(ordered))
	return ordered, nil
}

// order sorts defs topologically (Kahn), breaking ties by position in defs.
func order(defs []*Definition, first map[string]int) ([]*Definition, error) {
	pending := make([]int, len(defs)) // parents not yet placed
	children := make([][]int, len(defs))
	for i, d := range defs {
		var seen []int
		for _, p := range d.Parents {
			pi := first[p]
			if slices.Contains(seen, pi) {
				continue
			}
			seen = append(seen, pi)
			pending[i]++
			children[pi] = append(children[pi], i)
		}
	}

	var ready []int // sorted ascending
	push := func(i int) {
		pos, _ := slices.BinarySearch(ready, i)
		ready = slices.Insert(ready, pos, i)
	}
	for i := range defs {
		if pending[i] == 0 {
			push(i)
		}
	}

	ordered := make([]*Definition, 0, len(defs))
	for len(ready) > 0 {
		i := ready[0]
		ready = ready[1:]
		ordered = append(ordered, defs[i])
		for _, c := range children[i] {
			pending[c]--
			if pending[c] == 0 {
				push(c)
			}
		}
	}

	if len(ordered) < len(defs) {
		var stuck []string
		for i, d := range defs {
			if pending[i] > 0 {
				stuck = append(stuck, d.Name)
			}
		}
		return nil, &CycleError{Assets: stuck}
	}
	return ordered, nil
}
