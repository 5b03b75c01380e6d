package cel

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/ezachrisen/warden"
	"github.com/ezachrisen/warden/kvdb"
	celgo "github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
)

// KVDB declares functions reading a key-value database:
//
//	kvdb_has(db, key) bool   // the key is present in db
//	kvdb_get(db, key) dyn    // the value of key; an error if absent
//
// The key may be a string, number or bool; non-string keys are formatted.
// Each lookup is bounded by timeout.
func KVDB(r kvdb.Reader, timeout time.Duration) celgo.EnvOption {
	lookup := func(db, key ref.Val) (any, error) {
		d, ok := db.Value().(string)
		if !ok {
			return nil, fmt.Errorf("database name must be a string, got %s", db.Type())
		}
		k, err := keyString(key)
		if err != nil {
			return nil, err
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return r.Get(ctx, d, k)
	}

	return celgo.Lib(&library{opts: []celgo.EnvOption{
		celgo.Function("kvdb_has",
			celgo.Overload("kvdb_has_string_dyn",
				[]*celgo.Type{celgo.StringType, celgo.DynType},
				celgo.BoolType,
				celgo.BinaryBinding(func(db, key ref.Val) ref.Val {
					_, err := lookup(db, key)
					if errors.Is(err, kvdb.ErrKeyNotFound) {
						return types.False
					}
					if err != nil {
						return types.NewErr("kvdb_has: %v", err)
					}
					return types.True
				}))),
		celgo.Function("kvdb_get",
			celgo.Overload("kvdb_get_string_dyn",
				[]*celgo.Type{celgo.StringType, celgo.DynType},
				celgo.DynType,
				celgo.BinaryBinding(func(db, key ref.Val) ref.Val {
					v, err := lookup(db, key)
					if err != nil {
						return types.NewErr("kvdb_get: %v", err)
					}
					return types.DefaultTypeAdapter.NativeToValue(warden.Normalize(v))
				}))),
	}})
}

// Network declares address functions:
//
//	cidr_match(ip, cidr) bool   // ip lies within the prefix cidr
//	is_private(ip) bool         // ip is loopback, link-local or private
//
// Unparseable addresses do not match.
func Network() celgo.EnvOption {
	return celgo.Lib(&library{opts: []celgo.EnvOption{
		celgo.Function("cidr_match",
			celgo.Overload("cidr_match_string_string",
				[]*celgo.Type{celgo.StringType, celgo.StringType},
				celgo.BoolType,
				celgo.BinaryBinding(func(ip, cidr ref.Val) ref.Val {
					addr, err := netip.ParseAddr(fmt.Sprint(ip.Value()))
					if err != nil {
						return types.False
					}
					p, err := netip.ParsePrefix(fmt.Sprint(cidr.Value()))
					if err != nil {
						return types.NewErr("cidr_match: %v", err)
					}
					return types.Bool(p.Contains(addr.Unmap()))
				}))),
		celgo.Function("is_private",
			celgo.Overload("is_private_string",
				[]*celgo.Type{celgo.StringType},
				celgo.BoolType,
				celgo.UnaryBinding(func(ip ref.Val) ref.Val {
					addr, err := netip.ParseAddr(fmt.Sprint(ip.Value()))
					if err != nil {
						return types.False
					}
					addr = addr.Unmap()
					return types.Bool(addr.IsPrivate() || addr.IsLoopback() || addr.IsLinkLocalUnicast())
				}))),
	}})
}

func keyString(v ref.Val) (string, error) {
	switch x := v.Value().(type) {
	case string:
		return x, nil
	case int64, uint64, float64, bool:
		return fmt.Sprint(x), nil
	}
	return "", fmt.Errorf("key must be a scalar, got %s", v.Type())
}

type library struct {
	opts []celgo.EnvOption
}

func (l *library) CompileOptions() []celgo.EnvOption { return l.opts }

func (l *library) ProgramOptions() []celgo.ProgramOption { return nil }
