// Package parser extracts typed fields from raw event text.
//
// Parsers are looked up by type hint in a Registry. The transform package's
// parse operation uses them to turn a string field into structured values.
package parser

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/netip"
	"sort"
	"strconv"
	"strings"
	"sync"
	"unicode"

	"github.com/ezachrisen/warden"
)

// ErrUnknownType is returned by Lookup for a type hint with no parser.
var ErrUnknownType = errors.New("unknown parser type")

// A Parser turns text into a value. Results are normalized event values:
// string, int64, float64, bool, []any or map[string]any.
type Parser interface {
	Parse(s string) (any, error)
}

// ParserFunc adapts a function to the Parser interface.
type ParserFunc func(s string) (any, error)

func (f ParserFunc) Parse(s string) (any, error) { return f(s) }

// Registry maps type hints to parsers. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	parsers map[string]Parser
}

// NewRegistry returns a registry holding the built-in parsers:
//
//	json   a JSON document
//	kv     space separated key=value pairs; values may be double quoted
//	int    a base 10 integer
//	float  a floating point number
//	bool   true/false, yes/no, on/off, 1/0
//	ip     an IPv4 or IPv6 address, returned in canonical form
//	text   the input, trimmed
func NewRegistry() *Registry {
	r := &Registry{parsers: map[string]Parser{}}
	r.Register("json", ParserFunc(parseJSON))
	r.Register("kv", ParserFunc(parseKV))
	r.Register("int", ParserFunc(parseInt))
	r.Register("float", ParserFunc(parseFloat))
	r.Register("bool", ParserFunc(parseBool))
	r.Register("ip", ParserFunc(parseIP))
	r.Register("text", ParserFunc(func(s string) (any, error) { return strings.TrimSpace(s), nil }))
	return r
}

// Register adds or replaces the parser for a type hint.
func (r *Registry) Register(name string, p Parser) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.parsers[name] = p
}

// Lookup returns the parser for a type hint.
func (r *Registry) Lookup(name string) (Parser, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.parsers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, name)
	}
	return p, nil
}

// Types returns the registered type hints in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.parsers))
	for k := range r.parsers {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Parse looks up the parser for a type hint and applies it.
func (r *Registry) Parse(typ, s string) (any, error) {
	p, err := r.Lookup(typ)
	if err != nil {
		return nil, err
	}
	return p.Parse(s)
}

func parseJSON(s string) (any, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(s)))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("parsing json: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("parsing json: trailing data")
	}
	return warden.Normalize(v), nil
}

func parseInt(s string) (any, error) {
	i, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing int: %w", err)
	}
	return i, nil
}

func parseFloat(s string) (any, error) {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return nil, fmt.Errorf("parsing float: %w", err)
	}
	return f, nil
}

func parseBool(s string) (any, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "yes", "on", "1":
		return true, nil
	case "false", "no", "off", "0":
		return false, nil
	}
	return nil, fmt.Errorf("parsing bool: invalid value %q", s)
}

func parseIP(s string) (any, error) {
	addr, err := netip.ParseAddr(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("parsing ip: %w", err)
	}
	return addr.Unmap().String(), nil
}

// parseKV parses `a=1 b="x y" c=` into a map of strings. Keys without a
// value separator are an error.
func parseKV(s string) (any, error) {
	out := map[string]any{}
	i := 0
	for {
		for i < len(s) && unicode.IsSpace(rune(s[i])) {
			i++
		}
		if i >= len(s) {
			return out, nil
		}

		start := i
		for i < len(s) && s[i] != '=' && !unicode.IsSpace(rune(s[i])) {
			i++
		}
		if i >= len(s) || s[i] != '=' {
			return nil, fmt.Errorf("parsing kv: missing '=' after %q", s[start:i])
		}
		key := s[start:i]
		if key == "" {
			return nil, fmt.Errorf("parsing kv: empty key at offset %d", start)
		}
		i++

		var val string
		if i < len(s) && s[i] == '"' {
			i++
			var sb strings.Builder
			closed := false
			for i < len(s) {
				c := s[i]
				if c == '\\' && i+1 < len(s) {
					sb.WriteByte(s[i+1])
					i += 2
					continue
				}
				if c == '"' {
					closed = true
					i++
					break
				}
				sb.WriteByte(c)
				i++
			}
			if !closed {
				return nil, fmt.Errorf("parsing kv: unterminated quote for key %q", key)
			}
			val = sb.String()
		} else {
			vs := i
			for i < len(s) && !unicode.IsSpace(rune(s[i])) {
				i++
			}
			val = s[vs:i]
		}
		out[key] = val
	}
}
