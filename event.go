package warden

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
)

// PathSeparator separates the segments of a field path.
const PathSeparator = "."

// An Event is a structured record pushed through an Environment.
//
// Fields are addressed with dotted paths; "source.ip" is the "ip" field of
// the "source" object. Values are one of: string, int64, float64, bool,
// nil, []any or map[string]any. Values handed to Set are normalized to
// those types.
//
// An Event is owned by exactly one traversal at a time and is not safe for
// concurrent use.
type Event struct {
	fields map[string]any
}

// NewEvent returns an empty event.
func NewEvent() *Event {
	return &Event{fields: map[string]any{}}
}

// EventFromMap returns an event holding a normalized deep copy of m.
// Top-level keys are used as given; they are not split on dots.
func EventFromMap(m map[string]any) *Event {
	e := NewEvent()
	for k, v := range m {
		e.fields[k] = Normalize(v)
	}
	return e
}

// ParseEvent decodes a JSON object into an event. Integral numbers become
// int64, other numbers float64.
func ParseEvent(data []byte) (*Event, error) {
	e := NewEvent()
	if err := e.UnmarshalJSON(data); err != nil {
		return nil, err
	}
	return e, nil
}

// Get returns the value at path.
func (e *Event) Get(path string) (any, bool) {
	if e == nil || path == "" {
		return nil, false
	}
	var cur any = e.fields
	for _, seg := range strings.Split(path, PathSeparator) {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// GetString returns the value at path if it is a string.
func (e *Event) GetString(path string) (string, bool) {
	v, ok := e.Get(path)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Has reports whether a value, including nil, is present at path.
func (e *Event) Has(path string) bool {
	_, ok := e.Get(path)
	return ok
}

// Set stores v at path, creating intermediate objects as needed.
// It is an error for an intermediate segment to hold a non-object value.
func (e *Event) Set(path string, v any) error {
	if path == "" {
		return fmt.Errorf("empty field path")
	}
	segs := strings.Split(path, PathSeparator)
	if slices.Contains(segs, "") {
		return fmt.Errorf("field path %q has an empty segment", path)
	}
	if e.fields == nil {
		e.fields = map[string]any{}
	}
	m := e.fields
	for i, seg := range segs[:len(segs)-1] {
		next, ok := m[seg]
		if !ok {
			child := map[string]any{}
			m[seg] = child
			m = child
			continue
		}
		child, ok := next.(map[string]any)
		if !ok {
			return fmt.Errorf("field %q is a %T, not an object", strings.Join(segs[:i+1], PathSeparator), next)
		}
		m = child
	}
	m[segs[len(segs)-1]] = Normalize(v)
	return nil
}

// Delete removes the value at path and reports whether it was present.
func (e *Event) Delete(path string) bool {
	if e == nil || path == "" {
		return false
	}
	segs := strings.Split(path, PathSeparator)
	m := e.fields
	for _, seg := range segs[:len(segs)-1] {
		child, ok := m[seg].(map[string]any)
		if !ok {
			return false
		}
		m = child
	}
	last := segs[len(segs)-1]
	if _, ok := m[last]; !ok {
		return false
	}
	delete(m, last)
	return true
}

// Map returns the event's fields. The map is shared with the event;
// callers must treat it as read-only.
func (e *Event) Map() map[string]any {
	return e.fields
}

// Clone returns a deep copy of the event.
func (e *Event) Clone() *Event {
	return &Event{fields: cloneValue(e.fields).(map[string]any)}
}

// Len is the number of top-level fields.
func (e *Event) Len() int {
	return len(e.fields)
}

// Paths returns the dotted paths of all leaf values, sorted. Empty objects
// are reported as leaves.
func (e *Event) Paths() []string {
	var paths []string
	var walk func(prefix string, m map[string]any)
	walk = func(prefix string, m map[string]any) {
		for k, v := range m {
			p := k
			if prefix != "" {
				p = prefix + PathSeparator + k
			}
			if child, ok := v.(map[string]any); ok && len(child) > 0 {
				walk(p, child)
				continue
			}
			paths = append(paths, p)
		}
	}
	walk("", e.fields)
	slices.Sort(paths)
	return paths
}

func (e *Event) String() string {
	b, err := json.Marshal(e.fields)
	if err != nil {
		return fmt.Sprintf("%v", e.fields)
	}
	return string(b)
}

func (e *Event) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.fields)
}

func (e *Event) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return fmt.Errorf("decoding event: %w", err)
	}
	if m == nil {
		return fmt.Errorf("decoding event: not a JSON object")
	}
	e.fields = Normalize(m).(map[string]any)
	return nil
}

// Normalize converts v to one of the value types held by an Event.
// Values of unknown types are returned unchanged.
func Normalize(v any) any {
	switch x := v.(type) {
	case nil, string, bool, int64, float64:
		return x
	case int:
		return int64(x)
	case int8:
		return int64(x)
	case int16:
		return int64(x)
	case int32:
		return int64(x)
	case uint:
		return uintValue(uint64(x))
	case uint8:
		return int64(x)
	case uint16:
		return int64(x)
	case uint32:
		return int64(x)
	case uint64:
		return uintValue(x)
	case float32:
		return float64(x)
	case json.Number:
		if i, err := strconv.ParseInt(string(x), 10, 64); err == nil {
			return i
		}
		if f, err := strconv.ParseFloat(string(x), 64); err == nil {
			return f
		}
		return string(x)
	case map[string]any:
		m := make(map[string]any, len(x))
		for k, c := range x {
			m[k] = Normalize(c)
		}
		return m
	case map[string]string:
		m := make(map[string]any, len(x))
		for k, c := range x {
			m[k] = c
		}
		return m
	case []any:
		l := make([]any, len(x))
		for i, c := range x {
			l[i] = Normalize(c)
		}
		return l
	case []string:
		l := make([]any, len(x))
		for i, c := range x {
			l[i] = c
		}
		return l
	default:
		return v
	}
}

func uintValue(u uint64) any {
	if u > math.MaxInt64 {
		return float64(u)
	}
	return int64(u)
}

func cloneValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(x))
		for k, c := range x {
			m[k] = cloneValue(c)
		}
		return m
	case []any:
		l := make([]any, len(x))
		for i, c := range x {
			l[i] = cloneValue(c)
		}
		return l
	default:
		return x
	}
}
