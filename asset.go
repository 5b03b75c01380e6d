package warden

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// Kind is the role of an asset in the processing graph.
type Kind int

const (
	KindUnknown Kind = iota
	KindDecoder
	KindRule
	KindFilter
	KindOutput
)

func (k Kind) String() string {
	switch k {
	case KindDecoder:
		return "decoder"
	case KindRule:
		return "rule"
	case KindFilter:
		return "filter"
	case KindOutput:
		return "output"
	default:
		return "unknown"
	}
}

// ParseKind returns the Kind named by s.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "decoder", "decoders":
		return KindDecoder, nil
	case "rule", "rules":
		return KindRule, nil
	case "filter", "filters":
		return KindFilter, nil
	case "output", "outputs":
		return KindOutput, nil
	}
	return KindUnknown, fmt.Errorf("unknown asset kind %q", s)
}

// KindFromName derives the kind from an asset name of the form
// "<kind>/<name>/<version>", such as "decoder/syslog/0".
func KindFromName(name string) Kind {
	prefix, _, ok := strings.Cut(name, "/")
	if !ok {
		return KindUnknown
	}
	k, err := ParseKind(prefix)
	if err != nil {
		return KindUnknown
	}
	return k
}

func (k Kind) MarshalText() ([]byte, error) {
	if k == KindUnknown {
		return nil, nil
	}
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*k = KindUnknown
		return nil
	}
	v, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = v
	return nil
}

// Definition is the raw, declarative form of an asset as read from a Store.
type Definition struct {
	// Name is unique within an environment. (required)
	Name string `json:"name" yaml:"name"`

	// Kind of asset. If not set, it is derived from the name prefix
	// (see KindFromName).
	Kind Kind `json:"kind,omitempty" yaml:"kind,omitempty"`

	// Names of the parent assets. Only decoders may have no parents.
	Parents []string `json:"parents,omitempty" yaml:"parents,omitempty"`

	// Check is the serialized predicate. An empty check always matches.
	Check string `json:"check,omitempty" yaml:"check,omitempty"`

	// Normalize is the ordered list of serialized transform operations
	// applied when the check matches.
	Normalize []Operation `json:"normalize,omitempty" yaml:"normalize,omitempty"`

	// Stop makes a match of this asset end the evaluation of its later
	// siblings under the same parent.
	Stop bool `json:"stop,omitempty" yaml:"stop,omitempty"`

	// Metadata is carried through to the compiled Asset; the engine does
	// not interpret it.
	Metadata map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// Clone returns a copy of d that shares no slices or maps with d.
func (d *Definition) Clone() *Definition {
	c := *d
	c.Parents = slices.Clone(d.Parents)
	c.Normalize = make([]Operation, len(d.Normalize))
	for i, op := range d.Normalize {
		c.Normalize[i] = Operation{Name: op.Name, Args: maps.Clone(op.Args)}
	}
	if d.Normalize == nil {
		c.Normalize = nil
	}
	c.Metadata = maps.Clone(d.Metadata)
	return &c
}

// EffectiveKind is Kind, or the kind derived from Name when Kind is not set.
func (d *Definition) EffectiveKind() Kind {
	if d.Kind != KindUnknown {
		return d.Kind
	}
	return KindFromName(d.Name)
}

// validate checks the structural rules that do not depend on other
// definitions.
func (d *Definition) validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return &InvalidAssetError{Asset: d.Name, Reason: "name is required"}
	}
	if strings.ContainsAny(d.Name, " \t\n") {
		return &InvalidAssetError{Asset: d.Name, Reason: "name cannot contain whitespace"}
	}
	k := d.EffectiveKind()
	if k == KindUnknown {
		return &InvalidAssetError{Asset: d.Name, Reason: "kind is required"}
	}
	if len(d.Parents) == 0 && k != KindDecoder {
		return &InvalidAssetError{Asset: d.Name, Reason: fmt.Sprintf("a %s must have at least one parent", k)}
	}
	for _, p := range d.Parents {
		if p == d.Name {
			return &CycleError{Assets: []string{d.Name}}
		}
	}
	return nil
}

// Operation is one serialized transform. In YAML and JSON it is written as
// a single-key object: the key is the operation name, the value its
// arguments.
//
//	normalize:
//	  - set: {field: alert.level, value: 5}
//	  - kvdb_get: {field: user.name, db: users, key_field: user.id}
type Operation struct {
	Name string
	Args map[string]any
}

func (o Operation) String() string {
	return o.Name
}

func (o Operation) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]any{o.Name: o.Args})
}

func (o *Operation) UnmarshalJSON(b []byte) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return fmt.Errorf("decoding operation: %w", err)
	}
	return o.fromMap(m)
}

func (o Operation) MarshalYAML() (any, error) {
	return map[string]any{o.Name: o.Args}, nil
}

func (o *Operation) UnmarshalYAML(n *yaml.Node) error {
	var m map[string]any
	if err := n.Decode(&m); err != nil {
		return fmt.Errorf("decoding operation: %w", err)
	}
	return o.fromMap(m)
}

func (o *Operation) fromMap(m map[string]any) error {
	if len(m) != 1 {
		return fmt.Errorf("operation must have exactly one key, got %d", len(m))
	}
	for name, v := range m {
		o.Name = name
		switch args := v.(type) {
		case nil:
			o.Args = map[string]any{}
		case map[string]any:
			o.Args = Normalize(args).(map[string]any)
		default:
			return fmt.Errorf("operation %q: arguments must be an object, got %T", name, v)
		}
	}
	return nil
}

// An Asset is the compiled, immutable form of a Definition.
type Asset struct {
	Name    string
	Kind    Kind
	Parents []string

	// Source of the check, kept for rendering.
	CheckExpr string
	Check     Predicate

	// Operations[i] is the source of Transforms[i].
	Operations []Operation
	Transforms []Transform

	Stop     bool
	Metadata map[string]any
}
