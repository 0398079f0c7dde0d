package broker

import (
	"fmt"
	"sort"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/jsonc"
	"github.com/tidwall/sjson"

	"github.com/nerrad567/controlroom/internal/infrastructure/config"
)

// Transform rewrites a payload before it is forwarded to a target module.
type Transform interface {
	Apply(payload string) (string, error)
}

// TransformFunc adapts a function to Transform.
type TransformFunc func(payload string) (string, error)

// Apply calls f(payload).
func (f TransformFunc) Apply(payload string) (string, error) { return f(payload) }

// Identity forwards payloads unchanged.
var Identity Transform = TransformFunc(func(payload string) (string, error) {
	return payload, nil
})

type prefixTransform struct {
	prefix    string
	transform Transform
}

// TransformSet maps target module name prefixes to transforms.
// The longest matching prefix wins; targets without a match use Identity.
//
// A TransformSet is built before the broker starts and is read-only after.
type TransformSet struct {
	entries []prefixTransform
}

// NewTransformSet creates an empty set.
func NewTransformSet() *TransformSet {
	return &TransformSet{}
}

// Register adds or replaces the transform for prefix.
func (s *TransformSet) Register(prefix string, t Transform) {
	for i := range s.entries {
		if s.entries[i].prefix == prefix {
			s.entries[i].transform = t
			return
		}
	}
	s.entries = append(s.entries, prefixTransform{prefix: prefix, transform: t})
	sort.SliceStable(s.entries, func(i, j int) bool {
		return len(s.entries[i].prefix) > len(s.entries[j].prefix)
	})
}

// For returns the transform for a target module.
func (s *TransformSet) For(target string) Transform {
	if s == nil {
		return Identity
	}
	for _, e := range s.entries {
		if strings.HasPrefix(target, e.prefix) {
			return e.transform
		}
	}
	return Identity
}

// Len returns the number of registered prefixes.
func (s *TransformSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.entries)
}

// JSONTransform rewrites a JSON payload. Comments and trailing commas are
// accepted on input.
type JSONTransform struct {
	// Set maps sjson paths to raw JSON values written into the document
	// before selection. Paths are applied in sorted order.
	Set map[string]string

	// Select is a gjson path. When set, only the selected value is forwarded.
	Select string

	// Output is config.TransformOutputJSON (compact JSON) or
	// config.TransformOutputList (elements or values joined by commas).
	Output string
}

// Apply implements Transform.
func (t JSONTransform) Apply(payload string) (string, error) {
	doc := jsonc.ToJSON([]byte(payload))
	if !gjson.ValidBytes(doc) {
		return "", fmt.Errorf("%w: payload is not JSON: %q", ErrTransformFailed, payload)
	}

	paths := make([]string, 0, len(t.Set))
	for p := range t.Set {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		var err error
		doc, err = sjson.SetRawBytes(doc, p, []byte(t.Set[p]))
		if err != nil {
			return "", fmt.Errorf("%w: setting %q: %w", ErrTransformFailed, p, err)
		}
	}

	value := gjson.ParseBytes(doc)
	if t.Select != "" {
		value = gjson.GetBytes(doc, t.Select)
		if !value.Exists() {
			return "", fmt.Errorf("%w: path %q not found", ErrTransformFailed, t.Select)
		}
	}

	if t.Output == config.TransformOutputList {
		return joinValues(value), nil
	}
	return value.Get("@ugly").Raw, nil
}

// joinValues flattens an array or object into comma-separated values.
// Strings are written without quotes.
func joinValues(v gjson.Result) string {
	if !v.IsArray() && !v.IsObject() {
		return scalar(v)
	}
	var parts []string
	v.ForEach(func(_, item gjson.Result) bool {
		parts = append(parts, scalar(item))
		return true
	})
	return strings.Join(parts, ",")
}

func scalar(v gjson.Result) string {
	if v.Type == gjson.String {
		return v.String()
	}
	return v.Raw
}

// TransformsFromConfig builds a TransformSet from config entries.
func TransformsFromConfig(cfgs []config.TransformConfig) (*TransformSet, error) {
	set := NewTransformSet()
	for _, c := range cfgs {
		switch c.Type {
		case config.TransformIdentity, "":
			set.Register(c.Prefix, Identity)
		case config.TransformJSON:
			set.Register(c.Prefix, JSONTransform{
				Set:    c.Set,
				Select: c.Select,
				Output: c.Output,
			})
		default:
			return nil, fmt.Errorf("transform %q: unknown type %q", c.Prefix, c.Type)
		}
	}
	return set, nil
}
