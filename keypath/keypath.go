// Package keypath implements key paths: dotted property paths that locate
// a record's key (or an index's key) inside the record value itself.
//
// A key path is either a single path ("id", "profile.email", or "" meaning
// the value itself) or a composite list of paths which yields an array key.
// Values are navigated as map[string]any, which is what every value codec
// in this module decodes into.
package keypath

import (
	"fmt"
	"strings"

	"github.com/xraph/strata/key"
)

// Path is a parsed key path. Fields are exported so backend metadata
// codecs can serialize paths directly; use Parse to construct a validated
// Path.
type Path struct {
	// Paths holds the component paths. A single-path Path has exactly one
	// entry; a composite Path has one entry per array-key element.
	Paths []string `msgpack:"paths" json:"paths"`

	// Composite marks the Path as an array of paths even when it has a
	// single element.
	Composite bool `msgpack:"composite" json:"composite"`
}

// Parse builds a Path from a string or a []string composite. An empty
// string is the identity path (the value itself is the key). A composite
// must be non-empty and may not contain identity paths.
func Parse(v any) (Path, error) {
	switch x := v.(type) {
	case string:
		if err := validatePath(x); err != nil {
			return Path{}, err
		}
		return Path{Paths: []string{x}}, nil
	case []string:
		if len(x) == 0 {
			return Path{}, fmt.Errorf("keypath: composite key path must not be empty")
		}
		paths := make([]string, len(x))
		for i, p := range x {
			if p == "" {
				return Path{}, fmt.Errorf("keypath: composite key path element %d is empty", i)
			}
			if err := validatePath(p); err != nil {
				return Path{}, err
			}
			paths[i] = p
		}
		return Path{Paths: paths, Composite: true}, nil
	default:
		return Path{}, fmt.Errorf("keypath: %T is not a valid key path", v)
	}
}

// MustParse is like Parse but panics on error.
func MustParse(v any) Path {
	p, err := Parse(v)
	if err != nil {
		panic(err)
	}
	return p
}

func validatePath(p string) error {
	if p == "" {
		return nil // identity path
	}
	for _, part := range strings.Split(p, ".") {
		if err := validateIdentifier(part); err != nil {
			return fmt.Errorf("keypath: invalid key path %q: %w", p, err)
		}
	}
	return nil
}

func validateIdentifier(s string) error {
	if s == "" {
		return fmt.Errorf("empty path component")
	}
	for i, r := range s {
		switch {
		case r == '_' || r == '$':
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
			if i == 0 {
				return fmt.Errorf("component %q starts with a digit", s)
			}
		default:
			return fmt.Errorf("component %q contains %q", s, r)
		}
	}
	return nil
}

// IsZero reports whether p is the unset zero value (no key path at all).
func (p Path) IsZero() bool { return p.Paths == nil }

// IsIdentity reports whether p is the single empty path, meaning the
// record value itself is the key.
func (p Path) IsIdentity() bool {
	return !p.Composite && len(p.Paths) == 1 && p.Paths[0] == ""
}

// Value returns the original key-path representation: a string for a
// single path, []string for a composite.
func (p Path) Value() any {
	if p.Composite {
		out := make([]string, len(p.Paths))
		copy(out, p.Paths)
		return out
	}
	if len(p.Paths) == 1 {
		return p.Paths[0]
	}
	return nil
}

// String implements fmt.Stringer.
func (p Path) String() string {
	if p.Composite {
		return "[" + strings.Join(p.Paths, ", ") + "]"
	}
	if len(p.Paths) == 1 {
		return p.Paths[0]
	}
	return "<none>"
}

// Extract evaluates the path against a record value and returns the key
// found there. Composite paths produce an Array key. A missing property,
// a non-map intermediate, or a value that is not a valid key all fail.
func (p Path) Extract(value any) (key.Key, error) {
	if p.IsZero() {
		return key.Key{}, fmt.Errorf("keypath: extract on unset key path")
	}
	if p.Composite {
		elems := make([]key.Key, len(p.Paths))
		for i, sub := range p.Paths {
			k, err := extractOne(value, sub)
			if err != nil {
				return key.Key{}, err
			}
			elems[i] = k
		}
		return key.New(elems)
	}
	return extractOne(value, p.Paths[0])
}

func extractOne(value any, path string) (key.Key, error) {
	v, err := resolve(value, path)
	if err != nil {
		return key.Key{}, err
	}
	k, err := key.New(v)
	if err != nil {
		return key.Key{}, fmt.Errorf("keypath: value at %q: %w", path, err)
	}
	return k, nil
}

func resolve(value any, path string) (any, error) {
	if path == "" {
		return value, nil
	}
	cur := value
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("keypath: %q: cannot descend into %T", path, cur)
		}
		next, ok := m[part]
		if !ok {
			return nil, fmt.Errorf("keypath: %q: missing property %q", path, part)
		}
		cur = next
	}
	return cur, nil
}

// Inject returns a copy of value with k written at the path, creating
// intermediate maps as needed. Only single, non-identity paths can be
// injected into (the auto-increment in-line key case).
func (p Path) Inject(value any, k key.Key) (any, error) {
	if p.IsZero() || p.Composite || p.IsIdentity() {
		return nil, fmt.Errorf("keypath: cannot inject a key into path %s", p)
	}
	return inject(value, strings.Split(p.Paths[0], "."), k.Value())
}

func inject(value any, parts []string, kv any) (any, error) {
	m, ok := value.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("keypath: cannot inject into %T", value)
	}
	out := make(map[string]any, len(m)+1)
	for mk, mv := range m {
		out[mk] = mv
	}
	if len(parts) == 1 {
		out[parts[0]] = kv
		return out, nil
	}
	child, exists := out[parts[0]]
	if !exists {
		child = map[string]any{}
	}
	injected, err := inject(child, parts[1:], kv)
	if err != nil {
		return nil, err
	}
	out[parts[0]] = injected
	return out, nil
}
