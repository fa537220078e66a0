package backend

import (
	"sort"

	"github.com/xraph/strata/keypath"
)

// IndexSpec defines one index on an object store.
type IndexSpec struct {
	Name       string       `msgpack:"name"`
	KeyPath    keypath.Path `msgpack:"key_path"`
	Unique     bool         `msgpack:"unique"`
	MultiEntry bool         `msgpack:"multi_entry"`
}

// Clone returns a deep copy.
func (s *IndexSpec) Clone() *IndexSpec {
	cp := *s
	cp.KeyPath.Paths = append([]string(nil), s.KeyPath.Paths...)
	return &cp
}

// StoreSpec defines one object store: its key path (nil for out-of-line
// keys), auto-increment flag, key-generator counter, and indexes.
type StoreSpec struct {
	Name          string                `msgpack:"name"`
	KeyPath       *keypath.Path         `msgpack:"key_path"`
	AutoIncrement bool                  `msgpack:"auto_increment"`
	KeyGen        uint64                `msgpack:"key_gen"`
	Indexes       map[string]*IndexSpec `msgpack:"indexes"`
}

// Clone returns a deep copy.
func (s *StoreSpec) Clone() *StoreSpec {
	cp := *s
	if s.KeyPath != nil {
		kp := *s.KeyPath
		kp.Paths = append([]string(nil), s.KeyPath.Paths...)
		cp.KeyPath = &kp
	}
	cp.Indexes = make(map[string]*IndexSpec, len(s.Indexes))
	for name, idx := range s.Indexes {
		cp.Indexes[name] = idx.Clone()
	}
	return &cp
}

// IndexNames returns the store's index names in sorted order.
func (s *StoreSpec) IndexNames() []string {
	names := make([]string, 0, len(s.Indexes))
	for name := range s.Indexes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DatabaseSpec is the full metadata of one database.
type DatabaseSpec struct {
	Name    string                `msgpack:"name"`
	Version uint64                `msgpack:"version"`
	Stores  map[string]*StoreSpec `msgpack:"stores"`
}

// NewDatabaseSpec returns empty metadata at version 0.
func NewDatabaseSpec(name string) *DatabaseSpec {
	return &DatabaseSpec{Name: name, Stores: make(map[string]*StoreSpec)}
}

// Clone returns a deep copy.
func (d *DatabaseSpec) Clone() *DatabaseSpec {
	cp := &DatabaseSpec{Name: d.Name, Version: d.Version, Stores: make(map[string]*StoreSpec, len(d.Stores))}
	for name, st := range d.Stores {
		cp.Stores[name] = st.Clone()
	}
	return cp
}

// StoreNames returns the database's store names in sorted order.
func (d *DatabaseSpec) StoreNames() []string {
	names := make([]string, 0, len(d.Stores))
	for name := range d.Stores {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
