package backend

import "github.com/xraph/strata/key"

// IndexKeys evaluates an index spec against a record value. A value
// that does not yield a key at the index's key path is simply not
// indexed. For multi-entry indexes an array key fans out into one entry
// per distinct element; other indexes use the array itself as the key.
// Shared by backends that maintain index entries on write.
func IndexKeys(spec *IndexSpec, value any) []key.Key {
	ik, err := spec.KeyPath.Extract(value)
	if err != nil {
		return nil
	}
	if spec.MultiEntry && ik.Type() == key.Array {
		elems := ik.Array()
		out := make([]key.Key, 0, len(elems))
		for _, e := range elems {
			dup := false
			for _, seen := range out {
				if seen.Compare(e) == 0 {
					dup = true
					break
				}
			}
			if !dup {
				out = append(out, e)
			}
		}
		return out
	}
	return []key.Key{ik}
}

// SingleWriter is an optional Driver capability. A driver that returns
// true can run at most one write-mode transaction per database at a
// time; the engine then serializes write transactions even when their
// scopes are disjoint, instead of blocking inside Begin.
type SingleWriter interface {
	SingleWriter() bool
}
