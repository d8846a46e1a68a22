package api

import (
	"bytes"
	"time"
)

// ModKind identifies the cache mutation carried by a Modification. The numeric
// values are the wire discriminants.
type ModKind uint8

const (
	// ModPut stores Value under Key unconditionally.
	ModPut ModKind = 1
	// ModPutIfAbsent stores Value only when Key is absent.
	ModPutIfAbsent ModKind = 2
	// ModReplace stores Value only when Key is present.
	ModReplace ModKind = 3
	// ModReplaceWithVersion stores Value only when the entry version equals Version.
	ModReplaceWithVersion ModKind = 4
	// ModRemove deletes Key.
	ModRemove ModKind = 5
	// ModRemoveWithVersion deletes Key only when the entry version equals Version.
	ModRemoveWithVersion ModKind = 6
	// ModClear removes every entry of the cache.
	ModClear ModKind = 7
)

// String returns the canonical name of the kind.
func (k ModKind) String() string {
	switch k {
	case ModPut:
		return "PUT"
	case ModPutIfAbsent:
		return "PUT_IF_ABSENT"
	case ModReplace:
		return "REPLACE"
	case ModReplaceWithVersion:
		return "REPLACE_WITH_VERSION"
	case ModRemove:
		return "REMOVE"
	case ModRemoveWithVersion:
		return "REMOVE_WITH_VERSION"
	case ModClear:
		return "CLEAR"
	default:
		return "UNKNOWN"
	}
}

// Valid reports whether k is a known kind.
func (k ModKind) Valid() bool { return k >= ModPut && k <= ModClear }

// HasKey reports whether modifications of this kind carry a key.
func (k ModKind) HasKey() bool { return k != ModClear }

// HasValue reports whether modifications of this kind carry a value and expiration.
func (k ModKind) HasValue() bool {
	switch k {
	case ModPut, ModPutIfAbsent, ModReplace, ModReplaceWithVersion:
		return true
	}
	return false
}

// HasVersion reports whether modifications of this kind carry a version condition.
func (k ModKind) HasVersion() bool {
	return k == ModReplaceWithVersion || k == ModRemoveWithVersion
}

// ParseModKind maps a canonical name back to its kind.
func ParseModKind(name string) (ModKind, bool) {
	for k := ModPut; k <= ModClear; k++ {
		if k.String() == name {
			return k, true
		}
	}
	return 0, false
}

// Modification is one already-serialized cache mutation collected during a
// transaction. Fields that do not apply to Kind are ignored on the wire.
//
// A zero Lifespan or MaxIdle means "server default"; a negative one means
// "never expires".
type Modification struct {
	Kind     ModKind
	Key      []byte
	Value    []byte
	Lifespan time.Duration
	MaxIdle  time.Duration
	Version  int64
}

// Put builds a PUT modification.
func Put(key, value []byte) Modification {
	return Modification{Kind: ModPut, Key: key, Value: value}
}

// Remove builds a REMOVE modification.
func Remove(key []byte) Modification {
	return Modification{Kind: ModRemove, Key: key}
}

// Clone returns a deep copy so later changes to the caller's slices cannot
// leak into a collected transaction.
func (m Modification) Clone() Modification {
	out := m
	if m.Key != nil {
		out.Key = bytes.Clone(m.Key)
	}
	if m.Value != nil {
		out.Value = bytes.Clone(m.Value)
	}
	return out
}

// Equal reports field-wise equality over the parts relevant to Kind.
func (m Modification) Equal(other Modification) bool {
	if m.Kind != other.Kind {
		return false
	}
	if m.Kind.HasKey() && !bytes.Equal(m.Key, other.Key) {
		return false
	}
	if m.Kind.HasValue() {
		if !bytes.Equal(m.Value, other.Value) ||
			NormalizeExpiry(m.Lifespan) != NormalizeExpiry(other.Lifespan) ||
			NormalizeExpiry(m.MaxIdle) != NormalizeExpiry(other.MaxIdle) {
			return false
		}
	}
	if m.Kind.HasVersion() && m.Version != other.Version {
		return false
	}
	return true
}

// NormalizeExpiry maps an expiration to the precision carried on the wire:
// negative values collapse to -1 (never expires) and positive values are
// truncated to whole milliseconds.
func NormalizeExpiry(d time.Duration) time.Duration {
	switch {
	case d < 0:
		return -1
	case d == 0:
		return 0
	default:
		return d.Truncate(time.Millisecond)
	}
}
