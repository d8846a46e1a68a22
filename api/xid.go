package api

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"pkt.systems/cachetx/internal/uuidv7"
)

// MaxXidPartLength bounds the global and branch qualifiers of an Xid.
const MaxXidPartLength = 64

// DefaultFormatID is used by GenerateXid when callers do not care about the format.
const DefaultFormatID int32 = 0x4354_5831 // "CTX1"

var (
	// ErrXidPartTooLong reports a global or branch qualifier above MaxXidPartLength.
	ErrXidPartTooLong = errors.New("api: xid qualifier exceeds 64 bytes")
	// ErrXidSyntax reports a malformed textual Xid.
	ErrXidSyntax = errors.New("api: malformed xid")
)

// Xid is a global transaction identifier as defined by X/Open XA. Identity is
// the triple (format id, global id, branch id); two Xids built from the same
// triple are equal under == and may be used as map keys.
//
// The qualifiers are stored as strings so the value is immutable and
// comparable. The zero Xid is valid and represents format 0 with empty
// qualifiers.
type Xid struct {
	formatID int32
	global   string
	branch   string
}

// NewXid copies the supplied qualifiers into a new Xid.
func NewXid(formatID int32, globalID, branchID []byte) (Xid, error) {
	if len(globalID) > MaxXidPartLength || len(branchID) > MaxXidPartLength {
		return Xid{}, ErrXidPartTooLong
	}
	return Xid{formatID: formatID, global: string(globalID), branch: string(branchID)}, nil
}

// MustXid is NewXid for literals; it panics on invalid input.
func MustXid(formatID int32, globalID, branchID []byte) Xid {
	x, err := NewXid(formatID, globalID, branchID)
	if err != nil {
		panic(err)
	}
	return x
}

// GenerateXid returns a fresh Xid whose global and branch qualifiers are
// UUIDv7 values.
func GenerateXid(formatID int32) Xid {
	return Xid{formatID: formatID, global: string(uuidv7.Bytes()), branch: string(uuidv7.Bytes())}
}

// FormatID returns the XA format identifier.
func (x Xid) FormatID() int32 { return x.formatID }

// GlobalID returns a copy of the global transaction qualifier.
func (x Xid) GlobalID() []byte { return []byte(x.global) }

// BranchID returns a copy of the branch qualifier.
func (x Xid) BranchID() []byte { return []byte(x.branch) }

// GlobalLen reports the global qualifier length.
func (x Xid) GlobalLen() int { return len(x.global) }

// BranchLen reports the branch qualifier length.
func (x Xid) BranchLen() int { return len(x.branch) }

// AppendGlobalID appends the global qualifier to dst.
func (x Xid) AppendGlobalID(dst []byte) []byte { return append(dst, x.global...) }

// AppendBranchID appends the branch qualifier to dst.
func (x Xid) AppendBranchID(dst []byte) []byte { return append(dst, x.branch...) }

// Equal reports value equality. It is equivalent to ==.
func (x Xid) Equal(other Xid) bool { return x == other }

// IsZero reports whether x is the zero Xid.
func (x Xid) IsZero() bool { return x == Xid{} }

// String renders the Xid as "formatId:hex(global):hex(branch)".
func (x Xid) String() string {
	var b strings.Builder
	b.Grow(12 + 2*len(x.global) + 2*len(x.branch))
	b.WriteString(strconv.FormatInt(int64(x.formatID), 10))
	b.WriteByte(':')
	b.WriteString(hex.EncodeToString([]byte(x.global)))
	b.WriteByte(':')
	b.WriteString(hex.EncodeToString([]byte(x.branch)))
	return b.String()
}

// ParseXid parses the textual form produced by Xid.String.
func ParseXid(s string) (Xid, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 3 {
		return Xid{}, fmt.Errorf("%w: %q", ErrXidSyntax, s)
	}
	format, err := strconv.ParseInt(parts[0], 10, 32)
	if err != nil {
		return Xid{}, fmt.Errorf("%w: format id: %v", ErrXidSyntax, err)
	}
	global, err := hex.DecodeString(parts[1])
	if err != nil {
		return Xid{}, fmt.Errorf("%w: global id: %v", ErrXidSyntax, err)
	}
	branch, err := hex.DecodeString(parts[2])
	if err != nil {
		return Xid{}, fmt.Errorf("%w: branch id: %v", ErrXidSyntax, err)
	}
	return NewXid(int32(format), global, branch)
}
