package api

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestXidEqualityIsByValue(t *testing.T) {
	t.Parallel()

	global := []byte("gtrid")
	a := MustXid(7, global, []byte("b1"))
	global[0] = 'X'
	b := MustXid(7, []byte("gtrid"), []byte("b1"))
	if a != b || !a.Equal(b) {
		t.Fatalf("expected %s == %s", a, b)
	}
	if a == MustXid(8, []byte("gtrid"), []byte("b1")) {
		t.Fatal("format id must participate in identity")
	}
	seen := map[Xid]int{a: 1}
	if seen[b] != 1 {
		t.Fatal("equal xids must share a map slot")
	}
}

func TestXidAccessorsReturnCopies(t *testing.T) {
	t.Parallel()

	x := MustXid(1, []byte("abc"), []byte("def"))
	g := x.GlobalID()
	g[0] = 'z'
	if !bytes.Equal(x.GlobalID(), []byte("abc")) {
		t.Fatalf("global id mutated through accessor: %q", x.GlobalID())
	}
}

func TestNewXidRejectsOversizedQualifiers(t *testing.T) {
	t.Parallel()

	long := bytes.Repeat([]byte{1}, MaxXidPartLength+1)
	if _, err := NewXid(1, long, nil); !errors.Is(err, ErrXidPartTooLong) {
		t.Fatalf("expected ErrXidPartTooLong, got %v", err)
	}
	if _, err := NewXid(1, nil, long); !errors.Is(err, ErrXidPartTooLong) {
		t.Fatalf("expected ErrXidPartTooLong, got %v", err)
	}
}

func TestParseXidRoundTrip(t *testing.T) {
	t.Parallel()

	cases := []Xid{
		{},
		MustXid(-1, []byte{0, 1, 2}, nil),
		MustXid(DefaultFormatID, []byte("global"), []byte("branch")),
		GenerateXid(42),
	}
	for _, want := range cases {
		got, err := ParseXid(want.String())
		if err != nil {
			t.Fatalf("ParseXid(%q): %v", want.String(), err)
		}
		if got != want {
			t.Fatalf("round trip mismatch: got %s want %s", got, want)
		}
	}
}

func TestParseXidRejectsGarbage(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{"", "1:ab", "x:00:00", "1:zz:00", "1:00:" + strings.Repeat("00", MaxXidPartLength+1)} {
		if _, err := ParseXid(raw); err == nil {
			t.Fatalf("ParseXid(%q) expected error", raw)
		}
	}
}

func TestGenerateXidIsUnique(t *testing.T) {
	t.Parallel()

	a, b := GenerateXid(DefaultFormatID), GenerateXid(DefaultFormatID)
	if a == b {
		t.Fatal("generated xids collided")
	}
	if a.GlobalLen() != 16 || a.BranchLen() != 16 {
		t.Fatalf("unexpected qualifier sizes %d/%d", a.GlobalLen(), a.BranchLen())
	}
}
