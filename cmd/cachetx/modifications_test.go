package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"pkt.systems/cachetx/api"
)

func TestParseModifications(t *testing.T) {
	doc := `
modifications:
  - kind: put
    key: a
    value: "1"
    lifespan: 1m
    max-idle: never
  - kind: REPLACE_WITH_VERSION
    key-hex: 00ff
    value: "2"
    version: 42
  - kind: remove
    key: b
    value: ignored
  - kind: clear
`
	mods, err := parseModifications([]byte(doc))
	if err != nil {
		t.Fatalf("parseModifications: %v", err)
	}
	want := []api.Modification{
		{Kind: api.ModPut, Key: []byte("a"), Value: []byte("1"), Lifespan: time.Minute, MaxIdle: -1},
		{Kind: api.ModReplaceWithVersion, Key: []byte{0x00, 0xff}, Value: []byte("2"), Version: 42},
		{Kind: api.ModRemove, Key: []byte("b")},
		{Kind: api.ModClear},
	}
	if len(mods) != len(want) {
		t.Fatalf("got %d modifications, want %d", len(mods), len(want))
	}
	for i := range want {
		if !mods[i].Equal(want[i]) {
			t.Fatalf("modification %d = %+v, want %+v", i, mods[i], want[i])
		}
	}
	if mods[2].Value != nil {
		t.Fatal("remove must not carry a value")
	}
	if !bytes.Equal(mods[1].Key, []byte{0, 0xff}) {
		t.Fatalf("hex key = %x", mods[1].Key)
	}
}

func TestParseModificationsErrors(t *testing.T) {
	cases := map[string]string{
		"unknown kind":   "modifications:\n  - kind: upsert\n    key: a\n",
		"missing key":    "modifications:\n  - kind: put\n    value: a\n",
		"bad hex":        "modifications:\n  - kind: put\n    key-hex: zz\n",
		"both forms":     "modifications:\n  - kind: put\n    key: a\n    key-hex: 61\n",
		"bad lifespan":   "modifications:\n  - kind: put\n    key: a\n    lifespan: soon\n",
		"malformed yaml": "modifications: [",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := parseModifications([]byte(doc)); err == nil {
				t.Fatalf("expected an error for %q", strings.TrimSpace(doc))
			}
		})
	}
}
