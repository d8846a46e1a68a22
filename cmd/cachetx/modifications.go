package main

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"pkt.systems/cachetx/api"
)

// modificationDocument is the YAML form accepted by "prepare --modifications":
//
//	modifications:
//	  - kind: put
//	    key: user:1
//	    value: alice
//	    lifespan: 10m
//	  - kind: remove-with-version
//	    key-hex: 00ff
//	    version: 7
type modificationDocument struct {
	Modifications []modificationEntry `yaml:"modifications"`
}

type modificationEntry struct {
	Kind     string `yaml:"kind"`
	Key      string `yaml:"key"`
	KeyHex   string `yaml:"key-hex"`
	Value    string `yaml:"value"`
	ValueHex string `yaml:"value-hex"`
	Lifespan string `yaml:"lifespan"`
	MaxIdle  string `yaml:"max-idle"`
	Version  int64  `yaml:"version"`
}

func readModifications(path string) ([]api.Modification, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read modifications: %w", err)
	}
	return parseModifications(data)
}

func parseModifications(data []byte) ([]api.Modification, error) {
	var doc modificationDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse modifications: %w", err)
	}
	out := make([]api.Modification, 0, len(doc.Modifications))
	for i, e := range doc.Modifications {
		m, err := e.modification()
		if err != nil {
			return nil, fmt.Errorf("modification %d: %w", i, err)
		}
		out = append(out, m)
	}
	return out, nil
}

func (e modificationEntry) modification() (api.Modification, error) {
	name := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(e.Kind), "-", "_"))
	kind, ok := api.ParseModKind(name)
	if !ok {
		return api.Modification{}, fmt.Errorf("unknown kind %q", e.Kind)
	}
	m := api.Modification{Kind: kind}
	if kind.HasKey() {
		key, err := bytesField("key", e.Key, e.KeyHex)
		if err != nil {
			return api.Modification{}, err
		}
		if len(key) == 0 {
			return api.Modification{}, fmt.Errorf("%s requires a key", kind)
		}
		m.Key = key
	}
	if kind.HasValue() {
		value, err := bytesField("value", e.Value, e.ValueHex)
		if err != nil {
			return api.Modification{}, err
		}
		m.Value = value
		if m.Lifespan, err = expiryField("lifespan", e.Lifespan); err != nil {
			return api.Modification{}, err
		}
		if m.MaxIdle, err = expiryField("max-idle", e.MaxIdle); err != nil {
			return api.Modification{}, err
		}
	}
	if kind.HasVersion() {
		m.Version = e.Version
	}
	return m, nil
}

func bytesField(name, text, hexText string) ([]byte, error) {
	if text != "" && hexText != "" {
		return nil, fmt.Errorf("%s and %s-hex are mutually exclusive", name, name)
	}
	if hexText != "" {
		b, err := hex.DecodeString(strings.TrimSpace(hexText))
		if err != nil {
			return nil, fmt.Errorf("%s-hex: %w", name, err)
		}
		return b, nil
	}
	return []byte(text), nil
}

// expiryField parses a duration. "never" maps to a negative expiry.
func expiryField(name, s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	switch s {
	case "":
		return 0, nil
	case "never":
		return -1, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	return d, nil
}
