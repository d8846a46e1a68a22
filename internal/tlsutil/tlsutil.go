// Package tlsutil builds the client TLS configuration from PEM files: a CA
// bundle to verify servers with and an optional client bundle carrying the
// certificate and key presented for mutual TLS.
package tlsutil

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"
)

// Options selects the PEM material for a client TLS configuration.
type Options struct {
	// CAFile holds trusted CA certificates. Empty means the system pool,
	// unless the client bundle carries CA certificates of its own.
	CAFile string
	// ClientBundle holds the client certificate (plus intermediates), its
	// private key and optionally the CA certificates that issued the server.
	ClientBundle       string
	ServerName         string
	InsecureSkipVerify bool
}

// ClientBundle is a parsed client certificate bundle.
type ClientBundle struct {
	Certificate tls.Certificate
	Leaf        *x509.Certificate
	CACerts     []*x509.Certificate
}

// Config builds a *tls.Config for dialling cache servers.
func Config(opts Options) (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		ServerName:         strings.TrimSpace(opts.ServerName),
		InsecureSkipVerify: opts.InsecureSkipVerify,
	}
	var pool *x509.CertPool
	if path := strings.TrimSpace(opts.CAFile); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read ca file: %w", err)
		}
		pool = x509.NewCertPool()
		if !pool.AppendCertsFromPEM(data) {
			return nil, fmt.Errorf("ca file %s: no certificates found", path)
		}
	}
	if path := strings.TrimSpace(opts.ClientBundle); path != "" {
		bundle, err := LoadClientBundle(path)
		if err != nil {
			return nil, err
		}
		cfg.Certificates = []tls.Certificate{bundle.Certificate}
		if len(bundle.CACerts) > 0 {
			if pool == nil {
				pool = x509.NewCertPool()
			}
			for _, ca := range bundle.CACerts {
				pool.AddCert(ca)
			}
		}
	}
	cfg.RootCAs = pool
	return cfg, nil
}

// LoadClientBundle parses the client bundle at path.
func LoadClientBundle(path string) (*ClientBundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read client bundle: %w", err)
	}
	return ParseClientBundle(data)
}

// ParseClientBundle extracts the first non-CA certificate, any further
// non-CA certificates as its chain, the private key matching it and every CA
// certificate. Unknown PEM blocks are skipped.
func ParseClientBundle(data []byte) (*ClientBundle, error) {
	var (
		bundle ClientBundle
		chain  [][]byte
		keys   []crypto.Signer
	)
	for rest := data; ; {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		switch block.Type {
		case "CERTIFICATE":
			cert, err := x509.ParseCertificate(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("client bundle: parse certificate: %w", err)
			}
			switch {
			case cert.IsCA:
				bundle.CACerts = append(bundle.CACerts, cert)
			case bundle.Leaf == nil:
				bundle.Leaf = cert
				chain = append([][]byte{block.Bytes}, chain...)
			default:
				chain = append(chain, block.Bytes)
			}
		case "PRIVATE KEY", "RSA PRIVATE KEY", "EC PRIVATE KEY":
			key, err := parsePrivateKey(block)
			if err != nil {
				return nil, fmt.Errorf("client bundle: parse private key: %w", err)
			}
			keys = append(keys, key)
		}
	}
	if bundle.Leaf == nil {
		return nil, errors.New("client bundle: client certificate not found")
	}
	for _, key := range keys {
		if publicKeysEqual(bundle.Leaf.PublicKey, key.Public()) {
			bundle.Certificate = tls.Certificate{
				Certificate: chain,
				PrivateKey:  key,
				Leaf:        bundle.Leaf,
			}
			return &bundle, nil
		}
	}
	return nil, errors.New("client bundle: matching private key not found")
}

func parsePrivateKey(block *pem.Block) (crypto.Signer, error) {
	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "EC PRIVATE KEY":
		return x509.ParseECPrivateKey(block.Bytes)
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	switch k := key.(type) {
	case ed25519.PrivateKey:
		return k, nil
	case *rsa.PrivateKey:
		return k, nil
	case *ecdsa.PrivateKey:
		return k, nil
	default:
		return nil, fmt.Errorf("unsupported private key type %T", key)
	}
}

func publicKeysEqual(a, b crypto.PublicKey) bool {
	ak, ok := a.(interface{ Equal(crypto.PublicKey) bool })
	return ok && ak.Equal(b)
}
