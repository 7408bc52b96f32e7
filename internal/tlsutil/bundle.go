// Package tlsutil loads and issues the certificate bundles that protect the
// command channel. A bundle is a single PEM file holding the CA certificate,
// optionally the CA key, a leaf certificate with its key and an optional
// denylist of revoked client serials.
package tlsutil

import (
	"bytes"
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
	"slices"
	"strings"
)

// DenylistBlock is the PEM block type carrying revoked serial numbers.
const DenylistBlock = "XFERD DENYLIST"

// ErrRevoked rejects a peer whose certificate serial is denylisted.
var ErrRevoked = errors.New("tlsutil: certificate revoked")

// Bundle is a parsed bundle.
type Bundle struct {
	Certificate tls.Certificate
	Leaf        *x509.Certificate
	CA          *x509.Certificate
	CAPEM       []byte
	// CAKey is set when the bundle also carries the CA private key.
	CAKey    crypto.Signer
	CAKeyPEM []byte
	CAPool   *x509.CertPool
	Denylist map[string]struct{}
}

type material struct {
	cas     []*x509.Certificate
	caPEM   []byte
	leaves  []*x509.Certificate
	leafPEM []byte
	keys    []keyBlock
	deny    []string
}

type keyBlock struct {
	signer crypto.Signer
	pem    []byte
}

func scan(data []byte) (*material, error) {
	m := &material{}
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			return m, nil
		}
		switch block.Type {
		case "CERTIFICATE":
			cert, err := x509.ParseCertificate(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("tlsutil: parse certificate: %w", err)
			}
			encoded := pem.EncodeToMemory(block)
			if cert.IsCA {
				if len(m.cas) == 0 {
					m.caPEM = encoded
				}
				m.cas = append(m.cas, cert)
			} else {
				m.leaves = append(m.leaves, cert)
				m.leafPEM = append(m.leafPEM, encoded...)
			}
		case "PRIVATE KEY", "RSA PRIVATE KEY", "EC PRIVATE KEY":
			signer, err := parsePrivateKey(block)
			if err != nil {
				return nil, fmt.Errorf("tlsutil: parse private key: %w", err)
			}
			m.keys = append(m.keys, keyBlock{signer: signer, pem: pem.EncodeToMemory(block)})
		case DenylistBlock:
			m.deny = append(m.deny, strings.Split(string(block.Bytes), "\n")...)
		}
	}
}

func (m *material) keyFor(cert *x509.Certificate) (keyBlock, bool) {
	for _, k := range m.keys {
		if publicKeysEqual(cert.PublicKey, k.signer.Public()) {
			return k, true
		}
	}
	return keyBlock{}, false
}

// ParseBundle parses bundle PEM data. A leaf certificate with a matching key
// and at least one CA certificate are required.
func ParseBundle(data []byte) (*Bundle, error) {
	m, err := scan(data)
	if err != nil {
		return nil, err
	}
	if len(m.leaves) == 0 {
		return nil, errors.New("tlsutil: bundle has no leaf certificate")
	}
	if len(m.cas) == 0 {
		return nil, errors.New("tlsutil: bundle has no CA certificate")
	}
	leafKey, ok := m.keyFor(m.leaves[0])
	if !ok {
		return nil, errors.New("tlsutil: bundle has no key matching the leaf certificate")
	}
	pair, err := tls.X509KeyPair(m.leafPEM, leafKey.pem)
	if err != nil {
		return nil, fmt.Errorf("tlsutil: build key pair: %w", err)
	}
	b := &Bundle{
		Certificate: pair,
		Leaf:        m.leaves[0],
		CA:          m.cas[0],
		CAPEM:       m.caPEM,
		CAPool:      x509.NewCertPool(),
		Denylist:    make(map[string]struct{}),
	}
	for _, ca := range m.cas {
		b.CAPool.AddCert(ca)
	}
	if k, ok := m.keyFor(m.cas[0]); ok {
		b.CAKey, b.CAKeyPEM = k.signer, k.pem
	}
	for _, serial := range NormalizeSerials(m.deny) {
		b.Denylist[serial] = struct{}{}
	}
	return b, nil
}

// LoadBundle reads a bundle from path and merges the serials listed in
// denylistPath, one per line, when given.
func LoadBundle(path, denylistPath string) (*Bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("tlsutil: read bundle: %w", err)
	}
	b, err := ParseBundle(data)
	if err != nil {
		return nil, fmt.Errorf("%w (%s)", err, path)
	}
	if denylistPath != "" {
		raw, err := os.ReadFile(denylistPath)
		if err != nil {
			return nil, fmt.Errorf("tlsutil: read denylist: %w", err)
		}
		var lines []string
		for _, line := range strings.Split(string(raw), "\n") {
			if !strings.HasPrefix(strings.TrimSpace(line), "#") {
				lines = append(lines, line)
			}
		}
		for _, serial := range NormalizeSerials(lines) {
			b.Denylist[serial] = struct{}{}
		}
	}
	return b, nil
}

// Revoked reports whether cert's serial is denylisted.
func (b *Bundle) Revoked(cert *x509.Certificate) bool {
	if cert == nil {
		return false
	}
	_, ok := b.Denylist[strings.ToLower(cert.SerialNumber.Text(16))]
	return ok
}

// ServerConfig returns a TLS server configuration that requires client
// certificates issued by the bundle's CA. verify, when set, runs after chain
// verification and the denylist check.
func (b *Bundle) ServerConfig(verify func(tls.ConnectionState) error) *tls.Config {
	return &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{b.Certificate},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    b.CAPool,
		VerifyConnection: func(cs tls.ConnectionState) error {
			if len(cs.PeerCertificates) > 0 && b.Revoked(cs.PeerCertificates[0]) {
				return fmt.Errorf("%w: serial %s", ErrRevoked, cs.PeerCertificates[0].SerialNumber.Text(16))
			}
			if verify != nil {
				return verify(cs)
			}
			return nil
		},
	}
}

// ClientConfig returns a TLS client configuration presenting the bundle's
// certificate and trusting its CA.
func (b *Bundle) ClientConfig(serverName string) *tls.Config {
	return &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{b.Certificate},
		RootCAs:      b.CAPool,
		ServerName:   serverName,
	}
}

// EncodeBundle concatenates bundle components into PEM. caKeyPEM may be nil.
func EncodeBundle(caCertPEM, caKeyPEM, certPEM, keyPEM []byte, denylist []string) ([]byte, error) {
	if len(caCertPEM) == 0 || len(certPEM) == 0 || len(keyPEM) == 0 {
		return nil, errors.New("tlsutil: encode bundle: missing components")
	}
	var buf bytes.Buffer
	buf.Write(caCertPEM)
	buf.Write(caKeyPEM)
	buf.Write(certPEM)
	buf.Write(keyPEM)
	if denylist = NormalizeSerials(denylist); len(denylist) > 0 {
		buf.Write(pem.EncodeToMemory(&pem.Block{Type: DenylistBlock, Bytes: []byte(strings.Join(denylist, "\n"))}))
	}
	return buf.Bytes(), nil
}

// NormalizeSerials lowercases, trims, de-duplicates, and sorts serials.
func NormalizeSerials(serials []string) []string {
	out := make([]string, 0, len(serials))
	for _, s := range serials {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
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
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("unsupported private key type %T", key)
	}
	return signer, nil
}

func publicKeysEqual(a, b crypto.PublicKey) bool {
	switch ak := a.(type) {
	case ed25519.PublicKey:
		return ak.Equal(b)
	case *rsa.PublicKey:
		return ak.Equal(b)
	case *ecdsa.PublicKey:
		return ak.Equal(b)
	default:
		return false
	}
}
