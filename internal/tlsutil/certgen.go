package tlsutil

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"strings"
	"time"
)

// Default validity periods.
const (
	DefaultCAValidity   = 10 * 365 * 24 * time.Hour
	DefaultLeafValidity = 365 * 24 * time.Hour
)

// CA is a certificate authority able to issue command channel certificates.
type CA struct {
	Cert    *x509.Certificate
	CertPEM []byte
	Key     crypto.Signer
	KeyPEM  []byte
}

// Issued is a certificate and its private key, PEM encoded.
type Issued struct {
	Cert    *x509.Certificate
	CertPEM []byte
	KeyPEM  []byte
}

// LeafRequest describes a certificate to issue. Subject carries the
// distinguished name the command channel ACL matches against; when it has no
// common name, CommonName is used.
type LeafRequest struct {
	CommonName string
	Subject    pkix.Name
	Hosts      []string
	Validity   time.Duration
	Server     bool
}

// GenerateCA creates a self-signed ed25519 certificate authority.
func GenerateCA(commonName string, validity time.Duration) (*CA, error) {
	if strings.TrimSpace(commonName) == "" {
		commonName = "xferd-ca"
	}
	if validity <= 0 {
		validity = DefaultCAValidity
	}
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("tlsutil: generate ca key: %w", err)
	}
	now := time.Now().UTC()
	template := &x509.Certificate{
		Subject:               pkix.Name{CommonName: commonName},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(validity),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		MaxPathLenZero:        true,
	}
	issued, err := sign(template, template, pub, priv, priv)
	if err != nil {
		return nil, err
	}
	return &CA{Cert: issued.Cert, CertPEM: issued.CertPEM, Key: priv, KeyPEM: issued.KeyPEM}, nil
}

// Issue signs a new leaf certificate. Server certificates cover req.Hosts
// and may also authenticate as clients; client certificates carry only the
// client usage.
func (ca *CA) Issue(req LeafRequest) (Issued, error) {
	if ca == nil || ca.Cert == nil || ca.Key == nil {
		return Issued{}, errors.New("tlsutil: ca has no signing key")
	}
	validity := req.Validity
	if validity <= 0 {
		validity = DefaultLeafValidity
	}
	subject := req.Subject
	if strings.TrimSpace(subject.CommonName) == "" {
		subject.CommonName = req.CommonName
	}
	if subject.CommonName == "" {
		subject.CommonName = "xferd-client"
		if req.Server {
			subject.CommonName = "xferd-server"
		}
	}
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return Issued{}, fmt.Errorf("tlsutil: generate key: %w", err)
	}
	now := time.Now().UTC()
	template := &x509.Certificate{
		Subject:     subject,
		NotBefore:   now.Add(-time.Hour),
		NotAfter:    now.Add(validity),
		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	if req.Server {
		template.ExtKeyUsage = append(template.ExtKeyUsage, x509.ExtKeyUsageServerAuth)
		for _, host := range req.Hosts {
			if host = strings.TrimSpace(host); host == "" {
				continue
			}
			if ip := net.ParseIP(host); ip != nil {
				template.IPAddresses = append(template.IPAddresses, ip)
			} else {
				template.DNSNames = append(template.DNSNames, host)
			}
		}
	}
	return sign(template, ca.Cert, pub, priv, ca.Key)
}

func sign(template, parent *x509.Certificate, pub crypto.PublicKey, priv, signer crypto.Signer) (Issued, error) {
	serial, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		return Issued{}, fmt.Errorf("tlsutil: generate serial: %w", err)
	}
	template.SerialNumber = serial
	der, err := x509.CreateCertificate(rand.Reader, template, parent, pub, signer)
	if err != nil {
		return Issued{}, fmt.Errorf("tlsutil: create certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return Issued{}, fmt.Errorf("tlsutil: parse certificate: %w", err)
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return Issued{}, fmt.Errorf("tlsutil: marshal key: %w", err)
	}
	return Issued{
		Cert:    cert,
		CertPEM: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		KeyPEM:  pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER}),
	}, nil
}

// Bundle encodes issued together with the CA certificate.
func (ca *CA) Bundle(issued Issued, denylist []string) ([]byte, error) {
	return EncodeBundle(ca.CertPEM, nil, issued.CertPEM, issued.KeyPEM, denylist)
}

// Encode returns the CA certificate and key as one PEM document.
func (ca *CA) Encode() []byte {
	return append(append([]byte(nil), ca.CertPEM...), ca.KeyPEM...)
}

// LoadCA reads a CA written by Encode.
func LoadCA(path string) (*CA, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("tlsutil: read ca: %w", err)
	}
	m, err := scan(data)
	if err != nil {
		return nil, err
	}
	if len(m.cas) == 0 {
		return nil, fmt.Errorf("tlsutil: %s holds no CA certificate", path)
	}
	key, ok := m.keyFor(m.cas[0])
	if !ok {
		return nil, fmt.Errorf("tlsutil: %s holds no CA key", path)
	}
	return &CA{Cert: m.cas[0], CertPEM: m.caPEM, Key: key.signer, KeyPEM: key.pem}, nil
}
