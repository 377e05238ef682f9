package auth

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	privateKeyPEMType  = "PRIVATE KEY"
	certificatePEMType = "CERTIFICATE"

	// KeyFile and CertFile are the default names inside the data directory.
	KeyFile  = "server.key"
	CertFile = "server.crt"

	certificateLifetime = 10 * 365 * 24 * time.Hour
)

// Identity is this host's TLS key and its self-signed certificate.
type Identity struct {
	Key     ed25519.PrivateKey
	CertDER []byte
}

// EnsureIdentity loads the key and certificate from disk, generating both on
// first run. A missing or mismatched certificate is re-issued for the stored key.
func EnsureIdentity(keyPath, certPath, hostname string) (Identity, error) {
	key, err := LoadPrivateKey(keyPath)
	if err == nil {
		certDER, certErr := LoadCertificate(certPath)
		if certErr == nil && certificateMatches(certDER, key) {
			return Identity{Key: key, CertDER: certDER}, nil
		}

		certDER, err = issueCertificate(key, hostname)
		if err != nil {
			return Identity{}, err
		}
		if err := SaveCertificate(certPath, certDER); err != nil {
			return Identity{}, err
		}
		return Identity{Key: key, CertDER: certDER}, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return Identity{}, err
	}

	id, err := NewIdentity(hostname)
	if err != nil {
		return Identity{}, err
	}
	if err := SavePrivateKey(keyPath, id.Key); err != nil {
		return Identity{}, err
	}
	if err := SaveCertificate(certPath, id.CertDER); err != nil {
		return Identity{}, err
	}
	return id, nil
}

// NewIdentity generates a fresh key and certificate without touching disk.
func NewIdentity(hostname string) (Identity, error) {
	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return Identity{}, fmt.Errorf("generate Ed25519 key: %w", err)
	}
	certDER, err := issueCertificate(key, hostname)
	if err != nil {
		return Identity{}, err
	}
	return Identity{Key: key, CertDER: certDER}, nil
}

func issueCertificate(key ed25519.PrivateKey, hostname string) ([]byte, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 127))
	if err != nil {
		return nil, fmt.Errorf("generate serial: %w", err)
	}
	now := time.Now()
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: hostname},
		DNSNames:              []string{hostname},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(certificateLifetime),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, key.Public(), key)
	if err != nil {
		return nil, fmt.Errorf("create certificate: %w", err)
	}
	return der, nil
}

func certificateMatches(certDER []byte, key ed25519.PrivateKey) bool {
	cert, err := x509.ParseCertificate(certDER)
	if err != nil || time.Now().After(cert.NotAfter) {
		return false
	}
	pub, ok := cert.PublicKey.(ed25519.PublicKey)
	return ok && pub.Equal(key.Public())
}

// TLSCertificate wraps the identity for a tls.Config.
func (id Identity) TLSCertificate() tls.Certificate {
	return tls.Certificate{
		Certificate: [][]byte{id.CertDER},
		PrivateKey:  id.Key,
	}
}

// Fingerprint returns the identity's certificate fingerprint.
func (id Identity) Fingerprint() string {
	return Fingerprint(id.CertDER)
}

// LoadPrivateKey reads a PKCS#8 Ed25519 key from a PEM file.
func LoadPrivateKey(path string) (ed25519.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}

	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("decode private key PEM: no PEM block")
	}
	if block.Type != privateKeyPEMType {
		return nil, fmt.Errorf("decode private key PEM: unexpected type %q", block.Type)
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	key, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("parse private key: %T is not Ed25519", parsed)
	}
	return key, nil
}

// LoadCertificate reads a DER certificate from a PEM file.
func LoadCertificate(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read certificate: %w", err)
	}

	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("decode certificate PEM: no PEM block")
	}
	if block.Type != certificatePEMType {
		return nil, fmt.Errorf("decode certificate PEM: unexpected type %q", block.Type)
	}
	return block.Bytes, nil
}

// SavePrivateKey writes the key with 0600 permissions.
func SavePrivateKey(path string, key ed25519.PrivateKey) error {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return fmt.Errorf("marshal private key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create key directory: %w", err)
	}
	block := &pem.Block{Type: privateKeyPEMType, Bytes: der}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		return fmt.Errorf("write private key: %w", err)
	}
	return nil
}

// SaveCertificate writes a DER certificate as PEM.
func SaveCertificate(path string, certDER []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create certificate directory: %w", err)
	}
	block := &pem.Block{Type: certificatePEMType, Bytes: certDER}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o644); err != nil {
		return fmt.Errorf("write certificate: %w", err)
	}
	return nil
}

// Fingerprint returns the truncated SHA-256 hex fingerprint of a certificate.
func Fingerprint(certDER []byte) string {
	sum := sha256.Sum256(certDER)
	return hex.EncodeToString(sum[:16])
}

// FormatFingerprint groups a fingerprint in uppercase blocks of four.
func FormatFingerprint(fingerprint string) string {
	clean := strings.ToUpper(strings.ReplaceAll(fingerprint, " ", ""))
	parts := make([]string, 0, len(clean)/4+1)
	for i := 0; i < len(clean); i += 4 {
		parts = append(parts, clean[i:min(i+4, len(clean))])
	}
	return strings.Join(parts, " ")
}
