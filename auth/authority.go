package auth

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc/credentials"
)

// DefaultGroupCode is used when no group code is configured.
const DefaultGroupCode = "Warpinator"

var (
	// ErrUnknownPeer means no certificate has been imported for the peer yet.
	ErrUnknownPeer = errors.New("auth: no certificate for peer")
	// ErrCertificateMismatch is returned by a pinned handshake that saw another certificate.
	ErrCertificateMismatch = errors.New("auth: peer certificate does not match pinned certificate")
)

// Authority issues this host's TLS credentials and pins the certificates of
// peers obtained through the group-code exchange.
type Authority struct {
	identity  Identity
	groupCode string
	log       *logrus.Entry

	mu    sync.RWMutex
	peers map[string][]byte
}

// NewAuthority wraps identity. An empty group code falls back to
// DefaultGroupCode.
func NewAuthority(identity Identity, groupCode string, logger *logrus.Entry) (*Authority, error) {
	if len(identity.Key) == 0 || len(identity.CertDER) == 0 {
		return nil, errors.New("auth: identity has no key or certificate")
	}
	if groupCode == "" {
		groupCode = DefaultGroupCode
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Authority{
		identity:  identity,
		groupCode: groupCode,
		log:       logger.WithField("component", "auth"),
		peers:     make(map[string][]byte),
	}, nil
}

// Fingerprint is this host's certificate fingerprint.
func (a *Authority) Fingerprint() string {
	return a.identity.Fingerprint()
}

// ServerCredentials serves the host certificate. Clients are not asked for one.
func (a *Authority) ServerCredentials() (credentials.TransportCredentials, error) {
	return credentials.NewTLS(&tls.Config{
		Certificates: []tls.Certificate{a.identity.TLSCertificate()},
		MinVersion:   tls.VersionTLS13,
	}), nil
}

// PeerCredentials returns client credentials that accept only the peer's
// pinned certificate.
func (a *Authority) PeerCredentials(ident, hostname, ip string) (credentials.TransportCredentials, error) {
	a.mu.RLock()
	pinned, ok := a.peers[ident]
	a.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPeer, ident)
	}

	return credentials.NewTLS(&tls.Config{
		// Chain verification is replaced by the pin below.
		InsecureSkipVerify: true,
		MinVersion:         tls.VersionTLS13,
		ServerName:         hostname,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			return verifyPinned(rawCerts, pinned)
		},
	}), nil
}

func verifyPinned(rawCerts [][]byte, pinned []byte) error {
	if len(rawCerts) == 0 || !bytes.Equal(rawCerts[0], pinned) {
		return ErrCertificateMismatch
	}
	cert, err := x509.ParseCertificate(rawCerts[0])
	if err != nil {
		return fmt.Errorf("parse peer certificate: %w", err)
	}
	if now := time.Now(); now.Before(cert.NotBefore) || now.After(cert.NotAfter) {
		return fmt.Errorf("peer certificate not valid at %s", now.Format(time.RFC3339))
	}
	return nil
}

// BoxedCertificate seals the host certificate for the registration service.
func (a *Authority) BoxedCertificate() (string, error) {
	return SealCertificate(a.identity.CertDER, a.groupCode)
}

// ImportBoxedCertificate opens a peer's boxed certificate and pins it.
func (a *Authority) ImportBoxedCertificate(ident, boxed string) error {
	certDER, err := OpenCertificate(boxed, a.groupCode)
	if err != nil {
		a.log.WithError(err).WithField("peer", ident).Warn("Could not open peer certificate")
		return err
	}
	return a.Pin(ident, certDER)
}

// Pin trusts certDER for ident, replacing any earlier pin.
func (a *Authority) Pin(ident string, certDER []byte) error {
	if _, err := x509.ParseCertificate(certDER); err != nil {
		return fmt.Errorf("parse certificate for %s: %w", ident, err)
	}
	a.mu.Lock()
	a.peers[ident] = append([]byte(nil), certDER...)
	a.mu.Unlock()
	a.log.WithFields(logrus.Fields{"peer": ident, "fingerprint": Fingerprint(certDER)}).Info("Pinned peer certificate")
	return nil
}

// Forget drops a pin so the next connection fetches the certificate again.
func (a *Authority) Forget(ident string) {
	a.mu.Lock()
	delete(a.peers, ident)
	a.mu.Unlock()
}
