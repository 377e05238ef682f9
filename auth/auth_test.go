package auth

import (
	"crypto/tls"
	"crypto/x509"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureIdentityIsStable(t *testing.T) {
	dir := t.TempDir()
	keyPath := filepath.Join(dir, KeyFile)
	certPath := filepath.Join(dir, CertFile)

	first, err := EnsureIdentity(keyPath, certPath, "alpha")
	require.NoError(t, err)
	second, err := EnsureIdentity(keyPath, certPath, "alpha")
	require.NoError(t, err)

	assert.Equal(t, first.Key, second.Key)
	assert.Equal(t, first.CertDER, second.CertDER)

	cert, err := x509.ParseCertificate(first.CertDER)
	require.NoError(t, err)
	assert.Equal(t, "alpha", cert.Subject.CommonName)
}

func TestEnsureIdentityReissuesMissingCertificate(t *testing.T) {
	dir := t.TempDir()
	keyPath := filepath.Join(dir, KeyFile)

	first, err := EnsureIdentity(keyPath, filepath.Join(dir, CertFile), "alpha")
	require.NoError(t, err)
	second, err := EnsureIdentity(keyPath, filepath.Join(dir, "other.crt"), "alpha")
	require.NoError(t, err)

	assert.Equal(t, first.Key, second.Key)
	assert.True(t, certificateMatches(second.CertDER, first.Key))
}

func TestCertificateBoxRequiresGroupCode(t *testing.T) {
	id, err := NewIdentity("alpha")
	require.NoError(t, err)

	boxed, err := SealCertificate(id.CertDER, "secret")
	require.NoError(t, err)

	opened, err := OpenCertificate(boxed, "secret")
	require.NoError(t, err)
	assert.Equal(t, id.CertDER, opened)

	_, err = OpenCertificate(boxed, "wrong")
	assert.ErrorIs(t, err, ErrBadGroupCode)

	_, err = OpenCertificate("c2hvcnQ=", "secret")
	assert.Error(t, err)
}

func TestAuthorityImportsPeerCertificate(t *testing.T) {
	alpha := newTestAuthority(t, "alpha", "group")
	beta := newTestAuthority(t, "beta", "group")
	outsider := newTestAuthority(t, "gamma", "other")

	_, err := alpha.PeerCredentials("beta", "beta", "127.0.0.1")
	assert.ErrorIs(t, err, ErrUnknownPeer)

	boxed, err := beta.BoxedCertificate()
	require.NoError(t, err)
	assert.ErrorIs(t, outsider.ImportBoxedCertificate("beta", boxed), ErrBadGroupCode)
	require.NoError(t, alpha.ImportBoxedCertificate("beta", boxed))

	creds, err := alpha.PeerCredentials("beta", "beta", "127.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, "tls", creds.Info().SecurityProtocol)

	alpha.Forget("beta")
	_, err = alpha.PeerCredentials("beta", "beta", "127.0.0.1")
	assert.ErrorIs(t, err, ErrUnknownPeer)
}

func TestPinnedHandshake(t *testing.T) {
	server, err := NewIdentity("server")
	require.NoError(t, err)
	imposter, err := NewIdentity("server")
	require.NoError(t, err)

	listener, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{
		Certificates: []tls.Certificate{server.TLSCertificate()},
		MinVersion:   tls.VersionTLS13,
	})
	require.NoError(t, err)
	defer func() {
		_ = listener.Close()
	}()
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			_ = conn.(*tls.Conn).Handshake()
			_ = conn.Close()
		}
	}()

	dial := func(pinned []byte) error {
		conn, err := tls.Dial("tcp", listener.Addr().String(), &tls.Config{
			InsecureSkipVerify: true,
			MinVersion:         tls.VersionTLS13,
			VerifyPeerCertificate: func(raw [][]byte, _ [][]*x509.Certificate) error {
				return verifyPinned(raw, pinned)
			},
		})
		if err != nil {
			return err
		}
		return conn.Close()
	}

	assert.NoError(t, dial(server.CertDER))
	assert.ErrorIs(t, dial(imposter.CertDER), ErrCertificateMismatch)
}

func TestFormatFingerprint(t *testing.T) {
	assert.Equal(t, "ABCD EF01 23", FormatFingerprint("abcdef0123"))
	assert.Equal(t, "", FormatFingerprint(""))
	assert.Len(t, Fingerprint([]byte("x")), 32)
}

func newTestAuthority(t *testing.T, hostname, groupCode string) *Authority {
	t.Helper()
	id, err := NewIdentity(hostname)
	require.NoError(t, err)
	a, err := NewAuthority(id, groupCode, nil)
	require.NoError(t, err)
	return a
}
