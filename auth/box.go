package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"
)

const nonceSize = 24

// ErrBadGroupCode means a boxed certificate was sealed under another group code.
var ErrBadGroupCode = errors.New("auth: certificate box does not open with this group code")

func groupKey(groupCode string) *[32]byte {
	key := sha256.Sum256([]byte(groupCode))
	return &key
}

// SealCertificate boxes certDER under the group code. The result is the
// base64 of nonce followed by the sealed box.
func SealCertificate(certDER []byte, groupCode string) (string, error) {
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := secretbox.Seal(nonce[:], certDER, &nonce, groupKey(groupCode))
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// OpenCertificate reverses SealCertificate.
func OpenCertificate(boxed, groupCode string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(boxed)
	if err != nil {
		return nil, fmt.Errorf("decode certificate box: %w", err)
	}
	if len(raw) < nonceSize+secretbox.Overhead {
		return nil, fmt.Errorf("decode certificate box: %d bytes is too short", len(raw))
	}

	var nonce [nonceSize]byte
	copy(nonce[:], raw[:nonceSize])
	certDER, ok := secretbox.Open(nil, raw[nonceSize:], &nonce, groupKey(groupCode))
	if !ok {
		return nil, ErrBadGroupCode
	}
	return certDER, nil
}
