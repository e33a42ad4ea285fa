// Package auth signs the websocket handshake with an RSA-PSS key so the
// streaming server can authenticate the client before upgrading.
package auth

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"
)

// Handshake header names.
const (
	HeaderKey       = "X-Stream-Key"
	HeaderTimestamp = "X-Stream-Timestamp"
	HeaderSignature = "X-Stream-Signature"
)

var (
	ErrMissingKeyID   = errors.New("auth: key id is required")
	ErrMissingKeyPath = errors.New("auth: private key path is required")
	ErrInvalidPEM     = errors.New("auth: no PEM block found")
	ErrNotRSA         = errors.New("auth: key is not an RSA private key")
)

// Signer produces handshake headers for a key id.
type Signer struct {
	KeyID      string
	PrivateKey *rsa.PrivateKey

	now func() time.Time
}

// NewSigner loads the PEM key at path and returns a signer for keyID.
func NewSigner(keyID, path string) (*Signer, error) {
	if keyID == "" {
		return nil, ErrMissingKeyID
	}
	if path == "" {
		return nil, ErrMissingKeyPath
	}

	key, err := LoadPrivateKey(path)
	if err != nil {
		return nil, fmt.Errorf("load private key: %w", err)
	}
	return &Signer{KeyID: keyID, PrivateKey: key, now: time.Now}, nil
}

// LoadPrivateKey reads an RSA key in PKCS#8 or PKCS#1 PEM form.
func LoadPrivateKey(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	return ParsePrivateKey(data)
}

// ParsePrivateKey decodes a PEM encoded RSA key.
func ParsePrivateKey(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, ErrInvalidPEM
	}

	if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, ErrNotRSA
		}
		return rsaKey, nil
	}

	rsaKey, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return rsaKey, nil
}

// SignHeaders returns the headers authenticating a request for method and
// path. The signed payload is timestamp_ms + method + path.
func (s *Signer) SignHeaders(method, path string) (http.Header, error) {
	now := time.Now
	if s.now != nil {
		now = s.now
	}
	ts := now().UnixMilli()

	digest := sha256.Sum256([]byte(strconv.FormatInt(ts, 10) + method + path))
	sig, err := rsa.SignPSS(rand.Reader, s.PrivateKey, crypto.SHA256, digest[:],
		&rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash})
	if err != nil {
		return nil, fmt.Errorf("sign handshake: %w", err)
	}

	h := http.Header{}
	h.Set(HeaderKey, s.KeyID)
	h.Set(HeaderTimestamp, strconv.FormatInt(ts, 10))
	h.Set(HeaderSignature, base64.StdEncoding.EncodeToString(sig))
	return h, nil
}

// Verify checks headers produced by SignHeaders against the public key.
// Servers and tests use it; the client never calls it.
func Verify(pub *rsa.PublicKey, method, path string, h http.Header) error {
	sig, err := base64.StdEncoding.DecodeString(h.Get(HeaderSignature))
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	digest := sha256.Sum256([]byte(h.Get(HeaderTimestamp) + method + path))
	return rsa.VerifyPSS(pub, crypto.SHA256, digest[:], sig,
		&rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash})
}
