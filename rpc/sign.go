package rpc

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
)

// MaxSignatureAge is how far an admin timestamp may drift from the server clock.
const MaxSignatureAge = 5 * time.Minute

var errBadSignature = errors.New("rpc: invalid admin signature")

// ParsePrivateKey decodes a hex string into a secp256k1 private key.
func ParsePrivateKey(hexKey string) (*secp256k1.PrivateKey, error) {
	keyBytes, err := decodeHex(hexKey)
	if err != nil {
		return nil, fmt.Errorf("rpc: invalid private key hex: %w", err)
	}
	if len(keyBytes) != 32 {
		return nil, fmt.Errorf("rpc: private key must be 32 bytes, got %d", len(keyBytes))
	}

	privKey := secp256k1.PrivKeyFromBytes(keyBytes)
	if privKey.Key.IsZero() {
		return nil, fmt.Errorf("rpc: private key is zero")
	}
	return privKey, nil
}

// ParsePublicKey decodes a hex compressed or uncompressed secp256k1 public key.
func ParsePublicKey(hexKey string) (*secp256k1.PublicKey, error) {
	keyBytes, err := decodeHex(hexKey)
	if err != nil {
		return nil, fmt.Errorf("rpc: invalid public key hex: %w", err)
	}
	pub, err := secp256k1.ParsePubKey(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("rpc: invalid public key: %w", err)
	}
	return pub, nil
}

func decodeHex(s string) ([]byte, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	s = strings.TrimPrefix(s, "0X")
	return hex.DecodeString(s)
}

// adminDigest is SHA256(hex(SHA256(body)) + timestamp).
func adminDigest(body []byte, ts string) [32]byte {
	bodyHash := sha256.Sum256(body)
	return sha256.Sum256([]byte(hex.EncodeToString(bodyHash[:]) + ts))
}

// signAdmin returns the base64 compact signature (recovery byte, r, s) of
// body at ts.
func signAdmin(privKey *secp256k1.PrivateKey, body []byte, ts string) string {
	digest := adminDigest(body, ts)
	sig := ecdsa.SignCompact(privKey, digest[:], true)
	return base64.StdEncoding.EncodeToString(sig)
}

// verifyAdmin checks that sig was produced over body and ts by the holder of pub.
func verifyAdmin(pub *secp256k1.PublicKey, body []byte, ts, sig string, now time.Time) error {
	nanos, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad timestamp", errBadSignature)
	}
	age := now.Sub(time.Unix(0, nanos))
	if age > MaxSignatureAge || age < -MaxSignatureAge {
		return fmt.Errorf("%w: timestamp outside window", errBadSignature)
	}

	raw, err := base64.StdEncoding.DecodeString(sig)
	if err != nil {
		return fmt.Errorf("%w: bad encoding", errBadSignature)
	}

	digest := adminDigest(body, ts)
	recovered, _, err := ecdsa.RecoverCompact(raw, digest[:])
	if err != nil {
		return fmt.Errorf("%w: %v", errBadSignature, err)
	}
	if !recovered.IsEqual(pub) {
		return fmt.Errorf("%w: unknown signer", errBadSignature)
	}
	return nil
}

// signingTransport is an http.RoundTripper that signs the body of admin
// function calls with the admin key.
type signingTransport struct {
	base    http.RoundTripper
	key     *secp256k1.PrivateKey
	nowFunc func() time.Time
}

func newSigningTransport(base http.RoundTripper, key *secp256k1.PrivateKey) *signingTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &signingTransport{base: base, key: key}
}

func (t *signingTransport) now() time.Time {
	if t.nowFunc != nil {
		return t.nowFunc()
	}
	return time.Now()
}

// RoundTrip implements http.RoundTripper.
func (t *signingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if !strings.HasPrefix(req.URL.Path[strings.LastIndex(req.URL.Path, "/")+1:], "admin_") {
		return t.base.RoundTrip(req)
	}

	var body []byte
	var err error
	if req.Body != nil {
		body, err = io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("rpc: read request body: %w", err)
		}
	}

	ts := strconv.FormatInt(t.now().UnixNano(), 10)

	clone := req.Clone(req.Context())
	clone.Header.Set(HeaderAdminSignature, signAdmin(t.key, body, ts))
	clone.Header.Set(HeaderAdminTimestamp, ts)
	clone.Body = io.NopCloser(bytes.NewReader(body))
	clone.ContentLength = int64(len(body))

	return t.base.RoundTrip(clone)
}
