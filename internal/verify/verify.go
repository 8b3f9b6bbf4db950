// Package verify checks downloaded payloads against the digest and
// signature published in an update manifest.
package verify

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/crypto/blake2s"

	"github.com/breeze-rmm/updater/internal/logging"
)

var log = logging.L("verify")

var (
	// ErrMalformedHash is returned for an expected digest that cannot be parsed.
	ErrMalformedHash = errors.New("malformed expected hash")
	// ErrSignatureRequired is returned when a payload has no signature and
	// the verifier is configured to require one.
	ErrSignatureRequired = errors.New("payload signature required")
)

// Algorithm names a supported digest.
type Algorithm string

const (
	SHA256  Algorithm = "sha256"
	BLAKE2s Algorithm = "blake2s"
)

func (a Algorithm) new() (hash.Hash, error) {
	switch a {
	case SHA256:
		return sha256.New(), nil
	case BLAKE2s:
		return blake2s.New256(nil)
	}
	return nil, fmt.Errorf("%w: unsupported algorithm %q", ErrMalformedHash, a)
}

// Digest is a parsed expected hash.
type Digest struct {
	Algorithm Algorithm
	Sum       []byte
}

// ParseDigest accepts "sha256:<hex>", "blake2s:<hex>" or bare hex, which is
// taken as sha256.
func ParseDigest(s string) (Digest, error) {
	s = strings.TrimSpace(s)
	algo, sum, found := strings.Cut(s, ":")
	if !found {
		algo, sum = string(SHA256), s
	}
	d := Digest{Algorithm: Algorithm(strings.ToLower(algo))}
	if _, err := d.Algorithm.new(); err != nil {
		return Digest{}, err
	}
	raw, err := hex.DecodeString(sum)
	if err != nil || len(raw) != 32 {
		return Digest{}, fmt.Errorf("%w: %q", ErrMalformedHash, s)
	}
	d.Sum = raw
	return d, nil
}

func (d Digest) String() string {
	return string(d.Algorithm) + ":" + hex.EncodeToString(d.Sum)
}

// Verifier checks payload digests and optional ed25519 signatures.
type Verifier struct {
	keys             []ed25519.PublicKey
	requireSignature bool
}

// New returns a Verifier trusting the given base64 ed25519 public keys.
func New(publicKeys []string, requireSignature bool) (*Verifier, error) {
	v := &Verifier{requireSignature: requireSignature}
	for i, k := range publicKeys {
		raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(k))
		if err != nil {
			return nil, fmt.Errorf("public key %d: %w", i, err)
		}
		if len(raw) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("public key %d: want %d bytes, got %d", i, ed25519.PublicKeySize, len(raw))
		}
		v.keys = append(v.keys, ed25519.PublicKey(raw))
	}
	if requireSignature && len(v.keys) == 0 {
		return nil, errors.New("signatures are required but no public keys are configured")
	}
	return v, nil
}

// Verify reports whether the file at path matches expectedHash and, when a
// signature is present, whether one of the trusted keys signed the digest.
// A mismatch is reported as false with a nil error; errors are reserved for
// payloads that could not be checked at all.
func (v *Verifier) Verify(ctx context.Context, path, expectedHash, signature string) (bool, error) {
	want, err := ParseDigest(expectedHash)
	if err != nil {
		return false, err
	}

	got, err := FileDigest(ctx, path, want.Algorithm)
	if err != nil {
		return false, err
	}
	if subtle.ConstantTimeCompare(got.Sum, want.Sum) != 1 {
		log.Warn("payload digest mismatch", "path", path, "expected", want, "actual", got)
		return false, nil
	}

	if signature == "" {
		if v.requireSignature {
			return false, ErrSignatureRequired
		}
		return true, nil
	}
	if err := v.checkSignature(got.Sum, signature); err != nil {
		log.Warn("payload signature rejected", "path", path, logging.KeyError, err)
		return false, nil
	}
	return true, nil
}

func (v *Verifier) checkSignature(digest []byte, signature string) error {
	sig, err := base64.StdEncoding.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	if len(v.keys) == 0 {
		return errors.New("no trusted public keys")
	}

	var result *multierror.Error
	for i, key := range v.keys {
		if ed25519.Verify(key, digest, sig) {
			return nil
		}
		result = multierror.Append(result, fmt.Errorf("key %d: signature mismatch", i))
	}
	return result.ErrorOrNil()
}

// FileDigest hashes the file at path with algo. The read is abandoned when
// ctx ends.
func FileDigest(ctx context.Context, path string, algo Algorithm) (Digest, error) {
	h, err := algo.new()
	if err != nil {
		return Digest{}, err
	}
	f, err := os.Open(path)
	if err != nil {
		return Digest{}, err
	}
	defer f.Close()

	if _, err := io.Copy(h, &ctxReader{ctx: ctx, r: f}); err != nil {
		return Digest{}, err
	}
	return Digest{Algorithm: algo, Sum: h.Sum(nil)}, nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
