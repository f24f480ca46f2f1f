// Package attest produces opaque commitment strings over verification
// outcomes. A commitment binds the disclosed view to a secret salt without
// revealing the underlying inputs. It is a hash commitment, not a
// zero-knowledge proof, and is exposed as exactly that.
package attest

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
)

// SchemeTag identifies the commitment scheme and version carried by an
// attestation string.
const SchemeTag = "twc1"

// MaxLen is the hard cap on attestation string length.
const MaxLen = 512

// View is the minimum disclosure authorised by the caller. Raw payloads
// never reach this package.
type View struct {
	RequestID  string
	Status     string
	RiskGrade  string
	Compliance map[string]bool
}

// Attester generates attestations. The commitment generator below is the
// default implementation; a real proof system can be swapped in behind the
// same interface.
type Attester interface {
	Attest(ctx context.Context, view View) (string, error)
}

// Generator is the hash-commitment Attester. Stateless across calls except
// for an append-only counter that salts each commitment monotonically.
type Generator struct {
	salt    []byte
	counter atomic.Uint64
}

// NewGenerator creates a Generator. A nil secret generates a random salt;
// pass a stable secret when attestations must be reproducible across
// restarts.
func NewGenerator(secret []byte) (*Generator, error) {
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("attest: generate salt: %w", err)
		}
	}
	salt := make([]byte, len(secret))
	copy(salt, secret)
	return &Generator{salt: salt}, nil
}

// Attest implements Attester. The output is
//
//	twc1.<base64url(commitment)>.<base64url(public view)>
//
// where commitment = SHA-256(canonical(view) || salt || counter).
func (g *Generator) Attest(_ context.Context, view View) (string, error) {
	n := g.counter.Add(1)
	public := canonicalView(view, n)

	h := sha256.New()
	writeField(h.Write, public)
	h.Write(g.salt)
	var counterBuf [8]byte
	binary.BigEndian.PutUint64(counterBuf[:], n)
	h.Write(counterBuf[:])

	enc := base64.RawURLEncoding
	att := SchemeTag + "." + enc.EncodeToString(h.Sum(nil)) + "." + enc.EncodeToString([]byte(public))
	if len(att) > MaxLen {
		return "", fmt.Errorf("attest: attestation exceeds %d bytes (%d)", MaxLen, len(att))
	}
	return att, nil
}

// SchemeOf extracts the scheme tag from an attestation string.
func SchemeOf(att string) (string, error) {
	tag, _, ok := strings.Cut(att, ".")
	if !ok || tag == "" {
		return "", fmt.Errorf("attest: malformed attestation")
	}
	return tag, nil
}

// DecodeView recovers the disclosed public view from an attestation. It
// does not (and cannot) recover anything the view did not disclose.
func DecodeView(att string) (string, error) {
	parts := strings.SplitN(att, ".", 3)
	if len(parts) != 3 {
		return "", fmt.Errorf("attest: malformed attestation")
	}
	raw, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return "", fmt.Errorf("attest: decode view: %w", err)
	}
	return string(raw), nil
}

// canonicalView renders the view deterministically: fixed field order,
// compliance keys sorted, counter appended.
func canonicalView(view View, counter uint64) string {
	var b strings.Builder
	b.WriteString("rid=")
	b.WriteString(view.RequestID)
	b.WriteString(";status=")
	b.WriteString(view.Status)
	b.WriteString(";grade=")
	b.WriteString(view.RiskGrade)
	b.WriteString(";compliance=")
	keys := make([]string, 0, len(view.Compliance))
	for k := range view.Compliance {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte(':')
		b.WriteString(strconv.FormatBool(view.Compliance[k]))
	}
	b.WriteString(";n=")
	b.WriteString(strconv.FormatUint(counter, 10))
	return b.String()
}

// writeField length-prefixes the string before hashing so field boundaries
// cannot be forged by crafted contents.
func writeField(write func([]byte) (int, error), s string) {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(s))) //nolint:gosec // view strings are bounded by MaxLen
	_, _ = write(lenBuf[:])
	_, _ = write([]byte(s))
}
