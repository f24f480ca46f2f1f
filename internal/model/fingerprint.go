package model

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"hash"
	"sort"
	"strconv"
	"strings"
	"time"
)

// DefaultFingerprintWindow is the coarse time bucket applied to fingerprints
// so near-simultaneous identical requests coalesce onto one cache entry.
const DefaultFingerprintWindow = 60 * time.Second

// Fingerprint derives the deterministic cache key for a request. It hashes
// the kind, a canonical ordering of the payload, and the request fields that
// change the result (privacy flag, allow-list, compliance tags), bucketed by
// window. request_id and created_at are deliberately excluded: two requests
// differing only in those must share one computation.
//
// Fingerprints never leave the process.
func Fingerprint(r Request, now time.Time, window time.Duration) string {
	if window <= 0 {
		window = DefaultFingerprintWindow
	}
	h := sha256.New()
	writeField(h, string(r.Kind))
	writeCanonical(h, r.Payload)
	if r.PreservePrivacy {
		writeField(h, "p1")
	} else {
		writeField(h, "p0")
	}
	writeStringSet(h, r.OracleSources)
	writeStringSet(h, r.Compliance)

	var bucket [8]byte
	binary.BigEndian.PutUint64(bucket[:], uint64(now.UnixNano()/int64(window)))
	h.Write(bucket[:])

	return hex.EncodeToString(h.Sum(nil))
}

// writeCanonical hashes an arbitrary JSON-shaped value with sorted map keys
// and length-prefixed fields, so delimiter collisions and map iteration
// order cannot produce colliding or unstable fingerprints.
func writeCanonical(h hash.Hash, v any) {
	switch t := v.(type) {
	case nil:
		writeField(h, "z")
	case bool:
		if t {
			writeField(h, "b1")
		} else {
			writeField(h, "b0")
		}
	case string:
		writeField(h, "s"+t)
	case float64:
		writeField(h, "n"+strconv.FormatFloat(t, 'f', -1, 64))
	case float32:
		writeField(h, "n"+strconv.FormatFloat(float64(t), 'f', -1, 64))
	case int:
		writeField(h, "n"+strconv.FormatInt(int64(t), 10))
	case int64:
		writeField(h, "n"+strconv.FormatInt(t, 10))
	case []any:
		writeField(h, "a"+strconv.Itoa(len(t)))
		for _, item := range t {
			writeCanonical(h, item)
		}
	case map[string]any:
		keys := SortedKeys(t)
		writeField(h, "m"+strconv.Itoa(len(keys)))
		for _, k := range keys {
			writeField(h, k)
			writeCanonical(h, t[k])
		}
	default:
		// Unknown dynamic type: fall back to its string form. Still
		// deterministic for any given concrete type.
		writeField(h, "u"+strings.TrimSpace(strconv.Quote(toString(t))))
	}
}

func writeStringSet(h hash.Hash, set []string) {
	sorted := append([]string(nil), set...)
	sort.Strings(sorted)
	writeField(h, "l"+strconv.Itoa(len(sorted)))
	for _, s := range sorted {
		writeField(h, s)
	}
}

// writeField writes a 4-byte big-endian length prefix followed by the bytes.
func writeField(h hash.Hash, s string) {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(s))) //nolint:gosec // payload sizes are bounded by the transport body limit
	h.Write(lenBuf[:])
	h.Write([]byte(s))
}

func toString(v any) string {
	type stringer interface{ String() string }
	if s, ok := v.(stringer); ok {
		return s.String()
	}
	return ""
}
