// Package digest picks the concrete hash algorithm spec.md leaves abstract
// ("a fixed-width, collision-resistant digest, treated as opaque bytes of a
// declared length"): SHA3-256.
package digest

import (
	"encoding/hex"
	"io"

	"golang.org/x/crypto/sha3"
)

// Size is the width, in bytes, of a digest produced by this package.
const Size = 32

// Sum returns the SHA3-256 digest of data.
func Sum(data []byte) [Size]byte {
	return sha3.Sum256(data)
}

// SumReader hashes everything read from r.
func SumReader(r io.Reader) ([Size]byte, error) {
	h := sha3.New256()
	if _, err := io.Copy(h, r); err != nil {
		return [Size]byte{}, err
	}
	var out [Size]byte
	copy(out[:], h.Sum(nil))
	return out, nil
}

// Hex renders a digest as lowercase hex, the representation used in
// .crinfo files and on the CTP wire.
func Hex(d [Size]byte) string {
	return hex.EncodeToString(d[:])
}

// ParseHex parses a hex-encoded digest.
func ParseHex(s string) ([Size]byte, error) {
	var out [Size]byte
	b, err := hex.DecodeString(s)
	if err != nil {
		return out, err
	}
	if len(b) != Size {
		return out, io.ErrShortBuffer
	}
	copy(out[:], b)
	return out, nil
}
