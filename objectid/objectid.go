// Package objectid implements the two fixed-width object identifiers used
// throughout an Icechunk repository: the 12-byte id addressing snapshots,
// manifests and chunks, and the 8-byte id addressing nodes.
package objectid

import (
	"encoding/base32"
	"encoding/hex"
	"regexp"
	"strings"

	"github.com/icechunk-go/icechunk/core"
)

// crockfordAlphabet excludes I, L, O, U to avoid visual confusion with
// 1, 1, 0 and to keep the alphabet free of characters that read as
// profanity fragments.
const crockfordAlphabet = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

// crockfordEncoding is the standard library's base32 codec configured
// with the Crockford alphabet and no padding, matching spec §4.1: MSB
// first, 8-bit input packed into 5-bit symbols, trailing bits zero-padded
// to fill the final symbol.
var crockfordEncoding = base32.NewEncoding(crockfordAlphabet).WithPadding(base32.NoPadding)

// snapshotIDPattern validates the 20-character rendering of an ObjectId12.
var snapshotIDPattern = regexp.MustCompile(`^[0-9A-HJ-NP-TV-Z]{20}$`)

// ObjectId12 addresses a snapshot, manifest or chunk.
type ObjectId12 [12]byte

// ObjectId8 addresses a node. Node ids are compared and keyed by their
// raw bytes; EncodeHex is a convenience for logging and display only.
type ObjectId8 [8]byte

// Encode renders b as a 20-character, case-insensitive Crockford Base32
// string, MSB-first with no padding.
func Encode(b [12]byte) string {
	return strings.ToUpper(crockfordEncoding.EncodeToString(b[:]))
}

// Decode parses a Crockford Base32 string into a 12-byte object id.
// Decoding is case-insensitive and treats I/L as 1 and O as 0, per
// spec §4.1. Unknown symbols yield a *core.FormatError.
func Decode(s string) (ObjectId12, error) {
	var out ObjectId12
	normalised := normaliseCrockford(s)
	decoded, err := crockfordEncoding.DecodeString(normalised)
	if err != nil {
		return out, core.NewFormatError(core.FormatID, "invalid base32 symbol: "+err.Error())
	}
	if len(decoded) != 12 {
		return out, core.NewFormatError(core.FormatID, "decoded id is not 12 bytes")
	}
	copy(out[:], decoded)
	return out, nil
}

// normaliseCrockford upper-cases s and maps the conventional Crockford
// look-alike substitutions (O->0, I/L->1) before handing off to the
// standard decoder, which itself only accepts the canonical alphabet.
func normaliseCrockford(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToUpper(s) {
		switch r {
		case 'O':
			b.WriteRune('0')
		case 'I', 'L':
			b.WriteRune('1')
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// IsValidSnapshotID reports whether s is a syntactically valid 20-char
// Crockford Base32 snapshot id, case-insensitively.
func IsValidSnapshotID(s string) bool {
	return snapshotIDPattern.MatchString(strings.ToUpper(s))
}

// String returns the canonical 20-character encoding of the id.
func (id ObjectId12) String() string {
	return Encode(id)
}

// Hex renders a node id as lowercase hex, a debugging convenience; node
// identity itself is defined by the raw 8 bytes, not this rendering.
func (id ObjectId8) Hex() string {
	return hex.EncodeToString(id[:])
}

// Equal reports whether two node ids hold the same raw bytes.
func (id ObjectId8) Equal(other ObjectId8) bool {
	return id == other
}
