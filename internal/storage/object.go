package storage

import (
	"strconv"
	"time"
)

// Object is the generic value envelope of §3.2: a value of type T plus
// an optional absolute expiration. If Expire is non-nil and has already
// passed at any access, the entry is logically absent and must be
// removed on next touch.
type Object[T any] struct {
	Value  T
	Expire *time.Time
}

// StrEncoding tags which representation a Str value is stored in.
type StrEncoding int

const (
	EncodingInt StrEncoding = iota
	EncodingRaw
)

// Str is the only T fully implemented in CORE scope. On insert the
// encoding is chosen by whether the input parses as a base-10 signed
// 64-bit integer with no leading zeros (other than the literal "0") and
// no surrounding whitespace; otherwise it is stored raw.
type Str struct {
	Encoding StrEncoding
	Int      int64
	Raw      []byte
}

// NewStr picks Int or Raw encoding for b per the policy above.
func NewStr(b []byte) Str {
	if n, ok := parseCanonicalInt(b); ok {
		return Str{Encoding: EncodingInt, Int: n}
	}
	return Str{Encoding: EncodingRaw, Raw: b}
}

// Bytes returns the canonical byte representation: decimal digits for
// Int encoding, the stored bytes for Raw.
func (s Str) Bytes() []byte {
	if s.Encoding == EncodingInt {
		return []byte(strconv.FormatInt(s.Int, 10))
	}
	return s.Raw
}

// Equal reports value equality, ignoring encoding (Int(5) == Raw("5")).
func (s Str) Equal(o Str) bool {
	return string(s.Bytes()) == string(o.Bytes())
}

// parseCanonicalInt parses b as a signed 64-bit decimal integer with no
// leading zeros (except the literal "0") and no surrounding whitespace,
// rejecting anything strconv.ParseInt would otherwise tolerate loosely.
func parseCanonicalInt(b []byte) (int64, bool) {
	if len(b) == 0 {
		return 0, false
	}
	start := 0
	if b[0] == '-' {
		start = 1
		if len(b) == 1 {
			return 0, false
		}
	}
	digits := b[start:]
	for _, c := range digits {
		if c < '0' || c > '9' {
			return 0, false
		}
	}
	if len(digits) > 1 && digits[0] == '0' {
		return 0, false
	}
	n, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// ObjectsEqual compares two Object[Str] values, tolerating up to a
// 1-second skew between expirations so codec round-trips (which may
// truncate sub-second precision) still compare equal.
func ObjectsEqual(a, b *Object[Str]) bool {
	if a == nil || b == nil {
		return a == b
	}
	if !a.Value.Equal(b.Value) {
		return false
	}
	if (a.Expire == nil) != (b.Expire == nil) {
		return false
	}
	if a.Expire == nil {
		return true
	}
	diff := a.Expire.Sub(*b.Expire)
	if diff < 0 {
		diff = -diff
	}
	return diff <= time.Second
}
