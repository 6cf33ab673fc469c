package crypto

import (
	"bytes"
	"errors"
	"math"
	"sort"
	"strconv"
	"strings"
	"unicode/utf16"
	"unicode/utf8"

	"veritas/internal/domain"
)

// Canonicalize renders v in RFC 8785 form: keys sorted by UTF-16 code units,
// ECMAScript numbers, minimal string escapes. A byte that is not part of a
// valid UTF-8 sequence is written as the lone surrogate escape \udcXX, which
// no valid string produces, so distinct strings never share an encoding.
func Canonicalize(v domain.Value) []byte {
	buf := &bytes.Buffer{}
	writeCanonical(buf, v)
	return buf.Bytes()
}

// CanonicalizeJSON parses one JSON document and re-encodes it canonically.
func CanonicalizeJSON(input []byte) ([]byte, error) {
	v, err := domain.ParseJSON(input)
	if err != nil {
		return nil, err
	}
	return Canonicalize(v), nil
}

// CanonicalizeAny accepts anything domain.FromAny does.
func CanonicalizeAny(in any) ([]byte, error) {
	v, err := domain.FromAny(in)
	if err != nil {
		return nil, err
	}
	return Canonicalize(v), nil
}

func writeCanonical(buf *bytes.Buffer, v domain.Value) {
	switch v.Kind() {
	case domain.KindBool:
		b, _ := v.Bool()
		if b {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case domain.KindNumber:
		f, _ := v.Float()
		// Value never holds a non-finite number.
		num, _ := canonicalizeFloat(f)
		buf.WriteString(num)
	case domain.KindString:
		s, _ := v.Str()
		writeString(buf, s)
	case domain.KindList:
		buf.WriteByte('[')
		for i, item := range v.Items() {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeCanonical(buf, item)
		}
		buf.WriteByte(']')
	case domain.KindObject:
		buf.WriteByte('{')
		for i, k := range utf16Keys(v) {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeString(buf, k)
			buf.WriteByte(':')
			field, _ := v.Get(k)
			writeCanonical(buf, field)
		}
		buf.WriteByte('}')
	default:
		buf.WriteString("null")
	}
}

func writeString(buf *bytes.Buffer, s string) {
	buf.WriteByte('"')
	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		if r == utf8.RuneError && size == 1 {
			buf.WriteString(`\udc`)
			buf.WriteByte(hexLower[s[i]>>4])
			buf.WriteByte(hexLower[s[i]&0x0f])
			i++
			continue
		}
		i += size
		switch r {
		case '"', '\\':
			buf.WriteByte('\\')
			buf.WriteRune(r)
		case '\b':
			buf.WriteString(`\b`)
		case '\f':
			buf.WriteString(`\f`)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case '\t':
			buf.WriteString(`\t`)
		default:
			if r < 0x20 {
				buf.WriteString(`\u00`)
				buf.WriteByte(hexLower[r>>4])
				buf.WriteByte(hexLower[r&0x0f])
			} else {
				buf.WriteRune(r)
			}
		}
	}
	buf.WriteByte('"')
}

// utf16Keys orders object keys by their UTF-16 code units. Keys that only
// differ in invalid bytes fall back to byte order.
func utf16Keys(v domain.Value) []string {
	keys := v.Keys()
	units := make(map[string][]uint16, len(keys))
	for _, k := range keys {
		units[k] = utf16.Encode([]rune(k))
	}
	sort.SliceStable(keys, func(i, j int) bool {
		a, b := units[keys[i]], units[keys[j]]
		for n := 0; n < len(a) && n < len(b); n++ {
			if a[n] != b[n] {
				return a[n] < b[n]
			}
		}
		if len(a) != len(b) {
			return len(a) < len(b)
		}
		return keys[i] < keys[j]
	})
	return keys
}

var hexLower = []byte("0123456789abcdef")

func canonicalizeFloat(f float64) (string, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return "", errors.New("invalid JSON number")
	}
	if f == 0 {
		return "0", nil
	}

	sign := ""
	if f < 0 {
		sign = "-"
		f = math.Abs(f)
	}

	s := strconv.FormatFloat(f, 'e', -1, 64)
	mantissa, expPart, _ := strings.Cut(s, "e")
	exp, err := strconv.Atoi(expPart)
	if err != nil {
		return "", err
	}
	digits := strings.ReplaceAll(mantissa, ".", "")

	if exp <= -7 || exp >= 21 {
		expStr := strconv.Itoa(exp)
		if exp > 0 {
			expStr = "+" + expStr
		}
		if len(digits) == 1 {
			return sign + digits + "e" + expStr, nil
		}
		return sign + digits[:1] + "." + digits[1:] + "e" + expStr, nil
	}

	point := exp + 1
	if point >= len(digits) {
		return sign + digits + strings.Repeat("0", point-len(digits)), nil
	}
	if point <= 0 {
		return sign + "0." + strings.Repeat("0", -point) + digits, nil
	}
	return sign + digits[:point] + "." + digits[point:], nil
}
