package core

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// SafeString coerces a raw JSON value into canonical text.
//
//   - nil returns def
//   - numbers return their decimal text; integral floats drop the fraction,
//     so 2024 and 2024.0 both become "2024"
//   - strings are NFC-normalized and trimmed
//   - an empty result returns def
func SafeString(v any, def string) string {
	var s string
	switch x := v.(type) {
	case nil:
		return def
	case string:
		s = x
	case json.Number:
		s = formatNumberText(x.String())
	case float64:
		s = formatFloat(x)
	case float32:
		s = formatFloat(float64(x))
	case int:
		s = strconv.Itoa(x)
	case int32:
		s = strconv.FormatInt(int64(x), 10)
	case int64:
		s = strconv.FormatInt(x, 10)
	case uint:
		s = strconv.FormatUint(uint64(x), 10)
	case uint32:
		s = strconv.FormatUint(uint64(x), 10)
	case uint64:
		s = strconv.FormatUint(x, 10)
	case bool:
		s = strconv.FormatBool(x)
	default:
		s = fmt.Sprint(x)
	}

	s = strings.TrimSpace(norm.NFC.String(s))
	if s == "" {
		return def
	}
	return s
}

func formatFloat(f float64) string {
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// formatNumberText keeps the literal of a json.Number unless it is an
// integral value written with a fraction or exponent.
func formatNumberText(lit string) string {
	if !strings.ContainsAny(lit, ".eE") {
		return lit
	}
	f, err := strconv.ParseFloat(lit, 64)
	if err != nil {
		return lit
	}
	return formatFloat(f)
}

// NormalizeScheme maps a raw scheme spelling to a tracked Scheme.
// The boolean is false for untracked or missing schemes.
func NormalizeScheme(raw string) (Scheme, bool) {
	s := strings.Join(strings.Fields(cases.Fold().String(norm.NFC.String(raw))), " ")
	switch s {
	case "ha", "hutan adat", "lphd", "hn", "lphn":
		return SchemeHA, true
	case "kk":
		return SchemeKK, true
	}
	return "", false
}

// ParseAreaSize returns the numeric area size, or nil when absent or not a number.
func ParseAreaSize(v any) *float64 {
	switch x := v.(type) {
	case float64:
		return &x
	case json.Number:
		if f, err := x.Float64(); err == nil {
			return &f
		}
		return nil
	}
	s := SafeString(v, "")
	if s == "" {
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return &f
}

// TruncateRunes shortens s to at most n runes.
func TruncateRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}

// DummyEmail builds a placeholder address for identities created without an
// email: lowercased alphanumerics of the name plus the microsecond of now.
func DummyEmail(name string, now time.Time) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	clean := b.String()
	if clean == "" {
		clean = "pendamping"
	}
	return fmt.Sprintf("%s.%06d@noemail.com", clean, now.Nanosecond()/1000)
}

// collisionEmail prefixes an address that already exists with a timestamp.
func collisionEmail(email string, now time.Time) string {
	return fmt.Sprintf("%d.%06d_%s", now.Unix(), now.Nanosecond()/1000, email)
}
