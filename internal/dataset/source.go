package dataset

import (
	"bytes"
	"encoding/json"
	"io"
	"unicode/utf8"

	"github.com/go-faster/errors"

	"github.com/JonMunkholm/pendampingan/internal/core"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// ErrTooLarge is returned when a source exceeds the configured size.
var ErrTooLarge = errors.New("request body too large")

// Decode reads a JSON array of objects. A leading BOM is dropped and invalid
// UTF-8 is replaced before parsing; numbers stay json.Number so ordinals and
// years keep their literal text. Anything but an array of objects is
// core.ErrInvalidSourceFormat. maxBytes <= 0 disables the size check.
func Decode(r io.Reader, maxBytes int64) ([]core.Record, error) {
	if maxBytes > 0 {
		r = io.LimitReader(r, maxBytes+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "read source")
	}
	if maxBytes > 0 && int64(len(data)) > maxBytes {
		return nil, ErrTooLarge
	}
	return DecodeBytes(data)
}

// DecodeBytes is Decode over an in-memory payload.
func DecodeBytes(data []byte) ([]core.Record, error) {
	data = sanitizeUTF8(bytes.TrimPrefix(data, utf8BOM))

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw []json.RawMessage
	if err := dec.Decode(&raw); err != nil {
		return nil, errors.Wrapf(core.ErrInvalidSourceFormat, "%v", err)
	}
	if dec.More() {
		return nil, errors.Wrap(core.ErrInvalidSourceFormat, "trailing data after array")
	}
	if raw == nil {
		return nil, errors.Wrap(core.ErrInvalidSourceFormat, "null document")
	}

	records := make([]core.Record, 0, len(raw))
	for i, item := range raw {
		d := json.NewDecoder(bytes.NewReader(item))
		d.UseNumber()
		var rec map[string]any
		if err := d.Decode(&rec); err != nil || rec == nil {
			return nil, errors.Wrapf(core.ErrInvalidSourceFormat, "element %d is not an object", i+1)
		}
		records = append(records, core.Record(rec))
	}
	return records, nil
}

// sanitizeUTF8 replaces invalid byte sequences with U+FFFD.
func sanitizeUTF8(data []byte) []byte {
	if utf8.Valid(data) {
		return data
	}

	var buf bytes.Buffer
	buf.Grow(len(data))

	for len(data) > 0 {
		r, size := utf8.DecodeRune(data)
		if r == utf8.RuneError && size == 1 {
			buf.WriteRune(utf8.RuneError)
		} else {
			buf.Write(data[:size])
		}
		data = data[size:]
	}

	return buf.Bytes()
}
