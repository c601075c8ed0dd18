package dataset

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/pendampingan/internal/core"
)

func TestDecode_ArrayOfObjects(t *testing.T) {
	in := "\xEF\xBB\xBF" + `[{"no": 1, "email": "a@x.com", "tahun": 2024}, {"no": "", "nama": "B"}]`

	records, err := Decode(strings.NewReader(in), 0)
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, json.Number("1"), records[0]["no"])
	assert.Equal(t, json.Number("2024"), records[0]["tahun"])
	assert.Equal(t, "B", records[1]["nama"])
}

func TestDecode_InvalidUTF8Replaced(t *testing.T) {
	in := []byte(`[{"nama": "Bud` + "\xff" + `i"}]`)

	records, err := DecodeBytes(in)
	require.NoError(t, err)
	assert.Equal(t, "Bud�i", records[0]["nama"])
}

func TestDecode_RejectsNonArrays(t *testing.T) {
	cases := map[string]string{
		"object":        `{"no": 1}`,
		"scalar array":  `[1, 2]`,
		"null":          `null`,
		"null element":  `[null]`,
		"garbage":       `not json`,
		"trailing data": `[{}] [{}]`,
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeBytes([]byte(in))
			require.Error(t, err)
			assert.True(t, errors.Is(err, core.ErrInvalidSourceFormat), "got %v", err)
		})
	}
}

func TestDecode_EmptyArray(t *testing.T) {
	records, err := DecodeBytes([]byte(`[]`))
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestDecode_TooLarge(t *testing.T) {
	_, err := Decode(strings.NewReader(`[{"nama": "long enough"}]`), 5)
	assert.ErrorIs(t, err, ErrTooLarge)
}
