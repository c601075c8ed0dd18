package main

import (
	"encoding/json"
	"io"
	"os"

	"github.com/go-faster/errors"

	"github.com/JonMunkholm/pendampingan/internal/core"
	"github.com/JonMunkholm/pendampingan/internal/dataset"
)

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// readSource decodes a JSON source file.
func readSource(path string) ([]core.Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open source")
	}
	defer f.Close()
	return dataset.Decode(f, 0)
}
