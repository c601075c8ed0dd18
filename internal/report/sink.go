// Package report persists failed import records and reads them back for
// download, summary and retry extraction.
package report

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/go-faster/errors"
)

var (
	// ErrNotFound is returned when a report does not exist.
	ErrNotFound = errors.New("report not found")
	// ErrInvalidName is returned for names that are not plain report filenames.
	ErrInvalidName = errors.New("invalid report name")
	// ErrExists is returned by Put when name is already taken.
	ErrExists = errors.New("report already exists")
)

var validName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*\.json$`)

// ValidateName rejects anything but a bare filename ending in .json.
func ValidateName(name string) error {
	if !validName.MatchString(name) || strings.Contains(name, "..") {
		return errors.Wrapf(ErrInvalidName, "%q", name)
	}
	return nil
}

// Sink stores report objects by name. Put never replaces an existing object.
type Sink interface {
	Put(ctx context.Context, name string, data []byte) error
	Open(ctx context.Context, name string) (io.ReadCloser, error)
}

// FileSink writes reports into a local directory.
type FileSink struct {
	dir string
}

// NewFileSink creates dir if needed.
func NewFileSink(dir string) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create export dir")
	}
	return &FileSink{dir: dir}, nil
}

// Dir returns the export directory.
func (s *FileSink) Dir() string { return s.dir }

func (s *FileSink) Put(_ context.Context, name string, data []byte) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(s.dir, "."+name+".*.tmp")
	if err != nil {
		return errors.Wrap(err, "write report")
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return errors.Wrap(err, "write report")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "write report")
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return errors.Wrap(err, "write report")
	}

	// Link fails when the name exists, unlike Rename.
	err = os.Link(tmp.Name(), filepath.Join(s.dir, name))
	if errors.Is(err, fs.ErrExist) {
		return errors.Wrapf(ErrExists, "%q", name)
	}
	if err != nil {
		return errors.Wrap(err, "write report")
	}
	return nil
}

func (s *FileSink) Open(_ context.Context, name string) (io.ReadCloser, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	f, err := os.Open(filepath.Join(s.dir, name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "open report")
	}
	return f, nil
}
