// Package dataset keeps uploaded record lists behind opaque, expiring
// handles. Runs address a dataset by its id; nothing is held in a
// process-wide map.
package dataset

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/JonMunkholm/pendampingan/internal/core"
)

// DefaultTTL is how long a dataset stays available after upload.
const DefaultTTL = time.Hour

// Info describes a stored dataset without its records.
type Info struct {
	ID        string    `json:"dataset_id"`
	Name      string    `json:"name,omitempty"`
	Records   int       `json:"records"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Dataset is an uploaded record list.
type Dataset struct {
	Info
	Data []core.Record `json:"data"`
}

// Store persists datasets under generated handles.
// Get, Records and Delete return core.ErrDatasetNotFound for unknown or
// expired handles.
type Store interface {
	Put(ctx context.Context, name string, records []core.Record) (Info, error)
	Get(ctx context.Context, id string) (*Dataset, error)
	Records(ctx context.Context, id string) ([]core.Record, error)
	Delete(ctx context.Context, id string) error
}

func newDataset(name string, records []core.Record, now time.Time, ttl time.Duration) *Dataset {
	return &Dataset{
		Info: Info{
			ID:        uuid.New().String(),
			Name:      name,
			Records:   len(records),
			CreatedAt: now,
			ExpiresAt: now.Add(ttl),
		},
		Data: records,
	}
}
