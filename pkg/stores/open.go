package stores

import (
	"context"
	"fmt"
)

// Backend types accepted by Open.
const (
	TypeFile   = "file"
	TypeSQLite = "sqlite"
	TypeS3     = "s3"
)

// Options selects and configures a store backend.
type Options struct {
	Type string

	// Dir is the configs directory of the file store.
	Dir string

	// Path is the database file of the sqlite store.
	Path string

	Bucket string
	Prefix string
	Region string
}

// Open creates the configured store. The returned HistoryStore is nil unless
// the backend records run history.
func Open(ctx context.Context, opts Options) (Store, HistoryStore, error) {
	switch opts.Type {
	case "", TypeFile:
		s, err := NewFileStore(opts.Dir)
		if err != nil {
			return nil, nil, err
		}
		return s, nil, nil

	case TypeSQLite:
		s, err := OpenSQLiteStore(ctx, Config{Path: opts.Path})
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil

	case TypeS3:
		s, err := NewS3Store(ctx, S3Config{
			Bucket: opts.Bucket,
			Prefix: opts.Prefix,
			Region: opts.Region,
		})
		if err != nil {
			return nil, nil, err
		}
		return s, nil, nil

	default:
		return nil, nil, fmt.Errorf("unsupported store type: %s", opts.Type)
	}
}
