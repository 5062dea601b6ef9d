package storage

import (
	"context"
	"fmt"
)

// Supported store backends
const (
	BackendSQLite   = "sqlite"
	BackendBolt     = "bolt"
	BackendDynamoDB = "dynamodb"
)

// Options selects and configures a store backend
type Options struct {
	Backend  string
	Path     string
	DynamoDB DynamoDBOptions
}

// Open creates the store selected by opts.Backend
func Open(ctx context.Context, opts Options) (Store, error) {
	switch opts.Backend {
	case "", BackendSQLite:
		if opts.Path == "" {
			return nil, fmt.Errorf("sqlite store requires a path")
		}
		return NewSQLiteStore(opts.Path)
	case BackendBolt:
		if opts.Path == "" {
			return nil, fmt.Errorf("bolt store requires a path")
		}
		return NewBoltStore(opts.Path)
	case BackendDynamoDB:
		return OpenDynamoDB(ctx, opts.DynamoDB)
	default:
		return nil, fmt.Errorf("unknown store backend %q", opts.Backend)
	}
}
