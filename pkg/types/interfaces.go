package types

import (
	"context"
	"time"
)

// RemoteAPI is the set of operations the filesystem needs from the remote
// store. Each call is a single blocking round trip.
type RemoteAPI interface {
	List(ctx context.Context, path string) ([]FileInfo, error)
	Stat(ctx context.Context, path string) (FileInfo, error)
	Read(ctx context.Context, path string) ([]byte, error)
	Write(ctx context.Context, path string, data []byte) error
	Mkdir(ctx context.Context, path string) error
	Delete(ctx context.Context, path string) error
	Rename(ctx context.Context, from, to string) error
	Health(ctx context.Context) error
}

// MetricsCollector defines the metrics collection interface
type MetricsCollector interface {
	RecordOperation(operation string, duration time.Duration, size int64, success bool)
	RecordCacheHit(kind string)
	RecordCacheMiss(kind string)
	RecordError(operation string, err error)
}
