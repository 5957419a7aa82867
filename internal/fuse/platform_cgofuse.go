//go:build cgofuse
// +build cgofuse

package fuse

import (
	"context"

	"github.com/remotefs/remotefs/pkg/types"
)

// PlatformFileSystem is a mount the CLI can drive regardless of the FUSE
// binding underneath.
type PlatformFileSystem interface {
	Mount(ctx context.Context) error
	Unmount() error
	Wait()
	IsMounted() bool
	GetStats() Stats
}

// CreatePlatformMountManager creates the cgofuse mount manager.
func CreatePlatformMountManager(remote types.RemoteAPI, opts Options, config *MountConfig) PlatformFileSystem {
	return NewCgoFuseMountManager(NewBridge(remote, opts), config)
}
