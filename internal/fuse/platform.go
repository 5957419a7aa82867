//go:build !cgofuse
// +build !cgofuse

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

// CreatePlatformMountManager creates the mount manager for the platform.
// Without the cgofuse tag this is the go-fuse raw bridge.
func CreatePlatformMountManager(remote types.RemoteAPI, opts Options, config *MountConfig) PlatformFileSystem {
	return NewMountManager(NewBridge(remote, opts), config)
}
