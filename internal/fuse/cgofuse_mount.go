//go:build cgofuse
// +build cgofuse

package fuse

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	cgofuse "github.com/winfsp/cgofuse/fuse"

	"github.com/remotefs/remotefs/pkg/utils"
)

const cgoMountTimeout = 10 * time.Second

// CgoFuseMountManager manages cgofuse-based mounts
type CgoFuseMountManager struct {
	filesystem *CgoFuseFS
	config     *MountConfig
	logger     *logrus.Entry

	mu   sync.Mutex
	host *cgofuse.FileSystemHost
	done chan struct{}
}

// NewCgoFuseMountManager creates a new cgofuse mount manager
func NewCgoFuseMountManager(bridge *Bridge, config *MountConfig) *CgoFuseMountManager {
	if config == nil {
		config = &MountConfig{}
	}
	if config.FSName == "" {
		config.FSName = "remotefs"
	}
	if config.HealthTimeout <= 0 {
		config.HealthTimeout = defaultHealthTimeout
	}
	return &CgoFuseMountManager{
		filesystem: NewCgoFuseFS(bridge),
		config:     config,
		logger:     utils.ComponentLogger("mount"),
	}
}

// Mount probes the remote server and hands the file system to the host.
func (m *CgoFuseMountManager) Mount(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.done != nil {
		select {
		case <-m.done:
		default:
			return mountError("filesystem is already mounted", nil)
		}
	}

	if err := probe(ctx, m.filesystem.bridge.remote, m.config.HealthTimeout); err != nil {
		return mountError("remote server is not reachable", err)
	}

	host := cgofuse.NewFileSystemHost(m.filesystem)
	result := make(chan bool, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		result <- host.Mount(m.config.MountPoint, m.mountOptions())
	}()

	select {
	case <-m.filesystem.ready:
	case ok := <-result:
		if !ok {
			return mountError(fmt.Sprintf("cgofuse could not mount %s", m.config.MountPoint), nil)
		}
	case <-time.After(cgoMountTimeout):
		host.Unmount()
		return mountError("timed out waiting for the mount", nil)
	}

	m.host = host
	m.done = done
	m.logger.WithField("mount_point", m.config.MountPoint).Info("remotefs mounted")
	return nil
}

func (m *CgoFuseMountManager) mountOptions() []string {
	options := []string{"-o", "fsname=" + m.config.FSName}
	if m.config.AllowOther {
		options = append(options, "-o", "allow_other")
	}
	if m.config.Debug {
		options = append(options, "-d")
	}
	switch runtime.GOOS {
	case "darwin":
		options = append(options, "-o", "volname="+m.config.FSName)
	case "windows":
		options = append(options, "-o", "FileSystemName="+m.config.FSName)
	}
	return options
}

// Unmount unmounts the filesystem
func (m *CgoFuseMountManager) Unmount() error {
	m.mu.Lock()
	host := m.host
	m.mu.Unlock()

	if host == nil || !m.IsMounted() {
		return fmt.Errorf("filesystem is not mounted")
	}
	if !host.Unmount() {
		return fmt.Errorf("unmount of %s failed", m.config.MountPoint)
	}
	m.logger.Info("Filesystem unmounted successfully")
	return nil
}

// Wait blocks until the host returns from the mount.
func (m *CgoFuseMountManager) Wait() {
	m.mu.Lock()
	done := m.done
	m.mu.Unlock()
	if done != nil {
		<-done
	}
}

// IsMounted returns whether the filesystem is mounted
func (m *CgoFuseMountManager) IsMounted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.done == nil {
		return false
	}
	select {
	case <-m.done:
		return false
	default:
		return true
	}
}

// GetStats returns filesystem statistics
func (m *CgoFuseMountManager) GetStats() Stats {
	return m.filesystem.bridge.GetStats()
}
