package fuse

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/sirupsen/logrus"

	"github.com/remotefs/remotefs/pkg/errors"
	"github.com/remotefs/remotefs/pkg/types"
	"github.com/remotefs/remotefs/pkg/utils"
)

// Flags for the unmount fallbacks.
const (
	mntForce  = 0x1
	mntDetach = 0x2
)

const defaultHealthTimeout = 5 * time.Second

// MountConfig contains mount-specific configuration
type MountConfig struct {
	MountPoint string
	FSName     string
	AllowOther bool
	Debug      bool
	MaxWrite   int

	// HealthTimeout bounds the probe of the remote server done before
	// mounting.
	HealthTimeout time.Duration
}

// MountManager owns one mount of a Bridge.
type MountManager struct {
	bridge *Bridge
	config *MountConfig
	logger *logrus.Entry

	mu      sync.Mutex
	server  *fuse.Server
	mounted bool
	done    chan struct{}
}

// NewMountManager creates a new mount manager
func NewMountManager(bridge *Bridge, config *MountConfig) *MountManager {
	if config == nil {
		config = &MountConfig{}
	}
	if config.FSName == "" {
		config.FSName = "remotefs"
	}
	if config.HealthTimeout <= 0 {
		config.HealthTimeout = defaultHealthTimeout
	}
	return &MountManager{
		bridge: bridge,
		config: config,
		logger: utils.ComponentLogger("mount"),
	}
}

// Mount checks the mount point, probes the remote server and mounts the
// bridge. An unreachable server fails the mount before the kernel is
// involved.
func (m *MountManager) Mount(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.done != nil {
		select {
		case <-m.done:
		default:
			return mountError("filesystem is already mounted", nil)
		}
	}

	if err := validateMountPoint(m.config.MountPoint, m.logger); err != nil {
		return mountError("invalid mount point", err)
	}

	if err := probe(ctx, m.bridge.remote, m.config.HealthTimeout); err != nil {
		return mountError("remote server is not reachable", err)
	}

	server, err := fuse.NewServer(m.bridge, m.config.MountPoint, m.buildMountOptions())
	if err != nil {
		return mountError("failed to mount filesystem", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		server.Serve()
		m.logger.Info("FUSE server stopped")
	}()

	if err := server.WaitMount(); err != nil {
		_ = server.Unmount()
		<-done
		return mountError("mount did not come up", err)
	}

	m.server = server
	m.done = done
	m.mounted = true

	m.logger.WithFields(logrus.Fields{
		"mount_point": m.config.MountPoint,
		"fsname":      m.config.FSName,
	}).Info("remotefs mounted")
	return nil
}

// Unmount unmounts the filesystem, falling back to a lazy and then a
// forced unmount when the kernel reports the mount busy.
func (m *MountManager) Unmount() error {
	m.mu.Lock()
	server := m.server
	m.mu.Unlock()

	if server == nil || !m.IsMounted() {
		return fmt.Errorf("filesystem is not mounted")
	}

	m.logger.WithField("mount_point", m.config.MountPoint).Info("Unmounting filesystem")

	if err := server.Unmount(); err != nil {
		m.logger.WithError(err).Warn("Normal unmount failed, trying lazy and forced unmount")
		if forceErr := forceUnmount(m.config.MountPoint); forceErr != nil {
			return fmt.Errorf("unmount failed: %w (force unmount also failed: %v)", err, forceErr)
		}
	}

	m.mu.Lock()
	m.mounted = false
	m.mu.Unlock()

	m.logger.Info("Filesystem unmounted successfully")
	return nil
}

// IsMounted reports whether the filesystem is currently mounted
func (m *MountManager) IsMounted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.done == nil {
		return false
	}
	select {
	case <-m.done:
		return false
	default:
		return m.mounted
	}
}

// GetMountPoint returns the current mount point
func (m *MountManager) GetMountPoint() string {
	return m.config.MountPoint
}

// Wait blocks until the FUSE server exits.
func (m *MountManager) Wait() {
	m.mu.Lock()
	done := m.done
	m.mu.Unlock()
	if done != nil {
		<-done
	}
}

// GetStats returns the bridge operation counters.
func (m *MountManager) GetStats() Stats {
	return m.bridge.GetStats()
}

func (m *MountManager) buildMountOptions() *fuse.MountOptions {
	opts := &fuse.MountOptions{
		Name:          "remotefs",
		FsName:        m.config.FSName,
		Debug:         m.config.Debug,
		AllowOther:    m.config.AllowOther,
		MaxWrite:      m.config.MaxWrite,
		DisableXAttrs: true,
	}
	return opts
}

// probe checks that the remote server answers its health endpoint. It is
// not retried.
func probe(ctx context.Context, remote types.RemoteAPI, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return remote.Health(ctx)
}

func mountError(msg string, cause error) error {
	err := errors.NewError(errors.ErrCodeMountFailed, msg).WithComponent("mount").WithOperation("mount")
	if cause != nil {
		err = err.WithCause(cause)
	}
	return err
}

func validateMountPoint(mountPoint string, logger *logrus.Entry) error {
	if mountPoint == "" {
		return fmt.Errorf("mount point cannot be empty")
	}

	info, err := os.Stat(mountPoint)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("mount point does not exist: %s", mountPoint)
		}
		return fmt.Errorf("cannot access mount point: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("mount point is not a directory: %s", mountPoint)
	}

	entries, err := os.ReadDir(mountPoint)
	if err != nil {
		return fmt.Errorf("cannot read mount point directory: %w", err)
	}
	if len(entries) > 0 {
		logger.WithField("mount_point", mountPoint).Warn("Mount point is not empty")
	}

	if isAlreadyMounted(mountPoint) {
		return fmt.Errorf("mount point %s is already mounted", mountPoint)
	}
	return nil
}

// isAlreadyMounted looks for mountPoint in /proc/mounts. Systems without
// it report false.
func isAlreadyMounted(mountPoint string) bool {
	f, err := os.Open("/proc/mounts")
	if err != nil {
		return false
	}
	defer f.Close()

	abs, err := filepath.Abs(mountPoint)
	if err != nil {
		abs = filepath.Clean(mountPoint)
	}

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) >= 2 && fields[1] == abs {
			return true
		}
	}
	return false
}

func forceUnmount(mountPoint string) error {
	if err := syscall.Unmount(mountPoint, mntDetach); err == nil {
		return nil
	}
	return syscall.Unmount(mountPoint, mntForce)
}
