/*
Package fuse mounts a remote HTTP file tree as a local filesystem.

The kernel talks to the mount in inode numbers; the remote API talks in
paths. Bridge sits between the two: it implements go-fuse's RawFileSystem,
maps inodes to paths through a state.Tracker and turns every callback into
one or more calls on a types.RemoteAPI.

	kernel ──► go-fuse server ──► Bridge ──► remote.Client ──► HTTP server
	                                │
	                                └── state.Tracker (inodes, attr cache)

# Consistency

Nothing but attributes and the inode table is kept in memory. Reads fetch
the whole file; writes fetch, splice and upload the whole file
(read-modify-write), so every write is durable when it returns and Flush
and Fsync have nothing to do. Attributes are cached for a short TTL and
dropped or replaced by every local mutation of the path.

Deleted entries keep their inode number until the kernel forgets it, but
resolve as stale: a late getattr or read on them fails with ESTALE instead
of silently hitting a new file created under the same name.

# Retries

Listing, reading and stat are idempotent and are retried on connection
failures and timeouts. Mutations are sent exactly once.

# Platforms

Without build tags the go-fuse bridge is used (Linux, macOS with macFUSE).
With the cgofuse tag, CgoFuseFS adapts the same bridge to cgofuse's path
based interface for WinFsp.

	mgr := fuse.NewMountManager(fuse.NewBridge(client, fuse.DefaultOptions()), &fuse.MountConfig{
		MountPoint: "/mnt/remote",
	})
	if err := mgr.Mount(ctx); err != nil {
		return err
	}
	defer mgr.Unmount()
	mgr.Wait()
*/
package fuse
