// Package intercept exposes the data tree through a loopback FUSE mount
// that reports every mutating operation to the state monitor before the
// operation reaches the backing filesystem. Reads pass through untouched;
// the monitor only ever sees creates, opens with O_TRUNC, writes,
// truncations, renames and deletes, plus file-handle releases.
package intercept

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	gofs "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/ravinsp/statesnapshot/internal/config"
	"github.com/ravinsp/statesnapshot/internal/monitor"
)

// Options configures the interception mount.
type Options struct {
	// DataDir is the backing directory (the live slot's data tree).
	DataDir string

	// Mountpoint is where the monitored view is exposed.
	Mountpoint string

	// Monitor receives every mutation event.
	Monitor *monitor.Monitor

	// AllowOther permits other users to access the mount. Requires
	// user_allow_other in /etc/fuse.conf.
	AllowOther bool

	// Debug enables go-fuse protocol tracing.
	Debug bool
}

// Mount exposes the monitored view of the data tree. The caller owns the
// returned server and must Unmount it when the session ends.
func Mount(options Options) (*fuse.Server, error) {
	if options.DataDir == "" || options.Mountpoint == "" {
		return nil, fmt.Errorf("data dir and mountpoint are required")
	}
	if options.Monitor == nil {
		return nil, fmt.Errorf("monitor is required")
	}
	if err := os.MkdirAll(options.Mountpoint, config.DirPerms); err != nil {
		return nil, fmt.Errorf("create mountpoint %q: %w", options.Mountpoint, err)
	}

	var st syscall.Stat_t
	if err := syscall.Stat(options.DataDir, &st); err != nil {
		return nil, fmt.Errorf("stat data dir %q: %w", options.DataDir, err)
	}

	root := &gofs.LoopbackRoot{Path: options.DataDir, Dev: uint64(st.Dev)}
	root.NewNode = func(rootData *gofs.LoopbackRoot, parent *gofs.Inode, name string, st *syscall.Stat_t) gofs.InodeEmbedder {
		return &node{
			LoopbackNode: gofs.LoopbackNode{RootData: rootData},
			mon:          options.Monitor,
		}
	}
	rootNode := root.NewNode(root, nil, "", &st)

	entryTimeout := 1 * time.Second
	attrTimeout := 1 * time.Second
	server, err := gofs.Mount(options.Mountpoint, rootNode, &gofs.Options{
		EntryTimeout: &entryTimeout,
		AttrTimeout:  &attrTimeout,
		MountOptions: fuse.MountOptions{
			FsName:     "statesnapshot",
			Name:       "statesnapshot",
			AllowOther: options.AllowOther,
			Debug:      options.Debug,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("mount %q: %w", options.Mountpoint, err)
	}
	return server, nil
}

// node is a loopback node that feeds the monitor. Monitor failures never
// veto the underlying operation; a missed pre-image surfaces later during
// verification.
type node struct {
	gofs.LoopbackNode
	mon *monitor.Monitor
}

var _ = (gofs.NodeCreater)((*node)(nil))
var _ = (gofs.NodeOpener)((*node)(nil))
var _ = (gofs.NodeWriter)((*node)(nil))
var _ = (gofs.NodeSetattrer)((*node)(nil))
var _ = (gofs.NodeUnlinker)((*node)(nil))
var _ = (gofs.NodeRenamer)((*node)(nil))
var _ = (gofs.NodeReleaser)((*node)(nil))

// backing returns the node's path in the backing tree, optionally joined
// with a child name.
func (n *node) backing(name ...string) string {
	path := filepath.Join(n.RootData.Path, n.Path(n.Root()))
	for _, c := range name {
		path = filepath.Join(path, c)
	}
	return path
}

func (n *node) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*gofs.Inode, gofs.FileHandle, uint32, syscall.Errno) {
	inode, fh, fuseFlags, errno := n.LoopbackNode.Create(ctx, name, flags, mode, out)
	if errno == 0 {
		n.mon.OnCreatePath(n.backing(name))
	}
	return inode, fh, fuseFlags, errno
}

func (n *node) Open(ctx context.Context, flags uint32) (gofs.FileHandle, uint32, syscall.Errno) {
	// The pre-image must be preserved before the kernel truncates.
	if flags&uint32(os.O_TRUNC) != 0 {
		n.mon.OnOpenPath(n.backing(), int(flags))
	}
	return n.LoopbackNode.Open(ctx, flags)
}

func (n *node) Write(ctx context.Context, f gofs.FileHandle, data []byte, off int64) (uint32, syscall.Errno) {
	n.mon.OnWritePath(n.backing(), off, int64(len(data)))
	if fw, ok := f.(gofs.FileWriter); ok {
		return fw.Write(ctx, data, off)
	}
	return 0, syscall.EBADF
}

func (n *node) Setattr(ctx context.Context, f gofs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	if size, ok := in.GetSize(); ok {
		n.mon.OnTruncatePath(n.backing(), int64(size))
	}
	return n.LoopbackNode.Setattr(ctx, f, in, out)
}

func (n *node) Unlink(ctx context.Context, name string) syscall.Errno {
	n.mon.OnDelete(n.backing(name))
	return n.LoopbackNode.Unlink(ctx, name)
}

func (n *node) Rename(ctx context.Context, name string, newParent gofs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	oldPath := n.backing(name)
	parent := newParent.EmbeddedInode()
	newPath := filepath.Join(n.RootData.Path, parent.Path(parent.Root()), newName)

	n.mon.OnRename(oldPath, newPath)
	return n.LoopbackNode.Rename(ctx, name, newParent, newName, flags)
}

func (n *node) Release(ctx context.Context, f gofs.FileHandle) syscall.Errno {
	n.mon.OnReleasePath(n.backing())
	if fr, ok := f.(gofs.FileReleaser); ok {
		return fr.Release(ctx)
	}
	return 0
}
