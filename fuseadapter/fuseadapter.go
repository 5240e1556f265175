// Package fuseadapter bridges a container.Filesystem to the kernel via
// jacobsa/fuse, so a container can be mounted and driven with ordinary
// file tools instead of the cvsh REPL (§6).
package fuseadapter

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"
	"golang.org/x/sync/errgroup"

	"github.com/cvfsdev/cvfs/container"
	"github.com/cvfsdev/cvfs/folder"
	"github.com/cvfsdev/cvfs/vfile"
)

// neverExpires caches attributes and entries for a year; the adapter never
// invalidates the kernel's cached copies before then.
var neverExpires = time.Now().Add(365 * 24 * time.Hour)

// FS adapts a container.Filesystem to fuseutil.FileSystem by mapping
// fuseops.InodeID to and from the absolute path the Filesystem facade
// expects; every operation reduces to one or two Filesystem calls.
type FS struct {
	fuseutil.NotImplementedFileSystem

	cv *container.Filesystem

	mu        sync.Mutex
	pathByIno map[fuseops.InodeID]string
	inoByPath map[string]fuseops.InodeID
	nextIno   fuseops.InodeID

	handles    map[fuseops.HandleID]*vfile.File
	nextHandle fuseops.HandleID
}

// New wraps cv for FUSE serving.
func New(cv *container.Filesystem) *FS {
	fs := &FS{
		cv:        cv,
		pathByIno: map[fuseops.InodeID]string{fuseops.RootInodeID: "/"},
		inoByPath: map[string]fuseops.InodeID{"/": fuseops.RootInodeID},
		nextIno:   fuseops.RootInodeID + 1,
		handles:   map[fuseops.HandleID]*vfile.File{},
		nextHandle: 1,
	}
	return fs
}

// Mount serves fs at mountpoint until ctx is cancelled, pairing the serve
// loop and the unmount-on-cancel in one errgroup. Neither cmd/cvsh nor
// cmd/mkcv calls it; cvsh has no mount command.
func Mount(ctx context.Context, mountpoint string, fs *FS) error {
	server := fuseutil.NewFileSystemServer(fs)
	mfs, err := fuse.Mount(mountpoint, server, &fuse.MountConfig{FSName: "cvfs"})
	if err != nil {
		return err
	}

	var eg errgroup.Group
	eg.Go(func() error {
		<-ctx.Done()
		return fuse.Unmount(mountpoint)
	})
	eg.Go(func() error {
		return mfs.Join(context.Background())
	})
	return eg.Wait()
}

func joinPath(dir, name string) string {
	if dir == "/" {
		return "/" + name
	}
	return dir + "/" + name
}

// inodeFor allocates (or reuses) the inode for path. Caller holds fs.mu.
func (fs *FS) inodeFor(path string) fuseops.InodeID {
	if ino, ok := fs.inoByPath[path]; ok {
		return ino
	}
	ino := fs.nextIno
	fs.nextIno++
	fs.inoByPath[path] = ino
	fs.pathByIno[ino] = path
	return ino
}

func errno(err error) error {
	kind, ok := container.ErrorKind(err)
	if !ok {
		return syscall.EIO
	}
	switch kind {
	case container.NotFound:
		return syscall.ENOENT
	case container.AlreadyExists:
		return syscall.EEXIST
	case container.FolderNotEmpty:
		return syscall.ENOTEMPTY
	case container.IllegalFilename:
		return syscall.EINVAL
	case container.NotReadable, container.NotWritable:
		return syscall.EACCES
	default:
		return syscall.EIO
	}
}

func attributesFor(info folder.EntryInfo) fuseops.InodeAttributes {
	mode := os.FileMode(0o777)
	if info.Kind == folder.KindFolder {
		mode |= os.ModeDir
	}
	now := time.Now()
	return fuseops.InodeAttributes{
		Size:  info.Size,
		Nlink: 1,
		Mode:  mode,
		Atime: now,
		Mtime: now,
		Ctime: now,
	}
}

func (fs *FS) StatFS(ctx context.Context, op *fuseops.StatFSOp) error {
	op.BlockSize = 4096
	return nil
}

func (fs *FS) LookUpInode(ctx context.Context, op *fuseops.LookUpInodeOp) error {
	fs.mu.Lock()
	parentPath, ok := fs.pathByIno[op.Parent]
	fs.mu.Unlock()
	if !ok {
		return syscall.ENOENT
	}
	childPath := joinPath(parentPath, op.Name)

	info, err := fs.cv.GetInfo(childPath)
	if err != nil {
		return errno(err)
	}

	fs.mu.Lock()
	ino := fs.inodeFor(childPath)
	fs.mu.Unlock()

	op.Entry.Child = ino
	op.Entry.Attributes = attributesFor(info)
	op.Entry.AttributesExpiration = neverExpires
	op.Entry.EntryExpiration = neverExpires
	return nil
}

func (fs *FS) GetInodeAttributes(ctx context.Context, op *fuseops.GetInodeAttributesOp) error {
	fs.mu.Lock()
	path, ok := fs.pathByIno[op.Inode]
	fs.mu.Unlock()
	if !ok {
		return syscall.ENOENT
	}
	info, err := fs.cv.GetInfo(path)
	if err != nil {
		return errno(err)
	}
	op.Attributes = attributesFor(info)
	op.AttributesExpiration = neverExpires
	return nil
}

// SetInodeAttributes only implements the truncate path; mode and time
// changes are accepted silently since every entry reports a fixed 0777
// mode (§6).
func (fs *FS) SetInodeAttributes(ctx context.Context, op *fuseops.SetInodeAttributesOp) error {
	fs.mu.Lock()
	path, ok := fs.pathByIno[op.Inode]
	fs.mu.Unlock()
	if !ok {
		return syscall.ENOENT
	}
	if op.Size != nil {
		if err := fs.cv.TruncateFile(path, *op.Size); err != nil {
			return errno(err)
		}
	}
	info, err := fs.cv.GetInfo(path)
	if err != nil {
		return errno(err)
	}
	op.Attributes = attributesFor(info)
	op.AttributesExpiration = neverExpires
	return nil
}

func (fs *FS) MkDir(ctx context.Context, op *fuseops.MkDirOp) error {
	fs.mu.Lock()
	parentPath, ok := fs.pathByIno[op.Parent]
	fs.mu.Unlock()
	if !ok {
		return syscall.ENOENT
	}
	childPath := joinPath(parentPath, op.Name)
	info, err := fs.cv.AddFolder(childPath)
	if err != nil {
		return errno(err)
	}

	fs.mu.Lock()
	ino := fs.inodeFor(childPath)
	fs.mu.Unlock()

	op.Entry.Child = ino
	op.Entry.Attributes = attributesFor(info)
	op.Entry.AttributesExpiration = neverExpires
	op.Entry.EntryExpiration = neverExpires
	return nil
}

func (fs *FS) RmDir(ctx context.Context, op *fuseops.RmDirOp) error {
	fs.mu.Lock()
	parentPath, ok := fs.pathByIno[op.Parent]
	fs.mu.Unlock()
	if !ok {
		return syscall.ENOENT
	}
	childPath := joinPath(parentPath, op.Name)
	if err := fs.cv.RemoveFolder(childPath, container.MustBeEmpty); err != nil {
		return errno(err)
	}

	fs.mu.Lock()
	if ino, ok := fs.inoByPath[childPath]; ok {
		delete(fs.inoByPath, childPath)
		delete(fs.pathByIno, ino)
	}
	fs.mu.Unlock()
	return nil
}

func (fs *FS) CreateFile(ctx context.Context, op *fuseops.CreateFileOp) error {
	fs.mu.Lock()
	parentPath, ok := fs.pathByIno[op.Parent]
	fs.mu.Unlock()
	if !ok {
		return syscall.ENOENT
	}
	childPath := joinPath(parentPath, op.Name)
	info, err := fs.cv.AddFile(childPath)
	if err != nil {
		return errno(err)
	}
	f, err := fs.cv.OpenFile(childPath, vfile.WriteOverwrite)
	if err != nil {
		return errno(err)
	}

	fs.mu.Lock()
	ino := fs.inodeFor(childPath)
	fs.nextHandle++
	handle := fs.nextHandle
	fs.handles[handle] = f
	fs.mu.Unlock()

	op.Entry.Child = ino
	op.Entry.Attributes = attributesFor(info)
	op.Entry.AttributesExpiration = neverExpires
	op.Entry.EntryExpiration = neverExpires
	op.Handle = handle
	return nil
}

func (fs *FS) Unlink(ctx context.Context, op *fuseops.UnlinkOp) error {
	fs.mu.Lock()
	parentPath, ok := fs.pathByIno[op.Parent]
	fs.mu.Unlock()
	if !ok {
		return syscall.ENOENT
	}
	childPath := joinPath(parentPath, op.Name)
	if err := fs.cv.RemoveFile(childPath); err != nil {
		return errno(err)
	}

	fs.mu.Lock()
	if ino, ok := fs.inoByPath[childPath]; ok {
		delete(fs.inoByPath, childPath)
		delete(fs.pathByIno, ino)
	}
	fs.mu.Unlock()
	return nil
}

func (fs *FS) Rename(ctx context.Context, op *fuseops.RenameOp) error {
	fs.mu.Lock()
	oldParent, ok1 := fs.pathByIno[op.OldParent]
	newParent, ok2 := fs.pathByIno[op.NewParent]
	fs.mu.Unlock()
	if !ok1 || !ok2 {
		return syscall.ENOENT
	}
	src := joinPath(oldParent, op.OldName)
	dst := joinPath(newParent, op.NewName)
	if err := fs.cv.Rename(src, dst); err != nil {
		return errno(err)
	}

	fs.mu.Lock()
	if ino, ok := fs.inoByPath[src]; ok {
		delete(fs.inoByPath, src)
		fs.inoByPath[dst] = ino
		fs.pathByIno[ino] = dst
	}
	fs.mu.Unlock()
	return nil
}

func (fs *FS) OpenDir(ctx context.Context, op *fuseops.OpenDirOp) error {
	fs.mu.Lock()
	_, ok := fs.pathByIno[op.Inode]
	fs.mu.Unlock()
	if !ok {
		return syscall.ENOENT
	}
	return nil
}

func (fs *FS) ReadDir(ctx context.Context, op *fuseops.ReadDirOp) error {
	fs.mu.Lock()
	path, ok := fs.pathByIno[op.Inode]
	fs.mu.Unlock()
	if !ok {
		return syscall.ENOENT
	}
	entries, err := fs.cv.List(path)
	if err != nil {
		return errno(err)
	}

	var dirents []fuseutil.Dirent
	for i, e := range entries {
		fs.mu.Lock()
		ino := fs.inodeFor(joinPath(path, e.Name))
		fs.mu.Unlock()
		typ := fuseutil.DT_File
		if e.Kind == folder.KindFolder {
			typ = fuseutil.DT_Directory
		}
		dirents = append(dirents, fuseutil.Dirent{
			Offset: fuseops.DirOffset(i + 1),
			Inode:  ino,
			Name:   e.Name,
			Type:   typ,
		})
	}

	if op.Offset > fuseops.DirOffset(len(dirents)) {
		return syscall.EIO
	}
	for _, d := range dirents[op.Offset:] {
		n := fuseutil.WriteDirent(op.Dst[op.BytesRead:], d)
		if n == 0 {
			break
		}
		op.BytesRead += n
	}
	return nil
}

func (fs *FS) OpenFile(ctx context.Context, op *fuseops.OpenFileOp) error {
	fs.mu.Lock()
	path, ok := fs.pathByIno[op.Inode]
	fs.mu.Unlock()
	if !ok {
		return syscall.ENOENT
	}
	f, err := fs.cv.OpenFile(path, vfile.WriteOverwrite)
	if err != nil {
		return errno(err)
	}

	fs.mu.Lock()
	fs.nextHandle++
	handle := fs.nextHandle
	fs.handles[handle] = f
	fs.mu.Unlock()

	op.Handle = handle
	return nil
}

func (fs *FS) ReadFile(ctx context.Context, op *fuseops.ReadFileOp) error {
	fs.mu.Lock()
	f, ok := fs.handles[op.Handle]
	fs.mu.Unlock()
	if !ok {
		return syscall.EBADF
	}
	if _, err := f.Seek(op.Offset, io.SeekStart); err != nil {
		return syscall.EIO
	}
	n, err := f.Read(op.Dst)
	op.BytesRead = n
	if err != nil && !errors.Is(err, io.EOF) {
		return syscall.EIO
	}
	return nil
}

func (fs *FS) WriteFile(ctx context.Context, op *fuseops.WriteFileOp) error {
	fs.mu.Lock()
	f, ok := fs.handles[op.Handle]
	fs.mu.Unlock()
	if !ok {
		return syscall.EBADF
	}
	if _, err := f.Seek(op.Offset, io.SeekStart); err != nil {
		return syscall.EIO
	}
	if _, err := f.Write(op.Data); err != nil {
		return syscall.EIO
	}
	return nil
}

func (fs *FS) FlushFile(ctx context.Context, op *fuseops.FlushFileOp) error {
	fs.mu.Lock()
	f, ok := fs.handles[op.Handle]
	fs.mu.Unlock()
	if !ok {
		return nil
	}
	return f.Flush()
}

func (fs *FS) ReleaseFileHandle(ctx context.Context, op *fuseops.ReleaseFileHandleOp) error {
	fs.mu.Lock()
	delete(fs.handles, op.Handle)
	fs.mu.Unlock()
	return nil
}

func (fs *FS) ForgetInode(ctx context.Context, op *fuseops.ForgetInodeOp) error {
	fs.mu.Lock()
	if path, ok := fs.pathByIno[op.Inode]; ok {
		delete(fs.pathByIno, op.Inode)
		delete(fs.inoByPath, path)
	}
	fs.mu.Unlock()
	return nil
}
