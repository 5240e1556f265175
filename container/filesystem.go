package container

import (
	"fmt"
	"strings"

	"github.com/cvfsdev/cvfs/folder"
	"github.com/cvfsdev/cvfs/vfile"
)

// RemovePolicy governs RemoveFolder's behavior on a non-empty folder
// (§4.8).
type RemovePolicy int

const (
	MustBeEmpty RemovePolicy = iota
	Recursive
)

// Filesystem resolves absolute paths against a root Compound Folder
// (§4.8). Container.Filesystem returns one rooted at the primary root;
// Container.HiddenFilesystem returns one rooted at the dual-volume
// hidden root.
type Filesystem struct {
	c    *Container
	root *folder.CompoundFolder
}

// splitPath validates that path is absolute and splits it into non-empty
// components, reporting whether it carried a trailing slash.
func splitPath(path string) (parts []string, trailingSlash bool, err error) {
	if len(path) == 0 || path[0] != '/' {
		return nil, false, fmt.Errorf("path %q is not absolute", path)
	}
	trimmed := path
	if len(path) > 1 && path[len(path)-1] == '/' {
		trailingSlash = true
		trimmed = path[:len(path)-1]
	}
	if trimmed == "/" || trimmed == "" {
		return nil, trailingSlash, nil
	}
	raw := strings.Split(trimmed[1:], "/")
	for _, p := range raw {
		if p == "" {
			return nil, false, fmt.Errorf("path %q has an empty component", path)
		}
	}
	return raw, trailingSlash, nil
}

func splitParentAndName(path string) (parentParts []string, name string, trailingSlash bool, err error) {
	parts, trailingSlash, err := splitPath(path)
	if err != nil {
		return nil, "", false, err
	}
	if len(parts) == 0 {
		return nil, "", trailingSlash, fmt.Errorf("path %q has no name component", path)
	}
	return parts[:len(parts)-1], parts[len(parts)-1], trailingSlash, nil
}

// resolveFolder walks parts from the facade's root, following folder
// entries, and returns the Compound Folder at the end of the path.
func (fs *Filesystem) resolveFolder(parts []string) (*folder.CompoundFolder, error) {
	cur := fs.root
	for _, name := range parts {
		info, exists, err := cur.Lookup(name)
		if err != nil {
			return nil, newError(IOError, "resolve", name, err)
		}
		if !exists {
			return nil, newError(NotFound, "resolve", name, nil)
		}
		if info.Kind != folder.KindFolder {
			return nil, newError(NotFound, "resolve", name, fmt.Errorf("%q is a file, not a folder", name))
		}
		next, err := folder.OpenCompound(fs.c.b, info.First, fs.c.cfg.contentSize)
		if err != nil {
			return nil, newError(CorruptContainer, "resolve", name, err)
		}
		cur = next
	}
	return cur, nil
}

// GetInfo returns the EntryInfo for path, with Size populated for files
// (§4.8).
func (fs *Filesystem) GetInfo(path string) (folder.EntryInfo, error) {
	parts, _, err := splitPath(path)
	if err != nil {
		return folder.EntryInfo{}, newError(IllegalFilename, "get_info", path, err)
	}
	if len(parts) == 0 {
		return folder.EntryInfo{Name: "/", Kind: folder.KindFolder, First: fs.root.Start(), RecordIndex: -1, BucketIndex: -1}, nil
	}

	parent, err := fs.resolveFolder(parts[:len(parts)-1])
	if err != nil {
		return folder.EntryInfo{}, err
	}
	name := parts[len(parts)-1]
	info, exists, err := parent.Lookup(name)
	if err != nil {
		return folder.EntryInfo{}, newError(IOError, "get_info", path, err)
	}
	if !exists {
		return folder.EntryInfo{}, newError(NotFound, "get_info", path, nil)
	}
	if info.Kind == folder.KindFile {
		if f, err := vfile.Open(fs.c.b, info.First, vfile.ReadOnly); err == nil {
			info.Size = f.Size()
		}
	}
	return info, nil
}

// FileExists reports typed existence: true only if path names a file.
func (fs *Filesystem) FileExists(path string) (bool, error) {
	info, err := fs.GetInfo(path)
	if err != nil {
		if k, ok := ErrorKind(err); ok && k == NotFound {
			return false, nil
		}
		return false, err
	}
	return info.Kind == folder.KindFile, nil
}

// FolderExists reports typed existence: true only if path names a folder.
func (fs *Filesystem) FolderExists(path string) (bool, error) {
	if path == "/" {
		return true, nil
	}
	info, err := fs.GetInfo(path)
	if err != nil {
		if k, ok := ErrorKind(err); ok && k == NotFound {
			return false, nil
		}
		return false, err
	}
	return info.Kind == folder.KindFolder, nil
}

// List returns every live entry directly inside the folder at path.
func (fs *Filesystem) List(path string) ([]folder.EntryInfo, error) {
	parts, _, err := splitPath(path)
	if err != nil {
		return nil, newError(IllegalFilename, "list", path, err)
	}
	target := fs.root
	if len(parts) > 0 {
		info, err := fs.GetInfo(path)
		if err != nil {
			return nil, err
		}
		if info.Kind != folder.KindFolder {
			return nil, newError(IllegalFilename, "list", path, fmt.Errorf("%q is a file", path))
		}
		target, err = folder.OpenCompound(fs.c.b, info.First, fs.c.cfg.contentSize)
		if err != nil {
			return nil, newError(CorruptContainer, "list", path, err)
		}
	}
	entries, err := target.Entries()
	if err != nil {
		return nil, newError(IOError, "list", path, err)
	}
	return entries, nil
}

// AddFile creates a new, empty file at path. The parent folder must
// already exist and path must not (§4.8). A trailing slash is rejected
// for file creation.
func (fs *Filesystem) AddFile(path string) (folder.EntryInfo, error) {
	parentParts, name, trailingSlash, err := splitParentAndName(path)
	if err != nil {
		return folder.EntryInfo{}, newError(IllegalFilename, "add_file", path, err)
	}
	if trailingSlash {
		return folder.EntryInfo{}, newError(IllegalFilename, "add_file", path, fmt.Errorf("file path must not end in /"))
	}

	parent, err := fs.resolveFolder(parentParts)
	if err != nil {
		return folder.EntryInfo{}, err
	}
	if _, exists, err := parent.Lookup(name); err != nil {
		return folder.EntryInfo{}, newError(IOError, "add_file", path, err)
	} else if exists {
		return folder.EntryInfo{}, newError(AlreadyExists, "add_file", path, nil)
	}

	f, err := vfile.Create(fs.c.b, vfile.WriteAppend)
	if err != nil {
		return folder.EntryInfo{}, newError(IOError, "add_file", path, err)
	}
	info, err := parent.Insert(name, folder.KindFile, f.Start())
	if err != nil {
		return folder.EntryInfo{}, newError(IOError, "add_file", path, err)
	}
	return info, nil
}

// AddFolder creates a new, empty Compound Folder at path (§4.8).
func (fs *Filesystem) AddFolder(path string) (folder.EntryInfo, error) {
	parentParts, name, _, err := splitParentAndName(path)
	if err != nil {
		return folder.EntryInfo{}, newError(IllegalFilename, "add_folder", path, err)
	}

	parent, err := fs.resolveFolder(parentParts)
	if err != nil {
		return folder.EntryInfo{}, err
	}
	if _, exists, err := parent.Lookup(name); err != nil {
		return folder.EntryInfo{}, newError(IOError, "add_folder", path, err)
	} else if exists {
		return folder.EntryInfo{}, newError(AlreadyExists, "add_folder", path, nil)
	}

	cf, err := folder.NewCompound(fs.c.b, false, fs.c.cfg.contentSize)
	if err != nil {
		return folder.EntryInfo{}, newError(IOError, "add_folder", path, err)
	}
	info, err := parent.Insert(name, folder.KindFolder, cf.Start())
	if err != nil {
		return folder.EntryInfo{}, newError(IOError, "add_folder", path, err)
	}
	return info, nil
}

// RemoveFile deletes a file's data and its parent's entry (§4.8).
func (fs *Filesystem) RemoveFile(path string) error {
	parentParts, name, _, err := splitParentAndName(path)
	if err != nil {
		return newError(IllegalFilename, "remove_file", path, err)
	}
	parent, err := fs.resolveFolder(parentParts)
	if err != nil {
		return err
	}
	info, exists, err := parent.Lookup(name)
	if err != nil {
		return newError(IOError, "remove_file", path, err)
	}
	if !exists {
		return newError(NotFound, "remove_file", path, nil)
	}
	if info.Kind != folder.KindFile {
		return newError(IllegalFilename, "remove_file", path, fmt.Errorf("%q is a folder", path))
	}

	f, err := vfile.Open(fs.c.b, info.First, vfile.WriteOverwrite)
	if err != nil {
		return newError(IOError, "remove_file", path, err)
	}
	if err := f.Unlink(); err != nil {
		return newError(IOError, "remove_file", path, err)
	}
	if err := parent.Remove(name); err != nil {
		return newError(IOError, "remove_file", path, err)
	}
	return nil
}

// RemoveFolder deletes the folder at path. With MustBeEmpty, a non-empty
// folder fails with FolderNotEmpty; with Recursive, every descendant file
// and folder is unlinked first (§4.8, §8 scenario 5).
func (fs *Filesystem) RemoveFolder(path string, policy RemovePolicy) error {
	parentParts, name, _, err := splitParentAndName(path)
	if err != nil {
		return newError(IllegalFilename, "remove_folder", path, err)
	}
	parent, err := fs.resolveFolder(parentParts)
	if err != nil {
		return err
	}
	info, exists, err := parent.Lookup(name)
	if err != nil {
		return newError(IOError, "remove_folder", path, err)
	}
	if !exists {
		return newError(NotFound, "remove_folder", path, nil)
	}
	if info.Kind != folder.KindFolder {
		return newError(IllegalFilename, "remove_folder", path, fmt.Errorf("%q is a file", path))
	}

	target, err := folder.OpenCompound(fs.c.b, info.First, fs.c.cfg.contentSize)
	if err != nil {
		return newError(CorruptContainer, "remove_folder", path, err)
	}

	live, err := target.LiveCount()
	if err != nil {
		return newError(IOError, "remove_folder", path, err)
	}
	if live > 0 {
		if policy == MustBeEmpty {
			return newError(FolderNotEmpty, "remove_folder", path, nil)
		}
		if err := fs.unlinkContentsRecursive(target); err != nil {
			return err
		}
	}

	if err := target.Unlink(); err != nil {
		return newError(IOError, "remove_folder", path, err)
	}
	if err := parent.Remove(name); err != nil {
		return newError(IOError, "remove_folder", path, err)
	}
	return nil
}

// unlinkContentsRecursive releases every descendant's block chain without
// touching cf's own entry table, since cf itself is about to be unlinked
// wholesale by the caller.
func (fs *Filesystem) unlinkContentsRecursive(cf *folder.CompoundFolder) error {
	entries, err := cf.Entries()
	if err != nil {
		return newError(IOError, "remove_folder", "", err)
	}
	for _, e := range entries {
		if e.Kind == folder.KindFile {
			f, err := vfile.Open(fs.c.b, e.First, vfile.WriteOverwrite)
			if err != nil {
				return newError(IOError, "remove_folder", e.Name, err)
			}
			if err := f.Unlink(); err != nil {
				return newError(IOError, "remove_folder", e.Name, err)
			}
			continue
		}
		sub, err := folder.OpenCompound(fs.c.b, e.First, fs.c.cfg.contentSize)
		if err != nil {
			return newError(CorruptContainer, "remove_folder", e.Name, err)
		}
		if err := fs.unlinkContentsRecursive(sub); err != nil {
			return err
		}
		if err := sub.Unlink(); err != nil {
			return newError(IOError, "remove_folder", e.Name, err)
		}
	}
	return nil
}

// OpenFile returns a seekable byte stream over the file at path (§4.8,
// §4.5).
func (fs *Filesystem) OpenFile(path string, mode vfile.Mode) (*vfile.File, error) {
	parentParts, name, _, err := splitParentAndName(path)
	if err != nil {
		return nil, newError(IllegalFilename, "open_file", path, err)
	}
	parent, err := fs.resolveFolder(parentParts)
	if err != nil {
		return nil, err
	}
	info, exists, err := parent.Lookup(name)
	if err != nil {
		return nil, newError(IOError, "open_file", path, err)
	}
	if !exists {
		return nil, newError(NotFound, "open_file", path, nil)
	}
	if info.Kind != folder.KindFile {
		return nil, newError(IllegalFilename, "open_file", path, fmt.Errorf("%q is a folder", path))
	}
	f, err := vfile.Open(fs.c.b, info.First, mode)
	if err != nil {
		return nil, newError(IOError, "open_file", path, err)
	}
	return f, nil
}

// TruncateFile delegates to the File's own Truncate (§4.5, §4.8).
func (fs *Filesystem) TruncateFile(path string, newSize uint64) error {
	f, err := fs.OpenFile(path, vfile.WriteOverwrite)
	if err != nil {
		return err
	}
	if err := f.Truncate(newSize); err != nil {
		return newError(IOError, "truncate_file", path, err)
	}
	return nil
}

// Rename moves an entry from src to dst: a remove from the source
// bucket paired with an insert into the destination bucket over the same
// first-block index, so the underlying data is never touched (§4.7,
// §8 scenario 3).
func (fs *Filesystem) Rename(src, dst string) error {
	srcParentParts, srcName, _, err := splitParentAndName(src)
	if err != nil {
		return newError(IllegalFilename, "rename", src, err)
	}
	dstParentParts, dstName, dstTrailingSlash, err := splitParentAndName(dst)
	if err != nil {
		return newError(IllegalFilename, "rename", dst, err)
	}

	srcParent, err := fs.resolveFolder(srcParentParts)
	if err != nil {
		return err
	}
	dstParent, err := fs.resolveFolder(dstParentParts)
	if err != nil {
		return err
	}

	info, exists, err := srcParent.Lookup(srcName)
	if err != nil {
		return newError(IOError, "rename", src, err)
	}
	if !exists {
		return newError(NotFound, "rename", src, nil)
	}
	if dstTrailingSlash && info.Kind == folder.KindFile {
		return newError(IllegalFilename, "rename", dst, fmt.Errorf("file destination must not end in /"))
	}
	if _, exists, err := dstParent.Lookup(dstName); err != nil {
		return newError(IOError, "rename", dst, err)
	} else if exists {
		return newError(AlreadyExists, "rename", dst, nil)
	}

	if err := srcParent.Remove(srcName); err != nil {
		return newError(IOError, "rename", src, err)
	}
	if _, err := dstParent.Insert(dstName, info.Kind, info.First); err != nil {
		return newError(IOError, "rename", dst, err)
	}
	return nil
}
