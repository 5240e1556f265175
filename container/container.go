// Package container implements the Container handle and Filesystem facade
// (§4.8, §6, §7): the process-wide object that owns the backing file, the
// encrypted stream, the superblock, the block builder, and the root
// Compound Folder, plus the path-resolving operations layered over it.
package container

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"os"

	"github.com/cvfsdev/cvfs/block"
	"github.com/cvfsdev/cvfs/cipher"
	"github.com/cvfsdev/cvfs/folder"
	"github.com/cvfsdev/cvfs/stream"
	"github.com/cvfsdev/cvfs/volume"
)

// Container is the process-wide handle (§3): the backing file path, total
// block count, encryption properties, root-folder start index, shared
// block builder, and optional progress callback.
type Container struct {
	path string
	f    *os.File
	img  *stream.Image
	sb   *volume.Superblock
	b    *block.Builder
	cfg  *config
	root uint64 // root-folder start block: 0, or the hidden root after OpenHidden

	header volume.Header
}

func (c *Container) progress(stage string, done, total int) {
	if c.cfg.progress != nil {
		c.cfg.progress(stage, done, total)
	}
}

func randomIV() ([4]uint64, error) {
	var iv [4]uint64
	var buf [32]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return iv, fmt.Errorf("container: generate IV: %w", err)
	}
	for i := range iv {
		iv[i] = binary.BigEndian.Uint64(buf[i*8:])
	}
	return iv, nil
}

// Create builds a brand-new container of totalBlocks blocks at path,
// unlocked by password, and returns a Container with an empty root folder
// already in place at block 0 (§8 scenario 1).
func Create(path string, totalBlocks uint64, password []byte, opts ...Option) (*Container, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, newError(IOError, "create", path, err)
	}

	iv, err := randomIV()
	if err != nil {
		f.Close()
		return nil, newError(IOError, "create", path, err)
	}

	c := &Container{path: path, f: f, cfg: cfg}
	c.progress("deriving key", 0, 1)
	key, err := cipher.DeriveKey(password, volume.Header{IV: iv}.Salt())
	if err != nil {
		f.Close()
		return nil, newError(IOError, "create", path, err)
	}
	c.progress("deriving key", 1, 1)

	c.header = volume.Header{
		IV:           iv,
		ScryptRounds: cfg.scryptRounds,
		CipherID:     cfg.cipherID,
		PasswordHash: volume.HashPassword(password),
	}

	img, err := stream.Open(f, cfg.cipherID, key, c.header.IVBytes())
	if err != nil {
		f.Close()
		return nil, newError(IOError, "create", path, err)
	}
	c.img = img

	if err := volume.WriteHeader(img, c.header); err != nil {
		f.Close()
		return nil, newError(IOError, "create", path, err)
	}

	sb, err := volume.Create(img, totalBlocks)
	if err != nil {
		f.Close()
		return nil, newError(IOError, "create", path, err)
	}
	c.sb = sb
	c.b = block.NewBuilder(sb, img, 0)
	if cfg.sparse {
		c.b.SetWatermark(0)
	}

	if _, err := folder.NewCompound(c.b, true, cfg.contentSize); err != nil {
		f.Close()
		return nil, newError(IOError, "create", path, err)
	}

	if cfg.hiddenRoot != nil {
		if _, err := folder.NewCompoundAt(c.b, *cfg.hiddenRoot, cfg.contentSize); err != nil {
			f.Close()
			return nil, newError(IOError, "create", path, err)
		}
	}

	if err := c.img.Sync(); err != nil {
		f.Close()
		return nil, newError(IOError, "create", path, err)
	}
	return c, nil
}

// Open unlocks an existing container with password and resolves the
// primary root (block 0). Password mismatch is reported as
// CorruptContainer — it is indistinguishable from tampering (§7).
func Open(path string, password []byte, opts ...Option) (*Container, error) {
	c, err := open(path, password, opts...)
	if err != nil {
		return nil, err
	}
	if err := c.checkReachability(0); err != nil {
		c.f.Close()
		return nil, err
	}
	return c, nil
}

// OpenHidden unlocks an existing container and resolves the Filesystem
// facade against the alternate root at hiddenRoot instead of block 0
// (§12 of SPEC_FULL.md — the dual-volume "coffee" feature).
func OpenHidden(path string, password []byte, hiddenRoot uint64, opts ...Option) (*Container, error) {
	opts = append(opts, WithHiddenRoot(hiddenRoot))
	c, err := open(path, password, opts...)
	if err != nil {
		return nil, err
	}
	if err := c.checkReachability(hiddenRoot); err != nil {
		c.f.Close()
		return nil, err
	}
	c.root = hiddenRoot
	return c, nil
}

func open(path string, password []byte, opts ...Option) (*Container, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	f, err := os.OpenFile(path, os.O_RDWR, 0o600)
	if err != nil {
		return nil, newError(IOError, "open", path, err)
	}

	probe, err := stream.Open(f, cipher.None, nil, nil)
	if err != nil {
		f.Close()
		return nil, newError(IOError, "open", path, err)
	}
	header, err := volume.ReadHeader(probe)
	if err != nil {
		f.Close()
		return nil, newError(IOError, "open", path, err)
	}
	if !volume.VerifyPassword(header, password) {
		f.Close()
		return nil, newError(CorruptContainer, "open", path, fmt.Errorf("password hash mismatch"))
	}

	key, err := cipher.DeriveKey(password, header.Salt())
	if err != nil {
		f.Close()
		return nil, newError(IOError, "open", path, err)
	}

	img, err := stream.Open(f, header.CipherID, key, header.IVBytes())
	if err != nil {
		f.Close()
		return nil, newError(IOError, "open", path, err)
	}

	sb, err := volume.Open(img)
	if err != nil {
		f.Close()
		return nil, newError(CorruptContainer, "open", path, err)
	}

	c := &Container{path: path, f: f, img: img, sb: sb, cfg: cfg, header: header}
	c.b = block.NewBuilder(sb, img, 0)
	if cfg.sparse {
		c.b.SetWatermark(0)
	}
	return c, nil
}

// checkReachability performs the best-effort corruption scan described in
// §12 of SPEC_FULL.md: it walks every block reachable from root and
// confirms each is marked in-use in the bitmap, rather than trusting the
// on-disk structure blindly.
func (c *Container) checkReachability(root uint64) error {
	if !c.sb.IsInUse(root) {
		return newError(CorruptContainer, "open", c.path, fmt.Errorf("root block %d is not marked in-use", root))
	}
	cf, err := folder.OpenCompound(c.b, root, c.cfg.contentSize)
	if err != nil {
		return newError(CorruptContainer, "open", c.path, err)
	}
	return c.walkReachable(cf, map[uint64]bool{})
}

func (c *Container) walkReachable(cf *folder.CompoundFolder, seen map[uint64]bool) error {
	entries, err := cf.Entries()
	if err != nil {
		return newError(CorruptContainer, "open", c.path, err)
	}
	for _, e := range entries {
		if seen[e.First] {
			continue
		}
		seen[e.First] = true
		if !c.sb.IsInUse(e.First) {
			return newError(CorruptContainer, "open", c.path, fmt.Errorf("entry %q points at a free block %d", e.Name, e.First))
		}
		if e.Kind == folder.KindFolder {
			sub, err := folder.OpenCompound(c.b, e.First, c.cfg.contentSize)
			if err != nil {
				return newError(CorruptContainer, "open", c.path, err)
			}
			if err := c.walkReachable(sub, seen); err != nil {
				return err
			}
		}
	}
	return nil
}

// TotalBlocks returns B, the volume's fixed block capacity.
func (c *Container) TotalBlocks() uint64 { return c.sb.TotalBlocks() }

// FreeBlocks returns the live free-block count.
func (c *Container) FreeBlocks() uint64 { return c.sb.FreeBlocks() }

// CipherID returns the container's configured cipher identifier.
func (c *Container) CipherID() cipher.ID { return c.header.CipherID }

// Close flushes and closes the backing file.
func (c *Container) Close() error {
	if err := c.img.Sync(); err != nil {
		c.f.Close()
		return newError(IOError, "close", c.path, err)
	}
	if err := c.f.Close(); err != nil {
		return newError(IOError, "close", c.path, err)
	}
	return nil
}

// Filesystem returns a Filesystem facade resolving paths against the
// container's root: the primary root (block 0), or the hidden root for a
// Container opened via OpenHidden.
func (c *Container) Filesystem() (*Filesystem, error) {
	return c.filesystemAt(c.root)
}

// HiddenFilesystem returns a Filesystem facade resolving paths against
// the configured hidden root (§12 of SPEC_FULL.md). It is only valid on a
// Container opened via OpenHidden or created with WithHiddenRoot.
func (c *Container) HiddenFilesystem() (*Filesystem, error) {
	if c.cfg.hiddenRoot == nil {
		return nil, newError(NotFound, "hidden-filesystem", c.path, fmt.Errorf("no hidden root configured"))
	}
	return c.filesystemAt(*c.cfg.hiddenRoot)
}

func (c *Container) filesystemAt(root uint64) (*Filesystem, error) {
	cf, err := folder.OpenCompound(c.b, root, c.cfg.contentSize)
	if err != nil {
		return nil, newError(CorruptContainer, "filesystem", c.path, err)
	}
	return &Filesystem{c: c, root: cf}, nil
}
