package folder

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/cvfsdev/cvfs/block"
	"github.com/cvfsdev/cvfs/vfile"
)

// EntryInfo is the cached, decoded form of a folder record (§3). BucketIndex
// is only meaningful at the CompoundFolder layer; a bare LeafFolder always
// reports -1.
type EntryInfo struct {
	Name        string
	Kind        EntryKind
	First       uint64
	RecordIndex int
	BucketIndex int

	// Size is populated lazily by callers that open the entry's backing
	// File (§3's Entry Info — "size (files only)"); a LeafFolder or
	// CompoundFolder record carries only the first-block index on disk,
	// not a size, so this is always zero straight out of Lookup/Entries.
	Size uint64
}

// LeafFolder is a File whose payload is a folder entry table: an 8-byte
// live-high-water-mark count followed by fixed-size records (§4.6).
//
// The backing File is always opened in overwrite mode: overwrite mode
// already falls through to append once a write reaches the current EOF
// (§4.5), so a single disposition covers both "patch a tombstoned slot in
// the middle of the table" and "append a brand-new slot at the end".
type LeafFolder struct {
	file  *vfile.File
	count uint64
	cache map[string]EntryInfo

	// checkForEarlyMetadata records whether a tombstone scan might still
	// succeed; a full scan that finds nothing clears it until the next
	// Remove (§4.6).
	checkForEarlyMetadata bool
}

// NewLeaf allocates a fresh, empty Leaf Folder. atRoot requests the
// container's reserved root block instead of a freelist index (§4.4).
func NewLeaf(builder *block.Builder, atRoot bool) (*LeafFolder, error) {
	var f *vfile.File
	var err error
	if atRoot {
		f, err = vfile.CreateAtRoot(builder, vfile.WriteOverwrite)
	} else {
		f, err = vfile.Create(builder, vfile.WriteOverwrite)
	}
	if err != nil {
		return nil, fmt.Errorf("folder: new leaf: %w", err)
	}
	lf := &LeafFolder{file: f, cache: map[string]EntryInfo{}, checkForEarlyMetadata: true}
	if err := lf.persistCount(); err != nil {
		return nil, err
	}
	return lf, nil
}

// NewLeafAt allocates a fresh Leaf Folder at a caller-chosen block index
// (the hidden-volume root, §12 of SPEC_FULL.md).
func NewLeafAt(builder *block.Builder, index uint64) (*LeafFolder, error) {
	f, err := vfile.CreateAt(builder, index, vfile.WriteOverwrite)
	if err != nil {
		return nil, fmt.Errorf("folder: new leaf at %d: %w", index, err)
	}
	lf := &LeafFolder{file: f, cache: map[string]EntryInfo{}, checkForEarlyMetadata: true}
	if err := lf.persistCount(); err != nil {
		return nil, err
	}
	return lf, nil
}

// OpenLeaf opens an existing Leaf Folder by its start block index.
func OpenLeaf(builder *block.Builder, start uint64) (*LeafFolder, error) {
	f, err := vfile.Open(builder, start, vfile.WriteOverwrite)
	if err != nil {
		return nil, fmt.Errorf("folder: open leaf: %w", err)
	}
	lf := &LeafFolder{file: f, cache: map[string]EntryInfo{}, checkForEarlyMetadata: true}
	if f.Size() >= countSize {
		var buf [countSize]byte
		if _, err := lf.readAt(buf[:], 0); err != nil {
			return nil, fmt.Errorf("folder: read entry count: %w", err)
		}
		lf.count = binary.BigEndian.Uint64(buf[:])
	}
	return lf, nil
}

// Start returns the leaf's backing file's start block index.
func (lf *LeafFolder) Start() uint64 { return lf.file.Start() }

// Unlink releases every block of the leaf's own backing file. It does not
// recurse into children — callers are responsible for unlinking or
// recursively removing entries first (§4.6's delete policy split lives one
// layer up, in CompoundFolder and the Filesystem facade).
func (lf *LeafFolder) Unlink() error { return lf.file.Unlink() }

func (lf *LeafFolder) readAt(p []byte, offset int64) (int, error) {
	if _, err := lf.file.Seek(offset, io.SeekStart); err != nil {
		return 0, err
	}
	return io.ReadFull(lf.file, p)
}

func (lf *LeafFolder) writeAt(p []byte, offset int64) error {
	if _, err := lf.file.Seek(offset, io.SeekStart); err != nil {
		return err
	}
	_, err := lf.file.Write(p)
	return err
}

func (lf *LeafFolder) persistCount() error {
	var buf [countSize]byte
	binary.BigEndian.PutUint64(buf[:], lf.count)
	return lf.writeAt(buf[:], 0)
}

func (lf *LeafFolder) readRecord(slot int) (record, error) {
	buf := make([]byte, recordSize)
	if _, err := lf.readAt(buf, recordOffset(slot)); err != nil {
		return record{}, fmt.Errorf("folder: read record %d: %w", slot, err)
	}
	return decodeRecord(buf), nil
}

func (lf *LeafFolder) writeRecord(slot int, rec record) error {
	buf, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	return lf.writeAt(buf, recordOffset(slot))
}

// Insert writes a new entry record, preferring a tombstoned slot over
// growing the table (§4.6, §9 — tombstone compaction keeps record indices
// stable). The persisted entry count only grows when a fresh slot is used.
func (lf *LeafFolder) Insert(name string, kind EntryKind, first uint64) (EntryInfo, error) {
	if name == "" || len(name) > nameSize-1 {
		return EntryInfo{}, fmt.Errorf("folder: invalid filename %q", name)
	}

	slot := -1
	if lf.checkForEarlyMetadata {
		found := false
		for i := uint64(0); i < lf.count; i++ {
			rec, err := lf.readRecord(int(i))
			if err != nil {
				return EntryInfo{}, err
			}
			if !rec.inUse {
				slot = int(i)
				found = true
				break
			}
		}
		if !found {
			lf.checkForEarlyMetadata = false
		}
	}

	isNewSlot := slot < 0
	if isNewSlot {
		slot = int(lf.count)
	}

	rec := record{inUse: true, kind: kind, name: name, first: first}
	if err := lf.writeRecord(slot, rec); err != nil {
		return EntryInfo{}, fmt.Errorf("folder: insert %q: %w", name, err)
	}
	if isNewSlot {
		lf.count++
		if err := lf.persistCount(); err != nil {
			return EntryInfo{}, err
		}
	}

	info := EntryInfo{Name: name, Kind: kind, First: first, RecordIndex: slot, BucketIndex: -1}
	lf.cache[name] = info
	return info, nil
}

// Lookup returns the EntryInfo for name, consulting the cache first and
// falling back to a linear scan of live records (§4.6).
func (lf *LeafFolder) Lookup(name string) (EntryInfo, bool, error) {
	if info, ok := lf.cache[name]; ok {
		return info, true, nil
	}
	for i := uint64(0); i < lf.count; i++ {
		rec, err := lf.readRecord(int(i))
		if err != nil {
			return EntryInfo{}, false, err
		}
		if rec.inUse && rec.name == name {
			info := EntryInfo{Name: rec.name, Kind: rec.kind, First: rec.first, RecordIndex: int(i), BucketIndex: -1}
			lf.cache[name] = info
			return info, true, nil
		}
	}
	return EntryInfo{}, false, nil
}

// Remove tombstones the slot holding name: the in-use bit is cleared, the
// slot's byte position is untouched, and the cache entry is evicted
// (§4.6). The caller is responsible for recursively disposing of the
// entry's own data beforehand.
func (lf *LeafFolder) Remove(name string) error {
	info, ok := lf.cache[name]
	if !ok {
		found, exists, err := lf.Lookup(name)
		if err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("folder: %q not found", name)
		}
		info = found
	}

	rec, err := lf.readRecord(info.RecordIndex)
	if err != nil {
		return err
	}
	rec.inUse = false
	if err := lf.writeRecord(info.RecordIndex, rec); err != nil {
		return fmt.Errorf("folder: remove %q: %w", name, err)
	}
	delete(lf.cache, name)
	lf.checkForEarlyMetadata = true
	return nil
}

// Entries returns every live record, in slot order.
func (lf *LeafFolder) Entries() ([]EntryInfo, error) {
	var out []EntryInfo
	for i := uint64(0); i < lf.count; i++ {
		rec, err := lf.readRecord(int(i))
		if err != nil {
			return nil, err
		}
		if rec.inUse {
			out = append(out, EntryInfo{Name: rec.name, Kind: rec.kind, First: rec.first, RecordIndex: int(i), BucketIndex: -1})
		}
	}
	return out, nil
}

// LiveCount returns the number of currently in-use records.
func (lf *LeafFolder) LiveCount() (int, error) {
	entries, err := lf.Entries()
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}

// EntryCount returns the high-water mark of inserts: the number of slots
// ever allocated, which only grows and is never decremented by Remove
// (§3). An Insert that reuses a tombstoned slot leaves it unchanged, so a
// value derived from it alone can repeat one already held by a live entry.
func (lf *LeafFolder) EntryCount() uint64 { return lf.count }
