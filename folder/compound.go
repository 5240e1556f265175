package folder

import (
	"fmt"

	"github.com/bits-and-blooms/bloom/v3"

	"github.com/cvfsdev/cvfs/block"
)

// DefaultContentSize is CONTENT_SIZE, the default per-bucket live-entry
// cap (§3).
const DefaultContentSize = 10

// CompoundFolder is the user-visible folder abstraction (§4.7): one index
// Leaf Folder holding bucket-name records (index_0, index_1, …) plus the
// bucket Leaf Folders themselves, each capped at contentSize live entries.
type CompoundFolder struct {
	builder     *block.Builder
	contentSize int
	index       *LeafFolder
	loaded      map[string]*LeafFolder
	cache       map[string]EntryInfo
	filter      *bloom.BloomFilter
}

func newCompound(builder *block.Builder, index *LeafFolder, contentSize int) *CompoundFolder {
	return &CompoundFolder{
		builder:     builder,
		contentSize: contentSize,
		index:       index,
		loaded:      map[string]*LeafFolder{},
		cache:       map[string]EntryInfo{},
		filter:      bloom.NewWithEstimates(1024, 0.01),
	}
}

// NewCompound allocates a fresh, empty Compound Folder. atRoot requests
// the container's reserved root block for the index leaf (used exactly
// once, for the container's own root folder).
func NewCompound(builder *block.Builder, atRoot bool, contentSize int) (*CompoundFolder, error) {
	index, err := NewLeaf(builder, atRoot)
	if err != nil {
		return nil, fmt.Errorf("folder: new compound: %w", err)
	}
	return newCompound(builder, index, contentSize), nil
}

// NewCompoundAt allocates a fresh Compound Folder whose index leaf sits at
// a caller-chosen block index (the hidden-volume root, §12 of
// SPEC_FULL.md).
func NewCompoundAt(builder *block.Builder, index uint64, contentSize int) (*CompoundFolder, error) {
	leaf, err := NewLeafAt(builder, index)
	if err != nil {
		return nil, fmt.Errorf("folder: new compound at %d: %w", index, err)
	}
	return newCompound(builder, leaf, contentSize), nil
}

// OpenCompound opens an existing Compound Folder by its index leaf's start
// block. The negative-lookup filter is seeded with every live entry name
// already on disk.
func OpenCompound(builder *block.Builder, start uint64, contentSize int) (*CompoundFolder, error) {
	index, err := OpenLeaf(builder, start)
	if err != nil {
		return nil, fmt.Errorf("folder: open compound: %w", err)
	}
	cf := newCompound(builder, index, contentSize)
	entries, err := cf.Entries()
	if err != nil {
		return nil, fmt.Errorf("folder: open compound: %w", err)
	}
	for _, e := range entries {
		cf.filter.Add([]byte(e.Name))
	}
	return cf, nil
}

// Start returns the compound folder's start block, which is its index
// leaf's start block — this is the value stored as a parent record's
// first-block index when this folder is itself a nested entry.
func (cf *CompoundFolder) Start() uint64 { return cf.index.Start() }

func (cf *CompoundFolder) openBucket(info EntryInfo) (*LeafFolder, error) {
	if lf, ok := cf.loaded[info.Name]; ok {
		return lf, nil
	}
	lf, err := OpenLeaf(cf.builder, info.First)
	if err != nil {
		return nil, fmt.Errorf("folder: open bucket %q: %w", info.Name, err)
	}
	cf.loaded[info.Name] = lf
	return lf, nil
}

func (cf *CompoundFolder) buckets() ([]EntryInfo, error) {
	return cf.index.Entries()
}

// Insert places a new entry in the first bucket with room, creating a new
// bucket if none has capacity (§4.7). Both files and folders use the same
// forward scan order — §9 resolves the source's file/folder scan-order
// asymmetry by dropping it.
func (cf *CompoundFolder) Insert(name string, kind EntryKind, first uint64) (EntryInfo, error) {
	if _, exists, err := cf.Lookup(name); err != nil {
		return EntryInfo{}, err
	} else if exists {
		return EntryInfo{}, fmt.Errorf("folder: %q already exists", name)
	}

	buckets, err := cf.buckets()
	if err != nil {
		return EntryInfo{}, err
	}

	for bi, b := range buckets {
		leaf, err := cf.openBucket(b)
		if err != nil {
			return EntryInfo{}, err
		}
		live, err := leaf.LiveCount()
		if err != nil {
			return EntryInfo{}, err
		}
		if live >= cf.contentSize {
			continue
		}
		info, err := leaf.Insert(name, kind, first)
		if err != nil {
			return EntryInfo{}, err
		}
		info.BucketIndex = bi
		cf.cache[name] = info
		cf.filter.Add([]byte(name))
		return info, nil
	}

	bucketLeaf, err := NewLeaf(cf.builder, false)
	if err != nil {
		return EntryInfo{}, err
	}
	// Named from the index leaf's high-water mark, not its live bucket
	// count: the live count shrinks whenever an emptied bucket is dropped,
	// which can otherwise hand out a name still held by a live bucket
	// (§3, §9). The high-water mark does not grow when a tombstoned slot is
	// reused, so the candidate is advanced past any name still in use.
	n := cf.index.EntryCount()
	bucketName := fmt.Sprintf("index_%d", n)
	for {
		_, taken, err := cf.index.Lookup(bucketName)
		if err != nil {
			return EntryInfo{}, err
		}
		if !taken {
			break
		}
		n++
		bucketName = fmt.Sprintf("index_%d", n)
	}
	if _, err := cf.index.Insert(bucketName, KindFolder, bucketLeaf.Start()); err != nil {
		return EntryInfo{}, err
	}
	cf.loaded[bucketName] = bucketLeaf

	info, err := bucketLeaf.Insert(name, kind, first)
	if err != nil {
		return EntryInfo{}, err
	}
	newBuckets, err := cf.buckets()
	if err != nil {
		return EntryInfo{}, err
	}
	info.BucketIndex = len(newBuckets) - 1
	for bi, b := range newBuckets {
		if b.Name == bucketName {
			info.BucketIndex = bi
			break
		}
	}
	cf.cache[name] = info
	cf.filter.Add([]byte(name))
	return info, nil
}

// Lookup consults the compound-level cache first; a cached bucket-index
// hint is bounds-checked before use and evicted on a miss, per §4.7 and
// §9's cache-coherence note. A Bloom-filter negative check short-circuits
// full scans for names that were never inserted.
func (cf *CompoundFolder) Lookup(name string) (EntryInfo, bool, error) {
	if info, ok := cf.cache[name]; ok {
		if leaf, err := cf.bucketAt(info.BucketIndex); err == nil {
			if got, exists, err := leaf.Lookup(name); err == nil && exists {
				got.BucketIndex = info.BucketIndex
				cf.cache[name] = got
				return got, true, nil
			}
		}
		delete(cf.cache, name)
	}

	if !cf.filter.Test([]byte(name)) {
		return EntryInfo{}, false, nil
	}

	buckets, err := cf.buckets()
	if err != nil {
		return EntryInfo{}, false, err
	}
	for bi, b := range buckets {
		leaf, err := cf.openBucket(b)
		if err != nil {
			return EntryInfo{}, false, err
		}
		info, exists, err := leaf.Lookup(name)
		if err != nil {
			return EntryInfo{}, false, err
		}
		if exists {
			info.BucketIndex = bi
			cf.cache[name] = info
			cf.filter.Add([]byte(name))
			return info, true, nil
		}
	}
	return EntryInfo{}, false, nil
}

func (cf *CompoundFolder) bucketAt(bi int) (*LeafFolder, error) {
	buckets, err := cf.buckets()
	if err != nil {
		return nil, err
	}
	if bi < 0 || bi >= len(buckets) {
		return nil, fmt.Errorf("folder: bucket index %d out of range", bi)
	}
	return cf.openBucket(buckets[bi])
}

// Remove locates the owning bucket and removes the entry there; a bucket
// left with zero live entries is itself removed from the index and
// unlinked (§4.7, invariant 5 — a Compound Folder never holds an empty
// bucket).
func (cf *CompoundFolder) Remove(name string) error {
	info, exists, err := cf.Lookup(name)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("folder: %q not found", name)
	}

	buckets, err := cf.buckets()
	if err != nil {
		return err
	}
	if info.BucketIndex < 0 || info.BucketIndex >= len(buckets) {
		return fmt.Errorf("folder: stale bucket hint for %q", name)
	}
	bucketInfo := buckets[info.BucketIndex]
	leaf, err := cf.openBucket(bucketInfo)
	if err != nil {
		return err
	}
	if err := leaf.Remove(name); err != nil {
		return err
	}
	delete(cf.cache, name)

	live, err := leaf.LiveCount()
	if err != nil {
		return err
	}
	if live == 0 {
		if err := leaf.Unlink(); err != nil {
			return err
		}
		if err := cf.index.Remove(bucketInfo.Name); err != nil {
			return err
		}
		delete(cf.loaded, bucketInfo.Name)
		// Every later bucket's position in the index shifts once a bucket
		// is dropped, which would silently invalidate — not just go
		// out-of-range — any cached hint pointing past it. Bounds
		// checking alone can't catch a hint that's merely wrong but still
		// in range, so the whole cache is dropped here instead.
		cf.cache = map[string]EntryInfo{}
	}
	return nil
}

// Entries returns every live entry across all buckets, in bucket then
// slot order, with BucketIndex populated.
func (cf *CompoundFolder) Entries() ([]EntryInfo, error) {
	buckets, err := cf.buckets()
	if err != nil {
		return nil, err
	}
	var out []EntryInfo
	for bi, b := range buckets {
		leaf, err := cf.openBucket(b)
		if err != nil {
			return nil, err
		}
		entries, err := leaf.Entries()
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			e.BucketIndex = bi
			out = append(out, e)
		}
	}
	return out, nil
}

// LiveCount returns the total number of live entries across all buckets.
func (cf *CompoundFolder) LiveCount() (int, error) {
	entries, err := cf.Entries()
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}

// Unlink releases this compound folder's own index and bucket leaf data.
// It does not recurse into the folder's live entries — descending into
// nested files and folders is the Filesystem facade's responsibility
// (§4.6's delete-policy split), since only the facade knows how to
// dispatch a KindFile entry versus a nested KindFolder entry.
func (cf *CompoundFolder) Unlink() error {
	buckets, err := cf.buckets()
	if err != nil {
		return err
	}
	for _, b := range buckets {
		leaf, err := cf.openBucket(b)
		if err != nil {
			return err
		}
		if err := leaf.Unlink(); err != nil {
			return err
		}
	}
	return cf.index.Unlink()
}
