package dmabuf

import (
	"sync"

	"github.com/google/btree"

	"github.com/etsoc/etsoc-driver/dstatus"
)

// DMAInfo correlates a pending DATA_READ/DATA_WRITE command's tag id with
// the user and kernel-staging addresses needed to complete its response.
type DMAInfo struct {
	Tag         uint16
	UserVAddr   uintptr
	KernelVAddr uintptr
	Size        uint64
}

type tagItem struct {
	tag  uint16
	info DMAInfo
}

func tagLess(a, b tagItem) bool { return a.tag < b.tag }

// correlatorDegree is the btree node fan-out; the tag space is small
// (uint16) and the tree is short-lived per in-flight command, so this just
// needs to avoid pathologically deep trees, not tune for scale.
const correlatorDegree = 32

// Correlator is the per-Ops-node tag-id → DMA Info ordered map (spec
// §4.5), serialized by a dedicated mutex taken by the producer before
// SQ.push and by the CQ drain/POP_CQ pair.
//
// Unlike vq's bitmaps, this one actually benefits from an ordered
// structure: the original driver keeps it in an rbtree so tag lookups
// during response correlation stay sub-linear as the in-flight command
// count grows. google/btree's generic BTreeG is the direct analogue.
type Correlator struct {
	mu   sync.Mutex
	tree *btree.BTreeG[tagItem]
}

// NewCorrelator constructs an empty Correlator.
func NewCorrelator() *Correlator {
	return &Correlator{tree: btree.NewG(correlatorDegree, tagLess)}
}

// Insert records info under tag. It must be called strictly before the
// command carrying that tag is pushed to the SQ. Returns EINVAL if tag
// already has a pending entry — the spec's "no two concurrent inserters
// for T" invariant is enforced by rejecting the second insert outright
// rather than silently overwriting it.
func (c *Correlator) Insert(tag uint16, info DMAInfo) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	item := tagItem{tag: tag, info: info}
	if _, exists := c.tree.Get(item); exists {
		return dstatus.Newf(dstatus.EINVAL, "dmabuf: tag %d already has a pending dma info", tag)
	}
	c.tree.ReplaceOrInsert(item)
	return nil
}

// Remove deletes and returns the DMAInfo for tag, if present. Called when
// the matching response is popped from the CQ.
func (c *Correlator) Remove(tag uint16) (DMAInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	item, ok := c.tree.Delete(tagItem{tag: tag})
	if !ok {
		return DMAInfo{}, false
	}
	return item.info, true
}

// DiscardAll removes and returns every pending entry, used when the owning
// node is torn down with pending entries still outstanding.
func (c *Correlator) DiscardAll() []DMAInfo {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]DMAInfo, 0, c.tree.Len())
	c.tree.Ascend(func(item tagItem) bool {
		out = append(out, item.info)
		return true
	})
	c.tree.Clear(false)
	return out
}

// Len reports the number of pending entries.
func (c *Correlator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tree.Len()
}
