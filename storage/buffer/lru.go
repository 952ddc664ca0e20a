package buffer

import (
	"github.com/google/btree"
)

type lruItem struct {
	stamp uint64
	frame int
}

func (li lruItem) Less(item btree.Item) bool {
	return li.stamp < item.(lruItem).stamp
}

// lruReplacer tracks the frames which may be evicted, ordered by when they were last
// unpinned; the victim is the least recently unpinned frame.
type lruReplacer struct {
	tree   *btree.BTree
	stamps map[int]uint64
	clock  uint64
}

func newLRUReplacer() *lruReplacer {
	return &lruReplacer{
		tree:   btree.New(8),
		stamps: map[int]uint64{},
	}
}

// unpin makes frame a candidate for eviction.
func (lr *lruReplacer) unpin(frame int) {
	if _, ok := lr.stamps[frame]; ok {
		return
	}
	lr.clock += 1
	lr.stamps[frame] = lr.clock
	lr.tree.ReplaceOrInsert(lruItem{stamp: lr.clock, frame: frame})
}

// pin removes frame from the candidates for eviction.
func (lr *lruReplacer) pin(frame int) {
	stamp, ok := lr.stamps[frame]
	if !ok {
		return
	}
	lr.tree.Delete(lruItem{stamp: stamp})
	delete(lr.stamps, frame)
}

func (lr *lruReplacer) victim() (int, bool) {
	item := lr.tree.DeleteMin()
	if item == nil {
		return -1, false
	}
	li := item.(lruItem)
	delete(lr.stamps, li.frame)
	return li.frame, true
}

func (lr *lruReplacer) size() int {
	return lr.tree.Len()
}
