package gc

import (
	"sync"

	"github.com/flintfs-io/flintfs/internal/segment"
)

// winodePool recycles work-list entries across reclamation calls.
var winodePool = sync.Pool{
	New: func() any { return new(winode) },
}

type winode struct {
	inode Inode
}

// winodeList is the inode work-list of one reclamation-loop call: the
// live inodes whose data pages are being relocated. Each inode appears
// at most once and holds exactly one reference, released on drain.
type winodeList struct {
	items []*winode
}

// add inserts inode unless an entry with the same inode number already
// exists; the duplicate's reference is released immediately.
func (l *winodeList) add(inode Inode) {
	for _, w := range l.items {
		if w.inode.Ino() == inode.Ino() {
			inode.Release()
			return
		}
	}
	w := winodePool.Get().(*winode)
	w.inode = inode
	l.items = append(l.items, w)
}

// find returns the listed inode with the given number, or nil.
func (l *winodeList) find(ino segment.Nid) Inode {
	for _, w := range l.items {
		if w.inode.Ino() == ino {
			return w.inode
		}
	}
	return nil
}

// drain releases every reference and empties the list.
func (l *winodeList) drain() {
	for _, w := range l.items {
		w.inode.Release()
		w.inode = nil
		winodePool.Put(w)
	}
	l.items = l.items[:0]
}

func (l *winodeList) empty() bool { return len(l.items) == 0 }
