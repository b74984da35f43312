package gc

import "github.com/flintfs-io/flintfs/internal/segment"

// NodeInfo is what the node manager resolves for a node id: the owning
// inode and the node's current version.
type NodeInfo struct {
	Ino     segment.Nid
	Version uint8
}

// NodePage is a node page pinned in the page cache. Release drops the
// pin; every acquired page is released exactly once.
type NodePage interface {
	// OfsOfNode returns the node's offset within its inode's node tree.
	OfsOfNode() uint32
	// DataBlockAddr returns the block address stored at the given slot.
	DataBlockAddr(ofsInNode uint32) segment.BlockAddr
	// Writeback reports whether the page is under writeback.
	Writeback() bool
	// SetDirty marks the page dirty so the writeback path relocates it.
	SetDirty()
	Release()
}

// NodeManager is the NAT/node collaborator.
type NodeManager interface {
	// NodePage fetches the node page for nid, pinned.
	NodePage(nid segment.Nid) (NodePage, error)
	// ReadaheadNodePage schedules an asynchronous fetch of nid's page.
	ReadaheadNodePage(nid segment.Nid)
	// NodeInfo resolves nid to its owning inode and version.
	NodeInfo(nid segment.Nid) (NodeInfo, error)
	// SyncNodePages writes back dirty node pages, up to max pages.
	// ino zero means all inodes.
	SyncNodePages(ino segment.Nid, max int64)
}

// Inode is a referenced inode handle. Release drops the reference.
type Inode interface {
	Ino() segment.Nid
	IsDir() bool
	Release()
}

// InodeStore hands out inode references without blocking on inode
// initialization.
type InodeStore interface {
	Inode(ino segment.Nid) (Inode, error)
}

// DataPage is a data page pinned in the page cache.
type DataPage interface {
	// MappedTo reports whether the page still belongs to ino's mapping.
	// A page remapped elsewhere must not be relocated.
	MappedTo(ino Inode) bool
	Writeback() bool
	SetDirty()
	// ClearDirtyForIO clears the dirty bit for an imminent write and
	// reports whether the page was dirty.
	ClearDirtyForIO() bool
	// SetCold steers the block into a cold segment on its next write.
	SetCold()
	ClearCold()
	Release()
}

// PageCache looks up data pages for an inode.
type PageCache interface {
	// FindDataPage returns the page at bidx if present, pinned but
	// unlocked. Used to warm the cache.
	FindDataPage(ino Inode, bidx segment.BlockAddr) (DataPage, error)
	// LockedDataPage returns the page at bidx, pinned and locked.
	LockedDataPage(ino Inode, bidx segment.BlockAddr) (DataPage, error)
}

// Writeback is the data writeback collaborator. The GC never copies
// blocks itself; it schedules pages through this interface.
type Writeback interface {
	// LockDataWrite serializes foreground data writes.
	LockDataWrite()
	UnlockDataWrite()
	// WriteDataPage writes one data page synchronously.
	WriteDataPage(p DataPage) error
	// SubmitDataBIO flushes the accumulated data bio.
	SubmitDataBIO()
	// DecDirtyDents drops the dirty-dentry accounting for a directory
	// page claimed for writeback.
	DecDirtyDents(ino Inode)
}

// Checkpointer is the checkpoint collaborator.
//
// Contract for the blocked handshake: a reclaimer that hits checkpoint
// pressure calls BlockOperations, which acquires the checkpoint mutex
// and freezes operations, then returns Blocked. The reclamation loop
// must follow with WriteCheckpoint(blocked=true, ...), which releases
// that mutex. Restructuring this pairing deadlocks the dirty-node
// budget.
type Checkpointer interface {
	// ShouldDoCheckpoint reports that the dirty-node-page budget is
	// exhausted and a checkpoint must run before more pages are dirtied.
	ShouldDoCheckpoint() bool
	BlockOperations()
	WriteCheckpoint(blocked, unmount bool) error
	// BalanceFS lets the checkpoint path reclaim space before the GC
	// cycle starts.
	BalanceFS()
}

// Host exposes the scheduling environment to the background worker.
type Host interface {
	// Idle reports that the I/O subsystem has no writeback pages or
	// pending block requests.
	Idle() bool
	// TryToFreeze blocks while the host is frozen and reports whether a
	// freeze happened.
	TryToFreeze() bool
}

// SummaryReader reads per-segment summary blocks.
type SummaryReader interface {
	ReadSummary(segno segment.SegNo) (*segment.Summary, error)
}
