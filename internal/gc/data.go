package gc

import "github.com/flintfs-io/flintfs/internal/segment"

// Node-tree addressing. A node block holds NidsPerBlock child node
// ids; a dnode holds AddrsPerBlock data addresses; the inode itself
// embeds AddrsPerInode.
const (
	NidsPerBlock  = 1018
	AddrsPerBlock = 1018
	AddrsPerInode = 923
)

// indirectBlks is the last node offset reachable through a
// single-level indirect node.
const indirectBlks = 2*NidsPerBlock + 4

// StartBidxOfNode maps a node's offset within its inode to the first
// data block index that node addresses. Offset 0 is the inode itself.
func StartBidxOfNode(nodeOfs uint32) segment.BlockAddr {
	if nodeOfs == 0 {
		return 0
	}

	// Signed arithmetic: the decrement terms go negative at the first
	// node of each indirection level.
	n := int(nodeOfs)
	var bidx int
	switch {
	case n <= 2:
		bidx = n - 1
	case n <= indirectBlks:
		bidx = n - 2 - (n-4)/(NidsPerBlock+1)
	default:
		bidx = n - 5 - (n-indirectBlks-3)/(NidsPerBlock+1)
	}
	return segment.BlockAddr(bidx*AddrsPerBlock + AddrsPerInode)
}

// checkDnode validates a data block's parent pointer: the summary's
// node must still exist at the summary's version and must still point
// at blkaddr. Version and address mismatches are expected (the block
// was relocated or truncated) and skip the block. On success it
// returns the resolved dnode info and the node's offset in its inode.
func (m *Manager) checkDnode(entry segment.SummaryEntry, blkaddr segment.BlockAddr) (NodeInfo, uint32, bool) {
	page, err := m.nodes.NodePage(entry.Nid)
	if err != nil {
		return NodeInfo{}, 0, false
	}
	dni, err := m.nodes.NodeInfo(entry.Nid)
	if err != nil {
		page.Release()
		return NodeInfo{}, 0, false
	}
	if entry.Version != dni.Version {
		page.Release()
		return NodeInfo{}, 0, false
	}

	nofs := page.OfsOfNode()
	source := page.DataBlockAddr(uint32(entry.OfsInNode))
	page.Release()

	if source != blkaddr {
		return NodeInfo{}, 0, false
	}
	return dni, nofs, true
}

// moveDataPage arranges relocation of one data page. Background GC
// only marks the page dirty and cold; foreground GC writes it out
// synchronously under the data-write lock. Pages remapped or under
// writeback are left alone.
func (m *Manager) moveDataPage(inode Inode, page DataPage, gcType segment.GCType) {
	defer page.Release()

	if !page.MappedTo(inode) {
		return
	}
	if page.Writeback() {
		return
	}

	if gcType == segment.BgGC {
		page.SetDirty()
		page.SetCold()
		return
	}

	m.wb.LockDataWrite()
	if page.ClearDirtyForIO() && inode.IsDir() {
		m.wb.DecDirtyDents(inode)
	}
	page.SetCold()
	m.wb.WriteDataPage(page)
	m.wb.UnlockDataWrite()
	page.ClearCold()
}

// collectDataSegment reclaims a data segment in four phases over the
// summary: node readahead, parent validation plus inode readahead,
// inode acquisition and cache warming, and finally relocation through
// moveDataPage. Validity is rechecked per block per phase; checkpoint
// pressure aborts with Blocked after the blocked handshake.
func (m *Manager) collectDataSegment(sum *segment.Summary, ilist *winodeList, segno segment.SegNo, gcType segment.GCType) Status {
	blocksPerSeg := m.seg.Config().BlocksPerSeg()
	startAddr := m.seg.StartBlock(segno)
	status := StatusDone

scan:
	for phase := 0; phase < 4; phase++ {
		for off := uint32(0); off < blocksPerSeg; off++ {
			entry := sum.Entries[off]

			// Free segments must be able to absorb all dirty node pages
			// before the next checkpoint.
			if m.cp.ShouldDoCheckpoint() {
				m.cp.BlockOperations()
				status = StatusBlocked
				break scan
			}

			if !m.seg.BlockValid(segno, off) {
				continue
			}

			if phase == 0 {
				m.nodes.ReadaheadNodePage(entry.Nid)
				continue
			}

			dni, nofs, ok := m.checkDnode(entry, startAddr+segment.BlockAddr(off))
			if !ok {
				continue
			}

			if phase == 1 {
				m.nodes.ReadaheadNodePage(dni.Ino)
				continue
			}

			bidx := StartBidxOfNode(nofs) + segment.BlockAddr(entry.OfsInNode)

			if phase == 2 {
				inode, err := m.inodes.Inode(dni.Ino)
				if err != nil {
					continue
				}
				page, err := m.pages.FindDataPage(inode, bidx)
				if err != nil {
					inode.Release()
					continue
				}
				page.Release()
				ilist.add(inode)
				continue
			}

			// Phase 3: relocate through the inode collected in phase 2.
			inode := ilist.find(dni.Ino)
			if inode == nil {
				continue
			}
			page, err := m.pages.LockedDataPage(inode, bidx)
			if err != nil {
				continue
			}
			m.moveDataPage(inode, page, gcType)
			m.addDataBlocks(1)
		}
	}

	if gcType == segment.FgGC {
		m.wb.SubmitDataBIO()
	}
	return status
}
