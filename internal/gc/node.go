package gc

import (
	"math"

	"github.com/flintfs-io/flintfs/internal/segment"
)

// collectNodeSegment reclaims a node segment. Phase 0 reads the
// referenced node pages ahead; phase 1 fetches each and marks it dirty
// so the writeback path relocates it. Validity is rechecked per block
// per phase, and checkpoint pressure aborts with Blocked after the
// blocked handshake (see Checkpointer).
func (m *Manager) collectNodeSegment(sum *segment.Summary, segno segment.SegNo, gcType segment.GCType) Status {
	blocksPerSeg := m.seg.Config().BlocksPerSeg()

	for phase := 0; phase < 2; phase++ {
		for off := uint32(0); off < blocksPerSeg; off++ {
			entry := sum.Entries[off]

			// Free segments must be able to absorb all dirty node pages
			// before the next checkpoint.
			if m.cp.ShouldDoCheckpoint() {
				m.cp.BlockOperations()
				return StatusBlocked
			}

			if !m.seg.BlockValid(segno, off) {
				continue
			}

			if phase == 0 {
				m.nodes.ReadaheadNodePage(entry.Nid)
				continue
			}

			page, err := m.nodes.NodePage(entry.Nid)
			if err != nil {
				continue
			}
			if !page.Writeback() {
				page.SetDirty()
			}
			page.Release()
			m.addNodeBlocks(1)
		}
	}

	if gcType == segment.FgGC {
		m.nodes.SyncNodePages(0, math.MaxInt64)
	}
	return StatusDone
}
