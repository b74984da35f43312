package gc

import (
	"fmt"
	"strings"

	"github.com/flintfs-io/flintfs/internal/segment"
)

// StatInfo is a point-in-time snapshot of GC-relevant filesystem
// state, feeding the operator text reports and the metrics surface.
type StatInfo struct {
	TotalSegs    uint32
	TotalSecs    uint32
	ReservedSecs uint32
	OverprovSecs uint32

	ValidBlocks uint64
	Utilization int

	FreeSegs     uint32
	FreeSecs     uint32
	DirtyCount   uint32
	PrefreeCount uint32

	Curseg  [segment.DefaultCursegs]segment.SegNo
	CurSec  [segment.DefaultCursegs]uint32
	CurZone [segment.DefaultCursegs]uint32

	GCCalls    uint64
	BgGCRuns   uint64
	NodeSegs   uint64
	DataSegs   uint64
	NodeBlocks uint64
	DataBlocks uint64

	BDF        uint32
	AvgVblocks uint32

	LastStatus Status
}

var cursegNames = [segment.DefaultCursegs]string{
	"HOT data",
	"WARM data",
	"COLD data",
	"Dir dnode",
	"File dnode",
	"Indir nodes",
}

// Snapshot gathers a StatInfo under the appropriate locks.
func (m *Manager) Snapshot() StatInfo {
	cfg := m.seg.Config()
	si := StatInfo{
		TotalSegs:    cfg.TotalSegs,
		TotalSecs:    cfg.TotalSecs(),
		ReservedSecs: cfg.ReservedSecs,
		OverprovSecs: cfg.OverprovSecs,
		FreeSegs:     m.seg.FreeSegments(),
		FreeSecs:     m.seg.FreeSections(),
		GCCalls:      m.callCount.Load(),
		BgGCRuns:     m.bgGCRuns.Load(),
		NodeSegs:     m.nodeSegs.Load(),
		DataSegs:     m.dataSegs.Load(),
		NodeBlocks:   m.nodeBlocks.Load(),
		DataBlocks:   m.dataBlocks.Load(),
		LastStatus:   m.LastStatus(),
	}

	m.seg.LockSentries()
	for segno := uint32(0); segno < cfg.TotalSegs; segno++ {
		si.ValidBlocks += uint64(m.seg.Entry(segment.SegNo(segno)).ValidBlocks)
	}
	m.seg.UnlockSentries()
	if user := cfg.UserBlocks(); user > 0 {
		si.Utilization = int(si.ValidBlocks * 100 / user)
	}

	m.seg.LockSeglist()
	si.DirtyCount = m.seg.DirtyMap(segment.Dirty).Count()
	si.PrefreeCount = m.seg.DirtyMap(segment.Prefree).Count()
	m.seg.UnlockSeglist()

	secsPerZone := cfg.SecsPerZone
	if secsPerZone == 0 {
		secsPerZone = 1
	}
	for i := segment.CursegType(0); i < segment.DefaultCursegs; i++ {
		s := m.seg.Curseg(i)
		si.Curseg[i] = s
		if s != segment.NullSegNo {
			si.CurSec[i] = uint32(m.seg.SecNoOf(s))
			si.CurZone[i] = si.CurSec[i] / secsPerZone
		}
	}

	si.BDF, si.AvgVblocks = m.updateGCMetric()
	if m.met != nil {
		m.met.RecordFreeSections(float64(si.FreeSecs))
		m.met.RecordDirtySegments(float64(si.DirtyCount))
		m.met.RecordBDF(float64(si.BDF))
	}
	return si
}

// updateGCMetric computes the bimodality distribution factor over all
// sections and the mean valid-block count of the dirty ones.
func (m *Manager) updateGCMetric() (bdf, avgVblocks uint32) {
	cfg := m.seg.Config()
	blksPerSec := cfg.BlocksPerSec()
	hblks := blksPerSec / 2

	var bimodal, totalVblocks uint64
	var ndirty uint64

	m.seg.LockSentries()
	for segno := uint32(0); segno < cfg.TotalSegs; segno += cfg.SegsPerSec() {
		v := m.seg.ValidBlocksIn(segment.SegNo(segno), cfg.LogSegsPerSec)
		dist := uint64(hblks - v)
		if v > hblks {
			dist = uint64(v - hblks)
		}
		bimodal += dist * dist
		if v > 0 && v < blksPerSec {
			totalVblocks += uint64(v)
			ndirty++
		}
	}
	m.seg.UnlockSentries()

	div := uint64(cfg.TotalSecs()) * uint64(hblks) * uint64(hblks) / 100
	if div > 0 {
		bdf = uint32(bimodal / div)
	}
	if ndirty > 0 {
		avgVblocks = uint32(totalVblocks / ndirty)
	}
	return bdf, avgVblocks
}

// StatusText renders the operator status report: layout, utilization,
// active logs, seglist counts, GC activity, and the user-block
// distribution bar.
func (m *Manager) StatusText() string {
	si := m.Snapshot()
	cfg := m.seg.Config()

	var b strings.Builder
	fmt.Fprintf(&b, "=====[ main area info ]=====\n")
	fmt.Fprintf(&b, "[MAIN: %d segs, %d secs (OverProv:%d Resv:%d)]\n\n",
		si.TotalSegs, si.TotalSecs, si.OverprovSecs, si.ReservedSecs)
	fmt.Fprintf(&b, "Utilization: %d%% (%d valid blocks)\n\n", si.Utilization, si.ValidBlocks)

	for i := segment.CursegType(0); i < segment.DefaultCursegs; i++ {
		fmt.Fprintf(&b, " - %s: %d, %d, %d\n",
			cursegNames[i], si.Curseg[i], si.CurSec[i], si.CurZone[i])
	}

	valid := int64(si.TotalSegs) - int64(si.DirtyCount) - int64(si.PrefreeCount) - int64(si.FreeSegs)
	fmt.Fprintf(&b, "\n - Valid: %d\n - Dirty: %d\n", valid, si.DirtyCount)
	fmt.Fprintf(&b, " - Prefree: %d\n - Free: %d (%d)\n\n",
		si.PrefreeCount, si.FreeSegs, si.FreeSecs)

	fmt.Fprintf(&b, "GC calls: %d (BG: %d)\n", si.GCCalls, si.BgGCRuns)
	fmt.Fprintf(&b, " - data segments : %d\n", si.DataSegs)
	fmt.Fprintf(&b, " - node segments : %d\n", si.NodeSegs)
	fmt.Fprintf(&b, "Try to move %d blocks\n", si.DataBlocks+si.NodeBlocks)
	fmt.Fprintf(&b, " - data blocks : %d\n", si.DataBlocks)
	fmt.Fprintf(&b, " - node blocks : %d\n", si.NodeBlocks)

	user := cfg.UserBlocks()
	var utilFree, utilValid, utilInvalid int
	if user > 0 {
		freeBlocks := uint64(si.FreeSegs) << cfg.LogBlocksPerSeg
		utilFree = int(freeBlocks * 100 / user / 2)
		utilValid = int(si.ValidBlocks * 100 / user / 2)
		utilInvalid = 50 - utilFree - utilValid
		if utilInvalid < 0 {
			utilInvalid = 0
		}
	}
	fmt.Fprintf(&b, "\nDistribution of User Blocks: [ valid | invalid | free ]\n")
	fmt.Fprintf(&b, "  [%s|%s|%s]\n",
		strings.Repeat("-", utilValid),
		strings.Repeat("-", utilInvalid),
		strings.Repeat("-", utilFree))
	return b.String()
}

// SITStatusText renders the bimodality report.
func (m *Manager) SITStatusText() string {
	bdf, avg := m.updateGCMetric()
	return fmt.Sprintf("BDF: %d, avg. vblocks: %d\n", bdf, avg)
}

// MemFootprintText renders the memory consumed by GC-relevant segment
// state.
func (m *Manager) MemFootprintText() string {
	cfg := m.seg.Config()
	mapBytes := uint64((cfg.BlocksPerSeg() + 7) / 8)
	bitmapBytes := uint64((cfg.TotalSegs + 63) / 64 * 8)

	entryMem := uint64(cfg.TotalSegs) * (mapBytes + 16)
	seglistMem := uint64(segment.NrDirtyType)*bitmapBytes + uint64(segment.NrGCTypes)*bitmapBytes

	total := entryMem + seglistMem
	var b strings.Builder
	fmt.Fprintf(&b, "%d KB = sentries: %d + seglists: %d\n",
		total>>10, entryMem>>10, seglistMem>>10)
	return b.String()
}
