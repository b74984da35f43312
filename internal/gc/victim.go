package gc

import (
	"math"

	"github.com/flintfs-io/flintfs/internal/segment"
)

// allocMode distinguishes the two callers of victim selection: LFS
// reclamation (whole sections) and SSR slack-space recycling (single
// segments of one temperature class).
type allocMode int

const (
	allocLFS allocMode = iota
	allocSSR
)

// victimPolicy is built per selection call.
type victimPolicy struct {
	alloc      allocMode
	mode       segment.GCMode
	dirtyType  segment.DirtyType
	segmap     *segment.Bitmap
	logOfsUnit uint32
	offset     uint32
	minSegno   segment.SegNo
	minCost    uint32
}

// selectPolicy fills the ephemeral policy for one selection call.
// Background LFS uses cost-benefit, everything else greedy.
func (m *Manager) selectPolicy(gcType segment.GCType, t segment.DirtyType) victimPolicy {
	cfg := m.seg.Config()
	var p victimPolicy
	if t == segment.Dirty {
		p.alloc = allocLFS
		p.mode = segment.GCGreedy
		if gcType == segment.BgGC {
			p.mode = segment.GCCostBenefit
		}
		p.dirtyType = segment.Dirty
		p.segmap = m.seg.DirtyMap(segment.Dirty)
		p.logOfsUnit = cfg.LogSegsPerSec
	} else {
		p.alloc = allocSSR
		p.mode = segment.GCGreedy
		p.dirtyType = t
		p.segmap = m.seg.DirtyMap(t)
		p.logOfsUnit = 0
	}
	return p
}

// maxCost is the worst admissible cost for the policy. Candidates at
// max cost are never selected and never counted against the search
// budget.
func (m *Manager) maxCost(p *victimPolicy) uint32 {
	if p.mode == segment.GCGreedy {
		return 1 << (m.seg.Config().LogBlocksPerSeg + p.logOfsUnit)
	}
	return math.MaxUint32
}

// costBenefit computes the cost-benefit cost of the section containing
// segno: UINT_MAX - (100*(100-u)*age)/(100+u), so lower is better and
// old, under-utilized sections win. Observed mtimes outside the known
// range widen it. Caller holds the sentry lock.
func (m *Manager) costBenefit(segno segment.SegNo) uint32 {
	seg := m.seg
	cfg := seg.Config()
	start := (uint32(segno) >> cfg.LogSegsPerSec) << cfg.LogSegsPerSec

	var mtime uint64
	for i := uint32(0); i < cfg.SegsPerSec(); i++ {
		mtime += seg.Entry(segment.SegNo(start + i)).Mtime
	}
	vblocks := uint64(seg.ValidBlocksIn(segno, cfg.LogSegsPerSec))

	mtime >>= cfg.LogSegsPerSec
	vblocks >>= cfg.LogSegsPerSec

	u := (vblocks * 100) >> cfg.LogBlocksPerSeg

	seg.WidenMtimeRange(mtime)
	var age uint64
	if seg.MaxMtime() != seg.MinMtime() {
		age = 100 - 100*(mtime-seg.MinMtime())/(seg.MaxMtime()-seg.MinMtime())
	}

	return math.MaxUint32 - uint32((100*(100-u)*age)/(100+u))
}

// gcCost returns the policy's cost for segno. Caller holds the sentry
// lock.
func (m *Manager) gcCost(segno segment.SegNo, p *victimPolicy) uint32 {
	if p.alloc == allocSSR {
		return uint32(m.seg.Entry(segno).CkptValidBlocks)
	}
	if p.mode == segment.GCGreedy {
		return m.seg.ValidBlocksIn(segno, m.seg.Config().LogSegsPerSec)
	}
	return m.costBenefit(segno)
}

// checkBgVictims adopts a segment already picked by background GC.
// Such segments are known to carry few valid blocks, so foreground GC
// takes them first. Caller holds the seglist lock.
func (m *Manager) checkBgVictims() segment.SegNo {
	bg := m.seg.VictimMap(segment.BgGC)
	if s := bg.NextSet(0); s < bg.Len() {
		bg.Clear(s)
		return segment.SegNo(s)
	}
	return segment.NullSegNo
}

// GetVictim is the default victim-selection policy: greedy for
// foreground, cost-benefit for background, greedy over one temperature
// bucket for SSR. It scans the dirty segmap from the per-mode cursor,
// skips claimed and active sections, and claims the winning section in
// the victim bitmap. Caller holds the sentry lock; the seglist lock is
// taken here.
//
// GetVictim is registered on the segment manager's victim-selection
// vtable so alternative policies can replace it.
func (m *Manager) GetVictim(gcType segment.GCType, t segment.DirtyType) (segment.SegNo, bool) {
	seg := m.seg

	p := m.selectPolicy(gcType, t)
	p.minSegno = segment.NullSegNo
	p.minCost = m.maxCost(&p)
	nsearched := 0

	seg.LockSeglist()
	defer seg.UnlockSeglist()
	p.offset = uint32(seg.LastVictim(p.mode))

	adopted := false
	if p.alloc == allocLFS && gcType == segment.FgGC {
		p.minSegno = m.checkBgVictims()
		adopted = p.minSegno != segment.NullSegNo
	}

	for !adopted {
		s := p.segmap.NextSet(p.offset)
		if s >= seg.TotalSegs() {
			if seg.LastVictim(p.mode) != 0 {
				seg.SetLastVictim(p.mode, 0)
				p.offset = 0
				continue
			}
			break
		}
		segno := segment.SegNo(s)
		p.offset = ((s >> p.logOfsUnit) << p.logOfsUnit) + (1 << p.logOfsUnit)

		if seg.VictimMap(segment.FgGC).Test(s) {
			continue
		}
		if gcType == segment.BgGC && seg.VictimMap(segment.BgGC).Test(s) {
			continue
		}
		if seg.IsCurSec(seg.SecNoOf(segno)) {
			continue
		}

		cost := m.gcCost(segno, &p)
		if cost < p.minCost {
			p.minSegno = segno
			p.minCost = cost
		}
		if cost == m.maxCost(&p) {
			continue
		}
		nsearched++
		if nsearched >= m.opts.MaxVictimSearch {
			seg.SetLastVictim(p.mode, segno)
			break
		}
	}

	if p.minSegno == segment.NullSegNo {
		return segment.NullSegNo, false
	}
	result := segment.SegNo((uint32(p.minSegno) >> p.logOfsUnit) << p.logOfsUnit)
	if p.alloc == allocLFS {
		vm := seg.VictimMap(gcType)
		for i := uint32(0); i < 1<<p.logOfsUnit; i++ {
			vm.Set(uint32(result) + i)
		}
	}
	return result, true
}

// getVictim takes the sentry lock and dispatches through the installed
// victim-selection vtable.
func (m *Manager) getVictim(gcType segment.GCType, t segment.DirtyType) (segment.SegNo, bool) {
	m.seg.LockSentries()
	defer m.seg.UnlockSentries()
	return m.seg.VictimOps().GetVictim(gcType, t)
}

// VictimForSSR picks a partially valid segment of the given
// temperature class for slack-space recycling. Called by the
// allocator, not the reclamation loop.
func (m *Manager) VictimForSSR(t segment.DirtyType) (segment.SegNo, bool) {
	return m.getVictim(segment.BgGC, t)
}
