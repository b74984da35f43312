// Package segment owns the segment-level state of the main storage
// area: per-segment entries with validity bitmaps and modification
// times, the dirty seglists and victim bitmaps consulted during
// garbage collection, current-segment tracking, and the free-space
// queries the reclamation path depends on.
package segment

import (
	"math"
	"sync"
	"sync/atomic"
)

// SegNo identifies a segment in [0, TotalSegs).
type SegNo uint32

// SecNo identifies a section (a group of contiguous segments).
type SecNo uint32

// BlockAddr is a block address in the main area.
type BlockAddr uint32

// Nid identifies a node managed by the node manager.
type Nid uint32

// NullSegNo is returned when no segment qualifies.
const NullSegNo = SegNo(math.MaxUint32)

// DirtyType indexes the dirty seglist family: one list per
// temperature class, the plain-dirty aggregate, and prefree.
type DirtyType int

const (
	DirtyHotData DirtyType = iota
	DirtyWarmData
	DirtyColdData
	DirtyHotNode
	DirtyWarmNode
	DirtyColdNode
	// Dirty is the aggregate list of all dirty segments.
	Dirty
	// Prefree holds segments freed since the last checkpoint.
	Prefree
	NrDirtyType
)

// GCType distinguishes background from foreground collection. The two
// victim bitmaps are indexed by it.
type GCType int

const (
	BgGC GCType = iota
	FgGC
	NrGCTypes
)

// GCMode is the victim-selection policy mode. The last-victim scan
// cursor is kept per mode.
type GCMode int

const (
	GCCostBenefit GCMode = iota
	GCGreedy
	NrGCModes
)

// CursegType indexes the active logs, one per temperature class.
type CursegType int

const (
	CursegHotData CursegType = iota
	CursegWarmData
	CursegColdData
	CursegHotNode
	CursegWarmNode
	CursegColdNode
	// DefaultCursegs is the number of concurrently active logs.
	DefaultCursegs
)

// LimitInvalidBlocks is the percentage of user blocks that must be
// invalid before background GC considers the filesystem worth
// collecting aggressively.
const LimitInvalidBlocks = 40

// Config fixes the geometry of the main area. Blocks per segment and
// segments per section are powers of two.
type Config struct {
	LogBlocksPerSeg uint32
	LogSegsPerSec   uint32
	TotalSegs       uint32
	ReservedSecs    uint32
	OverprovSecs    uint32
	// SecsPerZone groups sections into erase-aligned zones. Zero means
	// one section per zone.
	SecsPerZone uint32
}

// BlocksPerSeg returns the number of blocks in a segment.
func (c Config) BlocksPerSeg() uint32 { return 1 << c.LogBlocksPerSeg }

// SegsPerSec returns the number of segments in a section.
func (c Config) SegsPerSec() uint32 { return 1 << c.LogSegsPerSec }

// TotalSecs returns the number of sections in the main area.
func (c Config) TotalSecs() uint32 { return c.TotalSegs >> c.LogSegsPerSec }

// BlocksPerSec returns the number of blocks in a section.
func (c Config) BlocksPerSec() uint32 { return 1 << (c.LogBlocksPerSeg + c.LogSegsPerSec) }

// UserBlocks returns the total number of blocks in the main area.
func (c Config) UserBlocks() uint64 { return uint64(c.TotalSegs) << c.LogBlocksPerSeg }

// SegEntry is the per-segment state read by the GC: the validity
// bitmap, live block counts, and the modification-time hint.
type SegEntry struct {
	ValidMap        []byte
	ValidBlocks     uint16
	CkptValidBlocks uint16
	Mtime           uint64
}

// VictimSelection is the pluggable victim-selection policy. The GC
// manager registers its default greedy/cost-benefit implementation at
// build time; callers invoke it with the sentry lock held.
type VictimSelection interface {
	GetVictim(gcType GCType, dirtyType DirtyType) (SegNo, bool)
}

// Manager holds segment entries, dirty seglists and free-space
// accounting. Lock order: sentry lock before seglist lock.
type Manager struct {
	cfg Config

	sentryMu sync.Mutex
	entries  []SegEntry
	minMtime uint64
	maxMtime uint64

	seglistMu  sync.Mutex
	dirty      [NrDirtyType]*Bitmap
	victim     [NrGCTypes]*Bitmap
	lastVictim [NrGCModes]SegNo

	cursegMu sync.Mutex
	curseg   [DefaultCursegs]SegNo

	freeSecs      atomic.Uint32
	freeSegs      atomic.Uint32
	invalidBlocks atomic.Uint64

	vops VictimSelection
	live atomic.Bool
}

// NewManager builds a Manager for the given geometry with every block
// invalid, all segments free, and no dirty state.
func NewManager(cfg Config) *Manager {
	m := &Manager{cfg: cfg}
	m.entries = make([]SegEntry, cfg.TotalSegs)
	mapBytes := (cfg.BlocksPerSeg() + 7) / 8
	for i := range m.entries {
		m.entries[i].ValidMap = make([]byte, mapBytes)
	}
	for i := DirtyType(0); i < NrDirtyType; i++ {
		m.dirty[i] = NewBitmap(cfg.TotalSegs)
	}
	for i := GCType(0); i < NrGCTypes; i++ {
		m.victim[i] = NewBitmap(cfg.TotalSegs)
	}
	for i := range m.curseg {
		m.curseg[i] = NullSegNo
	}
	m.freeSecs.Store(cfg.TotalSecs())
	m.freeSegs.Store(cfg.TotalSegs)
	m.live.Store(true)
	return m
}

// Config returns the geometry.
func (m *Manager) Config() Config { return m.cfg }

// TotalSegs returns the number of segments in the main area.
func (m *Manager) TotalSegs() uint32 { return m.cfg.TotalSegs }

// Live reports whether the filesystem is still mounted active.
func (m *Manager) Live() bool { return m.live.Load() }

// SetLive flips the mounted-active flag.
func (m *Manager) SetLive(v bool) { m.live.Store(v) }

// SecNoOf returns the section containing segno.
func (m *Manager) SecNoOf(segno SegNo) SecNo {
	return SecNo(uint32(segno) >> m.cfg.LogSegsPerSec)
}

// StartBlock returns the first block address of segno.
func (m *Manager) StartBlock(segno SegNo) BlockAddr {
	return BlockAddr(uint32(segno) << m.cfg.LogBlocksPerSeg)
}

// LockSentries acquires the sentry lock protecting segment entries and
// the mtime range.
func (m *Manager) LockSentries() { m.sentryMu.Lock() }

// UnlockSentries releases the sentry lock.
func (m *Manager) UnlockSentries() { m.sentryMu.Unlock() }

// Entry returns the entry for segno. The caller holds the sentry lock.
func (m *Manager) Entry(segno SegNo) *SegEntry {
	return &m.entries[segno]
}

// ValidBlocksIn returns the valid-block count for segno, or for the
// whole section containing segno when logUnit is nonzero. The caller
// holds the sentry lock.
func (m *Manager) ValidBlocksIn(segno SegNo, logUnit uint32) uint32 {
	if logUnit == 0 {
		return uint32(m.entries[segno].ValidBlocks)
	}
	start := (uint32(segno) >> logUnit) << logUnit
	var n uint32
	for i := uint32(0); i < 1<<logUnit; i++ {
		n += uint32(m.entries[start+i].ValidBlocks)
	}
	return n
}

// BlockValid reports whether block off of segno is currently valid.
// It takes the sentry lock itself; reclaimers call it once per block
// per phase so races with invalidation resolve to skip.
func (m *Manager) BlockValid(segno SegNo, off uint32) bool {
	m.sentryMu.Lock()
	defer m.sentryMu.Unlock()
	return m.entries[segno].ValidMap[off/8]&(1<<(off%8)) != 0
}

// MinMtime returns the low end of the observed mtime range. The caller
// holds the sentry lock.
func (m *Manager) MinMtime() uint64 { return m.minMtime }

// MaxMtime returns the high end of the observed mtime range. The
// caller holds the sentry lock.
func (m *Manager) MaxMtime() uint64 { return m.maxMtime }

// WidenMtimeRange stretches the observed mtime range to include mtime.
// The range is never narrowed, even when the system clock moves
// backward. The caller holds the sentry lock.
func (m *Manager) WidenMtimeRange(mtime uint64) {
	if mtime < m.minMtime {
		m.minMtime = mtime
	}
	if mtime > m.maxMtime {
		m.maxMtime = mtime
	}
}

// InitMtimeRange recomputes the mtime range from the segment entries,
// as done once at mount.
func (m *Manager) InitMtimeRange() {
	m.sentryMu.Lock()
	defer m.sentryMu.Unlock()
	m.minMtime = math.MaxUint64
	m.maxMtime = 0
	for i := range m.entries {
		mt := m.entries[i].Mtime
		if mt < m.minMtime {
			m.minMtime = mt
		}
		if mt > m.maxMtime {
			m.maxMtime = mt
		}
	}
}

// LockSeglist acquires the seglist lock protecting dirty segmaps,
// victim bitmaps and the scan cursor.
func (m *Manager) LockSeglist() { m.seglistMu.Lock() }

// UnlockSeglist releases the seglist lock.
func (m *Manager) UnlockSeglist() { m.seglistMu.Unlock() }

// DirtyMap returns the dirty segmap for t. The caller holds the
// seglist lock while reading or writing it.
func (m *Manager) DirtyMap(t DirtyType) *Bitmap { return m.dirty[t] }

// VictimMap returns the victim bitmap for t. The caller holds the
// seglist lock.
func (m *Manager) VictimMap(t GCType) *Bitmap { return m.victim[t] }

// LastVictim returns the per-mode scan cursor. The caller holds the
// seglist lock.
func (m *Manager) LastVictim(mode GCMode) SegNo { return m.lastVictim[mode] }

// SetLastVictim updates the per-mode scan cursor. The caller holds the
// seglist lock.
func (m *Manager) SetLastVictim(mode GCMode, segno SegNo) {
	m.lastVictim[mode] = segno
}

// SetVictimOps installs the victim-selection policy.
func (m *Manager) SetVictimOps(v VictimSelection) { m.vops = v }

// VictimOps returns the installed victim-selection policy.
func (m *Manager) VictimOps() VictimSelection { return m.vops }

// SetCurseg records segno as the active segment of log ct.
func (m *Manager) SetCurseg(ct CursegType, segno SegNo) {
	m.cursegMu.Lock()
	m.curseg[ct] = segno
	m.cursegMu.Unlock()
}

// Curseg returns the active segment of log ct.
func (m *Manager) Curseg(ct CursegType) SegNo {
	m.cursegMu.Lock()
	defer m.cursegMu.Unlock()
	return m.curseg[ct]
}

// IsCurSec reports whether any active log writes into section secno.
// Such sections are never victims.
func (m *Manager) IsCurSec(secno SecNo) bool {
	m.cursegMu.Lock()
	defer m.cursegMu.Unlock()
	for _, s := range m.curseg {
		if s != NullSegNo && m.SecNoOf(s) == secno {
			return true
		}
	}
	return false
}

// FreeSections returns the current free-section count.
func (m *Manager) FreeSections() uint32 { return m.freeSecs.Load() }

// FreeSegments returns the current free-segment count.
func (m *Manager) FreeSegments() uint32 { return m.freeSegs.Load() }

// SetFreeCounts overwrites the free-space counters. Ownership of these
// counters is with the allocator and checkpoint paths; GC only reads
// them.
func (m *Manager) SetFreeCounts(secs, segs uint32) {
	m.freeSecs.Store(secs)
	m.freeSegs.Store(segs)
}

// ReservedSections returns the reserved-section count.
func (m *Manager) ReservedSections() uint32 { return m.cfg.ReservedSecs }

// OverprovSections returns the overprovisioned-section count.
func (m *Manager) OverprovSections() uint32 { return m.cfg.OverprovSecs }

// HasNotEnoughFreeSecs reports whether free space has fallen to the
// reservation, which forces foreground collection.
func (m *Manager) HasNotEnoughFreeSecs() bool {
	return m.freeSecs.Load() <= m.cfg.ReservedSecs
}

// InvalidBlocks returns the number of written-but-invalidated blocks
// not yet reclaimed.
func (m *Manager) InvalidBlocks() uint64 { return m.invalidBlocks.Load() }

// HasEnoughInvalidBlocks reports whether invalidated blocks exceed the
// collection threshold.
func (m *Manager) HasEnoughInvalidBlocks() bool {
	return m.invalidBlocks.Load() > m.cfg.UserBlocks()*LimitInvalidBlocks/100
}

// MarkValid marks block off of segno valid with the given mtime and
// keeps counts and the dirty list coherent. Used by the write path and
// test harnesses; GC never validates blocks.
func (m *Manager) MarkValid(segno SegNo, off uint32, mtime uint64) {
	m.sentryMu.Lock()
	e := &m.entries[segno]
	if e.ValidMap[off/8]&(1<<(off%8)) == 0 {
		e.ValidMap[off/8] |= 1 << (off % 8)
		e.ValidBlocks++
		e.Mtime = mtime
	}
	m.sentryMu.Unlock()
	m.locateDirty(segno)
}

// Invalidate marks block off of segno invalid. The block stays
// physically written until its segment is reclaimed, so the invalid
// counter grows.
func (m *Manager) Invalidate(segno SegNo, off uint32) {
	m.sentryMu.Lock()
	e := &m.entries[segno]
	if e.ValidMap[off/8]&(1<<(off%8)) != 0 {
		e.ValidMap[off/8] &^= 1 << (off % 8)
		e.ValidBlocks--
		m.invalidBlocks.Add(1)
	}
	m.sentryMu.Unlock()
	m.locateDirty(segno)
}

// SetCkptValidBlocks records the checkpoint-stable valid count used by
// SSR cost evaluation.
func (m *Manager) SetCkptValidBlocks(segno SegNo, n uint16) {
	m.sentryMu.Lock()
	m.entries[segno].CkptValidBlocks = n
	m.sentryMu.Unlock()
}

// locateDirty keeps the aggregate dirty list in step with a segment's
// valid count: partially valid segments are dirty.
func (m *Manager) locateDirty(segno SegNo) {
	m.sentryMu.Lock()
	valid := uint32(m.entries[segno].ValidBlocks)
	m.sentryMu.Unlock()

	m.seglistMu.Lock()
	if valid > 0 && valid < m.cfg.BlocksPerSeg() {
		m.dirty[Dirty].Set(uint32(segno))
	} else {
		m.dirty[Dirty].Clear(uint32(segno))
	}
	m.seglistMu.Unlock()
}
