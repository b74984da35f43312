// Package gc implements the garbage-collector core of the filesystem:
// victim selection over the dirty seglists, per-segment reclamation of
// node and data segments, the reclamation loop that interleaves
// collection with checkpointing, and the adaptive background worker.
package gc

import (
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flintfs-io/flintfs/internal/metrics"
	"github.com/flintfs-io/flintfs/internal/segment"
)

// Status is the outcome of a reclamation pass.
type Status int

const (
	// StatusNone means no victim was available.
	StatusNone Status = iota
	// StatusDone means the victim segment was fully processed.
	StatusDone
	// StatusBlocked means the dirty-node-page budget ran out; the
	// reclaimer holds the checkpoint mutex and a checkpoint must run.
	StatusBlocked
	// StatusError means a summary block could not be read or another
	// fatal condition surfaced.
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusNone:
		return "none"
	case StatusDone:
		return "done"
	case StatusBlocked:
		return "blocked"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// Background worker defaults.
const (
	DefaultMinSleep = 10 * time.Second
	DefaultMaxSleep = 60 * time.Second
	// DefaultNoGCSleep is used after a cycle that found no victim.
	DefaultNoGCSleep = 300 * time.Second
	// DefaultMaxVictimSearch bounds one selector scan; the cursor
	// amortizes the rest across calls.
	DefaultMaxVictimSearch = 4096
)

// Options tunes the GC core.
type Options struct {
	// BackgroundGC enables the background worker's collection cycles.
	BackgroundGC bool
	MinSleep     time.Duration
	MaxSleep     time.Duration
	NoGCSleep    time.Duration
	// MaxVictimSearch is the per-call victim scan budget.
	MaxVictimSearch int
}

// DefaultOptions returns the default tuning.
func DefaultOptions() Options {
	return Options{
		BackgroundGC:    true,
		MinSleep:        DefaultMinSleep,
		MaxSleep:        DefaultMaxSleep,
		NoGCSleep:       DefaultNoGCSleep,
		MaxVictimSearch: DefaultMaxVictimSearch,
	}
}

// Deps are the collaborators the GC core consumes.
type Deps struct {
	Seg    *segment.Manager
	Nodes  NodeManager
	Inodes InodeStore
	Pages  PageCache
	WB     Writeback
	CP     Checkpointer
	Host   Host
	Meta   SummaryReader

	Log     *slog.Logger
	Metrics *metrics.GCMetrics
}

// Manager is the GC core. It owns the GC mutex serializing all
// collection, the background worker, and the stat counters.
type Manager struct {
	seg    *segment.Manager
	nodes  NodeManager
	inodes InodeStore
	pages  PageCache
	wb     Writeback
	cp     Checkpointer
	host   Host
	meta   SummaryReader

	log  *slog.Logger
	met  *metrics.GCMetrics
	opts Options

	gcMu sync.Mutex

	// Background worker state.
	wmu     sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
	waitNs  atomic.Int64

	lastStatus atomic.Int32
	callCount  atomic.Uint64
	bgGCRuns   atomic.Uint64
	nodeSegs   atomic.Uint64
	dataSegs   atomic.Uint64
	nodeBlocks atomic.Uint64
	dataBlocks atomic.Uint64
}

type noopHost struct{}

func (noopHost) Idle() bool        { return true }
func (noopHost) TryToFreeze() bool { return false }

// NewManager builds the GC core and registers its default
// victim-selection policy on the segment manager's vtable.
func NewManager(deps Deps, opts Options) *Manager {
	if opts.MinSleep <= 0 {
		opts.MinSleep = DefaultMinSleep
	}
	if opts.MaxSleep <= 0 {
		opts.MaxSleep = DefaultMaxSleep
	}
	if opts.NoGCSleep <= 0 {
		opts.NoGCSleep = DefaultNoGCSleep
	}
	if opts.MaxVictimSearch <= 0 {
		opts.MaxVictimSearch = DefaultMaxVictimSearch
	}
	if deps.Log == nil {
		deps.Log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if deps.Host == nil {
		deps.Host = noopHost{}
	}
	m := &Manager{
		seg:    deps.Seg,
		nodes:  deps.Nodes,
		inodes: deps.Inodes,
		pages:  deps.Pages,
		wb:     deps.WB,
		cp:     deps.CP,
		host:   deps.Host,
		meta:   deps.Meta,
		log:    deps.Log,
		met:    deps.Metrics,
		opts:   opts,
	}
	m.seg.SetVictimOps(m)
	return m
}

// Close stops the background worker.
func (m *Manager) Close() {
	m.StopBackground()
}

// LockGC serializes a foreground collection against all other GC
// activity. Run releases the lock.
func (m *Manager) LockGC() { m.gcMu.Lock() }

// TryLockGC attempts the GC lock without blocking.
func (m *Manager) TryLockGC() bool { return m.gcMu.TryLock() }

// Run is the reclamation loop. The caller holds the GC lock; Run
// always releases it and drains the inode work-list before returning.
// nGC is the minimum number of free sections the caller wants gained.
//
// Collection starts in background mode and escalates to foreground
// when free space falls to the reservation. A Blocked reclaimer has
// already performed the blocked handshake, so the loop checkpoints
// before retrying; with progress made it starts over against a fresh
// free-space baseline.
func (m *Manager) Run(nGC int) Status {
	var ilist winodeList
	gcType := segment.BgGC
	segsPerSec := int(m.seg.Config().SegsPerSec())
	var status Status

	for {
		status = StatusNone
		nfree := 0

		var oldFreeSecs int
		if m.seg.HasNotEnoughFreeSecs() {
			oldFreeSecs = int(m.seg.ReservedSections())
		} else {
			oldFreeSecs = int(m.seg.FreeSections())
		}

	loop:
		for m.seg.Live() {
			if m.seg.HasNotEnoughFreeSecs() {
				gcType = segment.FgGC
			}
			if int(m.seg.FreeSections())+nfree-oldFreeSecs >= nGC {
				break
			}

			segno, ok := m.getVictim(gcType, segment.Dirty)
			if !ok {
				break
			}
			m.log.Debug("gc victim selected",
				"segno", uint32(segno),
				"foreground", gcType == segment.FgGC,
			)

			for i := 0; i < segsPerSec; i++ {
				status = m.doGarbageCollect(segno+segment.SegNo(i), &ilist, gcType)
				if status != StatusDone {
					break loop
				}
				nfree++
			}
		}

		if m.seg.HasNotEnoughFreeSecs() || status == StatusBlocked {
			if err := m.cp.WriteCheckpoint(status == StatusBlocked, false); err != nil {
				m.log.Error("gc checkpoint failed", "error", err)
				status = StatusError
			} else if nfree > 0 {
				continue
			}
		}
		break
	}

	m.lastStatus.Store(int32(status))
	m.gcMu.Unlock()
	ilist.drain()
	return status
}

// doGarbageCollect processes one victim segment, dispatching on the
// summary footer type.
func (m *Manager) doGarbageCollect(segno segment.SegNo, ilist *winodeList, gcType segment.GCType) Status {
	sum, err := m.meta.ReadSummary(segno)
	if err != nil {
		m.log.Error("gc summary read failed", "segno", uint32(segno), "error", err)
		return StatusError
	}

	var status Status
	switch sum.Type {
	case segment.SumTypeNode:
		status = m.collectNodeSegment(sum, segno, gcType)
		m.nodeSegs.Add(1)
	case segment.SumTypeData:
		status = m.collectDataSegment(sum, ilist, segno, gcType)
		m.dataSegs.Add(1)
	default:
		return StatusError
	}

	m.callCount.Add(1)
	if m.met != nil {
		m.met.IncCalls()
	}
	return status
}

func (m *Manager) addNodeBlocks(n uint64) {
	m.nodeBlocks.Add(n)
	if m.met != nil {
		m.met.AddNodeBlocksMoved(float64(n))
	}
}

func (m *Manager) addDataBlocks(n uint64) {
	m.dataBlocks.Add(n)
	if m.met != nil {
		m.met.AddDataBlocksMoved(float64(n))
	}
}

// LastStatus returns the outcome of the most recent Run.
func (m *Manager) LastStatus() Status { return Status(m.lastStatus.Load()) }

// CallCount returns the number of per-segment collection calls.
func (m *Manager) CallCount() uint64 { return m.callCount.Load() }

// BackgroundRuns returns the number of background GC cycles.
func (m *Manager) BackgroundRuns() uint64 { return m.bgGCRuns.Load() }

// NodeSegs returns the number of node segments processed.
func (m *Manager) NodeSegs() uint64 { return m.nodeSegs.Load() }

// DataSegs returns the number of data segments processed.
func (m *Manager) DataSegs() uint64 { return m.dataSegs.Load() }

// NodeBlocks returns the number of node blocks scheduled for move.
func (m *Manager) NodeBlocks() uint64 { return m.nodeBlocks.Load() }

// DataBlocks returns the number of data blocks scheduled for move.
func (m *Manager) DataBlocks() uint64 { return m.dataBlocks.Load() }
