package gc

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/flintfs-io/flintfs/internal/segment"
)

var errNotFound = errors.New("not found")

// testConfig is the geometry the scenario tests assume: 512 blocks per
// segment, one segment per section.
func testConfig() segment.Config {
	return segment.Config{
		LogBlocksPerSeg: 9,
		LogSegsPerSec:   0,
		TotalSegs:       64,
		ReservedSecs:    2,
		OverprovSecs:    2,
	}
}

type fakeNodePage struct {
	mu        sync.Mutex
	nofs      uint32
	addrs     map[uint32]segment.BlockAddr
	writeback bool
	dirty     bool
	released  int
}

func (p *fakeNodePage) OfsOfNode() uint32 { return p.nofs }

func (p *fakeNodePage) DataBlockAddr(ofs uint32) segment.BlockAddr {
	return p.addrs[ofs]
}

func (p *fakeNodePage) Writeback() bool { return p.writeback }

func (p *fakeNodePage) SetDirty() {
	p.mu.Lock()
	p.dirty = true
	p.mu.Unlock()
}

func (p *fakeNodePage) Release() {
	p.mu.Lock()
	p.released++
	p.mu.Unlock()
}

type fakeNodeManager struct {
	mu        sync.Mutex
	pages     map[segment.Nid]*fakeNodePage
	infos     map[segment.Nid]NodeInfo
	raCalls   []segment.Nid
	getCalls  []segment.Nid
	syncCalls int
	onRa      func(nid segment.Nid)
}

func newFakeNodeManager() *fakeNodeManager {
	return &fakeNodeManager{
		pages: make(map[segment.Nid]*fakeNodePage),
		infos: make(map[segment.Nid]NodeInfo),
	}
}

func (n *fakeNodeManager) NodePage(nid segment.Nid) (NodePage, error) {
	n.mu.Lock()
	n.getCalls = append(n.getCalls, nid)
	p, ok := n.pages[nid]
	n.mu.Unlock()
	if !ok {
		return nil, errNotFound
	}
	return p, nil
}

func (n *fakeNodeManager) ReadaheadNodePage(nid segment.Nid) {
	n.mu.Lock()
	n.raCalls = append(n.raCalls, nid)
	hook := n.onRa
	n.mu.Unlock()
	if hook != nil {
		hook(nid)
	}
}

func (n *fakeNodeManager) NodeInfo(nid segment.Nid) (NodeInfo, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	info, ok := n.infos[nid]
	if !ok {
		return NodeInfo{}, errNotFound
	}
	return info, nil
}

func (n *fakeNodeManager) SyncNodePages(ino segment.Nid, max int64) {
	n.mu.Lock()
	n.syncCalls++
	n.mu.Unlock()
}

type fakeInode struct {
	store *fakeInodeStore
	ino   segment.Nid
	dir   bool
}

func (i *fakeInode) Ino() segment.Nid { return i.ino }
func (i *fakeInode) IsDir() bool      { return i.dir }

func (i *fakeInode) Release() {
	i.store.mu.Lock()
	i.store.refs[i.ino]--
	i.store.mu.Unlock()
}

type fakeInodeStore struct {
	mu     sync.Mutex
	inodes map[segment.Nid]*fakeInode
	refs   map[segment.Nid]int
}

func newFakeInodeStore() *fakeInodeStore {
	return &fakeInodeStore{
		inodes: make(map[segment.Nid]*fakeInode),
		refs:   make(map[segment.Nid]int),
	}
}

func (s *fakeInodeStore) register(ino segment.Nid, dir bool) *fakeInode {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := &fakeInode{store: s, ino: ino, dir: dir}
	s.inodes[ino] = i
	return i
}

func (s *fakeInodeStore) Inode(ino segment.Nid) (Inode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.inodes[ino]
	if !ok {
		return nil, errNotFound
	}
	s.refs[ino]++
	return i, nil
}

func (s *fakeInodeStore) totalRefs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, r := range s.refs {
		total += r
	}
	return total
}

type fakeDataPage struct {
	mu        sync.Mutex
	ino       segment.Nid
	mapped    bool
	writeback bool
	dirty     bool
	cold      bool
	released  int
}

func (p *fakeDataPage) MappedTo(ino Inode) bool {
	return p.mapped && ino.Ino() == p.ino
}

func (p *fakeDataPage) Writeback() bool { return p.writeback }

func (p *fakeDataPage) SetDirty() {
	p.mu.Lock()
	p.dirty = true
	p.mu.Unlock()
}

func (p *fakeDataPage) ClearDirtyForIO() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	was := p.dirty
	p.dirty = false
	return was
}

func (p *fakeDataPage) SetCold() {
	p.mu.Lock()
	p.cold = true
	p.mu.Unlock()
}

func (p *fakeDataPage) ClearCold() {
	p.mu.Lock()
	p.cold = false
	p.mu.Unlock()
}

func (p *fakeDataPage) Release() {
	p.mu.Lock()
	p.released++
	p.mu.Unlock()
}

type pageKey struct {
	ino  segment.Nid
	bidx segment.BlockAddr
}

type fakePages struct {
	mu    sync.Mutex
	pages map[pageKey]*fakeDataPage
	finds []pageKey
	locks []pageKey
}

func newFakePages() *fakePages {
	return &fakePages{pages: make(map[pageKey]*fakeDataPage)}
}

func (c *fakePages) register(ino segment.Nid, bidx segment.BlockAddr) *fakeDataPage {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := &fakeDataPage{ino: ino, mapped: true}
	c.pages[pageKey{ino, bidx}] = p
	return p
}

func (c *fakePages) FindDataPage(ino Inode, bidx segment.BlockAddr) (DataPage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := pageKey{ino.Ino(), bidx}
	c.finds = append(c.finds, k)
	p, ok := c.pages[k]
	if !ok {
		return nil, errNotFound
	}
	return p, nil
}

func (c *fakePages) LockedDataPage(ino Inode, bidx segment.BlockAddr) (DataPage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := pageKey{ino.Ino(), bidx}
	c.locks = append(c.locks, k)
	p, ok := c.pages[k]
	if !ok {
		return nil, errNotFound
	}
	return p, nil
}

type fakeWriteback struct {
	mu      sync.Mutex
	writes  []*fakeDataPage
	submits int
	locked  bool
	dents   int
}

func (w *fakeWriteback) LockDataWrite() {
	w.mu.Lock()
	w.locked = true
	w.mu.Unlock()
}

func (w *fakeWriteback) UnlockDataWrite() {
	w.mu.Lock()
	w.locked = false
	w.mu.Unlock()
}

func (w *fakeWriteback) WriteDataPage(p DataPage) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if fp, ok := p.(*fakeDataPage); ok {
		w.writes = append(w.writes, fp)
	}
	return nil
}

func (w *fakeWriteback) SubmitDataBIO() {
	w.mu.Lock()
	w.submits++
	w.mu.Unlock()
}

func (w *fakeWriteback) DecDirtyDents(ino Inode) {
	w.mu.Lock()
	w.dents++
	w.mu.Unlock()
}

type fakeCheckpointer struct {
	pressure atomic.Bool

	mu          sync.Mutex
	cpMutexHeld bool
	blockOps    int
	checkpoints []bool // blocked flag of each WriteCheckpoint
	balanceRuns int

	onCheckpoint func(blocked bool)
	cpErr        error
}

func (c *fakeCheckpointer) ShouldDoCheckpoint() bool { return c.pressure.Load() }

func (c *fakeCheckpointer) BlockOperations() {
	c.mu.Lock()
	c.blockOps++
	c.cpMutexHeld = true
	c.mu.Unlock()
}

func (c *fakeCheckpointer) WriteCheckpoint(blocked, unmount bool) error {
	c.mu.Lock()
	c.checkpoints = append(c.checkpoints, blocked)
	c.cpMutexHeld = false
	hook := c.onCheckpoint
	err := c.cpErr
	c.mu.Unlock()
	if hook != nil {
		hook(blocked)
	}
	return err
}

func (c *fakeCheckpointer) BalanceFS() {
	c.mu.Lock()
	c.balanceRuns++
	c.mu.Unlock()
}

func (c *fakeCheckpointer) checkpointCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.checkpoints)
}

type fakeHost struct {
	idle atomic.Bool
}

func newFakeHost() *fakeHost {
	h := &fakeHost{}
	h.idle.Store(true)
	return h
}

func (h *fakeHost) Idle() bool        { return h.idle.Load() }
func (h *fakeHost) TryToFreeze() bool { return false }

type fakeMeta struct {
	mu     sync.Mutex
	sums   map[segment.SegNo]*segment.Summary
	errs   map[segment.SegNo]error
	onRead func(segno segment.SegNo)
}

func newFakeMeta() *fakeMeta {
	return &fakeMeta{
		sums: make(map[segment.SegNo]*segment.Summary),
		errs: make(map[segment.SegNo]error),
	}
}

func (f *fakeMeta) ReadSummary(segno segment.SegNo) (*segment.Summary, error) {
	f.mu.Lock()
	hook := f.onRead
	f.mu.Unlock()
	if hook != nil {
		hook(segno)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.errs[segno]; ok {
		return nil, err
	}
	sum, ok := f.sums[segno]
	if !ok {
		return nil, errNotFound
	}
	return sum, nil
}

// testFS bundles a segment manager, all collaborator fakes and the GC
// manager under test.
type testFS struct {
	seg    *segment.Manager
	nodes  *fakeNodeManager
	inodes *fakeInodeStore
	pages  *fakePages
	wb     *fakeWriteback
	cp     *fakeCheckpointer
	host   *fakeHost
	meta   *fakeMeta
	m      *Manager
}

func newTestFS(cfg segment.Config, opts Options) *testFS {
	fs := &testFS{
		seg:    segment.NewManager(cfg),
		nodes:  newFakeNodeManager(),
		inodes: newFakeInodeStore(),
		pages:  newFakePages(),
		wb:     &fakeWriteback{},
		cp:     &fakeCheckpointer{},
		host:   newFakeHost(),
		meta:   newFakeMeta(),
	}
	fs.m = NewManager(Deps{
		Seg:    fs.seg,
		Nodes:  fs.nodes,
		Inodes: fs.inodes,
		Pages:  fs.pages,
		WB:     fs.wb,
		CP:     fs.cp,
		Host:   fs.host,
		Meta:   fs.meta,
	}, opts)
	return fs
}

func newDefaultTestFS() *testFS {
	return newTestFS(testConfig(), DefaultOptions())
}

// fillSeg marks the first nvalid blocks of segno valid at the given
// mtime.
func (fs *testFS) fillSeg(segno segment.SegNo, nvalid uint32, mtime uint64) {
	for off := uint32(0); off < nvalid; off++ {
		fs.seg.MarkValid(segno, off, mtime)
	}
}

// nodeSummary installs a node summary for segno with ascending nids
// starting at base.
func (fs *testFS) nodeSummary(segno segment.SegNo, base segment.Nid) *segment.Summary {
	blocks := fs.seg.Config().BlocksPerSeg()
	sum := &segment.Summary{Type: segment.SumTypeNode, Entries: make([]segment.SummaryEntry, blocks)}
	for i := range sum.Entries {
		sum.Entries[i].Nid = base + segment.Nid(i)
	}
	fs.meta.sums[segno] = sum
	return sum
}

// dataSummary installs an empty data summary for segno.
func (fs *testFS) dataSummary(segno segment.SegNo) *segment.Summary {
	blocks := fs.seg.Config().BlocksPerSeg()
	sum := &segment.Summary{Type: segment.SumTypeData, Entries: make([]segment.SummaryEntry, blocks)}
	fs.meta.sums[segno] = sum
	return sum
}

// dataBlock wires one valid data block at (segno, off): summary entry,
// parent node page with the matching back pointer, node info, inode
// and cached data page. Returns the page registered at the translated
// block index.
func (fs *testFS) dataBlock(segno segment.SegNo, off uint32, nid segment.Nid, ofsInNode uint16, version uint8, ino segment.Nid, nofs uint32) *fakeDataPage {
	sum := fs.meta.sums[segno]
	sum.Entries[off] = segment.SummaryEntry{Nid: nid, OfsInNode: ofsInNode, Version: version}
	fs.seg.MarkValid(segno, off, 100)

	page, ok := fs.nodes.pages[nid]
	if !ok {
		page = &fakeNodePage{nofs: nofs, addrs: make(map[uint32]segment.BlockAddr)}
		fs.nodes.pages[nid] = page
	}
	page.addrs[uint32(ofsInNode)] = fs.seg.StartBlock(segno) + segment.BlockAddr(off)
	fs.nodes.infos[nid] = NodeInfo{Ino: ino, Version: version}

	if _, ok := fs.inodes.inodes[ino]; !ok {
		fs.inodes.register(ino, false)
	}
	bidx := StartBidxOfNode(nofs) + segment.BlockAddr(ofsInNode)
	return fs.pages.register(ino, bidx)
}
