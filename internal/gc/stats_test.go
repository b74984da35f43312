package gc

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flintfs-io/flintfs/internal/metrics"
	"github.com/flintfs-io/flintfs/internal/segment"
)

func TestUpdateGCMetric(t *testing.T) {
	cfg := testConfig()
	cfg.LogBlocksPerSeg = 4 // 16 blocks per segment, hblks = 8
	cfg.TotalSegs = 4
	fs := newTestFS(cfg, DefaultOptions())
	fs.fillSeg(0, 4, 1)

	// dist² per section: seg0 |4-8|² = 16, three empty |0-8|² = 64.
	// normalizer: 4 sections * 64 / 100 = 2.
	bdf, avg := fs.m.updateGCMetric()
	assert.Equal(t, uint32((16+3*64)/2), bdf)
	assert.Equal(t, uint32(4), avg, "only dirty sections count toward the mean")
}

func TestUpdateGCMetricEmptyFilesystem(t *testing.T) {
	fs := newDefaultTestFS()
	bdf, avg := fs.m.updateGCMetric()
	// Every section is fully free: maximal bimodality.
	assert.Equal(t, uint32(100), bdf)
	assert.Equal(t, uint32(0), avg)
}

func TestSnapshot(t *testing.T) {
	fs := newDefaultTestFS()
	fs.fillSeg(3, 10, 100)
	fs.seg.SetCurseg(segment.CursegHotData, 8)
	fs.seg.SetFreeCounts(30, 30)

	si := fs.m.Snapshot()
	assert.Equal(t, uint32(64), si.TotalSegs)
	assert.Equal(t, uint32(64), si.TotalSecs)
	assert.Equal(t, uint32(30), si.FreeSecs)
	assert.Equal(t, uint32(30), si.FreeSegs)
	assert.Equal(t, uint32(1), si.DirtyCount)
	assert.Equal(t, uint64(10), si.ValidBlocks)
	assert.Equal(t, 0, si.Utilization)
	assert.Equal(t, segment.SegNo(8), si.Curseg[segment.CursegHotData])
	assert.Equal(t, uint32(8), si.CurSec[segment.CursegHotData])
	assert.Equal(t, segment.NullSegNo, si.Curseg[segment.CursegColdNode])
}

func TestSnapshotFeedsMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	met := metrics.NewGCMetricsWithRegistry(reg)

	fs := newDefaultTestFS()
	fs.m.met = met
	fs.fillSeg(3, 10, 100)

	fs.m.Snapshot()

	families, err := reg.Gather()
	require.NoError(t, err)
	found := map[string]float64{}
	for _, f := range families {
		if len(f.GetMetric()) == 1 && f.GetMetric()[0].GetGauge() != nil {
			found[f.GetName()] = f.GetMetric()[0].GetGauge().GetValue()
		}
	}
	assert.Equal(t, float64(1), found["flintfs_gc_dirty_segments"])
	assert.Equal(t, float64(64), found["flintfs_gc_free_sections"])
}

func TestStatusText(t *testing.T) {
	fs := newDefaultTestFS()
	fs.fillSeg(3, 10, 100)
	fs.seg.SetCurseg(segment.CursegHotData, 8)

	text := fs.m.StatusText()
	for _, want := range []string{
		"main area info",
		"Utilization:",
		"HOT data",
		"Indir nodes",
		"GC calls: 0 (BG: 0)",
		"Distribution of User Blocks",
		" - Dirty: 1",
	} {
		assert.Contains(t, text, want)
	}
}

func TestSITStatusText(t *testing.T) {
	fs := newDefaultTestFS()
	text := fs.m.SITStatusText()
	assert.True(t, strings.HasPrefix(text, "BDF: 100"), text)
	assert.Contains(t, text, "avg. vblocks: 0")
}

func TestMemFootprintText(t *testing.T) {
	fs := newDefaultTestFS()
	text := fs.m.MemFootprintText()
	assert.Contains(t, text, "KB")
	assert.Contains(t, text, "sentries:")
	assert.Contains(t, text, "seglists:")
}
