package headstream

import (
	"gonum.org/v1/gonum/stat"
)

// ChannelStats summarizes one window of samples on each channel.
type ChannelStats struct {
	Labels   []string
	Mean     []float64
	StdDev   []float64
	Nsamples int
}

// statsAccumulator collects samples until it has a full window, then computes
// per-channel statistics and starts over.
type statsAccumulator struct {
	labels  []string
	window  int
	columns [][]float64
	n       int
}

func newStatsAccumulator(labels []string, window int) *statsAccumulator {
	if window < 2 {
		window = 2
	}
	sa := &statsAccumulator{labels: labels, window: window}
	sa.columns = make([][]float64, len(labels))
	for i := range sa.columns {
		sa.columns[i] = make([]float64, window)
	}
	return sa
}

// add stores one sample. When that completes a window, it returns the window's
// statistics and true.
func (sa *statsAccumulator) add(sample []float32) (ChannelStats, bool) {
	for i, col := range sa.columns {
		if i < len(sample) {
			col[sa.n] = float64(sample[i])
		}
	}
	sa.n++
	if sa.n < sa.window {
		return ChannelStats{}, false
	}
	sa.n = 0
	cs := ChannelStats{
		Labels:   sa.labels,
		Mean:     make([]float64, len(sa.columns)),
		StdDev:   make([]float64, len(sa.columns)),
		Nsamples: sa.window,
	}
	for i, col := range sa.columns {
		cs.Mean[i], cs.StdDev[i] = stat.MeanStdDev(col, nil)
	}
	return cs, true
}
