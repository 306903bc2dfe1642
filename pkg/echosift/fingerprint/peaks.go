package fingerprint

import (
	"runtime"
	"sync"
)

// Peak is a local-maximum landmark in the magnitude grid.
type Peak struct {
	FreqBin   int // row index
	TimeFrame int // column index
}

// PeakConfig controls peak extraction.
type PeakConfig struct {
	// NeighborhoodSize is the side of the square window a cell must
	// dominate to count as a peak.
	NeighborhoodSize int
	// AmplitudeFloor is the minimum magnitude a peak must exceed.
	AmplitudeFloor float64
	// Workers caps the number of goroutines used for the filter passes.
	// Zero means runtime.NumCPU(). Worker count never affects the result.
	Workers int
}

// DefaultPeakConfig returns the reference extraction parameters.
func DefaultPeakConfig() PeakConfig {
	return PeakConfig{
		NeighborhoodSize: 20,
		AmplitudeFloor:   30,
	}
}

// ExtractPeaks finds every cell of the grid that equals the maximum of its
// NeighborhoodSize x NeighborhoodSize window and exceeds the amplitude floor.
// Rows are frequency bins, columns are time frames. The neighborhood maximum
// is computed with a separable sliding-window maximum (one pass along each
// axis), so the whole filter is O(rows*cols) regardless of window size.
//
// Peaks come back ordered by time frame, then frequency bin. An empty grid
// or a grid with no qualifying cells yields an empty result, not an error.
func ExtractPeaks(grid [][]float64, cfg PeakConfig) []Peak {
	rows := len(grid)
	if rows == 0 || len(grid[0]) == 0 {
		return nil
	}
	cols := len(grid[0])

	n := cfg.NeighborhoodSize
	if n < 1 {
		n = 1
	}
	// Window offsets around the center, matching a maximum filter of
	// size n: [-n/2, n-n/2-1].
	lo := n / 2
	hi := n - lo - 1

	workers := cfg.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	// Pass 1: sliding max along time within each frequency row.
	rowMax := make([][]float64, rows)
	eachIndex(rows, workers, func(r int) {
		dst := make([]float64, cols)
		slidingMax(grid[r], dst, lo, hi)
		rowMax[r] = dst
	})

	// Pass 2: sliding max along frequency within each time column, then
	// the peak test against the original grid.
	colPeaks := make([][]Peak, cols)
	eachIndex(cols, workers, func(c int) {
		col := make([]float64, rows)
		for r := 0; r < rows; r++ {
			col[r] = rowMax[r][c]
		}
		neigh := make([]float64, rows)
		slidingMax(col, neigh, lo, hi)

		var found []Peak
		for r := 0; r < rows; r++ {
			v := grid[r][c]
			if v == neigh[r] && v > cfg.AmplitudeFloor {
				found = append(found, Peak{FreqBin: r, TimeFrame: c})
			}
		}
		colPeaks[c] = found
	})

	var peaks []Peak
	for _, ps := range colPeaks {
		peaks = append(peaks, ps...)
	}
	return peaks
}

// slidingMax writes into dst the maximum of src over the window
// [i-lo, i+hi] for every index i, clipped to the slice bounds. It keeps a
// monotonically decreasing deque of candidate indices.
func slidingMax(src, dst []float64, lo, hi int) {
	dq := make([]int, 0, len(src))
	head := 0

	push := func(j int) {
		for len(dq) > head && src[dq[len(dq)-1]] <= src[j] {
			dq = dq[:len(dq)-1]
		}
		dq = append(dq, j)
	}

	for j := 0; j < hi && j < len(src); j++ {
		push(j)
	}
	for i := range src {
		if e := i + hi; e < len(src) {
			push(e)
		}
		for dq[head] < i-lo {
			head++
		}
		dst[i] = src[dq[head]]
	}
}

// eachIndex runs fn(i) for i in [0, n) across a fixed pool of workers.
func eachIndex(n, workers int, fn func(i int)) {
	if workers > n {
		workers = n
	}
	if workers <= 1 {
		for i := 0; i < n; i++ {
			fn(i)
		}
		return
	}

	idx := make(chan int, workers)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range idx {
				fn(i)
			}
		}()
	}
	for i := 0; i < n; i++ {
		idx <- i
	}
	close(idx)
	wg.Wait()
}
