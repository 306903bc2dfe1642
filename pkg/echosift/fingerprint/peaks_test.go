package fingerprint

import (
	"math"
	"testing"
)

// makeGrid builds a rows x cols grid of zeros.
func makeGrid(rows, cols int) [][]float64 {
	grid := make([][]float64, rows)
	for r := range grid {
		grid[r] = make([]float64, cols)
	}
	return grid
}

func TestExtractPeaksSingleSpike(t *testing.T) {
	grid := makeGrid(32, 32)
	grid[5][7] = 100

	peaks := ExtractPeaks(grid, DefaultPeakConfig())

	if len(peaks) != 1 {
		t.Fatalf("expected 1 peak, got %d", len(peaks))
	}
	if peaks[0].FreqBin != 5 || peaks[0].TimeFrame != 7 {
		t.Errorf("expected peak at (5, 7), got (%d, %d)", peaks[0].FreqBin, peaks[0].TimeFrame)
	}
}

func TestExtractPeaksAmplitudeFloor(t *testing.T) {
	grid := makeGrid(32, 32)
	grid[5][7] = 25 // a clear local max, but below the floor of 30

	peaks := ExtractPeaks(grid, DefaultPeakConfig())

	if len(peaks) != 0 {
		t.Errorf("expected no peaks below the amplitude floor, got %d", len(peaks))
	}
}

func TestExtractPeaksNeighborhoodSuppression(t *testing.T) {
	grid := makeGrid(32, 64)
	grid[5][10] = 100
	grid[5][14] = 80 // inside the window of the stronger cell

	peaks := ExtractPeaks(grid, DefaultPeakConfig())

	if len(peaks) != 1 {
		t.Fatalf("expected the weaker neighbor to be suppressed, got %d peaks", len(peaks))
	}
	if peaks[0].TimeFrame != 10 {
		t.Errorf("expected the stronger cell to survive, got time frame %d", peaks[0].TimeFrame)
	}
}

func TestExtractPeaksSeparatedSpikes(t *testing.T) {
	grid := makeGrid(64, 64)
	grid[5][10] = 100
	grid[5][40] = 80 // well outside the 20-wide window

	peaks := ExtractPeaks(grid, DefaultPeakConfig())

	if len(peaks) != 2 {
		t.Fatalf("expected 2 peaks, got %d", len(peaks))
	}
	// Ordered by time frame.
	if peaks[0].TimeFrame != 10 || peaks[1].TimeFrame != 40 {
		t.Errorf("peaks out of time order: %+v", peaks)
	}
}

func TestExtractPeaksEmptyGrid(t *testing.T) {
	if peaks := ExtractPeaks(nil, DefaultPeakConfig()); len(peaks) != 0 {
		t.Errorf("expected no peaks from nil grid, got %d", len(peaks))
	}
	if peaks := ExtractPeaks([][]float64{}, DefaultPeakConfig()); len(peaks) != 0 {
		t.Errorf("expected no peaks from empty grid, got %d", len(peaks))
	}
}

// syntheticGrid fills a grid with a deterministic pseudo-signal.
func syntheticGrid(rows, cols int) [][]float64 {
	grid := makeGrid(rows, cols)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			grid[r][c] = 40*math.Abs(math.Sin(float64(r)*0.7)*math.Cos(float64(c)*0.3)) +
				10*math.Sin(float64(r*c)*0.01)
		}
	}
	return grid
}

func TestExtractPeaksDeterministic(t *testing.T) {
	grid := syntheticGrid(48, 200)
	cfg := DefaultPeakConfig()

	first := ExtractPeaks(grid, cfg)
	second := ExtractPeaks(grid, cfg)

	if len(first) == 0 {
		t.Fatal("expected peaks from the synthetic grid")
	}
	if len(first) != len(second) {
		t.Fatalf("runs disagree: %d vs %d peaks", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("peak %d differs between runs: %+v vs %+v", i, first[i], second[i])
		}
	}
}

func TestExtractPeaksWorkerCountInvariant(t *testing.T) {
	grid := syntheticGrid(48, 200)

	for _, workers := range []int{1, 2, 8} {
		cfg := DefaultPeakConfig()
		cfg.Workers = workers
		got := ExtractPeaks(grid, cfg)

		cfg.Workers = 1
		want := ExtractPeaks(grid, cfg)

		if len(got) != len(want) {
			t.Fatalf("workers=%d: %d peaks, want %d", workers, len(got), len(want))
		}
		for i := range got {
			if got[i] != want[i] {
				t.Fatalf("workers=%d: peak %d differs: %+v vs %+v", workers, i, got[i], want[i])
			}
		}
	}
}

func TestSlidingMax(t *testing.T) {
	src := []float64{3, 1, 4, 1, 5, 9, 2, 6}

	tests := []struct {
		lo, hi int
		want   []float64
	}{
		{0, 0, []float64{3, 1, 4, 1, 5, 9, 2, 6}},
		{1, 1, []float64{3, 4, 4, 5, 9, 9, 9, 6}},
		{2, 1, []float64{3, 4, 4, 5, 9, 9, 9, 9}},
	}

	for _, tt := range tests {
		dst := make([]float64, len(src))
		slidingMax(src, dst, tt.lo, tt.hi)
		for i := range dst {
			if dst[i] != tt.want[i] {
				t.Errorf("lo=%d hi=%d: dst[%d] = %v, want %v", tt.lo, tt.hi, i, dst[i], tt.want[i])
			}
		}
	}
}
