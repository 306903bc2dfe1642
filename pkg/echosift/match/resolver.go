// Package match resolves noisy multi-hash lookups into ranked song
// identifications via time-offset consensus: true matches share one
// consistent stored-minus-query offset, while incidental hash collisions
// scatter across many offsets and are suppressed by the histogram.
package match

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/alizafarq/echosift/pkg/echosift/fingerprint"
	"github.com/alizafarq/echosift/pkg/echosift/model"
)

// ErrEmptyQuery is returned when a query carries no fingerprints at all;
// there is nothing to match, which is distinct from matching and finding
// nothing.
var ErrEmptyQuery = errors.New("no fingerprints to match")

// PostingSource is the lookup side of the fingerprint store.
type PostingSource interface {
	GetPostings(ctx context.Context, hashes []fingerprint.Hash) (map[fingerprint.Hash][]model.Posting, error)
}

// SongSource resolves song IDs to catalog entries.
type SongSource interface {
	GetSongByID(ctx context.Context, id string) (*model.Song, error)
}

// ResolveConfig controls candidate filtering and ranking.
type ResolveConfig struct {
	// TopN truncates the ranked candidate list; zero or negative keeps all.
	TopN int
	// MinConfidence discards candidates below this percentage.
	MinConfidence float64
}

// DefaultResolveConfig returns the reference query parameters.
func DefaultResolveConfig() ResolveConfig {
	return ResolveConfig{TopN: 3, MinConfidence: 0.1}
}

// RankedMatch is one scored candidate.
type RankedMatch struct {
	Song model.Song
	// Confidence is the share of the query's fingerprints explained by the
	// best alignment, as a percentage in [0, 100].
	Confidence float64
	// MatchedCount is the number of postings agreeing on the best alignment.
	MatchedCount int
	// TotalQueryFingerprints is the size of the query the count is measured
	// against.
	TotalQueryFingerprints int
	// BestAlignment is the consensus storedOffset - queryOffset, i.e. where
	// in the stored track the sample starts.
	BestAlignment int
}

// Result is the outcome of a recognition query. MatchFound false with a nil
// error means the query ran fine and simply matched nothing.
type Result struct {
	MatchFound             bool
	Matches                []RankedMatch
	TotalQueryFingerprints int
	// PostingsChecked counts every (posting, query offset) pair examined.
	PostingsChecked int
}

// Resolver aggregates store postings into per-song alignment histograms.
type Resolver struct {
	postings PostingSource
	songs    SongSource
}

// NewResolver builds a Resolver over the given store views.
func NewResolver(postings PostingSource, songs SongSource) *Resolver {
	return &Resolver{postings: postings, songs: songs}
}

// Resolve looks up every distinct query hash, votes on the per-song time
// alignment, and returns candidates ranked by confidence. The walk order is
// fixed by the query (hashes in first-appearance order, postings in store
// order), so ties in both the histogram mode and the ranking break
// deterministically toward first-seen.
func (r *Resolver) Resolve(ctx context.Context, fps []fingerprint.Fingerprint, cfg ResolveConfig) (*Result, error) {
	if len(fps) == 0 {
		return nil, ErrEmptyQuery
	}

	// Deduplicate hashes, keeping every anchor offset each hash came from.
	order := make([]fingerprint.Hash, 0, len(fps))
	offsets := make(map[fingerprint.Hash][]int, len(fps))
	for _, fp := range fps {
		if _, seen := offsets[fp.Hash]; !seen {
			order = append(order, fp.Hash)
		}
		offsets[fp.Hash] = append(offsets[fp.Hash], fp.AnchorOffset)
	}

	found, err := r.postings.GetPostings(ctx, order)
	if err != nil {
		return nil, fmt.Errorf("posting lookup: %w", err)
	}

	type histogram struct {
		counts     map[int]int
		deltaOrder []int
	}
	songOrder := make([]string, 0)
	hists := make(map[string]*histogram)
	checked := 0

	for _, h := range order {
		for _, p := range found[h] {
			for _, queryOffset := range offsets[h] {
				checked++
				delta := p.AnchorOffset - queryOffset
				hist := hists[p.SongID]
				if hist == nil {
					hist = &histogram{counts: make(map[int]int)}
					hists[p.SongID] = hist
					songOrder = append(songOrder, p.SongID)
				}
				if _, ok := hist.counts[delta]; !ok {
					hist.deltaOrder = append(hist.deltaOrder, delta)
				}
				hist.counts[delta]++
			}
		}
	}

	total := len(fps)
	var candidates []RankedMatch
	for _, songID := range songOrder {
		hist := hists[songID]

		bestDelta, bestCount := 0, 0
		for _, delta := range hist.deltaOrder {
			if c := hist.counts[delta]; c > bestCount {
				bestDelta, bestCount = delta, c
			}
		}

		confidence := math.Min(100, float64(bestCount)/float64(total)*100)
		if confidence < cfg.MinConfidence {
			continue
		}

		song, err := r.songs.GetSongByID(ctx, songID)
		if err != nil {
			if errors.Is(err, model.ErrSongNotFound) {
				// Deleted between lookup and scoring; drop the candidate.
				continue
			}
			return nil, fmt.Errorf("song lookup %s: %w", songID, err)
		}

		candidates = append(candidates, RankedMatch{
			Song:                   *song,
			Confidence:             confidence,
			MatchedCount:           bestCount,
			TotalQueryFingerprints: total,
			BestAlignment:          bestDelta,
		})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Confidence > candidates[j].Confidence
	})
	if cfg.TopN > 0 && len(candidates) > cfg.TopN {
		candidates = candidates[:cfg.TopN]
	}

	return &Result{
		MatchFound:             len(candidates) > 0,
		Matches:                candidates,
		TotalQueryFingerprints: total,
		PostingsChecked:        checked,
	}, nil
}
