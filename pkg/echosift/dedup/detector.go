package dedup

import (
	"context"
	"fmt"
	"sort"

	"github.com/alizafarq/echosift/pkg/echosift/fingerprint"
	"github.com/alizafarq/echosift/pkg/echosift/match"
	"github.com/alizafarq/echosift/pkg/echosift/model"
)

// Catalog is the store view the detector needs: a cheap normalized-title
// shortlist plus a full listing as the fallback.
type Catalog interface {
	SongsByTitlePrefix(ctx context.Context, prefix string) ([]model.Song, error)
	ListSongs(ctx context.Context, genre, search string) ([]model.Song, error)
}

// Recognizer runs the consensus matcher over the existing catalog.
type Recognizer interface {
	Resolve(ctx context.Context, fps []fingerprint.Fingerprint, cfg match.ResolveConfig) (*match.Result, error)
}

// AudioConfig controls the fingerprint-overlap signal. The ratio threshold
// alone is statistically meaningless for very short or sparse samples, so a
// duplicate additionally needs MinMatches aligned postings.
type AudioConfig struct {
	RatioThreshold float64
	MinMatches     int
}

// DefaultAudioConfig returns the reference thresholds for the indexing-time
// check. Call sites that screen looser (e.g. pre-download filtering) lower
// RatioThreshold to 0.6; the two policies are kept as separate parameters.
func DefaultAudioConfig() AudioConfig {
	return AudioConfig{
		RatioThreshold: 0.7,
		MinMatches:     50,
	}
}

// TitleMatch is one catalog song scored against the candidate title.
type TitleMatch struct {
	Song  model.Song
	Score float64
}

// AudioMatch is the best fingerprint-overlap candidate.
type AudioMatch struct {
	Song model.Song
	// Ratio is MatchedCount over the candidate's total fingerprints.
	Ratio        float64
	MatchedCount int
}

// Verdict combines both signals; either one may flag the duplicate.
type Verdict struct {
	IsDuplicate  bool
	TitleMatches []TitleMatch
	AudioMatch   *AudioMatch
}

// Detector checks candidate songs against the catalog before indexing.
type Detector struct {
	catalog    Catalog
	recognizer Recognizer
	titleCfg   TitleConfig
	audioCfg   AudioConfig
}

// NewDetector builds a Detector. recognizer may be nil, in which case only
// the title signal is available.
func NewDetector(catalog Catalog, recognizer Recognizer, titleCfg TitleConfig, audioCfg AudioConfig) *Detector {
	return &Detector{
		catalog:    catalog,
		recognizer: recognizer,
		titleCfg:   titleCfg,
		audioCfg:   audioCfg,
	}
}

// FindSimilarTitles scores catalog songs against the candidate title and
// returns every match at or above the threshold, best first. The scan is
// two-stage: a normalized-title prefix lookup shortlists candidates, and
// fuzzy scoring runs only over the shortlist; an empty shortlist falls back
// to the full catalog so exotic retitlings are still caught. A non-empty
// shortlist is trusted as-is, which can miss a near-duplicate whose first
// token differs; TitleConfig.FullScan disables the shortlist for callers
// that want the exhaustive scan instead.
func (d *Detector) FindSimilarTitles(ctx context.Context, title, artist string) ([]TitleMatch, error) {
	var candidates []model.Song
	var err error

	if prefix := firstToken(CleanTitle(title)); prefix != "" && !d.titleCfg.FullScan {
		candidates, err = d.catalog.SongsByTitlePrefix(ctx, prefix)
		if err != nil {
			return nil, fmt.Errorf("title shortlist: %w", err)
		}
	}
	if len(candidates) == 0 {
		candidates, err = d.catalog.ListSongs(ctx, "", "")
		if err != nil {
			return nil, fmt.Errorf("catalog scan: %w", err)
		}
	}

	var matches []TitleMatch
	for _, song := range candidates {
		score := d.titleCfg.combinedScore(title, artist, song.Title, song.Artist)
		if score >= d.titleCfg.Threshold {
			matches = append(matches, TitleMatch{Song: song, Score: score})
		}
	}
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Score > matches[j].Score
	})
	return matches, nil
}

// CheckAudio runs the candidate's fingerprints through the consensus
// matcher and reports the best-overlapping catalog song, or nil when
// nothing in the catalog shares any alignment with the sample.
func (d *Detector) CheckAudio(ctx context.Context, fps []fingerprint.Fingerprint) (*AudioMatch, error) {
	if d.recognizer == nil || len(fps) == 0 {
		return nil, nil
	}
	result, err := d.recognizer.Resolve(ctx, fps, match.ResolveConfig{TopN: 1, MinConfidence: 0})
	if err != nil {
		return nil, fmt.Errorf("audio similarity: %w", err)
	}
	if !result.MatchFound {
		return nil, nil
	}
	best := result.Matches[0]
	return &AudioMatch{
		Song:         best.Song,
		Ratio:        float64(best.MatchedCount) / float64(best.TotalQueryFingerprints),
		MatchedCount: best.MatchedCount,
	}, nil
}

// Check combines both signals into a verdict. fps may be empty to skip the
// audio signal (e.g. when only metadata is known yet).
func (d *Detector) Check(ctx context.Context, title, artist string, fps []fingerprint.Fingerprint) (*Verdict, error) {
	titleMatches, err := d.FindSimilarTitles(ctx, title, artist)
	if err != nil {
		return nil, err
	}
	audioMatch, err := d.CheckAudio(ctx, fps)
	if err != nil {
		return nil, err
	}

	verdict := &Verdict{
		TitleMatches: titleMatches,
		AudioMatch:   audioMatch,
	}
	if len(titleMatches) > 0 {
		verdict.IsDuplicate = true
	}
	if audioMatch != nil &&
		audioMatch.Ratio >= d.audioCfg.RatioThreshold &&
		audioMatch.MatchedCount >= d.audioCfg.MinMatches {
		verdict.IsDuplicate = true
	}
	return verdict, nil
}
