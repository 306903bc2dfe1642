// Package dedup decides whether a candidate song already exists in the
// catalog, using two independent signals: fuzzy title similarity and
// fingerprint overlap.
package dedup

import (
	"regexp"
	"strings"

	"github.com/hbollon/go-edlib"
)

// Upload titles carry all kinds of annotation noise around the actual song
// name; both patterns are stripped before comparison.
var (
	bracketed = regexp.MustCompile(`\(.*?\)|\[.*?\]`)
	stopwords = regexp.MustCompile(`(?i)\b(official|video|audio|lyrics|lyric|hd|4k|1080p|music|full song|ft|feat|featuring)\b`)
)

// CleanTitle normalizes a title for comparison: bracketed and parenthesized
// annotations go, then the stopword list, then whitespace is collapsed.
// "Mango Song (Official Video) [HD]" and "Mango Song" normalize the same.
func CleanTitle(title string) string {
	title = bracketed.ReplaceAllString(title, "")
	title = stopwords.ReplaceAllString(title, "")
	return strings.Join(strings.Fields(title), " ")
}

// Similarity is a case-insensitive edit-distance ratio in [0, 1].
func Similarity(a, b string) float64 {
	sim, err := edlib.StringsSimilarity(strings.ToLower(a), strings.ToLower(b), edlib.Levenshtein)
	if err != nil {
		return 0
	}
	return float64(sim)
}

// TitleConfig controls the title-similarity signal.
type TitleConfig struct {
	// Threshold is the minimum combined score that flags a duplicate.
	Threshold float64
	// TitleWeight and ArtistWeight combine the two ratios; the title
	// dominates because artist fields are frequently mislabeled.
	TitleWeight  float64
	ArtistWeight float64
	// FullScan skips the prefix shortlist and fuzzy-scores the whole
	// catalog every time. The shortlist misses a near-duplicate whose
	// cleaned first token differs (a typo'd leading word) whenever it
	// returns other songs; catalogs small enough to scan outright can
	// trade the shortlist away.
	FullScan bool
}

// DefaultTitleConfig returns the reference weighting.
func DefaultTitleConfig() TitleConfig {
	return TitleConfig{
		Threshold:    0.85,
		TitleWeight:  0.8,
		ArtistWeight: 0.2,
	}
}

// combinedScore weighs cleaned-title similarity against artist similarity.
func (c TitleConfig) combinedScore(titleA, artistA, titleB, artistB string) float64 {
	titleSim := Similarity(CleanTitle(titleA), CleanTitle(titleB))
	artistSim := Similarity(artistA, artistB)
	return c.TitleWeight*titleSim + c.ArtistWeight*artistSim
}

// firstToken returns the leading word of a cleaned title, the key used for
// the cheap shortlist lookup.
func firstToken(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	return strings.ToLower(fields[0])
}
