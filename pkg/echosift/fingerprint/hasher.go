package fingerprint

import (
	"crypto/sha1"
	"encoding/binary"
	"sort"
)

// HashSize is the length of a fingerprint hash in bytes.
const HashSize = sha1.Size

// Hash is a fixed-width digest of a (freqA, freqB, timeDelta) peak pair.
// It is time-invariant: the same constellation anywhere in a track yields
// the same hash.
type Hash [HashSize]byte

// Fingerprint couples a hash with the absolute time frame of its anchor
// peak, which is what makes offset alignment possible at match time.
type Fingerprint struct {
	Hash         Hash
	AnchorOffset int
}

// HashConfig controls combinatorial hash generation.
type HashConfig struct {
	// FanValue bounds how many subsequent peaks each anchor is paired
	// with: the anchor at index i pairs with peaks i+1 .. i+FanValue-1.
	FanValue int
	// MinDelta and MaxDelta bound the accepted time separation between
	// anchor and target, both exclusive.
	MinDelta int
	MaxDelta int
}

// DefaultHashConfig returns the reference pairing parameters.
func DefaultHashConfig() HashConfig {
	return HashConfig{
		FanValue: 5,
		MinDelta: 0,
		MaxDelta: 200,
	}
}

// GenerateHashes turns peaks into fingerprints using the constellation
// scheme: peaks are stably sorted by time, each anchor fans out to its
// following FanValue-1 peaks, and every accepted pair is digested into a
// 20-byte hash. The redundancy is deliberate; enough hashes survive noise
// or partial occlusion for alignment voting to work downstream.
//
// Fewer than two peaks produce an empty result, not an error.
func GenerateHashes(peaks []Peak, cfg HashConfig) []Fingerprint {
	if len(peaks) < 2 || cfg.FanValue < 2 {
		return nil
	}

	ordered := make([]Peak, len(peaks))
	copy(ordered, peaks)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].TimeFrame < ordered[j].TimeFrame
	})

	var fps []Fingerprint
	for i, anchor := range ordered {
		for j := i + 1; j < i+cfg.FanValue && j < len(ordered); j++ {
			target := ordered[j]
			delta := target.TimeFrame - anchor.TimeFrame
			if delta <= cfg.MinDelta || delta >= cfg.MaxDelta {
				continue
			}
			fps = append(fps, Fingerprint{
				Hash:         hashPair(anchor.FreqBin, target.FreqBin, delta),
				AnchorOffset: anchor.TimeFrame,
			})
		}
	}
	return fps
}

// Extract runs peak extraction and hash generation in one step. It is a
// pure function of the grid and the two configs.
func Extract(grid [][]float64, pc PeakConfig, hc HashConfig) []Fingerprint {
	return GenerateHashes(ExtractPeaks(grid, pc), hc)
}

// hashPair digests the triple over a fixed-width big-endian encoding, so
// distinct triples can never share an encoding.
func hashPair(freqA, freqB, delta int) Hash {
	var buf [12]byte
	binary.BigEndian.PutUint32(buf[0:4], uint32(freqA))
	binary.BigEndian.PutUint32(buf[4:8], uint32(freqB))
	binary.BigEndian.PutUint32(buf[8:12], uint32(delta))
	return sha1.Sum(buf[:])
}
