// Package echosift identifies songs from short audio samples by matching
// locally computed acoustic fingerprints against an indexed corpus. The
// engine is stateless compute over a shared fingerprint store: callers
// hand it a magnitude time-frequency grid (decoding audio is the
// collaborator's job) and get back fingerprints, indexing, recognition,
// and duplicate verdicts.
package echosift

import (
	"context"
	"fmt"

	"github.com/alizafarq/echosift/pkg/echosift/dedup"
	"github.com/alizafarq/echosift/pkg/echosift/fingerprint"
	"github.com/alizafarq/echosift/pkg/echosift/match"
	"github.com/alizafarq/echosift/pkg/echosift/model"
	"github.com/alizafarq/echosift/pkg/echosift/storage"
	"github.com/alizafarq/echosift/pkg/logger"
)

// Engine ties the fingerprinting, matching, and duplicate-detection
// components to one store. Safe for concurrent use.
type Engine struct {
	cfg      *Config
	store    storage.Store
	log      Logger
	resolver *match.Resolver
	detector *dedup.Detector
}

// New builds an Engine. Without WithStore, a sqlite store is opened at
// the configured (or ECHOSIFT_DB_PATH) location.
func New(opts ...Option) (*Engine, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.GetLogger()
	}

	store := cfg.Store
	if store == nil {
		var err error
		store, err = storage.NewSQLiteStore(cfg.DBPath)
		if err != nil {
			return nil, fmt.Errorf("opening store: %w", err)
		}
	}

	resolver := match.NewResolver(store, store)
	return &Engine{
		cfg:      cfg,
		store:    store,
		log:      cfg.Logger,
		resolver: resolver,
		detector: dedup.NewDetector(store, resolver, cfg.Title, cfg.Audio),
	}, nil
}

// ExtractFingerprints is a pure function of the grid and the engine's
// extraction parameters: no I/O, deterministic. A missing or empty grid is
// a precondition failure; a grid that simply yields no peaks or pairs
// returns an empty slice and no error, which downstream operations report
// as the distinct no-fingerprints condition.
func (e *Engine) ExtractFingerprints(grid [][]float64) ([]fingerprint.Fingerprint, error) {
	if len(grid) == 0 || len(grid[0]) == 0 {
		return nil, ErrAudioUnavailable
	}
	return fingerprint.Extract(grid, e.cfg.Peaks, e.cfg.Hashes), nil
}

// IndexSong registers the song and persists its postings. Indexing the
// same content twice (same FileKey or SourceURL) returns the existing ID
// and leaves the posting set untouched. When the posting batch fails the
// freshly registered song is rolled back so no empty song lingers.
func (e *Engine) IndexSong(ctx context.Context, meta model.SongMeta, fps []fingerprint.Fingerprint) (string, error) {
	if len(fps) == 0 {
		return "", ErrNoFingerprints
	}

	songID, err := e.store.RegisterSong(ctx, meta)
	if err != nil {
		return "", fmt.Errorf("registering song: %w", err)
	}

	existing, err := e.store.CountFingerprints(ctx, songID)
	if err != nil {
		return "", fmt.Errorf("checking existing postings: %w", err)
	}
	if existing > 0 {
		e.log.Debugf("song %s already indexed with %d postings", songID, existing)
		return songID, nil
	}

	if err := e.store.StoreFingerprints(ctx, songID, fps); err != nil {
		if delErr := e.store.DeleteSong(ctx, songID); delErr != nil {
			e.log.Warnf("rolling back song %s after failed posting insert: %v", songID, delErr)
		}
		return "", fmt.Errorf("storing postings: %w", err)
	}

	e.log.Infof("indexed %q by %q: %d fingerprints (song %s)", meta.Title, meta.Artist, len(fps), songID)
	return songID, nil
}

// Recognize matches the sample fingerprints against the catalog and
// returns ranked candidates. A result with MatchFound false is a
// successful query that found nothing; an empty fingerprint set is the
// distinct nothing-to-match failure.
func (e *Engine) Recognize(ctx context.Context, fps []fingerprint.Fingerprint) (*match.Result, error) {
	if len(fps) == 0 {
		return nil, ErrNoFingerprints
	}
	result, err := e.resolver.Resolve(ctx, fps, e.cfg.Resolve)
	if err != nil {
		return nil, fmt.Errorf("recognizing: %w", err)
	}
	if result.MatchFound {
		best := result.Matches[0]
		e.log.Debugf("best match %q (%.1f%%, %d/%d aligned)",
			best.Song.Title, best.Confidence, best.MatchedCount, best.TotalQueryFingerprints)
	}
	return result, nil
}

// CheckDuplicate combines the title-similarity and fingerprint-overlap
// signals; fps may be empty to check by title alone. Advisory: callers
// decide whether a flagged candidate is skipped or indexed anyway.
func (e *Engine) CheckDuplicate(ctx context.Context, title, artist string, fps []fingerprint.Fingerprint) (*dedup.Verdict, error) {
	verdict, err := e.detector.Check(ctx, title, artist, fps)
	if err != nil {
		return nil, fmt.Errorf("checking duplicate: %w", err)
	}
	return verdict, nil
}

// DeleteSong removes the song and cascades to all of its postings.
func (e *Engine) DeleteSong(ctx context.Context, songID string) error {
	if err := e.store.DeleteSong(ctx, songID); err != nil {
		return fmt.Errorf("deleting song %s: %w", songID, err)
	}
	e.log.Infof("deleted song %s", songID)
	return nil
}

func (e *Engine) GetSongByID(ctx context.Context, songID string) (*model.Song, error) {
	return e.store.GetSongByID(ctx, songID)
}

// ListSongs lists catalog entries, optionally filtered by genre and a
// title/artist/genre substring search.
func (e *Engine) ListSongs(ctx context.Context, genre, search string) ([]model.Song, error) {
	return e.store.ListSongs(ctx, genre, search)
}

// Close releases the underlying store.
func (e *Engine) Close() error {
	return e.store.Close()
}
