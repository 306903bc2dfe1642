// Package storage persists the hash -> postings mapping and the song
// catalog. The Store contract is engine-agnostic: bulk transactional
// writes, batched multi-key lookup, and cascade delete can be served by an
// embedded relational engine (sqlite), an embedded key-value store
// (badger), or a client-server document store (mongo).
package storage

import (
	"context"

	"github.com/alizafarq/echosift/pkg/echosift/fingerprint"
	"github.com/alizafarq/echosift/pkg/echosift/model"
)

// LookupChunkSize caps how many hash keys a single underlying query may
// carry. Backends with a per-query variable limit split key sets into
// chunks of this size and merge the results; chunking never changes the
// result set.
const LookupChunkSize = 900

// Store is the persistence contract of the matching engine.
type Store interface {
	// RegisterSong inserts the song or, when its FileKey or SourceURL is
	// already present, returns the existing song's ID. Uniqueness races
	// resolve the same way: one insert wins, the rest observe it.
	RegisterSong(ctx context.Context, meta model.SongMeta) (string, error)

	// StoreFingerprints persists every posting of one song as a single
	// batch; readers never observe a partial batch. A song's postings are
	// written at most once: a second call for the same song, including a
	// concurrent one, is a no-op.
	StoreFingerprints(ctx context.Context, songID string, fps []fingerprint.Fingerprint) error

	// GetPostings returns every stored posting for the queried hashes,
	// grouped by hash. Hashes with no postings are simply absent.
	GetPostings(ctx context.Context, hashes []fingerprint.Hash) (map[fingerprint.Hash][]model.Posting, error)

	// DeleteSong removes the song and all of its postings.
	DeleteSong(ctx context.Context, songID string) error

	GetSongByID(ctx context.Context, songID string) (*model.Song, error)

	// ListSongs returns catalog entries, optionally filtered by exact
	// genre and by a substring search over title/artist/genre.
	ListSongs(ctx context.Context, genre, search string) ([]model.Song, error)

	// SongsByTitlePrefix returns songs whose normalized title starts with
	// the given prefix; the cheap first stage of duplicate detection.
	SongsByTitlePrefix(ctx context.Context, prefix string) ([]model.Song, error)

	// CountFingerprints reports how many postings a song has stored.
	CountFingerprints(ctx context.Context, songID string) (int64, error)

	Close() error
}
