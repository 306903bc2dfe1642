package storage

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dgraph-io/badger/v3"
	"github.com/google/uuid"

	"github.com/alizafarq/echosift/pkg/echosift/dedup"
	"github.com/alizafarq/echosift/pkg/echosift/fingerprint"
	"github.com/alizafarq/echosift/pkg/echosift/model"
)

// BadgerStore is an embedded key-value Store backend. Layout:
//
//	's' + songID                     -> JSON song record
//	'k' + fileKey                    -> songID (uniqueness index)
//	'u' + sourceURL                  -> songID (uniqueness index)
//	'f' + songID                     -> nil (write-once posting claim)
//	'p' + hash + songID + seq        -> anchor offset (posting)
//	'q' + songID + hash + seq        -> nil (per-song posting index,
//	                                    drives cascade deletion)
//
// Hash keys are the raw 20 digest bytes and song IDs the 36-byte UUID
// text, so every component sits at a fixed offset and postings for one
// hash are a single prefix scan. No chunking is needed: per-key prefix
// iteration is already equivalent to an unchunked multi-key query.
type BadgerStore struct {
	db *badger.DB
}

const (
	songIDLen     = 36
	registerRetry = 5
)

// NewBadgerStore opens (creating if needed) a badger database at dir.
func NewBadgerStore(dir string) (*BadgerStore, error) {
	db, err := badger.Open(badger.DefaultOptions(dir).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("opening badger db: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func songKey(id string) []byte   { return append([]byte{'s'}, id...) }
func fileKeyKey(k string) []byte { return append([]byte{'k'}, k...) }
func urlKey(u string) []byte     { return append([]byte{'u'}, u...) }
func claimKey(id string) []byte  { return append([]byte{'f'}, id...) }

func postingKey(h fingerprint.Hash, songID string, seq uint32) []byte {
	key := make([]byte, 0, 1+fingerprint.HashSize+songIDLen+4)
	key = append(key, 'p')
	key = append(key, h[:]...)
	key = append(key, songID...)
	key = binary.BigEndian.AppendUint32(key, seq)
	return key
}

func songIndexKey(songID string, h fingerprint.Hash, seq uint32) []byte {
	key := make([]byte, 0, 1+songIDLen+fingerprint.HashSize+4)
	key = append(key, 'q')
	key = append(key, songID...)
	key = append(key, h[:]...)
	key = binary.BigEndian.AppendUint32(key, seq)
	return key
}

// RegisterSong checks both uniqueness indexes and either returns the
// already-registered ID or writes the song plus its index keys in one
// transaction. Badger aborts conflicting concurrent transactions, so a
// same-content race resolves by retrying and finding the winner's entry.
func (s *BadgerStore) RegisterSong(ctx context.Context, meta model.SongMeta) (string, error) {
	var songID string
	for attempt := 0; attempt < registerRetry; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		err := s.db.Update(func(txn *badger.Txn) error {
			if id, err := lookupID(txn, fileKeyKey(meta.FileKey)); err != nil {
				return err
			} else if id != "" {
				songID = id
				return nil
			}
			if meta.SourceURL != "" {
				if id, err := lookupID(txn, urlKey(meta.SourceURL)); err != nil {
					return err
				} else if id != "" {
					songID = id
					return nil
				}
			}

			songID = uuid.NewString()
			song := model.Song{
				ID:        songID,
				Title:     meta.Title,
				Artist:    meta.Artist,
				Genre:     meta.Genre,
				SourceURL: meta.SourceURL,
				Thumbnail: meta.Thumbnail,
				FileKey:   meta.FileKey,
			}
			raw, err := json.Marshal(songRecord{Song: song, NormTitle: strings.ToLower(dedup.CleanTitle(meta.Title))})
			if err != nil {
				return fmt.Errorf("encoding song: %w", err)
			}
			if err := txn.Set(songKey(songID), raw); err != nil {
				return err
			}
			if err := txn.Set(fileKeyKey(meta.FileKey), []byte(songID)); err != nil {
				return err
			}
			if meta.SourceURL != "" {
				if err := txn.Set(urlKey(meta.SourceURL), []byte(songID)); err != nil {
					return err
				}
			}
			return nil
		})
		if err == nil {
			return songID, nil
		}
		if err != badger.ErrConflict {
			return "", fmt.Errorf("registering song: %w", err)
		}
	}
	return "", fmt.Errorf("registering song: %w", badger.ErrConflict)
}

// songRecord is the stored JSON form; NormTitle feeds SongsByTitlePrefix.
type songRecord struct {
	model.Song
	NormTitle string `json:"norm_title"`
}

func lookupID(txn *badger.Txn, key []byte) (string, error) {
	item, err := txn.Get(key)
	if err == badger.ErrKeyNotFound {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	var id string
	err = item.Value(func(val []byte) error {
		id = string(val)
		return nil
	})
	return id, err
}

// StoreFingerprints writes one posting plus one cascade-index entry per
// fingerprint. A write-once claim key is committed first: racing indexers
// of the same song conflict on it, the loser treats the claim as taken,
// and only one posting batch ever lands. Batches beyond badger's
// transaction ceiling then commit in segments (the documented ErrTxnTooBig
// pattern); the engine compensates a mid-batch failure by deleting the
// song, and a song with a partial batch only ever under-counts votes, it
// never fabricates matches.
func (s *BadgerStore) StoreFingerprints(ctx context.Context, songID string, fps []fingerprint.Fingerprint) error {
	claimed := false
	err := s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(claimKey(songID))
		if err == nil {
			return nil
		}
		if err != badger.ErrKeyNotFound {
			return err
		}
		claimed = true
		return txn.Set(claimKey(songID), nil)
	})
	if err == badger.ErrConflict {
		// A concurrent indexer claimed the song first.
		return nil
	}
	if err != nil {
		return fmt.Errorf("claiming song: %w", err)
	}
	if !claimed {
		return nil
	}

	txn := s.db.NewTransaction(true)
	defer func() { txn.Discard() }()

	setEntry := func(key, val []byte) error {
		if err := txn.Set(key, val); err == badger.ErrTxnTooBig {
			if err := txn.Commit(); err != nil {
				return err
			}
			txn = s.db.NewTransaction(true)
			return txn.Set(key, val)
		} else if err != nil {
			return err
		}
		return nil
	}

	for i, fp := range fps {
		if err := ctx.Err(); err != nil {
			return err
		}
		seq := uint32(i)
		val := binary.BigEndian.AppendUint32(nil, uint32(fp.AnchorOffset))
		if err := setEntry(postingKey(fp.Hash, songID, seq), val); err != nil {
			return fmt.Errorf("writing posting: %w", err)
		}
		if err := setEntry(songIndexKey(songID, fp.Hash, seq), nil); err != nil {
			return fmt.Errorf("writing posting index: %w", err)
		}
	}
	if err := txn.Commit(); err != nil {
		return fmt.Errorf("committing postings: %w", err)
	}
	return nil
}

// GetPostings scans the posting prefix of every queried hash.
func (s *BadgerStore) GetPostings(ctx context.Context, hashes []fingerprint.Hash) (map[fingerprint.Hash][]model.Posting, error) {
	result := make(map[fingerprint.Hash][]model.Posting)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()

		for _, h := range hashes {
			if err := ctx.Err(); err != nil {
				return err
			}
			prefix := append([]byte{'p'}, h[:]...)
			for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
				item := it.Item()
				key := item.Key()
				if len(key) != 1+fingerprint.HashSize+songIDLen+4 {
					continue
				}
				songID := string(key[1+fingerprint.HashSize : 1+fingerprint.HashSize+songIDLen])
				var offset uint32
				if err := item.Value(func(val []byte) error {
					if len(val) != 4 {
						return fmt.Errorf("malformed posting value for %x", key)
					}
					offset = binary.BigEndian.Uint32(val)
					return nil
				}); err != nil {
					return err
				}
				result[h] = append(result[h], model.Posting{
					SongID:       songID,
					AnchorOffset: int(offset),
				})
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning postings: %w", err)
	}
	return result, nil
}

// DeleteSong drops the song record and its uniqueness keys first, so
// readers stop resolving the song immediately, then removes the posting
// keys found through the per-song index. Orphaned postings of a
// half-deleted song can no longer surface as candidates because the song
// lookup fails.
func (s *BadgerStore) DeleteSong(ctx context.Context, songID string) error {
	rec, err := s.getRecord(songID)
	if err != nil {
		return err
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete(songKey(songID)); err != nil {
			return err
		}
		if err := txn.Delete(fileKeyKey(rec.FileKey)); err != nil {
			return err
		}
		if err := txn.Delete(claimKey(songID)); err != nil {
			return err
		}
		if rec.SourceURL != "" {
			if err := txn.Delete(urlKey(rec.SourceURL)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("deleting song record: %w", err)
	}

	// Collect the posting keys, then delete in segments.
	var keys [][]byte
	indexPrefix := append([]byte{'q'}, songID...)
	err = s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(indexPrefix); it.ValidForPrefix(indexPrefix); it.Next() {
			key := it.Item().KeyCopy(nil)
			if len(key) != 1+songIDLen+fingerprint.HashSize+4 {
				continue
			}
			var h fingerprint.Hash
			copy(h[:], key[1+songIDLen:1+songIDLen+fingerprint.HashSize])
			seq := binary.BigEndian.Uint32(key[len(key)-4:])
			keys = append(keys, postingKey(h, songID, seq), key)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("collecting posting keys: %w", err)
	}

	txn := s.db.NewTransaction(true)
	defer func() { txn.Discard() }()
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := txn.Delete(key); err == badger.ErrTxnTooBig {
			if err := txn.Commit(); err != nil {
				return fmt.Errorf("deleting postings: %w", err)
			}
			txn = s.db.NewTransaction(true)
			if err := txn.Delete(key); err != nil {
				return fmt.Errorf("deleting postings: %w", err)
			}
		} else if err != nil {
			return fmt.Errorf("deleting postings: %w", err)
		}
	}
	if err := txn.Commit(); err != nil {
		return fmt.Errorf("deleting postings: %w", err)
	}
	return nil
}

func (s *BadgerStore) getRecord(songID string) (*songRecord, error) {
	var rec songRecord
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(songKey(songID))
		if err == badger.ErrKeyNotFound {
			return model.ErrSongNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	if err != nil {
		if err == model.ErrSongNotFound {
			return nil, err
		}
		return nil, fmt.Errorf("reading song: %w", err)
	}
	return &rec, nil
}

func (s *BadgerStore) GetSongByID(ctx context.Context, songID string) (*model.Song, error) {
	rec, err := s.getRecord(songID)
	if err != nil {
		return nil, err
	}
	song := rec.Song
	return &song, nil
}

// ListSongs scans the song prefix and filters in memory; badger keeps no
// secondary indexes over record fields.
func (s *BadgerStore) ListSongs(ctx context.Context, genre, search string) ([]model.Song, error) {
	var songs []model.Song
	err := s.scanSongs(func(rec songRecord) {
		if genre != "" && !strings.EqualFold(genre, "all") && !strings.EqualFold(rec.Genre, genre) {
			return
		}
		if search != "" {
			needle := strings.ToLower(search)
			if !strings.Contains(strings.ToLower(rec.Title), needle) &&
				!strings.Contains(strings.ToLower(rec.Artist), needle) &&
				!strings.Contains(strings.ToLower(rec.Genre), needle) {
				return
			}
		}
		songs = append(songs, rec.Song)
	})
	return songs, err
}

func (s *BadgerStore) SongsByTitlePrefix(ctx context.Context, prefix string) ([]model.Song, error) {
	if prefix == "" {
		return nil, nil
	}
	prefix = strings.ToLower(prefix)
	var songs []model.Song
	err := s.scanSongs(func(rec songRecord) {
		if strings.HasPrefix(rec.NormTitle, prefix) {
			songs = append(songs, rec.Song)
		}
	})
	return songs, err
}

func (s *BadgerStore) scanSongs(visit func(songRecord)) error {
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()
		prefix := []byte{'s'}
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var rec songRecord
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return err
			}
			visit(rec)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("scanning songs: %w", err)
	}
	return nil
}

func (s *BadgerStore) CountFingerprints(ctx context.Context, songID string) (int64, error) {
	var count int64
	indexPrefix := append([]byte{'q'}, songID...)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(indexPrefix); it.ValidForPrefix(indexPrefix); it.Next() {
			count++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("counting postings: %w", err)
	}
	return count, nil
}
