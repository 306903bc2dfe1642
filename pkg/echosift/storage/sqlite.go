package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/alizafarq/echosift/pkg/echosift/dedup"
	"github.com/alizafarq/echosift/pkg/echosift/fingerprint"
	"github.com/alizafarq/echosift/pkg/echosift/model"
)

// DefaultDBFile is used when no path is configured.
const DefaultDBFile = "echosift.sqlite3"

const insertBatchSize = 500

// songRow is the songs table. SourceURL is a pointer so absent URLs stay
// NULL and never collide on the unique index.
type songRow struct {
	ID        string  `gorm:"primaryKey;type:varchar(36)"`
	Title     string  `gorm:"index:idx_songs_meta,priority:1"`
	Artist    string  `gorm:"index:idx_songs_meta,priority:2"`
	Genre     string  `gorm:"index:idx_songs_genre"`
	SourceURL *string `gorm:"uniqueIndex:idx_songs_source_url"`
	Thumbnail string
	FileKey   string `gorm:"uniqueIndex:idx_songs_file_key"`
	NormTitle string `gorm:"index:idx_songs_norm_title"`
	// Indexed is the write-once posting flag; StoreFingerprints flips it
	// in the same transaction that inserts the postings.
	Indexed   bool
	CreatedAt time.Time
}

func (songRow) TableName() string { return "songs" }

// postingRow is the postings table: the inverted index from hash to
// (song, offset), indexed by hash for lookup and by song for cascade
// deletion.
type postingRow struct {
	ID           uint   `gorm:"primaryKey;autoIncrement"`
	Hash         []byte `gorm:"index:idx_postings_hash"`
	SongID       string `gorm:"type:varchar(36);index:idx_postings_song"`
	AnchorOffset int
}

func (postingRow) TableName() string { return "postings" }

// SQLiteStore is the primary Store backend: a single embedded file, pure
// Go driver, everything transactional.
type SQLiteStore struct {
	gdb *gorm.DB
	db  *sql.DB
}

// NewSQLiteStore opens (creating if needed) the database at path and
// migrates the schema.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		path = DefaultDBFile
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating db dir: %w", err)
		}
	}

	gdb, err := gorm.Open(sqlite.Open(path+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(10000)"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}

	db, err := gdb.DB()
	if err != nil {
		return nil, fmt.Errorf("getting sql.DB from gorm: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if err := gdb.AutoMigrate(&songRow{}, &postingRow{}); err != nil {
		db.Close()
		return nil, fmt.Errorf("auto migrate: %w", err)
	}

	return &SQLiteStore{gdb: gdb, db: db}, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// RegisterSong inserts the song, treating a uniqueness violation on
// FileKey or SourceURL as "already indexed": the existing row's ID is
// returned instead of an error. Concurrent inserts of the same content
// race on the unique index, so at most one row ever persists.
func (s *SQLiteStore) RegisterSong(ctx context.Context, meta model.SongMeta) (string, error) {
	tx := s.gdb.WithContext(ctx)

	if existing, err := s.findExisting(tx, meta); err != nil {
		return "", err
	} else if existing != "" {
		return existing, nil
	}

	row := songRow{
		ID:        uuid.NewString(),
		Title:     meta.Title,
		Artist:    meta.Artist,
		Genre:     meta.Genre,
		Thumbnail: meta.Thumbnail,
		FileKey:   meta.FileKey,
		NormTitle: strings.ToLower(dedup.CleanTitle(meta.Title)),
	}
	if meta.SourceURL != "" {
		u := meta.SourceURL
		row.SourceURL = &u
	}

	if err := tx.Create(&row).Error; err != nil {
		if isUniqueViolation(err) {
			// Lost the insert race; the winner's row is what we want.
			existing, ferr := s.findExisting(tx, meta)
			if ferr != nil {
				return "", fmt.Errorf("fetching song after constraint violation: %w", ferr)
			}
			if existing != "" {
				return existing, nil
			}
		}
		return "", fmt.Errorf("creating song: %w", err)
	}
	return row.ID, nil
}

func (s *SQLiteStore) findExisting(tx *gorm.DB, meta model.SongMeta) (string, error) {
	var row songRow
	q := tx.Where("file_key = ?", meta.FileKey)
	if meta.SourceURL != "" {
		q = q.Or("source_url = ?", meta.SourceURL)
	}
	err := q.First(&row).Error
	if err == nil {
		return row.ID, nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	return "", fmt.Errorf("querying existing song: %w", err)
}

func isUniqueViolation(err error) bool {
	return errors.Is(err, gorm.ErrDuplicatedKey) ||
		strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "constraint failed")
}

// StoreFingerprints bulk-inserts all postings of one song inside a single
// transaction, so a failed indexing run leaves no partial postings behind.
// The first statement flips the song's write-once flag, which takes the
// write lock up front: racing indexers of the same song serialize on that
// update, the loser observes the flag already set, and only one posting
// batch ever lands.
func (s *SQLiteStore) StoreFingerprints(ctx context.Context, songID string, fps []fingerprint.Fingerprint) error {
	rows := make([]postingRow, len(fps))
	for i, fp := range fps {
		h := make([]byte, fingerprint.HashSize)
		copy(h, fp.Hash[:])
		rows[i] = postingRow{Hash: h, SongID: songID, AnchorOffset: fp.AnchorOffset}
	}

	err := s.gdb.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&songRow{}).
			Where("id = ? AND indexed = ?", songID, false).
			Update("indexed", true)
		if res.Error != nil {
			return fmt.Errorf("claiming song: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			// Already written by an earlier or concurrent indexing run.
			return nil
		}
		return tx.CreateInBatches(rows, insertBatchSize).Error
	})
	if err != nil {
		return fmt.Errorf("batch insert postings: %w", err)
	}
	return nil
}

// GetPostings performs the batched multi-key lookup. SQLite caps bound
// variables per statement, so the key set is split into LookupChunkSize
// chunks and the chunk results merged; the outcome is identical to one
// unchunked query.
func (s *SQLiteStore) GetPostings(ctx context.Context, hashes []fingerprint.Hash) (map[fingerprint.Hash][]model.Posting, error) {
	result := make(map[fingerprint.Hash][]model.Posting)
	if len(hashes) == 0 {
		return result, nil
	}

	for start := 0; start < len(hashes); start += LookupChunkSize {
		end := start + LookupChunkSize
		if end > len(hashes) {
			end = len(hashes)
		}
		keys := make([][]byte, 0, end-start)
		for _, h := range hashes[start:end] {
			k := make([]byte, fingerprint.HashSize)
			copy(k, h[:])
			keys = append(keys, k)
		}

		var rows []postingRow
		if err := s.gdb.WithContext(ctx).Where("hash IN ?", keys).Find(&rows).Error; err != nil {
			return nil, fmt.Errorf("batch querying postings: %w", err)
		}
		for _, row := range rows {
			var h fingerprint.Hash
			copy(h[:], row.Hash)
			result[h] = append(result[h], model.Posting{
				SongID:       row.SongID,
				AnchorOffset: row.AnchorOffset,
			})
		}
	}
	return result, nil
}

// DeleteSong removes the song and its postings in one transaction, so a
// concurrent reader sees either the song with all postings or neither.
func (s *SQLiteStore) DeleteSong(ctx context.Context, songID string) error {
	return s.gdb.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("song_id = ?", songID).Delete(&postingRow{}).Error; err != nil {
			return fmt.Errorf("deleting postings: %w", err)
		}
		res := tx.Where("id = ?", songID).Delete(&songRow{})
		if res.Error != nil {
			return fmt.Errorf("deleting song: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return model.ErrSongNotFound
		}
		return nil
	})
}

func (s *SQLiteStore) GetSongByID(ctx context.Context, songID string) (*model.Song, error) {
	var row songRow
	err := s.gdb.WithContext(ctx).Where("id = ?", songID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, model.ErrSongNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying song: %w", err)
	}
	song := rowToSong(row)
	return &song, nil
}

func (s *SQLiteStore) ListSongs(ctx context.Context, genre, search string) ([]model.Song, error) {
	q := s.gdb.WithContext(ctx).Model(&songRow{})
	if genre != "" && !strings.EqualFold(genre, "all") {
		q = q.Where("LOWER(genre) = LOWER(?)", genre)
	}
	if search != "" {
		pattern := "%" + search + "%"
		q = q.Where("title LIKE ? OR artist LIKE ? OR genre LIKE ?", pattern, pattern, pattern)
	}

	var rows []songRow
	if err := q.Order("created_at").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("listing songs: %w", err)
	}
	songs := make([]model.Song, len(rows))
	for i, row := range rows {
		songs[i] = rowToSong(row)
	}
	return songs, nil
}

func (s *SQLiteStore) SongsByTitlePrefix(ctx context.Context, prefix string) ([]model.Song, error) {
	if prefix == "" {
		return nil, nil
	}
	var rows []songRow
	err := s.gdb.WithContext(ctx).
		Where("norm_title LIKE ?", strings.ToLower(prefix)+"%").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("querying title prefix: %w", err)
	}
	songs := make([]model.Song, len(rows))
	for i, row := range rows {
		songs[i] = rowToSong(row)
	}
	return songs, nil
}

func (s *SQLiteStore) CountFingerprints(ctx context.Context, songID string) (int64, error) {
	var count int64
	err := s.gdb.WithContext(ctx).Model(&postingRow{}).Where("song_id = ?", songID).Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("counting postings: %w", err)
	}
	return count, nil
}

func rowToSong(row songRow) model.Song {
	song := model.Song{
		ID:        row.ID,
		Title:     row.Title,
		Artist:    row.Artist,
		Genre:     row.Genre,
		Thumbnail: row.Thumbnail,
		FileKey:   row.FileKey,
	}
	if row.SourceURL != nil {
		song.SourceURL = *row.SourceURL
	}
	return song
}
