package model

import "errors"

// ErrSongNotFound is returned by store lookups for an unknown song ID.
var ErrSongNotFound = errors.New("song not found")

// SongMeta is the metadata supplied by the ingestion side when a new track
// is indexed. FileKey is a content hash of the source file and, together
// with SourceURL, makes indexing idempotent.
type SongMeta struct {
	Title     string
	Artist    string
	Genre     string
	SourceURL string // unique when present, may be empty
	Thumbnail string
	FileKey   string // content fingerprint key, unique
}

// Song is a catalog entry.
type Song struct {
	ID        string // UUID
	Title     string
	Artist    string
	Genre     string
	SourceURL string
	Thumbnail string
	FileKey   string
}

// Posting is the stored form of a fingerprint: one (song, anchor offset)
// occurrence of a hash. The store keeps a posting list per hash.
type Posting struct {
	SongID       string
	AnchorOffset int // time frame of the anchor peak in the stored track
}
