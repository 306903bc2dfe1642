package storage

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/alizafarq/echosift/pkg/echosift/dedup"
	"github.com/alizafarq/echosift/pkg/echosift/fingerprint"
	"github.com/alizafarq/echosift/pkg/echosift/model"
)

// MongoStore is a client-server Store backend for deployments where the
// catalog outgrows a single embedded file. Postings are inserted before
// anything can reference them and the song document is what makes a
// candidate resolvable, so readers never act on a half-written song:
// postings without a resolvable song are dropped during scoring.
type MongoStore struct {
	client   *mongo.Client
	songs    *mongo.Collection
	postings *mongo.Collection
}

type mongoSong struct {
	ID        string `bson:"_id"`
	Title     string `bson:"title"`
	Artist    string `bson:"artist"`
	Genre     string `bson:"genre"`
	SourceURL string `bson:"source_url,omitempty"`
	Thumbnail string `bson:"thumbnail"`
	FileKey   string `bson:"file_key"`
	NormTitle string `bson:"norm_title"`
	// Indexed is the write-once posting claim; StoreFingerprints flips it
	// with an atomic single-document update before inserting postings.
	Indexed   bool   `bson:"indexed"`
}

type mongoPosting struct {
	Hash         primitive.Binary `bson:"hash"`
	SongID       string           `bson:"song_id"`
	AnchorOffset int              `bson:"anchor_offset"`
}

// NewMongoStore connects to uri and prepares collections and indexes in
// the given database.
func NewMongoStore(ctx context.Context, uri, database string) (*MongoStore, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connecting to mongo: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("pinging mongo: %w", err)
	}

	db := client.Database(database)
	s := &MongoStore{
		client:   client,
		songs:    db.Collection("songs"),
		postings: db.Collection("postings"),
	}
	if err := s.ensureIndexes(ctx); err != nil {
		client.Disconnect(context.Background())
		return nil, err
	}
	return s, nil
}

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	_, err := s.songs.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "file_key", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "source_url", Value: 1}},
			// Sparse: absent URLs must not collide on the unique index.
			Options: options.Index().SetUnique(true).SetSparse(true),
		},
		{Keys: bson.D{{Key: "norm_title", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("creating song indexes: %w", err)
	}
	_, err = s.postings.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "hash", Value: 1}}},
		{Keys: bson.D{{Key: "song_id", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("creating posting indexes: %w", err)
	}
	return nil
}

func (s *MongoStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

// RegisterSong inserts the song document; a duplicate-key error on either
// uniqueness index means the content is already registered, and the
// existing document's ID is returned instead.
func (s *MongoStore) RegisterSong(ctx context.Context, meta model.SongMeta) (string, error) {
	if id, err := s.findExisting(ctx, meta); err != nil {
		return "", err
	} else if id != "" {
		return id, nil
	}

	doc := mongoSong{
		ID:        uuid.NewString(),
		Title:     meta.Title,
		Artist:    meta.Artist,
		Genre:     meta.Genre,
		SourceURL: meta.SourceURL,
		Thumbnail: meta.Thumbnail,
		FileKey:   meta.FileKey,
		NormTitle: strings.ToLower(dedup.CleanTitle(meta.Title)),
	}
	if _, err := s.songs.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			id, ferr := s.findExisting(ctx, meta)
			if ferr != nil {
				return "", fmt.Errorf("fetching song after duplicate key: %w", ferr)
			}
			if id != "" {
				return id, nil
			}
		}
		return "", fmt.Errorf("creating song: %w", err)
	}
	return doc.ID, nil
}

func (s *MongoStore) findExisting(ctx context.Context, meta model.SongMeta) (string, error) {
	filters := bson.A{bson.M{"file_key": meta.FileKey}}
	if meta.SourceURL != "" {
		filters = append(filters, bson.M{"source_url": meta.SourceURL})
	}
	var doc mongoSong
	err := s.songs.FindOne(ctx, bson.M{"$or": filters}).Decode(&doc)
	if err == nil {
		return doc.ID, nil
	}
	if errors.Is(err, mongo.ErrNoDocuments) {
		return "", nil
	}
	return "", fmt.Errorf("querying existing song: %w", err)
}

// StoreFingerprints inserts every posting in one ordered InsertMany. The
// song document's write-once claim is taken first via an atomic update, so
// racing indexers of the same song resolve to a single posting batch: the
// loser's update matches nothing and it writes nothing.
func (s *MongoStore) StoreFingerprints(ctx context.Context, songID string, fps []fingerprint.Fingerprint) error {
	res, err := s.songs.UpdateOne(ctx,
		bson.M{"_id": songID, "indexed": bson.M{"$ne": true}},
		bson.M{"$set": bson.M{"indexed": true}})
	if err != nil {
		return fmt.Errorf("claiming song: %w", err)
	}
	if res.ModifiedCount == 0 {
		// Already written by an earlier or concurrent indexing run.
		return nil
	}

	docs := make([]interface{}, len(fps))
	for i, fp := range fps {
		h := make([]byte, fingerprint.HashSize)
		copy(h, fp.Hash[:])
		docs[i] = mongoPosting{
			Hash:         primitive.Binary{Data: h},
			SongID:       songID,
			AnchorOffset: fp.AnchorOffset,
		}
	}
	if _, err := s.postings.InsertMany(ctx, docs, options.InsertMany().SetOrdered(true)); err != nil {
		return fmt.Errorf("batch insert postings: %w", err)
	}
	return nil
}

// GetPostings runs $in queries over the hash index. Mongo has no hard
// variable cap, but the key set is chunked at LookupChunkSize anyway so
// a pathologically large query cannot exceed the server's document size
// limit; the merged result is identical to an unchunked query.
func (s *MongoStore) GetPostings(ctx context.Context, hashes []fingerprint.Hash) (map[fingerprint.Hash][]model.Posting, error) {
	result := make(map[fingerprint.Hash][]model.Posting)
	for start := 0; start < len(hashes); start += LookupChunkSize {
		end := start + LookupChunkSize
		if end > len(hashes) {
			end = len(hashes)
		}
		keys := make(bson.A, 0, end-start)
		for _, h := range hashes[start:end] {
			k := make([]byte, fingerprint.HashSize)
			copy(k, h[:])
			keys = append(keys, primitive.Binary{Data: k})
		}

		cur, err := s.postings.Find(ctx, bson.M{"hash": bson.M{"$in": keys}})
		if err != nil {
			return nil, fmt.Errorf("batch querying postings: %w", err)
		}
		for cur.Next(ctx) {
			var doc mongoPosting
			if err := cur.Decode(&doc); err != nil {
				cur.Close(ctx)
				return nil, fmt.Errorf("decoding posting: %w", err)
			}
			var h fingerprint.Hash
			copy(h[:], doc.Hash.Data)
			result[h] = append(result[h], model.Posting{
				SongID:       doc.SongID,
				AnchorOffset: doc.AnchorOffset,
			})
		}
		if err := cur.Err(); err != nil {
			cur.Close(ctx)
			return nil, fmt.Errorf("iterating postings: %w", err)
		}
		cur.Close(ctx)
	}
	return result, nil
}

// DeleteSong removes the song document first, then its postings. Once the
// document is gone the song cannot surface as a candidate, so readers see
// either the full song or nothing even though the two deletes are not one
// transaction on standalone deployments.
func (s *MongoStore) DeleteSong(ctx context.Context, songID string) error {
	res, err := s.songs.DeleteOne(ctx, bson.M{"_id": songID})
	if err != nil {
		return fmt.Errorf("deleting song: %w", err)
	}
	if res.DeletedCount == 0 {
		return model.ErrSongNotFound
	}
	if _, err := s.postings.DeleteMany(ctx, bson.M{"song_id": songID}); err != nil {
		return fmt.Errorf("deleting postings: %w", err)
	}
	return nil
}

func (s *MongoStore) GetSongByID(ctx context.Context, songID string) (*model.Song, error) {
	var doc mongoSong
	err := s.songs.FindOne(ctx, bson.M{"_id": songID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, model.ErrSongNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying song: %w", err)
	}
	song := docToSong(doc)
	return &song, nil
}

func (s *MongoStore) ListSongs(ctx context.Context, genre, search string) ([]model.Song, error) {
	filter := bson.M{}
	if genre != "" && !strings.EqualFold(genre, "all") {
		filter["genre"] = bson.M{"$regex": "^" + regexp.QuoteMeta(genre) + "$", "$options": "i"}
	}
	if search != "" {
		pattern := regexp.QuoteMeta(search)
		filter["$or"] = bson.A{
			bson.M{"title": bson.M{"$regex": pattern, "$options": "i"}},
			bson.M{"artist": bson.M{"$regex": pattern, "$options": "i"}},
			bson.M{"genre": bson.M{"$regex": pattern, "$options": "i"}},
		}
	}
	return s.findSongs(ctx, filter)
}

func (s *MongoStore) SongsByTitlePrefix(ctx context.Context, prefix string) ([]model.Song, error) {
	if prefix == "" {
		return nil, nil
	}
	filter := bson.M{"norm_title": bson.M{"$regex": "^" + regexp.QuoteMeta(strings.ToLower(prefix))}}
	return s.findSongs(ctx, filter)
}

func (s *MongoStore) findSongs(ctx context.Context, filter bson.M) ([]model.Song, error) {
	cur, err := s.songs.Find(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("listing songs: %w", err)
	}
	defer cur.Close(ctx)

	var songs []model.Song
	for cur.Next(ctx) {
		var doc mongoSong
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decoding song: %w", err)
		}
		songs = append(songs, docToSong(doc))
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("iterating songs: %w", err)
	}
	return songs, nil
}

func (s *MongoStore) CountFingerprints(ctx context.Context, songID string) (int64, error) {
	count, err := s.postings.CountDocuments(ctx, bson.M{"song_id": songID})
	if err != nil {
		return 0, fmt.Errorf("counting postings: %w", err)
	}
	return count, nil
}

func docToSong(doc mongoSong) model.Song {
	return model.Song{
		ID:        doc.ID,
		Title:     doc.Title,
		Artist:    doc.Artist,
		Genre:     doc.Genre,
		SourceURL: doc.SourceURL,
		Thumbnail: doc.Thumbnail,
		FileKey:   doc.FileKey,
	}
}
