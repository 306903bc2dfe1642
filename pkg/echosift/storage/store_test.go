package storage

import (
	"context"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/alizafarq/echosift/pkg/echosift/fingerprint"
	"github.com/alizafarq/echosift/pkg/echosift/model"
)

// testHash derives a distinct hash from n.
func testHash(n int) fingerprint.Hash {
	var h fingerprint.Hash
	binary.BigEndian.PutUint32(h[:4], uint32(n))
	return h
}

func testFps(n int) []fingerprint.Fingerprint {
	fps := make([]fingerprint.Fingerprint, n)
	for i := range fps {
		fps[i] = fingerprint.Fingerprint{Hash: testHash(i), AnchorOffset: i * 2}
	}
	return fps
}

func testMeta(key string) model.SongMeta {
	return model.SongMeta{
		Title:   "Mango Song",
		Artist:  "Artist A",
		Genre:   "Pop",
		FileKey: key,
	}
}

// runStoreSuite exercises the Store contract against any backend.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("RegisterSongIdempotentByFileKey", func(t *testing.T) {
		store := newStore(t)

		first, err := store.RegisterSong(ctx, testMeta("key-1"))
		if err != nil {
			t.Fatalf("RegisterSong: %v", err)
		}
		second, err := store.RegisterSong(ctx, testMeta("key-1"))
		if err != nil {
			t.Fatalf("RegisterSong again: %v", err)
		}
		if first != second {
			t.Errorf("same file key produced two songs: %s vs %s", first, second)
		}

		other, err := store.RegisterSong(ctx, testMeta("key-2"))
		if err != nil {
			t.Fatalf("RegisterSong other: %v", err)
		}
		if other == first {
			t.Error("distinct file keys shared a song ID")
		}
	})

	t.Run("RegisterSongIdempotentBySourceURL", func(t *testing.T) {
		store := newStore(t)

		meta := testMeta("key-a")
		meta.SourceURL = "https://example.com/watch?v=abc"
		first, err := store.RegisterSong(ctx, meta)
		if err != nil {
			t.Fatalf("RegisterSong: %v", err)
		}

		// Same URL under a different file key still resolves to the song.
		meta.FileKey = "key-b"
		second, err := store.RegisterSong(ctx, meta)
		if err != nil {
			t.Fatalf("RegisterSong again: %v", err)
		}
		if first != second {
			t.Errorf("same source URL produced two songs: %s vs %s", first, second)
		}
	})

	t.Run("EmptySourceURLsDoNotCollide", func(t *testing.T) {
		store := newStore(t)

		a, err := store.RegisterSong(ctx, testMeta("key-a"))
		if err != nil {
			t.Fatalf("RegisterSong: %v", err)
		}
		b, err := store.RegisterSong(ctx, testMeta("key-b"))
		if err != nil {
			t.Fatalf("RegisterSong: %v", err)
		}
		if a == b {
			t.Error("two songs without source URLs collided")
		}
	})

	t.Run("PostingsRoundtrip", func(t *testing.T) {
		store := newStore(t)

		songID, err := store.RegisterSong(ctx, testMeta("key-1"))
		if err != nil {
			t.Fatalf("RegisterSong: %v", err)
		}
		fps := testFps(20)
		if err := store.StoreFingerprints(ctx, songID, fps); err != nil {
			t.Fatalf("StoreFingerprints: %v", err)
		}

		hashes := make([]fingerprint.Hash, len(fps))
		for i, fp := range fps {
			hashes[i] = fp.Hash
		}
		found, err := store.GetPostings(ctx, hashes)
		if err != nil {
			t.Fatalf("GetPostings: %v", err)
		}
		if len(found) != len(fps) {
			t.Fatalf("got postings for %d hashes, want %d", len(found), len(fps))
		}
		for _, fp := range fps {
			ps := found[fp.Hash]
			if len(ps) != 1 {
				t.Fatalf("hash %x: %d postings, want 1", fp.Hash[:4], len(ps))
			}
			if ps[0].SongID != songID || ps[0].AnchorOffset != fp.AnchorOffset {
				t.Errorf("hash %x: posting %+v, want song %s offset %d",
					fp.Hash[:4], ps[0], songID, fp.AnchorOffset)
			}
		}

		count, err := store.CountFingerprints(ctx, songID)
		if err != nil {
			t.Fatalf("CountFingerprints: %v", err)
		}
		if count != int64(len(fps)) {
			t.Errorf("counted %d postings, want %d", count, len(fps))
		}
	})

	t.Run("SharedHashGroupsBySong", func(t *testing.T) {
		store := newStore(t)

		songA, _ := store.RegisterSong(ctx, testMeta("key-a"))
		songB, _ := store.RegisterSong(ctx, testMeta("key-b"))

		shared := testHash(7)
		if err := store.StoreFingerprints(ctx, songA, []fingerprint.Fingerprint{{Hash: shared, AnchorOffset: 10}}); err != nil {
			t.Fatalf("StoreFingerprints A: %v", err)
		}
		if err := store.StoreFingerprints(ctx, songB, []fingerprint.Fingerprint{{Hash: shared, AnchorOffset: 99}}); err != nil {
			t.Fatalf("StoreFingerprints B: %v", err)
		}

		found, err := store.GetPostings(ctx, []fingerprint.Hash{shared})
		if err != nil {
			t.Fatalf("GetPostings: %v", err)
		}
		if len(found[shared]) != 2 {
			t.Fatalf("shared hash: %d postings, want 2", len(found[shared]))
		}
		bySong := make(map[string]int)
		for _, p := range found[shared] {
			bySong[p.SongID] = p.AnchorOffset
		}
		if bySong[songA] != 10 || bySong[songB] != 99 {
			t.Errorf("postings misattributed: %+v", found[shared])
		}
	})

	t.Run("StoreFingerprintsWriteOnce", func(t *testing.T) {
		store := newStore(t)

		songID, err := store.RegisterSong(ctx, testMeta("key-1"))
		if err != nil {
			t.Fatalf("RegisterSong: %v", err)
		}
		if err := store.StoreFingerprints(ctx, songID, testFps(10)); err != nil {
			t.Fatalf("StoreFingerprints: %v", err)
		}
		// A second batch for the same song, larger and overlapping, must
		// be a no-op rather than double the posting set.
		if err := store.StoreFingerprints(ctx, songID, testFps(25)); err != nil {
			t.Fatalf("StoreFingerprints again: %v", err)
		}

		count, err := store.CountFingerprints(ctx, songID)
		if err != nil {
			t.Fatalf("CountFingerprints: %v", err)
		}
		if count != 10 {
			t.Errorf("counted %d postings after repeated store, want 10", count)
		}
		found, err := store.GetPostings(ctx, []fingerprint.Hash{testHash(0), testHash(20)})
		if err != nil {
			t.Fatalf("GetPostings: %v", err)
		}
		if len(found[testHash(0)]) != 1 {
			t.Errorf("first-batch hash: %d postings, want 1", len(found[testHash(0)]))
		}
		if len(found[testHash(20)]) != 0 {
			t.Errorf("second-batch hash leaked: %+v", found[testHash(20)])
		}
	})

	t.Run("DeleteThenReindexStoresFresh", func(t *testing.T) {
		store := newStore(t)

		songID, err := store.RegisterSong(ctx, testMeta("key-1"))
		if err != nil {
			t.Fatalf("RegisterSong: %v", err)
		}
		if err := store.StoreFingerprints(ctx, songID, testFps(5)); err != nil {
			t.Fatalf("StoreFingerprints: %v", err)
		}
		if err := store.DeleteSong(ctx, songID); err != nil {
			t.Fatalf("DeleteSong: %v", err)
		}

		// Deletion releases the write-once claim with the song.
		fresh, err := store.RegisterSong(ctx, testMeta("key-1"))
		if err != nil {
			t.Fatalf("RegisterSong after delete: %v", err)
		}
		if err := store.StoreFingerprints(ctx, fresh, testFps(8)); err != nil {
			t.Fatalf("StoreFingerprints after delete: %v", err)
		}
		if count, _ := store.CountFingerprints(ctx, fresh); count != 8 {
			t.Errorf("counted %d postings after re-index, want 8", count)
		}
	})

	t.Run("GetPostingsAbsentAndEmpty", func(t *testing.T) {
		store := newStore(t)

		found, err := store.GetPostings(ctx, nil)
		if err != nil {
			t.Fatalf("GetPostings(nil): %v", err)
		}
		if len(found) != 0 {
			t.Errorf("empty key set returned %d entries", len(found))
		}

		found, err = store.GetPostings(ctx, []fingerprint.Hash{testHash(12345)})
		if err != nil {
			t.Fatalf("GetPostings(absent): %v", err)
		}
		if len(found) != 0 {
			t.Errorf("absent hash returned %d entries", len(found))
		}
	})

	t.Run("ChunkedLookup", func(t *testing.T) {
		store := newStore(t)

		songID, err := store.RegisterSong(ctx, testMeta("key-1"))
		if err != nil {
			t.Fatalf("RegisterSong: %v", err)
		}
		// Well past one chunk, so the lookup must merge multiple queries.
		n := 2*LookupChunkSize + 200
		fps := testFps(n)
		if err := store.StoreFingerprints(ctx, songID, fps); err != nil {
			t.Fatalf("StoreFingerprints: %v", err)
		}

		hashes := make([]fingerprint.Hash, 0, n+10)
		for _, fp := range fps {
			hashes = append(hashes, fp.Hash)
		}
		for i := 0; i < 10; i++ {
			hashes = append(hashes, testHash(n+1000+i)) // absent
		}

		found, err := store.GetPostings(ctx, hashes)
		if err != nil {
			t.Fatalf("GetPostings: %v", err)
		}
		if len(found) != n {
			t.Fatalf("got %d hashes with postings, want %d", len(found), n)
		}
		for i := 0; i < n; i += 757 {
			ps := found[testHash(i)]
			if len(ps) != 1 || ps[0].AnchorOffset != i*2 {
				t.Errorf("hash %d: postings %+v", i, ps)
			}
		}
	})

	t.Run("DeleteSongCascades", func(t *testing.T) {
		store := newStore(t)

		keep, _ := store.RegisterSong(ctx, testMeta("key-keep"))
		drop, _ := store.RegisterSong(ctx, testMeta("key-drop"))
		if err := store.StoreFingerprints(ctx, keep, testFps(5)); err != nil {
			t.Fatalf("StoreFingerprints keep: %v", err)
		}
		dropFps := []fingerprint.Fingerprint{
			{Hash: testHash(100), AnchorOffset: 1},
			{Hash: testHash(101), AnchorOffset: 2},
		}
		if err := store.StoreFingerprints(ctx, drop, dropFps); err != nil {
			t.Fatalf("StoreFingerprints drop: %v", err)
		}

		if err := store.DeleteSong(ctx, drop); err != nil {
			t.Fatalf("DeleteSong: %v", err)
		}

		if _, err := store.GetSongByID(ctx, drop); !errors.Is(err, model.ErrSongNotFound) {
			t.Errorf("deleted song still resolvable: %v", err)
		}
		found, err := store.GetPostings(ctx, []fingerprint.Hash{testHash(100), testHash(101)})
		if err != nil {
			t.Fatalf("GetPostings: %v", err)
		}
		if len(found) != 0 {
			t.Errorf("postings survived the cascade: %+v", found)
		}
		count, err := store.CountFingerprints(ctx, drop)
		if err != nil {
			t.Fatalf("CountFingerprints: %v", err)
		}
		if count != 0 {
			t.Errorf("counted %d postings after delete", count)
		}

		// The other song is untouched.
		if _, err := store.GetSongByID(ctx, keep); err != nil {
			t.Errorf("unrelated song lost: %v", err)
		}
		if count, _ := store.CountFingerprints(ctx, keep); count != 5 {
			t.Errorf("unrelated song's postings changed: %d", count)
		}
	})

	t.Run("DeleteMissingSong", func(t *testing.T) {
		store := newStore(t)
		err := store.DeleteSong(ctx, "no-such-id")
		if !errors.Is(err, model.ErrSongNotFound) {
			t.Errorf("expected ErrSongNotFound, got %v", err)
		}
	})

	t.Run("GetSongByID", func(t *testing.T) {
		store := newStore(t)

		meta := testMeta("key-1")
		meta.SourceURL = "https://example.com/v"
		meta.Thumbnail = "https://example.com/t.jpg"
		songID, err := store.RegisterSong(ctx, meta)
		if err != nil {
			t.Fatalf("RegisterSong: %v", err)
		}

		song, err := store.GetSongByID(ctx, songID)
		if err != nil {
			t.Fatalf("GetSongByID: %v", err)
		}
		if song.ID != songID || song.Title != meta.Title || song.Artist != meta.Artist ||
			song.Genre != meta.Genre || song.SourceURL != meta.SourceURL ||
			song.Thumbnail != meta.Thumbnail || song.FileKey != meta.FileKey {
			t.Errorf("song fields lost in roundtrip: %+v", song)
		}

		if _, err := store.GetSongByID(ctx, "missing"); !errors.Is(err, model.ErrSongNotFound) {
			t.Errorf("expected ErrSongNotFound, got %v", err)
		}
	})

	t.Run("ListSongsFilters", func(t *testing.T) {
		store := newStore(t)

		pop := testMeta("key-pop")
		rock := model.SongMeta{Title: "Granite Anthem", Artist: "Artist B", Genre: "Rock", FileKey: "key-rock"}
		if _, err := store.RegisterSong(ctx, pop); err != nil {
			t.Fatalf("RegisterSong: %v", err)
		}
		if _, err := store.RegisterSong(ctx, rock); err != nil {
			t.Fatalf("RegisterSong: %v", err)
		}

		all, err := store.ListSongs(ctx, "", "")
		if err != nil {
			t.Fatalf("ListSongs: %v", err)
		}
		if len(all) != 2 {
			t.Errorf("listed %d songs, want 2", len(all))
		}

		if got, _ := store.ListSongs(ctx, "all", ""); len(got) != 2 {
			t.Errorf("genre \"all\" listed %d songs, want 2", len(got))
		}
		if got, _ := store.ListSongs(ctx, "rock", ""); len(got) != 1 || got[0].Title != "Granite Anthem" {
			t.Errorf("genre filter wrong: %+v", got)
		}
		if got, _ := store.ListSongs(ctx, "", "Mango"); len(got) != 1 || got[0].Title != "Mango Song" {
			t.Errorf("search filter wrong: %+v", got)
		}
		if got, _ := store.ListSongs(ctx, "", "Artist B"); len(got) != 1 || got[0].Artist != "Artist B" {
			t.Errorf("artist search wrong: %+v", got)
		}
	})

	t.Run("SongsByTitlePrefix", func(t *testing.T) {
		store := newStore(t)

		noisy := model.SongMeta{Title: "Mango Song (Official Video) [HD]", Artist: "Artist A", FileKey: "key-1"}
		other := model.SongMeta{Title: "Granite Anthem", Artist: "Artist B", FileKey: "key-2"}
		if _, err := store.RegisterSong(ctx, noisy); err != nil {
			t.Fatalf("RegisterSong: %v", err)
		}
		if _, err := store.RegisterSong(ctx, other); err != nil {
			t.Fatalf("RegisterSong: %v", err)
		}

		// The stored prefix key is the normalized title, annotations gone.
		got, err := store.SongsByTitlePrefix(ctx, "mango")
		if err != nil {
			t.Fatalf("SongsByTitlePrefix: %v", err)
		}
		if len(got) != 1 || got[0].Title != "Mango Song (Official Video) [HD]" {
			t.Errorf("prefix lookup wrong: %+v", got)
		}

		if got, _ := store.SongsByTitlePrefix(ctx, "zzz"); len(got) != 0 {
			t.Errorf("unmatched prefix returned %d songs", len(got))
		}
		if got, _ := store.SongsByTitlePrefix(ctx, ""); len(got) != 0 {
			t.Errorf("empty prefix returned %d songs", len(got))
		}
	})
}
