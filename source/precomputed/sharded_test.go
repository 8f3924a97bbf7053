package precomputed

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/janelia-flyem/ngstream/fetch"
	"github.com/janelia-flyem/ngstream/ngstream"
	"github.com/janelia-flyem/ngstream/source"
)

func shardedInfo(indexEncoding, dataEncoding string) string {
	return fmt.Sprintf(`{
		"@type": "neuroglancer_multiscale_volume",
		"type": "image",
		"data_type": "uint8",
		"num_channels": 1,
		"scales": [
			{
				"key": "8nm",
				"resolution": [8, 8, 8],
				"voxel_offset": [0, 0, 0],
				"size": [16, 16, 16],
				"chunk_sizes": [[8, 8, 8]],
				"encoding": "raw",
				"sharding": {
					"@type": "neuroglancer_uint64_sharded_v1",
					"hash": "identity",
					"minishard_bits": 0,
					"preshift_bits": 0,
					"shard_bits": 0,
					"minishard_index_encoding": %q,
					"data_encoding": %q
				}
			}
		]
	}`, indexEncoding, dataEncoding)
}

func gzipBytes(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		t.Fatalf("gzip write failed: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("gzip close failed: %v", err)
	}
	return buf.Bytes()
}

// buildShard lays out a one-minishard shard file holding a single chunk:
// [0,16) shard index, [16,16+len(chunk)) chunk data, then the minishard
// index (one 24-byte entry).  Offsets in both indexes are relative to the
// shard index end, per the sharded format.
func buildShard(chunk, minishardIndexEncoded []byte) []byte {
	var file bytes.Buffer
	var idx [16]byte
	binary.LittleEndian.PutUint64(idx[0:8], uint64(len(chunk)))
	binary.LittleEndian.PutUint64(idx[8:16], uint64(len(chunk)+len(minishardIndexEncoded)))
	file.Write(idx[:])
	file.Write(chunk)
	file.Write(minishardIndexEncoded)
	return file.Bytes()
}

func buildMinishardIndex(chunkID uint64, chunkSize uint64) []byte {
	idx := make([]byte, 24)
	binary.LittleEndian.PutUint64(idx[0:8], chunkID)   // id delta (first entry)
	binary.LittleEndian.PutUint64(idx[8:16], 0)        // offset delta
	binary.LittleEndian.PutUint64(idx[16:24], chunkSize)
	return idx
}

// rangeHandler serves byte ranges of named objects, as a shard-hosting
// server would.
func rangeHandler(t *testing.T, objects map[string][]byte) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data, found := objects[r.URL.Path]
		if !found {
			http.NotFound(w, r)
			return
		}
		rangeHdr := r.Header.Get("Range")
		if rangeHdr == "" {
			w.Write(data)
			return
		}
		var beg, end int
		if _, err := fmt.Sscanf(rangeHdr, "bytes=%d-%d", &beg, &end); err != nil {
			t.Errorf("bad range header %q: %v", rangeHdr, err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if end >= len(data) {
			end = len(data) - 1
		}
		w.WriteHeader(http.StatusPartialContent)
		w.Write(data[beg : end+1])
	}
}

func TestMortonCode(t *testing.T) {
	vol, err := parseInfo([]byte(shardedInfo("raw", "raw")))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	src, err := newShardedSource(0, []string{"http://unused"}, vol, &vol.Scales[0],
		ngstream.Point3d{8, 8, 8}, fetch.NewFetcher(time.Second))
	if err != nil {
		t.Fatalf("source construction failed: %v", err)
	}

	// 16^3 volume with 8^3 chunks: a 2x2x2 grid, one bit per dimension.
	tests := []struct {
		chunk ngstream.ChunkPoint3d
		code  uint64
	}{
		{ngstream.ChunkPoint3d{0, 0, 0}, 0},
		{ngstream.ChunkPoint3d{1, 0, 0}, 1},
		{ngstream.ChunkPoint3d{0, 1, 0}, 2},
		{ngstream.ChunkPoint3d{0, 0, 1}, 4},
		{ngstream.ChunkPoint3d{1, 1, 1}, 7},
	}
	for _, test := range tests {
		if got := src.mortonCode(test.chunk); got != test.code {
			t.Errorf("morton code of %s = %x, expected %x", test.chunk, got, test.code)
		}
	}

	// One shard, one minishard: every chunk maps to the same file.
	if path := src.ComputePath(ngstream.ChunkPoint3d{1, 1, 1}, ngstream.Point3d{8, 8, 8}); path != "8nm/0.shard" {
		t.Errorf("shard path = %q", path)
	}
}

func TestShardedFetch(t *testing.T) {
	for _, encodings := range []struct {
		index, data string
	}{
		{"raw", "raw"},
		{"gzip", "raw"},
		{"gzip", "gzip"},
	} {
		name := fmt.Sprintf("index=%s,data=%s", encodings.index, encodings.data)
		chunk := make([]byte, 8*8*8)
		for i := range chunk {
			chunk[i] = byte(i)
		}
		chunkPos := ngstream.ChunkPoint3d{1, 1, 1}
		const chunkID = 7 // morton code of (1,1,1) on a 2x2x2 grid

		stored := chunk
		if encodings.data == "gzip" {
			stored = gzipBytes(t, chunk)
		}
		rawIdx := buildMinishardIndex(chunkID, uint64(len(stored)))
		encIdx := rawIdx
		if encodings.index == "gzip" {
			encIdx = gzipBytes(t, rawIdx)
		}
		shardFile := buildShard(stored, encIdx)

		ts := httptest.NewServer(rangeHandler(t, map[string][]byte{
			"/shards/8nm/0.shard": shardFile,
			"/shards/info":        []byte(shardedInfo(encodings.index, encodings.data)),
		}))

		v, err := Open(context.Background(),
			source.Spec{Mirrors: []string{ts.URL + "/shards"}}, testDeps())
		if err != nil {
			t.Fatalf("%s: open failed: %v", name, err)
		}
		src := v.Sources()[0][0]

		payload, err := source.Download(context.Background(), src, chunkPos)
		if err != nil {
			t.Fatalf("%s: sharded download failed: %v", name, err)
		}
		if !bytes.Equal(payload.Voxels, chunk) {
			t.Errorf("%s: decoded chunk differs from stored chunk", name)
		}

		// A grid position absent from the minishard map is not found.
		if _, err := src.FetchRaw(context.Background(), ngstream.ChunkPoint3d{0, 0, 0}); !errors.Is(err, fetch.ErrNotFound) {
			t.Errorf("%s: missing chunk gave %v, expected ErrNotFound", name, err)
		}
		ts.Close()
	}
}

// TestShardedFetchAuthenticated checks that shard index and data reads of a
// credentialed dataset go through the credential refresh-and-retry path: a
// 401 on the first shard read triggers one refresh and the download still
// succeeds.
func TestShardedFetchAuthenticated(t *testing.T) {
	chunk := make([]byte, 8*8*8)
	for i := range chunk {
		chunk[i] = byte(i)
	}
	const chunkID = 7 // morton code of (1,1,1) on a 2x2x2 grid
	shardFile := buildShard(chunk, buildMinishardIndex(chunkID, uint64(len(chunk))))

	serveObjects := rangeHandler(t, map[string][]byte{
		"/shards/8nm/0.shard": shardFile,
		"/shards/info":        []byte(shardedInfo("raw", "raw")),
	})
	var shardReads int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, ".shard") && atomic.AddInt32(&shardReads, 1) == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		serveObjects(w, r)
	}))
	defer ts.Close()

	registry := fetch.NewRegistry()
	registry.Add(fetch.NewCredentials("flyem", ts.URL, fetch.StaticToken("opaque-token")))
	deps := testDeps()
	deps.Credentials = registry

	v, err := Open(context.Background(), source.Spec{
		Mirrors: []string{ts.URL + "/shards"},
		Auth:    source.AuthSpec{CredentialsKey: "flyem"},
	}, deps)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	src := v.Sources()[0][0]

	payload, err := source.Download(context.Background(), src, ngstream.ChunkPoint3d{1, 1, 1})
	if err != nil {
		t.Fatalf("credentialed sharded download failed: %v", err)
	}
	if !bytes.Equal(payload.Voxels, chunk) {
		t.Errorf("decoded chunk differs from stored chunk")
	}
	if n := atomic.LoadInt32(&shardReads); n < 2 {
		t.Errorf("%d shard reads, expected the rejected read plus a retry", n)
	}
}
