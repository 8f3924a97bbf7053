package stream

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"time"

	badger "github.com/dgraph-io/badger/v3"

	"github.com/janelia-flyem/ngstream/decode"
	"github.com/janelia-flyem/ngstream/ngstream"
)

// spillTTL bounds how long an evicted payload stays on disk before Badger
// reclaims it.
const spillTTL = time.Hour

// DiskCache is the optional second-level cache: evicted payloads spill here
// and are restored on re-request without a network fetch.
type DiskCache struct {
	path string
	db   *badger.DB
}

// OpenDiskCache opens (or creates) a Badger-backed spill cache at path.
func OpenDiskCache(path string) (*DiskCache, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil
	opts.NumVersionsToKeep = 1
	opts.SyncWrites = false
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening disk cache @ %s: %v", path, err)
	}
	ngstream.Infof("Opened disk chunk cache @ %s\n", path)
	return &DiskCache{path: path, db: db}, nil
}

func (dc *DiskCache) Close() {
	if err := dc.db.Close(); err != nil {
		ngstream.Errorf("Error closing disk cache @ %s: %v\n", dc.path, err)
	}
}

// cacheKey serializes a chunk key into a fixed-width Badger key.
func cacheKey(key ngstream.ChunkKey) []byte {
	buf := make([]byte, 18)
	binary.BigEndian.PutUint32(buf[0:4], uint32(key.Source))
	buf[4] = key.Level
	binary.BigEndian.PutUint32(buf[5:9], uint32(key.Coord[0]))
	binary.BigEndian.PutUint32(buf[9:13], uint32(key.Coord[1]))
	binary.BigEndian.PutUint32(buf[13:17], uint32(key.Coord[2]))
	buf[17] = uint8(key.Encoding)
	return buf
}

// Put spills a payload.  The write happens off the caller's goroutine since
// spills are best-effort and must not stall the dispatcher.
func (dc *DiskCache) Put(key ngstream.ChunkKey, payload *decode.Payload) {
	if payload == nil {
		return
	}
	go func() {
		var value bytes.Buffer
		if err := gob.NewEncoder(&value).Encode(payload); err != nil {
			ngstream.Errorf("Unable to encode chunk %s for disk cache: %v\n", key, err)
			return
		}
		err := dc.db.Update(func(txn *badger.Txn) error {
			entry := badger.NewEntry(cacheKey(key), value.Bytes()).WithTTL(spillTTL)
			return txn.SetEntry(entry)
		})
		if err != nil {
			ngstream.Errorf("Unable to spill chunk %s to disk cache: %v\n", key, err)
		}
	}()
}

// Get restores a spilled payload, or returns nil if the chunk was never
// spilled or already expired.
func (dc *DiskCache) Get(key ngstream.ChunkKey) (*decode.Payload, error) {
	var value []byte
	err := dc.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(cacheKey(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if err == badger.ErrKeyNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var payload decode.Payload
	if err := gob.NewDecoder(bytes.NewReader(value)).Decode(&payload); err != nil {
		return nil, fmt.Errorf("corrupt disk cache entry for chunk %s: %v", key, err)
	}
	return &payload, nil
}
