/*
	This file implements the metadata cache service: dataset info JSON is
	memoized under a structural key so concurrent callers requesting the
	same dataset share one in-flight parse, and repeat opens skip the
	network entirely.
*/

package source

import (
	"encoding/binary"
	"sort"
	"strconv"

	"github.com/cespare/xxhash/v2"
	"github.com/coocood/freecache"
	"golang.org/x/sync/singleflight"

	"github.com/janelia-flyem/ngstream/ngstream"
)

// InfoCache memoizes serialized dataset metadata.  It has an explicit
// lifetime: construct once at startup, pass by reference to all openers.
type InfoCache struct {
	cache *freecache.Cache
	sf    singleflight.Group
}

// NewInfoCache reserves the given number of bytes for cached metadata.
func NewInfoCache(numBytes int) *InfoCache {
	return &InfoCache{cache: freecache.NewCache(numBytes)}
}

// CacheKey builds a structural, order-independent key from the identifying
// fields of a dataset (mirror URLs, dataset name, credentials key).  Fields
// are length-prefixed before hashing so no two field sets collide by
// concatenation, and sorted so field order cannot change the key.
func CacheKey(fields ...string) uint64 {
	sorted := make([]string, len(fields))
	copy(sorted, fields)
	sort.Strings(sorted)
	digest := xxhash.New()
	var lenBuf [8]byte
	for _, field := range sorted {
		binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(field)))
		digest.Write(lenBuf[:])
		digest.WriteString(field)
	}
	return digest.Sum64()
}

// GetOrFetch returns the cached metadata bytes for a key, or runs fetch and
// caches its result.  Concurrent callers for the same key share one fetch.
func (ic *InfoCache) GetOrFetch(key uint64, fetch func() ([]byte, error)) ([]byte, error) {
	if ic == nil {
		return fetch()
	}
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], key)
	data, err := ic.cache.Get(k[:])
	if err == nil {
		return data, nil
	}
	if err != freecache.ErrNotFound {
		ngstream.Errorf("metadata cache get for key %x: %v\n", key, err)
	}

	v, err, _ := ic.sf.Do(strconv.FormatUint(key, 16), func() (interface{}, error) {
		data, err := fetch()
		if err != nil {
			return nil, err
		}
		if err := ic.cache.Set(k[:], data, 0); err != nil {
			ngstream.Errorf("unable to cache metadata for key %x: %v\n", key, err)
		}
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}
