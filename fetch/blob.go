/*
	This file reads gs:// mirrors through the portable blob API, including
	the range reads needed by sharded formats.
*/

package fetch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/gcsblob"
	"gocloud.dev/gcerrors"

	"github.com/janelia-flyem/ngstream/ngstream"
)

// bucketCache keeps open buckets keyed by their gs:// reference so repeated
// chunk reads share one connection.
type bucketCache struct {
	mu      sync.Mutex
	buckets map[string]*blob.Bucket
}

func newBucketCache() *bucketCache {
	return &bucketCache{buckets: make(map[string]*blob.Bucket)}
}

func (bc *bucketCache) get(ctx context.Context, ref string) (*blob.Bucket, error) {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	if bucket, found := bc.buckets[ref]; found {
		return bucket, nil
	}
	bucket, err := blob.OpenBucket(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("can't open bucket %q: %v", ref, err)
	}
	bc.buckets[ref] = bucket
	return bucket, nil
}

// Close releases all open buckets.
func (f *Fetcher) Close() {
	f.buckets.mu.Lock()
	defer f.buckets.mu.Unlock()
	for ref, bucket := range f.buckets.buckets {
		if err := bucket.Close(); err != nil {
			ngstream.Errorf("error closing bucket %q: %v\n", ref, err)
		}
	}
	f.buckets.buckets = make(map[string]*blob.Bucket)
}

func (f *Fetcher) blobRead(ctx context.Context, mirror, path string) ([]byte, error) {
	bucket, err := f.buckets.get(ctx, mirror)
	if err != nil {
		return nil, err
	}
	key := strings.TrimPrefix(path, "/")
	data, err := bucket.ReadAll(ctx, key)
	if err != nil {
		return nil, translateBlobErr(ctx, mirror, key, err)
	}
	BytesRead <- len(data)
	return data, nil
}

func (f *Fetcher) blobReadRange(ctx context.Context, mirror, path string, offset, size uint64) ([]byte, error) {
	timedLog := ngstream.NewTimeLog()
	bucket, err := f.buckets.get(ctx, mirror)
	if err != nil {
		return nil, err
	}
	key := strings.TrimPrefix(path, "/")
	r, err := bucket.NewRangeReader(ctx, key, int64(offset), int64(size), nil)
	if err != nil {
		return nil, translateBlobErr(ctx, mirror, key, err)
	}
	defer r.Close()
	bufslice := make([]byte, 0, size)
	buf := bytes.NewBuffer(bufslice)
	if _, err := io.Copy(buf, r); err != nil {
		return nil, translateBlobErr(ctx, mirror, key, err)
	}
	timedLog.Debugf("range read of object %q, offset %d, size %d", key, offset, size)
	BytesRead <- buf.Len()
	return buf.Bytes(), nil
}

func translateBlobErr(ctx context.Context, mirror, key string, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
	}
	if gcerrors.Code(err) == gcerrors.NotFound {
		return fmt.Errorf("%w: %s in %s", ErrNotFound, key, mirror)
	}
	return err
}
