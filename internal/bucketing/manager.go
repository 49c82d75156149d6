package bucketing

import (
	"hash"
	"sync"

	"github.com/spaolacci/murmur3"

	"identity-service/internal/config"
)

// BucketingManager assigns profiles to stable partition buckets so the
// Scylla tables keyed by bucket spread rows evenly.
type BucketingManager struct {
	profileBuckets int
	hasherPool     sync.Pool
}

func NewBucketingManager(cfg *config.Config) *BucketingManager {
	bm := &BucketingManager{
		profileBuckets: cfg.Bucketing.ProfileBuckets,
	}

	// Pool of hash functions to avoid allocation overhead
	bm.hasherPool = sync.Pool{
		New: func() interface{} {
			return murmur3.New64()
		},
	}

	return bm
}

// GetProfileBucket returns a consistent bucket for a profile id
// (0 to profileBuckets-1).
func (bm *BucketingManager) GetProfileBucket(profileID string) int {
	return int(bm.getHash(profileID) % uint64(bm.profileBuckets))
}

// GetProfileBuckets returns the configured bucket count.
func (bm *BucketingManager) GetProfileBuckets() int {
	return bm.profileBuckets
}

func (bm *BucketingManager) getHash(key string) uint64 {
	hasher := bm.hasherPool.Get().(hash.Hash64)
	defer bm.hasherPool.Put(hasher)

	hasher.Reset()
	hasher.Write([]byte(key))
	return hasher.Sum64()
}
