package bucketing

import (
	"hash"
	"strconv"
	"sync"

	"github.com/spaolacci/murmur3"

	"mailer-service/internal/config"
)

// BucketingManager maps users onto a fixed number of delivery lanes.
// The same uid always lands on the same lane.
type BucketingManager struct {
	lanes      int
	hasherPool sync.Pool
}

func NewBucketingManager(cfg *config.Config) *BucketingManager {
	return NewBucketingManagerWithLanes(cfg.Bucketing.DeliveryLanes)
}

func NewBucketingManagerWithLanes(lanes int) *BucketingManager {
	if lanes <= 0 {
		lanes = 1
	}
	bm := &BucketingManager{lanes: lanes}

	// Create pool of hash functions to avoid allocation overhead
	bm.hasherPool = sync.Pool{
		New: func() interface{} {
			return murmur3.New64()
		},
	}
	return bm
}

// Lane returns the lane (0 to Lanes()-1) for uid.
func (bm *BucketingManager) Lane(uid int64) int {
	return bm.getBucket(strconv.FormatInt(uid, 10), bm.lanes)
}

func (bm *BucketingManager) Lanes() int {
	return bm.lanes
}

// PartitionKey is the message key for run dispatch, so one user's runs share a partition.
func (bm *BucketingManager) PartitionKey(uid int64) []byte {
	return []byte(strconv.FormatInt(uid, 10))
}

func (bm *BucketingManager) getBucket(key string, numBuckets int) int {
	return int(bm.getHash(key) % uint64(numBuckets))
}

func (bm *BucketingManager) getHash(key string) uint64 {
	hasher := bm.hasherPool.Get().(hash.Hash64)
	defer bm.hasherPool.Put(hasher)

	hasher.Reset()
	_, _ = hasher.Write([]byte(key))
	return hasher.Sum64()
}
