package bucketing_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"mailer-service/internal/bucketing"
)

func TestBucketingManager_Lane(t *testing.T) {
	t.Parallel()

	bm := bucketing.NewBucketingManagerWithLanes(8)
	assert.Equal(t, 8, bm.Lanes())

	seen := make(map[int]bool)
	for uid := int64(1); uid <= 500; uid++ {
		lane := bm.Lane(uid)
		assert.GreaterOrEqual(t, lane, 0)
		assert.Less(t, lane, 8)
		assert.Equal(t, lane, bm.Lane(uid), "lane must be stable for uid %d", uid)
		seen[lane] = true
	}
	assert.Len(t, seen, 8)
}

func TestBucketingManager_SingleLaneFallback(t *testing.T) {
	t.Parallel()

	bm := bucketing.NewBucketingManagerWithLanes(0)
	assert.Equal(t, 1, bm.Lanes())
	assert.Equal(t, 0, bm.Lane(42))
	assert.Equal(t, []byte("42"), bm.PartitionKey(42))
}
