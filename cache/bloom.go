package cache

import (
	"context"
	"hash/fnv"

	"github.com/redis/go-redis/v9"
)

// DefaultBloomBits 默认位数组大小(2^24位，约2MB)
const DefaultBloomBits = 1 << 24

// BloomFilter 基于Redis位图的布隆过滤器
type BloomFilter struct {
	redisClient RedisClient
	key         string
	hashCount   int
	size        uint64
}

// NewBloomFilter 创建新的布隆过滤器，size为位数组大小
func NewBloomFilter(client RedisClient, key string, hashCount int, size uint64) *BloomFilter {
	if size == 0 {
		size = DefaultBloomBits
	}
	if hashCount <= 0 {
		hashCount = 5
	}
	return &BloomFilter{
		redisClient: client,
		key:         "bloom:" + key,
		hashCount:   hashCount,
		size:        size,
	}
}

// Add 添加元素到布隆过滤器
func (bf *BloomFilter) Add(ctx context.Context, item string) error {
	if bf.redisClient == nil {
		return ErrRedisNotAvailable
	}

	pipe := bf.redisClient.Pipeline()
	for i := 0; i < bf.hashCount; i++ {
		pipe.SetBit(ctx, bf.key, bf.hash(item, i), 1)
	}

	_, err := pipe.Exec(ctx)
	return err
}

// Contains 检查元素是否可能存在于布隆过滤器中
func (bf *BloomFilter) Contains(ctx context.Context, item string) (bool, error) {
	if bf.redisClient == nil {
		return false, ErrRedisNotAvailable
	}

	pipe := bf.redisClient.Pipeline()
	cmds := make([]*redis.IntCmd, 0, bf.hashCount)
	for i := 0; i < bf.hashCount; i++ {
		cmds = append(cmds, pipe.GetBit(ctx, bf.key, bf.hash(item, i)))
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}

	// 如果任何一个位为0，则元素肯定不存在
	for _, cmd := range cmds {
		if cmd.Val() == 0 {
			return false, nil
		}
	}
	return true, nil
}

// Reset 清空过滤器
func (bf *BloomFilter) Reset(ctx context.Context) error {
	if bf.redisClient == nil {
		return ErrRedisNotAvailable
	}
	return bf.redisClient.Del(ctx, bf.key).Err()
}

// hash 计算哈希值，使用不同的种子
func (bf *BloomFilter) hash(key string, seed int) int64 {
	h := fnv.New64a()
	h.Write([]byte(key))
	h.Write([]byte{byte(seed)})
	return int64(h.Sum64() % bf.size)
}
