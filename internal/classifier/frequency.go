package classifier

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"newsdigest/internal/model"
)

// FrequencyTracker 统计发件人在滑动窗口内的邮件数量。
// Record 在并发分类之前一次性记录整批邮件，Count 只读：
// 返回窗口 [ReceivedAt-window, ReceivedAt] 内该发件人的邮件数（总是包含 item 本身），
// 所以结果与分类的先后顺序无关。同一封邮件重复 Record 不会重复计数。
type FrequencyTracker interface {
	Record(ctx context.Context, items []model.SourceItem, window time.Duration) error
	Count(ctx context.Context, item model.SourceItem, window time.Duration) (int, error)
}

func senderKey(sender string) string {
	return strings.ToLower(strings.TrimSpace(sender))
}

func memberKey(item model.SourceItem) string {
	return item.Account + "\x00" + item.ID
}

// pruneCutoffs 每个发件人早于 cutoff 的记录可以删除：本批最早一封的窗口起点之前
func pruneCutoffs(items []model.SourceItem, window time.Duration) map[string]time.Time {
	cutoffs := make(map[string]time.Time)
	for _, item := range items {
		key := senderKey(item.Sender)
		from := item.ReceivedAt.Add(-window)
		if cur, ok := cutoffs[key]; !ok || from.Before(cur) {
			cutoffs[key] = from
		}
	}
	return cutoffs
}

// MemoryFrequency 进程内实现，重启后丢失历史
type MemoryFrequency struct {
	mu      sync.Mutex
	senders map[string]map[string]time.Time
}

func NewMemoryFrequency() *MemoryFrequency {
	return &MemoryFrequency{senders: make(map[string]map[string]time.Time)}
}

func (m *MemoryFrequency) Record(_ context.Context, items []model.SourceItem, window time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, item := range items {
		key := senderKey(item.Sender)
		seen, ok := m.senders[key]
		if !ok {
			seen = make(map[string]time.Time)
			m.senders[key] = seen
		}
		seen[memberKey(item)] = item.ReceivedAt
	}
	for key, cutoff := range pruneCutoffs(items, window) {
		for member, at := range m.senders[key] {
			if at.Before(cutoff) {
				delete(m.senders[key], member)
			}
		}
	}
	return nil
}

func (m *MemoryFrequency) Count(_ context.Context, item model.SourceItem, window time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	self := memberKey(item)
	from := item.ReceivedAt.Add(-window)
	count := 1
	for member, at := range m.senders[senderKey(item.Sender)] {
		if member != self && !at.Before(from) && !at.After(item.ReceivedAt) {
			count++
		}
	}
	return count, nil
}

// RedisFrequency 每个发件人一个 ZSET，score 为收件时间（秒），member 为 account+id
type RedisFrequency struct {
	rdb    redis.Cmdable
	prefix string
}

func NewRedisFrequency(rdb redis.Cmdable) *RedisFrequency {
	return &RedisFrequency{rdb: rdb, prefix: "digest:sender:"}
}

func (r *RedisFrequency) Record(ctx context.Context, items []model.SourceItem, window time.Duration) error {
	if len(items) == 0 {
		return nil
	}
	members := make(map[string][]redis.Z)
	for _, item := range items {
		key := senderKey(item.Sender)
		members[key] = append(members[key], redis.Z{Score: float64(item.ReceivedAt.Unix()), Member: memberKey(item)})
	}

	pipe := r.rdb.TxPipeline()
	for key, cutoff := range pruneCutoffs(items, window) {
		zkey := r.prefix + key
		pipe.ZAdd(ctx, zkey, members[key]...)
		pipe.ZRemRangeByScore(ctx, zkey, "-inf", "("+strconv.FormatInt(cutoff.Unix(), 10))
		pipe.Expire(ctx, zkey, 2*window)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (r *RedisFrequency) Count(ctx context.Context, item model.SourceItem, window time.Duration) (int, error) {
	key := r.prefix + senderKey(item.Sender)
	at := item.ReceivedAt.Unix()

	pipe := r.rdb.Pipeline()
	count := pipe.ZCount(ctx, key, strconv.FormatInt(item.ReceivedAt.Add(-window).Unix(), 10), strconv.FormatInt(at, 10))
	self := pipe.ZScore(ctx, key, memberKey(item))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return 0, err
	}
	n := int(count.Val())
	if errors.Is(self.Err(), redis.Nil) {
		// 没有 Record 过的邮件也算上自己
		n++
	}
	return n, nil
}
