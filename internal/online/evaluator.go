package online

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/zxyfanta/emsv1-sub000/internal/cache"
	"github.com/zxyfanta/emsv1-sub000/internal/devicecache"
	"github.com/zxyfanta/emsv1-sub000/internal/models"
)

// ActivityLookup 按设备批量查询数据库中的最后在线时间
type ActivityLookup interface {
	ListActivityByCodes(ctx context.Context, deviceCodes []string) (map[string]models.DeviceActivity, error)
}

// 判定来源
const (
	SourceCache    = "cache"
	SourceDatabase = "database"
	SourceNone     = "none"
)

// Result 单个设备的在线状态
type Result struct {
	DeviceCode string              `json:"device_code"`
	Status     models.OnlineStatus `json:"status"`
	LastSeenAt *time.Time          `json:"last_seen_at,omitempty"`
	Source     string              `json:"source"`
}

// Evaluator 在线状态判定
//
//	NEVER_SEEN  从未上报
//	ONLINE      距最后一条消息 ≤ onlineThreshold
//	WARNING     onlineThreshold < 间隔 ≤ warningThreshold
//	OFFLINE     间隔 > warningThreshold
//
// 缓存与数据库兜底使用同一组阈值。
type Evaluator struct {
	cache            *cache.Client
	store            ActivityLookup
	onlineThreshold  time.Duration
	warningThreshold time.Duration
	logger           *zap.Logger
	now              func() time.Time

	mu       sync.Mutex
	observed map[string]models.OnlineStatus
}

// NewEvaluator 创建在线状态判定器
func NewEvaluator(c *cache.Client, store ActivityLookup, onlineThreshold, warningThreshold time.Duration, logger *zap.Logger) *Evaluator {
	return &Evaluator{
		cache:            c,
		store:            store,
		onlineThreshold:  onlineThreshold,
		warningThreshold: warningThreshold,
		logger:           logger,
		now:              time.Now,
		observed:         make(map[string]models.OnlineStatus),
	}
}

// Classify 按最后活动时间判定状态，零值表示从未上报
func (e *Evaluator) Classify(lastSeen, now time.Time) models.OnlineStatus {
	if lastSeen.IsZero() {
		return models.StatusNeverSeen
	}
	age := now.Sub(lastSeen)
	switch {
	case age <= e.onlineThreshold:
		return models.StatusOnline
	case age <= e.warningThreshold:
		return models.StatusWarning
	default:
		return models.StatusOffline
	}
}

// Evaluate 判定单个设备
func (e *Evaluator) Evaluate(ctx context.Context, deviceCode string) (Result, error) {
	results, err := e.EvaluateBatch(ctx, []string{deviceCode})
	if err != nil {
		return Result{}, err
	}
	return results[0], nil
}

// EvaluateBatch 批量判定：一次 Redis 管道读取全部设备的缓存时间，
// 缓存中没有数据的设备再用一次数据库查询补齐。结果顺序与入参一致。
func (e *Evaluator) EvaluateBatch(ctx context.Context, deviceCodes []string) ([]Result, error) {
	now := e.now()
	lastSeen := e.cachedLastSeen(ctx, deviceCodes)

	results := make([]Result, len(deviceCodes))
	var missing []string
	for i, code := range deviceCodes {
		results[i].DeviceCode = code
		if ts, ok := lastSeen[code]; ok {
			results[i].Source = SourceCache
			results[i].LastSeenAt = timePtr(ts)
			continue
		}
		missing = append(missing, code)
	}

	if len(missing) > 0 && e.store != nil {
		activities, err := e.store.ListActivityByCodes(ctx, missing)
		if err != nil {
			return nil, err
		}
		for i := range results {
			if results[i].Source != "" {
				continue
			}
			if a, ok := activities[results[i].DeviceCode]; ok {
				if ts := a.LastSeen(); !ts.IsZero() {
					results[i].Source = SourceDatabase
					results[i].LastSeenAt = timePtr(ts)
				}
			}
		}
	}

	for i := range results {
		if results[i].Source == "" {
			results[i].Source = SourceNone
		}
		var ts time.Time
		if results[i].LastSeenAt != nil {
			ts = *results[i].LastSeenAt
		}
		results[i].Status = e.Classify(ts, now)
	}
	return results, nil
}

// cachedLastSeen 读取状态哈希的 lastMessageAt 与各类型最新样本，取最近的时间
// 缓存不可用时返回空表，全部走数据库
func (e *Evaluator) cachedLastSeen(ctx context.Context, deviceCodes []string) map[string]time.Time {
	out := make(map[string]time.Time, len(deviceCodes))
	if len(deviceCodes) == 0 {
		return out
	}

	statusCmds := make([]*redis.StringCmd, len(deviceCodes))
	latestCmds := make([][]*redis.StringCmd, len(deviceCodes))
	_, err := e.cache.Pipelined(ctx, func(ctx context.Context, pipe redis.Pipeliner) error {
		for i, code := range deviceCodes {
			statusCmds[i] = pipe.HGet(ctx, cache.DeviceStatusKey(code), devicecache.LastMessageAtField)
			latestCmds[i] = make([]*redis.StringCmd, len(models.SampleKinds))
			for j, kind := range models.SampleKinds {
				latestCmds[i][j] = pipe.Get(ctx, cache.LatestSampleKey(string(kind), code))
			}
		}
		return nil
	})
	if err != nil {
		e.logger.Warn("Online status cache read failed, falling back to database",
			zap.Int("devices", len(deviceCodes)),
			zap.Error(err),
		)
		return out
	}

	for i, code := range deviceCodes {
		var latest time.Time
		if ms, err := strconv.ParseInt(statusCmds[i].Val(), 10, 64); err == nil && ms > 0 {
			latest = time.UnixMilli(ms)
		}
		for _, cmd := range latestCmds[i] {
			raw := cmd.Val()
			if raw == "" {
				continue
			}
			if ts := sampleTime(raw); ts.After(latest) {
				latest = ts
			}
		}
		if !latest.IsZero() {
			out[code] = latest
		}
	}
	return out
}

// sampleTime 样本的到达时间，缺失时用采集时间
func sampleTime(raw string) time.Time {
	var s struct {
		RecordTime time.Time `json:"record_time"`
		ReceivedAt time.Time `json:"received_at"`
	}
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return time.Time{}
	}
	if !s.ReceivedAt.IsZero() {
		return s.ReceivedAt
	}
	return s.RecordTime
}

// Observe 记录设备最新状态，返回之前的状态以及是否发生变化
// 第一次观察只记录，不视为变化
func (e *Evaluator) Observe(deviceCode string, status models.OnlineStatus) (models.OnlineStatus, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	prev, seen := e.observed[deviceCode]
	e.observed[deviceCode] = status
	if !seen {
		return "", false
	}
	return prev, prev != status
}

// Forget 删除设备的观察记录（设备被删除时）
func (e *Evaluator) Forget(deviceCode string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.observed, deviceCode)
}

// Stats 统计各状态设备数
func (e *Evaluator) Stats(ctx context.Context, deviceCodes []string) (map[models.OnlineStatus]int, error) {
	results, err := e.EvaluateBatch(ctx, deviceCodes)
	if err != nil {
		return nil, err
	}
	counts := map[models.OnlineStatus]int{
		models.StatusOnline:    0,
		models.StatusWarning:   0,
		models.StatusOffline:   0,
		models.StatusNeverSeen: 0,
	}
	for _, r := range results {
		counts[r.Status]++
	}
	return counts, nil
}

func timePtr(t time.Time) *time.Time {
	return &t
}
