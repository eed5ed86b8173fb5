package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

var (
	// ErrCacheMiss 键不存在
	ErrCacheMiss = errors.New("cache miss")
	// ErrUnavailable 熔断器打开，Redis 暂不可用
	ErrUnavailable = errors.New("cache unavailable")
)

// BreakerConfig 熔断器配置
type BreakerConfig struct {
	Enabled          bool
	Name             string
	FailureThreshold int           // 连续失败次数达到该值后打开
	OpenTimeout      time.Duration // 打开状态持续时间，之后进入半开
	HalfOpenRequests int           // 半开状态允许的探测请求数
}

// Options 客户端选项
type Options struct {
	OpTimeout time.Duration
	Breaker   BreakerConfig
}

// Stats 客户端统计
type Stats struct {
	Hits         int64  `json:"hits"`
	Misses       int64  `json:"misses"`
	Errors       int64  `json:"errors"`
	BreakerState string `json:"breaker_state"`
}

// Client 远程缓存客户端
// 每次调用都带短超时并经过熔断器，调用方收到错误后自行降级
type Client struct {
	rdb       *redis.Client
	opTimeout time.Duration
	breaker   *gobreaker.CircuitBreaker[any]
	logger    *zap.Logger

	hits   atomic.Int64
	misses atomic.Int64
	errs   atomic.Int64
}

// NewClient 创建缓存客户端
func NewClient(rdb *redis.Client, opts Options, logger *zap.Logger) *Client {
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = 200 * time.Millisecond
	}

	c := &Client{
		rdb:       rdb,
		opTimeout: opts.OpTimeout,
		logger:    logger,
	}

	if opts.Breaker.Enabled {
		threshold := opts.Breaker.FailureThreshold
		if threshold <= 0 {
			threshold = 5
		}
		name := opts.Breaker.Name
		if name == "" {
			name = "redis"
		}
		c.breaker = gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
			Name:        name,
			MaxRequests: uint32(opts.Breaker.HalfOpenRequests),
			Timeout:     opts.Breaker.OpenTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= uint32(threshold)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("Cache circuit breaker state changed",
					zap.String("breaker", name),
					zap.String("from", from.String()),
					zap.String("to", to.String()),
				)
			},
		})
	}

	return c
}

// run 在超时和熔断保护下执行一次 Redis 调用，redis.Nil 转为 ErrCacheMiss 且不计为失败
func run[T any](ctx context.Context, c *Client, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	ctx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()

	missed := false
	call := func() (any, error) {
		res, err := fn(ctx)
		if err == redis.Nil {
			missed = true
			return zero, nil
		}
		return res, err
	}

	var (
		v   any
		err error
	)
	if c.breaker == nil {
		v, err = call()
	} else {
		v, err = c.breaker.Execute(call)
	}

	if err != nil {
		c.errs.Add(1)
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return zero, fmt.Errorf("redis %s: %w", op, ErrUnavailable)
		}
		return zero, fmt.Errorf("redis %s: %w", op, err)
	}
	if missed {
		return zero, ErrCacheMiss
	}

	return v.(T), nil
}

// Get 读取字符串值
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	val, err := run(ctx, c, "GET", func(ctx context.Context) (string, error) {
		return c.rdb.Get(ctx, key).Result()
	})
	c.record(err)
	return val, err
}

// Set 写入字符串值，ttl 为 0 表示不过期
func (c *Client) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	_, err := run(ctx, c, "SET", func(ctx context.Context) (string, error) {
		return c.rdb.Set(ctx, key, value, ttl).Result()
	})
	return err
}

// GetJSON 读取并反序列化 JSON 值
func (c *Client) GetJSON(ctx context.Context, key string, out interface{}) error {
	val, err := c.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(val), out); err != nil {
		return fmt.Errorf("failed to unmarshal cached value %s: %w", key, err)
	}
	return nil
}

// SetJSON 序列化为 JSON 并写入
func (c *Client) SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal cache value %s: %w", key, err)
	}
	return c.Set(ctx, key, data, ttl)
}

// Del 删除键，返回实际删除数量
func (c *Client) Del(ctx context.Context, keys ...string) (int64, error) {
	return run(ctx, c, "DEL", func(ctx context.Context) (int64, error) {
		return c.rdb.Del(ctx, keys...).Result()
	})
}

// HSetWithTTL 更新哈希字段并刷新过期时间（单次往返）
func (c *Client) HSetWithTTL(ctx context.Context, key string, ttl time.Duration, values map[string]interface{}) error {
	_, err := run(ctx, c, "HSET", func(ctx context.Context) ([]redis.Cmder, error) {
		return c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, values)
			if ttl > 0 {
				pipe.Expire(ctx, key, ttl)
			}
			return nil
		})
	})
	return err
}

// HGetAll 读取整个哈希，哈希不存在时返回 ErrCacheMiss
func (c *Client) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	fields, err := run(ctx, c, "HGETALL", func(ctx context.Context) (map[string]string, error) {
		return c.rdb.HGetAll(ctx, key).Result()
	})
	if err == nil && len(fields) == 0 {
		err = ErrCacheMiss
	}
	c.record(err)
	return fields, err
}

// PushBounded 原子地追加到列表尾部，超出容量的部分被拒绝，返回实际写入数量
func (c *Client) PushBounded(ctx context.Context, key string, capacity int64, values ...string) (int64, error) {
	return c.runScript(ctx, "PUSH_BOUNDED", pushBoundedScript, key, capacity, values)
}

// PushFrontBounded 原子地按原顺序放回列表头部，超出容量的尾部元素被拒绝，返回实际写入数量
func (c *Client) PushFrontBounded(ctx context.Context, key string, capacity int64, values ...string) (int64, error) {
	return c.runScript(ctx, "PUSH_FRONT_BOUNDED", pushFrontBoundedScript, key, capacity, values)
}

func (c *Client) runScript(ctx context.Context, op string, script *redis.Script, key string, capacity int64, values []string) (int64, error) {
	if len(values) == 0 {
		return 0, nil
	}
	args := make([]interface{}, 0, len(values)+1)
	args = append(args, capacity)
	for _, v := range values {
		args = append(args, v)
	}
	return run(ctx, c, op, func(ctx context.Context) (int64, error) {
		return script.Run(ctx, c.rdb, []string{key}, args...).Int64()
	})
}

// LPopN 从列表头部弹出最多 n 个元素，列表为空时返回空切片
func (c *Client) LPopN(ctx context.Context, key string, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	vals, err := run(ctx, c, "LPOP", func(ctx context.Context) ([]string, error) {
		return c.rdb.LPopCount(ctx, key, n).Result()
	})
	if errors.Is(err, ErrCacheMiss) {
		return []string{}, nil
	}
	return vals, err
}

// LLen 列表长度
func (c *Client) LLen(ctx context.Context, key string) (int64, error) {
	return run(ctx, c, "LLEN", func(ctx context.Context) (int64, error) {
		return c.rdb.LLen(ctx, key).Result()
	})
}

// ScanKeys 按模式扫描键，每次 SCAN 单独计时
func (c *Client) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	var cursor uint64
	for {
		p, err := run(ctx, c, "SCAN", func(ctx context.Context) (scanPage, error) {
			k, next, err := c.rdb.Scan(ctx, cursor, pattern, 200).Result()
			return scanPage{keys: k, next: next}, err
		})
		if err != nil {
			return nil, err
		}
		keys = append(keys, p.keys...)
		cursor = p.next
		if cursor == 0 {
			break
		}
	}
	return keys, nil
}

type scanPage struct {
	keys []string
	next uint64
}

// Pipelined 在一次往返中执行多条命令，单条命令的 redis.Nil 不视为错误
func (c *Client) Pipelined(ctx context.Context, fn func(ctx context.Context, pipe redis.Pipeliner) error) ([]redis.Cmder, error) {
	return run(ctx, c, "PIPELINE", func(ctx context.Context) ([]redis.Cmder, error) {
		cmds, err := c.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			return fn(ctx, pipe)
		})
		if err == redis.Nil {
			err = nil
		}
		return cmds, err
	})
}

// Ping 测试连接
func (c *Client) Ping(ctx context.Context) error {
	_, err := run(ctx, c, "PING", func(ctx context.Context) (string, error) {
		return c.rdb.Ping(ctx).Result()
	})
	return err
}

// Stats 返回命中统计和熔断器状态
func (c *Client) Stats() Stats {
	state := "disabled"
	if c.breaker != nil {
		state = c.breaker.State().String()
	}
	return Stats{
		Hits:         c.hits.Load(),
		Misses:       c.misses.Load(),
		Errors:       c.errs.Load(),
		BreakerState: state,
	}
}

func (c *Client) record(err error) {
	switch {
	case err == nil:
		c.hits.Add(1)
	case errors.Is(err, ErrCacheMiss):
		c.misses.Add(1)
	}
}
