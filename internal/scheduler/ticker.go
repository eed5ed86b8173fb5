package scheduler

import (
	"context"
	"time"
)

// runEvery 按固定周期执行 fn，直到 ctx 结束
// fn 在当前 goroutine 中同步执行，上一次未结束时不会开始下一次
func runEvery(ctx context.Context, interval time.Duration, fn func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}
