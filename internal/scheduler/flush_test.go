package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/zxyfanta/emsv1-sub000/internal/buffer"
	"github.com/zxyfanta/emsv1-sub000/internal/cache"
	"github.com/zxyfanta/emsv1-sub000/internal/models"
)

type fakeWriter struct {
	mu      sync.Mutex
	calls   int
	batches [][]models.TelemetrySample
	err     error
}

func (f *fakeWriter) InsertBatch(_ context.Context, _ models.SampleKind, samples []models.TelemetrySample) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return 0, f.err
	}
	f.batches = append(f.batches, samples)
	return int64(len(samples)), nil
}

func (f *fakeWriter) rows() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, b := range f.batches {
		n += len(b)
	}
	return n
}

type lossRecorder struct {
	mu     sync.Mutex
	events []models.DataLossEvent
}

func (l *lossRecorder) PublishDataLoss(_ context.Context, ev models.DataLossEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func setupFlush(t *testing.T, capacity int64, cfg FlushConfig) (*buffer.TelemetryBuffer, *fakeWriter, *lossRecorder, *FlushScheduler) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	c := cache.NewClient(rdb, cache.Options{OpTimeout: time.Second}, zap.NewNop())

	buf := buffer.NewTelemetryBuffer(c, nil, buffer.Config{QueueMaxSize: capacity, LatestTTL: 10 * time.Minute}, zap.NewNop())
	writer := &fakeWriter{}
	loss := &lossRecorder{}
	if cfg.BatchMaxSize == 0 {
		cfg.BatchMaxSize = 1000
	}
	if cfg.HighWaterRatio == 0 {
		cfg.HighWaterRatio = 0.8
	}
	return buf, writer, loss, NewFlushScheduler(buf, writer, loss, cfg, zap.NewNop())
}

func fill(t *testing.T, buf *buffer.TelemetryBuffer, n int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		buf.Write(ctx, &models.TelemetrySample{
			DeviceCode: fmt.Sprintf("RAD-%04d", i),
			Kind:       models.KindRadiation,
			Metrics:    map[string]float64{models.MetricKeyCPM: float64(i)},
			RecordTime: time.Now(),
		})
	}
}

func queueSize(t *testing.T, buf *buffer.TelemetryBuffer) int64 {
	t.Helper()
	size, err := buf.QueueSize(context.Background(), models.KindRadiation)
	require.NoError(t, err)
	return size
}

func TestFlushScheduler_EmptyQueueIsNoop(t *testing.T) {
	_, writer, _, s := setupFlush(t, 100, FlushConfig{})

	res := s.FlushOnce(context.Background(), models.KindRadiation)
	assert.Equal(t, 0, res.Popped)
	assert.Equal(t, 0, writer.calls)
	assert.Equal(t, FlushStats{}, s.Stats()[models.KindRadiation])
}

func TestFlushScheduler_OneTickFlushesOneBatch(t *testing.T) {
	buf, writer, _, s := setupFlush(t, 2000, FlushConfig{BatchMaxSize: 1000})
	fill(t, buf, 1500)

	res := s.FlushOnce(context.Background(), models.KindRadiation)
	assert.Equal(t, int64(1000), res.Flushed)
	assert.Equal(t, 1000, writer.rows())
	assert.Equal(t, int64(500), queueSize(t, buf))

	// 出队顺序即落库顺序
	assert.Equal(t, "RAD-0000", writer.batches[0][0].DeviceCode)
	assert.Equal(t, "RAD-0999", writer.batches[0][999].DeviceCode)
}

func TestFlushScheduler_BurstAboveCapacity(t *testing.T) {
	buf, writer, _, s := setupFlush(t, 1000, FlushConfig{BatchMaxSize: 1000})
	fill(t, buf, 1500)
	assert.Equal(t, int64(500), buf.Dropped(models.KindRadiation))

	s.FlushOnce(context.Background(), models.KindRadiation)
	assert.Equal(t, 1000, writer.rows())
	assert.Equal(t, int64(0), queueSize(t, buf))
}

func TestFlushScheduler_FailureRequeues(t *testing.T) {
	buf, writer, _, s := setupFlush(t, 100, FlushConfig{BatchMaxSize: 10})
	writer.err = errors.New("db down")
	fill(t, buf, 15)

	res := s.FlushOnce(context.Background(), models.KindRadiation)
	assert.Equal(t, int64(0), res.Flushed)
	assert.Equal(t, int64(10), res.Requeued)
	assert.Equal(t, int64(15), queueSize(t, buf))

	stats := s.Stats()[models.KindRadiation]
	assert.Equal(t, int64(1), stats.Failed)
	assert.Equal(t, int64(10), stats.Requeued)
	assert.Equal(t, "db down", stats.LastError)

	// 恢复后按原顺序落库
	writer.err = nil
	s.FlushOnce(context.Background(), models.KindRadiation)
	assert.Equal(t, "RAD-0000", writer.batches[0][0].DeviceCode)
}

func TestFlushScheduler_SkipsWhenRunning(t *testing.T) {
	_, _, _, s := setupFlush(t, 100, FlushConfig{})
	st := s.kinds[models.KindRadiation]
	st.running.Lock()
	defer st.running.Unlock()

	res := s.FlushOnce(context.Background(), models.KindRadiation)
	assert.True(t, res.Skipped)
	assert.Equal(t, int64(1), s.Stats()[models.KindRadiation].Skipped)
}

func TestFlushScheduler_EmergencyAboveHighWater(t *testing.T) {
	buf, writer, _, s := setupFlush(t, 10, FlushConfig{BatchMaxSize: 5, HighWaterRatio: 0.8})
	ctx := context.Background()

	fill(t, buf, 7)
	s.CheckEmergency(ctx)
	assert.Equal(t, 0, writer.calls)

	fill(t, buf, 1)
	s.CheckEmergency(ctx)
	assert.Equal(t, 1, writer.calls)
	assert.Equal(t, int64(3), queueSize(t, buf))
	assert.Equal(t, int64(1), s.Stats()[models.KindRadiation].EmergencyRuns)
}

func TestFlushScheduler_FlushAllRemaining(t *testing.T) {
	buf, writer, _, s := setupFlush(t, 5000, FlushConfig{BatchMaxSize: 1000})
	fill(t, buf, 2500)

	total, err := s.FlushAllRemaining(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2500), total)
	assert.Equal(t, 3, writer.calls)
	assert.Equal(t, int64(0), queueSize(t, buf))
}

func TestFlushScheduler_FlushAllRemainingStopsWithoutProgress(t *testing.T) {
	buf, writer, _, s := setupFlush(t, 100, FlushConfig{BatchMaxSize: 10})
	writer.err = errors.New("db down")
	fill(t, buf, 25)

	total, err := s.FlushAllRemaining(context.Background())
	require.Error(t, err)
	assert.Equal(t, int64(0), total)
	assert.Equal(t, 1, writer.calls)
	assert.Equal(t, int64(25), queueSize(t, buf))
}

// unreadableQueue 模拟 Redis 不可用时的写缓冲
type unreadableQueue struct{ err error }

func (q unreadableQueue) Capacity() int64 { return 100 }
func (q unreadableQueue) QueueSize(context.Context, models.SampleKind) (int64, error) {
	return 0, q.err
}
func (q unreadableQueue) Pop(context.Context, models.SampleKind, int) ([]models.TelemetrySample, error) {
	return nil, q.err
}
func (q unreadableQueue) Requeue(context.Context, models.SampleKind, []models.TelemetrySample) (int64, int64, error) {
	return 0, 0, q.err
}
func (q unreadableQueue) Dropped(models.SampleKind) int64 { return 0 }

func TestFlushScheduler_FlushAllRemainingReportsPopFailure(t *testing.T) {
	queueErr := errors.New("redis unavailable")
	writer := &fakeWriter{}
	s := NewFlushScheduler(unreadableQueue{err: queueErr}, writer, nil, FlushConfig{BatchMaxSize: 10, HighWaterRatio: 0.8}, zap.NewNop())

	total, err := s.FlushAllRemaining(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, queueErr)
	assert.Equal(t, int64(0), total)
	assert.Equal(t, 0, writer.calls)

	res := s.FlushOnce(context.Background(), models.KindRadiation)
	assert.ErrorIs(t, res.Err, queueErr)
	assert.Equal(t, 0, res.Popped)
}

func TestFlushScheduler_DataLossEvent(t *testing.T) {
	buf, _, loss, s := setupFlush(t, 5, FlushConfig{BatchMaxSize: 5, HighWaterRatio: 1, DropAlertThreshold: 3})
	ctx := context.Background()

	fill(t, buf, 7) // 丢 2 个
	s.checkDataLoss(ctx, models.KindRadiation, s.kinds[models.KindRadiation])
	assert.Empty(t, loss.events)

	fill(t, buf, 1) // 累计丢 3 个
	s.checkDataLoss(ctx, models.KindRadiation, s.kinds[models.KindRadiation])
	require.Len(t, loss.events, 1)
	assert.Equal(t, int64(3), loss.events[0].Dropped)
	assert.Equal(t, models.KindRadiation, loss.events[0].Kind)

	// 未达到新的阈值不再告警
	s.checkDataLoss(ctx, models.KindRadiation, s.kinds[models.KindRadiation])
	assert.Len(t, loss.events, 1)
}

func TestFlushScheduler_RunStopsOnCancel(t *testing.T) {
	buf, writer, _, s := setupFlush(t, 100, FlushConfig{
		BatchMaxSize:      100,
		Interval:          20 * time.Millisecond,
		EmergencyInterval: 20 * time.Millisecond,
	})
	fill(t, buf, 10)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return writer.rows() == 10 }, time.Second, 10*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}
