package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/zxyfanta/emsv1-sub000/internal/alert"
	"github.com/zxyfanta/emsv1-sub000/internal/buffer"
	"github.com/zxyfanta/emsv1-sub000/internal/cache"
	"github.com/zxyfanta/emsv1-sub000/internal/devicecache"
	"github.com/zxyfanta/emsv1-sub000/internal/models"
	"github.com/zxyfanta/emsv1-sub000/internal/online"
	"github.com/zxyfanta/emsv1-sub000/internal/repository"
)

// calls 记录调用顺序
type calls struct {
	mu  sync.Mutex
	seq []string
}

func (c *calls) add(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq = append(c.seq, name)
}

func (c *calls) list() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.seq...)
}

type fakeResolver struct {
	devices map[string]*models.DeviceSnapshot
	err     error
}

func (f *fakeResolver) Get(_ context.Context, code string) (*models.DeviceSnapshot, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.devices[code], nil
}

type fakeStatus struct {
	calls   *calls
	current map[string]*models.DeviceStatusRecord
	getErr  error
	updated []*models.DeviceStatusRecord
}

func (f *fakeStatus) Get(_ context.Context, code string) (*models.DeviceStatusRecord, error) {
	f.calls.add("status.get")
	if f.getErr != nil {
		return nil, f.getErr
	}
	return f.current[code], nil
}

func (f *fakeStatus) Update(_ context.Context, rec *models.DeviceStatusRecord) error {
	f.calls.add("status.update")
	f.updated = append(f.updated, rec)
	return nil
}

type fakeAlerts struct {
	calls    *calls
	previous []*models.DeviceStatusRecord
	resolved []string
	err      error
}

func (f *fakeAlerts) EvaluateSample(_ context.Context, _ *models.DeviceSnapshot, _ *models.TelemetrySample, previous *models.DeviceStatusRecord) (alert.Outcome, error) {
	f.calls.add("alert.evaluate")
	f.previous = append(f.previous, previous)
	return alert.Outcome{}, f.err
}

func (f *fakeAlerts) ResolveOffline(_ context.Context, code string) (int, error) {
	f.calls.add("alert.resolve_offline")
	f.resolved = append(f.resolved, code)
	return 1, nil
}

type fakeWriter struct {
	calls   *calls
	samples []*models.TelemetrySample
	result  buffer.WriteResult
}

func (f *fakeWriter) Write(_ context.Context, s *models.TelemetrySample) buffer.WriteResult {
	f.calls.add("buffer.write")
	f.samples = append(f.samples, s)
	return f.result
}

type fakeTracker struct {
	observed map[string]models.OnlineStatus
}

func (f *fakeTracker) Observe(code string, status models.OnlineStatus) (models.OnlineStatus, bool) {
	if f.observed == nil {
		f.observed = map[string]models.OnlineStatus{}
	}
	prev, seen := f.observed[code]
	f.observed[code] = status
	if !seen {
		return "", false
	}
	return prev, prev != status
}

type statusRecorder struct {
	mu     sync.Mutex
	events []models.StatusChangeEvent
}

func (r *statusRecorder) PublishStatusChange(_ context.Context, ev models.StatusChangeEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

type pipelineEnv struct {
	calls    *calls
	status   *fakeStatus
	alerts   *fakeAlerts
	writer   *fakeWriter
	tracker  *fakeTracker
	notifier *statusRecorder
	pipeline *Pipeline
}

func newPipelineEnv() *pipelineEnv {
	c := &calls{}
	env := &pipelineEnv{
		calls:    c,
		status:   &fakeStatus{calls: c, current: map[string]*models.DeviceStatusRecord{}},
		alerts:   &fakeAlerts{calls: c},
		writer:   &fakeWriter{calls: c, result: buffer.WriteResult{Cached: true, Queued: true}},
		tracker:  &fakeTracker{},
		notifier: &statusRecorder{},
	}
	resolver := &fakeResolver{devices: map[string]*models.DeviceSnapshot{
		"RAD-1":  {DeviceCode: "RAD-1", DeviceID: 1, CompanyID: 10, DeviceType: models.DeviceTypeRadiation},
		"ORPHAN": {DeviceCode: "ORPHAN", DeviceID: 2},
	}}
	env.pipeline = NewPipeline(resolver, env.status, env.alerts, env.writer, env.tracker, env.notifier, zap.NewNop())
	return env
}

func radiationSample(code string, cpm float64) *models.TelemetrySample {
	return &models.TelemetrySample{
		DeviceCode: code,
		Kind:       models.KindRadiation,
		Metrics:    map[string]float64{models.MetricKeyCPM: cpm, models.MetricKeyBatVolt: 3.9},
		RecordTime: time.Now(),
	}
}

func TestPipeline_IngestOrder(t *testing.T) {
	env := newPipelineEnv()
	prevCPM := 20.0
	env.status.current["RAD-1"] = &models.DeviceStatusRecord{DeviceCode: "RAD-1", LastCPM: &prevCPM, Status: models.StatusOnline}

	require.NoError(t, env.pipeline.Ingest(context.Background(), radiationSample("RAD-1", 42)))

	// 告警在写缓冲之前评估，且拿到的是写入前的状态
	assert.Equal(t, []string{"status.get", "alert.evaluate", "buffer.write", "status.update", "alert.resolve_offline"}, env.calls.list())
	require.Len(t, env.alerts.previous, 1)
	assert.Equal(t, 20.0, *env.alerts.previous[0].LastCPM)

	require.Len(t, env.status.updated, 1)
	rec := env.status.updated[0]
	assert.Equal(t, models.StatusOnline, rec.Status)
	assert.Equal(t, int64(1), rec.DeviceID)
	assert.Equal(t, int64(10), rec.CompanyID)
	assert.Equal(t, 42.0, *rec.LastCPM)
	assert.Equal(t, 3.9, *rec.LastBattery)
	assert.False(t, rec.LastMessageAt.IsZero())

	assert.Equal(t, PipelineStats{Ingested: 1}, env.pipeline.Stats())
}

func TestPipeline_RejectsInvalidAndUnknown(t *testing.T) {
	env := newPipelineEnv()
	ctx := context.Background()

	err := env.pipeline.Ingest(ctx, &models.TelemetrySample{DeviceCode: "RAD-1", Kind: "plasma", RecordTime: time.Now()})
	assert.ErrorIs(t, err, ErrInvalidSample)

	err = env.pipeline.Ingest(ctx, nil)
	assert.ErrorIs(t, err, ErrInvalidSample)

	err = env.pipeline.Ingest(ctx, radiationSample("NOPE", 1))
	assert.ErrorIs(t, err, ErrUnknownDevice)

	err = env.pipeline.Ingest(ctx, radiationSample("ORPHAN", 1))
	assert.ErrorIs(t, err, ErrUnknownDevice)

	assert.Empty(t, env.writer.samples)
	assert.Empty(t, env.calls.list())
	assert.Equal(t, PipelineStats{Unknown: 2, Invalid: 2}, env.pipeline.Stats())
}

func TestPipeline_ResolverErrorPropagates(t *testing.T) {
	env := newPipelineEnv()
	env.pipeline.devices = &fakeResolver{err: errors.New("db down")}

	err := env.pipeline.Ingest(context.Background(), radiationSample("RAD-1", 1))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrUnknownDevice)
}

func TestPipeline_DegradedDependenciesDoNotReject(t *testing.T) {
	env := newPipelineEnv()
	env.status.getErr = cache.ErrUnavailable
	env.alerts.err = errors.New("rules unavailable")
	env.writer.result = buffer.WriteResult{Dropped: true}

	require.NoError(t, env.pipeline.Ingest(context.Background(), radiationSample("RAD-1", 5)))

	require.Len(t, env.alerts.previous, 1)
	assert.Nil(t, env.alerts.previous[0])
	assert.Len(t, env.status.updated, 1)
	assert.Equal(t, PipelineStats{Ingested: 1, Dropped: 1}, env.pipeline.Stats())
}

func TestPipeline_StatusTransitions(t *testing.T) {
	env := newPipelineEnv()
	ctx := context.Background()

	// 第一次：只记录，不发事件；重启后第一次看到设备时清理遗留离线告警
	require.NoError(t, env.pipeline.Ingest(ctx, radiationSample("RAD-1", 1)))
	assert.Empty(t, env.notifier.events)
	assert.Equal(t, []string{"RAD-1"}, env.alerts.resolved)

	// 持续在线：无事件、无恢复
	require.NoError(t, env.pipeline.Ingest(ctx, radiationSample("RAD-1", 1)))
	assert.Empty(t, env.notifier.events)
	assert.Len(t, env.alerts.resolved, 1)

	// 离线检测把设备标记为 OFFLINE 后再次上报
	env.tracker.observed["RAD-1"] = models.StatusOffline
	require.NoError(t, env.pipeline.Ingest(ctx, radiationSample("RAD-1", 1)))
	require.Len(t, env.notifier.events, 1)
	ev := env.notifier.events[0]
	assert.Equal(t, models.StatusOffline, ev.From)
	assert.Equal(t, models.StatusOnline, ev.To)
	require.NotNil(t, ev.LastSeenAt)
	assert.Len(t, env.alerts.resolved, 2)

	// WARNING → ONLINE 发事件但不触发离线恢复
	env.tracker.observed["RAD-1"] = models.StatusWarning
	require.NoError(t, env.pipeline.Ingest(ctx, radiationSample("RAD-1", 1)))
	assert.Len(t, env.notifier.events, 2)
	assert.Len(t, env.alerts.resolved, 2)
}

func TestPipeline_CachedOfflineStatusResolves(t *testing.T) {
	env := newPipelineEnv()
	env.tracker.observed = map[string]models.OnlineStatus{"RAD-1": models.StatusOnline}
	env.status.current["RAD-1"] = &models.DeviceStatusRecord{DeviceCode: "RAD-1", Status: models.StatusOffline}

	require.NoError(t, env.pipeline.Ingest(context.Background(), radiationSample("RAD-1", 1)))
	assert.Equal(t, []string{"RAD-1"}, env.alerts.resolved)
}

// storeFake 持久层假实现（设备与在线时间）
type storeFake struct {
	mu       sync.Mutex
	devices  map[string]models.DeviceSnapshot
	activity map[string]models.DeviceActivity
}

func (f *storeFake) GetByCode(_ context.Context, code string) (*models.DeviceSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.devices[code]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &d, nil
}

func (f *storeFake) ListReportEnabled(context.Context) ([]models.DeviceSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.DeviceSnapshot, 0, len(f.devices))
	for _, d := range f.devices {
		out = append(out, d)
	}
	return out, nil
}

func (f *storeFake) GetActivity(_ context.Context, code string) (*models.DeviceActivity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.activity[code]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &a, nil
}

func (f *storeFake) ListActivity(context.Context) ([]models.DeviceActivity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.DeviceActivity, 0, len(f.activity))
	for _, a := range f.activity {
		out = append(out, a)
	}
	return out, nil
}

func (f *storeFake) UpdateLastOnline(_ context.Context, lastSeen map[string]time.Time) (int64, error) {
	return int64(len(lastSeen)), nil
}

func (f *storeFake) ListActivityByCodes(_ context.Context, codes []string) (map[string]models.DeviceActivity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]models.DeviceActivity)
	for _, code := range codes {
		if a, ok := f.activity[code]; ok {
			out[code] = a
		}
	}
	return out, nil
}

func TestPipeline_WithRedisBackedComponents(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	c := cache.NewClient(rdb, cache.Options{}, zap.NewNop())

	store := &storeFake{
		devices: map[string]models.DeviceSnapshot{
			"RAD-1": {DeviceCode: "RAD-1", DeviceID: 1, CompanyID: 10, DeviceType: models.DeviceTypeRadiation},
		},
		activity: map[string]models.DeviceActivity{},
	}
	info := devicecache.NewInfoCache(c, store, 5*time.Minute, time.Minute, zap.NewNop())
	status := devicecache.NewStatusCache(c, store, 600*time.Second, zap.NewNop())
	buf := buffer.NewTelemetryBuffer(c, nil, buffer.Config{QueueMaxSize: 2, LatestTTL: 10 * time.Minute}, zap.NewNop())
	eval := online.NewEvaluator(c, store, 5*time.Minute, 10*time.Minute, zap.NewNop())
	notifier := &statusRecorder{}

	p := NewPipeline(info, status, nil, buf, eval, notifier, zap.NewNop())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, p.Ingest(ctx, radiationSample("RAD-1", float64(100+i))))
	}

	// 队列容量为 2，第三条被丢弃
	size, err := buf.QueueSize(ctx, models.KindRadiation)
	require.NoError(t, err)
	assert.Equal(t, int64(2), size)
	assert.Equal(t, int64(1), buf.Dropped(models.KindRadiation))
	assert.Equal(t, int64(1), p.Stats().Dropped)

	latest, err := buf.ReadLatest(ctx, "RAD-1", models.KindRadiation)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, 102.0, latest.Metrics[models.MetricKeyCPM])

	rec, err := status.Get(ctx, "RAD-1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, models.StatusOnline, rec.Status)
	assert.Equal(t, 102.0, *rec.LastCPM)
	assert.True(t, mr.Exists(cache.DeviceInfoKey("RAD-1")))

	res, err := eval.Evaluate(ctx, "RAD-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusOnline, res.Status)
	assert.Equal(t, online.SourceCache, res.Source)

	err = p.Ingest(ctx, radiationSample("RAD-404", 1))
	assert.ErrorIs(t, err, ErrUnknownDevice)
}
