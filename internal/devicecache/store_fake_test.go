package devicecache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/zxyfanta/emsv1-sub000/internal/cache"
	"github.com/zxyfanta/emsv1-sub000/internal/models"
	"github.com/zxyfanta/emsv1-sub000/internal/repository"
)

// fakeStore 内存设备库，仅用于单元测试
type fakeStore struct {
	mu         sync.Mutex
	devices    map[string]models.DeviceSnapshot
	activity   map[string]models.DeviceActivity
	getCalls   int
	failList   bool
	lastOnline map[string]time.Time
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		devices:    make(map[string]models.DeviceSnapshot),
		activity:   make(map[string]models.DeviceActivity),
		lastOnline: make(map[string]time.Time),
	}
}

func (f *fakeStore) put(d models.DeviceSnapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.devices[d.DeviceCode] = d
}

func (f *fakeStore) GetByCode(_ context.Context, deviceCode string) (*models.DeviceSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCalls++
	d, ok := f.devices[deviceCode]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &d, nil
}

func (f *fakeStore) ListReportEnabled(_ context.Context) ([]models.DeviceSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failList {
		return nil, errors.New("db down")
	}
	out := make([]models.DeviceSnapshot, 0, len(f.devices))
	for _, d := range f.devices {
		out = append(out, d)
	}
	return out, nil
}

func (f *fakeStore) GetActivity(_ context.Context, deviceCode string) (*models.DeviceActivity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.activity[deviceCode]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &a, nil
}

func (f *fakeStore) ListActivity(_ context.Context) ([]models.DeviceActivity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.DeviceActivity, 0, len(f.activity))
	for _, a := range f.activity {
		out = append(out, a)
	}
	return out, nil
}

func (f *fakeStore) UpdateLastOnline(_ context.Context, lastSeen map[string]time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for code, ts := range lastSeen {
		f.lastOnline[code] = ts
	}
	return int64(len(lastSeen)), nil
}

func (f *fakeStore) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.getCalls
}

func setupCache(t *testing.T) (*miniredis.Miniredis, *cache.Client) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return mr, cache.NewClient(rdb, cache.Options{OpTimeout: 200 * time.Millisecond}, zap.NewNop())
}
