package alert

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/zxyfanta/emsv1-sub000/internal/models"
	"github.com/zxyfanta/emsv1-sub000/internal/repository"
)

// fakeRuleStore 内存规则库
type fakeRuleStore struct {
	mu    sync.Mutex
	rules map[string][]models.AlertRule
	loads int
}

func newFakeRuleStore(rules ...models.AlertRule) *fakeRuleStore {
	f := &fakeRuleStore{rules: make(map[string][]models.AlertRule)}
	for _, r := range rules {
		f.rules[r.DeviceCode] = append(f.rules[r.DeviceCode], r)
	}
	return f
}

func (f *fakeRuleStore) ListByDevice(_ context.Context, deviceCode string) ([]models.AlertRule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loads++
	out := make([]models.AlertRule, len(f.rules[deviceCode]))
	copy(out, f.rules[deviceCode])
	return out, nil
}

func (f *fakeRuleStore) setEnabled(deviceCode string, id int64, enabled bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.rules[deviceCode] {
		if f.rules[deviceCode][i].ID == id {
			f.rules[deviceCode][i].Enabled = enabled
		}
	}
}

// fakeRecordStore 内存告警记录库，按插入顺序保存
type fakeRecordStore struct {
	mu        sync.Mutex
	records   []*models.AlertRecord
	createErr error
}

func (f *fakeRecordStore) Create(_ context.Context, rec *models.AlertRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	cp := *rec
	f.records = append(f.records, &cp)
	return nil
}

func (f *fakeRecordStore) GetByID(_ context.Context, id string) (*models.AlertRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.records {
		if r.ID == id {
			cp := *r
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("alert record %s: %w", id, repository.ErrNotFound)
}

func (f *fakeRecordStore) ListActiveByDevice(ctx context.Context, deviceCode string) ([]models.AlertRecord, error) {
	return f.List(ctx, models.AlertFilters{DeviceCode: &deviceCode, Statuses: []models.AlertStatus{models.AlertStatusActive}})
}

func (f *fakeRecordStore) HasActiveSince(_ context.Context, deviceCode string, ruleID int64, since time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.records {
		if r.DeviceCode == deviceCode && r.RuleID == ruleID && r.Status == models.AlertStatusActive && !r.CreatedAt.Before(since) {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeRecordStore) Acknowledge(_ context.Context, id, by, notes string, at time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.records {
		if r.ID == id && r.Status == models.AlertStatusActive {
			r.Status = models.AlertStatusAcknowledged
			r.AcknowledgedAt = &at
			r.AcknowledgedBy = &by
			r.AcknowledgmentNotes = &notes
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeRecordStore) Resolve(_ context.Context, id, notes string, at time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.records {
		if r.ID == id && (r.Status == models.AlertStatusActive || r.Status == models.AlertStatusAcknowledged) {
			r.Status = models.AlertStatusResolved
			r.ResolvedAt = &at
			r.ResolutionNotes = &notes
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeRecordStore) List(_ context.Context, filters models.AlertFilters) ([]models.AlertRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.AlertRecord
	for _, r := range f.records {
		if filters.DeviceCode != nil && r.DeviceCode != *filters.DeviceCode {
			continue
		}
		if len(filters.Statuses) > 0 {
			match := false
			for _, s := range filters.Statuses {
				if r.Status == s {
					match = true
				}
			}
			if !match {
				continue
			}
		}
		out = append(out, *r)
	}
	return out, nil
}

func (f *fakeRecordStore) CountByStatus(_ context.Context) (map[models.AlertStatus]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	counts := make(map[models.AlertStatus]int64)
	for _, r := range f.records {
		counts[r.Status]++
	}
	return counts, nil
}

func (f *fakeRecordStore) count(status models.AlertStatus) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, r := range f.records {
		if r.Status == status {
			n++
		}
	}
	return n
}

// recordingNotifier 记录发布的事件
type recordingNotifier struct {
	mu       sync.Mutex
	alerts   []models.AlertEvent
	resolved []models.AlertResolvedEvent
}

func (n *recordingNotifier) PublishAlert(_ context.Context, ev models.AlertEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, ev)
}

func (n *recordingNotifier) PublishAlertResolved(_ context.Context, ev models.AlertResolvedEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.resolved = append(n.resolved, ev)
}

func (n *recordingNotifier) PublishStatusChange(context.Context, models.StatusChangeEvent) {}

func (n *recordingNotifier) PublishDataLoss(context.Context, models.DataLossEvent) {}
