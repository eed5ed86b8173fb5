package alert

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/zxyfanta/emsv1-sub000/internal/models"
)

// compiledRule 规则在加载时解析一次，评估时不再查表
type compiledRule struct {
	rule    models.AlertRule
	metric  metricFunc // DEVICE_OFFLINE 规则为 nil
	pred    predicate
	offline bool
}

func compileRule(rule models.AlertRule) (compiledRule, error) {
	cr := compiledRule{rule: rule}
	if rule.MetricName == MetricDeviceOffline {
		cr.offline = true
		return cr, nil
	}

	metric, ok := metricTable[rule.MetricName]
	if !ok {
		return compiledRule{}, fmt.Errorf("unknown metric %q", rule.MetricName)
	}
	pred, err := compileCondition(rule.ConditionType, rule.ThresholdMin, rule.ThresholdMax)
	if err != nil {
		return compiledRule{}, err
	}
	cr.metric = metric
	cr.pred = pred
	return cr, nil
}

type ruleSet struct {
	rules    []compiledRule
	byID     map[int64]*compiledRule
	loadedAt time.Time
}

// ruleCache 进程内规则缓存，按设备保存，TTL 到期后重新加载
type ruleCache struct {
	store    RuleStore
	ttl      time.Duration
	builtins []compiledRule // 设备未配置同指标规则时补充
	logger   *zap.Logger
	now      func() time.Time

	mu   sync.RWMutex
	sets map[string]*ruleSet
}

func newRuleCache(store RuleStore, ttl time.Duration, builtins []compiledRule, logger *zap.Logger) *ruleCache {
	return &ruleCache{
		store:    store,
		ttl:      ttl,
		builtins: builtins,
		logger:   logger,
		now:      time.Now,
		sets:     make(map[string]*ruleSet),
	}
}

// get 返回设备规则（包含已禁用的规则），无法解析的规则跳过并告警
func (c *ruleCache) get(ctx context.Context, deviceCode string) (*ruleSet, error) {
	c.mu.RLock()
	set, ok := c.sets[deviceCode]
	c.mu.RUnlock()
	if ok && c.now().Sub(set.loadedAt) < c.ttl {
		return set, nil
	}

	rules, err := c.store.ListByDevice(ctx, deviceCode)
	if err != nil {
		return nil, fmt.Errorf("failed to load alert rules for %s: %w", deviceCode, err)
	}

	set = &ruleSet{
		rules:    make([]compiledRule, 0, len(rules)),
		byID:     make(map[int64]*compiledRule, len(rules)),
		loadedAt: c.now(),
	}
	for _, rule := range rules {
		cr, err := compileRule(rule)
		if err != nil {
			c.logger.Warn("Skipping invalid alert rule",
				zap.Int64("rule_id", rule.ID),
				zap.String("device_code", deviceCode),
				zap.Error(err),
			)
			continue
		}
		set.rules = append(set.rules, cr)
	}
	set.rules = withBuiltins(set.rules, c.builtins)
	for i := range set.rules {
		set.byID[set.rules[i].rule.ID] = &set.rules[i]
	}

	c.mu.Lock()
	c.sets[deviceCode] = set
	c.mu.Unlock()
	return set, nil
}

// invalidate 删除设备规则缓存，deviceCode 为空时清空全部
func (c *ruleCache) invalidate(deviceCode string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if deviceCode == "" {
		c.sets = make(map[string]*ruleSet)
		return
	}
	delete(c.sets, deviceCode)
}

// withBuiltins 追加内置规则；设备已有同指标规则（包括已禁用的）时不追加
func withBuiltins(rules, builtins []compiledRule) []compiledRule {
	if len(builtins) == 0 {
		return rules
	}
	configured := make(map[string]bool, len(rules))
	for _, cr := range rules {
		configured[cr.rule.MetricName] = true
	}
	for _, b := range builtins {
		if !configured[b.rule.MetricName] {
			rules = append(rules, b)
		}
	}
	return rules
}
