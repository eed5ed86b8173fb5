package alert

import (
	"fmt"
)

// 条件类型（alert_rules.condition_type）
const (
	ConditionGreaterThan  = "GREATER_THAN"
	ConditionLessThan     = "LESS_THAN"
	ConditionGreaterEqual = "GREATER_EQUAL"
	ConditionLessEqual    = "LESS_EQUAL"
	ConditionEqual        = "EQUAL"
	ConditionNotEqual     = "NOT_EQUAL"
	ConditionBetween      = "BETWEEN"
	ConditionOutsideRange = "OUTSIDE_RANGE"
)

// 比较使用的阈值
type thresholdUse int

const (
	useMax thresholdUse = iota
	useMin
	useBoth
)

type condition struct {
	uses    thresholdUse
	matches func(v, min, max float64) bool
	symbol  string
}

// conditionTable 条件类型 → 比较函数
// 单边条件中 GREATER_* / EQUAL / NOT_EQUAL 使用 threshold_max，LESS_* 使用 threshold_min
var conditionTable = map[string]condition{
	ConditionGreaterThan:  {useMax, func(v, _, max float64) bool { return v > max }, ">"},
	ConditionGreaterEqual: {useMax, func(v, _, max float64) bool { return v >= max }, ">="},
	ConditionEqual:        {useMax, func(v, _, max float64) bool { return v == max }, "=="},
	ConditionNotEqual:     {useMax, func(v, _, max float64) bool { return v != max }, "!="},
	ConditionLessThan:     {useMin, func(v, min, _ float64) bool { return v < min }, "<"},
	ConditionLessEqual:    {useMin, func(v, min, _ float64) bool { return v <= min }, "<="},
	ConditionBetween:      {useBoth, func(v, min, max float64) bool { return v >= min && v <= max }, "in"},
	ConditionOutsideRange: {useBoth, func(v, min, max float64) bool { return v < min || v > max }, "outside"},
}

// predicate 编译后的判定函数
type predicate struct {
	cond condition
	min  float64
	max  float64
}

func compileCondition(conditionType string, min, max *float64) (predicate, error) {
	cond, ok := conditionTable[conditionType]
	if !ok {
		return predicate{}, fmt.Errorf("unknown condition type %q", conditionType)
	}

	p := predicate{cond: cond}
	switch cond.uses {
	case useMax:
		if max == nil {
			return predicate{}, fmt.Errorf("%s requires threshold_max", conditionType)
		}
		p.max = *max
	case useMin:
		if min == nil {
			return predicate{}, fmt.Errorf("%s requires threshold_min", conditionType)
		}
		p.min = *min
	case useBoth:
		if min == nil || max == nil {
			return predicate{}, fmt.Errorf("%s requires threshold_min and threshold_max", conditionType)
		}
		if *min > *max {
			return predicate{}, fmt.Errorf("%s threshold_min %v greater than threshold_max %v", conditionType, *min, *max)
		}
		p.min, p.max = *min, *max
	}
	return p, nil
}

func (p predicate) matches(v float64) bool {
	return p.cond.matches(v, p.min, p.max)
}

// threshold 告警记录中保存的阈值：越过的那一侧
func (p predicate) threshold(v float64) float64 {
	switch p.cond.uses {
	case useMin:
		return p.min
	case useBoth:
		if v > p.max {
			return p.max
		}
		return p.min
	default:
		return p.max
	}
}

func (p predicate) describe() string {
	if p.cond.uses == useBoth {
		return fmt.Sprintf("%s [%.2f, %.2f]", p.cond.symbol, p.min, p.max)
	}
	return fmt.Sprintf("%s %.2f", p.cond.symbol, p.threshold(0))
}
