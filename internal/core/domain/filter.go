// Package domain file: internal/core/domain/filter.go
package domain

import (
	"sort"
	"strings"
)

// JoinOperator 是顶层条件的连接方式。
type JoinOperator string

const (
	JoinAnd JoinOperator = "AND"
	JoinOr  JoinOperator = "OR"
)

// CompareOp 是 exact_values 过滤器支持的显式操作符集合。
type CompareOp string

const (
	OpEq         CompareOp = "="
	OpNeq        CompareOp = "!="
	OpGt         CompareOp = ">"
	OpLt         CompareOp = "<"
	OpGte        CompareOp = ">="
	OpLte        CompareOp = "<="
	OpContains   CompareOp = "CONTAINS"
	OpStartsWith CompareOp = "STARTS_WITH"
	OpEndsWith   CompareOp = "ENDS_WITH"
	OpIsNull     CompareOp = "IS_NULL"
	OpIsNotNull  CompareOp = "IS_NOT_NULL"
)

// RangeBound 区分范围过滤的上下界。
type RangeBound int

const (
	BoundMin RangeBound = iota // <col>Min → col >= v
	BoundMax                   // <col>Max → col <= v
)

// RangeFilter 表示一条范围边界条件（键名约定 <col>Min / <col>Max）。
type RangeFilter struct {
	Column string
	Bound  RangeBound
	Value  any
}

// MembershipFilter 表示一条集合成员条件（列名 → 非空列表）。
type MembershipFilter struct {
	Column string
	Values []any
}

// AvailabilityFilter 表示 dataAvailability 约定：列值非 NULL 且非空串。
type AvailabilityFilter struct {
	Columns []string
}

// ExactValueFilter 表示 exact_values 约定下的一条精确条件。
// HasOp 为 false 时表示裸值形态，编译时按值类型推断（列表→IN，数字→等值，其余→字符串等值）。
type ExactValueFilter struct {
	Column string
	Op     CompareOp
	Value  any
	HasOp  bool
}

// FilterSpec 是过滤请求解析后的类型安全表示。
// 解析是全函数：无法识别的键和形态直接丢弃，绝不报错——这是刻意的
// "沉默收窄" 策略，畸形输入只会缩小结果集，不会中断请求。
type FilterSpec struct {
	Operator     JoinOperator
	Ranges       []RangeFilter
	Memberships  []MembershipFilter
	Availability AvailabilityFilter
	Exacts       []ExactValueFilter
}

// 解析与编译共用的保留键，不参与列名约定匹配
var reservedFilterKeys = map[string]struct{}{
	"operator":         {},
	"dataAvailability": {},
	"exact_values":     {},
}

// validCompareOps 是显式操作符的白名单，未知操作符整条丢弃
var validCompareOps = map[CompareOp]struct{}{
	OpEq: {}, OpNeq: {}, OpGt: {}, OpLt: {}, OpGte: {}, OpLte: {},
	OpContains: {}, OpStartsWith: {}, OpEndsWith: {},
	OpIsNull: {}, OpIsNotNull: {},
}

// ParseFilterSpec 把客户端 JSON 原始形态解析为 FilterSpec。
// 键按字典序遍历，保证同一输入的解析结果与 map 迭代顺序无关。
func ParseFilterSpec(raw map[string]any) FilterSpec {
	spec := FilterSpec{Operator: JoinAnd}
	if len(raw) == 0 {
		return spec
	}

	if op, ok := raw["operator"].(string); ok {
		if upper := JoinOperator(strings.ToUpper(strings.TrimSpace(op))); upper == JoinOr {
			spec.Operator = JoinOr
		}
	}

	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		if _, reserved := reservedFilterKeys[key]; reserved {
			continue
		}
		value := raw[key]

		// 约定一：范围边界 <col>Min / <col>Max
		if col, ok := strings.CutSuffix(key, "Min"); ok && col != "" && value != nil {
			spec.Ranges = append(spec.Ranges, RangeFilter{Column: col, Bound: BoundMin, Value: value})
			continue
		}
		if col, ok := strings.CutSuffix(key, "Max"); ok && col != "" && value != nil {
			spec.Ranges = append(spec.Ranges, RangeFilter{Column: col, Bound: BoundMax, Value: value})
			continue
		}

		// 约定二：非空列表 → IN 成员测试。其余形态（裸标量等）不匹配任何约定，丢弃。
		if list := toAnySlice(value); len(list) > 0 {
			spec.Memberships = append(spec.Memberships, MembershipFilter{Column: key, Values: list})
		}
	}

	// 约定三：dataAvailability 列表
	if avail := toAnySlice(raw["dataAvailability"]); len(avail) > 0 {
		for _, v := range avail {
			if col, ok := v.(string); ok && col != "" {
				spec.Availability.Columns = append(spec.Availability.Columns, col)
			}
		}
	}

	// 约定四：exact_values 映射
	if exact, ok := raw["exact_values"].(map[string]any); ok {
		cols := make([]string, 0, len(exact))
		for c := range exact {
			cols = append(cols, c)
		}
		sort.Strings(cols)
		for _, col := range cols {
			if f, ok := parseExactValue(col, exact[col]); ok {
				spec.Exacts = append(spec.Exacts, f)
			}
		}
	}

	return spec
}

// parseExactValue 解析 exact_values 下的单条配置。
// 携带 operator 的对象形态走显式操作符分派；其余一律视为裸值。
func parseExactValue(col string, v any) (ExactValueFilter, bool) {
	if obj, ok := v.(map[string]any); ok {
		if rawOp, hasOp := obj["operator"]; hasOp {
			opStr, _ := rawOp.(string)
			op := CompareOp(strings.ToUpper(strings.TrimSpace(opStr)))
			if _, valid := validCompareOps[op]; !valid {
				return ExactValueFilter{}, false
			}
			return ExactValueFilter{Column: col, Op: op, Value: obj["value"], HasOp: true}, true
		}
		// 无 operator 的对象无法安全编译，丢弃
		return ExactValueFilter{}, false
	}
	if v == nil {
		return ExactValueFilter{}, false
	}
	return ExactValueFilter{Column: col, Value: v}, true
}

// toAnySlice 宽容地把 JSON 反序列化产物转成 []any；非列表返回 nil。
func toAnySlice(v any) []any {
	switch list := v.(type) {
	case []any:
		return list
	case []string:
		out := make([]any, len(list))
		for i, s := range list {
			out[i] = s
		}
		return out
	default:
		return nil
	}
}
