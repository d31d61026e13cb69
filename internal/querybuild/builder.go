// Package querybuild file: internal/querybuild/builder.go
//
// 查询编译器：把解析后的过滤/搜索意图编译为仓库方言的 SQL 片段。
// 全部为纯函数，无 I/O、无共享状态，且对任意输入都是全函数——任何
// 不在列目录白名单内的列名都不会进入 SQL，这是本层的核心安全不变量。
package querybuild

import (
	"fmt"
	"strconv"
	"strings"

	"FiscalLens/internal/core/domain"
)

// QuoteIdentifier 给标识符加双引号；已加引号的标识符原样返回（幂等）。
func QuoteIdentifier(identifier string) string {
	if strings.HasPrefix(identifier, `"`) && strings.HasSuffix(identifier, `"`) && len(identifier) >= 2 {
		return identifier
	}
	return `"` + identifier + `"`
}

// EscapeString 对值做单引号翻倍转义。
// 本设计沿用字符串拼接而非参数绑定，转义正确性是安全承重点。
func EscapeString(value string) string {
	return strings.ReplaceAll(value, "'", "''")
}

// Compile 是编译器的总入口：从过滤规格、搜索串与列目录编译出
// WHERE 子句（可为空串）与 ORDER/LIMIT/OFFSET 子句。
func Compile(spec domain.FilterSpec, search string, catalog []string, orderColumn string, pageSize, offset int) (whereClause, orderClause string) {
	var parts []string
	if filter := CompileFilters(spec, catalog); filter != "" {
		parts = append(parts, "("+filter+")")
	}
	if searchCond := CompileSearch(search, catalog); searchCond != "" {
		parts = append(parts, "("+searchCond+")")
	}
	if len(parts) > 0 {
		whereClause = "WHERE " + strings.Join(parts, " AND ")
	}
	return whereClause, CompileOrder(orderColumn, pageSize, offset)
}

// CompileOrder 编译排序与窗口片段。
func CompileOrder(orderColumn string, pageSize, offset int) string {
	if pageSize < 1 {
		pageSize = 10
	}
	if offset < 0 {
		offset = 0
	}
	return fmt.Sprintf("ORDER BY %s LIMIT %d OFFSET %d", QuoteIdentifier(orderColumn), pageSize, offset)
}

// CompileFilters 按固定的阶段次序把过滤规格编译为条件列表，
// 再用请求级操作符连接。目录外的列在每个阶段被静默丢弃。
func CompileFilters(spec domain.FilterSpec, catalog []string) string {
	known := catalogSet(catalog)
	var conditions []string

	// 阶段一：范围边界
	for _, r := range spec.Ranges {
		if _, ok := known[r.Column]; !ok {
			continue
		}
		op := ">="
		if r.Bound == domain.BoundMax {
			op = "<="
		}
		conditions = append(conditions, fmt.Sprintf("%s %s %s", QuoteIdentifier(r.Column), op, renderValue(r.Value)))
	}

	// 阶段二：集合成员
	for _, m := range spec.Memberships {
		if _, ok := known[m.Column]; !ok {
			continue
		}
		conditions = append(conditions, fmt.Sprintf("%s IN (%s)", QuoteIdentifier(m.Column), renderInList(m.Values)))
	}

	// 阶段三：数据可得性。整组括号独立于顶层连接符，但组内用顶层连接符连接。
	var avail []string
	for _, col := range spec.Availability.Columns {
		if _, ok := known[col]; !ok {
			continue
		}
		avail = append(avail, fmt.Sprintf("%s IS NOT NULL AND %s <> ''", QuoteIdentifier(col), QuoteIdentifier(col)))
	}
	if len(avail) > 0 {
		conditions = append(conditions, "("+strings.Join(avail, " "+string(spec.Operator)+" ")+")")
	}

	// 阶段四：精确值过滤
	for _, e := range spec.Exacts {
		if _, ok := known[e.Column]; !ok {
			continue
		}
		if cond, ok := compileExact(e); ok {
			conditions = append(conditions, cond)
		}
	}

	return strings.Join(conditions, " "+string(spec.Operator)+" ")
}

// compileExact 对单条精确值过滤做穷尽分派。
func compileExact(e domain.ExactValueFilter) (string, bool) {
	col := QuoteIdentifier(e.Column)

	if !e.HasOp {
		// 裸值形态：列表 → IN；数字 → 原样等值；其余 → 字符串等值
		if list, ok := e.Value.([]any); ok {
			if len(list) == 0 {
				return "", false
			}
			return fmt.Sprintf("%s IN (%s)", col, renderInList(list)), true
		}
		return fmt.Sprintf("%s = %s", col, renderValue(e.Value)), true
	}

	switch e.Op {
	case domain.OpEq, domain.OpNeq, domain.OpGt, domain.OpLt, domain.OpGte, domain.OpLte:
		return fmt.Sprintf("%s %s %s", col, e.Op, renderValue(e.Value)), true
	case domain.OpContains:
		return fmt.Sprintf("%s ILIKE '%%%s%%'", col, EscapeString(stringify(e.Value))), true
	case domain.OpStartsWith:
		return fmt.Sprintf("%s ILIKE '%s%%'", col, EscapeString(stringify(e.Value))), true
	case domain.OpEndsWith:
		return fmt.Sprintf("%s ILIKE '%%%s'", col, EscapeString(stringify(e.Value))), true
	case domain.OpIsNull:
		return col + " IS NULL", true
	case domain.OpIsNotNull:
		return col + " IS NOT NULL", true
	}
	return "", false
}

// renderValue 渲染单个比较值：数字原样内插，其余一律转义后加单引号。
func renderValue(v any) string {
	if s, ok := formatNumber(v); ok {
		return s
	}
	return "'" + EscapeString(stringify(v)) + "'"
}

// renderInList 渲染 IN 列表：与源行为一致，列表元素一律按字符串引号处理。
func renderInList(values []any) string {
	quoted := make([]string, 0, len(values))
	for _, v := range values {
		quoted = append(quoted, "'"+EscapeString(stringify(v))+"'")
	}
	return strings.Join(quoted, ",")
}

// formatNumber 判定并渲染数字类型。JSON 反序列化产物以 float64 为主。
func formatNumber(v any) (string, bool) {
	switch n := v.(type) {
	case int:
		return strconv.Itoa(n), true
	case int32:
		return strconv.FormatInt(int64(n), 10), true
	case int64:
		return strconv.FormatInt(n, 10), true
	case float32:
		return strconv.FormatFloat(float64(n), 'f', -1, 32), true
	case float64:
		return strconv.FormatFloat(n, 'f', -1, 64), true
	}
	return "", false
}

func stringify(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	if s, ok := formatNumber(v); ok {
		return s
	}
	return fmt.Sprint(v)
}

func catalogSet(catalog []string) map[string]struct{} {
	set := make(map[string]struct{}, len(catalog))
	for _, c := range catalog {
		set[c] = struct{}{}
	}
	return set
}
