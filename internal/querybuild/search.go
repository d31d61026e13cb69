// Package querybuild file: internal/querybuild/search.go
package querybuild

import (
	"fmt"
	"strings"
)

// 列名中出现即视为时间语义列、排除出全文搜索的子串
var temporalNameHints = []string{"date", "time", "timestamp", "created", "updated", "modified"}

// IsNonSearchableColumn 判定列是否被排除出全文搜索：
// 标识符列（id、*_id、长度大于 2 且以 id 结尾）与时间语义列不参与模糊匹配。
func IsNonSearchableColumn(column string) bool {
	lower := strings.ToLower(column)
	if lower == "id" || strings.HasSuffix(lower, "_id") || (strings.HasSuffix(lower, "id") && len(lower) > 2) {
		return true
	}
	for _, hint := range temporalNameHints {
		if strings.Contains(lower, hint) {
			return true
		}
	}
	return false
}

// SearchableColumns 从列目录中筛出可参与全文搜索的子集。
func SearchableColumns(catalog []string) []string {
	var cols []string
	for _, c := range catalog {
		if !IsNonSearchableColumn(c) {
			cols = append(cols, c)
		}
	}
	return cols
}

// CompileSearch 编译自由文本搜索子句。
// 关键词按逗号分词；前缀 "-" 表示排除。包含词在所有可搜索列上取 OR
//（词至少命中一列），排除词在所有可搜索列上取 AND（词必须全列缺席），
// 词与词之间一律 AND 连接。无可搜索列时返回空串而非错误。
func CompileSearch(keywords string, catalog []string) string {
	if strings.TrimSpace(keywords) == "" {
		return ""
	}

	textColumns := SearchableColumns(catalog)
	if len(textColumns) == 0 {
		return ""
	}

	var perTerm []string
	for _, raw := range strings.Split(keywords, ",") {
		term := strings.TrimSpace(raw)
		if term == "" {
			continue
		}

		exclude := strings.HasPrefix(term, "-")
		if exclude {
			term = term[1:]
			if term == "" {
				continue
			}
		}
		escaped := EscapeString(term)

		conds := make([]string, 0, len(textColumns))
		if exclude {
			for _, col := range textColumns {
				conds = append(conds, fmt.Sprintf("%s NOT ILIKE '%%%s%%'", QuoteIdentifier(col), escaped))
			}
			perTerm = append(perTerm, strings.Join(conds, " AND "))
		} else {
			for _, col := range textColumns {
				conds = append(conds, fmt.Sprintf("%s ILIKE '%%%s%%'", QuoteIdentifier(col), escaped))
			}
			perTerm = append(perTerm, "("+strings.Join(conds, " OR ")+")")
		}
	}

	return strings.Join(perTerm, " AND ")
}
