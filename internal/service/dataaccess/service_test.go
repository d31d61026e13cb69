// file: internal/service/dataaccess/service_test.go
package dataaccess

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"FiscalLens/internal/core/port"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRunner 记录收到的 SQL 并按脚本应答，替代真实连接池。
type fakeRunner struct {
	mu      sync.Mutex
	queries []string
	argsLog [][]any
	handler func(query string, args ...any) ([]map[string]any, error)
}

func (f *fakeRunner) RunQuery(ctx context.Context, query string, args ...any) ([]map[string]any, error) {
	f.mu.Lock()
	f.queries = append(f.queries, query)
	f.argsLog = append(f.argsLog, args)
	f.mu.Unlock()
	return f.handler(query, args...)
}

func (f *fakeRunner) recorded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.queries...)
}

func (f *fakeRunner) countMatching(substr string) int {
	n := 0
	for _, q := range f.recorded() {
		if strings.Contains(q, substr) {
			n++
		}
	}
	return n
}

var testCatalog = []map[string]any{
	{"column_name": "ELEMENT_CODE", "data_type": "character varying"},
	{"column_name": "AMOUNT_K", "data_type": "numeric"},
	{"column_name": "UPDATED_AT", "data_type": "timestamp without time zone"},
}

// newScriptedRunner 构造常规应答脚本：按 SQL 分派目录、计数、数据三类结果。
func newScriptedRunner(total int64, data []map[string]any) *fakeRunner {
	return &fakeRunner{handler: func(query string, args ...any) ([]map[string]any, error) {
		switch {
		case strings.Contains(query, "information_schema"):
			return testCatalog, nil
		case strings.Contains(query, "COUNT(*)"):
			return []map[string]any{{"total_count": total}}, nil
		default:
			return data, nil
		}
	}}
}

func TestNew_NilRunner(t *testing.T) {
	_, err := New(nil, Config{})
	assert.Error(t, err, "runner 为 nil 时必须拒绝构造")
}

func TestListRecords_HappyPath(t *testing.T) {
	updated := time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)
	runner := newScriptedRunner(42, []map[string]any{
		{"ELEMENT_CODE": "0604850F", "AMOUNT_K": "123.45", "UPDATED_AT": updated},
	})
	svc, err := New(runner, Config{Schema: "BUDGET", Table: "UNIFIED"})
	require.NoError(t, err)

	result, err := svc.ListRecords(context.Background(), port.ListRequest{
		Filters:  map[string]any{"AMOUNT_KMin": 100},
		Page:     2,
		PageSize: 25,
	})
	require.NoError(t, err)

	assert.Equal(t, int64(42), result.TotalCount)
	assert.Equal(t, 2, result.Page)
	assert.Equal(t, 25, result.PageSize)
	assert.Empty(t, result.Message)

	queries := runner.recorded()
	require.Len(t, queries, 3, "应依次发出目录、计数、数据三条查询")
	assert.Contains(t, queries[0], "information_schema.columns")
	assert.Equal(t, []any{"UNIFIED", "BUDGET"}, runner.argsLog[0], "元数据查询必须走参数绑定")
	assert.Equal(t,
		`SELECT COUNT(*) AS total_count FROM "BUDGET"."UNIFIED" WHERE ("AMOUNT_K" >= 100)`,
		queries[1])
	assert.Equal(t,
		`SELECT * FROM "BUDGET"."UNIFIED" WHERE ("AMOUNT_K" >= 100) ORDER BY "ELEMENT_CODE" LIMIT 25 OFFSET 25`,
		queries[2])

	// 行规整：时间转 ISO-8601，numeric 列字符串转浮点
	require.Len(t, result.Data, 1)
	assert.Equal(t, "2025-03-14T09:26:53Z", result.Data[0]["UPDATED_AT"])
	assert.Equal(t, 123.45, result.Data[0]["AMOUNT_K"])
	assert.Equal(t, "0604850F", result.Data[0]["ELEMENT_CODE"])
}

func TestListRecords_DefaultsApplied(t *testing.T) {
	runner := newScriptedRunner(0, nil)
	svc, err := New(runner, Config{Table: "UNIFIED"})
	require.NoError(t, err)

	result, err := svc.ListRecords(context.Background(), port.ListRequest{Page: 0, PageSize: 0})
	require.NoError(t, err)

	assert.Equal(t, 1, result.Page)
	assert.Equal(t, 10, result.PageSize)
	assert.NotNil(t, result.Data, "空结果也返回空切片而非 nil")
	assert.Empty(t, result.Data)

	queries := runner.recorded()
	require.Len(t, queries, 3)
	// 无过滤无搜索时子句为空，SQL 不留悬挂空格
	assert.Equal(t, `SELECT COUNT(*) AS total_count FROM "UNIFIED"`, queries[1])
	assert.Equal(t, `SELECT * FROM "UNIFIED" ORDER BY "ELEMENT_CODE" LIMIT 10 OFFSET 0`, queries[2])
}

func TestListRecords_PageSizeClamped(t *testing.T) {
	runner := newScriptedRunner(0, nil)
	svc, err := New(runner, Config{Table: "UNIFIED"})
	require.NoError(t, err)

	result, err := svc.ListRecords(context.Background(), port.ListRequest{Page: 1, PageSize: 99999})
	require.NoError(t, err)
	assert.Equal(t, 2000, result.PageSize)
	assert.Contains(t, runner.recorded()[2], "LIMIT 2000 OFFSET 0")
}

func TestListRecords_OrderByWhitelist(t *testing.T) {
	t.Run("valid column overrides default", func(t *testing.T) {
		runner := newScriptedRunner(0, nil)
		svc, err := New(runner, Config{Table: "UNIFIED"})
		require.NoError(t, err)

		_, err = svc.ListRecords(context.Background(), port.ListRequest{OrderBy: "AMOUNT_K"})
		require.NoError(t, err)
		assert.Contains(t, runner.recorded()[2], `ORDER BY "AMOUNT_K"`)
	})

	t.Run("unknown column falls back to first catalog column", func(t *testing.T) {
		runner := newScriptedRunner(0, nil)
		svc, err := New(runner, Config{Table: "UNIFIED"})
		require.NoError(t, err)

		_, err = svc.ListRecords(context.Background(), port.ListRequest{OrderBy: `x"; DROP TABLE y; --`})
		require.NoError(t, err)
		assert.Contains(t, runner.recorded()[2], `ORDER BY "ELEMENT_CODE"`)
	})
}

func TestListRecords_SearchSkipsTemporalColumns(t *testing.T) {
	runner := newScriptedRunner(0, nil)
	svc, err := New(runner, Config{Table: "UNIFIED"})
	require.NoError(t, err)

	_, err = svc.ListRecords(context.Background(), port.ListRequest{Search: "drone"})
	require.NoError(t, err)

	dataSQL := runner.recorded()[2]
	assert.Contains(t, dataSQL, `"ELEMENT_CODE" ILIKE '%drone%'`)
	assert.Contains(t, dataSQL, `"AMOUNT_K" ILIKE '%drone%'`)
	assert.NotContains(t, dataSQL, `"UPDATED_AT" ILIKE`, "时间类列不参与全文搜索")
}

func TestListRecords_EmptyCatalogDegrades(t *testing.T) {
	runner := &fakeRunner{handler: func(query string, args ...any) ([]map[string]any, error) {
		return nil, nil // 目录查询返回零列
	}}
	svc, err := New(runner, Config{Table: "GHOST"})
	require.NoError(t, err)

	result, err := svc.ListRecords(context.Background(), port.ListRequest{Page: 3, PageSize: 7})
	require.NoError(t, err, "空目录按约定降级而非报错")

	assert.Empty(t, result.Data)
	assert.Equal(t, int64(0), result.TotalCount)
	assert.Equal(t, 3, result.Page)
	assert.Equal(t, 7, result.PageSize)
	assert.NotEmpty(t, result.Message)
	assert.Len(t, runner.recorded(), 1, "目录为空时不得再发计数或数据查询")
}

func TestListRecords_CatalogErrorDegrades(t *testing.T) {
	runner := &fakeRunner{handler: func(query string, args ...any) ([]map[string]any, error) {
		return nil, errors.New("permission denied for schema information_schema")
	}}
	svc, err := New(runner, Config{Table: "UNIFIED"})
	require.NoError(t, err)

	result, err := svc.ListRecords(context.Background(), port.ListRequest{})
	require.NoError(t, err)
	assert.Empty(t, result.Data)
	assert.Contains(t, result.Message, "列目录解析失败")
}

func TestListRecords_PoolErrorPassesThrough(t *testing.T) {
	runner := &fakeRunner{handler: func(query string, args ...any) ([]map[string]any, error) {
		return nil, port.ErrPoolExhausted
	}}
	svc, err := New(runner, Config{Table: "UNIFIED"})
	require.NoError(t, err)

	// 池类错误不降级：原样上抛，让调用方以 503 语义处理
	_, err = svc.ListRecords(context.Background(), port.ListRequest{})
	assert.ErrorIs(t, err, port.ErrPoolExhausted)
}

func TestListRecords_ExecErrorWrapped(t *testing.T) {
	runner := &fakeRunner{handler: func(query string, args ...any) ([]map[string]any, error) {
		if strings.Contains(query, "information_schema") {
			return testCatalog, nil
		}
		return nil, errors.New("numeric field overflow")
	}}
	svc, err := New(runner, Config{Table: "UNIFIED"})
	require.NoError(t, err)

	_, err = svc.ListRecords(context.Background(), port.ListRequest{})
	require.Error(t, err)
	assert.ErrorIs(t, err, port.ErrQueryExecution)
	assert.Contains(t, err.Error(), "numeric field overflow", "包装错误必须保留根因")
}

func TestListRecords_CountCacheHit(t *testing.T) {
	runner := newScriptedRunner(42, nil)
	svc, err := New(runner, Config{Table: "UNIFIED", CountCacheTTL: time.Minute})
	require.NoError(t, err)

	req := port.ListRequest{Filters: map[string]any{"AMOUNT_KMin": 100}}
	first, err := svc.ListRecords(context.Background(), req)
	require.NoError(t, err)
	second, err := svc.ListRecords(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, int64(42), first.TotalCount)
	assert.Equal(t, int64(42), second.TotalCount)
	assert.Equal(t, 1, runner.countMatching("COUNT(*)"), "相同表与子句的计数应命中缓存")
	assert.Equal(t, 2, runner.countMatching("SELECT * FROM"), "数据查询不走计数缓存")
}

func TestCatalogCache_AndInvalidate(t *testing.T) {
	runner := newScriptedRunner(0, nil)
	svc, err := New(runner, Config{Table: "UNIFIED", SchemaCacheTTL: time.Minute})
	require.NoError(t, err)

	_, err = svc.ListRecords(context.Background(), port.ListRequest{})
	require.NoError(t, err)
	_, err = svc.ListRecords(context.Background(), port.ListRequest{})
	require.NoError(t, err)
	assert.Equal(t, 1, runner.countMatching("information_schema"), "列目录应命中 TTL 缓存")

	svc.InvalidateCatalog("UNIFIED")
	_, err = svc.ListRecords(context.Background(), port.ListRequest{})
	require.NoError(t, err)
	assert.Equal(t, 2, runner.countMatching("information_schema"), "失效后应重查元数据")
}

func TestHealthCheck(t *testing.T) {
	t.Run("healthy with redacted config", func(t *testing.T) {
		runner := &fakeRunner{handler: func(query string, args ...any) ([]map[string]any, error) {
			return []map[string]any{{"version": "PostgreSQL 16.3"}}, nil
		}}
		svc, err := New(runner, Config{Database: "FOUNDRY", Schema: "BUDGET", Table: "UNIFIED"})
		require.NoError(t, err)

		status, err := svc.HealthCheck(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "healthy", status.Status)
		assert.Equal(t, "PostgreSQL 16.3", status.Version)
		assert.Equal(t, map[string]string{
			"database": "FOUNDRY",
			"schema":   "BUDGET",
			"table":    "UNIFIED",
		}, status.Config)
		// 摘要绝不携带凭证
		for k := range status.Config {
			assert.NotContains(t, strings.ToLower(k), "password")
		}
	})

	t.Run("version missing", func(t *testing.T) {
		runner := &fakeRunner{handler: func(query string, args ...any) ([]map[string]any, error) {
			return nil, nil
		}}
		svc, err := New(runner, Config{})
		require.NoError(t, err)

		status, err := svc.HealthCheck(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "Unknown", status.Version)
	})

	t.Run("query error wrapped", func(t *testing.T) {
		runner := &fakeRunner{handler: func(query string, args ...any) ([]map[string]any, error) {
			return nil, errors.New("connection reset")
		}}
		svc, err := New(runner, Config{})
		require.NoError(t, err)

		_, err = svc.HealthCheck(context.Background())
		assert.ErrorIs(t, err, port.ErrQueryExecution)
	})

	t.Run("pool error passes through", func(t *testing.T) {
		runner := &fakeRunner{handler: func(query string, args ...any) ([]map[string]any, error) {
			return nil, port.ErrPoolClosed
		}}
		svc, err := New(runner, Config{})
		require.NoError(t, err)

		_, err = svc.HealthCheck(context.Background())
		assert.ErrorIs(t, err, port.ErrPoolClosed)
	})
}

func TestTableMetadata(t *testing.T) {
	runner := newScriptedRunner(0, nil)
	svc, err := New(runner, Config{Table: "UNIFIED"})
	require.NoError(t, err)

	meta, err := svc.TableMetadata(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, meta, 3)
	assert.Equal(t, port.ColumnMeta{Name: "AMOUNT_K", DataType: "numeric"}, meta["AMOUNT_K"])
	assert.Equal(t, port.ColumnMeta{Name: "UPDATED_AT", DataType: "timestamp without time zone"}, meta["UPDATED_AT"])
}

func TestTableMetadata_Error(t *testing.T) {
	runner := &fakeRunner{handler: func(query string, args ...any) ([]map[string]any, error) {
		return nil, errors.New("relation does not exist")
	}}
	svc, err := New(runner, Config{Table: "UNIFIED"})
	require.NoError(t, err)

	_, err = svc.TableMetadata(context.Background(), "MISSING")
	assert.Error(t, err)
}
