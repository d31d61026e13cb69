// Package dataaccess — 数据访问服务
// internal/service/dataaccess/service.go
//
// 编排一次"列表/分页"逻辑请求：解析列目录 → 编译查询 → 经连接池执行
// 计数与分页查询 → 规整结果行。池由调用方显式注入，服务自身无全局状态。
package dataaccess

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"FiscalLens/internal/core/domain"
	"FiscalLens/internal/core/port"
	"FiscalLens/internal/querybuild"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2/expirable"
	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"
)

// 静态断言，确保 Service 实现了 port.DataAccessor 接口。
var _ port.DataAccessor = (*Service)(nil)

const (
	defaultPageSize = 10
	maxPageSize     = 2000

	catalogCacheEntries = 256
)

// QueryRunner 是服务对执行层的最小依赖：执行一条 SQL 并返回行映射。
// 生产环境由 warehouse.Pool 实现，测试中以假实现替换。
type QueryRunner interface {
	RunQuery(ctx context.Context, query string, args ...any) ([]map[string]any, error)
}

// Config 是数据访问服务的全部可调参数。
type Config struct {
	Database string // 仅用于健康信息摘要
	Schema   string // 目标模式名，空则不限定
	Table    string // 默认目标表

	// SchemaCacheTTL 列目录缓存的过期时间；<=0 时关闭缓存，
	// 退化为源实现的每请求重查元数据行为
	SchemaCacheTTL time.Duration

	// CountCacheTTL COUNT(*) 结果缓存的过期时间；<=0 时关闭缓存
	CountCacheTTL time.Duration

	// QueryRate 每秒允许发往仓库的查询数上限；<=0 时不限流
	QueryRate  float64
	QueryBurst int
}

// Service 实现 port.DataAccessor。
type Service struct {
	runner QueryRunner
	cfg    Config

	catalogCache *lru.LRU[string, []port.ColumnMeta]
	countCache   *gocache.Cache
	limiter      *rate.Limiter
}

// New 创建数据访问服务。runner 不能为 nil。
func New(runner QueryRunner, cfg Config) (*Service, error) {
	if runner == nil {
		return nil, errors.New("dataaccess.New: runner 实例不能为 nil")
	}

	s := &Service{runner: runner, cfg: cfg}

	if cfg.SchemaCacheTTL > 0 {
		s.catalogCache = lru.NewLRU[string, []port.ColumnMeta](catalogCacheEntries, nil, cfg.SchemaCacheTTL)
	}
	if cfg.CountCacheTTL > 0 {
		s.countCache = gocache.New(cfg.CountCacheTTL, 2*cfg.CountCacheTTL)
	}
	if cfg.QueryRate > 0 {
		burst := cfg.QueryBurst
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.QueryRate), burst)
	}
	return s, nil
}

// ListRecords 执行一次分页、过滤、搜索查询。
// 列目录解析失败按约定降级为空结果加诊断信息，而非错误；
// 仓库侧执行失败以 ErrQueryExecution 包装上抛，绝不让半成品子句到达执行。
func (s *Service) ListRecords(ctx context.Context, req port.ListRequest) (*port.ListResult, error) {
	table := req.Table
	if table == "" {
		table = s.cfg.Table
	}
	page := req.Page
	if page < 1 {
		page = 1
	}
	size := req.PageSize
	if size < 1 {
		size = defaultPageSize
	}
	if size > maxPageSize {
		size = maxPageSize
	}

	logger := slog.With("request_id", uuid.NewString(), "table", table)

	columns, err := s.resolveCatalog(ctx, table)
	if err != nil {
		if errors.Is(err, port.ErrPoolExhausted) || errors.Is(err, port.ErrPoolClosed) {
			return nil, err
		}
		logger.Warn("列目录解析失败，降级返回空结果", "error", err)
		return &port.ListResult{
			Data: []map[string]any{}, Page: page, PageSize: size,
			Message: fmt.Sprintf("列目录解析失败: %v", err),
		}, nil
	}
	if len(columns) == 0 {
		logger.Warn("目标表中未发现任何列，降级返回空结果")
		return &port.ListResult{
			Data: []map[string]any{}, Page: page, PageSize: size,
			Message: "目标表中未发现任何列",
		}, nil
	}

	catalog := make([]string, len(columns))
	typeByColumn := make(map[string]string, len(columns))
	for i, c := range columns {
		catalog[i] = c.Name
		typeByColumn[c.Name] = c.DataType
	}

	// 排序列默认取目录首列；显式覆盖同样要过白名单
	orderColumn := catalog[0]
	if req.OrderBy != "" {
		if _, ok := typeByColumn[req.OrderBy]; ok {
			orderColumn = req.OrderBy
		}
	}

	spec := domain.ParseFilterSpec(req.Filters)
	whereClause, orderClause := querybuild.Compile(spec, req.Search, catalog, orderColumn, size, (page-1)*size)

	target := s.qualifiedTable(table)

	totalCount, err := s.countRecords(ctx, table, target, whereClause)
	if err != nil {
		return nil, wrapExecError("计数查询", err)
	}

	dataSQL := strings.TrimSpace(fmt.Sprintf("SELECT * FROM %s %s %s", target, whereClause, orderClause))
	rows, err := s.query(ctx, dataSQL)
	if err != nil {
		return nil, wrapExecError("分页数据查询", err)
	}

	for _, row := range rows {
		normalizeRow(row, typeByColumn)
	}
	if rows == nil {
		rows = []map[string]any{}
	}

	logger.Debug("列表查询完成", "total", totalCount, "returned", len(rows), "page", page)

	return &port.ListResult{
		Data:       rows,
		TotalCount: totalCount,
		Page:       page,
		PageSize:   size,
	}, nil
}

// HealthCheck 检查仓库连通性，返回版本与脱敏的配置摘要。
func (s *Service) HealthCheck(ctx context.Context) (*port.HealthStatus, error) {
	rows, err := s.query(ctx, "SELECT version() AS version")
	if err != nil {
		if errors.Is(err, port.ErrPoolExhausted) || errors.Is(err, port.ErrPoolClosed) {
			return nil, err
		}
		return nil, wrapExecError("健康检查", err)
	}

	version := "Unknown"
	if len(rows) > 0 {
		if v, ok := rows[0]["version"].(string); ok && v != "" {
			version = v
		}
	}

	return &port.HealthStatus{
		Status:  "healthy",
		Version: version,
		Config: map[string]string{
			"database": s.cfg.Database,
			"schema":   s.cfg.Schema,
			"table":    s.cfg.Table,
		},
	}, nil
}

// TableMetadata 返回目标表的列元数据映射。
func (s *Service) TableMetadata(ctx context.Context, table string) (map[string]port.ColumnMeta, error) {
	if table == "" {
		table = s.cfg.Table
	}
	columns, err := s.resolveCatalog(ctx, table)
	if err != nil {
		return nil, err
	}
	meta := make(map[string]port.ColumnMeta, len(columns))
	for _, c := range columns {
		meta[c.Name] = c
	}
	return meta, nil
}

// InvalidateCatalog 手动使指定表的列目录缓存失效。
func (s *Service) InvalidateCatalog(table string) {
	if s.catalogCache == nil || table == "" {
		return
	}
	s.catalogCache.Remove(table)
	slog.Info("表的列目录缓存已失效", "table", table)
}

// resolveCatalog 从仓库元数据解析列目录，带 TTL 缓存。
// 列目录是过滤键与排序列的唯一白名单来源。
func (s *Service) resolveCatalog(ctx context.Context, table string) ([]port.ColumnMeta, error) {
	if s.catalogCache != nil {
		if cached, ok := s.catalogCache.Get(table); ok {
			return cached, nil
		}
	}

	query := `SELECT column_name, data_type FROM information_schema.columns WHERE table_name = $1`
	args := []any{table}
	if s.cfg.Schema != "" {
		query += ` AND table_schema = $2`
		args = append(args, s.cfg.Schema)
	}
	query += ` ORDER BY ordinal_position`

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("查询表 '%s' 的列元数据失败: %w", table, err)
	}

	columns := make([]port.ColumnMeta, 0, len(rows))
	for _, row := range rows {
		name, _ := row["column_name"].(string)
		if name == "" {
			continue
		}
		dataType, _ := row["data_type"].(string)
		columns = append(columns, port.ColumnMeta{Name: name, DataType: dataType})
	}

	if s.catalogCache != nil && len(columns) > 0 {
		s.catalogCache.Add(table, columns)
	}
	return columns, nil
}

// countRecords 执行（或命中缓存的）COUNT(*) 查询。
// 大分析表上的精确计数代价高，缓存键为 表+WHERE 子句。
func (s *Service) countRecords(ctx context.Context, table, target, whereClause string) (int64, error) {
	cacheKey := table + "|" + whereClause
	if s.countCache != nil {
		if cached, ok := s.countCache.Get(cacheKey); ok {
			return cached.(int64), nil
		}
	}

	countSQL := strings.TrimSpace(fmt.Sprintf("SELECT COUNT(*) AS total_count FROM %s %s", target, whereClause))
	rows, err := s.query(ctx, countSQL)
	if err != nil {
		return 0, err
	}

	var total int64
	if len(rows) > 0 {
		total = toInt64(rows[0]["total_count"])
	}

	if s.countCache != nil {
		s.countCache.Set(cacheKey, total, gocache.DefaultExpiration)
	}
	return total, nil
}

// query 是所有仓库查询的统一出口，负责限流。
func (s *Service) query(ctx context.Context, sql string, args ...any) ([]map[string]any, error) {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	return s.runner.RunQuery(ctx, sql, args...)
}

// qualifiedTable 生成带模式限定、逐段加引号的表引用。
func (s *Service) qualifiedTable(table string) string {
	if s.cfg.Schema == "" {
		return querybuild.QuoteIdentifier(table)
	}
	return querybuild.QuoteIdentifier(s.cfg.Schema) + "." + querybuild.QuoteIdentifier(table)
}

// normalizeRow 把结果行规整为 JSON 安全形态：
// 时间类型渲染为 ISO-8601 字符串；decimal/numeric 列渲染为浮点数。
// 高精度小数转浮点是有意为之的有损简化，换取前端可直接消费的 JSON。
func normalizeRow(row map[string]any, typeByColumn map[string]string) {
	for col, v := range row {
		switch val := v.(type) {
		case time.Time:
			row[col] = val.UTC().Format(time.RFC3339)
		case string:
			if isDecimalType(typeByColumn[col]) {
				if f, err := strconv.ParseFloat(val, 64); err == nil {
					row[col] = f
				}
			}
		}
	}
}

// isDecimalType 判定列类型是否为任意精度小数。
func isDecimalType(dataType string) bool {
	lower := strings.ToLower(dataType)
	return strings.Contains(lower, "numeric") || strings.Contains(lower, "decimal")
}

// toInt64 宽容地把计数查询结果转为 int64。
func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	case string:
		if parsed, err := strconv.ParseInt(n, 10, 64); err == nil {
			return parsed
		}
	}
	return 0
}

// wrapExecError 以类型化错误包装仓库侧执行失败，保留根因信息。
func wrapExecError(stage string, err error) error {
	if errors.Is(err, port.ErrPoolExhausted) || errors.Is(err, port.ErrPoolClosed) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", port.ErrQueryExecution, stage, err)
}
