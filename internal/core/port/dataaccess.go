// Package port file: internal/core/port/dataaccess.go
package port

import (
	"context"
	"errors"
)

// Standard errors
var (
	// ErrPoolExhausted 连接池在等待超时前未能提供连接。调用方退避后可重试。
	ErrPoolExhausted = errors.New("连接池耗尽，等待超时内无可用连接")

	// ErrPoolClosed 连接池已关闭，不再受理获取请求。
	ErrPoolClosed = errors.New("连接池已关闭")

	// ErrQueryExecution 编译后的 SQL 在仓库侧执行失败。包装底层原因，不自动重试。
	ErrQueryExecution = errors.New("仓库查询执行失败")
)

// ListRequest 描述一次"列表/分页"逻辑请求。
// Filters 保持客户端 JSON 原始形态（键名约定见 domain 包），由内部解析为类型安全的过滤变体。
type ListRequest struct {
	Table    string         `json:"table"`
	Filters  map[string]any `json:"filters"`
	Search   string         `json:"search"`
	Page     int            `json:"page"`
	PageSize int            `json:"page_size"`

	// OrderBy 为空时默认取列目录的第一列
	OrderBy string `json:"order_by"`
}

// ListResult 是列表请求的统一返回结构。
type ListResult struct {
	Data       []map[string]any `json:"data"`
	TotalCount int64            `json:"total_count"`
	Page       int              `json:"page"`
	PageSize   int              `json:"page_size"`

	// Message 仅在降级返回空结果时携带诊断信息（如列目录解析失败）
	Message string `json:"message,omitempty"`
}

// HealthStatus 描述仓库连通性检查的结果。
type HealthStatus struct {
	Status  string            `json:"status"`
	Version string            `json:"version"`
	Config  map[string]string `json:"config,omitempty"`
}

// ColumnMeta 描述一个列的元数据。
type ColumnMeta struct {
	Name     string `json:"column_name"`
	DataType string `json:"data_type"`
}

// DataAccessor 接口定义了数据访问层对外的全部能力。
// 外围的 HTTP/Lambda 层只依赖此接口，负责 JSON 编码与状态码映射。
type DataAccessor interface {
	// ListRecords 执行一次分页、过滤、搜索查询
	ListRecords(ctx context.Context, req ListRequest) (*ListResult, error)

	// HealthCheck 检查仓库连通性并返回版本信息
	HealthCheck(ctx context.Context) (*HealthStatus, error)

	// TableMetadata 返回目标表的列元数据
	TableMetadata(ctx context.Context, table string) (map[string]ColumnMeta, error)
}
