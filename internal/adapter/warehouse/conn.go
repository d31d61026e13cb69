// Package warehouse file: internal/adapter/warehouse/conn.go
package warehouse

import (
	"database/sql"
	"sync/atomic"
	"time"
)

// PooledConn 包装一条到仓库的活连接。
// 空闲时归池独占；借出时暂借给唯一调用方；校验失败或池销毁时关闭。
// 每条 PooledConn 底层是一个 MaxOpenConns=1 的 *sql.DB，与物理连接一一对应。
type PooledConn struct {
	id            uint64
	db            *sql.DB
	createdAt     time.Time
	lastValidated time.Time
	closed        atomic.Bool
}

func newPooledConn(id uint64, db *sql.DB) *PooledConn {
	now := time.Now()
	return &PooledConn{
		id:            id,
		db:            db,
		createdAt:     now,
		lastValidated: now,
	}
}

// DB 返回底层句柄。仅在借出期间使用，归还后不得再持有。
func (c *PooledConn) DB() *sql.DB { return c.db }

// Age 返回连接自创建起的存活时长。
func (c *PooledConn) Age() time.Duration { return time.Since(c.createdAt) }

// Close 关闭底层连接，幂等。
func (c *PooledConn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.db.Close()
}

// isClosed 报告连接是否已被关闭。
func (c *PooledConn) isClosed() bool { return c.closed.Load() }
