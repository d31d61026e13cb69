// Package warehouse — 仓库连接池
// internal/adapter/warehouse/pool.go
//
// 管理一组有上界的远程仓库连接：空闲过期、按需校验、饱和时带超时的
// 阻塞获取。池是整个数据访问层唯一的共享可变资源，所有计数和空闲
// 队列的变更都由单把互斥锁保护。
package warehouse

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"FiscalLens/internal/core/port"
	"FiscalLens/internal/lensobserve"

	_ "github.com/lib/pq"
	"golang.org/x/sync/errgroup"
)

const (
	defaultMaxSize         = 5
	defaultMaxIdleDuration = 300 * time.Second
	defaultAcquireTimeout  = 60 * time.Second

	// 每 pingProbeInterval 次校验做一次 SELECT 1 往返探测，
	// 避免把每个请求都变成两次往返
	pingProbeInterval = 10
	pingTimeout       = 5 * time.Second
)

// Config 是连接池的全部可调参数。由调用方显式传入，核心不读环境变量。
type Config struct {
	DSN             string
	MaxSize         int           // 并发借出上限，默认 5
	MaxIdleDuration time.Duration // 连接最大存活时长，默认 300s
	AcquireTimeout  time.Duration // 饱和时的阻塞获取超时，默认 60s
	WarmConns       int           // 启动时并发预建的连接数
}

func (c Config) withDefaults() Config {
	if c.MaxSize <= 0 {
		c.MaxSize = defaultMaxSize
	}
	if c.MaxIdleDuration <= 0 {
		c.MaxIdleDuration = defaultMaxIdleDuration
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = defaultAcquireTimeout
	}
	if c.WarmConns > c.MaxSize {
		c.WarmConns = c.MaxSize
	}
	return c
}

// openFunc 创建一条新的底层连接，测试中可替换
type openFunc func(ctx context.Context) (*sql.DB, error)

// Pool 是进程内显式构造、显式持有的连接池实例。
// 没有隐藏的全局单例：调用方控制生命周期，测试可以并存多个池。
type Pool struct {
	cfg  Config
	open openFunc

	mu          sync.Mutex
	idle        []*PooledConn // FIFO：队头为最早归还的连接
	waiters     []chan *PooledConn
	outstanding int // 当前借出数
	created     int // 当前存活总数（idle + outstanding == created）
	closed      bool

	nextID      atomic.Uint64
	validations atomic.Uint64
}

// NewPool 用给定配置构造连接池，底层走 lib/pq。
func NewPool(cfg Config) *Pool {
	return newPool(cfg, nil)
}

// newPool 允许注入 openFunc，供测试替换真实拨号。
func newPool(cfg Config, open openFunc) *Pool {
	p := &Pool{cfg: cfg.withDefaults()}
	if open == nil {
		open = p.openPostgres
	}
	p.open = open
	return p
}

// openPostgres 打开一个 MaxOpenConns=1 的 *sql.DB，使每个 PooledConn
// 与一条物理仓库连接一一对应，生命周期完全由本池管理。
func (p *Pool) openPostgres(ctx context.Context) (*sql.DB, error) {
	db, err := sql.Open("postgres", p.cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("sql.Open: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0) // 生命周期由池自己管理

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return db, nil
}

// Warm 并发预建 WarmConns 条空闲连接。失败只告警，不阻止启动。
func (p *Pool) Warm(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return port.ErrPoolClosed
	}
	n := p.cfg.WarmConns
	if room := p.cfg.MaxSize - p.created; n > room {
		n = room
	}
	p.created += n // 预占容量，创建失败时逐个归还
	p.mu.Unlock()

	if n <= 0 {
		return nil
	}

	g, warmCtx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			conn, err := p.dial(warmCtx)
			if err != nil {
				p.mu.Lock()
				p.created--
				p.wakeOneWaiterLocked()
				p.updateMetricsLocked()
				p.mu.Unlock()
				slog.Warn("连接池预热: 创建连接失败", "error", err)
				return nil // 预热失败不致命
			}
			p.mu.Lock()
			if p.closed {
				p.created--
				p.mu.Unlock()
				_ = conn.Close()
				return nil
			}
			p.idle = append(p.idle, conn)
			p.updateMetricsLocked()
			p.mu.Unlock()
			return nil
		})
	}
	return g.Wait()
}

// Acquire 获取一条连接，阻塞式。
// 优先复用通过校验的空闲连接；容量未满时新建；否则排队等待归还，
// 超过 AcquireTimeout 仍无可用连接则以 ErrPoolExhausted 失败。
func (p *Pool) Acquire(ctx context.Context) (*PooledConn, error) {
	deadline := time.Now().Add(p.cfg.AcquireTimeout)

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, port.ErrPoolClosed
		}

		// 空闲队列优先
		if len(p.idle) > 0 {
			conn := p.idle[0]
			p.idle = p.idle[1:]
			p.outstanding++
			p.updateMetricsLocked()
			p.mu.Unlock()

			if p.validate(ctx, conn) {
				lensobserve.PoolAcquireTotal.WithLabelValues("idle_hit").Inc()
				return conn, nil
			}
			// 过期或失联的连接就地丢弃，回到循环重新获取
			p.discard(conn)
			continue
		}

		// 容量未满则新建
		if p.created < p.cfg.MaxSize {
			p.created++
			p.outstanding++
			p.updateMetricsLocked()
			p.mu.Unlock()

			conn, err := p.dial(ctx)
			if err != nil {
				p.mu.Lock()
				p.created--
				p.outstanding--
				p.wakeOneWaiterLocked()
				p.updateMetricsLocked()
				p.mu.Unlock()
				lensobserve.PoolAcquireTotal.WithLabelValues("dial_error").Inc()
				return nil, fmt.Errorf("创建仓库连接失败: %w", err)
			}
			lensobserve.PoolAcquireTotal.WithLabelValues("created").Inc()
			return conn, nil
		}

		// 饱和：进入等待队列
		waiterCh := make(chan *PooledConn, 1)
		p.waiters = append(p.waiters, waiterCh)
		p.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			if !p.removeWaiter(waiterCh) {
				// 入队与期限判定之间连接已送达，照常收下，绝不遗弃
				if conn := <-waiterCh; conn != nil {
					lensobserve.PoolAcquireTotal.WithLabelValues("handoff").Inc()
					return conn, nil
				}
				continue
			}
			lensobserve.PoolAcquireTotal.WithLabelValues("exhausted").Inc()
			return nil, port.ErrPoolExhausted
		}

		timer := time.NewTimer(remaining)
		select {
		case conn := <-waiterCh:
			timer.Stop()
			if conn == nil {
				// 有连接被丢弃腾出了容量，或池已关闭；回到循环重新判定
				continue
			}
			lensobserve.PoolAcquireTotal.WithLabelValues("handoff").Inc()
			return conn, nil

		case <-timer.C:
			if !p.removeWaiter(waiterCh) {
				// 交接与超时竞争：连接已送达，照常收下
				if conn := <-waiterCh; conn != nil {
					lensobserve.PoolAcquireTotal.WithLabelValues("handoff").Inc()
					return conn, nil
				}
				continue
			}
			lensobserve.PoolAcquireTotal.WithLabelValues("exhausted").Inc()
			return nil, port.ErrPoolExhausted

		case <-ctx.Done():
			timer.Stop()
			if !p.removeWaiter(waiterCh) {
				// 已送达的连接原路归还，不泄漏
				if conn := <-waiterCh; conn != nil {
					p.Release(conn)
				}
			}
			return nil, ctx.Err()
		}
	}
}

// Release 归还一条借出的连接。
// 再次校验：有效则转借给等待者或入空闲队列；无效则直接关闭并释放容量。
// 每次成功的 Acquire 都必须恰好对应一次 Release（含错误路径），
// 建议通过 WithConn 使用以保证配对。
func (p *Pool) Release(conn *PooledConn) {
	if conn == nil {
		return
	}

	if !p.validate(context.Background(), conn) {
		p.discard(conn)
		return
	}

	p.mu.Lock()
	if p.closed {
		// CloseAll 已清零计数，借出中的连接只做关闭
		p.mu.Unlock()
		_ = conn.Close()
		return
	}

	// 有等待者则直接转借，借出计数不变
	if len(p.waiters) > 0 {
		waiterCh := p.waiters[0]
		p.waiters = p.waiters[1:]
		p.mu.Unlock()
		waiterCh <- conn
		return
	}

	p.outstanding--
	p.idle = append(p.idle, conn)
	p.updateMetricsLocked()
	p.mu.Unlock()
}

// WithConn 以作用域方式借用连接，保证任何路径下都恰好归还一次。
func (p *Pool) WithConn(ctx context.Context, fn func(db *sql.DB) error) error {
	conn, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer p.Release(conn)
	return fn(conn.DB())
}

// RunQuery 借用连接执行一条查询，把结果行规整为 map 列表。
// []byte 扫描结果立即复制为 string，避免驱动复用缓冲。
func (p *Pool) RunQuery(ctx context.Context, query string, args ...any) ([]map[string]any, error) {
	var results []map[string]any
	start := time.Now()

	err := p.WithConn(ctx, func(db *sql.DB) error {
		rows, errQuery := db.QueryContext(ctx, query, args...)
		if errQuery != nil {
			return errQuery
		}
		defer rows.Close()

		cols, errCols := rows.Columns()
		if errCols != nil {
			return errCols
		}

		for rows.Next() {
			scanDest := make([]any, len(cols))
			scanPtrs := make([]any, len(cols))
			for i := range scanDest {
				scanPtrs[i] = &scanDest[i]
			}
			if errScan := rows.Scan(scanPtrs...); errScan != nil {
				slog.Warn("扫描结果行失败，已跳过此行", "error", errScan)
				continue
			}
			rowData := make(map[string]any, len(cols))
			for i, col := range cols {
				if b, ok := scanDest[i].([]byte); ok {
					rowData[col] = string(b)
				} else {
					rowData[col] = scanDest[i]
				}
			}
			results = append(results, rowData)
		}
		return rows.Err()
	})

	lensobserve.QueryTotal.Inc()
	lensobserve.QueryDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		lensobserve.QueryFail.Inc()
		return nil, err
	}
	return results, nil
}

// Stats 返回池状态快照，无副作用。
type Stats struct {
	MaxSize         int           `json:"max_size"`
	Outstanding     int           `json:"outstanding"`
	Idle            int           `json:"idle"`
	Created         int           `json:"created"`
	MaxIdleDuration time.Duration `json:"max_idle_duration"`
}

// Stats 返回当前池状态。
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		MaxSize:         p.cfg.MaxSize,
		Outstanding:     p.outstanding,
		Idle:            len(p.idle),
		Created:         p.created,
		MaxIdleDuration: p.cfg.MaxIdleDuration,
	}
}

// CloseAll 关闭所有空闲连接并清零计数。
// 借出中的连接不强制回收：归还时发现池已关闭会被直接关闭（尽力排空）。
func (p *Pool) CloseAll() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	idle := p.idle
	waiters := p.waiters
	p.idle = nil
	p.waiters = nil
	p.outstanding = 0
	p.created = 0
	p.updateMetricsLocked()
	p.mu.Unlock()

	for _, ch := range waiters {
		close(ch)
	}
	for _, conn := range idle {
		_ = conn.Close()
	}
	slog.Info("连接池已关闭", "closed_idle", len(idle), "notified_waiters", len(waiters))
}

// dial 创建并包装一条新连接。
func (p *Pool) dial(ctx context.Context) (*PooledConn, error) {
	db, err := p.open(ctx)
	if err != nil {
		return nil, err
	}
	conn := newPooledConn(p.nextID.Add(1), db)
	slog.Debug("已创建新的仓库连接", "conn_id", conn.id)
	return conn, nil
}

// validate 校验连接可用性：廉价检查（关闭标记、存活时长）每次都做，
// SELECT 1 往返探测十次校验才做一次，把校验开销压在常数以内。
func (p *Pool) validate(ctx context.Context, conn *PooledConn) bool {
	if conn.isClosed() {
		return false
	}
	if conn.Age() > p.cfg.MaxIdleDuration {
		slog.Info("连接超过最大存活时长，将被丢弃",
			"conn_id", conn.id, "age", conn.Age().String())
		return false
	}
	if p.validations.Add(1)%pingProbeInterval == 0 {
		pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
		defer cancel()
		if err := conn.db.PingContext(pingCtx); err != nil {
			slog.Warn("连接往返探测失败", "conn_id", conn.id, "error", err)
			return false
		}
	}
	conn.lastValidated = time.Now()
	return true
}

// discard 关闭一条借出中的无效连接并释放其容量。
// 若有等待者，发 nil 唤醒其重新走新建路径，避免容量空转到超时。
func (p *Pool) discard(conn *PooledConn) {
	_ = conn.Close()
	lensobserve.PoolConnInvalid.Inc()

	p.mu.Lock()
	if !p.closed {
		p.created--
		p.outstanding--
		p.wakeOneWaiterLocked()
		p.updateMetricsLocked()
	}
	p.mu.Unlock()
}

// wakeOneWaiterLocked 在容量被释放后唤醒队首等待者：发 nil 让其重走
// 新建路径，而不是干等到超时。须在持锁状态下调用。
func (p *Pool) wakeOneWaiterLocked() {
	if len(p.waiters) == 0 {
		return
	}
	waiterCh := p.waiters[0]
	p.waiters = p.waiters[1:]
	waiterCh <- nil
}

// removeWaiter 把等待者移出队列；返回 false 表示交接已经发生。
func (p *Pool) removeWaiter(ch chan *PooledConn) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, w := range p.waiters {
		if w == ch {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return true
		}
	}
	return false
}

// updateMetricsLocked 刷新池规模指标，须在持锁状态下调用。
func (p *Pool) updateMetricsLocked() {
	lensobserve.PoolIdle.Set(float64(len(p.idle)))
	lensobserve.PoolOutstanding.Set(float64(p.outstanding))
}
