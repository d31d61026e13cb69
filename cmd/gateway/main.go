// file: cmd/gateway/main.go

package main

import (
	"FiscalLens/internal/adapter/warehouse"
	"FiscalLens/internal/lensobserve"
	"FiscalLens/internal/service/dataaccess"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/viper"
)

const version = "v0.3.0"

type ServerConfig struct {
	Port      int    `mapstructure:"port"`
	LogLevel  string `mapstructure:"log_level"`
	PprofAddr string `mapstructure:"pprof_addr"`
}

type WarehouseConfig struct {
	Host                  string `mapstructure:"host"`
	Port                  int    `mapstructure:"port"`
	User                  string `mapstructure:"user"`
	Password              string `mapstructure:"password"`
	Database              string `mapstructure:"database"`
	Schema                string `mapstructure:"schema"`
	Table                 string `mapstructure:"table"`
	SSLMode               string `mapstructure:"ssl_mode"`
	MaxConnections        int    `mapstructure:"max_connections"`
	MaxIdleSeconds        int    `mapstructure:"max_idle_seconds"`
	AcquireTimeoutSeconds int    `mapstructure:"acquire_timeout_seconds"`
	WarmConnections       int    `mapstructure:"warm_connections"`
}

type ServiceConfig struct {
	SchemaCacheTTLSeconds int     `mapstructure:"schema_cache_ttl_seconds"`
	CountCacheTTLSeconds  int     `mapstructure:"count_cache_ttl_seconds"`
	QueryRatePerSecond    float64 `mapstructure:"query_rate_per_second"`
	QueryBurst            int     `mapstructure:"query_burst"`
}

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Warehouse WarehouseConfig `mapstructure:"warehouse"`
	Service   ServiceConfig   `mapstructure:"service"`
}

func main() {
	// 在日志系统完全初始化前，使用标准 log
	log.Printf("FiscalLens 数据访问网关 %s 正在启动...", version)

	exePath, err := os.Executable()
	if err != nil {
		log.Fatalf("CRITICAL: 无法获取可执行文件路径: %v", err)
	}
	rootDir := filepath.Dir(filepath.Dir(exePath))

	configFilePath := filepath.Join(rootDir, "configs", "config.yaml")
	viper.SetConfigFile(configFilePath)

	if err := viper.ReadInConfig(); err != nil {
		log.Fatalf("CRITICAL: 读取配置文件 '%s' 失败: %v", configFilePath, err)
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		log.Fatalf("CRITICAL: 解析配置到结构体失败: %v", err)
	}

	// 凭据允许从环境变量覆盖，避免写进配置文件
	if pw := os.Getenv("FISCALLENS_WAREHOUSE_PASSWORD"); pw != "" {
		config.Warehouse.Password = pw
	}

	lensobserve.InitLogger(config.Server.LogLevel)
	slog.Info("FiscalLens 启动中", "version", version)
	slog.Info("配置加载并解析成功", "path", configFilePath)

	pool := warehouse.NewPool(warehouse.Config{
		DSN:             warehouseDSN(config.Warehouse),
		MaxSize:         config.Warehouse.MaxConnections,
		MaxIdleDuration: time.Duration(config.Warehouse.MaxIdleSeconds) * time.Second,
		AcquireTimeout:  time.Duration(config.Warehouse.AcquireTimeoutSeconds) * time.Second,
		WarmConns:       config.Warehouse.WarmConnections,
	})
	defer pool.CloseAll()

	warmCtx, warmCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := pool.Warm(warmCtx); err != nil {
		slog.Warn("连接池预热未完成", "error", err)
	}
	warmCancel()
	slog.Info("适配层: 仓库连接池初始化完成", "stats", fmt.Sprintf("%+v", pool.Stats()))

	accessor, err := dataaccess.New(pool, dataaccess.Config{
		Database:       config.Warehouse.Database,
		Schema:         config.Warehouse.Schema,
		Table:          config.Warehouse.Table,
		SchemaCacheTTL: time.Duration(config.Service.SchemaCacheTTLSeconds) * time.Second,
		CountCacheTTL:  time.Duration(config.Service.CountCacheTTLSeconds) * time.Second,
		QueryRate:      config.Service.QueryRatePerSecond,
		QueryBurst:     config.Service.QueryBurst,
	})
	if err != nil {
		slog.Error("初始化数据访问服务失败", "error", err)
		os.Exit(1)
	}
	slog.Info("服务层: DataAccessService 初始化完成")

	// 真正的 HTTP/认证面由外围系统承担，这里只暴露运维端点
	mux := http.NewServeMux()
	mux.Handle("/metrics", lensobserve.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
		defer cancel()
		status, err := accessor.HealthCheck(ctx)
		w.Header().Set("Content-Type", "application/json")
		if err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "unhealthy", "error": err.Error()})
			return
		}
		_ = json.NewEncoder(w).Encode(status)
	})
	mux.HandleFunc("/poolz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(pool.Stats())
	})

	addr := fmt.Sprintf(":%d", config.Server.Port)
	server := &http.Server{Addr: addr, Handler: mux}

	go func() {
		slog.Info("FiscalLens 启动成功，开始监听运维端点...", "address", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP 服务启动失败", "error", err)
			os.Exit(1)
		}
	}()

	if config.Server.PprofAddr != "" {
		lensobserve.EnablePprof(config.Server.PprofAddr)
	}
	lensobserve.Register()
	slog.Info("监控: metrics 已注册。")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("收到停机信号，准备优雅关闭...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		slog.Error("HTTP 服务优雅关闭失败", "error", err)
		os.Exit(1)
	}

	slog.Info("HTTP 服务已成功关闭。")
	slog.Info("程序即将退出。")
}

// warehouseDSN 拼装 lib/pq 连接串
func warehouseDSN(cfg WarehouseConfig) string {
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "require"
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, sslMode)
}
