// Package lensobserve file: internal/lensobserve/debug.go
package lensobserve

import (
	"log/slog"
	"net/http"
	_ "net/http/pprof" // 注册 /debug/pprof 处理器
)

// EnablePprof 在独立地址上开启 pprof 调试端点，与运维端口隔离。
// addr 形如 "localhost:6060"；为空表示不开启。
func EnablePprof(addr string) {
	if addr == "" {
		return
	}
	go func() {
		slog.Info("pprof 调试端点已开启", "address", addr)
		if err := http.ListenAndServe(addr, nil); err != nil {
			slog.Error("pprof 调试端点异常退出", "error", err)
		}
	}()
}
