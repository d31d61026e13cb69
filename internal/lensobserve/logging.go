// Package lensobserve file: internal/lensobserve/logging.go
package lensobserve

import (
	"log/slog"
	"os"
	"strings"
)

// InitLogger 初始化进程级结构化日志：JSON 输出到标准输出，带源码位置。
// 级别字符串大小写不敏感，无法识别时落回 INFO。须在 main 早期调用一次。
func InitLogger(levelStr string) {
	level := slog.LevelInfo
	if err := level.UnmarshalText([]byte(strings.TrimSpace(levelStr))); err != nil {
		level = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     level,
		AddSource: true,
	})
	slog.SetDefault(slog.New(handler))
}
