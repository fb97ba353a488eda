package logger

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Config 定义日志初始化配置
// Level 支持 debug/info/warn/error，Environment 支持 prod/dev 等
// WithSource 控制是否记录源码位置
// File 非空时日志写入该文件并按大小/天数轮转（lumberjack）
type Config struct {
	Level       string
	Environment string
	WithSource  bool
	File        string
}

var (
	global *slog.Logger
	once   sync.Once
)

func levelFromString(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, errors.New("invalid log level: " + level)
	}
}

// New 根据配置创建新的 slog.Logger，不设置全局实例
func New(cfg Config) (*slog.Logger, error) {
	lvl, err := levelFromString(cfg.Level)
	if err != nil {
		return nil, err
	}

	var out io.Writer = os.Stdout
	if cfg.File != "" {
		out = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    100, // MB
			MaxBackups: 10,  // Keep 10 old files
			MaxAge:     30,  // Keep for 30 days
			Compress:   true,
		}
	}

	handlerOpts := &slog.HandlerOptions{Level: lvl, AddSource: cfg.WithSource}
	var handler slog.Handler
	if strings.ToLower(cfg.Environment) == "prod" {
		handler = slog.NewJSONHandler(out, handlerOpts)
	} else {
		handler = slog.NewTextHandler(out, handlerOpts)
	}

	return slog.New(handler), nil
}

// Init 初始化全局日志实例，重复调用将返回首次创建的 logger
func Init(cfg Config) (*slog.Logger, error) {
	var initErr error
	once.Do(func() {
		global, initErr = New(cfg)
	})
	return global, initErr
}

// L 返回已初始化的全局 logger，未初始化时 panic
func L() *slog.Logger {
	if global == nil {
		panic("logger.Init must be called before logger.L")
	}
	return global
}

// LogAudioPipeline 记录音频流水线事件的结构化日志
// component: capture/transcribe/diarize/reconcile/finalize
// action: start/success/error/drop
// meetingID: 会议 ID（设备级事件可为空）
// durationMs: 处理耗时（毫秒）
// errorCode: 错误代码（可选）
func LogAudioPipeline(logger *slog.Logger, component, action, meetingID string, durationMs int64, errorCode string) {
	attrs := []slog.Attr{
		slog.String("component", component),
		slog.String("action", action),
		slog.String("meeting_id", meetingID),
		slog.Int64("duration_ms", durationMs),
	}

	if errorCode != "" {
		attrs = append(attrs, slog.String("error_code", errorCode))
		logger.LogAttrs(context.Background(), slog.LevelError, "Audio pipeline error", attrs...)
	} else {
		logger.LogAttrs(context.Background(), slog.LevelInfo, "Audio pipeline event", attrs...)
	}
}
