package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config 日志配置
type Config struct {
	Level string // debug / info / warn / error，为空时读取 LOG_LEVEL
	File  string // 非空时同时写入该文件
}

var (
	mu   sync.Mutex
	file *os.File
)

// Init configures the global logrus logger.
// It is safe to call multiple times; later calls overwrite previous settings.
func Init(cfg Config) error {
	mu.Lock()
	defer mu.Unlock()

	var out io.Writer = os.Stdout
	if cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		closeFile()
		file = f
		out = io.MultiWriter(os.Stdout, f)
	}

	log.SetOutput(out)
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.SetLevel(parseLevel(cfg.Level))
	return nil
}

// Close 关闭日志文件
func Close() {
	mu.Lock()
	defer mu.Unlock()
	closeFile()
	log.SetOutput(os.Stdout)
}

func closeFile() {
	if file != nil {
		_ = file.Close()
		file = nil
	}
}

func parseLevel(levelStr string) log.Level {
	if levelStr == "" {
		levelStr = os.Getenv("LOG_LEVEL")
	}
	if levelStr == "" {
		levelStr = "info"
	}
	if lvl, err := log.ParseLevel(levelStr); err == nil {
		return lvl
	}
	return log.InfoLevel
}

// L returns the global logger for convenience.
func L() *log.Logger { return log.StandardLogger() }

// Zap 为 MTProto 客户端构建 zap logger，输出与 logrus 相同的目标
// MTProto 日志非常多，level 为空时只输出 warn 及以上
func Zap(level string) *zap.Logger {
	zapLevel := zapcore.WarnLevel
	if level != "" {
		if lvl, err := zapcore.ParseLevel(strings.ToLower(level)); err == nil {
			zapLevel = lvl
		}
	}

	encoderCfg := zap.NewDevelopmentEncoderConfig()
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encoderCfg),
		zapcore.AddSync(L().Out),
		zapLevel,
	)
	return zap.New(core).Named("mtproto")
}
