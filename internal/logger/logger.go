package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fatih/color"

	c "github.com/life-stream-dev/life-stream-audio-center/internal/config"
)

const (
	LevelFatal slog.Level = 12
)

// sink 是所有派生 handler 共享的异步写入端
type sink struct {
	ch          chan []byte
	console     io.Writer
	writer      io.Writer
	currentDay  int      // 当前日志日期（day of year）
	currentFile *os.File // 当前日志文件
	basePath    string   // 日志文件基础路径
	wg          sync.WaitGroup
	mu          sync.RWMutex
	closed      bool
}

type AsyncHandler struct {
	sink     *sink
	attrs    []slog.Attr
	group    string
	logLevel slog.Level
}

func NewAsyncHandler(basePath string, logLevel slog.Level) *AsyncHandler {
	return newAsyncHandler(basePath, logLevel, os.Stdout)
}

func newAsyncHandler(basePath string, logLevel slog.Level, console io.Writer) *AsyncHandler {
	s := &sink{
		ch:       make(chan []byte, 1024),
		console:  console,
		writer:   console,
		basePath: basePath,
	}
	if err := s.rotateIfNeeded(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "LOGGER ROTATE ERROR: %v\n", err)
	}
	s.wg.Add(1)
	go s.startWorker()
	return &AsyncHandler{sink: s, logLevel: logLevel}
}

func (s *sink) cleanOldLogs() {
	files, _ := filepath.Glob(filepath.Join(s.basePath, "*.log"))
	now := time.Now()

	for _, f := range files {
		fi, err := os.Stat(f)
		if err != nil {
			continue
		}
		if now.Sub(fi.ModTime()) > 30*24*time.Hour {
			_ = os.Remove(f) // 删除30天前的日志
		}
	}
}

// 初始化或轮转日志文件, 只在 worker 协程中调用
func (s *sink) rotateIfNeeded() error {
	if s.basePath == "" {
		return nil
	}
	now := time.Now()
	currentDay := now.YearDay()

	if currentDay == s.currentDay && s.currentFile != nil {
		return nil
	}

	if s.currentFile != nil {
		if err := s.currentFile.Close(); err != nil {
			return fmt.Errorf("关闭日志文件失败: %w", err)
		}
		s.currentFile = nil
		s.writer = s.console
	}

	logPath := s.getLogPath(now)
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return fmt.Errorf("创建日志目录失败: %w", err)
	}

	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("创建日志文件失败: %w", err)
	}

	s.currentFile = f
	s.currentDay = currentDay
	s.writer = io.MultiWriter(s.console, f)
	s.cleanOldLogs()
	return nil
}

func (s *sink) getLogPath(now time.Time) string {
	return filepath.Join(s.basePath, now.Format("2006-01-02")+".log")
}

func (s *sink) startWorker() {
	defer s.wg.Done()
	for data := range s.ch {
		_ = s.rotateIfNeeded()
		_, _ = s.writer.Write(data)
	}
}

func (s *sink) write(p []byte) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		_, _ = s.console.Write(p)
		return
	}
	// 拷贝数据避免竞态
	pb := make([]byte, len(p))
	copy(pb, p)
	s.ch <- pb
}

func (s *sink) close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.ch)
	s.mu.Unlock()

	s.wg.Wait()
	if s.currentFile != nil {
		_ = s.currentFile.Sync()
		return s.currentFile.Close()
	}
	return nil
}

func (h *AsyncHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.logLevel
}

func (h *AsyncHandler) Handle(_ context.Context, r slog.Record) error {
	level := r.Level.String()

	switch r.Level {
	case slog.LevelDebug:
		level = color.MagentaString(level)
	case slog.LevelInfo:
		level = color.BlueString(level)
	case slog.LevelWarn:
		level = color.YellowString(level)
	case slog.LevelError:
		level = color.RedString(level)
	case LevelFatal:
		level = color.HiRedString("FATAL")
	}

	// 基础格式：时间 | 级别 | 消息
	line := fmt.Sprintf(
		"%s | %-5s | %s",
		color.GreenString(r.Time.Format("2006-01-02T15:04:05")),
		level,
		color.CyanString(r.Message),
	)

	// 处理固定字段
	for _, attr := range h.attrs {
		line += color.CyanString(fmt.Sprintf(" %s=%v", attr.Key, attr.Value))
	}

	// 处理动态字段
	r.Attrs(func(attr slog.Attr) bool {
		key := attr.Key
		if h.group != "" {
			key = h.group + "." + key
		}
		line += color.CyanString(fmt.Sprintf(" %s=%v", key, attr.Value))
		return true
	})

	line += "\n"

	h.sink.write([]byte(line))
	return nil
}

func (h *AsyncHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	newAttrs = append(newAttrs, h.attrs...)
	for _, attr := range attrs {
		if h.group != "" {
			attr.Key = h.group + "." + attr.Key
		}
		newAttrs = append(newAttrs, attr)
	}

	return &AsyncHandler{
		sink:     h.sink,
		attrs:    newAttrs,
		group:    h.group,
		logLevel: h.logLevel,
	}
}

func (h *AsyncHandler) WithGroup(name string) slog.Handler {
	group := name
	if h.group != "" {
		group = h.group + "." + name
	}
	return &AsyncHandler{
		sink:     h.sink,
		attrs:    h.attrs,
		group:    group,
		logLevel: h.logLevel,
	}
}

func (h *AsyncHandler) Close() error {
	return h.sink.close()
}

type ShutdownCallback struct {
	handler *AsyncHandler
}

func (lc *ShutdownCallback) Invoke(_ context.Context) error {
	return lc.handler.Close()
}

func Init() *ShutdownCallback {
	config, _ := c.GetConfig()
	return InitWith(config.LogPath, config.DebugMode)
}

func InitWith(basePath string, debug bool) *ShutdownCallback {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	handler := NewAsyncHandler(basePath, level)
	slog.SetDefault(slog.New(handler))
	slog.Debug("Logger initialized")
	return &ShutdownCallback{handler: handler}
}

func Debug(msg string, v ...interface{}) {
	slog.Debug(msg, v...)
}

func DebugF(msg string, v ...interface{}) {
	slog.Debug(fmt.Sprintf(msg, v...))
}

func Info(msg string, v ...interface{}) {
	slog.Info(msg, v...)
}

func InfoF(msg string, v ...interface{}) {
	slog.Info(fmt.Sprintf(msg, v...))
}

func Warn(msg string, v ...interface{}) {
	slog.Warn(msg, v...)
}

func WarnF(msg string, v ...interface{}) {
	slog.Warn(fmt.Sprintf(msg, v...))
}

func Error(msg string, v ...interface{}) {
	slog.Error(msg, v...)
}

func ErrorF(msg string, v ...interface{}) {
	slog.Error(fmt.Sprintf(msg, v...))
}

func Fatal(msg string, v ...interface{}) {
	slog.Log(context.Background(), LevelFatal, msg, v...)
}

func FatalF(msg string, v ...interface{}) {
	slog.Log(context.Background(), LevelFatal, fmt.Sprintf(msg, v...))
}
