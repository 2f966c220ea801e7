package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"
)

// ========================================
// Structured Logger
// ========================================

// Logger is the process-wide logger. Packages under pkg/ receive it through
// their Config and tag it with their own module name.
var Logger zerolog.Logger

var persistentLogger *PersistentLogger

// LogLevel is the configured verbosity.
type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

// ParseLogLevel maps a config or flag value to a LogLevel.
func ParseLogLevel(s string) (LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug", "trace":
		return LogLevelDebug, nil
	case "", "info":
		return LogLevelInfo, nil
	case "warn", "warning":
		return LogLevelWarn, nil
	case "error":
		return LogLevelError, nil
	}
	return LogLevelInfo, fmt.Errorf("unknown log level %q", s)
}

func (l LogLevel) zerolog() zerolog.Level {
	switch l {
	case LogLevelDebug:
		return zerolog.DebugLevel
	case LogLevelWarn:
		return zerolog.WarnLevel
	case LogLevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// LogConfig controls log outputs and rotation.
type LogConfig struct {
	Level      LogLevel
	Console    bool // human readable output on stdout
	File       bool // JSON output to FilePath
	FilePath   string
	MaxSizeMB  int // rotate when the file would exceed this size
	MaxAgeDays int
	MaxBackups int
	Compress   bool // gzip rotated files
	TimeFormat string
}

// DefaultLogConfig logs to the console only.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:      LogLevelInfo,
		Console:    true,
		File:       false,
		MaxSizeMB:  10,
		MaxAgeDays: 7,
		MaxBackups: 5,
		Compress:   true,
		TimeFormat: time.RFC3339,
	}
}

// PersistentLogConfig logs to the console and to path, rotating it.
// An empty path means <os.TempDir>/relay/relay.log.
func PersistentLogConfig(path string) LogConfig {
	if path == "" {
		path = filepath.Join(os.TempDir(), "relay", "relay.log")
	}
	cfg := DefaultLogConfig()
	cfg.File = true
	cfg.FilePath = path
	return cfg
}

// ========================================
// PersistentLogger
// ========================================

// PersistentLogger is an io.Writer with size based rotation and cleanup
// of old files.
type PersistentLogger struct {
	mu          sync.Mutex
	config      LogConfig
	currentFile *os.File
	currentSize int64
	logDir      string
	prefix      string
	stop        chan struct{}
	stopOnce    sync.Once
}

// NewPersistentLogger opens (or creates) config.FilePath.
func NewPersistentLogger(config LogConfig) (*PersistentLogger, error) {
	logDir := filepath.Dir(config.FilePath)
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	base := filepath.Base(config.FilePath)
	pl := &PersistentLogger{
		config: config,
		logDir: logDir,
		prefix: strings.TrimSuffix(base, filepath.Ext(base)),
		stop:   make(chan struct{}),
	}
	if err := pl.openFile(); err != nil {
		return nil, err
	}

	go pl.cleanupRoutine()
	return pl, nil
}

// Write implements io.Writer.
func (pl *PersistentLogger) Write(p []byte) (n int, err error) {
	pl.mu.Lock()
	defer pl.mu.Unlock()

	if pl.currentFile == nil {
		return 0, os.ErrClosed
	}
	if pl.config.MaxSizeMB > 0 && pl.currentSize+int64(len(p)) > int64(pl.config.MaxSizeMB)*1024*1024 {
		if err := pl.rotate(); err != nil {
			return 0, err
		}
	}

	n, err = pl.currentFile.Write(p)
	pl.currentSize += int64(n)
	return n, err
}

func (pl *PersistentLogger) openFile() error {
	file, err := os.OpenFile(pl.config.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("stat log file: %w", err)
	}

	pl.currentFile = file
	pl.currentSize = info.Size()
	return nil
}

func (pl *PersistentLogger) rotatedPath(t time.Time) string {
	return filepath.Join(pl.logDir, fmt.Sprintf("%s_%s.log", pl.prefix, t.Format("2006-01-02_15-04-05.000")))
}

func (pl *PersistentLogger) rotate() error {
	if pl.currentFile != nil {
		pl.currentFile.Close()
		pl.currentFile = nil
	}

	rotated := pl.rotatedPath(time.Now())
	if err := os.Rename(pl.config.FilePath, rotated); err != nil {
		// keep writing to the same file
		return pl.openFile()
	}
	if pl.config.Compress {
		go compressFile(rotated)
	}
	return pl.openFile()
}

// compressFile replaces path with path.gz.
func compressFile(path string) error {
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(path + ".gz")
	if err != nil {
		return err
	}

	gz := gzip.NewWriter(dst)
	if _, err := io.Copy(gz, src); err != nil {
		gz.Close()
		dst.Close()
		os.Remove(path + ".gz")
		return err
	}
	if err := gz.Close(); err != nil {
		dst.Close()
		os.Remove(path + ".gz")
		return err
	}
	if err := dst.Close(); err != nil {
		return err
	}
	return os.Remove(path)
}

func (pl *PersistentLogger) cleanupRoutine() {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	pl.cleanup()
	for {
		select {
		case <-pl.stop:
			return
		case <-ticker.C:
			pl.cleanup()
		}
	}
}

// cleanup removes rotated files older than MaxAgeDays or beyond MaxBackups.
func (pl *PersistentLogger) cleanup() {
	files, err := filepath.Glob(filepath.Join(pl.logDir, pl.prefix+"_*.log*"))
	if err != nil {
		return
	}

	type fileInfo struct {
		path    string
		modTime time.Time
	}
	var infos []fileInfo
	for _, f := range files {
		info, err := os.Stat(f)
		if err != nil {
			continue
		}
		infos = append(infos, fileInfo{path: f, modTime: info.ModTime()})
	}

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].modTime.After(infos[j].modTime)
	})

	now := time.Now()
	for i, fi := range infos {
		if pl.config.MaxAgeDays > 0 && now.Sub(fi.modTime) > time.Duration(pl.config.MaxAgeDays)*24*time.Hour {
			os.Remove(fi.path)
			continue
		}
		if pl.config.MaxBackups > 0 && i >= pl.config.MaxBackups {
			os.Remove(fi.path)
		}
	}
}

// Close closes the current file and stops the cleanup routine.
func (pl *PersistentLogger) Close() error {
	pl.stopOnce.Do(func() { close(pl.stop) })

	pl.mu.Lock()
	defer pl.mu.Unlock()
	if pl.currentFile != nil {
		err := pl.currentFile.Close()
		pl.currentFile = nil
		return err
	}
	return nil
}

// ========================================
// Initialisation
// ========================================

// InitLogger replaces the global Logger according to config.
func InitLogger(config LogConfig) error {
	var writers []io.Writer

	if config.Console {
		writers = append(writers, zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: "15:04:05",
		})
	}

	if config.File && config.FilePath != "" {
		pl, err := NewPersistentLogger(config)
		if err != nil {
			return err
		}
		if persistentLogger != nil {
			persistentLogger.Close()
		}
		persistentLogger = pl
		writers = append(writers, pl)
	}

	if len(writers) == 0 {
		writers = append(writers, zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: "15:04:05",
		})
	}

	if config.TimeFormat != "" {
		zerolog.TimeFieldFormat = config.TimeFormat
	}
	zerolog.SetGlobalLevel(config.Level.zerolog())

	Logger = zerolog.New(zerolog.MultiLevelWriter(writers...)).
		With().
		Timestamp().
		Logger()
	return nil
}

// SetLogLevel changes verbosity for every logger derived from Logger.
func SetLogLevel(level LogLevel) {
	zerolog.SetGlobalLevel(level.zerolog())
}

// CloseLogger flushes and closes the log file, if any.
func CloseLogger() {
	if persistentLogger != nil {
		persistentLogger.Close()
		persistentLogger = nil
	}
}

// GetLogFilePath returns the active log file, or "" when logging to console only.
func GetLogFilePath() string {
	if persistentLogger != nil {
		return persistentLogger.config.FilePath
	}
	return ""
}

// ========================================
// Helpers
// ========================================

// LogDebug starts a debug event tagged with module.
func LogDebug(module string) *zerolog.Event {
	return Logger.Debug().Str("module", module)
}

// LogInfo starts an info event tagged with module.
func LogInfo(module string) *zerolog.Event {
	return Logger.Info().Str("module", module)
}

// LogWarn starts a warn event tagged with module.
func LogWarn(module string) *zerolog.Event {
	return Logger.Warn().Str("module", module)
}

// LogError starts an error event tagged with module.
func LogError(module string) *zerolog.Event {
	return Logger.Error().Str("module", module)
}

func withFields(event *zerolog.Event, fields map[string]interface{}) *zerolog.Event {
	for k, v := range fields {
		switch val := v.(type) {
		case string:
			event.Str(k, val)
		case int:
			event.Int(k, val)
		case int64:
			event.Int64(k, val)
		case float64:
			event.Float64(k, val)
		case bool:
			event.Bool(k, val)
		case time.Duration:
			event.Dur(k, val)
		case error:
			event.AnErr(k, val)
		default:
			event.Interface(k, val)
		}
	}
	return event
}

// AgentState is a lifecycle stage of the agent.
type AgentState string

const (
	StateStarting     AgentState = "starting"
	StateReady        AgentState = "ready"
	StateShuttingDown AgentState = "shutting_down"
	StateStopped      AgentState = "stopped"
)

// LogAgentState records a lifecycle transition.
func LogAgentState(state AgentState, details map[string]interface{}) {
	withFields(Logger.Info().
		Str("category", "agent_state").
		Str("state", string(state)), details).
		Msg("Agent state changed")
}

// LogErrorWithContext records err with extra fields.
func LogErrorWithContext(module string, err error, fields map[string]interface{}) {
	withFields(Logger.Error().Str("module", module).Err(err), fields).Msg("Error occurred")
}

// ========================================
// Timing
// ========================================

// OperationTimer logs the duration of an operation when ended.
type OperationTimer struct {
	module    string
	operation string
	startTime time.Time
	details   map[string]interface{}
}

// StartOperation starts timing operation.
func StartOperation(module, operation string) *OperationTimer {
	return &OperationTimer{
		module:    module,
		operation: operation,
		startTime: time.Now(),
		details:   make(map[string]interface{}),
	}
}

// AddDetail attaches a field to the final log entry.
func (t *OperationTimer) AddDetail(key string, value interface{}) *OperationTimer {
	t.details[key] = value
	return t
}

// End logs the elapsed time at info level.
func (t *OperationTimer) End() time.Duration {
	d := time.Since(t.startTime)
	withFields(Logger.Info().
		Str("module", t.module).
		Str("category", "performance").
		Str("operation", t.operation).
		Dur("duration", d), t.details).
		Msg("Operation completed")
	return d
}

// EndWithError logs the elapsed time and err at error level.
func (t *OperationTimer) EndWithError(err error) time.Duration {
	d := time.Since(t.startTime)
	withFields(Logger.Error().
		Str("module", t.module).
		Str("category", "performance").
		Str("operation", t.operation).
		Dur("duration", d).
		Err(err), t.details).
		Msg("Operation failed")
	return d
}

func init() {
	_ = InitLogger(DefaultLogConfig())
}
