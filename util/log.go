package util

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const logFileLayout = "rebalance-2006-01-02-log.txt"

func NewLogger() (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	cfg.Encoding = "console"
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	return cfg.Build()
}

// NewDailyFileLogger writes to stdout and appends to dir/rebalance-YYYY-MM-DD-log.txt, switching
// files when clock crosses midnight.
func NewDailyFileLogger(dir string, clock Clock) (*zap.Logger, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log dir: %w", err)
	}
	if clock == nil {
		clock = RealClock{}
	}
	file := &dailyFile{dir: dir, clock: clock}
	if _, err := file.current(); err != nil {
		return nil, err
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderCfg.EncodeLevel = zapcore.CapitalLevelEncoder

	core := zapcore.NewTee(
		zapcore.NewCore(zapcore.NewConsoleEncoder(encoderCfg), zapcore.AddSync(os.Stdout), zap.InfoLevel),
		zapcore.NewCore(zapcore.NewConsoleEncoder(encoderCfg), file, zap.InfoLevel),
	)

	return zap.New(core), nil
}

// LogFileName returns the file the daily logger writes to for clock's current day.
func LogFileName(dir string, clock Clock) string {
	return filepath.Join(dir, clock.Now().Format(logFileLayout))
}

// dailyFile is a zapcore.WriteSyncer over the log file for the current day.
type dailyFile struct {
	dir   string
	clock Clock

	mu   sync.Mutex
	name string
	f    *os.File
}

func (d *dailyFile) current() (*os.File, error) {
	name := LogFileName(d.dir, d.clock)
	if d.f != nil && name == d.name {
		return d.f, nil
	}
	f, err := os.OpenFile(name, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	if d.f != nil {
		_ = d.f.Close()
	}
	d.name, d.f = name, f
	return f, nil
}

func (d *dailyFile) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	f, err := d.current()
	if err != nil {
		return 0, err
	}
	return f.Write(p)
}

func (d *dailyFile) Sync() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.f == nil {
		return nil
	}
	return d.f.Sync()
}
