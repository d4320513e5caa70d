// This package defines a common config struct which can be used by any subsystem within parley.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Config struct {
	Debug                 bool
	RootDir               string
	LoggingPrefix         string
	LoaderCapacity        int
	BackupBatchSize       int
	BackupFlushIntervalMs int64
	QueryKeysTimeoutMs    int64
	RequestTimeoutMs      int64
	PickleKey             []byte
	writer                io.Writer
}

func (c Config) Logger(source string) *zap.SugaredLogger {
	var p string
	if source == "" {
		p = c.LoggingPrefix
	} else {
		p = fmt.Sprintf("%s:%s", c.LoggingPrefix, source)
	}

	level := zapcore.InfoLevel
	if c.Debug {
		level = zapcore.DebugLevel
	}
	opts := []zap.Option{
		zap.Fields(zap.String("source", p)),
	}

	de := zap.NewDevelopmentEncoderConfig()
	fileEncoder := zapcore.NewJSONEncoder(de)
	consoleEncoder := zapcore.NewConsoleEncoder(de)
	core := zapcore.NewTee(
		zapcore.NewCore(fileEncoder, zapcore.AddSync(c.writer), level),
		zapcore.NewCore(consoleEncoder, zapcore.AddSync(os.Stdout), level),
	)
	logger := zap.New(core, opts...)
	sugar := logger.Sugar()
	return sugar
}

type Option func(*Config)

func WithDebug(d bool) Option {
	return func(c *Config) {
		c.Debug = d
	}
}

func WithRootDir(d string) Option {
	return func(c *Config) {
		c.RootDir = d
	}
}

func WithLoggingPrefix(p string) Option {
	return func(c *Config) {
		c.LoggingPrefix = p
	}
}

func WithLoaderCapacity(n int) Option {
	return func(c *Config) {
		c.LoaderCapacity = n
	}
}

func WithBackupBatchSize(n int) Option {
	return func(c *Config) {
		c.BackupBatchSize = n
	}
}

func WithBackupFlushIntervalMs(n int64) Option {
	return func(c *Config) {
		c.BackupFlushIntervalMs = n
	}
}

func WithQueryKeysTimeoutMs(n int64) Option {
	return func(c *Config) {
		c.QueryKeysTimeoutMs = n
	}
}

func WithRequestTimeoutMs(n int64) Option {
	return func(c *Config) {
		c.RequestTimeoutMs = n
	}
}

func WithPickleKey(k []byte) Option {
	return func(c *Config) {
		c.PickleKey = k
	}
}

func NewConfig(opts ...Option) *Config {
	c := &Config{
		Debug:                 os.Getenv("DEBUG") == "1",
		LoggingPrefix:         "",
		RootDir:               ".",
		LoaderCapacity:        40,
		BackupBatchSize:       20,
		BackupFlushIntervalMs: 60000,
		QueryKeysTimeoutMs:    10000,
		RequestTimeoutMs:      5000,

		writer: nil,
	}
	for _, o := range opts {
		o(c)
	}

	writer := &lumberjack.Logger{
		Filename:   filepath.Join(c.RootDir, "out.log"),
		MaxSize:    500, // megabytes
		MaxBackups: 3,
		MaxAge:     28,   // days
		Compress:   true, // disabled by default
	}
	c.writer = writer
	return c
}
