package main

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type logOptions struct {
	level      string
	file       string
	maxSizeMB  int
	maxBackups int
}

func (o *logOptions) addFlags(f *pflag.FlagSet) {
	f.StringVar(&o.level, "log-level", "info", "log level (debug, info, warn, error)")
	f.StringVar(&o.file, "log-file", "", "also write JSON logs to this rotated file")
	f.IntVar(&o.maxSizeMB, "log-max-size", 100, "log file size in MB before rotation")
	f.IntVar(&o.maxBackups, "log-max-backups", 3, "rotated log files to keep")
}

// newLogger builds a console logger on stderr, teed to a rotated JSON file
// when one is configured. The returned func flushes and closes the file.
func newLogger(o logOptions) (*zap.Logger, func(), error) {
	level, err := zap.ParseAtomicLevel(o.level)
	if err != nil {
		return nil, nil, fmt.Errorf("log level: %w", err)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.Lock(os.Stderr), level),
	}
	var rotator *lumberjack.Logger
	if o.file != "" {
		rotator = &lumberjack.Logger{
			Filename:   o.file,
			MaxSize:    o.maxSizeMB,
			MaxBackups: o.maxBackups,
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(rotator), level))
	}

	logger := zap.New(zapcore.NewTee(cores...))
	return logger, func() {
		_ = logger.Sync()
		if rotator != nil {
			_ = rotator.Close()
		}
	}, nil
}
