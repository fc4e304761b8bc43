// Package logging sets up the process-wide structured logger: JSON lines
// rotated by size/age through lumberjack, in the same shape the rest of
// this codebase's lineage has always configured zap.
package logging

import (
	"time"

	"github.com/natefinch/lumberjack"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var levelMap = map[string]zapcore.Level{
	"debug":  zapcore.DebugLevel,
	"info":   zapcore.InfoLevel,
	"warn":   zapcore.WarnLevel,
	"error":  zapcore.ErrorLevel,
	"dpanic": zapcore.DPanicLevel,
	"panic":  zapcore.PanicLevel,
	"fatal":  zapcore.FatalLevel,
}

// Options configures Init.
type Options struct {
	// Level is one of debug/info/warn/error/dpanic/panic/fatal. Defaults to info.
	Level string
	// Path is the lumberjack log file path. Empty means lumberjack's own
	// default (<processname>-lumberjack.log in os.TempDir()).
	Path string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// Init builds the process-wide zap.Logger. It never fails: an unknown level
// falls back to info.
func Init(opt Options) *zap.Logger {
	level, ok := levelMap[opt.Level]
	if !ok {
		level = zapcore.InfoLevel
	}

	maxSize := opt.MaxSizeMB
	if maxSize == 0 {
		maxSize = 1024
	}
	maxBackups := opt.MaxBackups
	if maxBackups == 0 {
		maxBackups = 5
	}
	maxAge := opt.MaxAgeDays
	if maxAge == 0 {
		maxAge = 30
	}

	hook := lumberjack.Logger{
		Filename:   opt.Path,
		MaxSize:    maxSize,
		MaxBackups: maxBackups,
		MaxAge:     maxAge,
		Compress:   true,
	}

	priority := zap.LevelEnablerFunc(func(lvl zapcore.Level) bool {
		return lvl >= level
	})

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     timeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	core := zapcore.NewTee(
		zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), zapcore.AddSync(&hook), priority),
	)

	return zap.New(core, zap.AddCaller())
}

func timeEncoder(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString(t.Format("2006-01-02 15:04:05.000"))
}
