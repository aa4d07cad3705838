// Package logging builds the helper's zap logger.
//
// The remote-helper protocol owns stdout, so all logging goes to
// stderr (console encoding, no timestamps: git prefixes our stderr
// with "remote:") and optionally to a rotating debug log file. The
// level is held in an AtomicLevel because git delivers its -v/-vv
// setting via `option verbosity` after the logger already exists.
package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger bundles the zap logger with its adjustable level.
type Logger struct {
	*zap.Logger
	level zap.AtomicLevel
}

// New creates the logger. verbosity follows git's scale: 0 errors
// only, 1 warnings (the default), 2 info (-v), 3 and up debug (-vv).
// When logFile is non-empty a rotating file sink records everything at
// debug level regardless of the console verbosity.
func New(verbosity int, logFile string) *Logger {
	level := zap.NewAtomicLevelAt(levelFor(verbosity))

	consoleCfg := zap.NewDevelopmentEncoderConfig()
	consoleCfg.TimeKey = ""
	console := zapcore.NewCore(
		zapcore.NewConsoleEncoder(consoleCfg),
		zapcore.Lock(os.Stderr),
		level,
	)

	core := console
	if logFile != "" {
		file := zapcore.NewCore(
			zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
			zapcore.AddSync(&lumberjack.Logger{
				Filename:   logFile,
				MaxSize:    10, // megabytes
				MaxBackups: 3,
			}),
			zapcore.DebugLevel,
		)
		core = zapcore.NewTee(console, file)
	}

	return &Logger{Logger: zap.New(core), level: level}
}

// SetVerbosity applies a verbosity received over the protocol. The
// level only ever rises: an environment override stays in effect when
// git asks for less.
func (l *Logger) SetVerbosity(verbosity int) {
	want := levelFor(verbosity)
	if want < l.level.Level() {
		l.level.SetLevel(want)
	}
}

func levelFor(verbosity int) zapcore.Level {
	switch {
	case verbosity <= 0:
		return zapcore.ErrorLevel
	case verbosity == 1:
		return zapcore.WarnLevel
	case verbosity == 2:
		return zapcore.InfoLevel
	default:
		return zapcore.DebugLevel
	}
}
