// Copyright 2024 The Nakama Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"bytes"
	"log"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

type LoggingFormat int8

const (
	JSONFormat LoggingFormat = iota - 1
	StackdriverFormat
)

// SetupLogging builds the process logger from config.GetLog(): a console
// core, optionally teed with a lumberjack-rotated file core, with the
// stdlib "log" package redirected into the result (the teacher's
// console+rotated-file tee pattern, server/logger.go, collapsed into this
// one function rather than kept as separate top-level constructors).
func SetupLogging(tmpLogger *zap.Logger, config Config) *zap.Logger {
	logCfg := config.GetLog()

	zapLevel := zapcore.InfoLevel
	switch strings.ToLower(logCfg.Level) {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		tmpLogger.Fatal("log level invalid, must be one of: DEBUG, INFO, WARN, or ERROR")
	}

	format := JSONFormat
	switch strings.ToLower(logCfg.Format) {
	case "", "json":
		format = JSONFormat
	case "stackdriver":
		format = StackdriverFormat
	default:
		tmpLogger.Fatal("log format invalid, must be one of: '', 'json', or 'stackdriver'")
	}

	encoder := newJSONEncoder(format)
	cores := []zapcore.Core{zapcore.NewCore(encoder, zapcore.Lock(os.Stdout), zapLevel)}

	if !logCfg.Stdout && logCfg.OutputPath != "" {
		if fileCore := newRotatingFileCore(tmpLogger, logCfg, encoder, zapLevel); fileCore != nil {
			cores = append(cores, fileCore)
		}
	}

	logger := zap.New(zapcore.NewTee(cores...), zap.AddCaller())

	// stdlib log.Print callers (third-party libraries, mostly) are routed
	// through this same logger instead of writing past it to stderr.
	log.SetFlags(0)
	log.SetPrefix("")
	log.SetOutput(&stdLogWriter{logger.WithOptions(zap.AddCallerSkip(3))})

	return logger
}

// newRotatingFileCore builds the lumberjack-backed core SetupLogging tees
// alongside the console core when LogConfig.OutputPath is set.
func newRotatingFileCore(consoleLogger *zap.Logger, logCfg *LogConfig, encoder zapcore.Encoder, level zapcore.Level) zapcore.Core {
	if _, err := os.Stat(logCfg.OutputPath); os.IsNotExist(err) {
		if err := os.MkdirAll(logCfg.OutputPath, 0755); err != nil {
			consoleLogger.Error("could not create log output directory, logging to console only", zap.Error(err))
			return nil
		}
	}

	writeSyncer := zapcore.AddSync(&lumberjack.Logger{
		Filename:   filepath.Join(logCfg.OutputPath, "ladderd.log"),
		MaxSize:    100,
		MaxAge:     28,
		MaxBackups: 10,
		LocalTime:  true,
		Compress:   true,
	})
	return zapcore.NewCore(encoder, writeSyncer, level)
}

// NewJSONLogger builds a single JSON-encoded logger writing to output. It
// is used for the bootstrap logger cmd/ladderd needs before config has been
// parsed, before SetupLogging can run.
func NewJSONLogger(output *os.File, level zapcore.Level, format LoggingFormat) *zap.Logger {
	core := zapcore.NewCore(newJSONEncoder(format), zapcore.Lock(output), level)
	return zap.New(core, zap.AddCaller())
}

func newJSONEncoder(format LoggingFormat) zapcore.Encoder {
	if format == StackdriverFormat {
		return zapcore.NewJSONEncoder(zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "severity",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "message",
			StacktraceKey:  "stacktrace",
			EncodeLevel:    stackdriverLevelEncoder,
			EncodeTime:     zapcore.RFC3339NanoTimeEncoder,
			EncodeDuration: zapcore.StringDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		})
	}

	return zapcore.NewJSONEncoder(zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	})
}

func stackdriverLevelEncoder(l zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
	switch l {
	case zapcore.DebugLevel:
		enc.AppendString("DEBUG")
	case zapcore.InfoLevel:
		enc.AppendString("INFO")
	case zapcore.WarnLevel:
		enc.AppendString("WARNING")
	case zapcore.ErrorLevel:
		enc.AppendString("ERROR")
	default:
		enc.AppendString("CRITICAL")
	}
}

// stdLogWriter adapts a *zap.Logger into an io.Writer for log.SetOutput,
// used only by SetupLogging above.
type stdLogWriter struct {
	logger *zap.Logger
}

func (r *stdLogWriter) Write(p []byte) (int, error) {
	s := string(bytes.TrimSpace(p))
	if strings.HasPrefix(s, "http: panic serving") {
		r.logger.Error(s)
	} else {
		r.logger.Info(s)
	}
	return len(s), nil
}
