// Copyright 2025 James Ross
package obs

import (
    "os"
    "strings"

    "go.uber.org/zap"
    "go.uber.org/zap/zapcore"
    "gopkg.in/natefinch/lumberjack.v2"
)

// NewLogger builds the process logger at the given level, writing JSON to
// stderr. Worker and scheduler processes run unattended for long stretches,
// so when logFile is set the logger also writes size-rotated copies there
// via lumberjack rather than letting a single file grow without bound.
func NewLogger(level, logFile string) (*zap.Logger, error) {
    lvl := zapcore.InfoLevel
    switch strings.ToLower(level) {
    case "debug":
        lvl = zapcore.DebugLevel
    case "warn":
        lvl = zapcore.WarnLevel
    case "error":
        lvl = zapcore.ErrorLevel
    }

    encoderCfg := zap.NewProductionEncoderConfig()
    encoderCfg.TimeKey = "ts"
    encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
    encoder := zapcore.NewJSONEncoder(encoderCfg)

    cores := []zapcore.Core{
        zapcore.NewCore(encoder, zapcore.Lock(zapcore.AddSync(os.Stderr)), lvl),
    }
    if logFile != "" {
        rotator := &lumberjack.Logger{
            Filename:   logFile,
            MaxSize:    100, // megabytes
            MaxBackups: 5,
            MaxAge:     28, // days
            Compress:   true,
        }
        cores = append(cores, zapcore.NewCore(encoder, zapcore.AddSync(rotator), lvl))
    }

    return zap.New(zapcore.NewTee(cores...)), nil
}

// Convenience typed fields
func String(k, v string) zap.Field { return zap.String(k, v) }
func Int(k string, v int) zap.Field { return zap.Int(k, v) }
func Bool(k string, v bool) zap.Field { return zap.Bool(k, v) }
func Err(err error) zap.Field { return zap.Error(err) }
