package common

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type LogLevel int32

const (
	DEBUG_INFO_DETAIL LogLevel = 1
	DEBUG_INFO        LogLevel = 2
	RDB_OP_FUNC_CALL  LogLevel = 4
	DEBUGGING         LogLevel = 8
	INFO              LogLevel = 16
	WARN              LogLevel = 32
	ERROR             LogLevel = 64
	FATAL             LogLevel = 128
)

// LogLevelSetting is a bitmask of the LogLevel values above. A message is
// emitted when its level bit is set here.
var LogLevelSetting LogLevel = INFO | WARN | ERROR | FATAL

var logger *zap.SugaredLogger

func init() {
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	cfg.DisableStacktrace = true
	l, err := cfg.Build(zap.WithCaller(false))
	if err != nil {
		panic(err)
	}
	logger = l.Sugar()
}

// ShPrintf writes a formatted message when logLevel is enabled in
// LogLevelSetting.
func ShPrintf(logLevel LogLevel, fmtStr string, a ...interface{}) {
	if logLevel&LogLevelSetting == 0 {
		return
	}
	switch {
	case logLevel >= FATAL:
		logger.Fatalf(fmtStr, a...)
	case logLevel >= ERROR:
		logger.Errorf(fmtStr, a...)
	case logLevel >= WARN:
		logger.Warnf(fmtStr, a...)
	case logLevel >= INFO:
		logger.Infof(fmtStr, a...)
	default:
		logger.Debugf(fmtStr, a...)
	}
}
