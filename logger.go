package raftkv

import (
	logging "github.com/ipfs/go-log"
)

type Logger interface {
	Trace(msg string)
	Debug(msg string)
	Info(msg string)
	Warn(msg string)
	Error(msg string)
}

// 默认日志实现，输出到 go-log，可用 logging.SetLogLevel(name, level) 调整级别
type eventLogger struct {
	log logging.StandardLogger
}

func NewLogger(name string) Logger {
	return &eventLogger{log: logging.Logger(name)}
}

func (l *eventLogger) Trace(msg string) { l.log.Debug(msg) }
func (l *eventLogger) Debug(msg string) { l.log.Debug(msg) }
func (l *eventLogger) Info(msg string)  { l.log.Info(msg) }
func (l *eventLogger) Warn(msg string)  { l.log.Warn(msg) }
func (l *eventLogger) Error(msg string) { l.log.Error(msg) }

type nopLogger struct{}

func (nopLogger) Trace(string) {}
func (nopLogger) Debug(string) {}
func (nopLogger) Info(string)  {}
func (nopLogger) Warn(string)  {}
func (nopLogger) Error(string) {}
