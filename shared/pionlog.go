package shared

import (
	"fmt"

	"github.com/pion/logging"
	"go.uber.org/zap"
)

// PionLoggerFactory routes pion's internal logs (ICE, DTLS, SCTP) into
// logger, one scope per subsystem.
type PionLoggerFactory struct {
	logger LoggerAdapter
}

var _ logging.LoggerFactory = (*PionLoggerFactory)(nil)

func NewPionLoggerFactory(logger LoggerAdapter) *PionLoggerFactory {
	return &PionLoggerFactory{logger: logger}
}

func (f *PionLoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return &pionLogger{logger: f.logger.With(zap.String("pion", scope))}
}

type pionLogger struct {
	logger LoggerAdapter
}

func (l *pionLogger) Trace(msg string) { l.logger.Trace(msg) }
func (l *pionLogger) Tracef(format string, args ...any) {
	l.logger.Trace(fmt.Sprintf(format, args...))
}
func (l *pionLogger) Debug(msg string) { l.logger.Debug(msg) }
func (l *pionLogger) Debugf(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}
func (l *pionLogger) Info(msg string) { l.logger.Info(msg) }
func (l *pionLogger) Infof(format string, args ...any) {
	l.logger.Info(fmt.Sprintf(format, args...))
}
func (l *pionLogger) Warn(msg string) { l.logger.Warn(msg) }
func (l *pionLogger) Warnf(format string, args ...any) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}
func (l *pionLogger) Error(msg string) { l.logger.Error(msg, nil) }
func (l *pionLogger) Errorf(format string, args ...any) {
	l.logger.Error(fmt.Sprintf(format, args...), nil)
}
