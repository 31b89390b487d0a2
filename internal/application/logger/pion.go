package logger

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pion/logging"

	"github.com/hanainplan/consultcall/internal/application/constant"
)

// PionFactory отдает pion логгеры, пишущие в slog
type PionFactory struct {
	logger *slog.Logger
}

func NewPionFactory(l *slog.Logger) *PionFactory {
	if l == nil {
		l = slog.Default()
	}

	return &PionFactory{logger: l}
}

func (f *PionFactory) NewLogger(scope string) logging.LeveledLogger {
	return &pionLogger{
		logger: f.logger.With(slog.String(constant.Component, "pion/"+scope)),
	}
}

// levelTrace ниже slog.LevelDebug, чтобы trace pion не шумел в debug режиме
const levelTrace = slog.LevelDebug - 4

type pionLogger struct {
	logger *slog.Logger
}

func (l *pionLogger) log(level slog.Level, msg string) {
	l.logger.Log(context.Background(), level, msg)
}

func (l *pionLogger) Trace(msg string) { l.log(levelTrace, msg) }
func (l *pionLogger) Tracef(format string, args ...any) {
	l.log(levelTrace, fmt.Sprintf(format, args...))
}

func (l *pionLogger) Debug(msg string) { l.log(slog.LevelDebug, msg) }
func (l *pionLogger) Debugf(format string, args ...any) {
	l.log(slog.LevelDebug, fmt.Sprintf(format, args...))
}

func (l *pionLogger) Info(msg string) { l.log(slog.LevelInfo, msg) }
func (l *pionLogger) Infof(format string, args ...any) {
	l.log(slog.LevelInfo, fmt.Sprintf(format, args...))
}

func (l *pionLogger) Warn(msg string) { l.log(slog.LevelWarn, msg) }
func (l *pionLogger) Warnf(format string, args ...any) {
	l.log(slog.LevelWarn, fmt.Sprintf(format, args...))
}

func (l *pionLogger) Error(msg string) { l.log(slog.LevelError, msg) }
func (l *pionLogger) Errorf(format string, args ...any) {
	l.log(slog.LevelError, fmt.Sprintf(format, args...))
}
