package main

import (
	"github.com/pion/logging"
	"github.com/sirupsen/logrus"
)

// loggerFactory hands every component a logrus entry tagged with its scope.
type loggerFactory struct {
	logger *logrus.Logger
}

func (f loggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return &leveledLogger{entry: f.logger.WithField("scope", scope)}
}

type leveledLogger struct {
	entry *logrus.Entry
}

func (l *leveledLogger) Trace(msg string)                  { l.entry.Trace(msg) }
func (l *leveledLogger) Tracef(format string, args ...any) { l.entry.Tracef(format, args...) }
func (l *leveledLogger) Debug(msg string)                  { l.entry.Debug(msg) }
func (l *leveledLogger) Debugf(format string, args ...any) { l.entry.Debugf(format, args...) }
func (l *leveledLogger) Info(msg string)                   { l.entry.Info(msg) }
func (l *leveledLogger) Infof(format string, args ...any)  { l.entry.Infof(format, args...) }
func (l *leveledLogger) Warn(msg string)                   { l.entry.Warn(msg) }
func (l *leveledLogger) Warnf(format string, args ...any)  { l.entry.Warnf(format, args...) }
func (l *leveledLogger) Error(msg string)                  { l.entry.Error(msg) }
func (l *leveledLogger) Errorf(format string, args ...any) { l.entry.Errorf(format, args...) }

func newLogger(level string) (*logrus.Logger, error) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	logger := logrus.New()
	logger.SetLevel(lvl)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "15:04:05.000",
	})
	return logger, nil
}
