package whatsapp

import (
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	waLog "go.mau.fi/whatsmeow/util/log"
)

var waLevels = map[string]logrus.Level{
	"DEBUG": logrus.DebugLevel,
	"INFO":  logrus.InfoLevel,
	"WARN":  logrus.WarnLevel,
	"ERROR": logrus.ErrorLevel,
}

// logrusLogger bridges whatsmeow's logger into logrus. Messages below min
// are dropped before formatting.
type logrusLogger struct {
	entry  *logrus.Entry
	module string
	min    logrus.Level
}

// NewLogger wraps entry for whatsmeow. level is one of DEBUG, INFO, WARN or
// ERROR; anything else means WARN.
func NewLogger(entry *logrus.Entry, module, level string) waLog.Logger {
	min, ok := waLevels[strings.ToUpper(level)]
	if !ok {
		min = logrus.WarnLevel
	}
	return &logrusLogger{entry: entry, module: module, min: min}
}

func (l *logrusLogger) log(level logrus.Level, msg string, args []interface{}) {
	if level > l.min {
		return
	}
	l.entry.WithField("wa_module", l.module).Log(level, fmt.Sprintf(msg, args...))
}

func (l *logrusLogger) Errorf(msg string, args ...interface{}) {
	l.log(logrus.ErrorLevel, msg, args)
}

func (l *logrusLogger) Warnf(msg string, args ...interface{}) {
	l.log(logrus.WarnLevel, msg, args)
}

func (l *logrusLogger) Infof(msg string, args ...interface{}) {
	l.log(logrus.InfoLevel, msg, args)
}

func (l *logrusLogger) Debugf(msg string, args ...interface{}) {
	l.log(logrus.DebugLevel, msg, args)
}

func (l *logrusLogger) Sub(module string) waLog.Logger {
	return &logrusLogger{entry: l.entry, module: l.module + "/" + module, min: l.min}
}
