package alarik

import (
	"fmt"
	stdlog "log"

	"github.com/sirupsen/logrus"
)

type LogLevel string

const (
	LogErr  LogLevel = "ERR"
	LogWarn LogLevel = "WARN"
	LogInfo LogLevel = "INFO"
)

// Logger is the library-side logging surface. The server never logs through
// anything else, so embedders can route output wherever they like.
type Logger interface {
	Print(level LogLevel, v ...interface{})
}

// GlobalLog logs through the logrus standard logger.
func GlobalLog() Logger {
	return logrusLog{logrus.StandardLogger()}
}

// LogrusLog logs through the supplied logrus logger.
func LogrusLog(log *logrus.Logger) Logger {
	return logrusLog{log}
}

type logrusLog struct {
	log *logrus.Logger
}

func (l logrusLog) Print(level LogLevel, v ...interface{}) {
	switch level {
	case LogErr:
		l.log.Errorln(v...)
	case LogWarn:
		l.log.Warnln(v...)
	default:
		l.log.Infoln(v...)
	}
}

// StdLog logs through the supplied stdlib logger.
func StdLog(log *stdlog.Logger) Logger {
	return &stdLog{log: log}
}

type stdLog struct {
	log *stdlog.Logger
}

func (s *stdLog) Print(level LogLevel, v ...interface{}) {
	v = append(append(make([]interface{}, 0, len(v)+1), fmt.Sprintf("%s:", level)), v...)
	s.log.Println(v...)
}

// DiscardLog swallows everything.
func DiscardLog() Logger {
	return &discardLog{}
}

type discardLog struct{}

func (d discardLog) Print(level LogLevel, v ...interface{}) {}
