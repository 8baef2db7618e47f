package negotiate

import (
	logging "github.com/ipfs/go-log/v2"
	pionlog "github.com/pion/logging"
)

// pionLogs routes pion's internal loggers through go-log so their verbosity
// is controlled like every other subsystem ("pion/ice", "pion/sctp", ...).
type pionLogs struct {
	level string
}

func (f pionLogs) NewLogger(scope string) pionlog.LeveledLogger {
	name := "pion/" + scope
	l := logging.Logger(name)
	if f.level != "" {
		_ = logging.SetLogLevel(name, f.level)
	}
	return pionLogger{l}
}

type pionLogger struct {
	l *logging.ZapEventLogger
}

func (p pionLogger) Trace(msg string)                          { p.l.Debug(msg) }
func (p pionLogger) Tracef(format string, args ...interface{}) { p.l.Debugf(format, args...) }
func (p pionLogger) Debug(msg string)                          { p.l.Debug(msg) }
func (p pionLogger) Debugf(format string, args ...interface{}) { p.l.Debugf(format, args...) }
func (p pionLogger) Info(msg string)                           { p.l.Info(msg) }
func (p pionLogger) Infof(format string, args ...interface{})  { p.l.Infof(format, args...) }
func (p pionLogger) Warn(msg string)                           { p.l.Warn(msg) }
func (p pionLogger) Warnf(format string, args ...interface{})  { p.l.Warnf(format, args...) }
func (p pionLogger) Error(msg string)                          { p.l.Error(msg) }
func (p pionLogger) Errorf(format string, args ...interface{}) { p.l.Errorf(format, args...) }
