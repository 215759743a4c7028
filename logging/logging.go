package logging

import (
	"os"
	"sync"

	"github.com/sirupsen/logrus"
	"www.velocidex.com/golang/lptrack/config"
)

var (
	mu      sync.Mutex
	loggers = make(map[string]*LogContext)

	// Well known components.
	TrackerComponent = "lptrack"
	CheckerComponent = "checker"
	ToolComponent    = "tool"
)

// A LogContext is a logger scoped to one component. All messages
// carry the component as a structured field.
type LogContext struct {
	entry *logrus.Entry
}

func (self *LogContext) Debug(format string, v ...interface{}) {
	self.entry.Debugf(format, v...)
}

func (self *LogContext) Info(format string, v ...interface{}) {
	self.entry.Infof(format, v...)
}

func (self *LogContext) Warn(format string, v ...interface{}) {
	self.entry.Warnf(format, v...)
}

func (self *LogContext) Error(format string, v ...interface{}) {
	self.entry.Errorf(format, v...)
}

func (self *LogContext) WithFields(fields logrus.Fields) *LogContext {
	return &LogContext{entry: self.entry.WithFields(fields)}
}

// GetLogger returns the cached logger for the component, creating it
// according to the config on first use.
func GetLogger(config_obj *config.Config, component string) *LogContext {
	mu.Lock()
	defer mu.Unlock()

	ctx, pres := loggers[component]
	if pres {
		return ctx
	}

	logger := logrus.New()
	logger.Out = os.Stderr
	logger.Level = logrus.InfoLevel
	logger.Formatter = &logrus.TextFormatter{
		DisableTimestamp: false,
		FullTimestamp:    true,
	}

	if config_obj != nil {
		if config_obj.Verbose {
			logger.Level = logrus.DebugLevel
		}

		if config_obj.LogFile != "" {
			fd, err := os.OpenFile(config_obj.LogFile,
				os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
			if err == nil {
				logger.Out = fd
			}
		}
	}

	ctx = &LogContext{
		entry: logger.WithFields(logrus.Fields{"component": component}),
	}
	loggers[component] = ctx

	return ctx
}

// Reset clears the logger cache. Used by tests that change config
// between runs.
func Reset() {
	mu.Lock()
	defer mu.Unlock()

	loggers = make(map[string]*LogContext)
}
