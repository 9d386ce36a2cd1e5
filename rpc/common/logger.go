package common

import (
	"fmt"
	"github.com/lni/dragonboat/v4/logger"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"sync/atomic"
)

// Logger names used throughout the module
const (
	LoggerRPC       = "rpc"
	LoggerTransport = "transport/rpc"
	LoggerHdrPool   = "hdrpool"
	LoggerCluster   = "cluster"
	LoggerServer    = "server"
	LoggerStore     = "chunkstore"
)

var moduleLoggers = []string{LoggerRPC, LoggerTransport, LoggerHdrPool, LoggerCluster, LoggerServer, LoggerStore}

// factoryOnce guards the process wide logger factory, dragonboat panics if it is installed twice
var factoryOnce sync.Once

// InitLoggers routes all dragonboat loggers through the dStor logger and sets
// the level of the module loggers. It may be called any number of times, e.g.
// once per server started in the same process; only the level changes after
// the first call.
func InitLoggers(level string) {
	factoryOnce.Do(func() {
		logger.SetLoggerFactory(CreateLogger)
	})

	lvl := parseLogLevel(level)
	for _, name := range moduleLoggers {
		logger.GetLogger(name).SetLevel(lvl)
	}
}

// CreateLogger is the logger.Factory of this module. Log lines go to stderr so
// that commands streaming file contents to stdout are not disturbed.
func CreateLogger(pkgName string) logger.ILogger {
	return newLogger(pkgName, os.Stderr)
}

// dStorLogger implements logger.ILogger. The level is atomic since servers
// sharing a process may change it while requests are logged.
type dStorLogger struct {
	name  string
	level atomic.Int32
	out   *log.Logger
}

func newLogger(name string, w io.Writer) *dStorLogger {
	l := &dStorLogger{name: name, out: log.New(w, "", log.Ldate|log.Ltime|log.Lmicroseconds)}
	l.level.Store(int32(logger.INFO))
	return l
}

func (l *dStorLogger) SetLevel(level logger.LogLevel) { l.level.Store(int32(level)) }

func (l *dStorLogger) enabled(level logger.LogLevel) bool {
	return logger.LogLevel(l.level.Load()) >= level
}

func (l *dStorLogger) Debugf(format string, args ...interface{}) {
	if l.enabled(logger.DEBUG) {
		l.write("DEBUG", format, args...)
	}
}

func (l *dStorLogger) Infof(format string, args ...interface{}) {
	if l.enabled(logger.INFO) {
		l.write("INFO", format, args...)
	}
}

func (l *dStorLogger) Warningf(format string, args ...interface{}) {
	if l.enabled(logger.WARNING) {
		l.write("WARN", format, args...)
	}
}

func (l *dStorLogger) Errorf(format string, args ...interface{}) {
	if l.enabled(logger.ERROR) {
		l.write("ERROR", format, args...)
	}
}

// Panicf always logs and panics, regardless of the level
func (l *dStorLogger) Panicf(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	l.write("PANIC", "%s", msg)
	panic(msg)
}

func (l *dStorLogger) write(levelStr string, format string, args ...interface{}) {
	l.out.Printf("%-5s [%s] %s", levelStr, l.name, fmt.Sprintf(format, args...))
}

// parseLogLevel maps a configured level to a dragonboat level, an empty value
// selects info
func parseLogLevel(level string) logger.LogLevel {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return logger.DEBUG
	case "", "info":
		return logger.INFO
	case "warning", "warn":
		return logger.WARNING
	case "error":
		return logger.ERROR
	default:
		panic(fmt.Sprintf("invalid log level: %s. must be one of debug, info, warn, error", level))
	}
}
