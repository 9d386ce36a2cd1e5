package common

import (
	"bytes"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/stretchr/testify/assert"
	"testing"
)

func TestInitLoggersRepeated(t *testing.T) {
	// two servers in one process initialise the loggers twice
	assert.NotPanics(t, func() {
		InitLoggers("info")
		InitLoggers("debug")
		InitLoggers("")
	})
	assert.Panics(t, func() { InitLoggers("verbose") })
}

func TestLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	l := newLogger(LoggerServer, &buf)

	l.Debugf("hidden %d", 1)
	l.Infof("shown %d", 2)
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "INFO  [server] shown 2")

	buf.Reset()
	l.SetLevel(logger.ERROR)
	l.Warningf("dropped")
	l.Errorf("kept")
	assert.NotContains(t, buf.String(), "dropped")
	assert.Contains(t, buf.String(), "ERROR [server] kept")

	assert.PanicsWithValue(t, "fatal 3", func() { l.Panicf("fatal %d", 3) })
	assert.Contains(t, buf.String(), "PANIC [server] fatal 3")
}

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, logger.INFO, parseLogLevel(""))
	assert.Equal(t, logger.DEBUG, parseLogLevel("DEBUG"))
	assert.Equal(t, logger.WARNING, parseLogLevel("warn"))
	assert.Equal(t, logger.WARNING, parseLogLevel("warning"))
	assert.Equal(t, logger.ERROR, parseLogLevel(" error "))
	assert.Panics(t, func() { parseLogLevel("trace") })
}
