package logger

import (
	"bytes"
	"log/slog"
	"regexp"
	"testing"

	"github.com/cachefs/cachefs/cfg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
)

const (
	textTraceString = "^time=\"[0-9/:. ]{26}\" severity=TRACE message=www.traceExample.com"
	textErrorString = "^time=\"[0-9/:. ]{26}\" severity=ERROR message=www.errorExample.com"

	jsonTraceString = "^{\"timestamp\":{\"seconds\":\\d{10},\"nanos\":\\d{0,9}},\"severity\":\"TRACE\",\"message\":\"www.traceExample.com\"}"
	jsonErrorString = "^{\"timestamp\":{\"seconds\":\\d{10},\"nanos\":\\d{0,9}},\"severity\":\"ERROR\",\"message\":\"www.errorExample.com\"}"
)

type LoggerTest struct {
	suite.Suite
}

func TestLoggerSuite(t *testing.T) {
	suite.Run(t, new(LoggerTest))
}

func redirectLogsToGivenBuffer(buf *bytes.Buffer, severity cfg.LogSeverity, format string) {
	programLevel := new(slog.LevelVar)
	defaultLoggerFactory.format = format
	defaultLogger = slog.New(defaultLoggerFactory.createJsonOrTextHandler(buf, programLevel, ""))
	setLoggingLevel(severity, programLevel)
}

func (t *LoggerTest) TestTextFormat_OnlyErrorAtErrorSeverity() {
	var buf bytes.Buffer
	redirectLogsToGivenBuffer(&buf, cfg.ErrorLogSeverity, "text")

	Tracef("www.traceExample.com")
	assert.Equal(t.T(), "", buf.String())

	Errorf("www.errorExample.com")
	assert.Regexp(t.T(), regexp.MustCompile(textErrorString), buf.String())
}

func (t *LoggerTest) TestTextFormat_AllSeveritiesAtTrace() {
	var buf bytes.Buffer
	redirectLogsToGivenBuffer(&buf, cfg.TraceLogSeverity, "text")

	Tracef("www.traceExample.com")
	assert.Regexp(t.T(), regexp.MustCompile(textTraceString), buf.String())
}

func (t *LoggerTest) TestJSONFormat_OnlyErrorAtErrorSeverity() {
	var buf bytes.Buffer
	redirectLogsToGivenBuffer(&buf, cfg.ErrorLogSeverity, "json")

	Tracef("www.traceExample.com")
	assert.Equal(t.T(), "", buf.String())

	Errorf("www.errorExample.com")
	assert.Regexp(t.T(), regexp.MustCompile(jsonErrorString), buf.String())
}

func (t *LoggerTest) TestJSONFormat_AllSeveritiesAtTrace() {
	var buf bytes.Buffer
	redirectLogsToGivenBuffer(&buf, cfg.TraceLogSeverity, "json")

	Tracef("www.traceExample.com")
	assert.Regexp(t.T(), regexp.MustCompile(jsonTraceString), buf.String())
}

func (t *LoggerTest) TestOffSeveritySuppressesEverything() {
	var buf bytes.Buffer
	redirectLogsToGivenBuffer(&buf, cfg.OffLogSeverity, "text")

	Errorf("www.errorExample.com")
	assert.Equal(t.T(), "", buf.String())
}

func TestSetLoggingLevel(t *testing.T) {
	testData := []struct {
		severity cfg.LogSeverity
		expected slog.Level
	}{
		{cfg.TraceLogSeverity, LevelTrace},
		{cfg.DebugLogSeverity, LevelDebug},
		{cfg.InfoLogSeverity, LevelInfo},
		{cfg.WarningLogSeverity, LevelWarn},
		{cfg.ErrorLogSeverity, LevelError},
		{cfg.OffLogSeverity, LevelOff},
	}

	for _, d := range testData {
		pl := new(slog.LevelVar)
		setLoggingLevel(d.severity, pl)
		assert.Equal(t, d.expected, pl.Level())
	}
}
