package logging

import (
	"bytes"
	"errors"
	"log/slog"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
)

func newBufferLogger() (*bytes.Buffer, ServiceLogger) {
	var buf bytes.Buffer
	handler := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	return &buf, NewSlogServiceLogger(slog.New(handler))
}

func TestSlogServiceLogger_Levels(t *testing.T) {
	buf, log := newBufferLogger()

	log.Debug("debug line", LogFields{"topic": "PatientEvent"})
	log.Info("info line", nil)
	log.Warn("warn line", nil)
	log.Error("error line", errors.New("boom"), LogFields{"facility": "F1"})

	out := buf.String()
	assert.Contains(t, out, "debug line")
	assert.Contains(t, out, "topic=PatientEvent")
	assert.Contains(t, out, "warn line")
	assert.Contains(t, out, "error=boom")
	assert.Contains(t, out, "facility=F1")
}

func TestSlogServiceLogger_With(t *testing.T) {
	buf, log := newBufferLogger()

	scoped := log.With(LogFields{"service": "Normalization"})
	scoped.Info("scoped", nil)

	assert.Contains(t, buf.String(), "service=Normalization")
}

func TestWatermillAdapter(t *testing.T) {
	buf, log := newBufferLogger()
	adapter := NewWatermillAdapter(log)

	adapter.Info("wm info", watermill.LogFields{"k": "v"})
	adapter.Trace("wm trace", nil)
	adapter.Error("wm error", errors.New("bad"), nil)
	adapter.With(watermill.LogFields{"scope": "sub"}).Debug("wm scoped", nil)

	out := buf.String()
	assert.Contains(t, out, "wm info")
	assert.Contains(t, out, "k=v")
	assert.Contains(t, out, "wm trace")
	assert.Contains(t, out, "error=bad")
	assert.Contains(t, out, "scope=sub")
}

func TestNop(t *testing.T) {
	log := Nop()
	log.Info("ignored", nil)
	log.Error("ignored", errors.New("x"), nil)
	assert.NotNil(t, log.With(LogFields{"a": 1}))
}
