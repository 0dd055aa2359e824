package ffrtlog_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/ffrt-go/ffrt/internal/ffrtlog"
	"github.com/joeycumines/izerolog"
	"github.com/joeycumines/logiface"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withCapture(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	zl := zerolog.New(&buf)
	l := logiface.New[*izerolog.Event](
		izerolog.WithZerolog(zl),
		logiface.WithLevel[*izerolog.Event](logiface.LevelTrace),
	)
	prev := l
	ffrtlog.SetLogger(prev)
	t.Cleanup(func() { ffrtlog.SetLogger(nil) })
	return &buf
}

func TestInfoWritesStructuredFields(t *testing.T) {
	buf := withCapture(t)

	ffrtlog.Info("queue", "submitted task", "taskID", uint64(7), "qos", "background")

	require.NotEmpty(t, buf.String())
	assert.Contains(t, buf.String(), "submitted task")
	assert.Contains(t, buf.String(), "taskID")
	assert.Contains(t, buf.String(), "queue")
}

func TestErrorFieldIncludesError(t *testing.T) {
	buf := withCapture(t)

	ffrtlog.Error("scheduler", "steal failed", "err", errors.New("queue empty"))

	assert.Contains(t, buf.String(), "queue empty")
}

func TestNilLoggerIsNoop(t *testing.T) {
	ffrtlog.SetLogger(nil)
	defer ffrtlog.SetLogger(nil)

	assert.NotPanics(t, func() {
		ffrtlog.Info("worker", "no logger configured")
	})
}
