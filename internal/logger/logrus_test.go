package logger

import (
	"bytes"
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLevelAndFormat(t *testing.T) {
	t.Setenv(EnvLevel, "")
	var buf bytes.Buffer
	log, err := New("warn", "json", &buf)
	require.NoError(t, err)
	assert.Equal(t, logrus.WarnLevel, log.GetLevel())

	log.Info("hidden")
	log.WithField("segment", "mask_shared").Warn("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"segment":"mask_shared"`)

	_, err = New("loud", "text", &buf)
	assert.Error(t, err)
	_, err = New("info", "xml", &buf)
	assert.Error(t, err)
}

func TestEnvOverridesLevel(t *testing.T) {
	t.Setenv(EnvLevel, "debug")
	log, err := New("error", "text", nil)
	require.NoError(t, err)
	assert.Equal(t, logrus.DebugLevel, log.GetLevel())
}

func TestContextEntry(t *testing.T) {
	assert.NotNil(t, Entry(context.Background()))

	e := Discard().WithField("run_id", "x")
	ctx := WithLogEntry(context.Background(), e)
	assert.Same(t, e, Entry(ctx))
}
