package log

import (
	"bytes"
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigure(t *testing.T) {
	var buf bytes.Buffer

	entry, err := Configure(Config{Level: "debug", Format: FormatJSON, Output: &buf})
	require.NoError(t, err)

	entry.WithField("cluster", "hpc").Debug("planning")

	assert.Contains(t, buf.String(), `"cluster":"hpc"`)
	assert.Contains(t, buf.String(), `"msg":"planning"`)
}

func TestConfigureErrors(t *testing.T) {
	_, err := Configure(Config{})
	assert.ErrorIs(t, err, ErrLogOutputRequired)

	_, err = Configure(Config{Level: "loud", Output: &bytes.Buffer{}})
	assert.Error(t, err)

	_, err = Configure(Config{Format: "xml", Output: &bytes.Buffer{}})
	assert.Error(t, err)
}

func TestContextLogger(t *testing.T) {
	var buf bytes.Buffer
	entry, err := Configure(Config{Output: &buf})
	require.NoError(t, err)

	ctx := WithLogger(context.Background(), entry)
	ctx = WithFields(ctx, logrus.Fields{"vm": "compute-1"})

	GetLogger(ctx).Info("starting")
	assert.Contains(t, buf.String(), "vm=compute-1")

	assert.NotNil(t, GetLogger(context.Background()))
}
