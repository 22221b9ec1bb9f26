// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

package rtlog

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultLoggerDiscardsOutput(t *testing.T) {
	assert.NotPanics(t, func() {
		L().Info("should go nowhere")
	})
}

func TestSetLoggerRoutesOutput(t *testing.T) {
	var buf bytes.Buffer
	SetLogger(slog.New(slog.NewTextHandler(&buf, nil)))
	defer SetLogger(slog.New(slog.NewTextHandler(bytes.NewBuffer(nil), nil)))

	L().Info("hello", "k", "v")
	assert.Contains(t, buf.String(), "hello")
	assert.Contains(t, buf.String(), "k=v")
}
