package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/corpusvet/corpusvet/pkg/faults"
	"github.com/corpusvet/corpusvet/pkg/run"
)

func TestRunVersion(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := Run([]string{"corpusvet", "version"}, &stdout, &stderr)
	assert.Equal(t, faults.ExitOK, code)
	assert.Contains(t, stdout.String(), run.Version)
	assert.Empty(t, stderr.String())
}

func TestRunHelp(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := Run([]string{"corpusvet", "help"}, &stdout, &stderr)
	assert.Equal(t, faults.ExitOK, code)
	assert.Contains(t, stdout.String(), "yellow_screen")
}

func TestRunNoCommand(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := Run([]string{"corpusvet"}, &stdout, &stderr)
	assert.Equal(t, faults.ExitFailure, code)
	assert.Contains(t, stderr.String(), "Usage:")
}

func TestRunUnknownCommand(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := Run([]string{"corpusvet", "teleport"}, &stdout, &stderr)
	assert.Equal(t, faults.ExitFailure, code)
	assert.Contains(t, stderr.String(), "unknown command: teleport")
}

func TestRunAcquireRequiresBucket(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := Run([]string{"corpusvet", "acquire"}, &stdout, &stderr)
	assert.Equal(t, faults.ExitFailure, code)
	assert.Contains(t, stderr.String(), "--bucket must be green or yellow")
}

func TestRunMissingConfigMapsToConfigExit(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := Run([]string{"corpusvet", "classify", "--config", "/nonexistent/targets.yaml"}, &stdout, &stderr)
	assert.Equal(t, faults.ExitConfig, code)
	assert.Contains(t, stderr.String(), "corpusvet:")
}
