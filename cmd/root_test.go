package cmd

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetVersion(t *testing.T) {
	SetVersion("1.2.3-test")
	assert.Equal(t, "1.2.3-test", GetVersion())
}

func TestVersionCommand(t *testing.T) {
	SetVersion("9.9.9")
	var out bytes.Buffer
	versionCmd.SetOut(&out)
	versionCmd.Run(versionCmd, nil)
	require.Contains(t, out.String(), "opendiscovery version 9.9.9")
}

func TestServeRejectsUnknownTransport(t *testing.T) {
	serveTransport = "telepathy"
	defer func() { serveTransport = "" }()

	err := runServe(serveCmd, nil)
	assert.Error(t, err)
}
