package main

import (
	"flag"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const helperEnv = "CONREDIR_HELPER"

// TestHelperProcess stands in for the relayed binary when helperEnv is set
func TestHelperProcess(t *testing.T) {
	mode := os.Getenv(helperEnv)
	if mode == "" {
		return
	}

	if mode == "args" {
		os.Exit(len(flag.Args()))
	}

	code, _ := strconv.Atoi(mode)
	os.Exit(code)
}

func testBinary(t *testing.T) string {
	t.Helper()

	self, err := os.Executable()
	require.NoError(t, err)

	return self
}

func helperArgs(extra ...string) []string {
	return append([]string{"-test.run=^TestHelperProcess$", "--"}, extra...)
}

func TestSiblingExecutable(t *testing.T) {
	tests := []struct {
		self string
		want string
	}{
		{"/opt/caout/caout.com", "/opt/caout/caout.exe"},
		{"/opt/caout/caout", "/opt/caout/caout.exe"},
		{"/opt/caout.d/caout-console", "/opt/caout.d/caout-console.exe"},
	}

	for _, tt := range tests {
		t.Run(tt.self, func(t *testing.T) {
			got, err := siblingExecutable(tt.self)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSiblingExecutableRefusesItself(t *testing.T) {
	_, err := siblingExecutable("/opt/caout/caout.EXE")
	assert.Error(t, err)
}

func TestRelayExitCode(t *testing.T) {
	for _, code := range []int{0, 3} {
		t.Run(strconv.Itoa(code), func(t *testing.T) {
			t.Setenv(helperEnv, strconv.Itoa(code))

			assert.Equal(t, code, relay(testBinary(t), helperArgs()))
		})
	}
}

func TestRelayPassesArguments(t *testing.T) {
	t.Setenv(helperEnv, "args")

	assert.Equal(t, 2, relay(testBinary(t), helperArgs("movie.ac3", "-v")))
}

func TestRelayMissingTarget(t *testing.T) {
	assert.Equal(t, 1, relay(filepath.Join(t.TempDir(), "caout.exe"), nil))
}
