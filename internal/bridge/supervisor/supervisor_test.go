package supervisor

import (
	"strings"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKillOpensWithSIGTERM(t *testing.T) {
	// SIGINT would be swallowed by daemons detached from a TTY, turning the
	// SIGKILL escalation into the common path.
	assert.Equal(t, syscall.SIGTERM, gracefulSignal)
}

func TestValidateCommandForOS(t *testing.T) {
	tests := []struct {
		name    string
		command string
		goos    string
		valid   bool
	}{
		{"node on linux", "node", "linux", true},
		{"node on darwin", "node", "darwin", true},
		{"full path to node", "/usr/local/bin/node", "linux", true},
		{"npx", "npx", "linux", true},
		{"uvx", "uvx", "linux", true},
		{"docker", "docker", "linux", true},
		{"go", "go", "linux", true},
		{"node.exe on windows", "node.exe", "windows", true},
		{"node.cmd on windows", `C:\tools\node.cmd`, "windows", true},
		{"python3.bat on windows", "python3.bat", "windows", true},
		{"node.exe on linux", "node.exe", "linux", false},
		{"node.sh anywhere", "node.sh", "windows", false},
		{"rm", "rm", "linux", false},
		{"bash", "bash", "linux", false},
		{"empty", "", "linux", false},
		{"whitespace", "   ", "linux", false},
		{"claude is not allow-listed", "claude", "linux", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateCommandForOS(tt.command, tt.goos)
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestValidateCommandErrorNamesCommand(t *testing.T) {
	err := validateCommandForOS("rm", "linux")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"rm"`)
}

func TestMergeEnv(t *testing.T) {
	base := []string{"PATH=/usr/bin", "HOME=/home/u", "FOO=old"}
	merged := mergeEnv(base, map[string]string{"FOO": "new", "BAR": "1"})

	assert.Contains(t, merged, "PATH=/usr/bin")
	assert.Contains(t, merged, "HOME=/home/u")
	assert.Contains(t, merged, "FOO=new")
	assert.Contains(t, merged, "BAR=1")
	assert.NotContains(t, merged, "FOO=old")
}

func TestMergeEnvNoOverrides(t *testing.T) {
	base := []string{"PATH=/usr/bin"}
	assert.Equal(t, base, mergeEnv(base, nil))
}

func TestStderrRingKeepsTail(t *testing.T) {
	ring := newStderrRing(3)
	for _, line := range []string{"one", "two", "three", "four", "five"} {
		ring.add(line)
	}

	assert.Equal(t, []string{"three", "four", "five"}, ring.tail(10))
	assert.Equal(t, []string{"five"}, ring.tail(1))
}

func TestStderrRingConsumeSplitsLines(t *testing.T) {
	ring := newStderrRing(10)
	ring.consume(strings.NewReader("alpha\nbeta\r\ngamma"))

	assert.Equal(t, []string{"alpha", "beta", "gamma"}, ring.tail(10))
}
