//go:build linux

package executor

import (
	"bytes"
	"context"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// alive reports whether pid is a running (not zombie) process.
func alive(pid int) bool {
	stat, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/stat")
	if err != nil {
		return false
	}
	// state follows the parenthesised command name
	i := bytes.LastIndexByte(stat, ')')
	return i < 0 || i+2 >= len(stat) || stat[i+2] != 'Z'
}

func spawnedPID(t *testing.T, output string) int {
	t.Helper()
	fields := strings.Fields(output)
	require.NotEmpty(t, fields, "no pid in output %q", output)
	pid, err := strconv.Atoi(fields[0])
	require.NoError(t, err)
	return pid
}

func TestTimeoutKillsSpawnedProcesses(t *testing.T) {
	requireTool(t, "python3")
	requireTool(t, "sleep")
	res := NewRunner(time.Second, zap.NewNop()).Execute(context.Background(), Request{
		Code: "import subprocess, time\n" +
			"p = subprocess.Popen(['sleep', '137'])\n" +
			"print(p.pid, flush=True)\n" +
			"time.sleep(30)\n",
		Language: "python",
	})
	assert.False(t, res.Success)
	assert.Equal(t, ErrTimeout.Error(), res.Error)

	pid := spawnedPID(t, res.Output)
	assert.Eventually(t, func() bool { return !alive(pid) }, 2*time.Second, 20*time.Millisecond,
		"sleep %d survived the deadline", pid)
}

func TestBackgroundProcessDoesNotOutliveRun(t *testing.T) {
	requireTool(t, "python3")
	requireTool(t, "sleep")
	res := NewRunner(5*time.Second, zap.NewNop()).Execute(context.Background(), Request{
		Code: "import subprocess\n" +
			"p = subprocess.Popen(['sleep', '138'], stdout=subprocess.DEVNULL, stderr=subprocess.DEVNULL)\n" +
			"print(p.pid)\n",
		Language: "python",
	})
	require.True(t, res.Success, res.Error)

	pid := spawnedPID(t, res.Output)
	assert.Eventually(t, func() bool { return !alive(pid) }, 2*time.Second, 20*time.Millisecond,
		"sleep %d survived the run", pid)
}
