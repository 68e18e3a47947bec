package agent

import (
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cloudless/hostwatch/test/testutil"
	"github.com/cloudless/hostwatch/test/testutil/mocks"
)

func readPID(t *testing.T, dir string) int {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, PIDFileName))
	require.NoError(t, err)
	pid, err := strconv.Atoi(string(data))
	require.NoError(t, err)
	return pid
}

// TestAcquirePIDLock_Fresh verifies the lock is created and released
func TestAcquirePIDLock_Fresh(t *testing.T) {
	dir := t.TempDir()

	lock, err := AcquirePIDLock(dir, time.Now(), mocks.NewNoOpLogger())
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), readPID(t, dir))

	require.NoError(t, lock.Release())
	_, err = os.Stat(filepath.Join(dir, PIDFileName))
	assert.True(t, os.IsNotExist(err))
}

// TestAcquirePIDLock_LiveHolder verifies a live, fresh holder blocks the lock
func TestAcquirePIDLock_LiveHolder(t *testing.T) {
	dir := t.TempDir()
	testutil.WriteFile(t, dir, PIDFileName, strconv.Itoa(os.Getpid()))

	_, err := AcquirePIDLock(dir, time.Now(), testutil.NewTestLogger(t))
	assert.ErrorIs(t, err, ErrAlreadyRunning)
}

// TestAcquirePIDLock_DeadHolder verifies a lock left by an exited process is reclaimed
func TestAcquirePIDLock_DeadHolder(t *testing.T) {
	dir := t.TempDir()

	cmd := exec.Command("true")
	require.NoError(t, cmd.Run())
	testutil.WriteFile(t, dir, PIDFileName, strconv.Itoa(cmd.Process.Pid))

	logger, logs := mocks.NewObservedLogger()
	lock, err := AcquirePIDLock(dir, time.Now(), logger)
	require.NoError(t, err)
	defer lock.Release()
	assert.Equal(t, os.Getpid(), readPID(t, dir))
	assert.Equal(t, 1, logs.FilterMessage("Process in PID file is not running, removing it").Len())
}

// TestAcquirePIDLock_Garbage verifies an unreadable pid is treated as stale
func TestAcquirePIDLock_Garbage(t *testing.T) {
	dir := t.TempDir()
	testutil.WriteFile(t, dir, PIDFileName, "not-a-pid")

	logger, logs := mocks.NewObservedLogger()
	lock, err := AcquirePIDLock(dir, time.Now(), logger)
	require.NoError(t, err)
	lock.Release()
	assert.Equal(t, 1, logs.FilterMessage("PID file is unreadable, removing it").Len())
}

// TestAcquirePIDLock_HungHolder verifies a live holder past the stale age is killed
func TestAcquirePIDLock_HungHolder(t *testing.T) {
	dir := t.TempDir()

	cmd := exec.Command("sleep", "60")
	require.NoError(t, cmd.Start())
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	path := testutil.WriteFile(t, dir, PIDFileName, strconv.Itoa(cmd.Process.Pid))
	old := time.Now().Add(-StaleLockAge - time.Minute)
	require.NoError(t, os.Chtimes(path, old, old))

	lock, err := AcquirePIDLock(dir, time.Now(), zap.NewNop())
	require.NoError(t, err)
	defer lock.Release()

	select {
	case err := <-done:
		assert.Error(t, err, "the hung process is killed")
	case <-time.After(5 * time.Second):
		cmd.Process.Kill()
		t.Fatal("hung process was not killed")
	}
}
