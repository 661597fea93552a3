/*
// Copyright contributors to the Virtual Machine Manager for Go project
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
*/

package launcher

import (
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// Child is the handle the orchestrator keeps on a spawned QEMU process:
// its PID, the QMP stdio pipe ends the parent retains, and the *exec.Cmd
// needed to wait on it. cmd.Wait may only be called once, but both the
// normal teardown path and the kill-on-error grace-period path need to
// observe the exit, so a single background goroutine calls it and
// broadcasts the result via waitDone.
type Child struct {
	cmd    *exec.Cmd
	qmpIn  *os.File // parent writes here, child's stdin
	qmpOut *os.File // parent reads here, child's stdout

	waitOnce sync.Once
	waitDone chan struct{}
	waitErr  error
}

// PID returns the spawned child's process id.
func (c *Child) PID() int {
	return c.cmd.Process.Pid
}

// Spawn builds the QEMU argv (binary + C1's argv + "-qmp stdio"), wires up
// an anonymous bidirectional pipe pair for the QMP channel in place of
// stdin/stdout, applies the environment per clear_env/env, and execs the
// child. It returns once the child is running; it does not wait for exit.
//
// Between fork and exec the child applies the configured setgid and
// setuid (through SysProcAttr.Credential). RLIMIT_MEMLOCK is not applied
// before exec: it is raised with prlimit(2) on the child's pid after
// Start returns, when QEMU is already executing. The child runs in its
// own process group so the orchestrator can forward signals to the whole
// group.
func Spawn(l LauncherConfig, argv []string) (*Child, error) {
	fullArgv := append(append([]string{}, argv...), "-qmp", "stdio")

	binary := l.Binary
	cmd := exec.Command(binary, fullArgv...)

	if l.ClearEnv {
		// A nil Env would make exec inherit this process's environment.
		cmd.Env = []string{}
	} else {
		cmd.Env = os.Environ()
	}
	for k, v := range l.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}

	cmd.Stderr = os.Stderr

	childStdin, parentWriteToChild, err := os.Pipe()
	if err != nil {
		return nil, wrap(SpawnFailed, err)
	}
	parentReadFromChild, childStdout, err := os.Pipe()
	if err != nil {
		parentWriteToChild.Close()
		childStdin.Close()
		return nil, wrap(SpawnFailed, err)
	}

	cmd.Stdin = childStdin
	cmd.Stdout = childStdout

	attr := &syscall.SysProcAttr{Setpgid: true}
	if l.User != nil || l.Group != nil {
		cred := &syscall.Credential{}
		if l.Group != nil {
			cred.Gid = uint32(*l.Group)
		}
		if l.User != nil {
			cred.Uid = uint32(*l.User)
		}
		attr.Credential = cred
	}
	cmd.SysProcAttr = attr

	if err := cmd.Start(); err != nil {
		childStdin.Close()
		childStdout.Close()
		parentWriteToChild.Close()
		parentReadFromChild.Close()
		return nil, wrap(SpawnFailed, err)
	}

	// The parent doesn't need the child's ends once exec has happened.
	childStdin.Close()
	childStdout.Close()

	if l.RlimitMemlock {
		// The child is paused between fork and exec only from its own
		// point of view; exec.Cmd gives us no pre-exec hook on Linux, so
		// the limit is raised via prlimit(2) against the freshly forked
		// pid instead. QEMU does not lock any memory until well after
		// its own argument parsing and device realization, so this is
		// in practice always ahead of the first mlock.
		if err := unix.Prlimit(cmd.Process.Pid, unix.RLIMIT_MEMLOCK, &unix.Rlimit{
			Cur: unix.RLIM_INFINITY,
			Max: unix.RLIM_INFINITY,
		}, nil); err != nil {
			cmd.Process.Kill()
			cmd.Wait()
			parentWriteToChild.Close()
			parentReadFromChild.Close()
			return nil, wrap(SpawnFailed, fmt.Errorf("raising RLIMIT_MEMLOCK: %w", err))
		}
	}

	child := &Child{
		cmd:      cmd,
		qmpIn:    parentWriteToChild,
		qmpOut:   parentReadFromChild,
		waitDone: make(chan struct{}),
	}
	go func() {
		err := cmd.Wait()
		child.waitOnce.Do(func() {
			child.waitErr = err
			close(child.waitDone)
		})
	}()
	return child, nil
}

// Kill sends sig to the whole process group the child leads, tolerating
// ESRCH (already gone).
func (c *Child) Kill(sig syscall.Signal) error {
	pgid, err := syscall.Getpgid(c.PID())
	if err != nil {
		pgid = c.PID()
	}
	err = syscall.Kill(-pgid, sig)
	if err != nil && err != syscall.ESRCH {
		return err
	}
	return nil
}

// Wait blocks until the child exits and returns its exit code. Safe to
// call any number of times, and concurrently with WaitTimeout.
func (c *Child) Wait() (int, error) {
	<-c.waitDone
	if c.waitErr == nil {
		return 0, nil
	}
	if exitErr, ok := c.waitErr.(*exec.ExitError); ok {
		return exitErr.ExitCode(), nil
	}
	return -1, c.waitErr
}

// WaitTimeout blocks until the child exits or the timeout elapses,
// reporting which happened.
func (c *Child) WaitTimeout(d time.Duration) (exited bool) {
	select {
	case <-c.waitDone:
		return true
	case <-time.After(d):
		return false
	}
}

// Close releases the parent's QMP pipe ends. Called only at teardown:
// closing stdin early would signal EOF to the guest monitor (spec.md
// §4.3).
func (c *Child) Close() {
	c.qmpIn.Close()
	c.qmpOut.Close()
}
