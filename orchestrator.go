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
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

// Result is what Run returns: the child's exit code and, if teardown hit
// any snags, the aggregated rollback report (spec.md §7
// RollbackDegraded — it never masks the primary error).
type Result struct {
	ExitCode int
	Rollback *RollbackReport
}

// Run sequences the whole launch per spec.md §4.6: synthesize argv, spawn
// the child, optionally negotiate QMP/build the cpuset hierarchy/apply
// scheduling, wait for exit, then unwind the cpuset hierarchy.
//
// Any error after Spawn kills the child (SIGTERM, then SIGKILL after a
// short grace period) before rollback and before returning.
func Run(cfg *Config, log *logrus.Logger) (*Result, error) {
	if log == nil {
		log = logrus.New()
	}
	if cfg.Launcher.Debug {
		log.SetLevel(logrus.DebugLevel)
	}

	argv, err := Synthesize(cfg.Qemu)
	if err != nil {
		return nil, wrap(ConfigInvalid, err)
	}

	child, err := Spawn(cfg.Launcher, argv)
	if err != nil {
		return nil, err
	}

	stopForwarding := forwardSignals(child)
	defer stopForwarding()

	cpusets := NewCpusetManager(CpusetMountPath(), CpusetPrefix(), log)

	runErr := runPinned(cfg, child, cpusets, log)
	if runErr != nil {
		log.WithError(runErr).Error("setup failed, terminating child")
		killChild(child)
	}

	exitCode, waitErr := child.Wait()
	child.Close()

	report := cpusets.Teardown()
	if report.HasFailures() {
		log.WithField("failures", len(report.Failures)).Warn("rollback reported failures")
		if cfg.Launcher.Debug {
			log.Debug(report.Error())
		}
	}

	if runErr != nil {
		return &Result{ExitCode: exitCode, Rollback: report}, runErr
	}
	if waitErr != nil {
		return &Result{ExitCode: exitCode, Rollback: report}, wrap(SpawnFailed, waitErr)
	}

	return &Result{ExitCode: exitCode, Rollback: report}, nil
}

// runPinned performs steps 4-7 of spec.md §4.6: QMP topology discovery,
// cpuset construction and pinning, and scheduling. It is a no-op when no
// vcpu_pinning is configured (spec.md §4.4.7 / Scenario S3).
func runPinned(cfg *Config, child *Child, cpusets *CpusetManager, log *logrus.Logger) error {
	if len(cfg.Launcher.VcpuPinning) == 0 {
		return nil
	}

	qmp := NewQMPClient(child.qmpIn, child.qmpOut)
	topology, err := ResolveTopology(qmp, cfg.Launcher.VcpuPinning)
	if err != nil {
		return err
	}

	if err := cpusets.Setup(cfg.Launcher.VcpuPinning, topology); err != nil {
		return err
	}

	if cfg.Launcher.Scheduler != "" {
		tids := make([]int, 0, len(topology))
		for _, tid := range topology {
			tids = append(tids, tid)
		}
		if err := ApplySchedPolicy(cfg.Launcher.Scheduler, *cfg.Launcher.Priority, tids); err != nil {
			return err
		}
	}

	return nil
}

// killChild sends SIGTERM, waits a short grace period, then SIGKILL.
func killChild(child *Child) {
	child.Kill(syscall.SIGTERM)
	if !child.WaitTimeout(3 * time.Second) {
		child.Kill(syscall.SIGKILL)
	}
}

// forwardSignals relays SIGINT/SIGTERM received by this process to the
// child's process group, best-effort, until the returned func is called
// (spec.md §4.6 "Signal handling").
func forwardSignals(child *Child) (stop func()) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		for {
			select {
			case sig := <-sigCh:
				if s, ok := sig.(syscall.Signal); ok {
					child.Kill(s)
				}
			case <-done:
				return
			}
		}
	}()

	return func() {
		signal.Stop(sigCh)
		close(done)
	}
}
