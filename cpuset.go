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
	"path/filepath"
	"sort"
	"syscall"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// RollbackAction is one inverse operation pushed during cpuset setup and
// popped, LIFO, during teardown (spec.md §4.4, §9 "Rollback as explicit
// stack" — the single most important contract in this system).
type RollbackAction struct {
	Description string
	Undo        func() error
}

// CpusetManager owns the cgroup v1 cpuset hierarchy for one launcher run:
// the shared pool, the per-pinned-core shields, and the rollback stack
// that restores host state on every exit path.
type CpusetManager struct {
	MountPath string
	Prefix    string
	Log       *logrus.Logger

	prefixDir string
	poolDir   string
	shieldDir map[int]string

	pinnedCPUs *hostSet
	poolCPUs   *hostSet

	actions []RollbackAction
}

// NewCpusetManager constructs a manager for the given mount point and
// prefix name (spec.md §6 env overrides / §3 CpusetPlan).
func NewCpusetManager(mountPath, prefix string, log *logrus.Logger) *CpusetManager {
	if log == nil {
		log = logrus.New()
		log.SetOutput(os.Stderr)
	}
	return &CpusetManager{
		MountPath: mountPath,
		Prefix:    prefix,
		Log:       log,
		shieldDir: make(map[int]string),
	}
}

func (m *CpusetManager) push(desc string, undo func() error) {
	m.actions = append(m.actions, RollbackAction{Description: desc, Undo: undo})
}

// Setup builds the prefix/pool/shield hierarchy and pins every vCPU in
// pinning to the host CPU its coordinate maps to, using topology to
// resolve coordinates to host thread ids. It pushes a RollbackAction for
// every mutation it makes, so that Teardown, called from any exit path,
// can restore host state exactly (spec.md §4.4).
//
// If pinning is empty, Setup is a no-op: no mount is attempted, no
// directory is touched (spec.md §4.4.7).
func (m *CpusetManager) Setup(pinning VcpuPinning, topology map[VcpuCoord]int) error {
	if len(pinning) == 0 {
		return nil
	}

	if err := m.ensureController(); err != nil {
		return err
	}
	online, err := onlineCPUs()
	if err != nil {
		return wrap(CgroupFailed, err)
	}

	pinnedIDs := newHostSet()
	for _, entry := range pinning.Flatten() {
		pinnedIDs.Add(entry.HostID)
	}
	for _, id := range pinnedIDs.Slice() {
		if !online.Contains(id) {
			return wrapf(CgroupFailed, "pinned host cpu %d is not online", id)
		}
	}
	m.pinnedCPUs = pinnedIDs
	m.poolCPUs = online.Difference(pinnedIDs)

	if err := m.buildPrefix(online); err != nil {
		return err
	}
	if err := m.buildPool(); err != nil {
		return err
	}
	if err := m.buildShields(); err != nil {
		return err
	}
	if err := m.pinThreads(pinning, topology); err != nil {
		return err
	}
	return nil
}

// ensureController mounts the cpuset controller at MountPath if it is not
// already mounted there (spec.md §4.4.1).
func (m *CpusetManager) ensureController() error {
	if isCpusetMount(m.MountPath) {
		return nil
	}

	createdDir := false
	if !PathExists(m.MountPath) {
		if err := os.MkdirAll(m.MountPath, 0755); err != nil {
			return wrap(CgroupFailed, err)
		}
		createdDir = true
	}

	if err := unix.Mount("cpuset", m.MountPath, "cgroup", 0, "cpuset"); err != nil {
		if createdDir {
			os.Remove(m.MountPath)
		}
		return wrap(CgroupFailed, fmt.Errorf("mounting cpuset at %s: %w", m.MountPath, err))
	}
	mountPath := m.MountPath
	if createdDir {
		m.push("rmdir "+mountPath, func() error {
			return os.Remove(mountPath)
		})
	}
	m.push("unmount "+mountPath, func() error {
		return unix.Unmount(mountPath, 0)
	})
	return nil
}

// buildPrefix creates prefix_dir if needed and seeds its cpuset.cpus and
// cpuset.mems (spec.md §4.4.2).
func (m *CpusetManager) buildPrefix(online *hostSet) error {
	m.prefixDir = filepath.Join(m.MountPath, m.Prefix)

	reused := PathExists(m.prefixDir)
	if !reused {
		if err := os.Mkdir(m.prefixDir, 0755); err != nil {
			return wrap(CgroupFailed, err)
		}
		dir := m.prefixDir
		m.push("rmdir "+dir, func() error { return os.Remove(dir) })
	} else {
		// A prior run (or an operator) left this prefix in place. It
		// won't be removed on teardown, so its previous cpuset.cpus and
		// cpuset.mems values are captured and restored instead of just
		// overwritten.
		prevCPUs, err := os.ReadFile(filepath.Join(m.prefixDir, "cpuset.cpus"))
		if err != nil {
			return wrap(CgroupFailed, err)
		}
		prevMems, err := os.ReadFile(filepath.Join(m.prefixDir, "cpuset.mems"))
		if err != nil {
			return wrap(CgroupFailed, err)
		}
		cpusFile := filepath.Join(m.prefixDir, "cpuset.cpus")
		memsFile := filepath.Join(m.prefixDir, "cpuset.mems")
		m.push("restore "+cpusFile, func() error { return writeCgroupValue(cpusFile, string(prevCPUs)) })
		m.push("restore "+memsFile, func() error { return writeCgroupValue(memsFile, string(prevMems)) })
	}

	mems, err := parentMems(m.MountPath)
	if err != nil {
		return wrap(CgroupFailed, err)
	}

	if err := writeCgroupValue(filepath.Join(m.prefixDir, "cpuset.cpus"), online.CGroupList()); err != nil {
		return wrap(CgroupFailed, err)
	}
	if err := writeCgroupValue(filepath.Join(m.prefixDir, "cpuset.mems"), mems); err != nil {
		return wrap(CgroupFailed, err)
	}
	return nil
}

// buildPool creates pool_dir, seeds it with every online CPU except the
// pinned ones, and migrates every task found under the root cpuset into
// it (spec.md §4.4.3).
func (m *CpusetManager) buildPool() error {
	m.poolDir = filepath.Join(m.prefixDir, "pool")
	if err := os.Mkdir(m.poolDir, 0755); err != nil {
		return wrap(CgroupFailed, err)
	}
	poolDir := m.poolDir
	m.push("rmdir "+poolDir, func() error { return os.Remove(poolDir) })

	mems, err := os.ReadFile(filepath.Join(m.prefixDir, "cpuset.mems"))
	if err != nil {
		return wrap(CgroupFailed, err)
	}
	if err := writeCgroupValue(filepath.Join(m.poolDir, "cpuset.cpus"), m.poolCPUs.CGroupList()); err != nil {
		return wrap(CgroupFailed, err)
	}
	if err := writeCgroupValue(filepath.Join(m.poolDir, "cpuset.mems"), string(mems)); err != nil {
		return wrap(CgroupFailed, err)
	}

	moved, migrateErr := m.migrateTasksInto(m.MountPath, m.poolDir)
	root := m.MountPath
	dest := m.poolDir
	movedIDs := moved
	m.push(fmt.Sprintf("restore %d task(s) to root cpuset", len(movedIDs)), func() error {
		var firstErr error
		for _, tid := range movedIDs {
			if err := writeTaskID(filepath.Join(root, "tasks"), tid); err != nil && firstErr == nil {
				if !isIgnorableTaskError(err) {
					firstErr = err
				}
			}
		}
		_ = dest
		return firstErr
	})
	return migrateErr
}

// migrateTasksInto reads every "tasks" file found anywhere under root
// (recursively) and writes each TID into dest/tasks, one at a time. EPERM
// and ESRCH are tolerated per task (spec.md §4.4.3); any other error
// aborts the whole migration. It returns the ids it actually migrated, so
// the rollback can restore exactly those.
func (m *CpusetManager) migrateTasksInto(root, dest string) ([]int, error) {
	var allIDs []int
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		if filepath.Base(path) != "tasks" {
			return nil
		}
		if path == filepath.Join(dest, "tasks") {
			return nil
		}
		ids, err := readTaskIDs(path)
		if err != nil {
			return nil // unreadable tasks file; nothing more to do
		}
		allIDs = append(allIDs, ids...)
		return nil
	})
	if err != nil {
		return nil, wrap(CgroupFailed, err)
	}

	destTasks := filepath.Join(dest, "tasks")
	var migrated []int
	for _, tid := range allIDs {
		if err := writeTaskID(destTasks, tid); err != nil {
			if isIgnorableTaskError(err) {
				continue
			}
			return migrated, wrap(CgroupFailed, fmt.Errorf("migrating task %d into %s: %w", tid, dest, err))
		}
		migrated = append(migrated, tid)
	}
	return migrated, nil
}

func isIgnorableTaskError(err error) bool {
	return os.IsPermission(err) || os.IsNotExist(err) ||
		isErrno(err, syscall.EPERM) || isErrno(err, syscall.ESRCH)
}

func isErrno(err error, target syscall.Errno) bool {
	for {
		if errno, ok := err.(syscall.Errno); ok {
			return errno == target
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = unwrapper.Unwrap()
		if err == nil {
			return false
		}
	}
}

// buildShields creates one shield per distinct pinned host CPU, in
// deterministic ascending order, removing each CPU from the pool as its
// shield claims it (spec.md §4.4.4).
func (m *CpusetManager) buildShields() error {
	mems, err := os.ReadFile(filepath.Join(m.prefixDir, "cpuset.mems"))
	if err != nil {
		return wrap(CgroupFailed, err)
	}

	ids := m.pinnedCPUs.Slice()
	sort.Ints(ids)
	for _, h := range ids {
		shieldDir := filepath.Join(m.prefixDir, fmt.Sprintf("%d", h))
		if err := os.Mkdir(shieldDir, 0755); err != nil {
			return wrap(CgroupFailed, err)
		}
		dir := shieldDir
		m.push("rmdir "+dir, func() error { return os.Remove(dir) })
		m.shieldDir[h] = shieldDir

		reduced := m.poolCPUs.Difference(newHostSet(h))
		if err := writeCgroupValue(filepath.Join(m.poolDir, "cpuset.cpus"), reduced.CGroupList()); err != nil {
			return wrap(CgroupFailed, err)
		}
		prevPool := m.poolCPUs
		poolCPUsFile := filepath.Join(m.poolDir, "cpuset.cpus")
		cpu := h
		m.push(fmt.Sprintf("restore cpu %d to pool", cpu), func() error {
			return writeCgroupValue(poolCPUsFile, prevPool.CGroupList())
		})
		m.poolCPUs = reduced

		if err := writeCgroupValue(filepath.Join(shieldDir, "cpuset.cpus"), newHostSet(h).CGroupList()); err != nil {
			return wrap(CgroupFailed, err)
		}
		if err := writeCgroupValue(filepath.Join(shieldDir, "cpuset.mems"), string(mems)); err != nil {
			return wrap(CgroupFailed, err)
		}
	}
	return nil
}

// pinThreads writes each configured vCPU's resolved host tid into its
// shield's tasks file (spec.md §4.4.5).
func (m *CpusetManager) pinThreads(pinning VcpuPinning, topology map[VcpuCoord]int) error {
	for _, entry := range pinning.Flatten() {
		tid, ok := topology[entry.Coord]
		if !ok {
			return wrapf(QmpFailed, "no host tid resolved for %+v", entry.Coord)
		}
		shieldDir, ok := m.shieldDir[entry.HostID]
		if !ok {
			return wrapf(CgroupFailed, "no shield built for host cpu %d", entry.HostID)
		}
		if err := writeTaskID(filepath.Join(shieldDir, "tasks"), tid); err != nil {
			return wrap(CgroupFailed, fmt.Errorf("pinning tid %d into shield %d: %w", tid, entry.HostID, err))
		}
		poolDir := m.poolDir
		tidCopy := tid
		m.push(fmt.Sprintf("move tid %d back to pool", tidCopy), func() error {
			// By the time this runs the guest has already been reaped
			// (orchestrator.go waits before tearing down), so the tid is
			// gone and this write fails with ESRCH on every healthy exit.
			if err := writeTaskID(filepath.Join(poolDir, "tasks"), tidCopy); err != nil && !isIgnorableTaskError(err) {
				return err
			}
			return nil
		})
	}
	return nil
}

// Teardown pops every RollbackAction LIFO, best-effort: a failure is
// recorded but never halts the unwind (spec.md §4.4.6).
func (m *CpusetManager) Teardown() *RollbackReport {
	report := &RollbackReport{}
	for i := len(m.actions) - 1; i >= 0; i-- {
		action := m.actions[i]
		if err := action.Undo(); err != nil {
			m.Log.Warnf("rollback step %q failed: %v", action.Description, err)
			report.Add(fmt.Errorf("%s: %w", action.Description, err))
		}
	}
	m.actions = nil
	return report
}

// isCpusetMount reports whether path is already mounted with the cpuset
// controller. Detected via cpuset.cpus existing directly under path,
// since statfs's f_type for cgroup v1 doesn't distinguish controllers.
func isCpusetMount(path string) bool {
	return PathExists(filepath.Join(path, "cpuset.cpus"))
}

// parentMems reads the mems value the kernel requires a freshly created
// cpuset's cpuset.mems to inherit from its parent (spec.md §4.4.2).
func parentMems(mountPath string) (string, error) {
	data, err := os.ReadFile(filepath.Join(mountPath, "cpuset.mems"))
	if err != nil {
		if os.IsNotExist(err) {
			return "0", nil
		}
		return "", err
	}
	return string(data), nil
}

// onlineCPUs reads /sys/devices/system/cpu/online.
func onlineCPUs() (*hostSet, error) {
	data, err := os.ReadFile("/sys/devices/system/cpu/online")
	if err != nil {
		return nil, err
	}
	return parseCGroupList(string(data))
}
