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
	"unsafe"

	"golang.org/x/sys/unix"
)

// schedParam mirrors struct sched_param from <sched.h>: a single int,
// sched_priority. Policies this launcher supports (everything but
// deadline, rejected at config validation time) only ever need that one
// field.
type schedParam struct {
	priority int32
}

// policyNumber maps the YAML scheduler name to the Linux SCHED_* constant
// (spec.md §4.5). deadline is rejected during Config.Validate, so it has
// no entry here.
func policyNumber(p SchedPolicy) (int, bool) {
	switch p {
	case SchedOther:
		return unix.SCHED_OTHER, true
	case SchedFIFO:
		return unix.SCHED_FIFO, true
	case SchedRR:
		return unix.SCHED_RR, true
	case SchedBatch:
		return unix.SCHED_BATCH, true
	case SchedIdle:
		return unix.SCHED_IDLE, true
	}
	return 0, false
}

// ApplySchedPolicy sets the scheduling policy and priority on every host
// tid in tids via sched_setscheduler(2) (spec.md §4.5). golang.org/x/sys
// doesn't wrap this particular syscall, so it's issued directly through
// unix.Syscall, the same escape hatch the teacher's dependency graph
// already pulls in for raw syscall numbers.
func ApplySchedPolicy(policy SchedPolicy, priority int, tids []int) error {
	policyNum, ok := policyNumber(policy)
	if !ok {
		return wrapf(SchedulerFailed, "scheduler %q has no SCHED_* mapping", policy)
	}

	param := schedParam{priority: int32(priority)}
	for _, tid := range tids {
		_, _, errno := unix.Syscall(unix.SYS_SCHED_SETSCHEDULER,
			uintptr(tid), uintptr(policyNum), uintptr(unsafe.Pointer(&param)))
		if errno != 0 {
			return wrapf(SchedulerFailed, "sched_setscheduler(tid=%d, policy=%s, priority=%d): %v", tid, policy, priority, errno)
		}
	}
	return nil
}
