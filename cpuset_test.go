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
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
)

func newTestManager(t *testing.T) *CpusetManager {
	t.Helper()
	log := logrus.New()
	log.SetOutput(os.Stderr)
	return NewCpusetManager(t.TempDir(), "qemu", log)
}

// Teardown must undo actions in LIFO order and keep going past a failure,
// aggregating every failure into the returned report (spec.md §4.4.6).
func TestTeardownOrderAndAggregation(t *testing.T) {
	m := newTestManager(t)

	var order []string
	m.push("first", func() error { order = append(order, "first"); return nil })
	m.push("second", func() error { order = append(order, "second"); return errFailing })
	m.push("third", func() error { order = append(order, "third"); return nil })

	report := m.Teardown()

	wantOrder := []string{"third", "second", "first"}
	if len(order) != len(wantOrder) {
		t.Fatalf("got order %v, want %v", order, wantOrder)
	}
	for i, w := range wantOrder {
		if order[i] != w {
			t.Fatalf("got order %v, want %v", order, wantOrder)
		}
	}
	if !report.HasFailures() || len(report.Failures) != 1 {
		t.Fatalf("expected exactly one reported failure, got %+v", report.Failures)
	}
	if len(m.actions) != 0 {
		t.Fatalf("Teardown should clear the action stack")
	}
}

var errFailing = &Error{Kind: CgroupFailed, Cause: os.ErrPermission}

func TestIsCpusetMount(t *testing.T) {
	dir := t.TempDir()
	if isCpusetMount(dir) {
		t.Fatalf("empty dir should not look mounted")
	}
	if err := os.WriteFile(filepath.Join(dir, "cpuset.cpus"), []byte("0-3"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if !isCpusetMount(dir) {
		t.Fatalf("dir with cpuset.cpus should look mounted")
	}
}

func TestParentMemsDefaultsWhenMissing(t *testing.T) {
	dir := t.TempDir()
	mems, err := parentMems(dir)
	if err != nil {
		t.Fatalf("parentMems: %v", err)
	}
	if mems != "0" {
		t.Fatalf("got %q, want %q", mems, "0")
	}
}

func TestParentMemsReadsExisting(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "cpuset.mems"), []byte("0-1"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	mems, err := parentMems(dir)
	if err != nil {
		t.Fatalf("parentMems: %v", err)
	}
	if mems != "0-1" {
		t.Fatalf("got %q, want %q", mems, "0-1")
	}
}

// migrateTasksInto must walk every "tasks" file under root except the
// destination's own, tolerating per-task EPERM/ESRCH, and report exactly
// the ids it actually moved so rollback can restore them precisely
// (spec.md §4.4.3).
func TestMigrateTasksInto(t *testing.T) {
	root := t.TempDir()
	sub := filepath.Join(root, "existing-group")
	if err := os.Mkdir(sub, 0755); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "tasks"), []byte("100\n101\n"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := os.WriteFile(filepath.Join(sub, "tasks"), []byte("200\n"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	dest := filepath.Join(root, "pool")
	if err := os.Mkdir(dest, 0755); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dest, "tasks"), nil, 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	m := newTestManager(t)
	moved, err := m.migrateTasksInto(root, dest)
	if err != nil {
		t.Fatalf("migrateTasksInto: %v", err)
	}

	wantIDs := map[int]bool{100: true, 101: true, 200: true}
	if len(moved) != len(wantIDs) {
		t.Fatalf("moved %v, want 3 ids from %v", moved, wantIDs)
	}
	for _, id := range moved {
		if !wantIDs[id] {
			t.Fatalf("unexpected migrated id %d", id)
		}
	}

	gotIDs, err := readTaskIDs(filepath.Join(dest, "tasks"))
	if err != nil {
		t.Fatalf("readTaskIDs: %v", err)
	}
	if len(gotIDs) != 3 {
		t.Fatalf("dest tasks file has %v, want 3 entries", gotIDs)
	}
}

func TestIsIgnorableTaskError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tasks")
	if err := os.WriteFile(path, nil, 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	missing := filepath.Join(dir, "does-not-exist")
	if err := writeTaskID(missing, 1); !isIgnorableTaskError(err) {
		t.Fatalf("expected ENOENT on a missing tasks file to be ignorable, got %v", err)
	}
}
