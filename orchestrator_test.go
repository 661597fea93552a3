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

import "testing"

// S3 — no vcpu_pinning configured means no QMP negotiation and no cpuset
// work is attempted at all (spec.md §4.4.7).
func TestRunPinnedNoopWithoutPinning(t *testing.T) {
	cfg := &Config{Launcher: LauncherConfig{Binary: "/bin/true"}}
	cpusets := NewCpusetManager("/nonexistent-mount-path", "qemu", nil)

	// child is left nil: runPinned must return before ever touching it.
	if err := runPinned(cfg, nil, cpusets, cpusets.Log); err != nil {
		t.Fatalf("runPinned with no pinning configured should be a no-op, got %v", err)
	}
	if len(cpusets.actions) != 0 {
		t.Fatalf("cpuset manager should be untouched, got actions %+v", cpusets.actions)
	}
}
