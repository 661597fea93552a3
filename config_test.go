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

func validBaseYAML() string {
	return "launcher:\n  binary: /usr/bin/qemu-system-x86_64\nqemu: [nographic]\n"
}

func TestLoadConfigMinimalValid(t *testing.T) {
	cfg, err := LoadConfig([]byte(validBaseYAML()))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Launcher.Binary != "/usr/bin/qemu-system-x86_64" {
		t.Fatalf("unexpected binary %q", cfg.Launcher.Binary)
	}
	if len(cfg.Qemu) != 1 {
		t.Fatalf("expected 1 qemu node, got %d", len(cfg.Qemu))
	}
}

func TestLoadConfigMissingBinary(t *testing.T) {
	_, err := LoadConfig([]byte("launcher: {}\nqemu: []\n"))
	if err == nil {
		t.Fatalf("expected error for missing binary")
	}
}

func TestLoadConfigRejectsUnknownKey(t *testing.T) {
	doc := "launcher:\n  binary: /bin/true\n  bogus: 1\nqemu: []\n"
	if _, err := LoadConfig([]byte(doc)); err == nil {
		t.Fatalf("expected UnmarshalStrict to reject unknown key")
	}
}

func TestLoadConfigSchedulerRequiresPriority(t *testing.T) {
	doc := "launcher:\n  binary: /bin/true\n  scheduler: fifo\nqemu: []\n"
	if _, err := LoadConfig([]byte(doc)); err == nil {
		t.Fatalf("expected error: scheduler without priority")
	}
}

func TestLoadConfigPriorityRequiresScheduler(t *testing.T) {
	doc := "launcher:\n  binary: /bin/true\n  priority: 10\nqemu: []\n"
	if _, err := LoadConfig([]byte(doc)); err == nil {
		t.Fatalf("expected error: priority without scheduler")
	}
}

func TestLoadConfigDeadlineRejected(t *testing.T) {
	doc := "launcher:\n  binary: /bin/true\n  scheduler: deadline\n  priority: 0\nqemu: []\n"
	_, err := LoadConfig([]byte(doc))
	if err == nil {
		t.Fatalf("expected deadline scheduler to be rejected")
	}
}

func TestLoadConfigValidScheduler(t *testing.T) {
	doc := "launcher:\n  binary: /bin/true\n  scheduler: fifo\n  priority: 50\nqemu: [nographic]\n"
	cfg, err := LoadConfig([]byte(doc))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Launcher.Scheduler != SchedFIFO || *cfg.Launcher.Priority != 50 {
		t.Fatalf("unexpected scheduler config: %+v", cfg.Launcher)
	}
}

func TestLoadConfigEmptyQemuWithPinningRejected(t *testing.T) {
	doc := "launcher:\n  binary: /bin/true\n  vcpu_pinning:\n    0:\n      0:\n        0: 4\nqemu: []\n"
	if _, err := LoadConfig([]byte(doc)); err == nil {
		t.Fatalf("expected error: vcpu_pinning with empty qemu section")
	}
}

func TestLoadConfigDuplicateHostCPURejected(t *testing.T) {
	doc := "launcher:\n  binary: /bin/true\n  vcpu_pinning:\n    0:\n      0:\n        0: 4\n      1:\n        0: 4\nqemu: [nographic]\n"
	if _, err := LoadConfig([]byte(doc)); err == nil {
		t.Fatalf("expected error: same host cpu pinned twice")
	}
}

func TestLoadConfigNegativeHostCPURejected(t *testing.T) {
	doc := "launcher:\n  binary: /bin/true\n  vcpu_pinning:\n    0:\n      0:\n        0: -1\nqemu: [nographic]\n"
	if _, err := LoadConfig([]byte(doc)); err == nil {
		t.Fatalf("expected error: negative host cpu id")
	}
}

func TestVcpuPinningFlattenOrder(t *testing.T) {
	p := VcpuPinning{
		1: {0: {0: 9}},
		0: {1: {0: 5}, 0: {1: 4, 0: 3}},
	}
	got := p.Flatten()
	want := []VcpuCoord{{0, 0, 0}, {0, 0, 1}, {0, 1, 0}, {1, 0, 0}}
	if len(got) != len(want) {
		t.Fatalf("got %d entries, want %d", len(got), len(want))
	}
	for i, w := range want {
		if got[i].Coord != w {
			t.Fatalf("entry %d: got %+v, want %+v", i, got[i].Coord, w)
		}
	}
}

func TestResolveConfigPathDefault(t *testing.T) {
	t.Setenv("QEMU_LAUNCHER_CONFIG_DIR", "")
	got := ResolveConfigPath("myvm")
	want := "/usr/local/etc/qemu-launcher/myvm.yml"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestResolveConfigPathOverride(t *testing.T) {
	t.Setenv("QEMU_LAUNCHER_CONFIG_DIR", "/etc/custom")
	got := ResolveConfigPath("myvm")
	want := "/etc/custom/myvm.yml"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}
