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

	"gopkg.in/yaml.v2"
)

// SchedPolicy is one of the real-time scheduling policies a vCPU thread
// can be placed under (spec.md §3/§4.5).
type SchedPolicy string

const (
	SchedBatch    SchedPolicy = "batch"
	SchedDeadline SchedPolicy = "deadline"
	SchedFIFO     SchedPolicy = "fifo"
	SchedIdle     SchedPolicy = "idle"
	SchedOther    SchedPolicy = "other"
	SchedRR       SchedPolicy = "rr"
)

func validSchedPolicy(p SchedPolicy) bool {
	switch p {
	case SchedBatch, SchedDeadline, SchedFIFO, SchedIdle, SchedOther, SchedRR:
		return true
	}
	return false
}

// VcpuPinning is the 3-level socket -> core -> thread -> host CPU id
// mapping from spec.md §3.
type VcpuPinning map[int]map[int]map[int]int

// VcpuCoord identifies a vCPU by its QMP-reported topology coordinates.
type VcpuCoord struct {
	Socket, Core, Thread int
}

// Flatten enumerates the pinning map as (coordinate, host CPU id) pairs in
// deterministic ascending (socket, core, thread) order.
func (p VcpuPinning) Flatten() []struct {
	Coord  VcpuCoord
	HostID int
} {
	var out []struct {
		Coord  VcpuCoord
		HostID int
	}
	for _, socket := range sortedIntKeys(p) {
		cores := p[socket]
		for _, core := range sortedIntKeys(cores) {
			threads := cores[core]
			for _, thread := range sortedIntKeys(threads) {
				out = append(out, struct {
					Coord  VcpuCoord
					HostID int
				}{VcpuCoord{socket, core, thread}, threads[thread]})
			}
		}
	}
	return out
}

func sortedIntKeys[V any](m map[int]V) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j-1] > keys[j]; j-- {
			keys[j-1], keys[j] = keys[j], keys[j-1]
		}
	}
	return keys
}

// LauncherConfig is the `launcher` YAML section (spec.md §3).
type LauncherConfig struct {
	Binary        string            `yaml:"binary"`
	ClearEnv      bool              `yaml:"clear_env"`
	Env           map[string]string `yaml:"env"`
	Debug         bool              `yaml:"debug"`
	User          *int              `yaml:"user"`
	Group         *int              `yaml:"group"`
	Scheduler     SchedPolicy       `yaml:"scheduler"`
	Priority      *int              `yaml:"priority"`
	VcpuPinning   VcpuPinning       `yaml:"vcpu_pinning"`
	RlimitMemlock bool              `yaml:"rlimit_memlock"`
}

// Config is the top-level YAML document: the `launcher` and `qemu` keys.
type Config struct {
	Launcher LauncherConfig
	Qemu     []QemuNode
}

// rawConfig mirrors the two-key YAML surface before the `qemu` sequence is
// converted into the tagged QemuNode variant.
type rawConfig struct {
	Launcher LauncherConfig `yaml:"launcher"`
	Qemu     interface{}    `yaml:"qemu"`
}

// LoadConfig parses and validates a launcher YAML document per spec.md §3
// and §6. Unknown top-level or launcher-section keys are rejected.
func LoadConfig(data []byte) (*Config, error) {
	var raw rawConfig
	if err := yaml.UnmarshalStrict(data, &raw); err != nil {
		return nil, wrapf(ConfigInvalid, "parsing config: %v", err)
	}

	qemuNodes, err := decodeQemuSequence(raw.Qemu)
	if err != nil {
		return nil, wrapf(ConfigInvalid, "qemu section: %v", err)
	}

	cfg := &Config{Launcher: raw.Launcher, Qemu: qemuNodes}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the cross-field invariants spec.md §3/§4.1/§9 impose
// beyond what YAML decoding alone can catch.
func (c *Config) Validate() error {
	l := c.Launcher

	if l.Binary == "" {
		return wrapf(ConfigInvalid, "launcher.binary is required")
	}

	if (l.Scheduler == "") != (l.Priority == nil) {
		return wrapf(ConfigInvalid, "launcher.scheduler and launcher.priority must be set together")
	}
	if l.Scheduler != "" {
		if !validSchedPolicy(l.Scheduler) {
			return wrapf(ConfigInvalid, "launcher.scheduler %q is not a recognized policy", l.Scheduler)
		}
		if l.Scheduler == SchedDeadline {
			return wrapf(ConfigInvalid, "launcher.scheduler=deadline requires runtime/deadline/period parameters this schema does not provide")
		}
	}

	if len(l.VcpuPinning) > 0 && len(c.Qemu) == 0 {
		return wrapf(ConfigInvalid, "qemu section must not be empty when vcpu_pinning is set")
	}

	seen := make(map[int]VcpuCoord)
	for _, entry := range l.VcpuPinning.Flatten() {
		if prior, dup := seen[entry.HostID]; dup {
			return wrapf(ConfigInvalid, "host cpu %d is pinned by both %+v and %+v", entry.HostID, prior, entry.Coord)
		}
		seen[entry.HostID] = entry.Coord
		if entry.HostID < 0 {
			return wrapf(ConfigInvalid, "vcpu_pinning %+v: host cpu id must be non-negative", entry.Coord)
		}
	}

	return nil
}

const (
	envConfigDir   = "QEMU_LAUNCHER_CONFIG_DIR"
	envMountPath   = "QEMU_LAUNCHER_CPUSET_MOUNT_PATH"
	envPrefix      = "QEMU_LAUNCHER_CPUSET_PREFIX"
	defaultConfDir = "/usr/local/etc/qemu-launcher"
	defaultMount   = "/sys/fs/cgroup/cpuset"
	defaultPrefix  = "qemu"
)

// ResolveConfigPath returns the path to <name>.yml under the configured
// (or default) configuration directory, per spec.md §6.
func ResolveConfigPath(name string) string {
	dir := os.Getenv(envConfigDir)
	if dir == "" {
		dir = defaultConfDir
	}
	return filepath.Join(dir, name+".yml")
}

// CpusetMountPath returns QEMU_LAUNCHER_CPUSET_MOUNT_PATH or its default.
func CpusetMountPath() string {
	if v := os.Getenv(envMountPath); v != "" {
		return v
	}
	return defaultMount
}

// CpusetPrefix returns QEMU_LAUNCHER_CPUSET_PREFIX or its default.
func CpusetPrefix() string {
	if v := os.Getenv(envPrefix); v != "" {
		return v
	}
	return defaultPrefix
}

// LoadConfigFile reads and parses the named config from disk.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, wrapf(ConfigInvalid, "reading %s: %v", path, err)
	}
	cfg, err := LoadConfig(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}
