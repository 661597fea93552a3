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
	"sort"
	"strconv"
	"strings"

	"github.com/yourbasic/bit"
)

// hostSet is a set of host logical CPU (or NUMA node) ids. It wraps
// *bit.Set the same way the teacher's QemuIndex wraps it for PCI/drive
// index allocation, but here the domain is cpuset membership rather than
// monotonic id allocation.
type hostSet struct {
	bits *bit.Set
}

func newHostSet(ids ...int) *hostSet {
	s := &hostSet{bits: bit.New()}
	for _, id := range ids {
		s.bits = s.bits.Add(id)
	}
	return s
}

func (s *hostSet) Add(id int) {
	s.bits = s.bits.Add(id)
}

func (s *hostSet) Remove(id int) {
	s.bits = s.bits.Delete(id)
}

func (s *hostSet) Contains(id int) bool {
	return s.bits.Contains(id)
}

func (s *hostSet) Empty() bool {
	return s.bits.Empty()
}

func (s *hostSet) Size() int {
	return s.bits.Size()
}

// Slice returns the set's members in ascending order.
func (s *hostSet) Slice() []int {
	var out []int
	s.bits.Visit(func(n int) bool {
		out = append(out, n)
		return false
	})
	sort.Ints(out)
	return out
}

// Union returns a new set containing every id in either set.
func (s *hostSet) Union(other *hostSet) *hostSet {
	return &hostSet{bits: bit.Or(s.bits, other.bits)}
}

// Difference returns a new set containing ids in s that are not in other.
func (s *hostSet) Difference(other *hostSet) *hostSet {
	return &hostSet{bits: bit.AndNot(s.bits, other.bits)}
}

// CGroupList renders the set in the cgroup v1 list format cpuset.cpus and
// cpuset.mems expect: ascending, comma-separated, runs collapsed to
// "lo-hi" ranges (e.g. "0-2,5,7-8").
func (s *hostSet) CGroupList() string {
	ids := s.Slice()
	if len(ids) == 0 {
		return ""
	}

	var parts []string
	start := ids[0]
	prev := ids[0]
	flush := func(lo, hi int) {
		if lo == hi {
			parts = append(parts, strconv.Itoa(lo))
		} else {
			parts = append(parts, fmt.Sprintf("%d-%d", lo, hi))
		}
	}
	for _, id := range ids[1:] {
		if id == prev+1 {
			prev = id
			continue
		}
		flush(start, prev)
		start, prev = id, id
	}
	flush(start, prev)

	return strings.Join(parts, ",")
}

// parseCGroupList parses the cgroup v1 list format back into a hostSet;
// used to read cpuset.cpus/cpuset.mems and /sys/devices/system/cpu/online.
func parseCGroupList(s string) (*hostSet, error) {
	set := newHostSet()
	s = strings.TrimSpace(s)
	if s == "" {
		return set, nil
	}

	for _, field := range strings.Split(s, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		if lo, hi, ok := strings.Cut(field, "-"); ok {
			loN, err := strconv.Atoi(strings.TrimSpace(lo))
			if err != nil {
				return nil, fmt.Errorf("invalid cgroup list range %q: %w", field, err)
			}
			hiN, err := strconv.Atoi(strings.TrimSpace(hi))
			if err != nil {
				return nil, fmt.Errorf("invalid cgroup list range %q: %w", field, err)
			}
			for n := loN; n <= hiN; n++ {
				set.Add(n)
			}
			continue
		}
		n, err := strconv.Atoi(field)
		if err != nil {
			return nil, fmt.Errorf("invalid cgroup list entry %q: %w", field, err)
		}
		set.Add(n)
	}
	return set, nil
}
