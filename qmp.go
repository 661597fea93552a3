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
	"bufio"
	"encoding/json"
	"io"
)

// cpuProps is the `props` sub-object of a query-cpus-fast entry (spec.md
// §4.3). node-id/die-id/cluster-id are accepted but unused for
// correlation.
type cpuProps struct {
	Socket *int `json:"socket-id"`
	Core   *int `json:"core-id"`
	Thread *int `json:"thread-id"`
}

type cpuFastEntry struct {
	ThreadID *int     `json:"thread-id"`
	Props    cpuProps `json:"props"`
}

// qmpFrame is the generic shape of any line the guest sends: a greeting,
// an event, or a reply.
type qmpFrame struct {
	QMP     json.RawMessage `json:"QMP"`
	Event   *string         `json:"event"`
	Return  json.RawMessage `json:"return"`
	Error   json.RawMessage `json:"error"`
}

// QMPClient speaks the line-delimited JSON subset of QMP this launcher
// needs: the greeting, the capabilities handshake, and query-cpus-fast
// (spec.md §4.3). Requests carry no "id"; replies are paired with
// requests strictly by arrival order, so this type must never have two
// outstanding requests at once.
type QMPClient struct {
	w       io.Writer
	scanner *bufio.Scanner
}

// NewQMPClient wraps the parent's ends of the child's stdio pipe.
func NewQMPClient(w io.Writer, r io.Reader) *QMPClient {
	return &QMPClient{w: w, scanner: bufio.NewScanner(r)}
}

// nextFrame reads and decodes the next line, skipping (discarding) any
// number of interleaved event objects first.
func (q *QMPClient) nextFrame() (*qmpFrame, error) {
	for {
		if !q.scanner.Scan() {
			if err := q.scanner.Err(); err != nil {
				return nil, wrap(QmpFailed, err)
			}
			return nil, wrapf(QmpFailed, "EOF before QMP reply")
		}
		line := q.scanner.Bytes()
		var frame qmpFrame
		if err := json.Unmarshal(line, &frame); err != nil {
			return nil, wrapf(QmpFailed, "malformed QMP frame %q: %v", string(line), err)
		}
		if frame.Event != nil {
			continue
		}
		return &frame, nil
	}
}

// Greet reads the QEMU greeting and confirms it carries a QMP field. Its
// contents are otherwise ignored (spec.md §4.3 step 1).
func (q *QMPClient) Greet() error {
	frame, err := q.nextFrame()
	if err != nil {
		return err
	}
	if frame.QMP == nil {
		return wrapf(QmpFailed, "greeting is missing QMP field")
	}
	return nil
}

// execute sends {"execute": name} (with optional arguments) and waits for
// the matching return/error reply.
func (q *QMPClient) execute(name string, args map[string]interface{}) (json.RawMessage, error) {
	cmd := map[string]interface{}{"execute": name}
	if args != nil {
		cmd["arguments"] = args
	}
	encoded, err := json.Marshal(cmd)
	if err != nil {
		return nil, wrap(QmpFailed, err)
	}
	encoded = append(encoded, '\n')
	if _, err := q.w.Write(encoded); err != nil {
		return nil, wrap(QmpFailed, err)
	}

	frame, err := q.nextFrame()
	if err != nil {
		return nil, err
	}
	if frame.Error != nil {
		return nil, wrapf(QmpFailed, "%s failed: %s", name, string(frame.Error))
	}
	if frame.Return == nil {
		return nil, wrapf(QmpFailed, "%s: reply carries neither return nor error", name)
	}
	return frame.Return, nil
}

// Capabilities executes qmp_capabilities, the handshake QEMU requires
// before any other command (spec.md §4.3 step 2).
func (q *QMPClient) Capabilities() error {
	_, err := q.execute("qmp_capabilities", nil)
	return err
}

// QueryCPUsFast executes query-cpus-fast and correlates its result into a
// (socket, core, thread) -> host tid map (spec.md §4.3 step 3).
func (q *QMPClient) QueryCPUsFast() (map[VcpuCoord]int, error) {
	raw, err := q.execute("query-cpus-fast", nil)
	if err != nil {
		return nil, err
	}

	var entries []cpuFastEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, wrapf(QmpFailed, "decoding query-cpus-fast result: %v", err)
	}

	topology := make(map[VcpuCoord]int, len(entries))
	for i, e := range entries {
		if e.ThreadID == nil {
			return nil, wrapf(QmpFailed, "query-cpus-fast entry %d is missing thread-id", i)
		}
		if e.Props.Socket == nil || e.Props.Core == nil || e.Props.Thread == nil {
			return nil, wrapf(QmpFailed, "query-cpus-fast entry %d is missing socket-id/core-id/thread-id in props", i)
		}
		coord := VcpuCoord{Socket: *e.Props.Socket, Core: *e.Props.Core, Thread: *e.Props.Thread}
		if _, dup := topology[coord]; dup {
			return nil, wrapf(QmpFailed, "query-cpus-fast reports duplicate topology entry %+v", coord)
		}
		topology[coord] = *e.ThreadID
	}
	return topology, nil
}

// ResolveTopology negotiates the full handshake (greeting, capabilities,
// query-cpus-fast) and correlates the result against the configured
// pinning map, failing per spec.md §9's Open Question: any mismatch
// between what was configured and what QEMU reports is QmpFailed, never
// silently ignored.
func ResolveTopology(q *QMPClient, pinning VcpuPinning) (map[VcpuCoord]int, error) {
	if err := q.Greet(); err != nil {
		return nil, err
	}
	if err := q.Capabilities(); err != nil {
		return nil, err
	}
	topology, err := q.QueryCPUsFast()
	if err != nil {
		return nil, err
	}

	result := make(map[VcpuCoord]int)
	for _, entry := range pinning.Flatten() {
		tid, ok := topology[entry.Coord]
		if !ok {
			return nil, wrapf(QmpFailed, "vcpu_pinning references %+v but query-cpus-fast did not report it", entry.Coord)
		}
		result[entry.Coord] = tid
	}
	for coord := range topology {
		if _, ok := result[coord]; !ok {
			return nil, wrapf(QmpFailed, "query-cpus-fast reports %+v but vcpu_pinning does not pin it", coord)
		}
	}
	return result, nil
}
