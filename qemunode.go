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

// Package launcher flattens a YAML-described QEMU command line, spawns the
// guest, negotiates QMP to discover its vCPU thread ids, and pins those
// threads into a cgroup v1 cpuset hierarchy built for the run.
package launcher

import (
	"fmt"
)

// nodeKind tags the shape a QemuNode was decoded from. The YAML `qemu`
// surface is shape-polymorphic (spec.md §3/§9): a scalar, a sequence, or a
// singleton mapping. Modeling it as one dynamic type invites subtle bugs
// in render(); a tagged variant makes every case explicit.
type nodeKind int

const (
	nodeScalar nodeKind = iota
	nodeSequence
	nodeMapping
)

// QemuNode is the tagged variant described in spec.md §3: a scalar, a
// sequence of QemuNode, or a singleton mapping key->QemuNode.
type QemuNode struct {
	kind     nodeKind
	scalar   string
	sequence []QemuNode
	mapKey   string
	mapValue *QemuNode
}

// ScalarNode builds a leaf QemuNode from its textual form.
func ScalarNode(s string) QemuNode {
	return QemuNode{kind: nodeScalar, scalar: s}
}

// SequenceNode builds a QemuNode wrapping an ordered list of children.
func SequenceNode(items []QemuNode) QemuNode {
	return QemuNode{kind: nodeSequence, sequence: items}
}

// MappingNode builds a singleton-mapping QemuNode.
func MappingNode(key string, value QemuNode) QemuNode {
	return QemuNode{kind: nodeMapping, mapKey: key, mapValue: &value}
}

// decodeQemuNode converts a value produced by gopkg.in/yaml.v2's generic
// decoding (scalars as string/int/float64/bool, sequences as []interface{},
// mappings as map[interface{}]interface{}) into the tagged QemuNode variant.
//
// A mapping with more than one key is illegal in this position: the YAML
// surface only permits singleton maps inside the qemu sequence (spec.md
// §3).
func decodeQemuNode(v interface{}) (QemuNode, error) {
	switch val := v.(type) {
	case nil:
		return QemuNode{}, fmt.Errorf("qemu node is empty")
	case string:
		return ScalarNode(val), nil
	case bool, int, int64, float64:
		return ScalarNode(fmt.Sprintf("%v", val)), nil
	case []interface{}:
		items := make([]QemuNode, 0, len(val))
		for _, elem := range val {
			n, err := decodeQemuNode(elem)
			if err != nil {
				return QemuNode{}, err
			}
			items = append(items, n)
		}
		return SequenceNode(items), nil
	case map[interface{}]interface{}:
		if len(val) != 1 {
			return QemuNode{}, fmt.Errorf("mapping in qemu sequence must have exactly one key, got %d", len(val))
		}
		for k, v := range val {
			keyStr, ok := k.(string)
			if !ok {
				return QemuNode{}, fmt.Errorf("mapping key %v is not a string", k)
			}
			child, err := decodeQemuNode(v)
			if err != nil {
				return QemuNode{}, err
			}
			return MappingNode(keyStr, child), nil
		}
		panic("unreachable")
	case map[string]interface{}:
		if len(val) != 1 {
			return QemuNode{}, fmt.Errorf("mapping in qemu sequence must have exactly one key, got %d", len(val))
		}
		for k, v := range val {
			child, err := decodeQemuNode(v)
			if err != nil {
				return QemuNode{}, err
			}
			return MappingNode(k, child), nil
		}
		panic("unreachable")
	default:
		return QemuNode{}, fmt.Errorf("qemu node has unsupported type %T", v)
	}
}

// decodeQemuSequence decodes the top-level `qemu` YAML node, which must be
// a sequence (possibly empty).
func decodeQemuSequence(v interface{}) ([]QemuNode, error) {
	if v == nil {
		return nil, nil
	}
	items, ok := v.([]interface{})
	if !ok {
		return nil, fmt.Errorf("qemu section must be a sequence, got %T", v)
	}
	nodes := make([]QemuNode, 0, len(items))
	for _, item := range items {
		n, err := decodeQemuNode(item)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}

// render recursively flattens a QemuNode into a single comma-separated
// token per spec.md §3:
//
//   - scalar            -> its textual form
//   - sequence          -> comma-join of render(element)
//   - singleton mapping -> "key=render(value)"
func render(n QemuNode) (string, error) {
	switch n.kind {
	case nodeScalar:
		return n.scalar, nil
	case nodeSequence:
		parts := make([]string, 0, len(n.sequence))
		for _, child := range n.sequence {
			part, err := render(child)
			if err != nil {
				return "", err
			}
			parts = append(parts, part)
		}
		return joinComma(parts), nil
	case nodeMapping:
		valueStr, err := render(*n.mapValue)
		if err != nil {
			return "", err
		}
		return n.mapKey + "=" + valueStr, nil
	default:
		return "", fmt.Errorf("render: unknown node kind %d", n.kind)
	}
}

func joinComma(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += ","
		}
		out += p
	}
	return out
}

// Synthesize flattens the top-level `qemu` sequence into an ordered argv,
// excluding the binary name and the trailing "-qmp stdio" pair the
// orchestrator always appends (spec.md §4.1).
//
// Each top-level item must itself be a bare scalar (emitted as "-<s>") or
// a singleton mapping k->v (emitted as "-k", render(v)). A bare sequence
// or a multi-key mapping at the top level is rejected; those shapes are
// only valid nested inside a value.
func Synthesize(nodes []QemuNode) ([]string, error) {
	var argv []string
	for i, n := range nodes {
		switch n.kind {
		case nodeScalar:
			argv = append(argv, "-"+n.scalar)
		case nodeMapping:
			valueStr, err := render(*n.mapValue)
			if err != nil {
				return nil, fmt.Errorf("qemu[%d] (-%s): %w", i, n.mapKey, err)
			}
			argv = append(argv, "-"+n.mapKey, valueStr)
		case nodeSequence:
			return nil, fmt.Errorf("qemu[%d]: bare sequence is not valid at the top level", i)
		}
	}
	return argv, nil
}
