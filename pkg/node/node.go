// Package node models an execution target a run is bound to. Nodes are
// shared by reference across every run scheduled to them; a run never
// owns or mutates its node beyond the busy-slot accounting done by the
// scheduler.
package node

import (
	"runtime"

	"github.com/shirou/gopsutil/v3/mem"
)

// Node is an execution target with a fixed number of executor slots.
// An empty Tags list accepts any job; otherwise a job must carry one of
// the node's tags to queue here.
type Node struct {
	Name      string
	Executors int
	Tags      []string

	busy int
}

func New(name string, executors int, tags ...string) *Node {
	if executors <= 0 {
		executors = DetectExecutors()
	}
	return &Node{Name: name, Executors: executors, Tags: tags}
}

// CanQueue reports whether a slot is free and the job's tags are
// compatible with this node.
func (n *Node) CanQueue(jobTags ...string) bool {
	if n.busy >= n.Executors {
		return false
	}
	if len(n.Tags) == 0 {
		return true
	}
	for _, nt := range n.Tags {
		for _, jt := range jobTags {
			if nt == jt {
				return true
			}
		}
	}
	return false
}

// Acquire takes an executor slot. The scheduler calls it when a run is
// configured onto this node.
func (n *Node) Acquire() {
	n.busy++
}

// Release frees an executor slot when a run finishes.
func (n *Node) Release() {
	if n.busy > 0 {
		n.busy--
	}
}

// Busy reports how many slots are occupied.
func (n *Node) Busy() int { return n.busy }

// DetectExecutors sizes the default executor count from the host: one
// slot per CPU, capped so each slot has at least 512MB of memory.
func DetectExecutors() int {
	executors := runtime.NumCPU()
	if v, err := mem.VirtualMemory(); err == nil {
		byMemory := int(v.Total / (512 * 1024 * 1024))
		if byMemory < 1 {
			byMemory = 1
		}
		if byMemory < executors {
			executors = byMemory
		}
	}
	if executors < 1 {
		executors = 1
	}
	return executors
}
