package engine

import (
	"sort"

	"github.com/dipeo/dipeo/common/compiler"
	"github.com/dipeo/dipeo/common/diagram"
	"github.com/dipeo/dipeo/common/models"
)

// BranchMetaKey is the envelope meta key a condition handler sets to the
// handle name of the taken branch.
const BranchMetaKey = "branch"

// edgeState classifies one incoming edge during a readiness check.
type edgeState int

const (
	edgeBlocking edgeState = iota
	edgeSatisfied
	edgeSkipped
)

// Stats summarizes scheduler-side accounting for progress frames.
type Stats struct {
	Ready     int `json:"ready"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Skipped   int `json:"skipped"`
	Pending   int `json:"pending"`
	Total     int `json:"total"`
}

// Scheduler computes node readiness. It is a pure function over the
// compiled diagram and the tracker; all mutation goes through the
// tracker.
type Scheduler struct {
	diagram *compiler.ExecutableDiagram
	tracker *Tracker
}

// NewScheduler creates a scheduler over one run.
func NewScheduler(d *compiler.ExecutableDiagram, t *Tracker) *Scheduler {
	return &Scheduler{diagram: d, tracker: t}
}

// ReadyNodes returns the nodes that may dispatch now, ordered by
// execution priority descending then node id. It also propagates skips:
// a pending node whose every incoming edge is skipped becomes skipped
// itself and is never returned.
func (s *Scheduler) ReadyNodes() []*compiler.ExecutableNode {
	s.propagateSkips()

	var ready []*compiler.ExecutableNode
	for _, n := range s.diagram.Nodes {
		if s.tracker.NodeStatus(n.ID) != models.NodePending {
			continue
		}
		if s.tracker.ExecutionCount(n.ID) >= n.MaxIterations {
			s.tracker.MarkMaxIterReached(n.ID)
			continue
		}
		if s.joinSatisfied(n) {
			ready = append(ready, n)
		}
	}

	// Nodes are already in id order; a stable sort layers priority on top.
	sort.SliceStable(ready, func(i, j int) bool {
		return s.nodePriority(ready[i].ID) > s.nodePriority(ready[j].ID)
	})
	return ready
}

// MarkNodeCompleted updates scheduler accounting after a dispatch. A
// node fed by a feedback edge whose budget is not exhausted is re-enabled
// for another iteration.
func (s *Scheduler) MarkNodeCompleted(n *compiler.ExecutableNode) {
	if !s.hasIncomingFeedback(n.ID) {
		return
	}
	if s.tracker.ExecutionCount(n.ID) < n.MaxIterations {
		s.tracker.ResetForIteration(n.ID)
	}
}

// Stats counts nodes by state plus the currently ready set.
func (s *Scheduler) Stats() Stats {
	st := Stats{Total: len(s.diagram.Nodes)}
	for _, n := range s.diagram.Nodes {
		switch s.tracker.NodeStatus(n.ID) {
		case models.NodeRunning:
			st.Running++
		case models.NodeCompleted:
			st.Completed++
		case models.NodeSkipped:
			st.Skipped++
		case models.NodePending:
			st.Pending++
		}
	}
	st.Ready = len(s.ReadyNodesCount())
	return st
}

// ReadyNodesCount is ReadyNodes without the skip-propagation side
// effect; used only for stats.
func (s *Scheduler) ReadyNodesCount() []string {
	var out []string
	for _, n := range s.diagram.Nodes {
		if s.tracker.NodeStatus(n.ID) != models.NodePending {
			continue
		}
		if s.tracker.ExecutionCount(n.ID) >= n.MaxIterations {
			continue
		}
		if s.joinSatisfied(n) {
			out = append(out, n.ID)
		}
	}
	return out
}

// joinSatisfied applies the node's join policy: every non-feedback
// incoming edge must be satisfied or skipped, and unless all inputs are
// feedback edges at least one must be satisfied.
func (s *Scheduler) joinSatisfied(n *compiler.ExecutableNode) bool {
	incoming := s.diagram.Incoming(n.ID)
	if len(incoming) == 0 {
		return true
	}

	satisfied := 0
	nonFeedback := 0
	for _, e := range incoming {
		if e.Feedback {
			// Feedback edges never block; they feed inputs once the
			// source has produced an output.
			continue
		}
		nonFeedback++
		switch s.classifyEdge(e) {
		case edgeBlocking:
			return false
		case edgeSatisfied:
			satisfied++
		}
	}
	if nonFeedback == 0 {
		return true
	}
	return satisfied > 0
}

func (s *Scheduler) classifyEdge(e *compiler.ExecutableEdge) edgeState {
	srcStatus := s.tracker.NodeStatus(e.Source)
	if srcStatus == models.NodeSkipped {
		return edgeSkipped
	}

	src, ok := s.diagram.Node(e.Source)
	if ok && src.Type == diagram.NodeCondition {
		if srcStatus != models.NodeCompleted {
			return edgeBlocking
		}
		out, ok := s.tracker.Output(e.Source)
		if !ok {
			return edgeBlocking
		}
		branch, _ := out.Meta[BranchMetaKey].(string)
		if branch == e.SourceHandle {
			return edgeSatisfied
		}
		return edgeSkipped
	}

	if srcStatus == models.NodeCompleted {
		return edgeSatisfied
	}
	return edgeBlocking
}

// propagateSkips marks pending nodes whose every incoming edge is
// skipped, iterating to a fixpoint so skips cascade down chains.
func (s *Scheduler) propagateSkips() {
	for {
		changed := false
		for _, n := range s.diagram.Nodes {
			if s.tracker.NodeStatus(n.ID) != models.NodePending {
				continue
			}
			incoming := s.diagram.Incoming(n.ID)
			if len(incoming) == 0 {
				continue
			}
			allSkipped := true
			for _, e := range incoming {
				if e.Feedback {
					continue
				}
				if s.classifyEdge(e) != edgeSkipped {
					allSkipped = false
					break
				}
			}
			if allSkipped {
				s.tracker.MarkSkipped(n.ID)
				changed = true
			}
		}
		if !changed {
			return
		}
	}
}

func (s *Scheduler) hasIncomingFeedback(nodeID string) bool {
	for _, e := range s.diagram.Incoming(nodeID) {
		if e.Feedback {
			return true
		}
	}
	return false
}

// nodePriority is the highest execution priority among a node's incoming
// edges; source nodes default to zero.
func (s *Scheduler) nodePriority(nodeID string) int {
	best := 0
	for _, e := range s.diagram.Incoming(nodeID) {
		if e.ExecutionPriority > best {
			best = e.ExecutionPriority
		}
	}
	return best
}
