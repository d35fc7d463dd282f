package decision

import (
	"fmt"
	"strings"
)

// ActionKind classifies a workflow action candidate.
type ActionKind string

const (
	// ActionSingle executes the task directly as one step.
	ActionSingle ActionKind = "single"
	// ActionDecompose splits the task into ordered subgoals.
	ActionDecompose ActionKind = "decompose"
)

// Action is one candidate move in the workflow search.
type Action struct {
	Kind ActionKind
	// Subgoals holds the derived subgoal descriptions for a decomposition.
	Subgoals []string
}

func (a Action) describe() string {
	if a.Kind == ActionSingle {
		return "execute directly"
	}
	return fmt.Sprintf("decompose into %d subgoals", len(a.Subgoals))
}

// WorkflowNode is one node of a search episode's tree. Nodes live only for
// the episode that created them and are never shared across searches.
type WorkflowNode struct {
	// State is the textual task state plus the partial plan so far.
	State string
	// Action is the move that produced this node; nil at the root.
	Action *Action
	// Parent backlinks toward the root; not an ownership edge.
	Parent *WorkflowNode
	// Children are ordered by candidate generation, which keeps
	// tie-breaking stable.
	Children []*WorkflowNode

	// VisitCount is the number of iterations that passed through the node.
	VisitCount int
	// TotalValue accumulates backpropagated evaluation values.
	TotalValue float64
	// NeutralEvals counts evaluations of this node that timed out or
	// failed and therefore contributed the neutral value.
	NeutralEvals int
}

func newRoot(state string) *WorkflowNode {
	return &WorkflowNode{State: state}
}

func (n *WorkflowNode) addChild(action Action) *WorkflowNode {
	child := &WorkflowNode{
		State:  n.State + "\n-> " + action.describe(),
		Action: &action,
		Parent: n,
	}
	n.Children = append(n.Children, child)
	return child
}

// terminal reports whether the node completes a plan: a single-step action
// closes the workflow, decompositions stay refinable.
func (n *WorkflowNode) terminal() bool {
	return n.Action != nil && n.Action.Kind == ActionSingle
}

// meanValue is the node's average backpropagated value.
func (n *WorkflowNode) meanValue() float64 {
	if n.VisitCount == 0 {
		return 0
	}
	return n.TotalValue / float64(n.VisitCount)
}

// subtreeNeutrals sums neutral-valued evaluations across the node's subtree,
// walked iteratively to keep stack depth independent of tree shape.
func (n *WorkflowNode) subtreeNeutrals() int {
	total := 0
	stack := []*WorkflowNode{n}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		total += cur.NeutralEvals
		stack = append(stack, cur.Children...)
	}
	return total
}

// deriveSubgoals produces the deterministic subgoal descriptions for a
// decomposition of the given width.
func deriveSubgoals(description string, width int) []string {
	description = strings.TrimSpace(description)
	out := make([]string, width)
	for i := 0; i < width; i++ {
		out[i] = fmt.Sprintf("%s (step %d of %d)", description, i+1, width)
	}
	return out
}

// candidateActions generates the stable-ordered action candidates for a
// state: direct execution first, then decompositions of width 2..maxWidth.
func candidateActions(description string, maxWidth int) []Action {
	actions := []Action{{Kind: ActionSingle}}
	for width := 2; width <= maxWidth; width++ {
		actions = append(actions, Action{
			Kind:     ActionDecompose,
			Subgoals: deriveSubgoals(description, width),
		})
	}
	return actions
}
