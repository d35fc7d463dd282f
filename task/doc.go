// Package task implements the unified task lifecycle: a strict state machine
// from submission through assignment and execution to a terminal state.
//
// The Manager is the single writer of task state. Failures with remaining
// budget are re-submitted as fresh tasks, parents complete or fail from their
// subgoals, and every transition is published on an event bus.
package task
