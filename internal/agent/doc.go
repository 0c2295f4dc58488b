// Package agent adapts the decision oracle into the two roles the
// orchestrator needs: the feed selector, which decides which feeds to
// re-consult after a rejection, and the action proposer, which turns the
// accumulated context into exactly one parsed action candidate.
package agent
