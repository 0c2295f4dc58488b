// Package orchestrator drives one trigger through the propose, authorize and
// revise loop. Each Run owns its feed context and transition history; the
// feed gateway, the policy settings and the agents are shared read-only
// between concurrent runs.
package orchestrator
