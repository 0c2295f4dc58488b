// Package event carries orchestration progress to observers. Events are
// delivered in production order and a run emits exactly one terminal event
// (action, error or cancelled) after which nothing else is delivered.
package event
