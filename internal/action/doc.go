// Package action defines the canonical action candidate produced by the
// decision oracle and the single boundary that parses oracle text into it.
package action
