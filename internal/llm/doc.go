// Package llm defines the decision oracle boundary. The oracle is an opaque
// text-in, text-out function; callers own prompt construction and parsing.
package llm
