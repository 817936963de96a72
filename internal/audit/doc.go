// Package audit writes an append-only JSONL record of every actuation
// request: who asked, what was asked, and whether it was sent, suppressed by
// the circuit breaker, rejected, or failed.
package audit
