package config

import (
	"os"
	"strings"

	"github.com/shopspring/decimal"
)

// DefaultDualApprovalThreshold is the fallback when a client has no
// dual_approval_threshold configured. Files at or above this total require
// two independent approvals.
//
// Set via env:
// - DUAL_APPROVAL_THRESHOLD="10000.00"
func DefaultDualApprovalThreshold() decimal.Decimal {
	v := strings.TrimSpace(os.Getenv("DUAL_APPROVAL_THRESHOLD"))
	if v == "" {
		return decimal.NewFromInt(10000)
	}
	d, err := decimal.NewFromString(v)
	if err != nil || d.IsNegative() {
		return decimal.NewFromInt(10000)
	}
	return d
}

// MaxInstructionsPerFile caps the row count accepted in a single upload.
//
// Set via env:
// - MAX_INSTRUCTIONS_PER_FILE=10000
func MaxInstructionsPerFile() int {
	return intFromEnv("MAX_INSTRUCTIONS_PER_FILE", 10000)
}

// ExecutionChunkSize bounds the per-transaction batch during execution.
//
// Set via env:
// - EXECUTION_CHUNK_SIZE=100
func ExecutionChunkSize() int {
	n := intFromEnv("EXECUTION_CHUNK_SIZE", 100)
	if n <= 0 {
		return 100
	}
	return n
}

// ExecutionMaxRetries is the per-instruction retry budget for transient
// executor errors.
//
// Set via env:
// - EXECUTION_MAX_RETRIES=3
func ExecutionMaxRetries() int {
	n := intFromEnv("EXECUTION_MAX_RETRIES", 3)
	if n < 0 {
		return 0
	}
	return n
}

// StuckProcessingBoundMinutes is the wall-clock bound after which a file still
// in processing is flagged for operator intervention (cmd/stuck-file-sweep).
//
// Set via env:
// - STUCK_PROCESSING_BOUND_MINUTES=120
func StuckProcessingBoundMinutes() int {
	n := intFromEnv("STUCK_PROCESSING_BOUND_MINUTES", 120)
	if n <= 0 {
		return 120
	}
	return n
}
