package workflow

import (
	"context"
	"errors"
	"testing"
	"time"

	"bitbucket.org/volopa/masspay_backend/models"
	"github.com/shopspring/decimal"
)

func mustDecimal(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("bad decimal %q: %v", s, err)
	}
	return d
}

func TestRetryBackoff(t *testing.T) {
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 16 * time.Second},
		{6, 30 * time.Second},
		{10, 30 * time.Second},
	}
	for _, tc := range cases {
		if got := RetryBackoff(tc.attempt); got != tc.want {
			t.Fatalf("RetryBackoff(%d) = %s, want %s", tc.attempt, got, tc.want)
		}
	}
}

func TestAggregateFileOutcome(t *testing.T) {
	// In-flight instructions block aggregation entirely.
	for _, counts := range []map[models.InstructionStatus]int{
		{models.InstructionStatusPending: 1, models.InstructionStatusCompleted: 99},
		{models.InstructionStatusProcessing: 1, models.InstructionStatusFailed: 5},
	} {
		if _, err := AggregateFileOutcome(counts); err == nil {
			t.Fatalf("expected error for in-flight counts %v", counts)
		}
	}

	// Any success makes the file completed, even with partial failures.
	event, err := AggregateFileOutcome(map[models.InstructionStatus]int{
		models.InstructionStatusCompleted: 90,
		models.InstructionStatusFailed:    10,
	})
	if err != nil || event != EventExecutionCompleted {
		t.Fatalf("expected execution_completed, got %s (%v)", event, err)
	}

	// All failed means the file failed.
	event, err = AggregateFileOutcome(map[models.InstructionStatus]int{
		models.InstructionStatusFailed: 10,
	})
	if err != nil || event != EventExecutionFailed {
		t.Fatalf("expected execution_failed, got %s (%v)", event, err)
	}

	// Cancelled instructions don't count as successes.
	event, err = AggregateFileOutcome(map[models.InstructionStatus]int{
		models.InstructionStatusCancelled: 3,
		models.InstructionStatusFailed:    2,
	})
	if err != nil || event != EventExecutionFailed {
		t.Fatalf("expected execution_failed with cancellations, got %s (%v)", event, err)
	}
}

// scriptedExecutor counts calls and fails according to its script.
type scriptedExecutor struct {
	calls   int
	results []func() (ExecutionResult, error)
}

func (e *scriptedExecutor) Execute(_ context.Context, _ models.PaymentInstruction) (ExecutionResult, error) {
	idx := e.calls
	e.calls++
	if idx >= len(e.results) {
		idx = len(e.results) - 1
	}
	return e.results[idx]()
}

func TestExecuteWithRetry_TransientThenSuccess(t *testing.T) {
	t.Setenv("EXECUTION_MAX_RETRIES", "3")
	executor := &scriptedExecutor{results: []func() (ExecutionResult, error){
		func() (ExecutionResult, error) {
			return ExecutionResult{}, &TransientExecutionError{Err: errors.New("rail timeout")}
		},
		func() (ExecutionResult, error) {
			return ExecutionResult{Success: true, ExternalRef: "ref-1"}, nil
		},
	}}

	result, attempts := executeWithRetry(context.Background(), models.PaymentInstruction{ID: 1}, executor)
	if !result.Success || result.ExternalRef != "ref-1" {
		t.Fatalf("expected success after retry, got %+v", result)
	}
	if attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", attempts)
	}
}

func TestExecuteWithRetry_PermanentErrorDoesNotRetry(t *testing.T) {
	executor := &scriptedExecutor{results: []func() (ExecutionResult, error){
		func() (ExecutionResult, error) { return ExecutionResult{}, errors.New("account closed") },
	}}

	result, attempts := executeWithRetry(context.Background(), models.PaymentInstruction{ID: 1}, executor)
	if result.Success {
		t.Fatal("expected failure")
	}
	if attempts != 1 {
		t.Fatalf("permanent errors must not retry, got %d attempts", attempts)
	}
	if result.FailureReason != "account closed" {
		t.Fatalf("unexpected failure reason %q", result.FailureReason)
	}
	if executor.calls != 1 {
		t.Fatalf("executor called %d times, want 1", executor.calls)
	}
}

func TestExecuteWithRetry_GivesUpAfterMaxRetries(t *testing.T) {
	t.Setenv("EXECUTION_MAX_RETRIES", "1")
	executor := &scriptedExecutor{results: []func() (ExecutionResult, error){
		func() (ExecutionResult, error) {
			return ExecutionResult{}, &TransientExecutionError{Err: errors.New("rail timeout")}
		},
	}}

	result, attempts := executeWithRetry(context.Background(), models.PaymentInstruction{ID: 1}, executor)
	if result.Success {
		t.Fatal("expected failure after exhausting retries")
	}
	// Initial attempt plus one retry.
	if attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", attempts)
	}
}

func TestExecuteWithRetry_RejectionIsFinal(t *testing.T) {
	executor := &scriptedExecutor{results: []func() (ExecutionResult, error){
		func() (ExecutionResult, error) {
			return ExecutionResult{Success: false, FailureReason: "beneficiary blocked"}, nil
		},
	}}

	result, attempts := executeWithRetry(context.Background(), models.PaymentInstruction{ID: 1}, executor)
	if result.Success || attempts != 1 {
		t.Fatalf("rail rejection must be final: %+v after %d attempts", result, attempts)
	}
	if result.FailureReason != "beneficiary blocked" {
		t.Fatalf("unexpected reason %q", result.FailureReason)
	}
}

func TestIsTransient(t *testing.T) {
	if !IsTransient(&TransientExecutionError{Err: errors.New("x")}) {
		t.Fatal("wrapped transient error not detected")
	}
	if IsTransient(errors.New("x")) {
		t.Fatal("plain error misclassified as transient")
	}
}
