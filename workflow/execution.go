package workflow

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/volopa/masspay_backend/config"
	"bitbucket.org/volopa/masspay_backend/models"
	"bitbucket.org/volopa/masspay_backend/utils"
	"gorm.io/gorm"
)

// ExecutionResult is the payment rail's verdict for one instruction.
type ExecutionResult struct {
	Success       bool
	ExternalRef   string
	FailureReason string
}

// Executor is the external payment rail, assumed idempotent per instruction
// id. A *TransientExecutionError return is retried with backoff; any other
// error, or Success=false, is fatal for the instruction.
type Executor interface {
	Execute(ctx context.Context, instruction models.PaymentInstruction) (ExecutionResult, error)
}

// RetryBackoff computes the exponential delay before retry n (1-based),
// capped at 30 seconds.
func RetryBackoff(attempt int) time.Duration {
	backoff := time.Second
	for i := 1; i < attempt; i++ {
		backoff *= 2
		if backoff >= 30*time.Second {
			return 30 * time.Second
		}
	}
	return backoff
}

// AggregateFileOutcome decides the terminal transition from the instruction
// status counts: completed needs every instruction terminal and at least one
// success; failed means every non-cancelled instruction failed.
func AggregateFileOutcome(counts map[models.InstructionStatus]int) (TransitionEvent, error) {
	if counts[models.InstructionStatusPending] > 0 || counts[models.InstructionStatusProcessing] > 0 {
		return "", errors.New("instructions still in flight")
	}
	if counts[models.InstructionStatusCompleted] > 0 {
		return EventExecutionCompleted, nil
	}
	return EventExecutionFailed, nil
}

// instructionOutcome pairs an instruction with its terminal verdict, carried
// from the executor phase into the chunk-commit phase.
type instructionOutcome struct {
	instruction models.PaymentInstruction
	result      ExecutionResult
}

// ExecuteFile drives one approved file to a terminal state. At most one
// execution runs per file (per-file lease + advisory lock); instructions are
// processed in fixed-size chunks, each committed in one transaction together
// with its ledger effects.
func ExecuteFile(ctx context.Context, clientId string, fileId int, executor Executor) error {
	db := config.GetDB()

	release, err := AcquireExecutionLease(ctx, fileId)
	if err != nil {
		return err
	}
	defer release()

	// GET_LOCK is connection-scoped. Connection pins one pooled connection
	// for the whole guarded section, so acquire and release run on the same
	// session and a concurrent caller can never re-acquire on it.
	return db.WithContext(ctx).Connection(func(conn *gorm.DB) error {
		if err := AcquireFileLock(conn, fileId); err != nil {
			return err
		}
		defer ReleaseFileLock(conn, fileId)
		return executeLocked(ctx, db, clientId, fileId, executor)
	})
}

func executeLocked(ctx context.Context, db *gorm.DB, clientId string, fileId int, executor Executor) error {
	logger := config.GetLogger()

	file, err := models.FetchMassPaymentFile(ctx, clientId, fileId)
	if err != nil {
		return err
	}

	switch file.Status {
	case models.FileStatusApproved:
		err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			return ApplyFileTransition(ctx, tx, file, EventBeginExecution, nil)
		})
		if err != nil {
			return err
		}
	case models.FileStatusProcessing:
		// Redelivery of file.approved after a crash mid-execution: resume.
	default:
		// Terminal or pre-approval status; nothing to execute.
		return nil
	}

	instructions, err := models.ListFileInstructions(ctx, clientId, fileId)
	if err != nil {
		return err
	}

	chunkSize := config.ExecutionChunkSize()
	for _, bounds := range utils.ChunkRange(len(instructions), chunkSize) {
		chunk := instructions[bounds[0]:bounds[1]]
		if err := executeChunk(ctx, db, file, chunk, executor); err != nil {
			config.LogError(logger, "workflow", "ExecuteFile", "chunk execution aborted",
				map[string]interface{}{"client_id": clientId, "file_id": fileId, "chunk_start": bounds[0]}, err)
			return err
		}
	}

	counts, err := models.InstructionStatusCounts(ctx, clientId, fileId)
	if err != nil {
		return err
	}
	terminalEvent, err := AggregateFileOutcome(counts)
	if err != nil {
		return err
	}

	// Reload for the current version before the terminal transition.
	file, err = models.FetchMassPaymentFile(ctx, clientId, fileId)
	if err != nil {
		return err
	}
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return ApplyFileTransition(ctx, tx, file, terminalEvent, nil)
	})
}

// executeChunk marks the chunk processing, invokes the executor per
// instruction with retries, then commits every terminal status plus its
// ledger effect in one transaction. The ledger row lock is only ever held
// inside that final short transaction, never across executor calls.
func executeChunk(ctx context.Context, db *gorm.DB, file *models.MassPaymentFile, chunk []models.PaymentInstruction, executor Executor) error {
	ids := make([]int, 0, len(chunk))
	pending := make([]models.PaymentInstruction, 0, len(chunk))
	for _, instruction := range chunk {
		// Resumed executions skip instructions that already reached a
		// terminal state before the crash.
		if instruction.Status.IsTerminal() {
			continue
		}
		ids = append(ids, instruction.ID)
		pending = append(pending, instruction)
	}
	if len(pending) == 0 {
		return nil
	}

	err := db.WithContext(ctx).Model(&models.PaymentInstruction{}).
		Where("id IN ? AND status IN ?", ids,
			[]models.InstructionStatus{models.InstructionStatusPending, models.InstructionStatusProcessing}).
		Update("status", models.InstructionStatusProcessing).Error
	if err != nil {
		return err
	}

	outcomes := make([]instructionOutcome, 0, len(pending))
	for _, instruction := range pending {
		result, attempts := executeWithRetry(ctx, instruction, executor)
		instruction.Attempts = attempts
		outcomes = append(outcomes, instructionOutcome{instruction: instruction, result: result})
	}

	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, outcome := range outcomes {
			instruction := outcome.instruction
			if outcome.result.Success {
				ref := outcome.result.ExternalRef
				err := tx.Model(&models.PaymentInstruction{}).
					Where("id = ?", instruction.ID).
					Updates(map[string]interface{}{
						"status":       models.InstructionStatusCompleted,
						"external_ref": &ref,
						"attempts":     instruction.Attempts,
					}).Error
				if err != nil {
					return err
				}
				if err := SettleFunds(tx, file.ClientId, file.FundingAccountId, instruction.Amount); err != nil {
					return err
				}
				continue
			}

			failureReason := outcome.result.FailureReason
			err := tx.Model(&models.PaymentInstruction{}).
				Where("id = ?", instruction.ID).
				Updates(map[string]interface{}{
					"status":         models.InstructionStatusFailed,
					"failure_reason": &failureReason,
					"attempts":       instruction.Attempts,
				}).Error
			if err != nil {
				return err
			}
			if err := ReleaseFunds(tx, file.ClientId, file.FundingAccountId, instruction.Amount); err != nil {
				return err
			}
			err = models.PublishPaymentEvent(ctx, tx, file.ClientId, file.ID, instruction.ID,
				models.EventInstructionFailed, map[string]interface{}{
					"instruction_id": instruction.ID,
					"row_number":     instruction.RowNumber,
					"reason":         failureReason,
				})
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// executeWithRetry invokes the executor, retrying transient errors with
// exponential backoff. Retries never touch the ledger; funds were reserved
// once at approval time.
func executeWithRetry(ctx context.Context, instruction models.PaymentInstruction, executor Executor) (ExecutionResult, int) {
	maxRetries := config.ExecutionMaxRetries()
	attempts := 0
	for {
		attempts++
		result, err := executor.Execute(ctx, instruction)
		if err == nil {
			if result.Success {
				return result, attempts
			}
			if result.FailureReason == "" {
				result.FailureReason = "rejected by payment rail"
			}
			return result, attempts
		}
		if !IsTransient(err) {
			return ExecutionResult{Success: false, FailureReason: err.Error()}, attempts
		}
		if attempts > maxRetries {
			return ExecutionResult{Success: false, FailureReason: "transient error persisted after retries: " + err.Error()}, attempts
		}
		select {
		case <-ctx.Done():
			return ExecutionResult{Success: false, FailureReason: "execution cancelled: " + ctx.Err().Error()}, attempts
		case <-time.After(RetryBackoff(attempts)):
		}
	}
}
