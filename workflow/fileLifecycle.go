package workflow

import (
	"context"
	"time"

	"bitbucket.org/volopa/masspay_backend/models"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// The file lifecycle is a pure transition table: NextFileState maps
// (current status, event) to the next status plus the side-effect commands
// the transition carries. ApplyFileTransition persists the status write and
// runs the commands inside one DB transaction, so a crash can never separate
// a reservation from its status change.

type TransitionEvent string

const (
	EventBeginValidation    TransitionEvent = "begin_validation"
	EventValidationPassed   TransitionEvent = "validation_passed"
	EventValidationFailed   TransitionEvent = "validation_failed"
	EventFirstApproval      TransitionEvent = "first_approval"
	EventFinalApproval      TransitionEvent = "final_approval"
	EventBeginExecution     TransitionEvent = "begin_execution"
	EventExecutionCompleted TransitionEvent = "execution_completed"
	EventExecutionFailed    TransitionEvent = "execution_failed"
	EventCancel             TransitionEvent = "cancel"
)

type CommandKind string

const (
	CmdReserveFunds       CommandKind = "reserve_funds"
	CmdReleaseFunds       CommandKind = "release_funds"
	CmdCancelInstructions CommandKind = "cancel_instructions"
	CmdEmitEvent          CommandKind = "emit_event"
)

// Command is one side effect a transition demands. Reserve/release always
// apply to the file's full total; per-instruction ledger effects belong to
// the execution orchestrator, not the lifecycle.
type Command struct {
	Kind  CommandKind
	Event models.PaymentEventType
}

func emit(eventType models.PaymentEventType) Command {
	return Command{Kind: CmdEmitEvent, Event: eventType}
}

type transitionKey struct {
	from  models.FileStatus
	event TransitionEvent
}

var fileTransitions = map[transitionKey]struct {
	to       models.FileStatus
	commands []Command
}{
	{models.FileStatusDraft, EventBeginValidation}: {
		to: models.FileStatusValidating,
	},
	{models.FileStatusValidating, EventValidationPassed}: {
		to:       models.FileStatusAwaitingApproval,
		commands: []Command{emit(models.EventFileAwaitingApproval)},
	},
	{models.FileStatusValidating, EventValidationFailed}: {
		to:       models.FileStatusValidationFailed,
		commands: []Command{emit(models.EventFileValidationFailed)},
	},
	{models.FileStatusAwaitingApproval, EventFirstApproval}: {
		to: models.FileStatusPartiallyApproved,
	},
	{models.FileStatusAwaitingApproval, EventFinalApproval}: {
		to: models.FileStatusApproved,
		commands: []Command{
			{Kind: CmdReserveFunds},
			emit(models.EventFileApproved),
		},
	},
	{models.FileStatusPartiallyApproved, EventFinalApproval}: {
		to: models.FileStatusApproved,
		commands: []Command{
			{Kind: CmdReserveFunds},
			emit(models.EventFileApproved),
		},
	},
	{models.FileStatusApproved, EventBeginExecution}: {
		to: models.FileStatusProcessing,
	},
	{models.FileStatusProcessing, EventExecutionCompleted}: {
		to:       models.FileStatusCompleted,
		commands: []Command{emit(models.EventFileCompleted)},
	},
	{models.FileStatusProcessing, EventExecutionFailed}: {
		to:       models.FileStatusFailed,
		commands: []Command{emit(models.EventFileFailed)},
	},

	// cancelled is reachable from every pre-processing state. Cancelling an
	// approved file must also unwind its reservation.
	{models.FileStatusDraft, EventCancel}: {
		to:       models.FileStatusCancelled,
		commands: []Command{{Kind: CmdCancelInstructions}, emit(models.EventFileCancelled)},
	},
	{models.FileStatusValidating, EventCancel}: {
		to:       models.FileStatusCancelled,
		commands: []Command{{Kind: CmdCancelInstructions}, emit(models.EventFileCancelled)},
	},
	{models.FileStatusValidationFailed, EventCancel}: {
		to:       models.FileStatusCancelled,
		commands: []Command{{Kind: CmdCancelInstructions}, emit(models.EventFileCancelled)},
	},
	{models.FileStatusAwaitingApproval, EventCancel}: {
		to:       models.FileStatusCancelled,
		commands: []Command{{Kind: CmdCancelInstructions}, emit(models.EventFileCancelled)},
	},
	{models.FileStatusPartiallyApproved, EventCancel}: {
		to:       models.FileStatusCancelled,
		commands: []Command{{Kind: CmdCancelInstructions}, emit(models.EventFileCancelled)},
	},
	{models.FileStatusApproved, EventCancel}: {
		to: models.FileStatusCancelled,
		commands: []Command{
			{Kind: CmdReleaseFunds},
			{Kind: CmdCancelInstructions},
			emit(models.EventFileCancelled),
		},
	},
}

// NextFileState is the pure lifecycle core: no I/O, no clock.
func NextFileState(current models.FileStatus, event TransitionEvent) (models.FileStatus, []Command, error) {
	entry, ok := fileTransitions[transitionKey{current, event}]
	if !ok {
		return current, nil, ErrInvalidTransition
	}
	return entry.to, entry.commands, nil
}

// CanDeleteFile gates hard deletion; anything that ever held or might hold a
// reservation is kept for audit.
func CanDeleteFile(status models.FileStatus) bool {
	switch status {
	case models.FileStatusDraft, models.FileStatusValidationFailed, models.FileStatusCancelled:
		return true
	}
	return false
}

// sumInstructionAmountsTx runs the consistency-guard sum on the caller's
// transaction so instructions created in the same transaction count.
func sumInstructionAmountsTx(tx *gorm.DB, clientId string, fileId int) (decimal.Decimal, error) {
	var total decimal.NullDecimal
	err := tx.Model(&models.PaymentInstruction{}).
		Select("SUM(amount)").
		Where("client_id = ? AND file_id = ? AND status <> ?", clientId, fileId, models.InstructionStatusCancelled).
		Scan(&total).Error
	if err != nil {
		return decimal.Zero, err
	}
	if !total.Valid {
		return decimal.Zero, nil
	}
	return total.Decimal, nil
}

// ApplyFileTransition performs one guarded transition inside the caller's
// transaction: optimistic version check on the status write, then the
// transition's commands. The file struct is updated in place on success.
// extraUpdates lets callers persist transition-scoped fields (validation
// summary, approver identity) in the same status write.
func ApplyFileTransition(ctx context.Context, tx *gorm.DB, file *models.MassPaymentFile, event TransitionEvent, extraUpdates map[string]interface{}) error {
	next, commands, err := NextFileState(file.Status, event)
	if err != nil {
		return err
	}

	if event == EventValidationPassed {
		if file.HasValidationErrors() {
			return &ConsistencyViolationError{Detail: "validation errors present"}
		}
		sum, err := sumInstructionAmountsTx(tx, file.ClientId, file.ID)
		if err != nil {
			return err
		}
		if !sum.Equal(file.TotalAmount) {
			return &ConsistencyViolationError{
				Detail: "declared total " + file.TotalAmount.String() + " does not match instruction sum " + sum.String(),
			}
		}
	}

	now := time.Now().UTC()
	updates := map[string]interface{}{
		"status":  next,
		"version": gorm.Expr("version + 1"),
	}
	switch event {
	case EventBeginExecution:
		updates["processing_started_at"] = &now
	case EventExecutionCompleted, EventExecutionFailed:
		updates["completed_at"] = &now
	}
	for k, v := range extraUpdates {
		updates[k] = v
	}

	result := tx.Model(&models.MassPaymentFile{}).
		Where("id = ? AND client_id = ? AND version = ?", file.ID, file.ClientId, file.Version).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrFileVersionConflict
	}

	for _, cmd := range commands {
		switch cmd.Kind {
		case CmdReserveFunds:
			if err := ReserveFunds(tx, file.ClientId, file.FundingAccountId, file.TotalAmount); err != nil {
				return err
			}
		case CmdReleaseFunds:
			if err := ReleaseFunds(tx, file.ClientId, file.FundingAccountId, file.TotalAmount); err != nil {
				return err
			}
		case CmdCancelInstructions:
			err := tx.Model(&models.PaymentInstruction{}).
				Where("client_id = ? AND file_id = ? AND status = ?", file.ClientId, file.ID, models.InstructionStatusPending).
				Update("status", models.InstructionStatusCancelled).Error
			if err != nil {
				return err
			}
		case CmdEmitEvent:
			if err := models.PublishPaymentEvent(ctx, tx, file.ClientId, file.ID, 0, cmd.Event, file.Summary()); err != nil {
				return err
			}
		}
	}

	file.Status = next
	file.Version++
	return nil
}
