package workflow

import (
	"errors"
	"testing"

	"bitbucket.org/volopa/masspay_backend/models"
)

// NOTE: These tests are intentionally DB-free. They pin the lifecycle table
// itself: which transitions exist, which states they land in, and which
// side-effect commands each one carries. ApplyFileTransition is covered by
// the docker-guarded regression tests.

func commandKinds(commands []Command) []CommandKind {
	kinds := make([]CommandKind, 0, len(commands))
	for _, c := range commands {
		kinds = append(kinds, c.Kind)
	}
	return kinds
}

func hasKind(commands []Command, kind CommandKind) bool {
	for _, c := range commands {
		if c.Kind == kind {
			return true
		}
	}
	return false
}

func emittedEvent(commands []Command) (models.PaymentEventType, bool) {
	for _, c := range commands {
		if c.Kind == CmdEmitEvent {
			return c.Event, true
		}
	}
	return "", false
}

func TestNextFileState_HappyPath(t *testing.T) {
	steps := []struct {
		from  models.FileStatus
		event TransitionEvent
		to    models.FileStatus
		emits models.PaymentEventType
	}{
		{models.FileStatusDraft, EventBeginValidation, models.FileStatusValidating, ""},
		{models.FileStatusValidating, EventValidationPassed, models.FileStatusAwaitingApproval, models.EventFileAwaitingApproval},
		{models.FileStatusAwaitingApproval, EventFirstApproval, models.FileStatusPartiallyApproved, ""},
		{models.FileStatusPartiallyApproved, EventFinalApproval, models.FileStatusApproved, models.EventFileApproved},
		{models.FileStatusApproved, EventBeginExecution, models.FileStatusProcessing, ""},
		{models.FileStatusProcessing, EventExecutionCompleted, models.FileStatusCompleted, models.EventFileCompleted},
	}

	for _, step := range steps {
		next, commands, err := NextFileState(step.from, step.event)
		if err != nil {
			t.Fatalf("%s + %s: unexpected error %v", step.from, step.event, err)
		}
		if next != step.to {
			t.Fatalf("%s + %s: expected %s, got %s", step.from, step.event, step.to, next)
		}
		event, ok := emittedEvent(commands)
		if step.emits == "" {
			if ok {
				t.Fatalf("%s + %s: expected no emitted event, got %s", step.from, step.event, event)
			}
			continue
		}
		if !ok || event != step.emits {
			t.Fatalf("%s + %s: expected emitted event %s, got %v", step.from, step.event, step.emits, commandKinds(commands))
		}
	}
}

func TestNextFileState_FinalApprovalCarriesReservation(t *testing.T) {
	for _, from := range []models.FileStatus{models.FileStatusAwaitingApproval, models.FileStatusPartiallyApproved} {
		next, commands, err := NextFileState(from, EventFinalApproval)
		if err != nil {
			t.Fatalf("%s + final_approval: %v", from, err)
		}
		if next != models.FileStatusApproved {
			t.Fatalf("%s + final_approval: expected approved, got %s", from, next)
		}
		if !hasKind(commands, CmdReserveFunds) {
			t.Fatalf("%s + final_approval: reservation command missing: %v", from, commandKinds(commands))
		}
		if event, ok := emittedEvent(commands); !ok || event != models.EventFileApproved {
			t.Fatalf("%s + final_approval: expected file.approved emission, got %v", from, commandKinds(commands))
		}
	}

	// First approval of a dual-approval file reserves nothing.
	_, commands, err := NextFileState(models.FileStatusAwaitingApproval, EventFirstApproval)
	if err != nil {
		t.Fatalf("first_approval: %v", err)
	}
	if hasKind(commands, CmdReserveFunds) {
		t.Fatalf("first approval must not reserve funds: %v", commandKinds(commands))
	}
}

func TestNextFileState_ValidationFailureIsTerminalForApproval(t *testing.T) {
	next, commands, err := NextFileState(models.FileStatusValidating, EventValidationFailed)
	if err != nil {
		t.Fatalf("validation_failed: %v", err)
	}
	if next != models.FileStatusValidationFailed {
		t.Fatalf("expected validation_failed, got %s", next)
	}
	if event, ok := emittedEvent(commands); !ok || event != models.EventFileValidationFailed {
		t.Fatalf("expected file.validation_failed emission, got %v", commandKinds(commands))
	}

	// A failed-validation file can never be approved.
	if _, _, err := NextFileState(models.FileStatusValidationFailed, EventFinalApproval); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestNextFileState_CancelReachability(t *testing.T) {
	cancellable := []models.FileStatus{
		models.FileStatusDraft,
		models.FileStatusValidating,
		models.FileStatusValidationFailed,
		models.FileStatusAwaitingApproval,
		models.FileStatusPartiallyApproved,
		models.FileStatusApproved,
	}
	for _, from := range cancellable {
		next, commands, err := NextFileState(from, EventCancel)
		if err != nil {
			t.Fatalf("%s + cancel: %v", from, err)
		}
		if next != models.FileStatusCancelled {
			t.Fatalf("%s + cancel: expected cancelled, got %s", from, next)
		}
		if !hasKind(commands, CmdCancelInstructions) {
			t.Fatalf("%s + cancel: instructions must be cancelled: %v", from, commandKinds(commands))
		}
		// Only an approved file holds a reservation to unwind.
		wantRelease := from == models.FileStatusApproved
		if hasKind(commands, CmdReleaseFunds) != wantRelease {
			t.Fatalf("%s + cancel: release=%v, want %v", from, !wantRelease, wantRelease)
		}
	}

	// Processing and terminal states cannot be cancelled synchronously.
	for _, from := range []models.FileStatus{
		models.FileStatusProcessing,
		models.FileStatusCompleted,
		models.FileStatusFailed,
		models.FileStatusCancelled,
	} {
		if _, _, err := NextFileState(from, EventCancel); !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("%s + cancel: expected ErrInvalidTransition, got %v", from, err)
		}
	}
}

func TestNextFileState_TerminalStatesAcceptNothing(t *testing.T) {
	events := []TransitionEvent{
		EventBeginValidation, EventValidationPassed, EventValidationFailed,
		EventFirstApproval, EventFinalApproval, EventBeginExecution,
		EventExecutionCompleted, EventExecutionFailed, EventCancel,
	}
	for _, from := range []models.FileStatus{models.FileStatusCompleted, models.FileStatusFailed, models.FileStatusCancelled} {
		for _, event := range events {
			if _, _, err := NextFileState(from, event); !errors.Is(err, ErrInvalidTransition) {
				t.Fatalf("%s + %s: expected ErrInvalidTransition, got %v", from, event, err)
			}
		}
	}
}

func TestCanDeleteFile(t *testing.T) {
	deletable := map[models.FileStatus]bool{
		models.FileStatusDraft:             true,
		models.FileStatusValidating:        false,
		models.FileStatusValidationFailed:  true,
		models.FileStatusAwaitingApproval:  false,
		models.FileStatusPartiallyApproved: false,
		models.FileStatusApproved:          false,
		models.FileStatusProcessing:        false,
		models.FileStatusCompleted:         false,
		models.FileStatusFailed:            false,
		models.FileStatusCancelled:         true,
	}
	for status, want := range deletable {
		if got := CanDeleteFile(status); got != want {
			t.Fatalf("CanDeleteFile(%s) = %v, want %v", status, got, want)
		}
	}
}
