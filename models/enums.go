package models

import (
	"database/sql/driver"
	"errors"
	"fmt"
)

// FileStatus values are persisted as-is; downstream systems match on the
// exact strings, so never rename them.
type FileStatus string

const (
	FileStatusDraft             FileStatus = "draft"
	FileStatusValidating        FileStatus = "validating"
	FileStatusValidationFailed  FileStatus = "validation_failed"
	FileStatusAwaitingApproval  FileStatus = "awaiting_approval"
	FileStatusPartiallyApproved FileStatus = "partially_approved"
	FileStatusApproved          FileStatus = "approved"
	FileStatusProcessing        FileStatus = "processing"
	FileStatusCompleted         FileStatus = "completed"
	FileStatusFailed            FileStatus = "failed"
	FileStatusCancelled         FileStatus = "cancelled"
)

var fileStatuses = map[string]FileStatus{
	"draft":              FileStatusDraft,
	"validating":         FileStatusValidating,
	"validation_failed":  FileStatusValidationFailed,
	"awaiting_approval":  FileStatusAwaitingApproval,
	"partially_approved": FileStatusPartiallyApproved,
	"approved":           FileStatusApproved,
	"processing":         FileStatusProcessing,
	"completed":          FileStatusCompleted,
	"failed":             FileStatusFailed,
	"cancelled":          FileStatusCancelled,
}

func (s FileStatus) String() string { return string(s) }

func (s FileStatus) Valid() bool {
	_, ok := fileStatuses[string(s)]
	return ok
}

// IsTerminal reports whether no further lifecycle transition is possible.
func (s FileStatus) IsTerminal() bool {
	switch s {
	case FileStatusCompleted, FileStatusFailed, FileStatusCancelled:
		return true
	}
	return false
}

func (s *FileStatus) Scan(value interface{}) error {
	str, ok := coerceEnumString(value)
	if !ok {
		return fmt.Errorf("file status must be string, got %T", value)
	}
	status, ok := fileStatuses[str]
	if !ok {
		return errors.New("invalid file status " + str)
	}
	*s = status
	return nil
}

func (s FileStatus) Value() (driver.Value, error) {
	if !s.Valid() {
		return nil, errors.New("invalid file status " + string(s))
	}
	return string(s), nil
}

type InstructionStatus string

const (
	InstructionStatusPending    InstructionStatus = "pending"
	InstructionStatusProcessing InstructionStatus = "processing"
	InstructionStatusCompleted  InstructionStatus = "completed"
	InstructionStatusFailed     InstructionStatus = "failed"
	InstructionStatusCancelled  InstructionStatus = "cancelled"
)

var instructionStatuses = map[string]InstructionStatus{
	"pending":    InstructionStatusPending,
	"processing": InstructionStatusProcessing,
	"completed":  InstructionStatusCompleted,
	"failed":     InstructionStatusFailed,
	"cancelled":  InstructionStatusCancelled,
}

func (s InstructionStatus) String() string { return string(s) }

func (s InstructionStatus) Valid() bool {
	_, ok := instructionStatuses[string(s)]
	return ok
}

func (s InstructionStatus) IsTerminal() bool {
	switch s {
	case InstructionStatusCompleted, InstructionStatusFailed, InstructionStatusCancelled:
		return true
	}
	return false
}

func (s *InstructionStatus) Scan(value interface{}) error {
	str, ok := coerceEnumString(value)
	if !ok {
		return fmt.Errorf("instruction status must be string, got %T", value)
	}
	status, ok := instructionStatuses[str]
	if !ok {
		return errors.New("invalid instruction status " + str)
	}
	*s = status
	return nil
}

func (s InstructionStatus) Value() (driver.Value, error) {
	if !s.Valid() {
		return nil, errors.New("invalid instruction status " + string(s))
	}
	return string(s), nil
}

func coerceEnumString(value interface{}) (string, bool) {
	switch v := value.(type) {
	case string:
		return v, true
	case []byte:
		return string(v), true
	}
	return "", false
}

// ApprovalOutcome is the persisted result of one approval decision and the
// status field of the approval API response.
type ApprovalOutcome string

const (
	ApprovalOutcomeApproved          ApprovalOutcome = "approved"
	ApprovalOutcomePartiallyApproved ApprovalOutcome = "partially_approved"
	ApprovalOutcomeDenied            ApprovalOutcome = "denied"
)

// DenialReason enumerates why an approval attempt was refused. These are the
// only reasons surfaced to callers; internal errors never leak through here.
type DenialReason string

const (
	DenialReasonWrongTenant       DenialReason = "wrong_tenant"
	DenialReasonWrongState        DenialReason = "wrong_state"
	DenialReasonValidationErrors  DenialReason = "validation_errors"
	DenialReasonSelfApproval      DenialReason = "self_approval"
	DenialReasonLimitExceeded     DenialReason = "limit_exceeded"
	DenialReasonRepeatApprover    DenialReason = "repeat_approver"
	DenialReasonInsufficientFunds DenialReason = "insufficient_funds"
)

// PaymentEventType routes outbox messages to worker handlers and names the
// typed events emitted on terminal transitions.
type PaymentEventType string

const (
	EventFileUploaded          PaymentEventType = "file.uploaded"
	EventFileAwaitingApproval  PaymentEventType = "file.awaiting_approval"
	EventFileValidationFailed  PaymentEventType = "file.validation_failed"
	EventFileApproved          PaymentEventType = "file.approved"
	EventFileCompleted         PaymentEventType = "file.completed"
	EventFileFailed            PaymentEventType = "file.failed"
	EventFileCancelled         PaymentEventType = "file.cancelled"
	EventInstructionFailed     PaymentEventType = "instruction.failed"
	EventFileStuckInProcessing PaymentEventType = "file.stuck_processing"
)
