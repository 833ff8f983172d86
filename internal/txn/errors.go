package txn

import (
	"errors"
	"fmt"
	"os"

	"github.com/ryotapoi/mdrename/internal/store"
)

// Code classifies a failed rename for callers.
type Code string

const (
	CodeFileNotFound      Code = "FILE_NOT_FOUND"
	CodeFileExists        Code = "FILE_EXISTS"
	CodeInvalidPath       Code = "INVALID_PATH"
	CodePermissionDenied  Code = "PERMISSION_DENIED"
	CodePlanFailed        Code = "TRANSACTION_PLAN_FAILED"
	CodePrepareFailed     Code = "TRANSACTION_PREPARE_FAILED"
	CodeValidateFailed    Code = "TRANSACTION_VALIDATE_FAILED"
	CodeCommitFailed      Code = "TRANSACTION_COMMIT_FAILED"
	CodeRollbackFailed    Code = "TRANSACTION_ROLLBACK_FAILED"
	CodeStaleContent      Code = "TRANSACTION_STALE_CONTENT"
	CodeTransactionFailed Code = "TRANSACTION_FAILED"
	CodeUnknown           Code = "UNKNOWN_ERROR"
)

var (
	// ErrInvalidPath reports a path that cannot be renamed from or to.
	ErrInvalidPath = errors.New("invalid path")
	// ErrNameCollision reports another note already using the new name.
	ErrNameCollision = errors.New("another note already has this name")
	// ErrStaleContent reports a source modified after planning.
	ErrStaleContent = errors.New("source changed since the rename was planned")
)

// Step names the part of the protocol an error came from.
type Step string

const (
	StepPlan     Step = "plan"
	StepPrepare  Step = "prepare"
	StepValidate Step = "validate"
	StepCommit   Step = "commit"
	StepCleanup  Step = "cleanup"
	StepRollback Step = "rollback"
	StepRecover  Step = "recover"
)

// Error is returned by Manager operations. Extract it with errors.As.
type Error struct {
	Code          Code
	Phase         Step
	TransactionID string
	Err           error
	// Rollback is set when a rollback ran.
	Rollback *RollbackReport
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %v", e.Phase, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Suggestion returns a short hint for the user.
func (e *Error) Suggestion() string {
	return suggestion(e.Code)
}

// CodeOf returns the code carried by err, or CodeUnknown.
func CodeOf(err error) Code {
	var te *Error
	if errors.As(err, &te) {
		return te.Code
	}
	return CodeUnknown
}

func suggestion(c Code) string {
	switch c {
	case CodeFileNotFound:
		return "Check that the source path exists and is relative to the vault root."
	case CodeFileExists:
		return "Choose a different name or move the existing note out of the way first."
	case CodeInvalidPath:
		return `Use vault-relative .md paths; names must not contain * " : < > ? | # ^ [ ] \.`
	case CodePermissionDenied:
		return "Check file permissions in the vault."
	case CodePlanFailed:
		return "Nothing was changed. Check that the vault is readable and retry."
	case CodePrepareFailed:
		return "Nothing was changed. Check space and permissions of the state directory, then retry."
	case CodeValidateFailed:
		return "Nothing was changed. Retry the rename."
	case CodeStaleContent:
		return "The note was modified during the rename. Nothing was changed; retry once edits have settled."
	case CodeCommitFailed:
		return "The rename was rolled back. Close programs that may lock vault files and retry."
	case CodeRollbackFailed:
		return "Rollback was incomplete. Inspect the listed files and run `mdrename recover --list`."
	case CodeTransactionFailed:
		return "Retry the rename."
	default:
		return "Retry with --verbose for details."
	}
}

// classify maps input and storage errors to a code, falling back to def.
func classify(err error, def Code) Code {
	switch {
	case errors.Is(err, ErrInvalidPath), errors.Is(err, store.ErrPathEscape):
		return CodeInvalidPath
	case errors.Is(err, ErrNameCollision), errors.Is(err, os.ErrExist):
		return CodeFileExists
	case errors.Is(err, os.ErrNotExist):
		return CodeFileNotFound
	case errors.Is(err, os.ErrPermission):
		return CodePermissionDenied
	case errors.Is(err, ErrStaleContent):
		return CodeStaleContent
	}
	return def
}
