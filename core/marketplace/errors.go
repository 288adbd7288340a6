package marketplace

import (
	"errors"
	"fmt"
	"strings"
)

// Err is a simple string error helper.
type Err string

func (e Err) Error() string { return string(e) }

var (
	ErrJobNotFound         = Err("job not found")
	ErrApplicationsClosed  = Err("job is no longer accepting applications")
	ErrSelfApplication     = Err("client cannot apply to their own job")
	ErrNotClient           = Err("only the job's client can assign it")
	ErrUnknownIdentity     = Err("identity is not known to the marketplace")
	ErrNotAssigned         = Err("job has no assigned worker")
	ErrNotAssignedWorker   = Err("only the assigned worker can submit work")
	ErrJobSettled          = Err("job is already paid")
	ErrJobClosed           = Err("job is closed")
	ErrSubmissionInFlight  = Err("a submission for this job is awaiting a verdict")
	ErrVersionConflict     = Err("job was modified concurrently")
	ErrInvalidTransition   = Err("transition not allowed from current status")
	ErrMissingTitle        = Err("job title is required")
	ErrInvalidAmount       = Err("requested amount must be a positive token amount")
	ErrWalletRequired      = Err("a connected wallet is required")
	ErrChainMismatch       = Err("wallet is on a different chain than the active network")
	ErrDuplicateSubmission = Err("submission already recorded")
	ErrFundingInFlight     = Err("a funding sequence is already running for this session")
)

// StepError ties a funding failure to the step ordinal that failed.
type StepError struct {
	Step int
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %d/3: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// UnsupportedChainError means the wallet cannot add the requested chain and
// the network must be added manually.
type UnsupportedChainError struct {
	ChainID    uint64
	HexChainID string
	Cause      error
}

func (e *UnsupportedChainError) Error() string {
	return fmt.Sprintf("wallet does not support chain %d (%s): add the network manually", e.ChainID, e.HexChainID)
}

func (e *UnsupportedChainError) Unwrap() error { return e.Cause }

// TransactionRejectedError means the signer declined or the chain reverted.
// No funds moved for the failing step.
type TransactionRejectedError struct {
	Step   int
	TxHash string
	Cause  error
}

func (e *TransactionRejectedError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("transaction %s rejected: %v", e.TxHash, e.Cause)
	}
	return fmt.Sprintf("transaction rejected: %v", e.Cause)
}

func (e *TransactionRejectedError) Unwrap() error { return e.Cause }

// ProjectionPublishError means funds are locked on-chain but the job was not
// indexed. Record can be passed to Orchestrator.RetryPublish.
type ProjectionPublishError struct {
	Record JobRecord
	Cause  error
}

func (e *ProjectionPublishError) Error() string {
	return fmt.Sprintf("job %s funded on chain %d but not published: %v", e.Record.ChainJobID, e.Record.ChainID, e.Cause)
}

func (e *ProjectionPublishError) Unwrap() error { return e.Cause }

// EmptyDeliveryError rejects a submission with neither notes nor files.
type EmptyDeliveryError struct {
	JobID string
}

func (e *EmptyDeliveryError) Error() string {
	return fmt.Sprintf("job %s: delivery needs notes or at least one file", e.JobID)
}

// JudgeUnavailableError means no verdict was obtained. Job state is unchanged
// and no submission was recorded.
type JudgeUnavailableError struct {
	JobID string
	Cause error
}

func (e *JudgeUnavailableError) Error() string {
	return fmt.Sprintf("judge unavailable for job %s: %v", e.JobID, e.Cause)
}

func (e *JudgeUnavailableError) Unwrap() error { return e.Cause }

// StatusText renders err the way progress displays show failures.
func StatusText(err error) string {
	msg := err.Error()
	if strings.HasPrefix(msg, "Error:") {
		return msg
	}
	return "Error: " + msg
}

var errorCodes = map[Err]string{
	ErrJobNotFound:         "job_not_found",
	ErrApplicationsClosed:  "applications_closed",
	ErrSelfApplication:     "self_application",
	ErrNotClient:           "not_client",
	ErrUnknownIdentity:     "unknown_identity",
	ErrNotAssigned:         "not_assigned",
	ErrNotAssignedWorker:   "not_assigned_worker",
	ErrJobSettled:          "job_settled",
	ErrJobClosed:           "job_closed",
	ErrSubmissionInFlight:  "submission_in_flight",
	ErrVersionConflict:     "version_conflict",
	ErrInvalidTransition:   "invalid_transition",
	ErrMissingTitle:        "missing_title",
	ErrInvalidAmount:       "invalid_amount",
	ErrDuplicateSubmission: "duplicate_submission",
}

// ErrorCode returns the wire code of the first marketplace sentinel in err's
// chain, or "" if there is none.
func ErrorCode(err error) string {
	for sentinel, code := range errorCodes {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return ""
}

// ErrorForCode maps a wire code back to its sentinel.
func ErrorForCode(code string) (error, bool) {
	for sentinel, c := range errorCodes {
		if c == code {
			return sentinel, true
		}
	}
	return nil, false
}
