package marketplace

import (
	"fmt"
	"strings"
)

// Event is an input to the job state machine.
type Event string

const (
	EventApply            Event = "apply"
	EventAssign           Event = "assign"
	EventSubmit           Event = "submit"
	EventVerdictPass      Event = "verdict_pass"
	EventVerdictFail      Event = "verdict_fail"
	EventJudgeUnavailable Event = "judge_unavailable"
	EventRefund           Event = "refund"
	EventSettle           Event = "settle"
)

// Action is one event raised by an actor. Target names the worker for assign.
// SettlementTx is the release reference carried by a PASS verdict.
type Action struct {
	Event        Event
	Actor        string
	Target       string
	SettlementTx string
}

// Transition applies a to job and returns the next projection. changed is
// false when the action is a legal no-op (re-applying). Guards are evaluated
// against the job passed in; nothing is cached between calls.
func Transition(job Job, a Action) (next Job, changed bool, err error) {
	next = job
	actor := strings.TrimSpace(a.Actor)

	switch a.Event {
	case EventApply:
		if job.Status != StatusOpen {
			return job, false, ErrApplicationsClosed
		}
		if actor == "" {
			return job, false, ErrUnknownIdentity
		}
		if job.IsClient(actor) {
			return job, false, ErrSelfApplication
		}
		if job.HasApplicant(actor) {
			return job, false, nil
		}
		next.Applicants = append(append([]string(nil), job.Applicants...), actor)
		return next, true, nil

	case EventAssign:
		if job.Status != StatusOpen {
			return job, false, invalid(job.Status, a.Event)
		}
		if !job.IsClient(actor) {
			return job, false, ErrNotClient
		}
		target := strings.TrimSpace(a.Target)
		if target == "" {
			return job, false, ErrUnknownIdentity
		}
		next.FreelancerName = target
		next.Status = StatusAssigned
		return next, true, nil

	case EventSubmit:
		switch job.Status {
		case StatusAssigned:
		case StatusPaid:
			return job, false, ErrJobSettled
		case StatusRefunded:
			return job, false, ErrJobClosed
		case StatusReviewing:
			return job, false, ErrSubmissionInFlight
		case StatusOpen:
			return job, false, ErrNotAssigned
		default:
			return job, false, invalid(job.Status, a.Event)
		}
		if !job.IsAssignedWorker(actor) {
			return job, false, ErrNotAssignedWorker
		}
		next.Status = StatusReviewing
		return next, true, nil

	case EventVerdictPass:
		if job.Status != StatusReviewing {
			return job, false, invalid(job.Status, a.Event)
		}
		next.Status = StatusPaid
		next.SettlementTxHash = a.SettlementTx
		return next, true, nil

	case EventVerdictFail, EventJudgeUnavailable:
		if job.Status != StatusReviewing {
			return job, false, invalid(job.Status, a.Event)
		}
		next.Status = StatusAssigned
		return next, true, nil

	case EventRefund:
		if job.Status.Terminal() {
			return job, false, ErrJobClosed
		}
		next.Status = StatusRefunded
		return next, true, nil

	// The escrow released funds outside the pipeline; chain state wins.
	case EventSettle:
		switch job.Status {
		case StatusPaid:
			return job, false, nil
		case StatusRefunded:
			return job, false, ErrJobClosed
		}
		next.Status = StatusPaid
		if a.SettlementTx != "" {
			next.SettlementTxHash = a.SettlementTx
		}
		return next, true, nil

	default:
		return job, false, fmt.Errorf("%w: unknown event %q", ErrInvalidTransition, a.Event)
	}
}

func invalid(from Status, ev Event) error {
	return fmt.Errorf("%w: %s from %s", ErrInvalidTransition, ev, from)
}

// ApplyVerdict runs submit followed by the verdict for job, as one step.
// Stores use it to write back a judged submission atomically.
func ApplyVerdict(job Job, worker string, verdict Verdict, settlementTx string) (Job, error) {
	reviewing, _, err := Transition(job, Action{Event: EventSubmit, Actor: worker})
	if err != nil {
		return job, err
	}
	ev := EventVerdictFail
	if verdict == VerdictPass {
		ev = EventVerdictPass
	} else if verdict != VerdictFail {
		return job, fmt.Errorf("%w: unknown verdict %q", ErrInvalidTransition, verdict)
	}
	next, _, err := Transition(reviewing, Action{Event: ev, Actor: worker, SettlementTx: settlementTx})
	if err != nil {
		return job, err
	}
	return next, nil
}
