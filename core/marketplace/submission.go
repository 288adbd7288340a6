package marketplace

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"escrow-backend/metrics"
)

// Delivery is the package sent to the judge.
type Delivery struct {
	JobID string
	Notes string
	Files []Artifact
}

// Empty reports whether the delivery has neither notes nor files.
func (d Delivery) Empty() bool {
	return strings.TrimSpace(d.Notes) == "" && len(d.Files) == 0
}

// Ruling is the judge's answer for one delivery.
type Ruling struct {
	Verdict Verdict
	Reason  string
	TxHash  string
}

// Judge evaluates deliveries. Any error means no verdict was obtained.
type Judge interface {
	Evaluate(ctx context.Context, d Delivery) (Ruling, error)
}

// SubmitResult is a recorded submission together with the job after it.
type SubmitResult struct {
	Submission Submission
	Job        Job
}

// Pipeline sends deliveries to the judge and records verdicts.
type Pipeline struct {
	projection Projection
	judge      Judge
	metrics    *metrics.Collectors
	now        func() time.Time

	mu       sync.Mutex
	inFlight map[string]bool
}

// NewPipeline wires the projection and judge collaborators. m may be nil.
func NewPipeline(p Projection, j Judge, m *metrics.Collectors) *Pipeline {
	return &Pipeline{
		projection: p,
		judge:      j,
		metrics:    m,
		now:        time.Now,
		inFlight:   make(map[string]bool),
	}
}

// Submit delivers work for jobID on behalf of the session actor. The job is
// not touched until the judge answers: a PASS pays the job, a FAIL leaves it
// resubmittable, and a judge failure records nothing.
func (p *Pipeline) Submit(ctx context.Context, sess Session, jobID, notes string, files []Artifact) (*SubmitResult, error) {
	delivery := Delivery{JobID: jobID, Notes: notes, Files: files}
	if delivery.Empty() {
		return nil, &EmptyDeliveryError{JobID: jobID}
	}

	job, err := p.projection.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	worker := strings.TrimSpace(sess.Actor.Name)
	if _, _, err := Transition(job, Action{Event: EventSubmit, Actor: worker}); err != nil {
		return nil, err
	}

	if !p.claim(jobID) {
		return nil, ErrSubmissionInFlight
	}
	defer p.release(jobID)

	logger := log.With().Str("job_id", jobID).Str("worker", worker).Logger()
	logger.Info().Int("files", len(files)).Msg("sending delivery to judge")

	ruling, err := p.judge.Evaluate(ctx, delivery)
	if err != nil {
		p.metrics.JudgeUnavailable()
		var unavailable *JudgeUnavailableError
		if !errors.As(err, &unavailable) {
			err = &JudgeUnavailableError{JobID: jobID, Cause: err}
		}
		logger.Warn().Err(err).Msg("no verdict obtained")
		return nil, err
	}
	if ruling.Verdict != VerdictPass && ruling.Verdict != VerdictFail {
		p.metrics.JudgeUnavailable()
		return nil, &JudgeUnavailableError{JobID: jobID, Cause: fmt.Errorf("unrecognized verdict %q", ruling.Verdict)}
	}

	sub := Submission{
		ID:             uuid.NewString(),
		ChainJobID:     jobID,
		FreelancerName: worker,
		Notes:          notes,
		Files:          artifactNames(files),
		Verdict:        ruling.Verdict,
		Reason:         ruling.Reason,
		TxHash:         ruling.TxHash,
		CreatedAt:      p.now().UTC(),
	}
	updated, err := p.projection.RecordSubmission(ctx, sub)
	if err != nil {
		logger.Error().Err(err).Str("verdict", string(ruling.Verdict)).Msg("verdict obtained but not recorded")
		return nil, fmt.Errorf("record %s verdict for job %s: %w", ruling.Verdict, jobID, err)
	}
	p.metrics.Verdict(string(ruling.Verdict))
	logger.Info().Str("verdict", string(ruling.Verdict)).Str("tx_hash", ruling.TxHash).Msg("verdict recorded")
	return &SubmitResult{Submission: sub, Job: updated}, nil
}

// History returns the job's submissions, newest first.
func (p *Pipeline) History(ctx context.Context, jobID string) ([]Submission, error) {
	return p.projection.Submissions(ctx, jobID)
}

func (p *Pipeline) claim(jobID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inFlight[jobID] {
		return false
	}
	p.inFlight[jobID] = true
	return true
}

func (p *Pipeline) release(jobID string) {
	p.mu.Lock()
	delete(p.inFlight, jobID)
	p.mu.Unlock()
}

func artifactNames(files []Artifact) []string {
	names := make([]string, 0, len(files))
	for _, f := range files {
		names = append(names, f.Name)
	}
	return names
}
