package marketplace

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
)

// Projection is the off-chain job index shared by every actor. Apply and
// Assign take the version the caller read; 0 writes unconditionally.
type Projection interface {
	Publisher
	GetJob(ctx context.Context, jobID string) (Job, error)
	ListJobs(ctx context.Context, chainID uint64) ([]Job, error)
	Apply(ctx context.Context, jobID, applicant string, expectedVersion int64) (Job, error)
	Assign(ctx context.Context, jobID, actor, worker string, expectedVersion int64) (Job, error)
	RecordSubmission(ctx context.Context, sub Submission) (Job, error)
	Submissions(ctx context.Context, jobID string) ([]Submission, error)
	Users(ctx context.Context) ([]Identity, error)
}

// Service runs apply and assign against the projection. Guards are checked
// against a fresh read on every call.
type Service struct {
	projection Projection
}

// NewService wraps a projection.
func NewService(p Projection) *Service {
	return &Service{projection: p}
}

// Jobs lists the jobs funded on the session's active network.
func (s *Service) Jobs(ctx context.Context, sess Session) ([]Job, error) {
	if sess.Networks == nil {
		return nil, fmt.Errorf("session has no network selection")
	}
	return s.projection.ListJobs(ctx, sess.Networks.ActiveProfile().ChainID)
}

// Job reads one job by canonical id.
func (s *Service) Job(ctx context.Context, jobID string) (Job, error) {
	return s.projection.GetJob(ctx, jobID)
}

// Apply adds the session actor to the job's applicants. Applying twice is a
// no-op that returns the current job.
func (s *Service) Apply(ctx context.Context, sess Session, jobID string) (Job, error) {
	job, err := s.projection.GetJob(ctx, jobID)
	if err != nil {
		return Job{}, err
	}
	actor := strings.TrimSpace(sess.Actor.Name)
	_, changed, err := Transition(job, Action{Event: EventApply, Actor: actor})
	if err != nil {
		return job, err
	}
	if !changed {
		return job, nil
	}
	updated, err := s.projection.Apply(ctx, jobID, actor, job.Version)
	if err != nil {
		return job, err
	}
	log.Info().Str("job_id", jobID).Str("applicant", actor).Msg("applied to job")
	return updated, nil
}

// Assign sets worker as the job's assigned worker. The session actor must be
// the client and worker must be a known identity.
func (s *Service) Assign(ctx context.Context, sess Session, jobID, worker string) (Job, error) {
	job, err := s.projection.GetJob(ctx, jobID)
	if err != nil {
		return Job{}, err
	}
	worker = strings.TrimSpace(worker)
	known, err := s.isKnown(ctx, worker)
	if err != nil {
		return job, err
	}
	if !known {
		return job, fmt.Errorf("%w: %q", ErrUnknownIdentity, worker)
	}
	actor := strings.TrimSpace(sess.Actor.Name)
	if _, _, err := Transition(job, Action{Event: EventAssign, Actor: actor, Target: worker}); err != nil {
		return job, err
	}
	updated, err := s.projection.Assign(ctx, jobID, actor, worker, job.Version)
	if err != nil {
		return job, err
	}
	log.Info().Str("job_id", jobID).Str("worker", worker).Msg("job assigned")
	return updated, nil
}

func (s *Service) isKnown(ctx context.Context, name string) (bool, error) {
	if name == "" {
		return false, nil
	}
	users, err := s.projection.Users(ctx)
	if err != nil {
		return false, fmt.Errorf("load identity directory: %w", err)
	}
	for _, u := range users {
		if u.Name == name {
			return true, nil
		}
	}
	return false, nil
}
