package marketplace

import (
	"context"
	"sync"
	"time"
)

type fakeProjection struct {
	mu          sync.Mutex
	jobs        map[string]Job
	subs        map[string][]Submission
	users       []Identity
	applyCalls  int
	assignCalls int
}

func newFakeProjection(jobs ...Job) *fakeProjection {
	p := &fakeProjection{
		jobs: make(map[string]Job),
		subs: make(map[string][]Submission),
		users: []Identity{
			{ID: 1, Name: "alice"},
			{ID: 2, Name: "bob"},
			{ID: 3, Name: "carol"},
		},
	}
	for _, j := range jobs {
		p.jobs[j.ChainJobID] = j
	}
	return p
}

func (p *fakeProjection) PublishJob(ctx context.Context, rec JobRecord) (Job, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	job := NewJob(rec, time.Unix(0, 0))
	p.jobs[job.ChainJobID] = job
	return job, nil
}

func (p *fakeProjection) GetJob(ctx context.Context, jobID string) (Job, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	job, ok := p.jobs[jobID]
	if !ok {
		return Job{}, ErrJobNotFound
	}
	return job, nil
}

func (p *fakeProjection) ListJobs(ctx context.Context, chainID uint64) ([]Job, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Job
	for _, j := range p.jobs {
		if j.ChainID == chainID {
			out = append(out, j)
		}
	}
	return out, nil
}

func (p *fakeProjection) update(jobID string, expectedVersion int64, a Action) (Job, error) {
	job, ok := p.jobs[jobID]
	if !ok {
		return Job{}, ErrJobNotFound
	}
	if expectedVersion != 0 && expectedVersion != job.Version {
		return job, ErrVersionConflict
	}
	next, changed, err := Transition(job, a)
	if err != nil || !changed {
		return job, err
	}
	next.Version++
	p.jobs[jobID] = next
	return next, nil
}

func (p *fakeProjection) Apply(ctx context.Context, jobID, applicant string, expectedVersion int64) (Job, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.applyCalls++
	return p.update(jobID, expectedVersion, Action{Event: EventApply, Actor: applicant})
}

func (p *fakeProjection) Assign(ctx context.Context, jobID, actor, worker string, expectedVersion int64) (Job, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.assignCalls++
	return p.update(jobID, expectedVersion, Action{Event: EventAssign, Actor: actor, Target: worker})
}

func (p *fakeProjection) RecordSubmission(ctx context.Context, sub Submission) (Job, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	job, ok := p.jobs[sub.ChainJobID]
	if !ok {
		return Job{}, ErrJobNotFound
	}
	next, err := ApplyVerdict(job, sub.FreelancerName, sub.Verdict, sub.TxHash)
	if err != nil {
		return job, err
	}
	next.Version++
	p.jobs[sub.ChainJobID] = next
	p.subs[sub.ChainJobID] = append([]Submission{sub}, p.subs[sub.ChainJobID]...)
	return next, nil
}

func (p *fakeProjection) Submissions(ctx context.Context, jobID string) ([]Submission, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Submission(nil), p.subs[jobID]...), nil
}

func (p *fakeProjection) Users(ctx context.Context) ([]Identity, error) {
	return p.users, nil
}

type fakeJudge struct {
	mu      sync.Mutex
	ruling  Ruling
	err     error
	calls   int
	started chan struct{}
	release chan struct{}
}

func (j *fakeJudge) Evaluate(ctx context.Context, d Delivery) (Ruling, error) {
	j.mu.Lock()
	j.calls++
	started, release := j.started, j.release
	j.mu.Unlock()
	if started != nil {
		close(started)
	}
	if release != nil {
		<-release
	}
	return j.ruling, j.err
}

func (j *fakeJudge) callCount() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.calls
}
