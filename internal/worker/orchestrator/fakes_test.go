package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/clipper/internal/worker/domain"
	"github.com/cuongbtq/clipper/internal/worker/workflow"
)

type transition struct {
	from, to domain.JobStatus
}

type memJobStore struct {
	mu          sync.Mutex
	jobs        map[string]*domain.Job
	credits     map[string]int64
	ledger      map[string]bool
	transitions []transition
}

func newMemJobStore() *memJobStore {
	return &memJobStore{
		jobs:    make(map[string]*domain.Job),
		credits: make(map[string]int64),
		ledger:  make(map[string]bool),
	}
}

func (s *memJobStore) addJob(id, owner, key string, credits int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[id] = &domain.Job{ID: id, OwnerID: owner, StorageKey: key, Status: domain.JobStatusQueued, CreatedAt: time.Now()}
	s.credits[owner] = credits
}

func (s *memJobStore) status(id string) domain.JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs[id].Status
}

func (s *memJobStore) balance(owner string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.credits[owner]
}

func (s *memJobStore) GetJob(_ context.Context, jobID string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	cp := *job
	return &cp, nil
}

func (s *memJobStore) LoadAdmission(_ context.Context, jobID string) (*domain.Admission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	return &domain.Admission{
		JobID:      job.ID,
		OwnerID:    job.OwnerID,
		StorageKey: job.StorageKey,
		Credits:    s.credits[job.OwnerID],
	}, nil
}

func (s *memJobStore) setLocked(job *domain.Job, to domain.JobStatus) error {
	if !domain.CanTransition(job.Status, to) {
		return &domain.TransitionError{JobID: job.ID, From: job.Status, To: to}
	}
	s.transitions = append(s.transitions, transition{from: job.Status, to: to})
	job.Status = to
	return nil
}

func (s *memJobStore) Admit(_ context.Context, jobID string, hasCredit bool) (domain.JobStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job := s.jobs[jobID]
	if job.Status != domain.JobStatusQueued {
		return job.Status, nil
	}
	to := domain.JobStatusNoCredits
	if hasCredit && s.credits[job.OwnerID] > 0 {
		to = domain.JobStatusProcessing
	}
	return to, s.setLocked(job, to)
}

func (s *memJobStore) TransitionStatus(_ context.Context, jobID string, to domain.JobStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job := s.jobs[jobID]
	if job.Status == to {
		return nil
	}
	return s.setLocked(job, to)
}

func (s *memJobStore) ConsumeCredit(_ context.Context, jobID, ownerID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ledger[jobID] {
		return false, nil
	}
	s.ledger[jobID] = true
	if s.credits[ownerID] > 0 {
		s.credits[ownerID]--
	}
	return true, nil
}

type memArtifactStore struct {
	mu        sync.Mutex
	artifacts map[string][]string
	failNext  int
}

func newMemArtifactStore() *memArtifactStore {
	return &memArtifactStore{artifacts: make(map[string][]string)}
}

func (s *memArtifactStore) keys(jobID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.artifacts[jobID]...)
}

func (s *memArtifactStore) ListArtifactKeys(_ context.Context, jobID string) ([]string, error) {
	return s.keys(jobID), nil
}

func (s *memArtifactStore) CreateArtifacts(_ context.Context, jobID string, keys []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext > 0 {
		s.failNext--
		return 0, errors.New("insert failed")
	}
	created := 0
	for _, k := range keys {
		dup := false
		for _, existing := range s.artifacts[jobID] {
			if existing == k {
				dup = true
				break
			}
		}
		if !dup {
			s.artifacts[jobID] = append(s.artifacts[jobID], k)
			created++
		}
	}
	return created, nil
}

type permanentErr struct{}

func (permanentErr) Error() string   { return "processing endpoint returned status 400" }
func (permanentErr) Permanent() bool { return true }

type fakeDispatcher struct {
	mu       sync.Mutex
	calls    map[string]int
	failWith error
	fails    int
	onCall   func(storageKey string)
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{calls: make(map[string]int)}
}

func (d *fakeDispatcher) count(key string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[key]
}

func (d *fakeDispatcher) total() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, c := range d.calls {
		n += c
	}
	return n
}

func (d *fakeDispatcher) Dispatch(_ context.Context, storageKey string) (int, error) {
	d.mu.Lock()
	d.calls[storageKey]++
	fail := d.failWith != nil && (d.fails < 0 || d.calls[storageKey] <= d.fails)
	hook := d.onCall
	d.mu.Unlock()

	if hook != nil {
		hook(storageKey)
	}
	if fail {
		return 0, d.failWith
	}
	return 200, nil
}

type fakeLister struct {
	mu       sync.Mutex
	objects  []string
	prefixes []string
	err      error
}

func (l *fakeLister) List(_ context.Context, prefix string) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prefixes = append(l.prefixes, prefix)
	if l.err != nil {
		return nil, l.err
	}
	var out []string
	for _, k := range l.objects {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			out = append(out, k)
		}
	}
	return out, nil
}

type harness struct {
	jobs        *memJobStore
	artifacts   *memArtifactStore
	dispatcher  *fakeDispatcher
	lister      *fakeLister
	checkpoints *workflow.MemoryStore
	cfg         *Config
}

func newHarness() *harness {
	h := &harness{
		jobs:        newMemJobStore(),
		artifacts:   newMemArtifactStore(),
		dispatcher:  newFakeDispatcher(),
		lister:      &fakeLister{},
		checkpoints: workflow.NewMemoryStore(),
	}
	h.cfg = &Config{
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		Jobs:        h.jobs,
		Artifacts:   h.artifacts,
		Dispatcher:  h.dispatcher,
		Lister:      h.lister,
		Locker:      NewLocalLocker(),
		Checkpoints: h.checkpoints,
		Policies: Policies{
			Admission: workflow.RetryPolicy{MaxRetries: 2},
			Dispatch:  workflow.RetryPolicy{MaxRetries: 1},
			Reconcile: workflow.RetryPolicy{MaxRetries: 1},
		},
		ConsumeCredits: true,
	}
	return h
}

func (h *harness) orchestrator() *Orchestrator {
	return New(h.cfg)
}

var errTimeout = fmt.Errorf("failed to call processing endpoint: %w", context.DeadlineExceeded)
