package cron

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/opsdesk/opsdesk-backend/pkg/logger"
)

type fakeLock struct {
	held  bool
	busy  bool
	skips int
}

func (f *fakeLock) Acquire(context.Context) (bool, error) {
	if f.busy || f.held {
		f.skips++
		return false, nil
	}
	f.held = true
	return true, nil
}

func (f *fakeLock) Release(context.Context) error { f.held = false; return nil }

type testJob struct {
	name   string
	err    error
	panics bool
	runs   int
}

func (t *testJob) Name() string { return t.name }

func (t *testJob) Run(context.Context) error {
	t.runs++
	if t.panics {
		panic("sweeper blew up")
	}
	return t.err
}

func cronTestService(t *testing.T, lock Lock, jobs ...Job) *Service {
	t.Helper()
	service, err := NewService(ServiceParams{
		Logger:   logger.New(logger.Options{ServiceName: "cron-test", Output: io.Discard}),
		Registry: NewRegistry(jobs...),
		Lock:     lock,
	})
	if err != nil {
		t.Fatalf("construct service: %v", err)
	}
	return service
}

func TestRunCycleRunsAllJobsEvenOnFailure(t *testing.T) {
	success := &testJob{name: "sweep"}
	failure := &testJob{name: "fail", err: errors.New("boom")}
	service := cronTestService(t, &fakeLock{}, success, failure)

	if err := service.runCycle(context.Background()); err != nil {
		t.Fatalf("run cycle: %v", err)
	}
	if success.runs != 1 || failure.runs != 1 {
		t.Fatalf("expected both jobs to run once, got %d and %d", success.runs, failure.runs)
	}
}

func TestRunCycleContainsPanickingJob(t *testing.T) {
	angry := &testJob{name: "angry", panics: true}
	calm := &testJob{name: "calm"}
	service := cronTestService(t, &fakeLock{}, angry, calm)

	if err := service.runCycle(context.Background()); err != nil {
		t.Fatalf("run cycle: %v", err)
	}
	if calm.runs != 1 {
		t.Fatalf("panic in one job must not stop the next; calm ran %d times", calm.runs)
	}
}

func TestRunCycleSkipsWhenAnotherInstanceHoldsLock(t *testing.T) {
	job := &testJob{name: "sweep"}
	lock := &fakeLock{busy: true}
	service := cronTestService(t, lock, job)

	if err := service.runCycle(context.Background()); err != nil {
		t.Fatalf("run cycle: %v", err)
	}
	if job.runs != 0 {
		t.Fatalf("job must not run without the lock, ran %d times", job.runs)
	}
	if lock.skips != 1 {
		t.Fatalf("expected one skipped acquire, got %d", lock.skips)
	}
}
