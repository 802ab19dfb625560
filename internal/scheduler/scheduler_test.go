package scheduler

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"finalarm/internal/ingest"
	"finalarm/internal/model"
)

type countingJob struct {
	runs atomic.Int32
	err  error
}

func (j *countingJob) Name() string { return "counting" }

func (j *countingJob) Run() error {
	j.runs.Add(1)
	return j.err
}

func TestAddJobRejectsBadSchedule(t *testing.T) {
	s := New(nil)
	assert.Error(t, s.AddJob("every now and then", &countingJob{}))
	assert.NoError(t, s.AddJob("@every 1h", &countingJob{}))
}

func TestScheduledJobRuns(t *testing.T) {
	s := New(nil)
	job := &countingJob{err: errors.New("boom")}
	require.NoError(t, s.AddJob("@every 1s", job))
	s.Start()
	defer s.Stop()
	assert.Eventually(t, func() bool { return job.runs.Load() >= 1 }, 3*time.Second, 50*time.Millisecond)
}

func TestRunNowReturnsJobError(t *testing.T) {
	job := &countingJob{err: errors.New("boom")}
	assert.EqualError(t, New(nil).RunNow(job), "boom")
	assert.Equal(t, int32(1), job.runs.Load())
}

type fakeEvaluator struct {
	calls int
	err   error
}

func (f *fakeEvaluator) EvaluateNow(ctx context.Context) ([]model.Alert, error) {
	f.calls++
	if _, ok := ctx.Deadline(); !ok {
		return nil, errors.New("no deadline")
	}
	return []model.Alert{{ID: "x"}}, f.err
}

func TestEvaluateJob(t *testing.T) {
	eval := &fakeEvaluator{}
	job := NewEvaluateJob(context.Background(), eval, nil)
	assert.Equal(t, "evaluate", job.Name())
	require.NoError(t, job.Run())
	assert.Equal(t, 1, eval.calls)

	eval.err = errors.New("storage down")
	assert.Error(t, job.Run())
}

type nopSink struct{ batches int }

func (s *nopSink) IngestTransactions(_ context.Context, txns []model.Transaction) (int, []model.Alert, error) {
	s.batches++
	return len(txns), nil, nil
}

func (s *nopSink) UpdateBalance(context.Context, model.AccountState) ([]model.Alert, error) {
	return nil, nil
}

func TestSyncJob(t *testing.T) {
	path := filepath.Join(t.TempDir(), "export.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"balance":"10","transactions":[{"id":"a","amount":"-1"}]}`), 0o644))
	sink := &nopSink{}
	syncer := ingest.NewSyncer(ingest.NewFileSource(path, &ingest.Converter{Loc: time.UTC}), sink, nil)
	job := NewSyncJob(context.Background(), syncer)
	assert.Equal(t, "sync", job.Name())
	require.NoError(t, job.Run())
	assert.Equal(t, 1, sink.batches)
}
