package dispatcher

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/dbexport/internal/adapter/export"
	"github.com/fairyhunter13/dbexport/internal/config"
	"github.com/fairyhunter13/dbexport/internal/domain"
)

// fakeStore is an in-memory JobStore honoring the lifecycle DAG.
type fakeStore struct {
	mu        sync.Mutex
	jobs      map[int64]*domain.Query
	userCaps  map[int64]int
	reclaimed []string
}

func newFakeStore(jobs ...domain.Query) *fakeStore {
	s := &fakeStore{jobs: map[int64]*domain.Query{}, userCaps: map[int64]int{}}
	for i := range jobs {
		j := jobs[i]
		s.jobs[j.ID] = &j
	}
	return s
}

func (s *fakeStore) Enqueue(_ context.Context, spec domain.QuerySpec) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := int64(len(s.jobs) + 1)
	s.jobs[id] = &domain.Query{ID: id, UserID: spec.UserID, Status: domain.StatusPending}
	return id, nil
}

func (s *fakeStore) ClaimNext(_ context.Context, limits domain.ClaimLimits) (domain.Query, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	active := 0
	perUser := map[int64]int{}
	for _, j := range s.jobs {
		switch j.Status {
		case domain.StatusQueued, domain.StatusRunning, domain.StatusTransferring:
			perUser[j.UserID]++
			if j.Status != domain.StatusQueued {
				active++
			}
		}
	}
	if active >= limits.GlobalCap {
		return domain.Query{}, domain.ErrNoClaimableJob
	}

	var best *domain.Query
	for _, j := range s.jobs {
		if j.Status != domain.StatusPending && j.Status != domain.StatusQueued {
			continue
		}
		cap := limits.DefaultUserCap
		if c, ok := s.userCaps[j.UserID]; ok {
			cap = c
		}
		// A queued candidate does not count against its own user cap,
		// mirroring the store's re-claim of stranded queued rows.
		used := perUser[j.UserID]
		if j.Status == domain.StatusQueued {
			used--
		}
		if used >= cap {
			continue
		}
		if best == nil || j.ID < best.ID {
			best = j
		}
	}
	if best == nil {
		return domain.Query{}, domain.ErrNoClaimableJob
	}
	best.Status = domain.StatusQueued
	best.ClaimedBy = limits.Generation
	return *best, nil
}

func (s *fakeStore) Transition(_ context.Context, id int64, next domain.JobStatus, f domain.TransitionFields) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return domain.ErrNotFound
	}
	if !j.Status.CanTransitionTo(next) {
		return fmt.Errorf("%s -> %s: %w", j.Status, next, domain.ErrInvalidTransition)
	}
	j.Status = next
	if f.ErrorMessage != "" {
		j.ErrorMessage = f.ErrorMessage
	}
	if len(f.Metadata) > 0 {
		if j.ResultMetadata == nil {
			j.ResultMetadata = map[string]any{}
		}
		for k, v := range f.Metadata {
			j.ResultMetadata[k] = v
		}
	}
	return nil
}

func (s *fakeStore) Get(_ context.Context, id int64) (domain.Query, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return domain.Query{}, domain.ErrNotFound
	}
	return *j, nil
}

func (s *fakeStore) List(context.Context, domain.ListFilter) ([]domain.Query, error) {
	return nil, nil
}

func (s *fakeStore) Delete(context.Context, int64) error    { return nil }
func (s *fakeStore) MarkRerun(context.Context, int64) error { return nil }

func (s *fakeStore) ReclaimStale(_ context.Context, generation string, _ time.Duration) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reclaimed = append(s.reclaimed, generation)
	var ids []int64
	for _, j := range s.jobs {
		if j.Status.Terminal() || j.Status == domain.StatusPending {
			continue
		}
		if j.ClaimedBy != generation {
			j.Status = domain.StatusPending
			j.ClaimedBy = ""
			ids = append(ids, j.ID)
		}
	}
	return ids, nil
}

func (s *fakeStore) CurrentCounts(context.Context) (domain.StatusCounts, error) {
	return domain.StatusCounts{}, nil
}

func (s *fakeStore) status(id int64) domain.JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[id]; ok {
		return j.Status
	}
	return ""
}

// fakeSettings serves one settings value for every user.
type fakeSettings struct{ s domain.UserSettings }

func (f *fakeSettings) GetForUser(_ context.Context, userID int64) (domain.UserSettings, error) {
	s := f.s
	s.UserID = userID
	return s, nil
}

// fakeRunner serves fixed rows, or fails with err.
type fakeRunner struct {
	cols  []string
	rows  [][]any
	err   error
	block chan struct{}
}

func (r *fakeRunner) Run(ctx context.Context, _ domain.DBCredentials, _ string) (domain.RowIterator, error) {
	if r.block != nil {
		select {
		case <-r.block:
		case <-ctx.Done():
			return nil, domain.Classify(ctx.Err())
		}
	}
	if r.err != nil {
		return nil, r.err
	}
	return &fixedIterator{cols: r.cols, rows: r.rows}, nil
}

type fixedIterator struct {
	cols []string
	rows [][]any
	pos  int
}

func (it *fixedIterator) Columns() []string { return it.cols }
func (it *fixedIterator) Next() ([]any, error) {
	if it.pos >= len(it.rows) {
		return nil, io.EOF
	}
	row := it.rows[it.pos]
	it.pos++
	return row, nil
}
func (it *fixedIterator) Close() error { return nil }

// fakeTransfer records uploads.
type fakeTransfer struct {
	mu      sync.Mutex
	uploads []domain.UploadSpec
	err     error
}

func (f *fakeTransfer) Upload(_ context.Context, spec domain.UploadSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.uploads = append(f.uploads, spec)
	return spec.RemoteDir + "/" + spec.RemoteFilename, nil
}

func testConfig(t *testing.T) config.Config {
	return config.Config{
		SpoolDir:                  t.TempDir(),
		GlobalMaxParallelQueries:  50,
		DefaultMaxParallelQueries: 3,
		ListenerIntervalSeconds:   1,
		ShutdownGraceSeconds:      5,
		StaleThresholdSeconds:     600,
		QueryTimeoutSeconds:       60,
		ExportChunkSize:           100,
		DefaultExportType:         domain.ExportCSV,
		DefaultExportLocation:     "./exports",
	}
}

func newTestDispatcher(t *testing.T, store *fakeStore, settings domain.UserSettings,
	runner domain.QueryRunner, transfer domain.TransferAgent) *Dispatcher {
	t.Helper()
	cfg := testConfig(t)
	return New(store, &fakeSettings{s: settings}, runner, &export.Factory{ChunkRows: 100}, transfer, cfg)
}

func pendingJob(id, userID int64) domain.Query {
	return domain.Query{
		ID: id, UserID: userID, Status: domain.StatusPending,
		DBUsername: "scott", DBPassword: "tiger",
		DBTNS: "db.internal:1521/ORCL", QueryText: "SELECT 1 FROM dual",
	}
}

func waitStatus(t *testing.T, store *fakeStore, id int64, want domain.JobStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		return store.status(id) == want
	}, 5*time.Second, 10*time.Millisecond, "job %d never reached %s", id, want)
}

func TestDispatcher_CompletesJobWithoutTransfer(t *testing.T) {
	store := newFakeStore(pendingJob(1, 7))
	runner := &fakeRunner{cols: []string{"N"}, rows: [][]any{{int64(1)}, {int64(2)}}}
	d := newTestDispatcher(t, store, domain.UserSettings{MaxParallelQueries: 3}, runner, &fakeTransfer{})

	d.poll(context.Background())
	waitStatus(t, store, 1, domain.StatusCompleted)

	job, err := store.Get(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), job.ResultMetadata[domain.MetaRowCount])
	assert.Equal(t, int64(1), job.ResultMetadata[domain.MetaColumnCount])
	assert.NotEmpty(t, job.ResultMetadata[domain.MetaLocalPath])
	assert.Nil(t, job.ResultMetadata[domain.MetaRemotePath])
}

func TestDispatcher_TransferFlow(t *testing.T) {
	store := newFakeStore(pendingJob(1, 7))
	runner := &fakeRunner{cols: []string{"N"}, rows: [][]any{{int64(1)}}}
	transfer := &fakeTransfer{}
	d := newTestDispatcher(t, store, domain.UserSettings{
		MaxParallelQueries: 3,
		SSHHostname:        "drop.internal", SSHPort: 22,
		SSHUsername: "deploy", SSHPassword: "s3cret",
		ExportLocation: "/srv/exports",
	}, runner, transfer)

	d.poll(context.Background())
	waitStatus(t, store, 1, domain.StatusCompleted)

	job, err := store.Get(context.Background(), 1)
	require.NoError(t, err)
	remote, _ := job.ResultMetadata[domain.MetaRemotePath].(string)
	assert.True(t, strings.HasPrefix(remote, "/srv/exports/query_1_"))

	transfer.mu.Lock()
	defer transfer.mu.Unlock()
	require.Len(t, transfer.uploads, 1)
	assert.Equal(t, "drop.internal", transfer.uploads[0].Host)
	assert.Equal(t, "deploy", transfer.uploads[0].Username)
}

func TestDispatcher_FailureRecordsKindAndRedacts(t *testing.T) {
	store := newFakeStore(pendingJob(1, 7))
	runner := &fakeRunner{err: domain.Errf(domain.KindDBConnect, "connect to db.internal with password tiger refused")}
	d := newTestDispatcher(t, store, domain.UserSettings{MaxParallelQueries: 3}, runner, &fakeTransfer{})

	d.poll(context.Background())
	waitStatus(t, store, 1, domain.StatusFailed)

	job, err := store.Get(context.Background(), 1)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(job.ErrorMessage, "DB_CONNECT:"))
	assert.NotContains(t, job.ErrorMessage, "tiger")
	assert.Contains(t, job.ErrorMessage, "[redacted]")
}

func TestDispatcher_TransferFailureKeepsSpoolPath(t *testing.T) {
	store := newFakeStore(pendingJob(1, 7))
	runner := &fakeRunner{cols: []string{"N"}, rows: [][]any{{int64(1)}}}
	transfer := &fakeTransfer{err: domain.Errf(domain.KindSSHConnect, "dial drop.internal:22: refused")}
	d := newTestDispatcher(t, store, domain.UserSettings{
		MaxParallelQueries: 3, SSHHostname: "drop.internal", SSHPort: 22, SSHUsername: "deploy", SSHPassword: "x",
	}, runner, transfer)

	d.poll(context.Background())
	waitStatus(t, store, 1, domain.StatusFailed)

	job, err := store.Get(context.Background(), 1)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(job.ErrorMessage, "SSH_CONNECT:"))
	assert.NotEmpty(t, job.ResultMetadata[domain.MetaLocalPath])
}

func TestDispatcher_PerUserCapHoldsJobQueued(t *testing.T) {
	store := newFakeStore(pendingJob(1, 7), pendingJob(2, 7))
	store.userCaps[7] = 1
	block := make(chan struct{})
	runner := &fakeRunner{cols: []string{"N"}, block: block}
	d := newTestDispatcher(t, store, domain.UserSettings{MaxParallelQueries: 1}, runner, &fakeTransfer{})

	d.poll(context.Background())
	waitStatus(t, store, 1, domain.StatusRunning)
	assert.Equal(t, domain.StatusPending, store.status(2))

	close(block)
	waitStatus(t, store, 1, domain.StatusCompleted)

	d.poll(context.Background())
	waitStatus(t, store, 2, domain.StatusCompleted)
}

func TestDispatcher_GlobalGateExhausted(t *testing.T) {
	store := newFakeStore(pendingJob(1, 7))
	cfg := testConfig(t)
	cfg.GlobalMaxParallelQueries = 0
	d := New(store, &fakeSettings{s: domain.UserSettings{MaxParallelQueries: 3}},
		&fakeRunner{cols: []string{"N"}}, &export.Factory{}, &fakeTransfer{}, cfg)

	d.poll(context.Background())
	assert.Equal(t, domain.StatusPending, store.status(1))
}

func TestDispatcher_RecoveryReclaimsForeignGeneration(t *testing.T) {
	stuck := pendingJob(1, 7)
	stuck.Status = domain.StatusRunning
	stuck.ClaimedBy = "old-generation"
	store := newFakeStore(stuck)
	d := newTestDispatcher(t, store, domain.UserSettings{MaxParallelQueries: 3},
		&fakeRunner{cols: []string{"N"}}, &fakeTransfer{})

	d.recoverOrphans(context.Background())
	assert.Equal(t, domain.StatusPending, store.status(1))
	assert.Equal(t, []string{d.Generation()}, store.reclaimed)
}

func TestSlots(t *testing.T) {
	s := NewSlots()
	assert.True(t, s.TryAcquire(7, 2))
	assert.True(t, s.TryAcquire(7, 2))
	assert.False(t, s.TryAcquire(7, 2))
	assert.Equal(t, 2, s.InUse(7))

	assert.True(t, s.TryAcquire(8, 1))

	s.Release(7)
	assert.True(t, s.TryAcquire(7, 2))

	s.Release(9)
	assert.Zero(t, s.InUse(9))
}

func TestJitter_StaysNearInterval(t *testing.T) {
	base := 10 * time.Second
	for i := 0; i < 50; i++ {
		j := jitter(base)
		assert.GreaterOrEqual(t, j, 9*time.Second)
		assert.LessOrEqual(t, j, 11*time.Second)
	}
	assert.Equal(t, time.Second, jitter(0))
}

func TestDispatcher_RecoveryIsIdempotent(t *testing.T) {
	stuck := pendingJob(1, 7)
	stuck.Status = domain.StatusTransferring
	stuck.ClaimedBy = "old-generation"
	store := newFakeStore(stuck)
	d := newTestDispatcher(t, store, domain.UserSettings{MaxParallelQueries: 3},
		&fakeRunner{cols: []string{"N"}}, &fakeTransfer{})

	d.recoverOrphans(context.Background())
	first := store.status(1)

	d.recoverOrphans(context.Background())
	assert.Equal(t, first, store.status(1))
	assert.Equal(t, domain.StatusPending, store.status(1))
}

func TestDispatcher_ShutdownCancelsInFlightJob(t *testing.T) {
	store := newFakeStore(pendingJob(1, 7))
	block := make(chan struct{})
	runner := &fakeRunner{cols: []string{"N"}, block: block}
	d := newTestDispatcher(t, store, domain.UserSettings{MaxParallelQueries: 3}, runner, &fakeTransfer{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	waitStatus(t, store, 1, domain.StatusRunning)
	cancel()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("dispatcher did not stop within the grace period")
	}

	waitStatus(t, store, 1, domain.StatusFailed)
	job, err := store.Get(context.Background(), 1)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(job.ErrorMessage, "CANCELED:"))
}

func TestDispatcher_ReclaimsStrandedQueuedJob(t *testing.T) {
	stranded := pendingJob(1, 7)
	stranded.Status = domain.StatusQueued
	stranded.ClaimedBy = "earlier-poll"
	store := newFakeStore(stranded)
	store.userCaps[7] = 1
	runner := &fakeRunner{cols: []string{"N"}, rows: [][]any{{int64(1)}}}
	d := newTestDispatcher(t, store, domain.UserSettings{MaxParallelQueries: 1}, runner, &fakeTransfer{})

	d.poll(context.Background())
	waitStatus(t, store, 1, domain.StatusCompleted)
}
