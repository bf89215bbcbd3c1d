package services

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"filing-analyzer/internal/apperr"
	"filing-analyzer/models"
)

type recordingEvictor struct {
	mu      sync.Mutex
	evicted []string
}

func (r *recordingEvictor) Evict(_ context.Context, docID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evicted = append(r.evicted, docID)
	return nil
}

func (r *recordingEvictor) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.evicted)
}

// gatedEvictor blocks every Evict until release is closed.
type gatedEvictor struct {
	entered chan string
	release chan struct{}
}

func (g *gatedEvictor) Evict(_ context.Context, docID string) error {
	g.entered <- docID
	<-g.release
	return nil
}

func TestEnsureRunsIngestOncePerIdentity(t *testing.T) {
	ic := NewIngestionCacheService(nil, time.Hour, 3)

	var calls atomic.Int32
	release := make(chan struct{})
	ingest := func(ctx context.Context) (*models.DocumentInfo, error) {
		calls.Add(1)
		<-release
		return &models.DocumentInfo{ID: "doc", ChunkCount: 3}, nil
	}

	const callers = 10
	var wg sync.WaitGroup
	results := make([]*models.DocumentInfo, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _, errs[i] = ic.Ensure(context.Background(), "doc", ingest)
		}(i)
	}

	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, 3, results[i].ChunkCount)
	}

	_, hit, err := ic.Ensure(context.Background(), "doc", ingest)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, int32(1), calls.Load())
}

func TestEnsureBoundedRetriesThenPermanentFailure(t *testing.T) {
	ic := NewIngestionCacheService(nil, time.Hour, 2)

	calls := 0
	ingest := func(ctx context.Context) (*models.DocumentInfo, error) {
		calls++
		return nil, apperr.Embedding("embedding service unavailable", nil, true)
	}

	_, _, err := ic.Ensure(context.Background(), "doc", ingest)
	assert.Equal(t, apperr.KindEmbedding, apperr.KindOf(err))
	_, _, err = ic.Ensure(context.Background(), "doc", ingest)
	assert.Equal(t, apperr.KindEmbedding, apperr.KindOf(err))
	assert.Equal(t, 2, calls)

	_, _, err = ic.Ensure(context.Background(), "doc", ingest)
	require.Error(t, err)
	assert.Equal(t, 2, calls, "permanently failed identity must not be re-ingested")
	assert.Equal(t, apperr.KindEmbedding, apperr.KindOf(err))
	assert.False(t, apperr.IsTransient(err))
	assert.Equal(t, "failed", ic.Status("doc").State)
}

func TestProviderTimeoutConsumesAttempt(t *testing.T) {
	ic := NewIngestionCacheService(nil, time.Hour, 2)

	calls := 0
	ingest := func(ctx context.Context) (*models.DocumentInfo, error) {
		calls++
		return nil, apperr.Embedding("embedding service timed out", context.DeadlineExceeded, true)
	}

	for i := 0; i < 6; i++ {
		_, _, err := ic.Ensure(context.Background(), "doc", ingest)
		require.Error(t, err)
	}
	assert.Equal(t, 2, calls, "timeouts inside ingest count against the attempt budget")

	st := ic.Status("doc")
	assert.Equal(t, "failed", st.State)
	assert.Equal(t, 2, st.Attempts)
}

func TestEnsureRetrySucceedsAfterFailure(t *testing.T) {
	ic := NewIngestionCacheService(nil, time.Hour, 3)

	calls := 0
	ingest := func(ctx context.Context) (*models.DocumentInfo, error) {
		calls++
		if calls == 1 {
			return nil, apperr.Fetch("document unreachable", nil, true)
		}
		return &models.DocumentInfo{ID: "doc"}, nil
	}

	_, _, err := ic.Ensure(context.Background(), "doc", ingest)
	require.Error(t, err)

	info, hit, err := ic.Ensure(context.Background(), "doc", ingest)
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, "doc", info.ID)
	assert.Equal(t, "ready", ic.Status("doc").State)
	assert.Equal(t, 2, ic.Status("doc").Attempts)
}

func TestCanceledLeaderReleasesWaiters(t *testing.T) {
	ic := NewIngestionCacheService(nil, time.Hour, 1)

	leaderCtx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	blocking := func(ctx context.Context) (*models.DocumentInfo, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}

	leaderDone := make(chan error, 1)
	go func() {
		_, _, err := ic.Ensure(leaderCtx, "doc", blocking)
		leaderDone <- err
	}()
	<-started

	waiterDone := make(chan error, 1)
	go func() {
		_, _, err := ic.Ensure(context.Background(), "doc", func(ctx context.Context) (*models.DocumentInfo, error) {
			return &models.DocumentInfo{ID: "doc"}, nil
		})
		waiterDone <- err
	}()

	cancel()
	assert.ErrorIs(t, <-leaderDone, context.Canceled)

	select {
	case err := <-waiterDone:
		// The cancellation did not consume the single allowed attempt, so
		// the waiter took over and succeeded.
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter stuck on a canceled ingestion")
	}
	assert.Equal(t, "ready", ic.Status("doc").State)
}

func TestWaiterCancellationDoesNotAffectLeader(t *testing.T) {
	ic := NewIngestionCacheService(nil, time.Hour, 1)

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_, _, _ = ic.Ensure(context.Background(), "doc", func(ctx context.Context) (*models.DocumentInfo, error) {
			close(started)
			<-release
			return &models.DocumentInfo{ID: "doc"}, nil
		})
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, _, err := ic.Ensure(ctx, "doc", nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	require.Eventually(t, func() bool { return ic.Status("doc").State == "ready" }, time.Second, time.Millisecond)
}

func TestPanicResolvesEntry(t *testing.T) {
	ic := NewIngestionCacheService(nil, time.Hour, 1)

	_, _, err := ic.Ensure(context.Background(), "doc", func(ctx context.Context) (*models.DocumentInfo, error) {
		panic("nil map")
	})
	assert.Equal(t, apperr.KindInternal, apperr.KindOf(err))
	assert.Equal(t, "failed", ic.Status("doc").State)
}

func TestExpiredEntryIsEvictedAndReingested(t *testing.T) {
	ev := &recordingEvictor{}
	ic := NewIngestionCacheService(ev, time.Minute, 3)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	ic.now = func() time.Time { return now }

	calls := 0
	ingest := func(ctx context.Context) (*models.DocumentInfo, error) {
		calls++
		return &models.DocumentInfo{ID: "doc"}, nil
	}

	_, _, err := ic.Ensure(context.Background(), "doc", ingest)
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	_, hit, err := ic.Ensure(context.Background(), "doc", ingest)
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, 2, calls)
	assert.Equal(t, 1, ev.count())
}

func TestSweepRemovesOnlyExpired(t *testing.T) {
	ev := &recordingEvictor{}
	ic := NewIngestionCacheService(ev, time.Minute, 3)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	ic.now = func() time.Time { return now }

	ok := func(id string) IngestFunc {
		return func(ctx context.Context) (*models.DocumentInfo, error) { return &models.DocumentInfo{ID: id}, nil }
	}
	_, _, _ = ic.Ensure(context.Background(), "old", ok("old"))
	now = now.Add(50 * time.Second)
	_, _, _ = ic.Ensure(context.Background(), "fresh", ok("fresh"))
	now = now.Add(20 * time.Second)

	assert.Equal(t, 1, ic.Sweep(context.Background()))
	assert.Equal(t, 1, ic.Len())
	assert.Equal(t, "absent", ic.Status("old").State)
	assert.Equal(t, "ready", ic.Status("fresh").State)
	assert.Equal(t, []string{"old"}, ev.evicted)
}

func TestInvalidateEvictsAndAllowsReingest(t *testing.T) {
	ev := &recordingEvictor{}
	ic := NewIngestionCacheService(ev, time.Hour, 1)

	failing := func(ctx context.Context) (*models.DocumentInfo, error) {
		return nil, errors.New("boom")
	}
	_, _, err := ic.Ensure(context.Background(), "doc", failing)
	require.Error(t, err)

	require.NoError(t, ic.Invalidate(context.Background(), "doc"))
	assert.Equal(t, 1, ev.count())

	info, _, err := ic.Ensure(context.Background(), "doc", func(ctx context.Context) (*models.DocumentInfo, error) {
		return &models.DocumentInfo{ID: "doc"}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "doc", info.ID)
}

func TestEvictionDoesNotBlockOtherIdentities(t *testing.T) {
	ev := &gatedEvictor{entered: make(chan string, 1), release: make(chan struct{})}
	ic := NewIngestionCacheService(ev, time.Hour, 3)

	var calls atomic.Int32
	ok := func(id string) IngestFunc {
		return func(ctx context.Context) (*models.DocumentInfo, error) {
			calls.Add(1)
			return &models.DocumentInfo{ID: id}, nil
		}
	}
	_, _, err := ic.Ensure(context.Background(), "a", ok("a"))
	require.NoError(t, err)
	_, _, err = ic.Ensure(context.Background(), "b", ok("b"))
	require.NoError(t, err)

	invalidated := make(chan error, 1)
	go func() { invalidated <- ic.Invalidate(context.Background(), "a") }()
	assert.Equal(t, "a", <-ev.entered)

	other := make(chan error, 1)
	go func() {
		_, _, err := ic.Ensure(context.Background(), "b", ok("b"))
		other <- err
	}()
	select {
	case err := <-other:
		require.NoError(t, err)
	case <-time.After(500 * time.Millisecond):
		t.Fatal("ready identity blocked by an unrelated eviction")
	}
	assert.Equal(t, "absent", ic.Status("a").State)

	same := make(chan *models.DocumentInfo, 1)
	go func() {
		info, _, _ := ic.Ensure(context.Background(), "a", ok("a"))
		same <- info
	}()
	select {
	case <-same:
		t.Fatal("ingestion of an identity ran while it was being evicted")
	case <-time.After(50 * time.Millisecond):
	}

	close(ev.release)
	require.NoError(t, <-invalidated)
	info := <-same
	require.NotNil(t, info)
	assert.Equal(t, "a", info.ID)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, "ready", ic.Status("a").State)
}
