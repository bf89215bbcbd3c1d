package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"filing-analyzer/internal/apperr"
	"filing-analyzer/internal/logger"
	"filing-analyzer/models"
)

type IngestState string

const (
	IngestPending IngestState = "pending"
	IngestReady   IngestState = "ready"
	IngestFailed  IngestState = "failed"
	IngestAbsent  IngestState = "absent"

	// ingestEvicting is internal; Status reports it as absent.
	ingestEvicting IngestState = "evicting"
)

// IngestFunc performs the actual fetch, chunk, embed and index work for one
// document identity.
type IngestFunc func(ctx context.Context) (*models.DocumentInfo, error)

// Evictor drops indexed data when a cache entry expires or is invalidated.
type Evictor interface {
	Evict(ctx context.Context, docID string) error
}

type ingestEntry struct {
	state     IngestState
	attempts  int
	done      chan struct{}
	info      *models.DocumentInfo
	err       error
	expiresAt time.Time
}

// IngestionCacheService guarantees at most one ingestion per document
// identity is in flight. Later callers wait on the in-flight attempt. A
// failed identity may be retried until maxAttempts is reached, after which
// it stays failed until it expires or is invalidated.
type IngestionCacheService struct {
	mu          sync.Mutex
	entries     map[string]*ingestEntry
	evictor     Evictor
	ttl         time.Duration
	maxAttempts int
	now         func() time.Time
}

func NewIngestionCacheService(evictor Evictor, ttl time.Duration, maxAttempts int) *IngestionCacheService {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	return &IngestionCacheService{
		entries:     make(map[string]*ingestEntry),
		evictor:     evictor,
		ttl:         ttl,
		maxAttempts: maxAttempts,
		now:         time.Now,
	}
}

// Ensure returns the ingested document, running ingest if this caller wins
// the race for the identity. The bool is true when the document was made
// Ready by an earlier or concurrent caller.
func (ic *IngestionCacheService) Ensure(ctx context.Context, docID string, ingest IngestFunc) (*models.DocumentInfo, bool, error) {
	for {
		ic.mu.Lock()
		e := ic.entries[docID]
		if e != nil && (e.state == IngestReady || e.state == IngestFailed) && ic.expiredLocked(e) {
			ic.markEvictingLocked(e)
			ic.mu.Unlock()
			ic.finishEvict(ctx, docID, e)
			continue
		}

		switch {
		case e == nil:
			e = &ingestEntry{state: IngestPending, attempts: 1, done: make(chan struct{})}
			ic.entries[docID] = e
			ic.mu.Unlock()
			info, err := ic.run(ctx, docID, e, ingest)
			return info, false, err

		case e.state == IngestReady:
			info := e.info
			ic.mu.Unlock()
			return info, true, nil

		case e.state == IngestPending || e.state == ingestEvicting:
			done := e.done
			ic.mu.Unlock()
			select {
			case <-done:
				// Loop to observe the outcome; a failed attempt may be
				// retried by this caller.
			case <-ctx.Done():
				return nil, false, ctx.Err()
			}

		default: // IngestFailed
			if e.attempts >= ic.maxAttempts {
				lastErr := e.err
				ic.mu.Unlock()
				return nil, false, permanentFailure(docID, e.attempts, lastErr)
			}
			e.state = IngestPending
			e.attempts++
			e.done = make(chan struct{})
			e.err = nil
			ic.mu.Unlock()
			info, err := ic.run(ctx, docID, e, ingest)
			return info, false, err
		}
	}
}

func (ic *IngestionCacheService) run(ctx context.Context, docID string, e *ingestEntry, ingest IngestFunc) (info *models.DocumentInfo, err error) {
	// Whatever happens, the entry leaves Pending and waiters are released.
	defer func() {
		if r := recover(); r != nil {
			err = apperr.Wrap(apperr.KindInternal, "ingestion panicked", fmt.Errorf("%v", r))
			info = nil
		}
		ic.resolve(docID, e, info, err, ctx.Err() != nil)
	}()
	return ingest(ctx)
}

// resolve records the outcome of one attempt. callerGone is set only when
// the leader's own context ended; timeouts inside ingest still count.
func (ic *IngestionCacheService) resolve(docID string, e *ingestEntry, info *models.DocumentInfo, err error, callerGone bool) {
	ic.mu.Lock()
	defer ic.mu.Unlock()

	if err == nil && info != nil {
		e.state = IngestReady
		e.info = info
		e.err = nil
		if ic.ttl > 0 {
			e.expiresAt = ic.now().Add(ic.ttl)
		}
	} else {
		if err == nil {
			err = apperr.New(apperr.KindInternal, "ingestion returned no document")
		}
		e.state = IngestFailed
		e.err = err
		if ic.ttl > 0 {
			e.expiresAt = ic.now().Add(ic.ttl)
		}
		if callerGone {
			// A caller giving up is not evidence the document is bad.
			e.attempts--
		}
		logger.Warn("Ingestion attempt failed", "doc_id", docID, "attempt", e.attempts, "error", err)
	}
	close(e.done)
}

func (ic *IngestionCacheService) expiredLocked(e *ingestEntry) bool {
	if ic.ttl <= 0 || e.expiresAt.IsZero() {
		return false
	}
	return !ic.now().Before(e.expiresAt)
}

// markEvictingLocked parks e so callers of the same identity wait on
// e.done while the store I/O runs without ic.mu held.
func (ic *IngestionCacheService) markEvictingLocked(e *ingestEntry) {
	e.state = ingestEvicting
	e.info = nil
	e.done = make(chan struct{})
}

// finishEvict drops the indexed data, then removes the parked entry and
// releases its waiters. Must be called without ic.mu.
func (ic *IngestionCacheService) finishEvict(ctx context.Context, docID string, e *ingestEntry) error {
	var err error
	if ic.evictor != nil {
		err = ic.evictor.Evict(context.WithoutCancel(ctx), docID)
		if err != nil {
			logger.Error("Failed to evict collection", "doc_id", docID, "error", err)
		}
	}

	ic.mu.Lock()
	if ic.entries[docID] == e {
		delete(ic.entries, docID)
	}
	ic.mu.Unlock()
	close(e.done)
	return err
}

// Invalidate drops the entry and its indexed data. An in-flight ingestion
// or eviction is waited for first so the eviction can't race its Upsert.
func (ic *IngestionCacheService) Invalidate(ctx context.Context, docID string) error {
	for {
		ic.mu.Lock()
		e, ok := ic.entries[docID]
		if ok && (e.state == IngestPending || e.state == ingestEvicting) {
			done := e.done
			ic.mu.Unlock()
			select {
			case <-done:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if !ok {
			// The collection may still be persisted by another process.
			e = &ingestEntry{}
			ic.entries[docID] = e
		}
		ic.markEvictingLocked(e)
		ic.mu.Unlock()
		return ic.finishEvict(ctx, docID, e)
	}
}

// Sweep evicts every expired entry and returns how many were removed.
func (ic *IngestionCacheService) Sweep(ctx context.Context) int {
	ic.mu.Lock()
	expired := make(map[string]*ingestEntry)
	for id, e := range ic.entries {
		if (e.state == IngestReady || e.state == IngestFailed) && ic.expiredLocked(e) {
			ic.markEvictingLocked(e)
			expired[id] = e
		}
	}
	ic.mu.Unlock()

	for id, e := range expired {
		ic.finishEvict(ctx, id, e)
	}
	return len(expired)
}

// Status is a point-in-time snapshot of one identity.
func (ic *IngestionCacheService) Status(docID string) models.IngestStatus {
	ic.mu.Lock()
	defer ic.mu.Unlock()

	st := models.IngestStatus{DocumentID: docID, State: string(IngestAbsent)}
	e, ok := ic.entries[docID]
	if !ok || e.state == ingestEvicting {
		return st
	}
	st.State = string(e.state)
	st.Attempts = e.attempts
	st.Document = e.info
	if !e.expiresAt.IsZero() {
		exp := e.expiresAt
		st.ExpiresAt = &exp
	}
	if e.err != nil {
		if ae, ok := apperr.As(e.err); ok {
			st.LastError = ae.Message
		} else {
			st.LastError = "ingestion failed"
		}
	}
	return st
}

func (ic *IngestionCacheService) Len() int {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	n := 0
	for _, e := range ic.entries {
		if e.state != ingestEvicting {
			n++
		}
	}
	return n
}

func permanentFailure(docID string, attempts int, lastErr error) error {
	if ae, ok := apperr.As(lastErr); ok {
		cp := *ae
		cp.Message = fmt.Sprintf("%s (document %s failed %d ingestion attempts)", ae.Message, docID, attempts)
		cp.Transient = false
		return &cp
	}
	return apperr.Wrap(apperr.KindInternal,
		fmt.Sprintf("document %s failed %d ingestion attempts", docID, attempts), lastErr)
}
