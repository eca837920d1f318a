package chartmeta

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

type refreshJob struct {
	gen   uint64
	req   RefreshRequest
	apply func(*Dataset, error)
}

// refreshCoordinator keeps at most one refresh in flight per session.
// Requests made meanwhile collapse into one pending job (latest wins) that
// starts when the running one returns. Only the latest job's result is
// applied; superseded results are dropped.
type refreshCoordinator struct {
	mu         sync.Mutex
	refresher  DatasetRefresher
	logger     *zap.SugaredLogger
	ctx        context.Context
	cancel     context.CancelFunc
	generation uint64
	inFlight   bool
	pending    *refreshJob
	closed     bool
	wg         sync.WaitGroup
}

func newRefreshCoordinator(refresher DatasetRefresher, logger *zap.SugaredLogger) *refreshCoordinator {
	ctx, cancel := context.WithCancel(context.Background())
	return &refreshCoordinator{refresher: refresher, logger: logger, ctx: ctx, cancel: cancel}
}

// request reports false when the coordinator cannot run refreshes.
func (rc *refreshCoordinator) request(req RefreshRequest, apply func(*Dataset, error)) bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.closed || rc.refresher == nil {
		return false
	}
	rc.generation++
	job := &refreshJob{gen: rc.generation, req: req, apply: apply}
	if rc.inFlight {
		rc.pending = job
		return true
	}
	rc.inFlight = true
	rc.start(job)
	return true
}

// start must be called with rc.mu held.
func (rc *refreshCoordinator) start(job *refreshJob) {
	rc.wg.Add(1)
	go func() {
		defer rc.wg.Done()
		ds, err := rc.refresher.Refresh(rc.ctx, job.req)
		rc.finish(job, ds, err)
	}()
}

func (rc *refreshCoordinator) finish(job *refreshJob, ds *Dataset, err error) {
	rc.mu.Lock()
	current := job.gen == rc.generation && !rc.closed
	next := rc.pending
	rc.pending = nil
	if next != nil && !rc.closed {
		rc.start(next)
	} else {
		rc.inFlight = false
	}
	rc.mu.Unlock()

	if !current {
		rc.logger.Debugf("refresh %d dropped: %v", job.gen, ErrStaleRefresh)
		return
	}
	job.apply(ds, err)
}

func (rc *refreshCoordinator) wait() {
	rc.wg.Wait()
}

func (rc *refreshCoordinator) close() {
	rc.mu.Lock()
	rc.closed = true
	rc.pending = nil
	rc.mu.Unlock()
	rc.cancel()
	rc.wg.Wait()
}
