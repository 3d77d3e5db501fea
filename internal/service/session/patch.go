package session

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/flexa/flexa-android-sub000/internal/domain"
	"github.com/flexa/flexa-android-sub000/internal/retry"
	"github.com/flexa/flexa-android-sub000/internal/telemetry"
)

const opPatchSession = "patch_commerce_session"

// Patcher changes the funding asset of a session.
type Patcher interface {
	PatchCommerceSession(ctx context.Context, id, paymentAsset string) (domain.CommerceSession, error)
}

// PatchResult is delivered once per patch that was not superseded or
// cancelled. On failure Previous is the asset to restore.
type PatchResult struct {
	SessionID string
	Asset     string
	Previous  string
	Session   *domain.CommerceSession
	Err       error
}

// AssetPatchCoordinator runs at most one patch per session. Starting a new
// patch for a session cancels the one in flight.
type AssetPatchCoordinator struct {
	api      Patcher
	policy   retry.Policy
	timeout  time.Duration
	reporter ErrorReporter
	deliver  func(PatchResult)
	metrics  *telemetry.Metrics
	logger   *zap.Logger

	mu       sync.Mutex
	inflight map[string]*patchJob
	// wg tracks run goroutines so tests can drain them.
	wg sync.WaitGroup
}

type patchJob struct {
	cancel context.CancelFunc
}

// NewAssetPatchCoordinator builds a coordinator that hands results to deliver.
func NewAssetPatchCoordinator(api Patcher, policy retry.Policy, timeout time.Duration, reporter ErrorReporter, deliver func(PatchResult), metrics *telemetry.Metrics, logger *zap.Logger) *AssetPatchCoordinator {
	if reporter == nil {
		reporter = nopReporter{}
	}
	return &AssetPatchCoordinator{
		api:      api,
		policy:   policy,
		timeout:  timeout,
		reporter: reporter,
		deliver:  deliver,
		metrics:  metrics,
		logger:   logger,
		inflight: make(map[string]*patchJob),
	}
}

// Patch starts moving sessionID to asset. previous is restored by the
// receiver of a failed result.
func (c *AssetPatchCoordinator) Patch(ctx context.Context, sessionID, asset, previous string) {
	jobCtx, cancel := context.WithCancel(ctx)
	job := &patchJob{cancel: cancel}

	c.mu.Lock()
	if running, ok := c.inflight[sessionID]; ok {
		running.cancel()
		c.metrics.AssetPatch("superseded")
	}
	c.inflight[sessionID] = job
	c.mu.Unlock()

	c.wg.Add(1)
	go c.run(jobCtx, job, sessionID, asset, previous)
}

// Cancel stops the patch in flight for sessionID, if any.
func (c *AssetPatchCoordinator) Cancel(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if job, ok := c.inflight[sessionID]; ok {
		job.cancel()
		delete(c.inflight, sessionID)
	}
}

// CancelAll stops every patch in flight. Cancelled patches deliver nothing.
func (c *AssetPatchCoordinator) CancelAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, job := range c.inflight {
		job.cancel()
		delete(c.inflight, id)
	}
}

func (c *AssetPatchCoordinator) run(ctx context.Context, job *patchJob, sessionID, asset, previous string) {
	defer c.wg.Done()
	defer job.cancel()

	session, err := retry.WithTimeout(ctx, opPatchSession, c.timeout, func(ctx context.Context) (domain.CommerceSession, error) {
		return retry.DoNotify(ctx, c.policy, func(ctx context.Context) (domain.CommerceSession, error) {
			return c.api.PatchCommerceSession(ctx, sessionID, asset)
		}, func(err error, wait time.Duration) {
			c.log().Debug("asset patch failed, retrying",
				zap.String("session_id", sessionID),
				zap.String("asset", asset),
				zap.Duration("wait", wait),
				zap.Error(err),
			)
		})
	})

	c.mu.Lock()
	current := c.inflight[sessionID] == job
	if current {
		delete(c.inflight, sessionID)
	}
	c.mu.Unlock()
	if !current {
		return
	}

	result := PatchResult{SessionID: sessionID, Asset: asset, Previous: previous}
	switch {
	case err == nil:
		result.Session = &session
		c.metrics.AssetPatch("ok")
	case domain.IsTimeout(err):
		result.Err = err
		c.metrics.AssetPatch("timeout")
	default:
		result.Err = err
		c.metrics.AssetPatch("failed")
	}
	if result.Err != nil {
		c.log().Warn("asset patch failed",
			zap.String("session_id", sessionID),
			zap.String("asset", asset),
			zap.String("restore", previous),
			zap.Error(result.Err),
		)
		c.reporter.Report(opPatchSession, result.Err)
	}
	if c.deliver != nil {
		c.deliver(result)
	}
}

func (c *AssetPatchCoordinator) log() *zap.Logger {
	if c.logger != nil {
		return c.logger
	}
	return zap.L()
}
