package attribution

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/cryptogarden/attribution/internal/attribution/remote"
	"github.com/cryptogarden/attribution/internal/metrics"
	pkgerrors "github.com/cryptogarden/attribution/pkg/errors"
)

// Store is durable persistence for the single in-flight progress record.
type Store interface {
	Load(ctx context.Context) (ReferralProgress, error)
	Save(ctx context.Context, p ReferralProgress) error
	Delete(ctx context.Context) error
}

// RemoteClient issues the three calls against the remote attribution service.
type RemoteClient interface {
	TrackClick(ctx context.Context, req remote.TrackClickRequest) (remote.TrackClickResponse, error)
	CheckStatus(ctx context.Context, wallet string) (remote.StatusResponse, error)
	RegisterConversion(ctx context.Context, req remote.RegisterRequest) (remote.RegisterResponse, error)
}

// Mirror exposes the referral code and tracked flag to processes that issue
// their own server requests. Mirrored while step >= click_tracked, cleared
// on terminal states.
type Mirror interface {
	Set(ctx context.Context, code string, tracked bool) error
	Clear(ctx context.Context) error
}

// Orchestrator owns the progress record and is the only component allowed to
// call the remote service. The three trigger sources (inbound code, wallet
// connection, retry timer) are serialized by an in-memory busy flag: while
// one operation is in flight every other trigger returns immediately.
type Orchestrator struct {
	store   Store
	remote  RemoteClient
	mirror  Mirror
	policy  RetryPolicy
	metrics *metrics.Recorder
	log     *zap.Logger

	busy atomic.Bool

	mu          sync.Mutex
	progress    *ReferralProgress
	lastWallet  string
	referrerURL string
}

// NewOrchestrator creates an orchestrator. metrics may be nil.
func NewOrchestrator(store Store, client RemoteClient, mirror Mirror, policy RetryPolicy, rec *metrics.Recorder, log *zap.Logger) *Orchestrator {
	return &Orchestrator{
		store:   store,
		remote:  client,
		mirror:  mirror,
		policy:  policy,
		metrics: rec,
		log:     log.With(zap.String("module", "orchestrator")),
	}
}

// Resume loads persisted progress on startup so an interrupted workflow
// carries on where it left off.
func (o *Orchestrator) Resume(ctx context.Context) error {
	if !o.acquire() {
		return pkgerrors.ErrBusy
	}
	defer o.release()

	p, err := o.store.Load(ctx)
	if err != nil {
		if errors.Is(err, pkgerrors.ErrNotFound) {
			o.log.Debug("no persisted progress to resume")
			return nil
		}
		return pkgerrors.Wrap(err, "failed to load persisted progress")
	}

	o.setProgress(&p)
	o.log.Info("resumed referral progress",
		zap.String("code", p.ReferralCode),
		zap.String("step", string(p.Step)))
	return nil
}

// OnReferralCode handles the inbound-code trigger. Invalid codes are
// silently ignored. An existing non-terminal record for a different code is
// preserved: first-touch attribution wins until that workflow finishes or is
// cleared.
func (o *Orchestrator) OnReferralCode(ctx context.Context, code string, utm UTM, referrerURL, landingPage string) error {
	if !ValidCode(code) {
		o.log.Debug("ignoring malformed referral code", zap.String("code", code))
		return nil
	}
	if !o.acquire() {
		o.log.Debug("inbound-code trigger dropped, operation in flight")
		return nil
	}
	defer o.release()

	p := o.loadLocked(ctx)
	if p != nil && !p.Terminal() && p.ReferralCode != code {
		o.log.Info("keeping first-touch attribution",
			zap.String("existing_code", p.ReferralCode),
			zap.String("inbound_code", code))
		return nil
	}

	if p == nil || p.Terminal() {
		fresh := NewProgress(code, utm, landingPage)
		p = &fresh
		if err := o.persist(ctx, p); err != nil {
			return err
		}
		o.log.Info("referral progress initialized", zap.String("code", code))
	}

	o.mu.Lock()
	o.referrerURL = referrerURL
	o.mu.Unlock()

	if p.NextOperation() == OpTrackClick && o.policy.ShouldRetry(*p, OpTrackClick, time.Now()) {
		o.attemptTrackClick(ctx, p, referrerURL)
	}
	return nil
}

// OnWalletConnected handles the account-connected trigger. The signal is
// deduplicated against the previously observed wallet for this runtime
// session. Before registering the conversion, the remote status is checked:
// an already-attributed wallet terminates the workflow with no registration.
func (o *Orchestrator) OnWalletConnected(ctx context.Context, address string) error {
	if address == "" {
		return nil
	}
	o.mu.Lock()
	duplicate := address == o.lastWallet
	o.mu.Unlock()
	if duplicate {
		o.log.Debug("duplicate wallet signal dropped", zap.String("wallet", address))
		return nil
	}

	if !o.acquire() {
		o.log.Debug("wallet trigger dropped, operation in flight", zap.String("wallet", address))
		return nil
	}
	defer o.release()

	o.mu.Lock()
	o.lastWallet = address
	o.mu.Unlock()

	p := o.loadLocked(ctx)
	if p == nil || p.Terminal() {
		o.log.Debug("wallet connected with no active attribution", zap.String("wallet", address))
		return nil
	}

	next, err := p.WithWalletConnected(address)
	if err != nil {
		o.log.Error("wallet conflicts with attributed progress",
			zap.String("bound_wallet", p.WalletAddress),
			zap.String("wallet", address),
			zap.Error(err))
		return err
	}
	if err := o.persist(ctx, &next); err != nil {
		return err
	}

	// A wallet can show up before the click is tracked (e.g. the tracking
	// call is still failing). The address is recorded above; registration
	// waits until the click step has been won.
	if next.NextOperation() != OpRegisterConversion {
		return nil
	}
	return o.attemptRegister(ctx, &next, true)
}

// Tick is the retry-timer trigger. It re-derives the next operation and
// re-attempts it when the retry policy permits, reusing the known wallet.
func (o *Orchestrator) Tick(ctx context.Context) error {
	if !o.acquire() {
		return nil
	}
	defer o.release()

	p := o.loadLocked(ctx)
	if p == nil || p.Terminal() {
		return nil
	}
	o.mu.Lock()
	referrerURL := o.referrerURL
	o.mu.Unlock()

	now := time.Now()
	if p.LastError != nil && !o.policy.ShouldRetry(*p, p.LastError.Operation, now) {
		return nil
	}
	// Without a recorded error this is a resume or bonus-confirmation
	// sweep; pace it by the policy base instead of every tick.
	if p.LastError == nil && now.Sub(p.UpdatedAt) < o.policy.Base {
		return nil
	}

	switch p.NextOperation() {
	case OpTrackClick:
		o.attemptTrackClick(ctx, p, referrerURL)
	case OpRegisterConversion:
		if p.WalletAddress == "" {
			return nil
		}
		// Skip the status pre-check once our own registration is on
		// record: the ledger would report the wallet as attributed and
		// the bonus outcome would be lost.
		return o.attemptRegister(ctx, p, p.Step.Rank() < StepConversionRegistered.Rank())
	}
	return nil
}

// Clear drops the progress record and mirrored flags. Used when the caller
// explicitly resets attribution.
func (o *Orchestrator) Clear(ctx context.Context) error {
	if !o.acquire() {
		return pkgerrors.ErrBusy
	}
	defer o.release()
	return o.clearLocked(ctx)
}

// Progress returns a snapshot of the current record.
func (o *Orchestrator) Progress() (ReferralProgress, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.progress == nil {
		return ReferralProgress{}, false
	}
	return *o.progress, true
}

func (o *Orchestrator) acquire() bool {
	return o.busy.CompareAndSwap(false, true)
}

func (o *Orchestrator) release() {
	o.busy.Store(false)
}

func (o *Orchestrator) setProgress(p *ReferralProgress) {
	o.mu.Lock()
	o.progress = p
	o.mu.Unlock()
	if o.metrics != nil {
		if p == nil {
			o.metrics.StepCleared()
		} else {
			o.metrics.Step(p.Step.Rank())
		}
	}
}

// loadLocked returns the in-memory record, falling back to the store. Must
// be called while holding the busy flag.
func (o *Orchestrator) loadLocked(ctx context.Context) *ReferralProgress {
	o.mu.Lock()
	p := o.progress
	o.mu.Unlock()
	if p != nil {
		return p
	}
	loaded, err := o.store.Load(ctx)
	if err != nil {
		if !errors.Is(err, pkgerrors.ErrNotFound) {
			o.log.Warn("failed to load progress from store", zap.Error(err))
		}
		return nil
	}
	o.setProgress(&loaded)
	return &loaded
}

// persist writes the record and refreshes the compatibility mirror before
// the single-flight guard is released.
func (o *Orchestrator) persist(ctx context.Context, p *ReferralProgress) error {
	if err := o.store.Save(ctx, *p); err != nil {
		return pkgerrors.LogWithError(ctx, o.log, "failed to persist progress", err,
			zap.String("code", p.ReferralCode))
	}
	o.setProgress(p)

	if o.mirror != nil && p.Step.Rank() >= StepClickTracked.Rank() && !p.Terminal() {
		if err := o.mirror.Set(ctx, p.ReferralCode, true); err != nil {
			o.log.Warn("failed to mirror referral flags", zap.Error(err))
		}
	}
	return nil
}

func (o *Orchestrator) clearLocked(ctx context.Context) error {
	if err := o.store.Delete(ctx); err != nil && !errors.Is(err, pkgerrors.ErrNotFound) {
		return pkgerrors.Wrap(err, "failed to delete progress")
	}
	if o.mirror != nil {
		if err := o.mirror.Clear(ctx); err != nil {
			o.log.Warn("failed to clear mirrored flags", zap.Error(err))
		}
	}
	o.setProgress(nil)
	return nil
}

func (o *Orchestrator) attemptTrackClick(ctx context.Context, p *ReferralProgress, referrerURL string) {
	start := time.Now()
	resp, err := o.remote.TrackClick(ctx, remote.TrackClickRequest{
		Code:        p.ReferralCode,
		Source:      p.UTMSource,
		Medium:      p.UTMMedium,
		Campaign:    p.UTMCampaign,
		Referer:     referrerURL,
		LandingPage: p.LandingPage,
	})
	o.observe(OpTrackClick, start, err)
	if err != nil {
		o.recordFailure(ctx, p, OpTrackClick, err)
		return
	}

	next := p.WithClickTracked(resp.IPHash)
	next.LastError = nil
	if next.WalletAddress != "" {
		// The wallet arrived while tracking was still pending; advance so
		// the registration step becomes eligible.
		next, _ = next.WithWalletConnected(next.WalletAddress)
	}
	if err := o.persist(ctx, &next); err != nil {
		return
	}
	o.log.Info("referral click tracked",
		zap.String("code", next.ReferralCode),
		zap.String("ip_hash", resp.IPHash))
}

// attemptRegister runs the conversion registration, optionally preceded by
// the idempotency pre-check against the remote status endpoint.
func (o *Orchestrator) attemptRegister(ctx context.Context, p *ReferralProgress, precheck bool) error {
	if precheck {
		start := time.Now()
		status, err := o.remote.CheckStatus(ctx, p.WalletAddress)
		o.observe(OpCheckStatus, start, err)
		if err != nil {
			o.recordFailure(ctx, p, OpCheckStatus, err)
			return nil
		}
		if status.IsReferred {
			o.log.Info("wallet already attributed, ending workflow",
				zap.String("wallet", p.WalletAddress),
				zap.String("code", p.ReferralCode))
			return o.clearLocked(ctx)
		}
	}

	if !o.policy.ShouldRetry(*p, OpRegisterConversion, time.Now()) {
		return nil
	}

	start := time.Now()
	resp, err := o.remote.RegisterConversion(ctx, remote.RegisterRequest{
		Wallet:   p.WalletAddress,
		Code:     p.ReferralCode,
		Source:   p.UTMSource,
		Campaign: p.UTMCampaign,
	})
	o.observe(OpRegisterConversion, start, err)
	if err != nil {
		o.recordFailure(ctx, p, OpRegisterConversion, err)
		return nil
	}

	next := p.WithConversion(ConversionOutcome{
		Registered:       resp.Registered,
		Referrer:         resp.Referrer,
		Level:            resp.Level,
		BonusDistributed: resp.Bonus.Distributed,
		BonusTotalAmount: resp.Bonus.TotalAmount,
	})
	next.LastError = nil

	o.log.Info("conversion registered",
		zap.String("wallet", next.WalletAddress),
		zap.String("code", next.ReferralCode),
		zap.String("referrer", next.Referrer),
		zap.Bool("bonus_distributed", next.BonusDistributed))

	if next.Terminal() {
		// Completed records are purged rather than persisted.
		o.setProgress(&next)
		return o.clearLocked(ctx)
	}
	return o.persist(ctx, &next)
}

// recordFailure folds a remote-call error into the record. Failures never
// propagate to the caller; the retry timer picks them up.
func (o *Orchestrator) recordFailure(ctx context.Context, p *ReferralProgress, op Operation, err error) {
	next := p.WithError(op, err.Error())
	o.log.Warn("attribution operation failed",
		zap.String("operation", string(op)),
		zap.Int("attempts", next.Attempts(op)),
		zap.Error(err))
	if perr := o.persist(ctx, &next); perr != nil {
		o.log.Error("failed to persist failure record", zap.Error(perr))
	}
}

func (o *Orchestrator) observe(op Operation, start time.Time, err error) {
	if o.metrics == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	o.metrics.Operation(string(op), outcome)
	o.metrics.RemoteDuration(string(op), time.Since(start))
}
