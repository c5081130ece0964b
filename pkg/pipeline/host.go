// Package pipeline runs kapsules through the host's stages:
//
//	verify -> quota -> admit -> load -> instantiate -> invoke
//
// Each stage is a strict gate. The first failure ends the run with a
// stage-tagged error and later stages never see the kapsule.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/dverse-systems/dverse-runtime/pkg/admission"
	"github.com/dverse-systems/dverse-runtime/pkg/config"
	"github.com/dverse-systems/dverse-runtime/pkg/observability"
	"github.com/dverse-systems/dverse-runtime/pkg/quota"
	"github.com/dverse-systems/dverse-runtime/pkg/receipts"
	"github.com/dverse-systems/dverse-runtime/pkg/runtime/dispatch"
	"github.com/dverse-systems/dverse-runtime/pkg/runtime/loader"
	"github.com/dverse-systems/dverse-runtime/pkg/runtime/sandbox"
	"github.com/dverse-systems/dverse-runtime/pkg/trust"
)

// DefaultConcurrency bounds RunBatch when no other bound is set.
const DefaultConcurrency = 4

// Host owns the stage components. It is safe for concurrent use.
type Host struct {
	verifier     *trust.Verifier
	admission    *admission.Controller
	loader       *loader.Loader
	instantiator *sandbox.Instantiator
	dispatcher   *dispatch.Dispatcher

	quota       quota.Limiter
	receipts    receipts.Store
	attestor    *receipts.Attestor
	obs         *observability.Provider
	base        *slog.Logger
	logger      *slog.Logger
	concurrency int
	now         func() time.Time

	versions admission.VersionStore
	clock    func() time.Time
	authors  [][]byte
}

// Option configures a Host.
type Option func(*Host)

// WithLogger sets the logger every stage component derives its logger from.
func WithLogger(l *slog.Logger) Option { return func(h *Host) { h.base = l } }

// WithQuota gates runs on l. The default is unlimited.
func WithQuota(l quota.Limiter) Option { return func(h *Host) { h.quota = l } }

// WithReceipts stores a receipt for every run.
func WithReceipts(s receipts.Store) Option { return func(h *Host) { h.receipts = s } }

// WithAttestor signs each receipt before it is stored.
func WithAttestor(a *receipts.Attestor) Option { return func(h *Host) { h.attestor = a } }

func WithObservability(p *observability.Provider) Option { return func(h *Host) { h.obs = p } }

// WithVersionStore enables the rollback guard.
func WithVersionStore(vs admission.VersionStore) Option { return func(h *Host) { h.versions = vs } }

// WithConcurrency bounds how many kapsules RunBatch runs at once.
func WithConcurrency(n int) Option { return func(h *Host) { h.concurrency = n } }

// WithTrustedAuthors adds author keys to the policy's allow-list.
func WithTrustedAuthors(keys ...[]byte) Option {
	return func(h *Host) { h.authors = append(h.authors, keys...) }
}

// WithGuestClock sets the clock kapsule.clock_ms reads.
func WithGuestClock(now func() time.Time) Option { return func(h *Host) { h.clock = now } }

// New builds a Host over engine from policy.
func New(engine *sandbox.Engine, policy *config.Policy, opts ...Option) *Host {
	h := &Host{
		quota:       quota.Unlimited{},
		base:        slog.Default(),
		concurrency: DefaultConcurrency,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.base.With("component", "pipeline")
	if h.obs == nil {
		h.obs, _ = observability.New(context.Background(), nil)
	}

	caps := policy.Capabilities()
	h.verifier = trust.NewVerifier(
		trust.WithTrustedAuthors(append(policy.TrustedAuthors(), h.authors...)...),
		trust.WithLogger(h.base.With("component", "trust")),
	)
	admitOpts := []admission.Option{admission.WithLogger(h.base.With("component", "admission"))}
	if h.versions != nil {
		admitOpts = append(admitOpts, admission.WithVersionStore(h.versions))
	}
	h.admission = admission.NewController(policy.AdmissionRules(), admitOpts...)

	loadOpts := []loader.Option{
		loader.WithRuntimeConfig(engine.RuntimeConfig()),
		loader.WithLogger(h.base.With("component", "loader")),
	}
	if n := policy.MaxBytecodeBytes(); n > 0 {
		loadOpts = append(loadOpts, loader.WithMaxBytecodeBytes(n))
	}
	h.loader = loader.New(caps.Catalog(), loadOpts...)

	instOpts := []sandbox.Option{
		sandbox.WithLimits(policy.Limits),
		sandbox.WithLogger(h.base.With("component", "sandbox")),
	}
	if h.clock != nil {
		instOpts = append(instOpts, sandbox.WithClock(h.clock))
	}
	h.instantiator = sandbox.NewInstantiator(engine, caps, instOpts...)
	h.dispatcher = dispatch.New(dispatch.WithLogger(h.base.With("component", "dispatch")))
	return h
}

// run carries the per-run state between stages.
type run struct {
	h     *Host
	log   *slog.Logger
	attrs []attribute.KeyValue
}

// stage runs fn as the named stage, logging and tracing its outcome.
func (r *run) stage(ctx context.Context, name string, fn func(context.Context) error) StageError {
	ctx, finish := r.h.obs.TrackOperation(ctx, "kapsule."+name,
		append(r.attrs[:len(r.attrs):len(r.attrs)], attribute.String("kapsule.stage", name))...)
	err := fn(ctx)
	if err == nil {
		finish(nil)
		r.log.DebugContext(ctx, "stage passed", "stage", name)
		return nil
	}
	se := asStageError(name, err)
	finish(se)
	r.log.WarnContext(ctx, "stage failed", "stage", se.Stage(), "code", se.Code(), "error", se.Error())
	return se
}

// Run takes req through every stage. It blocks until the entry point
// returns or a stage fails.
func (h *Host) Run(ctx context.Context, req Request) Outcome {
	start := h.now()
	out := Outcome{InvocationID: receipts.NewInvocationID()}
	rec := req.Record

	r := &run{h: h, log: h.logger.With("invocation_id", out.InvocationID, "entry_point", req.EntryPoint)}
	if rec != nil {
		r.log = r.log.With("kapsule_id", rec.ID(), "kapsule_type", rec.Type(), "cid", rec.CID())
		r.attrs = []attribute.KeyValue{attribute.String("kapsule.type", rec.Type())}
	}

	out.Err = h.execute(ctx, r, req, &out)
	out.Duration = h.now().Sub(start)

	if out.OK() {
		r.log.InfoContext(ctx, "kapsule completed", "result", FormatValues(out.Values), "duration", out.Duration)
	}
	h.record(ctx, r, req, out)
	return out
}

func (h *Host) execute(ctx context.Context, r *run, req Request, out *Outcome) StageError {
	rec := req.Record
	if se := r.stage(ctx, trust.StageName, func(context.Context) error {
		return h.verifier.Verify(rec)
	}); se != nil {
		return se
	}

	// Only verified kapsules are charged against their type's quota.
	if se := r.stage(ctx, quota.StageName, func(ctx context.Context) error {
		ok, err := h.quota.Allow(ctx, rec.Type())
		if err != nil {
			return &HostError{StageName: quota.StageName, Err: fmt.Errorf("quota backend: %w", err)}
		}
		if !ok {
			return &quota.Error{KapsuleType: rec.Type()}
		}
		return nil
	}); se != nil {
		return se
	}

	if se := r.stage(ctx, admission.StageName, func(ctx context.Context) error {
		return h.admission.Admit(ctx, rec)
	}); se != nil {
		return se
	}

	var mod *loader.ValidatedModule
	if se := r.stage(ctx, loader.StageName, func(ctx context.Context) (err error) {
		mod, err = h.loader.Load(ctx, rec.Bytecode())
		return err
	}); se != nil {
		return se
	}

	var inst *sandbox.Instance
	if se := r.stage(ctx, sandbox.StageName, func(ctx context.Context) (err error) {
		inst, err = h.instantiator.Instantiate(ctx, mod, rec.Type())
		return err
	}); se != nil {
		return se
	}

	if se := r.stage(ctx, dispatch.StageName, func(ctx context.Context) error {
		res := h.dispatcher.Invoke(ctx, inst, req.EntryPoint, req.Signature, req.Args)
		if !res.OK() {
			return res.Err
		}
		out.Values = res.Values
		return nil
	}); se != nil {
		return se
	}

	if err := h.admission.Commit(ctx, rec); err != nil {
		r.log.WarnContext(ctx, "failed to record executed version", "error", err)
	}
	return nil
}

// record writes the receipt for a finished run. Receipt failures are logged;
// they never change the outcome.
func (h *Host) record(ctx context.Context, r *run, req Request, out Outcome) {
	if h.receipts == nil {
		return
	}
	rc := &receipts.Receipt{
		InvocationID: out.InvocationID,
		EntryPoint:   req.EntryPoint,
		Status:       receipts.StatusOK,
		Result:       FormatValues(out.Values),
		Duration:     out.Duration,
		Timestamp:    h.now().UTC(),
	}
	if rec := req.Record; rec != nil {
		rc.KapsuleID, rc.KapsuleType, rc.Version, rc.CID = rec.ID(), rec.Type(), rec.Version(), rec.CID()
	}
	if !out.OK() {
		rc.Status = receipts.StatusFailed
		rc.Stage, rc.Code, rc.Result = out.Stage(), out.Code(), out.Err.Error()
	}
	if h.attestor != nil {
		if err := h.attestor.Attest(rc); err != nil {
			r.log.ErrorContext(ctx, "failed to attest receipt", "error", err)
		}
	}
	if err := h.receipts.Store(ctx, rc); err != nil {
		r.log.ErrorContext(ctx, "failed to store receipt", "error", err)
	}
}

// RunBatch runs independent requests concurrently, at most the configured
// concurrency at a time. Outcomes are in request order.
func (h *Host) RunBatch(ctx context.Context, reqs []Request) []Outcome {
	outcomes := make([]Outcome, len(reqs))
	var g errgroup.Group
	if h.concurrency > 0 {
		g.SetLimit(h.concurrency)
	}
	for i, req := range reqs {
		g.Go(func() error {
			outcomes[i] = h.Run(ctx, req)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}
