package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/pflag"

	"github.com/dverse-systems/dverse-runtime/pkg/artifacts"
	"github.com/dverse-systems/dverse-runtime/pkg/config"
	"github.com/dverse-systems/dverse-runtime/pkg/descriptor"
	"github.com/dverse-systems/dverse-runtime/pkg/kapsule"
	"github.com/dverse-systems/dverse-runtime/pkg/observability"
	"github.com/dverse-systems/dverse-runtime/pkg/pipeline"
	"github.com/dverse-systems/dverse-runtime/pkg/quota"
	"github.com/dverse-systems/dverse-runtime/pkg/receipts"
	"github.com/dverse-systems/dverse-runtime/pkg/runtime/loader"
	"github.com/dverse-systems/dverse-runtime/pkg/runtime/sandbox"
	"github.com/dverse-systems/dverse-runtime/pkg/trust"
)

// hostEnv is the process-wide state a command builds from configuration.
type hostEnv struct {
	cfg    *config.Config
	policy *config.Policy
	logger *slog.Logger

	closers []func(context.Context) error
}

func loadEnv(stderr io.Writer) (*hostEnv, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))

	policy := config.DefaultPolicy()
	if cfg.PolicyPath != "" {
		if policy, err = config.LoadPolicy(cfg.PolicyPath); err != nil {
			return nil, err
		}
	}
	logger.Debug("configuration loaded", "policy", policy.Source(), "types", policy.Types())
	return &hostEnv{cfg: cfg, policy: policy, logger: logger}, nil
}

func (e *hostEnv) Close(ctx context.Context) {
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](ctx); err != nil {
			e.logger.Warn("shutdown", "error", err)
		}
	}
}

func (e *hostEnv) engine() (*sandbox.Engine, error) {
	cfg := e.policy.Engine()
	if e.cfg.CacheDir != "" {
		cfg.CacheDir = e.cfg.CacheDir
	}
	engine, err := sandbox.NewEngine(cfg)
	if err != nil {
		return nil, err
	}
	e.closers = append(e.closers, engine.Close)
	return engine, nil
}

func (e *hostEnv) receipts(ctx context.Context) (receipts.Store, error) {
	store, db, err := receipts.Open(ctx, e.cfg.ReceiptsDSN)
	if err != nil {
		return nil, err
	}
	e.closers = append(e.closers, func(context.Context) error { return db.Close() })
	return store, nil
}

func (e *hostEnv) quota(ctx context.Context) (quota.Limiter, error) {
	if e.cfg.RedisAddr == "" {
		return quota.NewLocal(e.policy.Quotas(), e.policy.DefaultQuota()), nil
	}
	r := quota.NewRedisFromAddr(e.cfg.RedisAddr, e.policy.Quotas(), e.policy.DefaultQuota())
	if err := r.Ping(ctx); err != nil {
		_ = r.Close()
		return nil, fmt.Errorf("redis %s: %w", e.cfg.RedisAddr, err)
	}
	e.closers = append(e.closers, func(context.Context) error { return r.Close() })
	return r, nil
}

// host builds the pipeline with every configured backend.
func (e *hostEnv) host(ctx context.Context) (*pipeline.Host, receipts.Store, error) {
	engine, err := e.engine()
	if err != nil {
		return nil, nil, err
	}
	store, err := e.receipts(ctx)
	if err != nil {
		return nil, nil, err
	}
	limiter, err := e.quota(ctx)
	if err != nil {
		return nil, nil, err
	}

	obsCfg := observability.DefaultConfig()
	obsCfg.ServiceVersion = Version
	obsCfg.OTLPEndpoint = e.cfg.OTLPEndpoint
	obsCfg.Insecure = true
	obs, err := observability.New(ctx, obsCfg)
	if err != nil {
		return nil, nil, err
	}
	e.closers = append(e.closers, obs.Shutdown)

	opts := []pipeline.Option{
		pipeline.WithLogger(e.logger),
		pipeline.WithQuota(limiter),
		pipeline.WithReceipts(store),
		pipeline.WithVersionStore(receipts.NewVersionStore(store)),
		pipeline.WithObservability(obs),
		pipeline.WithTrustedAuthors(e.cfg.TrustedAuthors...),
	}
	if e.cfg.HostKey != nil {
		opts = append(opts, pipeline.WithAttestor(receipts.NewAttestor(e.cfg.HostKey)))
	}
	return pipeline.New(engine, e.policy, opts...), store, nil
}

// verifier checks signatures against the policy and environment allow-lists.
func (e *hostEnv) verifier() *trust.Verifier {
	authors := append(e.policy.TrustedAuthors(), e.cfg.TrustedAuthors...)
	return trust.NewVerifier(trust.WithTrustedAuthors(authors...), trust.WithLogger(e.logger))
}

func (e *hostEnv) maxBytes() int64 {
	if n := e.policy.MaxBytecodeBytes(); n > 0 {
		return int64(n)
	}
	return loader.DefaultMaxBytecodeBytes
}

// resolver reads kapsule blobs. The content-addressed store is only
// consulted when KAPSULE_ARTIFACT_STORE is set.
func (e *hostEnv) resolver(ctx context.Context) (*artifacts.Resolver, error) {
	if os.Getenv("KAPSULE_ARTIFACT_STORE") == "" {
		return artifacts.NewResolver(artifacts.WithMaxBytes(e.maxBytes())), nil
	}
	store, err := artifacts.NewStoreFromEnv(ctx)
	if err != nil {
		return nil, err
	}
	return artifacts.NewResolverFromEnv(ctx, store, e.maxBytes())
}

// errNoInput is a usage error.
var errNoInput = errors.New("--descriptor is required")

// kapsuleFlags are the input flags shared by run, verify and inspect.
type kapsuleFlags struct {
	descriptor string
	bytecode   string
}

func (k *kapsuleFlags) register(fs *pflag.FlagSet) {
	fs.StringVarP(&k.descriptor, "descriptor", "d", "", "kapsule descriptor (.json, .jsonc or .cbor) (REQUIRED)")
	fs.StringVarP(&k.bytecode, "bytecode", "b", "", "bytecode location: path, file://, sha256:, s3:// or gs:// (default: inline in the descriptor)")
}

// load reads the descriptor and its bytecode into a record.
func (k *kapsuleFlags) load(ctx context.Context, e *hostEnv) (*kapsule.Record, *descriptor.Descriptor, error) {
	if k.descriptor == "" {
		return nil, nil, errNoInput
	}
	d, err := descriptor.ReadFile(k.descriptor)
	if err != nil {
		return nil, nil, err
	}
	var bytecode []byte
	if k.bytecode != "" {
		r, err := e.resolver(ctx)
		if err != nil {
			return nil, nil, err
		}
		if bytecode, err = r.Fetch(ctx, k.bytecode); err != nil {
			return nil, nil, err
		}
	}
	rec, err := d.Record(bytecode)
	if err != nil {
		return nil, nil, err
	}
	return rec, d, nil
}
