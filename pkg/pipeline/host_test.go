package pipeline

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/dverse-systems/dverse-runtime/pkg/admission"
	"github.com/dverse-systems/dverse-runtime/pkg/capabilities"
	"github.com/dverse-systems/dverse-runtime/pkg/config"
	"github.com/dverse-systems/dverse-runtime/pkg/kapsule"
	"github.com/dverse-systems/dverse-runtime/pkg/observability"
	"github.com/dverse-systems/dverse-runtime/pkg/quota"
	"github.com/dverse-systems/dverse-runtime/pkg/receipts"
	"github.com/dverse-systems/dverse-runtime/pkg/runtime/abi"
	"github.com/dverse-systems/dverse-runtime/pkg/runtime/budget"
	"github.com/dverse-systems/dverse-runtime/pkg/runtime/dispatch"
	"github.com/dverse-systems/dverse-runtime/pkg/runtime/loader"
	"github.com/dverse-systems/dverse-runtime/pkg/runtime/sandbox"
	"github.com/dverse-systems/dverse-runtime/pkg/runtime/wasmtest"
	"github.com/dverse-systems/dverse-runtime/pkg/trust"
)

var addSig = abi.Func([]abi.ValueType{abi.I32, abi.I32}, abi.I32)

func testPolicy(t *testing.T, f config.PolicyFile) *config.Policy {
	t.Helper()
	if f.Types == nil {
		f.Types = map[string]config.TypeFile{
			"math":   {Capabilities: []string{"math", "kapsule.abort"}},
			"chatty": {Capabilities: []string{"kapsule.log"}},
		}
	}
	p, err := config.BuildPolicy("test", f, capabilities.Builtin())
	require.NoError(t, err)
	return p
}

func newHost(t *testing.T, policy *config.Policy, opts ...Option) *Host {
	t.Helper()
	engine, err := sandbox.NewEngine(policy.Engine())
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close(context.Background()) })
	return New(engine, policy, opts...)
}

func signRecord(t *testing.T, bytecode []byte, typ, version string) *kapsule.Record {
	t.Helper()
	s, err := kapsule.NewEd25519Signer()
	require.NoError(t, err)
	rec, err := kapsule.Sign(kapsule.Fields{Bytecode: bytecode, ID: "calc", Type: typ, Version: version}, s)
	require.NoError(t, err)
	return rec
}

func addRequest(rec *kapsule.Record) Request {
	return Request{Record: rec, EntryPoint: "add", Signature: addSig, Args: []abi.Value{abi.ValueI32(2), abi.ValueI32(3)}}
}

func requireFailure(t *testing.T, out Outcome, stage, code string) {
	t.Helper()
	require.False(t, out.OK(), "expected %s/%s, got values %v", stage, code, out.Values)
	assert.Equal(t, stage, out.Stage(), out.Err.Error())
	assert.Equal(t, code, out.Code(), out.Err.Error())
	assert.Nil(t, out.Values)
}

func TestRun_ValidKapsuleReturnsSum(t *testing.T) {
	store := receipts.NewMemoryStore()
	_, key, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	attestor := receipts.NewAttestor(key)

	h := newHost(t, testPolicy(t, config.PolicyFile{}), WithReceipts(store), WithAttestor(attestor))
	rec := signRecord(t, wasmtest.Add(), "math", "1.0.0")
	out := h.Run(context.Background(), addRequest(rec))

	require.True(t, out.OK(), "%v", out.Err)
	assert.Equal(t, []abi.Value{abi.ValueI32(5)}, out.Values)
	assert.NotEmpty(t, out.InvocationID)

	rc, err := store.Get(context.Background(), out.InvocationID)
	require.NoError(t, err)
	assert.Equal(t, receipts.StatusOK, rc.Status)
	assert.Equal(t, "[i32:5]", rc.Result)
	assert.Equal(t, rec.CID(), rc.CID)
	assert.Equal(t, "1.0.0", rc.Version)
	_, err = receipts.VerifyAttestation(rc, attestor.PublicKey())
	assert.NoError(t, err)
}

func TestRun_TamperedBytecodeNeverLoads(t *testing.T) {
	spans := tracetest.NewSpanRecorder()
	obs, err := observability.New(context.Background(), nil, observability.WithSpanProcessor(spans))
	require.NoError(t, err)
	store := receipts.NewMemoryStore()
	h := newHost(t, testPolicy(t, config.PolicyFile{}), WithObservability(obs), WithReceipts(store))

	f := signRecord(t, wasmtest.Add(), "math", "").Fields()
	f.Bytecode[len(f.Bytecode)-2] ^= 0x01
	out := h.Run(context.Background(), addRequest(kapsule.New(f)))
	requireFailure(t, out, trust.StageName, string(trust.BadSignature))

	var stages []string
	for _, s := range spans.Ended() {
		stages = append(stages, s.Name())
	}
	assert.Equal(t, []string{"kapsule.verify"}, stages)

	rc, err := store.Get(context.Background(), out.InvocationID)
	require.NoError(t, err)
	assert.Equal(t, receipts.StatusFailed, rc.Status)
	assert.Equal(t, "verify", rc.Stage)
	assert.Equal(t, "BAD_SIGNATURE", rc.Code)
}

func TestRun_RelabeledTypeFailsVerification(t *testing.T) {
	h := newHost(t, testPolicy(t, config.PolicyFile{}))
	f := signRecord(t, wasmtest.Logger(), "chatty", "").Fields()
	f.Type = "math"
	out := h.Run(context.Background(), Request{Record: kapsule.New(f), EntryPoint: "hello", Signature: abi.Func([]abi.ValueType{abi.I32})})
	requireFailure(t, out, trust.StageName, string(trust.BadSignature))
}

func TestRun_DisallowedImports(t *testing.T) {
	h := newHost(t, testPolicy(t, config.PolicyFile{}))
	ctx := context.Background()

	out := h.Run(ctx, addRequest(signRecord(t, wasmtest.FileAccess(), "math", "")))
	requireFailure(t, out, loader.StageName, string(loader.DisallowedImport))

	out = h.Run(ctx, Request{
		Record:     signRecord(t, wasmtest.Logger(), "math", ""),
		EntryPoint: "hello",
		Signature:  abi.Func([]abi.ValueType{abi.I32}),
		Args:       []abi.Value{abi.ValueI32(1)},
	})
	requireFailure(t, out, sandbox.StageName, string(sandbox.UnknownCapabilitySet))
}

func TestRun_EntryPointNotFound(t *testing.T) {
	h := newHost(t, testPolicy(t, config.PolicyFile{}))
	req := addRequest(signRecord(t, wasmtest.Add(), "math", ""))
	req.EntryPoint = "sub"
	requireFailure(t, h.Run(context.Background(), req), dispatch.StageName, string(dispatch.EntryPointNotFound))
}

func TestRun_SignatureMismatch(t *testing.T) {
	h := newHost(t, testPolicy(t, config.PolicyFile{}))
	out := h.Run(context.Background(), addRequest(signRecord(t, wasmtest.AddF64(), "math", "")))
	requireFailure(t, out, dispatch.StageName, string(dispatch.SignatureMismatch))
}

func TestRun_GuestLogsReachHostLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	h := newHost(t, testPolicy(t, config.PolicyFile{}), WithLogger(logger))

	rec := signRecord(t, wasmtest.Logger(), "chatty", "")
	out := h.Run(context.Background(), Request{
		Record:     rec,
		EntryPoint: "hello",
		Signature:  abi.Func([]abi.ValueType{abi.I32}),
		Args:       []abi.Value{abi.ValueI32(2)},
	})
	require.True(t, out.OK(), "%v", out.Err)

	logs := buf.String()
	assert.Contains(t, logs, "source=guest")
	assert.Contains(t, logs, "msg=hello")
	assert.Contains(t, logs, "stage=instantiate")
	assert.Contains(t, logs, "cid="+rec.CID())
	assert.Contains(t, logs, "kapsule completed")
}

func TestRun_FailureIsLoggedWithCode(t *testing.T) {
	var buf bytes.Buffer
	h := newHost(t, testPolicy(t, config.PolicyFile{}), WithLogger(slog.New(slog.NewTextHandler(&buf, nil))))
	req := addRequest(signRecord(t, wasmtest.Add(), "math", ""))
	req.EntryPoint = "sub"
	h.Run(context.Background(), req)

	logs := buf.String()
	assert.Contains(t, logs, "stage failed")
	assert.Contains(t, logs, "stage=invoke")
	assert.Contains(t, logs, "code=ENTRY_POINT_NOT_FOUND")
	assert.Contains(t, logs, "kapsule_id=calc")
	assert.Contains(t, logs, "kapsule_type=math")
}

func TestRun_AdmissionRule(t *testing.T) {
	policy := testPolicy(t, config.PolicyFile{Types: map[string]config.TypeFile{
		"math": {Capabilities: []string{"math"}, Admission: `kapsule.size < 16`},
	}})
	h := newHost(t, policy)
	out := h.Run(context.Background(), addRequest(signRecord(t, wasmtest.Add(), "math", "")))
	requireFailure(t, out, admission.StageName, string(admission.Denied))
}

func TestRun_RollbackGuardUsesReceipts(t *testing.T) {
	store := receipts.NewMemoryStore()
	h := newHost(t, testPolicy(t, config.PolicyFile{}),
		WithReceipts(store), WithVersionStore(receipts.NewVersionStore(store)))
	ctx := context.Background()

	require.True(t, h.Run(ctx, addRequest(signRecord(t, wasmtest.Add(), "math", "2.0.0"))).OK())
	out := h.Run(ctx, addRequest(signRecord(t, wasmtest.Add(), "math", "1.5.0")))
	requireFailure(t, out, admission.StageName, string(admission.Rollback))
	assert.True(t, h.Run(ctx, addRequest(signRecord(t, wasmtest.Add(), "math", "2.0.1"))).OK())
}

func TestRun_UntrustedAuthor(t *testing.T) {
	policy := testPolicy(t, config.PolicyFile{TrustedAuthors: []string{"00112233"}})
	h := newHost(t, policy)
	out := h.Run(context.Background(), addRequest(signRecord(t, wasmtest.Add(), "math", "")))
	requireFailure(t, out, trust.StageName, string(trust.UntrustedAuthor))
}

func TestRun_Quota(t *testing.T) {
	limiter := quota.NewLocal(map[string]quota.Rate{"math": {PerSecond: 0.001, Burst: 1}}, quota.Rate{})
	h := newHost(t, testPolicy(t, config.PolicyFile{}), WithQuota(limiter))
	ctx := context.Background()
	rec := signRecord(t, wasmtest.Add(), "math", "")

	require.True(t, h.Run(ctx, addRequest(rec)).OK())
	requireFailure(t, h.Run(ctx, addRequest(rec)), quota.StageName, quota.QuotaExceeded)
}

func TestRun_ForgedRecordDoesNotSpendQuota(t *testing.T) {
	limiter := quota.NewLocal(map[string]quota.Rate{"math": {PerSecond: 0.001, Burst: 1}}, quota.Rate{})
	h := newHost(t, testPolicy(t, config.PolicyFile{}), WithQuota(limiter))
	ctx := context.Background()
	rec := signRecord(t, wasmtest.Add(), "math", "")

	forged := rec.Fields()
	forged.Signature[0] ^= 0xff
	for range 3 {
		requireFailure(t, h.Run(ctx, addRequest(kapsule.New(forged))), trust.StageName, string(trust.BadSignature))
	}

	out := h.Run(ctx, addRequest(rec))
	require.True(t, out.OK(), "%v", out.Err)
	requireFailure(t, h.Run(ctx, addRequest(rec)), quota.StageName, quota.QuotaExceeded)
}

type brokenLimiter struct{}

func (brokenLimiter) Allow(context.Context, string) (bool, error) {
	return false, errors.New("connection refused")
}

func TestRun_QuotaBackendDown(t *testing.T) {
	h := newHost(t, testPolicy(t, config.PolicyFile{}), WithQuota(brokenLimiter{}))
	out := h.Run(context.Background(), addRequest(signRecord(t, wasmtest.Add(), "math", "")))
	requireFailure(t, out, quota.StageName, HostUnavailable)
	var he *HostError
	assert.True(t, errors.As(out.Err, &he))
}

func TestRun_Timeout(t *testing.T) {
	policy := testPolicy(t, config.PolicyFile{Types: map[string]config.TypeFile{
		"math": {Capabilities: []string{"math"}, Limits: budget.Limits{CallTimeoutMs: 100}},
	}})
	h := newHost(t, policy)
	start := time.Now()
	out := h.Run(context.Background(), Request{
		Record:     signRecord(t, wasmtest.Spin(), "math", ""),
		EntryPoint: "spin",
		Signature:  abi.Func(nil),
	})
	requireFailure(t, out, dispatch.StageName, string(dispatch.Timeout))
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestRun_NilRecord(t *testing.T) {
	h := newHost(t, testPolicy(t, config.PolicyFile{}))
	out := h.Run(context.Background(), Request{EntryPoint: "add", Signature: addSig})
	requireFailure(t, out, trust.StageName, string(trust.IncompleteRecord))
}

func TestRunBatch_PreservesOrder(t *testing.T) {
	h := newHost(t, testPolicy(t, config.PolicyFile{}), WithConcurrency(3))
	good := signRecord(t, wasmtest.Add(), "math", "")

	var reqs []Request
	for i := int32(0); i < 8; i++ {
		req := addRequest(good)
		req.Args = []abi.Value{abi.ValueI32(i), abi.ValueI32(i)}
		if i%4 == 3 {
			req.EntryPoint = "missing"
		}
		reqs = append(reqs, req)
	}

	outs := h.RunBatch(context.Background(), reqs)
	require.Len(t, outs, len(reqs))
	for i, out := range outs {
		if i%4 == 3 {
			requireFailure(t, out, dispatch.StageName, string(dispatch.EntryPointNotFound))
			continue
		}
		require.True(t, out.OK(), "request %d: %v", i, out.Err)
		assert.Equal(t, int32(2*i), out.Values[0].I32())
	}
}

func TestFormatValues(t *testing.T) {
	assert.Equal(t, "[]", FormatValues(nil))
	assert.Equal(t, "[i32:5 f64:2.5]", FormatValues([]abi.Value{abi.ValueI32(5), abi.ValueF64(2.5)}))
}
