package admission

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dverse-systems/dverse-runtime/pkg/kapsule"
)

func record(t *testing.T, typ, version string) *kapsule.Record {
	t.Helper()
	s, err := kapsule.NewEd25519Signer()
	require.NoError(t, err)
	rec, err := kapsule.Sign(kapsule.Fields{
		Bytecode: []byte("\x00asm\x01\x00\x00\x00"),
		ID:       "calc",
		Type:     typ,
		Version:  version,
	}, s)
	require.NoError(t, err)
	return rec
}

func admitErr(t *testing.T, err error) *Error {
	t.Helper()
	var ae *Error
	require.True(t, errors.As(err, &ae), "expected *Error, got %v", err)
	assert.Equal(t, StageName, ae.Stage())
	return ae
}

func TestCompile(t *testing.T) {
	_, err := Compile(`kapsule.size < 1024 && kapsule.scheme == "ed25519"`)
	require.NoError(t, err)

	for _, expr := range []string{
		"",
		"kapsule.size <",
		`"x" + "y"`,
		"timestamp(kapsule.version) > now()",
		"undeclared == 1",
	} {
		_, err := Compile(expr)
		assert.Error(t, err, expr)
	}
}

func TestAdmit_RuleAllowsAndDenies(t *testing.T) {
	c := NewController(map[string]*Rule{
		"math": MustCompile(`kapsule.size < 64`),
		"tiny": MustCompile(`kapsule.size < 4`),
	})
	ctx := context.Background()

	assert.NoError(t, c.Admit(ctx, record(t, "math", "")))
	ae := admitErr(t, c.Admit(ctx, record(t, "tiny", "")))
	assert.Equal(t, Denied, ae.Kind)
	assert.Equal(t, "DENIED", ae.Code())

	// types without a rule are admitted
	assert.NoError(t, c.Admit(ctx, record(t, "other", "")))
}

func TestAdmit_RuleSeesFacts(t *testing.T) {
	rec := record(t, "math", "1.2.3")
	c := NewController(map[string]*Rule{
		"math": MustCompile(`kapsule.id == "calc" && kapsule.version.startsWith("1.") && kapsule.cid.startsWith("bafkrei")`),
	})
	assert.NoError(t, c.Admit(context.Background(), rec))
	assert.Len(t, Facts(rec)["fingerprint"], 16)
}

func TestAdmit_RuleRuntimeError(t *testing.T) {
	c := NewController(map[string]*Rule{"math": MustCompile(`kapsule.missing == 1`)})
	ae := admitErr(t, c.Admit(context.Background(), record(t, "math", "")))
	assert.Equal(t, RuleFailed, ae.Kind)
}

func TestAdmit_RollbackGuard(t *testing.T) {
	ctx := context.Background()
	c := NewController(nil, WithVersionStore(NewMemoryVersionStore()))

	v2 := record(t, "math", "2.0.0")
	require.NoError(t, c.Admit(ctx, v2))
	require.NoError(t, c.Commit(ctx, v2))

	ae := admitErr(t, c.Admit(ctx, record(t, "math", "1.9.9")))
	assert.Equal(t, Rollback, ae.Kind)

	assert.NoError(t, c.Admit(ctx, record(t, "math", "2.0.0")))
	assert.NoError(t, c.Admit(ctx, record(t, "math", "2.1.0")))
	// unversioned records bypass the guard
	assert.NoError(t, c.Admit(ctx, record(t, "math", "")))
}

func TestMemoryVersionStore_KeepsHighest(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryVersionStore()
	v, err := s.Highest(ctx, "calc")
	require.NoError(t, err)
	assert.Nil(t, v)

	for _, rec := range []*kapsule.Record{record(t, "m", "1.0.0"), record(t, "m", "3.0.0"), record(t, "m", "2.0.0")} {
		sv, err := rec.SemVer()
		require.NoError(t, err)
		require.NoError(t, s.Record(ctx, rec.ID(), sv))
	}
	v, err = s.Highest(ctx, "calc")
	require.NoError(t, err)
	assert.Equal(t, "3.0.0", v.String())
}
