// Package capabilities models the host functions a kapsule may import.
//
// The Catalog lists every host function the runtime knows how to provide.
// A Table is the subset granted to one kapsule type, and a Set maps kapsule
// types to tables. Unknown kapsule types resolve to the empty table; there is
// no wildcard grant.
package capabilities

import (
	"context"
	"log/slog"
	"time"

	"github.com/tetratelabs/wazero/api"

	"github.com/dverse-systems/dverse-runtime/pkg/runtime/abi"
)

// Env is the per-instance host state a host function may touch. The sandbox
// provides one Env per instance.
type Env interface {
	Logger() *slog.Logger
	// AllowLog reports whether the instance's log rate limit has room.
	AllowLog() bool
	Now() time.Time
	RandomU32() uint32
	// Trap aborts the running guest call with reason. It does not return.
	Trap(reason string)
}

// Func implements a host function. Parameters arrive on stack and results
// are written back to it, as in api.GoModuleFunction.
type Func func(ctx context.Context, env Env, mem api.Memory, stack []uint64)

// HostFunction is one callable exposed to guests under Module.Name.
type HostFunction struct {
	Module    string
	Name      string
	Signature abi.Signature
	Doc       string
	Call      Func
}

// QualifiedName is "module.name".
func (h HostFunction) QualifiedName() string { return Qualify(h.Module, h.Name) }

// Qualify joins an import module and field name.
func Qualify(module, name string) string { return module + "." + name }
