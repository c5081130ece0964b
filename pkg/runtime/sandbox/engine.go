package sandbox

import (
	"context"
	"fmt"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

// EngineConfig selects how bytecode is compiled and executed.
type EngineConfig struct {
	// CoreFeatures enabled for guests. Zero means WebAssembly 2.0.
	CoreFeatures api.CoreFeatures
	// Interpreter forces the interpreter even where the compiler is
	// available.
	Interpreter bool
	// CacheDir persists compiled code across processes when set.
	CacheDir string
}

// Engine is the process-wide, immutable execution configuration. Create one
// at start-up, share it between the loader and every instantiation, and
// close it at exit.
type Engine struct {
	cfg   EngineConfig
	cache wazero.CompilationCache
}

// NewEngine builds an Engine with a shared compilation cache.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.CoreFeatures == 0 {
		cfg.CoreFeatures = api.CoreFeaturesV2
	}
	var cache wazero.CompilationCache
	if cfg.CacheDir != "" {
		c, err := wazero.NewCompilationCacheWithDir(cfg.CacheDir)
		if err != nil {
			return nil, fmt.Errorf("sandbox: compilation cache at %s: %w", cfg.CacheDir, err)
		}
		cache = c
	} else {
		cache = wazero.NewCompilationCache()
	}
	return &Engine{cfg: cfg, cache: cache}, nil
}

// Config returns the engine configuration.
func (e *Engine) Config() EngineConfig { return e.cfg }

// RuntimeConfig is the base wazero configuration: no memory ceiling, runs
// terminate when their context is done. Instantiation narrows it per kapsule
// type.
func (e *Engine) RuntimeConfig() wazero.RuntimeConfig {
	var rc wazero.RuntimeConfig
	if e.cfg.Interpreter {
		rc = wazero.NewRuntimeConfigInterpreter()
	} else {
		rc = wazero.NewRuntimeConfig()
	}
	return rc.
		WithCoreFeatures(e.cfg.CoreFeatures).
		WithCompilationCache(e.cache).
		WithCloseOnContextDone(true)
}

// Close releases the compilation cache.
func (e *Engine) Close(ctx context.Context) error {
	return e.cache.Close(ctx)
}
