// Package admission decides whether an authentic kapsule may run on this
// host: per-type CEL rules and a version rollback guard.
package admission

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"

	"github.com/dverse-systems/dverse-runtime/pkg/kapsule"
	"github.com/dverse-systems/dverse-runtime/pkg/trust"
)

// Controller evaluates admission for verified records. Rules are fixed at
// construction.
type Controller struct {
	rules    map[string]*Rule
	versions VersionStore
	logger   *slog.Logger
}

// Option configures a Controller.
type Option func(*Controller)

// WithVersionStore enables the rollback guard.
func WithVersionStore(vs VersionStore) Option {
	return func(c *Controller) { c.versions = vs }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// NewController returns a Controller. rules maps kapsule type to its rule;
// types without a rule are admitted.
func NewController(rules map[string]*Rule, opts ...Option) *Controller {
	c := &Controller{
		rules:  make(map[string]*Rule, len(rules)),
		logger: slog.Default().With("component", "admission"),
	}
	for t, r := range rules {
		if r != nil {
			c.rules[t] = r
		}
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Facts returns the values a rule sees for rec.
func Facts(rec *kapsule.Record) map[string]any {
	key := rec.AuthorKey()
	return map[string]any{
		"id":          rec.ID(),
		"type":        rec.Type(),
		"version":     rec.Version(),
		"size":        int64(rec.Size()),
		"author":      hex.EncodeToString(key),
		"fingerprint": trust.Fingerprint(key),
		"scheme":      rec.Scheme(),
		"cid":         rec.CID(),
	}
}

// Admit returns nil or an *Error.
func (c *Controller) Admit(ctx context.Context, rec *kapsule.Record) error {
	if rule, ok := c.rules[rec.Type()]; ok {
		allowed, err := rule.Eval(Facts(rec))
		if err != nil {
			return &Error{Kind: RuleFailed, Detail: fmt.Sprintf("rule for %q: %v", rec.Type(), err)}
		}
		if !allowed {
			c.logger.Info("kapsule denied", "kapsule_id", rec.ID(), "kapsule_type", rec.Type(), "rule", rule.String())
			return &Error{Kind: Denied, Detail: fmt.Sprintf("rule for %q rejected %s", rec.Type(), rec)}
		}
	}
	return c.checkRollback(ctx, rec)
}

func (c *Controller) checkRollback(ctx context.Context, rec *kapsule.Record) error {
	if c.versions == nil || rec.Version() == "" {
		return nil
	}
	v, err := rec.SemVer()
	if err != nil {
		return &Error{Kind: RuleFailed, Detail: err.Error()}
	}
	highest, err := c.versions.Highest(ctx, rec.ID())
	if err != nil {
		return fmt.Errorf("admission: version lookup for %s: %w", rec.ID(), err)
	}
	if highest != nil && v.LessThan(highest) {
		return &Error{Kind: Rollback, Detail: fmt.Sprintf("%s is older than %s", rec, highest)}
	}
	return nil
}

// Commit records rec's version after a successful run.
func (c *Controller) Commit(ctx context.Context, rec *kapsule.Record) error {
	if c.versions == nil || rec.Version() == "" {
		return nil
	}
	v, err := rec.SemVer()
	if err != nil {
		return err
	}
	return c.versions.Record(ctx, rec.ID(), v)
}
