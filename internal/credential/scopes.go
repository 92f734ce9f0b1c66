package credential

import (
	"context"
	"fmt"

	"github.com/vyrodovalexey/avauthgw/internal/observability"
	"github.com/vyrodovalexey/avauthgw/internal/store"
)

// Key layout for the scope registry.
const (
	scopesKey           = "scopes"
	scopeCredsKeyPrefix = "scope-credentials:"
)

func scopeCredsKey(scope string) string { return scopeCredsKeyPrefix + scope }

// ScopeRegistry is the process-wide set of valid scope names. A scope must be
// registered here before any credential may reference it.
type ScopeRegistry struct {
	kv     store.KV
	logger observability.Logger
}

// NewScopeRegistry creates a new ScopeRegistry.
func NewScopeRegistry(kv store.KV, logger observability.Logger) *ScopeRegistry {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &ScopeRegistry{kv: kv, logger: logger}
}

// Insert registers new scopes. The call fails as a whole if any scope is
// already registered.
func (r *ScopeRegistry) Insert(ctx context.Context, scopes ...string) error {
	if len(scopes) == 0 {
		return fmt.Errorf("%w: at least one scope is required", ErrInvalidInput)
	}

	for _, scope := range scopes {
		if scope == "" {
			return fmt.Errorf("%w: empty scope name", ErrInvalidInput)
		}
		exists, err := r.kv.SIsMember(ctx, scopesKey, scope)
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("%w: %s", ErrScopeExists, scope)
		}
	}

	if err := r.kv.SAdd(ctx, scopesKey, scopes...); err != nil {
		return err
	}

	r.logger.Info("scopes registered", observability.Strings("scopes", scopes))
	return nil
}

// Remove unregisters scopes and strips them from every credential currently
// referencing them via the scope reverse index. The sequence is best-effort:
// a crash mid-way can leave some credentials still carrying a removed scope.
func (r *ScopeRegistry) Remove(ctx context.Context, scopes ...string) error {
	if len(scopes) == 0 {
		return fmt.Errorf("%w: at least one scope is required", ErrInvalidInput)
	}

	for _, scope := range scopes {
		refs, err := r.kv.SMembers(ctx, scopeCredsKey(scope))
		if err != nil {
			return err
		}

		for _, ref := range refs {
			if err := stripScopeFromCredential(ctx, r.kv, ref, scope); err != nil {
				return err
			}
		}

		err = r.kv.Batch(ctx, func(p store.Pipe) {
			p.SRem(scopesKey, scope)
			p.Del(scopeCredsKey(scope))
		})
		if err != nil {
			return err
		}

		r.logger.Info("scope removed",
			observability.String("scope", scope),
			observability.Int("credentials_updated", len(refs)))
	}

	return nil
}

// Exists reports whether a scope is registered.
func (r *ScopeRegistry) Exists(ctx context.Context, scope string) (bool, error) {
	return r.kv.SIsMember(ctx, scopesKey, scope)
}

// ExistsAll reports whether every given scope is registered.
func (r *ScopeRegistry) ExistsAll(ctx context.Context, scopes []string) (bool, error) {
	for _, scope := range scopes {
		ok, err := r.Exists(ctx, scope)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// All returns every registered scope.
func (r *ScopeRegistry) All(ctx context.Context) ([]string, error) {
	return r.kv.SMembers(ctx, scopesKey)
}
