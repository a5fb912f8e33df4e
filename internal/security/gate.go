package security

import (
	"context"
	"errors"
	"log/slog"

	"github.com/ensemble-run/ensemble/pkg/models"
)

// Gate is the single entry point the runtime calls before executing a
// turn. It composes authentication, RBAC, rate limiting, quotas, and
// content safety, and converts every failure into a typed
// models.RuntimeError.
type Gate struct {
	Keys    *APIKeyManager
	JWT     *JWTService
	RBAC    *RBAC
	Rate    *RateLimiter
	Quota   *QuotaManager
	Content *ContentFilter

	// RejectFlagged switches content handling from filter-and-continue
	// to reject.
	RejectFlagged bool

	// AllowAnonymous admits requests with no credential as the
	// anonymous guest principal (local development).
	AllowAnonymous bool

	Logger *slog.Logger
}

// NewGate wires a gate with default subsystems for any left nil.
func NewGate(keys *APIKeyManager, jwt *JWTService, rbac *RBAC, logger *slog.Logger) *Gate {
	if rbac == nil {
		rbac, _ = NewRBAC(DefaultRoles())
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		Keys:    keys,
		JWT:     jwt,
		RBAC:    rbac,
		Rate:    NewRateLimiter(nil),
		Quota:   NewQuotaManager(nil),
		Content: NewContentFilter(nil),
		Logger:  logger,
	}
}

// Authenticate resolves the caller from an API key or a JWT. The API
// key wins when both are supplied. With neither, the anonymous
// principal is returned only when AllowAnonymous is set.
func (g *Gate) Authenticate(ctx context.Context, apiKey, jwtToken string) (*models.AuthResult, error) {
	switch {
	case apiKey != "":
		if g.Keys == nil {
			return nil, models.NewError(models.KindAuthFailed, "api keys not configured")
		}
		auth, err := g.Keys.VerifyAPIKey(apiKey)
		if err != nil {
			g.Logger.Warn("api key rejected", "error", err)
			return nil, models.WrapError(models.KindAuthFailed, err)
		}
		return auth, nil

	case jwtToken != "":
		if g.JWT == nil || !g.JWT.Enabled() {
			return nil, models.NewError(models.KindAuthFailed, "jwt not configured")
		}
		auth, err := g.JWT.Verify(jwtToken, models.TokenAccess)
		if err != nil {
			g.Logger.Warn("jwt rejected", "error", err)
			return nil, models.WrapError(models.KindAuthFailed, err)
		}
		return auth, nil

	default:
		if g.AllowAnonymous {
			return models.Anonymous(), nil
		}
		return nil, models.WrapError(models.KindAuthFailed, ErrNoCredential)
	}
}

// RequirePermission checks one permission against the auth result,
// resolving role implications.
func (g *Gate) RequirePermission(auth *models.AuthResult, permission string) error {
	if permission == "" {
		return nil
	}
	if g.RBAC.Check(auth, permission) {
		return nil
	}
	return models.NewError(models.KindPermissionDenied, "permission %q denied", permission)
}

// CheckTurn runs the pre-turn resource and content checks for one user
// input. On success it returns the input text to execute with — the
// filtered form when content was flagged and filtering is enabled.
func (g *Gate) CheckTurn(ctx context.Context, auth *models.AuthResult, input string) (string, error) {
	userID := auth.Subject

	if allowed, _ := g.Rate.CheckLimit("model", userID); !allowed {
		return "", models.NewError(models.KindRateLimited, "model rate limit exceeded for %s", userID)
	}

	if !g.Quota.CheckQuota(userID, QuotaModelCalls, 1) {
		return "", models.NewError(models.KindQuotaExceeded, "model call quota exhausted for %s", userID)
	}
	g.Quota.UseQuota(userID, QuotaModelCalls, 1)

	check := g.Content.Check(input)
	if !check.IsFlagged {
		return input, nil
	}
	if g.RejectFlagged || !check.SafeToUse {
		return "", models.NewError(models.KindContentBlocked, "input flagged: %v", check.Flags)
	}
	g.Logger.Info("input filtered", "flags", check.Flags, "user", userID)
	return check.FilteredContent, nil
}

// IsAuthError reports whether err came from the authentication stage.
func IsAuthError(err error) bool {
	for _, sentinel := range []error{
		ErrMalformedKey, ErrUnknownKey, ErrKeyRevoked, ErrKeyExpired,
		ErrDisabled, ErrBadSecret, ErrInvalidToken, ErrWrongToken, ErrNoCredential,
	} {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}
