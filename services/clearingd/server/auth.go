package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	jwt "github.com/golang-jwt/jwt/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// AuthConfig configures HMAC-signed bearer tokens.
type AuthConfig struct {
	HMACSecret string
	Issuer     string
	Audience   string
	ScopeClaim string
	ClockSkew  time.Duration
}

// Principal is the authenticated caller. Address comes from the token's sub
// claim.
type Principal struct {
	Address common.Address
	Scopes  []string
}

// HasScope reports whether the principal was granted scope.
func (p *Principal) HasScope(scope string) bool {
	if p == nil {
		return false
	}
	for _, s := range p.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

type principalContextKey struct{}

// PrincipalFromContext extracts the authenticated principal.
func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	if ctx == nil {
		return nil, false
	}
	principal, ok := ctx.Value(principalContextKey{}).(*Principal)
	return principal, ok && principal != nil
}

// Authenticator validates bearer tokens before requests reach handlers.
type Authenticator struct {
	cfg    AuthConfig
	secret []byte
	logger *slog.Logger
	nowFn  func() time.Time
}

// NewAuthenticator constructs an authenticator from configuration.
func NewAuthenticator(cfg AuthConfig, logger *slog.Logger) (*Authenticator, error) {
	secret := strings.TrimSpace(cfg.HMACSecret)
	if secret == "" {
		return nil, errors.New("auth secret not configured")
	}
	if cfg.ScopeClaim == "" {
		cfg.ScopeClaim = "scope"
	}
	if cfg.ClockSkew <= 0 {
		cfg.ClockSkew = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Authenticator{cfg: cfg, secret: []byte(secret), logger: logger, nowFn: time.Now}, nil
}

// Middleware enforces a valid token carrying every required scope.
func (a *Authenticator) Middleware(requiredScopes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString := extractBearer(r.Header.Get("Authorization"))
			if tokenString == "" {
				writeJSONError(w, http.StatusUnauthorized, "missing bearer token")
				return
			}
			principal, err := a.authenticate(tokenString)
			if err != nil {
				a.logger.Debug("token rejected", slog.Any("error", err))
				writeJSONError(w, http.StatusUnauthorized, "invalid token")
				return
			}
			for _, scope := range requiredScopes {
				if !principal.HasScope(scope) {
					writeJSONError(w, http.StatusForbidden, "insufficient scope")
					return
				}
			}
			trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("enduser.id", principal.Address.Hex()))
			ctx := context.WithValue(r.Context(), principalContextKey{}, principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func (a *Authenticator) authenticate(tokenString string) (*Principal, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
		jwt.WithLeeway(a.cfg.ClockSkew),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.nowFn),
	}
	if a.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.cfg.Issuer))
	}
	if a.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(a.cfg.Audience))
	}
	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("token invalid")
	}
	subject, err := claims.GetSubject()
	if err != nil {
		return nil, err
	}
	if !common.IsHexAddress(subject) {
		return nil, errors.New("subject is not an address")
	}
	return &Principal{
		Address: common.HexToAddress(subject),
		Scopes:  extractScopes(claims, a.cfg.ScopeClaim),
	}, nil
}

func extractScopes(claims jwt.MapClaims, scopeClaim string) []string {
	switch v := claims[scopeClaim].(type) {
	case string:
		return strings.Fields(v)
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, entry := range v {
			if s, ok := entry.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func extractBearer(header string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
