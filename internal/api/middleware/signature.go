package middleware

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v4"
)

// DefaultSignatureTTL bounds how long a signed callback URL stays valid. It
// must outlast the longest expected call.
const DefaultSignatureTTL = 24 * time.Hour

const signatureIssuer = "callbridge"

// ErrBadSignature is returned when a callback signature does not verify.
var ErrBadSignature = errors.New("middleware: invalid callback signature")

// CallbackClaims binds a signature to one callback token.
type CallbackClaims struct {
	Token string `json:"tok"`
	jwt.RegisteredClaims
}

// CallbackSigner signs and verifies callback and media URLs with HS256.
type CallbackSigner struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewCallbackSigner creates a signer. A zero ttl uses DefaultSignatureTTL.
func NewCallbackSigner(secret []byte, ttl time.Duration) (*CallbackSigner, error) {
	if len(secret) < 32 {
		return nil, fmt.Errorf("middleware: callback secret must be at least 32 bytes, got %d", len(secret))
	}
	if ttl <= 0 {
		ttl = DefaultSignatureTTL
	}
	return &CallbackSigner{secret: secret, ttl: ttl, now: time.Now}, nil
}

// Sign returns a compact JWT binding token.
func (s *CallbackSigner) Sign(token string) (string, error) {
	now := s.now()
	claims := CallbackClaims{
		Token: token,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			Issuer:    signatureIssuer,
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// Verify checks that sig is a valid, unexpired signature for token.
func (s *CallbackSigner) Verify(sig, token string) error {
	if sig == "" {
		return fmt.Errorf("%w: missing", ErrBadSignature)
	}
	claims := &CallbackClaims{}
	parser := jwt.Parser{ValidMethods: []string{jwt.SigningMethodHS256.Alg()}}
	parsed, err := parser.ParseWithClaims(sig, claims, func(t *jwt.Token) (any, error) {
		return s.secret, nil
	})
	if err != nil || !parsed.Valid {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if claims.Token != token || claims.Issuer != signatureIssuer {
		return fmt.Errorf("%w: token mismatch", ErrBadSignature)
	}
	return nil
}

// RequireCallbackSignature returns middleware that rejects requests whose
// "sig" query parameter does not sign the route's {token} parameter. A nil
// signer disables the check.
func RequireCallbackSignature(signer *CallbackSigner, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if signer == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := chi.URLParam(r, "token")
			if err := signer.Verify(r.URL.Query().Get("sig"), token); err != nil {
				logger.Warn("rejected unsigned callback", "path", r.URL.Path, "error", err)
				writeError(w, http.StatusUnauthorized, "invalid signature")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
