package security

import (
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
)

// Options controls signing and validation of session tokens.
type Options struct {
	Secret []byte        // HMAC key
	Alg    string        // HS256/HS384/HS512, default HS256
	TTL    time.Duration // default 2h
	Issuer string        // checked on Verify when set
}

// Claims is the validated content of a session token.
type Claims struct {
	jwtlib.RegisteredClaims
	Scope []string `json:"scope,omitempty"`
}

func DefaultOptions(secret []byte) Options {
	return Options{Secret: secret, Alg: "HS256", TTL: 2 * time.Hour}
}

var (
	ErrEmptySecret  = errors.New("jwt secret is empty")
	ErrEmptySubject = errors.New("token has no subject")
)

// Generate signs a token whose subject is userID.
func Generate(opts Options, userID string, scopes []string) (token string, expireAt time.Time, err error) {
	if len(opts.Secret) == 0 {
		return "", time.Time{}, ErrEmptySecret
	}
	method, err := signingMethod(opts.Alg)
	if err != nil {
		return "", time.Time{}, err
	}
	if opts.TTL <= 0 {
		opts.TTL = 2 * time.Hour
	}
	now := time.Now()
	exp := now.Add(opts.TTL)

	claims := Claims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   userID,
			Issuer:    opts.Issuer,
			IssuedAt:  jwtlib.NewNumericDate(now),
			NotBefore: jwtlib.NewNumericDate(now),
			ExpiresAt: jwtlib.NewNumericDate(exp),
		},
		Scope: scopes,
	}
	signed, err := jwtlib.NewWithClaims(method, claims).SignedString(opts.Secret)
	if err != nil {
		return "", time.Time{}, errors.Wrap(err, "sign token")
	}
	return signed, exp, nil
}

// Verify checks signature, expiry and issuer, and returns the claims.
// Only the configured HMAC algorithm is accepted.
func Verify(opts Options, token string) (*Claims, error) {
	if len(opts.Secret) == 0 {
		return nil, ErrEmptySecret
	}
	method, err := signingMethod(opts.Alg)
	if err != nil {
		return nil, err
	}
	parserOpts := []jwtlib.ParserOption{
		jwtlib.WithValidMethods([]string{method.Alg()}),
		jwtlib.WithExpirationRequired(),
	}
	if opts.Issuer != "" {
		parserOpts = append(parserOpts, jwtlib.WithIssuer(opts.Issuer))
	}

	claims := &Claims{}
	parsed, err := jwtlib.ParseWithClaims(token, claims, func(*jwtlib.Token) (interface{}, error) {
		return opts.Secret, nil
	}, parserOpts...)
	if err != nil {
		return nil, errors.Wrap(err, "verify token")
	}
	if !parsed.Valid {
		return nil, errors.New("invalid token")
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, ErrEmptySubject
	}
	return claims, nil
}

func signingMethod(alg string) (jwtlib.SigningMethod, error) {
	switch strings.ToUpper(strings.TrimSpace(alg)) {
	case "", "HS256":
		return jwtlib.SigningMethodHS256, nil
	case "HS384":
		return jwtlib.SigningMethodHS384, nil
	case "HS512":
		return jwtlib.SigningMethodHS512, nil
	default:
		return nil, errors.Errorf("unsupported alg: %s (use HS256/HS384/HS512)", alg)
	}
}
