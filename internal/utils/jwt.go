package utils // package utils provides helper functions for token creation and hashing

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5" // JWT library for creating and parsing signed tokens
)

// DefaultTokenTTL is how long an access token stays valid after login.
const DefaultTokenTTL = 24 * time.Hour

// AccessToken represents a signed JWT access token along with the instants
// it was issued and stops being valid.  Tokens are never stored server-side;
// expiry is the only way a token is terminated.
type AccessToken struct {
	Token     string    // the serialized JWT string
	IssuedAt  time.Time // UTC issue time (second precision)
	ExpiresAt time.Time // UTC expiration time (second precision)
}

// Identity is the subject a verified token speaks for.
type Identity struct {
	UserID   uint64
	Username string
}

// Claims carries the subject username next to the registered claims.  The
// user id travels in the standard "sub" claim as a decimal string.
type Claims struct {
	jwt.RegisteredClaims
	Username string `json:"username"`
}

// TokenIssuer mints and verifies HS256 access tokens with a process-wide
// secret.  The zero value is not usable; build one with NewTokenIssuer.
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenIssuer returns an issuer signing with secret.  A non-positive ttl
// falls back to DefaultTokenTTL.  An empty secret is rejected because every
// token signed with it would be forgeable.
func NewTokenIssuer(secret string, ttl time.Duration) (*TokenIssuer, error) {
	if secret == "" {
		return nil, errors.New("token issuer: empty signing secret")
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &TokenIssuer{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

// WithClock returns a copy of the issuer that reads the current time from
// now.  It exists so expiry can be exercised without sleeping.
func (ti *TokenIssuer) WithClock(now func() time.Time) *TokenIssuer {
	cp := *ti
	cp.now = now
	return &cp
}

// Issue builds and signs a token for the given user.  The JWT includes the
// subject (sub), username, issued at (iat) and expiration (exp).
func (ti *TokenIssuer) Issue(userID uint64, username string) (AccessToken, error) {
	iat := ti.now().UTC().Truncate(time.Second)
	exp := iat.Add(ti.ttl)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatUint(userID, 10),
			IssuedAt:  jwt.NewNumericDate(iat),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		Username: username,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(ti.secret)
	if err != nil {
		return AccessToken{}, fmt.Errorf("sign token: %w", err)
	}
	return AccessToken{Token: signed, IssuedAt: iat, ExpiresAt: exp}, nil
}

// Verify checks the signature and expiry of raw and returns the identity it
// was issued for.  Any failure is terminal: ErrTokenExpired when the clock
// has reached exp, ErrTokenInvalid for everything else.
func (ti *TokenIssuer) Verify(raw string) (Identity, error) {
	claims := &Claims{}
	tok, err := jwt.ParseWithClaims(raw, claims,
		func(t *jwt.Token) (interface{}, error) { return ti.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(ti.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, ErrTokenExpired
		}
		return Identity{}, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if !tok.Valid {
		return Identity{}, ErrTokenInvalid
	}
	uid, err := strconv.ParseUint(claims.Subject, 10, 64)
	if err != nil || uid == 0 || claims.Username == "" {
		return Identity{}, fmt.Errorf("%w: missing subject", ErrTokenInvalid)
	}
	return Identity{UserID: uid, Username: claims.Username}, nil
}
