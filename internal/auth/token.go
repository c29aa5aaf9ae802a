package auth

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultTokenTTL applies when Issue* is called with a zero duration.
const DefaultTokenTTL = 15 * time.Minute

// DefaultSource tags internal tokens minted by the gateway.
const DefaultSource = "api_gateway"

// TokenKind tells the claim shapes apart.
type TokenKind int

const (
	KindSession TokenKind = iota + 1
	KindRefresh
	KindInternal
)

func (k TokenKind) String() string {
	switch k {
	case KindSession:
		return "session"
	case KindRefresh:
		return "refresh"
	case KindInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// Claims is the verified content of a token.
type Claims struct {
	Kind TokenKind

	// Session-bearing shape.
	Subject   string
	SessionID string

	// Internal shape.
	UserID int64
	Role   string
	Source string

	ExpiresAt time.Time
}

// SubjectID parses Subject as a numeric user id.
func (c *Claims) SubjectID() (int64, error) {
	if c.Kind == KindInternal {
		return c.UserID, nil
	}
	id, err := strconv.ParseInt(c.Subject, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: subject %q", ErrMalformed, c.Subject)
	}
	return id, nil
}

type wireClaims struct {
	SessionID string `json:"session_id,omitempty"`
	Use       string `json:"use,omitempty"`
	UserID    *int64 `json:"user_id,omitempty"`
	Role      string `json:"role,omitempty"`
	Source    string `json:"source,omitempty"`
	jwt.RegisteredClaims
}

const refreshUse = "refresh"

// Tokens issues and verifies HMAC-signed JWTs.
type Tokens struct {
	secret []byte
	method jwt.SigningMethod
	now    func() time.Time
	source string
}

// TokensOption configures Tokens.
type TokensOption func(*Tokens) error

// WithAlgorithm selects HS256, HS384 or HS512.
func WithAlgorithm(alg string) TokensOption {
	return func(t *Tokens) error {
		switch alg {
		case "", "HS256":
			t.method = jwt.SigningMethodHS256
		case "HS384":
			t.method = jwt.SigningMethodHS384
		case "HS512":
			t.method = jwt.SigningMethodHS512
		default:
			return fmt.Errorf("%w: unsupported algorithm %q", ErrInvalidInput, alg)
		}
		return nil
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) TokensOption {
	return func(t *Tokens) error {
		if now == nil {
			return fmt.Errorf("%w: clock is nil", ErrInvalidInput)
		}
		t.now = now
		return nil
	}
}

// WithSource sets the source tag of minted internal tokens.
func WithSource(source string) TokensOption {
	return func(t *Tokens) error {
		if source == "" {
			return fmt.Errorf("%w: source is empty", ErrInvalidInput)
		}
		t.source = source
		return nil
	}
}

// NewTokens constructs a token service around a symmetric key.
func NewTokens(secret []byte, opts ...TokensOption) (*Tokens, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("%w: signing key is empty", ErrInvalidInput)
	}
	t := &Tokens{
		secret: append([]byte(nil), secret...),
		method: jwt.SigningMethodHS256,
		now:    time.Now,
		source: DefaultSource,
	}
	for _, opt := range opts {
		if err := opt(t); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// MustNewTokens panics when the token service cannot be built. Intended for startup.
func MustNewTokens(secret []byte, opts ...TokensOption) *Tokens {
	t, err := NewTokens(secret, opts...)
	if err != nil {
		panic(err)
	}
	return t
}

// Source returns the tag stamped on internal tokens.
func (t *Tokens) Source() string { return t.source }

// IssueSession mints a session-bearing token {sub, session_id, exp}.
func (t *Tokens) IssueSession(subject, sessionID string, ttl time.Duration) (string, time.Time, error) {
	if subject == "" || sessionID == "" {
		return "", time.Time{}, fmt.Errorf("%w: subject and session id are required", ErrInvalidInput)
	}
	return t.sign(wireClaims{SessionID: sessionID, RegisteredClaims: jwt.RegisteredClaims{Subject: subject}}, ttl)
}

// IssueRefresh mints a refresh token. It carries a session id but is never accepted as an access credential.
func (t *Tokens) IssueRefresh(subject, sessionID string, ttl time.Duration) (string, time.Time, error) {
	if subject == "" || sessionID == "" {
		return "", time.Time{}, fmt.Errorf("%w: subject and session id are required", ErrInvalidInput)
	}
	return t.sign(wireClaims{SessionID: sessionID, Use: refreshUse, RegisteredClaims: jwt.RegisteredClaims{Subject: subject}}, ttl)
}

// IssueInternal mints a session-less token {user_id, role, exp, source}.
func (t *Tokens) IssueInternal(userID int64, role string, ttl time.Duration) (string, time.Time, error) {
	if role == "" {
		return "", time.Time{}, fmt.Errorf("%w: role is required", ErrInvalidInput)
	}
	uid := userID
	return t.sign(wireClaims{UserID: &uid, Role: role, Source: t.source}, ttl)
}

func (t *Tokens) sign(c wireClaims, ttl time.Duration) (string, time.Time, error) {
	if ttl == 0 {
		ttl = DefaultTokenTTL
	}
	exp := t.now().Add(ttl)
	c.ExpiresAt = jwt.NewNumericDate(exp)
	signed, err := jwt.NewWithClaims(t.method, c).SignedString(t.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp.Truncate(time.Second), nil
}

// Verify checks signature and expiry and classifies the claim shape.
// It does not consult the blacklist.
func (t *Tokens) Verify(token string) (*Claims, error) {
	if token == "" {
		return nil, ErrMalformed
	}
	var wc wireClaims
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{t.method.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(t.now),
	)
	_, err := parser.ParseWithClaims(token, &wc, func(*jwt.Token) (any, error) {
		return t.secret, nil
	})
	switch {
	case err == nil:
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		if t.expiredUnverified(token) {
			return nil, ErrExpired
		}
		return nil, ErrBadSignature
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, ErrExpired
	default:
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	c := &Claims{
		Subject:   wc.Subject,
		SessionID: wc.SessionID,
		Role:      wc.Role,
		Source:    wc.Source,
	}
	if wc.ExpiresAt != nil {
		c.ExpiresAt = wc.ExpiresAt.Time
	}
	switch {
	case wc.SessionID != "" && wc.Subject != "" && wc.UserID == nil:
		c.Kind = KindSession
		if wc.Use == refreshUse {
			c.Kind = KindRefresh
		} else if wc.Use != "" {
			return nil, fmt.Errorf("%w: unknown token use %q", ErrMalformed, wc.Use)
		}
	case wc.UserID != nil && wc.SessionID == "" && wc.Role != "" && wc.Source != "":
		c.Kind = KindInternal
		c.UserID = *wc.UserID
	default:
		return nil, fmt.Errorf("%w: unrecognised claim shape", ErrMalformed)
	}
	return c, nil
}

// expiredUnverified reports whether the token's exp has passed without checking its signature.
// An expired token is reported as expired whatever its signature.
func (t *Tokens) expiredUnverified(token string) bool {
	var wc wireClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &wc); err != nil || wc.ExpiresAt == nil {
		return false
	}
	return !t.now().Before(wc.ExpiresAt.Time)
}
