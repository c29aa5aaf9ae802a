package auth

import "time"

// Role is a named category of users ("home", "nurses", "it", ...).
type Role struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Label string `json:"label"`
}

// User is a Credential Store record. Users are never hard-deleted; IsActive disables them.
type User struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	FirstName    string    `json:"prenom"`
	LastName     string    `json:"nom"`
	Service      string    `json:"service"`
	IsActive     bool      `json:"is_active"`
	Role         Role      `json:"role"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Permission is one (role, action, resource) triple. Its existence is the only
// authorization signal.
type Permission struct {
	ID       int64  `json:"id"`
	Role     string `json:"role"`
	Action   string `json:"action"`
	Resource string `json:"resource"`
}

// NewUser carries the fields required to register a user.
type NewUser struct {
	Username     string
	PasswordHash string
	FirstName    string
	LastName     string
	Service      string
	RoleName     string
	IsActive     bool
}

// Principal is the identity acting in a request.
type Principal struct {
	UserID    int64  `json:"user_id"`
	Username  string `json:"username,omitempty"`
	Role      string `json:"role"`
	FirstName string `json:"prenom,omitempty"`
	LastName  string `json:"nom,omitempty"`
	Service   string `json:"service,omitempty"`

	// SessionID is set when the principal was resolved from a session-bearing token.
	SessionID string `json:"-"`
	// Internal marks principals resolved from a gateway-minted internal token.
	Internal bool `json:"-"`
}

// PrincipalFromUser builds a principal for the given user record.
func PrincipalFromUser(u User, sessionID string) Principal {
	return Principal{
		UserID:    u.ID,
		Username:  u.Username,
		Role:      u.Role.Name,
		FirstName: u.FirstName,
		LastName:  u.LastName,
		Service:   u.Service,
		SessionID: sessionID,
	}
}
