package auth

import (
	"errors"
	"fmt"
	"unicode"

	"golang.org/x/crypto/bcrypt"
)

// HashPassword hashes plaintext password using bcrypt at the default cost.
func HashPassword(password string) (string, error) {
	return HashPasswordWithCost(password, bcrypt.DefaultCost)
}

// HashPasswordWithCost hashes plaintext password using bcrypt at the given cost.
func HashPasswordWithCost(password string, cost int) (string, error) {
	if len(password) == 0 {
		return "", errors.New("password is empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifyPassword compares plaintext password with stored hash.
func VerifyPassword(hash, password string) error {
	if hash == "" {
		return errors.New("password hash is empty")
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
}

// PasswordPolicy is the acceptance policy applied when a password is set.
// Login never checks it.
type PasswordPolicy struct {
	MinLength     int  `yaml:"min_length"`
	MaxLength     int  `yaml:"max_length"`
	RequireLower  bool `yaml:"require_lower"`
	RequireUpper  bool `yaml:"require_upper"`
	RequireDigit  bool `yaml:"require_digit"`
	RequireSymbol bool `yaml:"require_symbol"`
}

// StrictPasswordPolicy is the 12-character, four-class policy used for registration.
func StrictPasswordPolicy() PasswordPolicy {
	return PasswordPolicy{MinLength: 12, MaxLength: 72, RequireLower: true, RequireUpper: true, RequireDigit: true, RequireSymbol: true}
}

// BasicPasswordPolicy is the 8-character, four-class policy used for profile updates.
func BasicPasswordPolicy() PasswordPolicy {
	return PasswordPolicy{MinLength: 8, MaxLength: 72, RequireLower: true, RequireUpper: true, RequireDigit: true, RequireSymbol: true}
}

// Validate returns an error wrapping ErrWeakPassword when password violates the policy.
func (p PasswordPolicy) Validate(password string) error {
	n := len([]rune(password))
	if n < p.MinLength {
		return fmt.Errorf("%w: at least %d characters required", ErrWeakPassword, p.MinLength)
	}
	// bcrypt ignores everything past 72 bytes.
	if p.MaxLength > 0 && len(password) > p.MaxLength {
		return fmt.Errorf("%w: at most %d bytes allowed", ErrWeakPassword, p.MaxLength)
	}
	var hasLower, hasUpper, hasDigit, hasSymbol bool
	for _, r := range password {
		switch {
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsDigit(r):
			hasDigit = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			hasSymbol = true
		}
	}
	switch {
	case p.RequireLower && !hasLower:
		return fmt.Errorf("%w: a lowercase letter is required", ErrWeakPassword)
	case p.RequireUpper && !hasUpper:
		return fmt.Errorf("%w: an uppercase letter is required", ErrWeakPassword)
	case p.RequireDigit && !hasDigit:
		return fmt.Errorf("%w: a digit is required", ErrWeakPassword)
	case p.RequireSymbol && !hasSymbol:
		return fmt.Errorf("%w: a symbol is required", ErrWeakPassword)
	}
	return nil
}
