// Package fixtures loads roles, permissions and users from YAML into a user store.
package fixtures

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"cmv.health/internal/auth"
)

// File is the fixtures document.
type File struct {
	Roles       []Role       `yaml:"roles"`
	Permissions []Permission `yaml:"permissions"`
	Users       []User       `yaml:"users"`
}

type Role struct {
	Name  string `yaml:"name"`
	Label string `yaml:"label"`
}

// Permission grants each listed action on each listed resource to a role.
type Permission struct {
	Role      string   `yaml:"role"`
	Actions   []string `yaml:"actions"`
	Resources []string `yaml:"resources"`
}

// User holds a plaintext password that is hashed at load time.
type User struct {
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	FirstName string `yaml:"prenom"`
	LastName  string `yaml:"nom"`
	Service   string `yaml:"service"`
	Role      string `yaml:"role"`
	Active    *bool  `yaml:"is_active"`
}

// Parse decodes a fixtures document, rejecting unknown keys.
func Parse(data []byte) (File, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return File{}, fmt.Errorf("parse fixtures: %w", err)
	}
	return f, nil
}

// LoadFile reads and parses path.
func LoadFile(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, err
	}
	return Parse(data)
}

// Summary counts what Apply wrote.
type Summary struct {
	Roles, Permissions, Users, SkippedUsers int
}

// Apply writes the fixtures. It is idempotent: existing users are left untouched.
func Apply(ctx context.Context, store auth.UserStore, f File, hashCost int) (Summary, error) {
	var sum Summary
	for _, r := range f.Roles {
		if _, err := store.EnsureRole(ctx, r.Name, r.Label); err != nil {
			return sum, fmt.Errorf("role %s: %w", r.Name, err)
		}
		sum.Roles++
	}
	for _, p := range f.Permissions {
		for _, action := range p.Actions {
			for _, resource := range p.Resources {
				if err := store.GrantPermission(ctx, p.Role, strings.ToLower(action), resource); err != nil {
					return sum, fmt.Errorf("permission %s/%s/%s: %w", p.Role, action, resource, err)
				}
				sum.Permissions++
			}
		}
	}
	for _, u := range f.Users {
		if _, err := store.UserByLogin(ctx, u.Username); err == nil {
			sum.SkippedUsers++
			continue
		} else if !errors.Is(err, auth.ErrNotFound) {
			return sum, fmt.Errorf("user %s: %w", u.Username, err)
		}
		hash, err := auth.HashPasswordWithCost(u.Password, hashCost)
		if err != nil {
			return sum, fmt.Errorf("user %s: %w", u.Username, err)
		}
		active := true
		if u.Active != nil {
			active = *u.Active
		}
		if _, err := store.CreateUser(ctx, auth.NewUser{
			Username:     u.Username,
			PasswordHash: hash,
			FirstName:    u.FirstName,
			LastName:     u.LastName,
			Service:      u.Service,
			RoleName:     u.Role,
			IsActive:     active,
		}); err != nil {
			return sum, fmt.Errorf("user %s: %w", u.Username, err)
		}
		sum.Users++
	}
	return sum, nil
}
