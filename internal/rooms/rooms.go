// Package rooms serves hospital units (services) and their rooms (chambres).
package rooms

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound      = errors.New("rooms: not found")
	ErrInvalidStatus = errors.New("rooms: invalid status")
	ErrUnavailable   = errors.New("rooms: store unavailable")
)

// Status is the occupancy state of a chambre.
type Status string

const (
	StatusLibre     Status = "libre"
	StatusOccupee   Status = "occupee"
	StatusNettoyage Status = "nettoyage"
)

// ParseStatus accepts the stored values and the accented labels used by the front end.
func ParseStatus(s string) (Status, error) {
	switch s {
	case "libre":
		return StatusLibre, nil
	case "occupee", "occupée":
		return StatusOccupee, nil
	case "nettoyage", "en cours de nettoyage":
		return StatusNettoyage, nil
	}
	return "", ErrInvalidStatus
}

type Chambre struct {
	ID               int64     `json:"id_chambre"`
	Nom              string    `json:"nom"`
	Status           Status    `json:"status"`
	DernierNettoyage time.Time `json:"dernier_nettoyage"`
	ServiceID        int64     `json:"service_id"`
}

// Service is a hospital unit with its chambres ordered by name.
type Service struct {
	ID       int64     `json:"id_service"`
	Nom      string    `json:"nom"`
	Chambres []Chambre `json:"chambres"`
}

type ServiceRef struct {
	ID  int64  `json:"id_service"`
	Nom string `json:"nom"`
}

// Repository is the rooms data store.
type Repository interface {
	Services(ctx context.Context) ([]Service, error)
	SimpleServices(ctx context.Context) ([]ServiceRef, error)
	Chambre(ctx context.Context, id int64) (Chambre, error)
	// FirstFree returns the first libre chambre of a service by name.
	FirstFree(ctx context.Context, serviceID int64) (Chambre, error)
	// SetStatus changes the status. Leaving nettoyage stamps DernierNettoyage with at.
	SetStatus(ctx context.Context, id int64, status Status, at time.Time) (Chambre, error)
}
