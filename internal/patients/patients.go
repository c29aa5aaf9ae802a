// Package patients serves patient records and their attached documents.
package patients

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	ErrNotFound      = errors.New("patients: not found")
	ErrAlreadyExists = errors.New("patients: already exists")
	ErrUnavailable   = errors.New("patients: store unavailable")
)

const DateLayout = "2006-01-02"

type Patient struct {
	ID              int64     `json:"id_patient"`
	Civilite        string    `json:"civilite"`
	Nom             string    `json:"nom"`
	Prenom          string    `json:"prenom"`
	DateDeNaissance time.Time `json:"date_de_naissance"`
	Adresse         string    `json:"adresse"`
	CodePostal      string    `json:"code_postal"`
	Ville           string    `json:"ville"`
	Telephone       string    `json:"telephone"`
	Email           *string   `json:"email"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Detail is a patient with its documents, newest first.
type Detail struct {
	Patient
	Documents []Document `json:"documents"`
}

type Document struct {
	ID           int64     `json:"id_document"`
	NomFichier   string    `json:"nom_fichier"`
	TypeDocument string    `json:"type_document"`
	ContentType  string    `json:"content_type"`
	SizeBytes    int64     `json:"size_bytes"`
	Digest       string    `json:"digest"`
	PatientID    int64     `json:"patient_id"`
	CreatedAt    time.Time `json:"created_at"`
}

// Input is the writable part of a patient record.
type Input struct {
	Civilite        string  `json:"civilite" validate:"omitempty,oneof=Monsieur Madame Autre"`
	Nom             string  `json:"nom" validate:"required,max=100"`
	Prenom          string  `json:"prenom" validate:"required,max=100"`
	DateDeNaissance string  `json:"date_de_naissance" validate:"required,datetime=2006-01-02"`
	Adresse         string  `json:"adresse" validate:"required,max=255"`
	CodePostal      string  `json:"code_postal" validate:"required,numeric,len=5"`
	Ville           string  `json:"ville" validate:"required,max=100"`
	Telephone       string  `json:"telephone" validate:"required,max=20"`
	Email           *string `json:"email" validate:"omitempty,email,max=254"`
}

// Birth parses DateDeNaissance. Input must have passed validation.
func (in Input) Birth() time.Time {
	t, _ := time.Parse(DateLayout, in.DateDeNaissance)
	return t
}

func (in Input) normalized() Input {
	if in.Civilite == "" {
		in.Civilite = "Autre"
	}
	if in.Email != nil {
		e := strings.ToLower(strings.TrimSpace(*in.Email))
		if e == "" {
			in.Email = nil
		} else {
			in.Email = &e
		}
	}
	return in
}

// DocumentTypes are the accepted document categories.
var DocumentTypes = []string{
	"Attestation de carte vitale",
	"Autorisation de soins",
	"Autorisation de traitement",
	"Autorisation de visite",
	"Autorisation de remise à nuit",
	"Autorisation de départ",
	"Autorisation de débranchement",
	"Divers",
}

func validDocumentType(t string) bool {
	for _, v := range DocumentTypes {
		if v == t {
			return true
		}
	}
	return false
}

// Query selects a page of patients.
type Query struct {
	Page   int
	Limit  int
	Field  string
	Desc   bool
	Search string
}

// Page is one page of a patient listing.
type Page struct {
	Data  []Patient `json:"data"`
	Total int       `json:"total"`
	Page  int       `json:"page"`
	Limit int       `json:"limit"`
}

const (
	DefaultLimit = 10
	MaxLimit     = 100
)

// orderColumns whitelists the sortable fields.
var orderColumns = map[string]string{
	"id_patient":        "id",
	"nom":               "nom",
	"prenom":            "prenom",
	"date_de_naissance": "date_de_naissance",
	"created_at":        "created_at",
}

// Normalize clamps paging and rejects unknown sort fields by falling back to id.
func (q Query) Normalize() Query {
	if q.Page < 1 {
		q.Page = 1
	}
	switch {
	case q.Limit < 1:
		q.Limit = DefaultLimit
	case q.Limit > MaxLimit:
		q.Limit = MaxLimit
	}
	if _, ok := orderColumns[q.Field]; !ok {
		q.Field = "id_patient"
	}
	q.Search = strings.TrimSpace(q.Search)
	return q
}

func (q Query) offset() int { return (q.Page - 1) * q.Limit }

type Repository interface {
	List(ctx context.Context, q Query) (Page, error)
	Get(ctx context.Context, id int64) (Detail, error)
	Create(ctx context.Context, in Input) (Patient, error)
	Update(ctx context.Context, id int64, in Input) (Patient, error)
	// Delete removes the patient and its document rows, returning their blob keys.
	Delete(ctx context.Context, id int64) ([]string, error)

	AddDocument(ctx context.Context, d Document) (Document, error)
	Document(ctx context.Context, id int64) (Document, error)
	DeleteDocument(ctx context.Context, id int64) (Document, error)
}
