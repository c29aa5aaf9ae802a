package patients

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"cmv.health/internal/store/pg"
)

var _ Repository = (*PGRepository)(nil)

type PGRepository struct {
	db *sql.DB
}

func NewPGRepository(db *sql.DB) *PGRepository {
	return &PGRepository{db: db}
}

const patientColumns = `id, civilite, nom, prenom, date_de_naissance, adresse, code_postal, ville, telephone, email, created_at, updated_at`

func scanPatient(row interface{ Scan(...any) error }) (Patient, error) {
	var p Patient
	var email sql.NullString
	err := row.Scan(&p.ID, &p.Civilite, &p.Nom, &p.Prenom, &p.DateDeNaissance, &p.Adresse, &p.CodePostal,
		&p.Ville, &p.Telephone, &email, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Patient{}, ErrNotFound
		}
		return Patient{}, unavailable(err)
	}
	if email.Valid {
		p.Email = &email.String
	}
	return p, nil
}

const documentColumns = `id, nom_fichier, type_document, content_type, size_bytes, digest, patient_id, created_at`

func scanDocument(row interface{ Scan(...any) error }) (Document, error) {
	var d Document
	err := row.Scan(&d.ID, &d.NomFichier, &d.TypeDocument, &d.ContentType, &d.SizeBytes, &d.Digest, &d.PatientID, &d.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Document{}, ErrNotFound
		}
		return Document{}, unavailable(err)
	}
	return d, nil
}

// likePattern escapes LIKE metacharacters in a user search term.
func likePattern(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(strings.ToLower(s)) + "%"
}

func (r *PGRepository) List(ctx context.Context, q Query) (Page, error) {
	q = q.Normalize()
	where, args := "", []any{}
	if q.Search != "" {
		where = ` where lower(nom) like $1 escape '\' or lower(prenom) like $1 escape '\'
		   or lower(prenom || ' ' || nom) like $1 escape '\' or lower(nom || ' ' || prenom) like $1 escape '\'`
		args = append(args, likePattern(q.Search))
	}

	page := Page{Data: []Patient{}, Page: q.Page, Limit: q.Limit}
	if err := r.db.QueryRowContext(ctx, `select count(*) from patients`+where, args...).Scan(&page.Total); err != nil {
		return Page{}, unavailable(err)
	}
	dir := "asc"
	if q.Desc {
		dir = "desc"
	}
	n := len(args)
	query := fmt.Sprintf(`select %s from patients%s order by %s %s, id limit $%d offset $%d`,
		patientColumns, where, orderColumns[q.Field], dir, n+1, n+2)
	rows, err := r.db.QueryContext(ctx, query, append(args, q.Limit, q.offset())...)
	if err != nil {
		return Page{}, unavailable(err)
	}
	defer rows.Close()
	for rows.Next() {
		p, err := scanPatient(rows)
		if err != nil {
			return Page{}, err
		}
		page.Data = append(page.Data, p)
	}
	if err := rows.Err(); err != nil {
		return Page{}, unavailable(err)
	}
	return page, nil
}

func (r *PGRepository) Get(ctx context.Context, id int64) (Detail, error) {
	p, err := scanPatient(r.db.QueryRowContext(ctx, `select `+patientColumns+` from patients where id = $1`, id))
	if err != nil {
		return Detail{}, err
	}
	rows, err := r.db.QueryContext(ctx,
		`select `+documentColumns+` from documents where patient_id = $1 order by created_at desc, id desc`, id)
	if err != nil {
		return Detail{}, unavailable(err)
	}
	defer rows.Close()
	d := Detail{Patient: p, Documents: []Document{}}
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return Detail{}, err
		}
		d.Documents = append(d.Documents, doc)
	}
	if err := rows.Err(); err != nil {
		return Detail{}, unavailable(err)
	}
	return d, nil
}

func (r *PGRepository) Create(ctx context.Context, in Input) (Patient, error) {
	in = in.normalized()
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`select exists(select 1 from patients where lower(nom) = lower($1) and lower(prenom) = lower($2) and date_de_naissance = $3)`,
		in.Nom, in.Prenom, in.Birth()).Scan(&exists)
	if err != nil {
		return Patient{}, unavailable(err)
	}
	if exists {
		return Patient{}, ErrAlreadyExists
	}
	p, err := scanPatient(r.db.QueryRowContext(ctx,
		`insert into patients (civilite, nom, prenom, date_de_naissance, adresse, code_postal, ville, telephone, email)
		 values ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 returning `+patientColumns,
		in.Civilite, in.Nom, in.Prenom, in.Birth(), in.Adresse, in.CodePostal, in.Ville, in.Telephone, in.Email))
	if pg.IsCode(err, pg.ErrUniqueViolation) {
		return Patient{}, ErrAlreadyExists
	}
	return p, err
}

func (r *PGRepository) Update(ctx context.Context, id int64, in Input) (Patient, error) {
	in = in.normalized()
	p, err := scanPatient(r.db.QueryRowContext(ctx,
		`update patients
		    set civilite = $2, nom = $3, prenom = $4, date_de_naissance = $5, adresse = $6,
		        code_postal = $7, ville = $8, telephone = $9, email = $10, updated_at = now()
		  where id = $1
		returning `+patientColumns,
		id, in.Civilite, in.Nom, in.Prenom, in.Birth(), in.Adresse, in.CodePostal, in.Ville, in.Telephone, in.Email))
	if pg.IsCode(err, pg.ErrUniqueViolation) {
		return Patient{}, ErrAlreadyExists
	}
	return p, err
}

func (r *PGRepository) Delete(ctx context.Context, id int64) ([]string, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, unavailable(err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `delete from documents where patient_id = $1 returning nom_fichier`, id)
	if err != nil {
		return nil, unavailable(err)
	}
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			rows.Close()
			return nil, unavailable(err)
		}
		keys = append(keys, k)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, unavailable(err)
	}
	res, err := tx.ExecContext(ctx, `delete from patients where id = $1`, id)
	if err != nil {
		return nil, unavailable(err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, unavailable(err)
	} else if n == 0 {
		return nil, ErrNotFound
	}
	if err := tx.Commit(); err != nil {
		return nil, unavailable(err)
	}
	return keys, nil
}

func (r *PGRepository) AddDocument(ctx context.Context, d Document) (Document, error) {
	doc, err := scanDocument(r.db.QueryRowContext(ctx,
		`insert into documents (nom_fichier, type_document, content_type, size_bytes, digest, patient_id)
		 values ($1, $2, $3, $4, $5, $6)
		 returning `+documentColumns,
		d.NomFichier, d.TypeDocument, d.ContentType, d.SizeBytes, d.Digest, d.PatientID))
	if pg.IsCode(err, pg.ErrForeignKeyViolation) {
		return Document{}, ErrNotFound
	}
	return doc, err
}

func (r *PGRepository) Document(ctx context.Context, id int64) (Document, error) {
	return scanDocument(r.db.QueryRowContext(ctx, `select `+documentColumns+` from documents where id = $1`, id))
}

func (r *PGRepository) DeleteDocument(ctx context.Context, id int64) (Document, error) {
	return scanDocument(r.db.QueryRowContext(ctx, `delete from documents where id = $1 returning `+documentColumns, id))
}

func unavailable(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrUnavailable, err)
}
