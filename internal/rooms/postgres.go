package rooms

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var _ Repository = (*PGRepository)(nil)

type PGRepository struct {
	db *sql.DB
}

func NewPGRepository(db *sql.DB) *PGRepository {
	return &PGRepository{db: db}
}

const selectChambre = `select id, nom, status, dernier_nettoyage, service_id from chambres`

func scanChambre(row interface{ Scan(...any) error }) (Chambre, error) {
	var c Chambre
	var status string
	if err := row.Scan(&c.ID, &c.Nom, &status, &c.DernierNettoyage, &c.ServiceID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Chambre{}, ErrNotFound
		}
		return Chambre{}, unavailable(err)
	}
	c.Status = Status(status)
	return c, nil
}

func (r *PGRepository) Services(ctx context.Context) ([]Service, error) {
	rows, err := r.db.QueryContext(ctx,
		`select s.id, s.nom, c.id, c.nom, c.status, c.dernier_nettoyage
		   from services s left join chambres c on c.service_id = s.id
		  order by s.nom, c.nom`)
	if err != nil {
		return nil, unavailable(err)
	}
	defer rows.Close()

	var out []Service
	for rows.Next() {
		var (
			sid    int64
			snom   string
			cid    sql.NullInt64
			cnom   sql.NullString
			status sql.NullString
			clean  sql.NullTime
		)
		if err := rows.Scan(&sid, &snom, &cid, &cnom, &status, &clean); err != nil {
			return nil, unavailable(err)
		}
		if len(out) == 0 || out[len(out)-1].ID != sid {
			out = append(out, Service{ID: sid, Nom: snom, Chambres: []Chambre{}})
		}
		if cid.Valid {
			svc := &out[len(out)-1]
			svc.Chambres = append(svc.Chambres, Chambre{
				ID:               cid.Int64,
				Nom:              cnom.String,
				Status:           Status(status.String),
				DernierNettoyage: clean.Time,
				ServiceID:        sid,
			})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(err)
	}
	return out, nil
}

func (r *PGRepository) SimpleServices(ctx context.Context) ([]ServiceRef, error) {
	rows, err := r.db.QueryContext(ctx, `select id, nom from services order by nom`)
	if err != nil {
		return nil, unavailable(err)
	}
	defer rows.Close()
	out := []ServiceRef{}
	for rows.Next() {
		var s ServiceRef
		if err := rows.Scan(&s.ID, &s.Nom); err != nil {
			return nil, unavailable(err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(err)
	}
	return out, nil
}

func (r *PGRepository) Chambre(ctx context.Context, id int64) (Chambre, error) {
	return scanChambre(r.db.QueryRowContext(ctx, selectChambre+` where id = $1`, id))
}

func (r *PGRepository) FirstFree(ctx context.Context, serviceID int64) (Chambre, error) {
	return scanChambre(r.db.QueryRowContext(ctx,
		selectChambre+` where service_id = $1 and status = 'libre' order by nom limit 1`, serviceID))
}

func (r *PGRepository) SetStatus(ctx context.Context, id int64, status Status, at time.Time) (Chambre, error) {
	return scanChambre(r.db.QueryRowContext(ctx,
		`update chambres
		    set dernier_nettoyage = case when status = 'nettoyage' and $2::text <> 'nettoyage' then $3 else dernier_nettoyage end,
		        status = $2
		  where id = $1
		returning id, nom, status, dernier_nettoyage, service_id`,
		id, string(status), at))
}

func unavailable(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrUnavailable, err)
}
