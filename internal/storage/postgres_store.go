package storage

import (
	"database/sql"
	"errors"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/gf5-dispatch/internal/models"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) SaveRide(r *models.Ride) error {
	_, err := p.db.Exec(`INSERT INTO rides(id, rider_id, driver_id, origin_lat, origin_lon, dest_lat, dest_lon, status, payment_intent_id, created_at, updated_at) VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		r.ID, r.RiderID, r.DriverID, r.Origin.Lat, r.Origin.Lon, r.Destination.Lat, r.Destination.Lon, r.Status, r.PaymentIntentID, r.CreatedAt, r.UpdatedAt)
	return err
}

func (p *PostgresStore) UpdateRide(r *models.Ride) error {
	_, err := p.db.Exec(`UPDATE rides SET driver_id=$1, status=$2, payment_intent_id=$3, updated_at=$4 WHERE id=$5`,
		r.DriverID, r.Status, r.PaymentIntentID, time.Now(), r.ID)
	return err
}

func (p *PostgresStore) GetRide(id string) (models.Ride, error) {
	var r models.Ride
	err := p.db.QueryRow(`SELECT id, rider_id, driver_id, origin_lat, origin_lon, dest_lat, dest_lon, status, payment_intent_id, created_at, updated_at FROM rides WHERE id=$1`, id).
		Scan(&r.ID, &r.RiderID, &r.DriverID, &r.Origin.Lat, &r.Origin.Lon, &r.Destination.Lat, &r.Destination.Lon, &r.Status, &r.PaymentIntentID, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Ride{}, ErrRideNotFound
	}
	if err != nil {
		return models.Ride{}, err
	}
	return r, nil
}
