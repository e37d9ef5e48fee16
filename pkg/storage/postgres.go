/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/samber/lo"
	"k8s.io/utils/clock"

	"github.com/fleetops/dispatch/pkg/fleet"
)

const defaultQueryTimeout = 10 * time.Second

// Postgres implements Store on a PostgreSQL database through sqlx/pgx.
type Postgres struct {
	db    *sqlx.DB
	clock clock.Clock
}

// Open connects to the database and verifies the connection. Startup treats
// a failure here as fatal.
func Open(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sqlx.ConnectContext(ctx, "pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to primary store, %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	return &Postgres{db: db, clock: clock.RealClock{}}, nil
}

// NewPostgres wraps an existing handle; used by tests with sqlmock.
func NewPostgres(db *sqlx.DB, clk clock.Clock) *Postgres {
	return &Postgres{db: db, clock: clk}
}

func (p *Postgres) Close() error { return p.db.Close() }

type orderRow struct {
	ID                     string         `db:"id"`
	TrackingNumber         string         `db:"tracking_number"`
	PickupLat              float64        `db:"pickup_lat"`
	PickupLng              float64        `db:"pickup_lng"`
	DropoffLat             float64        `db:"dropoff_lat"`
	DropoffLng             float64        `db:"dropoff_lng"`
	PickupAddress          string         `db:"pickup_address"`
	DropoffAddress         string         `db:"dropoff_address"`
	ServiceClass           string         `db:"service_class"`
	WeightKg               float64        `db:"weight_kg"`
	CreatedAt              time.Time      `db:"created_at"`
	SLADeadline            time.Time      `db:"sla_deadline"`
	Status                 string         `db:"status"`
	DriverID               sql.NullString `db:"driver_id"`
	BatchID                sql.NullString `db:"batch_id"`
	ReassignmentCount      int            `db:"reassignment_count"`
	LastReassignmentReason sql.NullString `db:"last_reassignment_reason"`
	DeliveryETA            sql.NullTime   `db:"delivery_eta"`
}

func (r orderRow) toOrder() *fleet.Order {
	o := &fleet.Order{
		ID:                     r.ID,
		TrackingNumber:         r.TrackingNumber,
		Pickup:                 fleet.Location{Lat: r.PickupLat, Lng: r.PickupLng},
		Dropoff:                fleet.Location{Lat: r.DropoffLat, Lng: r.DropoffLng},
		PickupAddress:          r.PickupAddress,
		DropoffAddress:         r.DropoffAddress,
		ServiceClass:           fleet.ServiceClass(r.ServiceClass),
		WeightKg:               r.WeightKg,
		CreatedAt:              r.CreatedAt,
		SLADeadline:            r.SLADeadline,
		Status:                 fleet.OrderStatus(r.Status),
		DriverID:               r.DriverID.String,
		BatchID:                r.BatchID.String,
		ReassignmentCount:      r.ReassignmentCount,
		LastReassignmentReason: r.LastReassignmentReason.String,
	}
	if r.DeliveryETA.Valid {
		eta := r.DeliveryETA.Time
		o.DeliveryETA = &eta
	}
	return o
}

const orderColumns = `id, tracking_number, pickup_lat, pickup_lng, dropoff_lat, dropoff_lng,
	pickup_address, dropoff_address, service_class, weight_kg, created_at, sla_deadline,
	status, driver_id, batch_id, reassignment_count, last_reassignment_reason, delivery_eta`

func (p *Postgres) GetOrder(ctx context.Context, id string) (*fleet.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultQueryTimeout)
	defer cancel()
	var row orderRow
	err := p.db.GetContext(ctx, &row, fmt.Sprintf(`SELECT %s FROM orders WHERE id = $1`, orderColumns), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("order %s, %w", id, fleet.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return row.toOrder(), nil
}

func (p *Postgres) PendingOrders(ctx context.Context, f PendingFilter) ([]*fleet.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultQueryTimeout)
	defer cancel()
	now := p.clock.Now()
	query := fmt.Sprintf(`SELECT %s FROM orders
		WHERE status = 'PENDING' AND driver_id IS NULL
		  AND service_class = $1
		  AND created_at >= $2
		  AND sla_deadline >= $3`, orderColumns)
	if f.ExcludeBatched {
		query += ` AND batch_id IS NULL`
	}
	query += ` ORDER BY created_at ASC LIMIT $4`
	var rows []orderRow
	if err := p.db.SelectContext(ctx, &rows, query,
		string(f.ServiceClass), now.Add(-f.MaxAge), now.Add(f.MinSLABudget), f.Limit); err != nil {
		return nil, err
	}
	return lo.Map(rows, func(r orderRow, _ int) *fleet.Order { return r.toOrder() }), nil
}

func (p *Postgres) InFlightOrders(ctx context.Context) ([]*fleet.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultQueryTimeout)
	defer cancel()
	var rows []orderRow
	err := p.db.SelectContext(ctx, &rows, fmt.Sprintf(
		`SELECT %s FROM orders WHERE status IN ('ASSIGNED','PICKED_UP') ORDER BY sla_deadline ASC`, orderColumns))
	if err != nil {
		return nil, err
	}
	return lo.Map(rows, func(r orderRow, _ int) *fleet.Order { return r.toOrder() }), nil
}

func (p *Postgres) UpdateOrderStatus(ctx context.Context, id string, status fleet.OrderStatus) error {
	ctx, cancel := context.WithTimeout(ctx, defaultQueryTimeout)
	defer cancel()
	_, err := p.db.ExecContext(ctx, `UPDATE orders SET status = $2, updated_at = $3 WHERE id = $1`,
		id, string(status), p.clock.Now())
	return err
}

func (p *Postgres) UpdateOrderETA(ctx context.Context, id string, eta time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, defaultQueryTimeout)
	defer cancel()
	_, err := p.db.ExecContext(ctx, `UPDATE orders SET delivery_eta = $2 WHERE id = $1`, id, eta)
	return err
}

type driverRow struct {
	ID                    string         `db:"id"`
	Name                  string         `db:"name"`
	Active                bool           `db:"active"`
	State                 string         `db:"operational_state"`
	Lat                   float64        `db:"lat"`
	Lng                   float64        `db:"lng"`
	BaseLat               float64        `db:"base_lat"`
	BaseLng               float64        `db:"base_lng"`
	VehicleType           string         `db:"vehicle_type"`
	CapacityKg            float64        `db:"capacity_kg"`
	CurrentLoadKg         float64        `db:"current_load_kg"`
	ServiceClasses        sql.NullString `db:"service_classes"`
	Rating                float64        `db:"rating"`
	OnTimeRate            float64        `db:"on_time_rate"`
	CompletedToday        int            `db:"completed_today"`
	TargetDeliveries      int            `db:"target_deliveries"`
	GapFromTarget         int            `db:"gap_from_target"`
	ConsecutiveDeliveries int            `db:"consecutive_deliveries"`
	HoursWorkedToday      float64        `db:"hours_worked_today"`
	RequiresBreakAfter    int            `db:"requires_break_after"`
	ActiveOrderID         sql.NullString `db:"active_order_id"`
	UpdatedAt             time.Time      `db:"updated_at"`
}

func (r driverRow) toDriver() *fleet.Driver {
	d := &fleet.Driver{
		ID:                    r.ID,
		Name:                  r.Name,
		Active:                r.Active,
		State:                 fleet.DriverState(r.State),
		Location:              fleet.Location{Lat: r.Lat, Lng: r.Lng},
		Base:                  fleet.Location{Lat: r.BaseLat, Lng: r.BaseLng},
		VehicleType:           fleet.VehicleType(r.VehicleType),
		CapacityKg:            r.CapacityKg,
		CurrentLoadKg:         r.CurrentLoadKg,
		Rating:                r.Rating,
		OnTimeRate:            r.OnTimeRate,
		CompletedToday:        r.CompletedToday,
		TargetDeliveries:      r.TargetDeliveries,
		GapFromTarget:         r.GapFromTarget,
		ConsecutiveDeliveries: r.ConsecutiveDeliveries,
		HoursWorkedToday:      r.HoursWorkedToday,
		RequiresBreakAfter:    r.RequiresBreakAfter,
		ActiveOrderID:         r.ActiveOrderID.String,
		UpdatedAt:             r.UpdatedAt,
	}
	if r.ServiceClasses.Valid && r.ServiceClasses.String != "" {
		for _, c := range strings.Split(r.ServiceClasses.String, ",") {
			d.ServiceClasses = append(d.ServiceClasses, fleet.ServiceClass(strings.TrimSpace(c)))
		}
	}
	return d
}

const driverColumns = `id, name, active, operational_state, lat, lng, base_lat, base_lng,
	vehicle_type, capacity_kg, current_load_kg, service_classes, rating, on_time_rate,
	completed_today, target_deliveries, gap_from_target, consecutive_deliveries,
	hours_worked_today, requires_break_after, active_order_id, updated_at`

func (p *Postgres) GetDriver(ctx context.Context, id string) (*fleet.Driver, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultQueryTimeout)
	defer cancel()
	var row driverRow
	err := p.db.GetContext(ctx, &row, fmt.Sprintf(`SELECT %s FROM drivers WHERE id = $1`, driverColumns), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("driver %s, %w", id, fleet.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return row.toDriver(), nil
}

func (p *Postgres) ListDrivers(ctx context.Context) ([]*fleet.Driver, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultQueryTimeout)
	defer cancel()
	var rows []driverRow
	if err := p.db.SelectContext(ctx, &rows, fmt.Sprintf(`SELECT %s FROM drivers WHERE active`, driverColumns)); err != nil {
		return nil, err
	}
	return lo.Map(rows, func(r driverRow, _ int) *fleet.Driver { return r.toDriver() }), nil
}

// DriversNear runs the geospatial candidate query. The bounding box narrows
// the scan so the (operational_state, geography) index applies; the exact
// haversine cut happens in the caller's scoring pass.
func (p *Postgres) DriversNear(ctx context.Context, q DriverQuery) ([]*fleet.Driver, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultQueryTimeout)
	defer cancel()
	// 1 degree latitude ~ 111km; longitude shrinks with cos(lat) but the
	// box only needs to over-approximate.
	delta := q.RadiusKm / 111.0
	args := []any{q.Near.Lat - delta, q.Near.Lat + delta, q.Near.Lng - delta, q.Near.Lng + delta, q.MinRating}
	query := fmt.Sprintf(`SELECT %s FROM drivers
		WHERE active AND operational_state IN ('AVAILABLE','RETURNING')
		  AND lat BETWEEN $1 AND $2 AND lng BETWEEN $3 AND $4
		  AND rating >= $5`, driverColumns)
	if len(q.ExcludeVehicleTypes) > 0 {
		placeholders := make([]string, 0, len(q.ExcludeVehicleTypes))
		for _, vt := range q.ExcludeVehicleTypes {
			args = append(args, string(vt))
			placeholders = append(placeholders, fmt.Sprintf("$%d", len(args)))
		}
		query += fmt.Sprintf(` AND vehicle_type NOT IN (%s)`, strings.Join(placeholders, ","))
	}
	if q.Limit > 0 {
		args = append(args, q.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}
	var rows []driverRow
	if err := p.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	drivers := lo.Map(rows, func(r driverRow, _ int) *fleet.Driver { return r.toDriver() })
	return lo.Filter(drivers, func(d *fleet.Driver, _ int) bool {
		return d.Serves(q.ServiceClass) && fleet.HaversineKm(d.Location, q.Near) <= q.RadiusKm
	}), nil
}

func (p *Postgres) UpdateDriver(ctx context.Context, d *fleet.Driver) error {
	ctx, cancel := context.WithTimeout(ctx, defaultQueryTimeout)
	defer cancel()
	classes := strings.Join(lo.Map(d.ServiceClasses, func(c fleet.ServiceClass, _ int) string { return string(c) }), ",")
	_, err := p.db.ExecContext(ctx, `UPDATE drivers SET
		operational_state = $2, lat = $3, lng = $4, current_load_kg = $5,
		completed_today = $6, gap_from_target = $7, consecutive_deliveries = $8,
		hours_worked_today = $9, active_order_id = NULLIF($10, ''),
		service_classes = $11, updated_at = $12
		WHERE id = $1`,
		d.ID, string(d.State), d.Location.Lat, d.Location.Lng, d.CurrentLoadKg,
		d.CompletedToday, d.GapFromTarget, d.ConsecutiveDeliveries,
		d.HoursWorkedToday, d.ActiveOrderID, classes, p.clock.Now())
	return err
}

func (p *Postgres) ResetDailyMetrics(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultQueryTimeout)
	defer cancel()
	res, err := p.db.ExecContext(ctx, `UPDATE drivers SET
		completed_today = 0, consecutive_deliveries = 0, hours_worked_today = 0,
		gap_from_target = target_deliveries, updated_at = $1
		WHERE active`, p.clock.Now())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// AssignOrder claims the order row for the driver. The driver row is left
// untouched: the state engine owns the BUSY transition and persists it,
// which keeps the transition event single-sourced.
func (p *Postgres) AssignOrder(ctx context.Context, orderID, driverID string) error {
	ctx, cancel := context.WithTimeout(ctx, defaultQueryTimeout)
	defer cancel()
	res, err := p.db.ExecContext(ctx, `UPDATE orders SET status = 'ASSIGNED', driver_id = $2, updated_at = $3
		WHERE id = $1 AND status = 'PENDING'`, orderID, driverID, p.clock.Now())
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("order %s is no longer pending", orderID)
	}
	return nil
}

func (p *Postgres) ReassignOrder(ctx context.Context, h Handover) error {
	return p.inTx(ctx, func(tx *sqlx.Tx) error {
		now := p.clock.Now()
		res, err := tx.ExecContext(ctx, `UPDATE orders SET
			driver_id = $2, status = 'ASSIGNED',
			reassignment_count = reassignment_count + 1,
			last_reassignment_reason = $3, updated_at = $4
			WHERE id = $1 AND reassignment_count < $5`,
			h.OrderID, h.ToDriverID, h.Reason, now, fleet.MaxReassignmentAttempts)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fleet.ErrMaxReassignAttempts
		}
		if h.FromDriverID != "" {
			if _, err := tx.ExecContext(ctx, `UPDATE drivers SET operational_state = 'AVAILABLE', active_order_id = NULL, updated_at = $2
				WHERE id = $1`, h.FromDriverID, now); err != nil {
				return err
			}
		}
		if _, err := tx.ExecContext(ctx, `UPDATE drivers SET operational_state = 'BUSY', active_order_id = $2, updated_at = $3
			WHERE id = $1`, h.ToDriverID, h.OrderID, now); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO reassignment_events
			(order_id, from_driver_id, to_driver_id, reason, distance_km, driver_score, created_at)
			VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6, $7)`,
			h.OrderID, h.FromDriverID, h.ToDriverID, h.Reason, h.DistanceKm, h.DriverScore, now)
		return err
	})
}

func (p *Postgres) CreateBatch(ctx context.Context, b *fleet.Batch, route *fleet.Route) error {
	return p.inTx(ctx, func(tx *sqlx.Tx) error {
		now := p.clock.Now()
		if _, err := tx.ExecContext(ctx, `INSERT INTO batches (id, batch_number, service_class, status, driver_id, created_at)
			VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6)`,
			b.ID, b.Number, string(b.ServiceClass), string(b.Status), b.DriverID, now); err != nil {
			return err
		}
		for _, orderID := range b.OrderIDs {
			if _, err := tx.ExecContext(ctx, `UPDATE orders SET batch_id = $2, status = 'ASSIGNED',
				driver_id = NULLIF($3, ''), updated_at = $4 WHERE id = $1`,
				orderID, b.ID, b.DriverID, now); err != nil {
				return err
			}
		}
		if route == nil {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO routes (id, batch_id, driver_id, total_distance_km, total_duration_s, engine, fallback_reason)
			VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''))`,
			route.ID, route.BatchID, route.DriverID, route.TotalDistanceKm,
			int(route.TotalDuration.Seconds()), route.Engine, route.FallbackReason); err != nil {
			return err
		}
		for i, stop := range route.Stops {
			if _, err := tx.ExecContext(ctx, `INSERT INTO route_stops
				(route_id, seq, order_id, kind, lat, lng, eta, cumulative_load_kg)
				VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8)`,
				route.ID, i, stop.OrderID, string(stop.Kind),
				stop.Location.Lat, stop.Location.Lng, stop.ETA, stop.CumulativeLoadKg); err != nil {
				return err
			}
		}
		return nil
	})
}

func (p *Postgres) DissolveBatch(ctx context.Context, batchID string) error {
	return p.inTx(ctx, func(tx *sqlx.Tx) error {
		now := p.clock.Now()
		if _, err := tx.ExecContext(ctx, `UPDATE orders SET batch_id = NULL, updated_at = $2 WHERE batch_id = $1`,
			batchID, now); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `UPDATE batches SET status = 'CANCELLED' WHERE id = $1`, batchID)
		return err
	})
}

func (p *Postgres) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	ctx, cancel := context.WithTimeout(ctx, defaultQueryTimeout)
	defer cancel()
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
