package booking

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/sokoflow/backend/internal/apperr"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository stores windows and appointments in PostgreSQL.
type Repository struct {
	pool querier
}

// NewRepository initializes the repo.
func NewRepository(pool querier) *Repository {
	if pool == nil {
		panic("booking: pgx pool required")
	}
	return &Repository{pool: pool}
}

// WindowsForService returns the availability windows of one service.
func (r *Repository) WindowsForService(ctx context.Context, tenantID, serviceID string) ([]Window, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, tenant_id, service_id, weekday, date, start_time, end_time, capacity, timezone
		FROM availability_windows
		WHERE tenant_id = $1 AND service_id = $2
		ORDER BY weekday NULLS LAST, date NULLS LAST, start_time
	`, tenantID, serviceID)
	if err != nil {
		return nil, fmt.Errorf("booking: windows: %w", err)
	}
	defer rows.Close()

	var out []Window
	for rows.Next() {
		var w Window
		if err := rows.Scan(&w.ID, &w.TenantID, &w.ServiceID, &w.Weekday, &w.Date,
			&w.StartTime, &w.EndTime, &w.Capacity, &w.Timezone); err != nil {
			return nil, fmt.Errorf("booking: scan window: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// Book creates an appointment inside a window, enforcing capacity with a
// conditional insert: the row lands only while the count of live
// appointments in that window and slot stays below capacity.
func (r *Repository) Book(ctx context.Context, a *Appointment) (*Appointment, error) {
	if a.TenantID == "" || a.CustomerID == "" || a.WindowID == "" {
		return nil, apperr.New(apperr.CodeInvalidInput, "tenant, customer and window are required")
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}

	row := r.pool.QueryRow(ctx, `
		INSERT INTO appointments (id, tenant_id, service_id, customer_id, window_id, status, starts_at)
		SELECT $1, $2, $3, $4, $5, 'pending', $6
		WHERE (
			SELECT count(*) FROM appointments
			WHERE tenant_id = $2 AND window_id = $5 AND starts_at = $6
			  AND status IN ('pending', 'confirmed')
		) < (SELECT capacity FROM availability_windows WHERE id = $5 AND tenant_id = $2)
		RETURNING id, tenant_id, service_id, customer_id, window_id, status, starts_at, created_at
	`, a.ID, a.TenantID, a.ServiceID, a.CustomerID, a.WindowID, a.StartsAt)

	var out Appointment
	err := row.Scan(&out.ID, &out.TenantID, &out.ServiceID, &out.CustomerID,
		&out.WindowID, &out.Status, &out.StartsAt, &out.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.New(apperr.CodeCapacityExceeded, "window is fully booked")
	}
	if err != nil {
		return nil, fmt.Errorf("booking: book: %w", err)
	}
	return &out, nil
}

// Transition moves an appointment through its state machine.
func (r *Repository) Transition(ctx context.Context, tenantID, appointmentID string, to AppointmentStatus) error {
	appt, err := r.GetByID(ctx, tenantID, appointmentID)
	if err != nil {
		return err
	}
	if !CanTransition(appt.Status, to) {
		return apperr.Newf(apperr.CodeConflict, "cannot move appointment from %s to %s", appt.Status, to)
	}
	ct, err := r.pool.Exec(ctx,
		`UPDATE appointments SET status = $1 WHERE id = $2 AND tenant_id = $3 AND status = $4`,
		to, appointmentID, tenantID, appt.Status,
	)
	if err != nil {
		return fmt.Errorf("booking: transition: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return apperr.New(apperr.CodeConflict, "appointment changed concurrently")
	}
	return nil
}

// GetByID fetches one appointment, tenant-scoped.
func (r *Repository) GetByID(ctx context.Context, tenantID, appointmentID string) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, tenant_id, service_id, customer_id, window_id, status, starts_at, created_at
		FROM appointments WHERE id = $1 AND tenant_id = $2
	`, appointmentID, tenantID)
	var a Appointment
	err := row.Scan(&a.ID, &a.TenantID, &a.ServiceID, &a.CustomerID, &a.WindowID,
		&a.Status, &a.StartsAt, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.New(apperr.CodeResourceNotFound, "appointment not found")
	}
	if err != nil {
		return nil, fmt.Errorf("booking: get: %w", err)
	}
	return &a, nil
}
