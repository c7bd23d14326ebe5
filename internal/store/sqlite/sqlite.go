// Package sqlite implements store.Store on an embedded, single-file SQLite
// database, using manual SQL and database/sql Scan calls rather than an
// ORM, on a pure-Go embedded driver so the daemon carries no external
// database process.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/bakerylabs/bakeryd/internal/apperr"
	"github.com/bakerylabs/bakeryd/internal/domain"
	"github.com/bakerylabs/bakeryd/internal/store"
)

// Store implements store.Store on *sql.DB.
type Store struct {
	db  *sql.DB
	log *slog.Logger
}

var _ store.Store = (*Store)(nil)

// Open opens (creating if absent) the SQLite file at path, applies pending
// migrations, and returns a ready Store. path should live under the
// configured data directory.
func Open(ctx context.Context, path string, log *slog.Logger) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1) // one writer; modernc.org/sqlite is not safe for concurrent writers.

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}
	if err := migrate(ctx, db, log); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, log: log}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func nowUTC() time.Time { return time.Now().UTC() }

// CreatePie inserts a pie and its pie.created audit row atomically.
func (s *Store) CreatePie(ctx context.Context, name, slug string) (domain.Pie, error) {
	pie := domain.Pie{ID: uuid.NewString(), Name: name, Slug: slug, CreatedAt: nowUTC()}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO pies (id, name, slug, created_at) VALUES (?, ?, ?, ?)`,
			pie.ID, pie.Name, pie.Slug, pie.CreatedAt)
		if err != nil {
			if isUniqueViolation(err) {
				return apperr.Conflict(fmt.Sprintf("pie slug %q already exists", slug))
			}
			return err
		}
		payload, _ := json.Marshal(map[string]string{"pieId": pie.ID, "slug": pie.Slug})
		return insertAudit(ctx, tx, domain.AuditPieCreated, &pie.ID, nil, payload)
	})
	if err != nil {
		return domain.Pie{}, err
	}
	return pie, nil
}

// ListPies returns pies ordered by createdAt descending.
func (s *Store) ListPies(ctx context.Context) ([]domain.Pie, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, slug, created_at FROM pies ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pies []domain.Pie
	for rows.Next() {
		var p domain.Pie
		if err := rows.Scan(&p.ID, &p.Name, &p.Slug, &p.CreatedAt); err != nil {
			return nil, err
		}
		pies = append(pies, p)
	}
	return pies, rows.Err()
}

// FindPieByIDOrSlug returns nil, nil when no pie matches.
func (s *Store) FindPieByIDOrSlug(ctx context.Context, identifier string) (*domain.Pie, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, slug, created_at FROM pies WHERE id = ? OR slug = ? LIMIT 1`,
		identifier, identifier)
	var p domain.Pie
	if err := row.Scan(&p.ID, &p.Name, &p.Slug, &p.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &p, nil
}

// DeletePieCascade stops and removes every slice of the pie, removes the
// pie, and appends the slice.deleted/pie.deleted audit trail, atomically.
func (s *Store) DeletePieCascade(ctx context.Context, pieID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT id FROM slices WHERE pie_id = ?`, pieID)
		if err != nil {
			return err
		}
		var sliceIDs []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			sliceIDs = append(sliceIDs, id)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		rows.Close()

		for _, sliceID := range sliceIDs {
			if _, err := tx.ExecContext(ctx, `UPDATE slices SET status = ?, stopped_at = ? WHERE id = ? AND status != ?`,
				domain.SliceStatusStopped, nowUTC(), sliceID, domain.SliceStatusStopped); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM slices WHERE id = ?`, sliceID); err != nil {
				return err
			}
		}

		res, err := tx.ExecContext(ctx, `DELETE FROM pies WHERE id = ?`, pieID)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return apperr.NotFound(fmt.Sprintf("pie %q not found", pieID))
		}

		// The pie row is already gone by this point, so these audit rows
		// are inserted with a nil pie_id column: an ON DELETE SET NULL
		// cascade fires against in-transaction state, and an insert before
		// the pie delete would be retroactively nulled the moment it runs.
		// The human-readable pieId still lands in the JSON payload.
		for _, sliceID := range sliceIDs {
			payload, _ := json.Marshal(map[string]string{"sliceId": sliceID, "pieId": pieID})
			if err := insertAudit(ctx, tx, domain.AuditSliceDeleted, nil, nil, payload); err != nil {
				return err
			}
		}

		payload, _ := json.Marshal(map[string]string{"pieId": pieID})
		return insertAudit(ctx, tx, domain.AuditPieDeleted, nil, nil, payload)
	})
}

// NextSliceOrdinal returns max(ordinal)+1 for the pie, starting at 1.
func (s *Store) NextSliceOrdinal(ctx context.Context, pieID string) (int, error) {
	var maxOrdinal sql.NullInt64
	row := s.db.QueryRowContext(ctx, `SELECT MAX(ordinal) FROM slices WHERE pie_id = ?`, pieID)
	if err := row.Scan(&maxOrdinal); err != nil {
		return 0, err
	}
	if !maxOrdinal.Valid {
		return 1, nil
	}
	return int(maxOrdinal.Int64) + 1, nil
}

// CreateSlice inserts a slice row in the given status.
func (s *Store) CreateSlice(ctx context.Context, pieID string, ordinal int, host, status string) (domain.Slice, error) {
	var slice domain.Slice
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		slice, err = createSliceTx(ctx, tx, pieID, ordinal, host, status)
		return err
	})
	return slice, err
}

func createSliceTx(ctx context.Context, tx *sql.Tx, pieID string, ordinal int, host, status string) (domain.Slice, error) {
	slice := domain.Slice{ID: uuid.NewString(), PieID: pieID, Ordinal: ordinal, Host: host, Status: status, CreatedAt: nowUTC()}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO slices (id, pie_id, ordinal, host, status, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		slice.ID, slice.PieID, slice.Ordinal, slice.Host, slice.Status, slice.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Slice{}, apperr.InvalidArgument(fmt.Sprintf("slice host %q or ordinal %d already exists", host, ordinal))
		}
		return domain.Slice{}, err
	}
	return slice, nil
}

// AddSliceResources inserts the resource batch for a slice in one
// transaction.
func (s *Store) AddSliceResources(ctx context.Context, sliceID string, resources []store.SliceResourceInput) ([]domain.SliceResource, error) {
	var out []domain.SliceResource
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		out, err = addSliceResourcesTx(ctx, tx, sliceID, resources)
		return err
	})
	return out, err
}

func addSliceResourcesTx(ctx context.Context, tx *sql.Tx, sliceID string, resources []store.SliceResourceInput) ([]domain.SliceResource, error) {
	out := make([]domain.SliceResource, 0, len(resources))
	for _, r := range resources {
		isPrimary := 0
		if r.Protocol == domain.ProtocolHTTP && r.Expose == domain.ExposePrimary {
			isPrimary = 1
		}
		resource := domain.SliceResource{
			ID:            uuid.NewString(),
			SliceID:       sliceID,
			Key:           r.Key,
			AllocatedPort: r.AllocatedPort,
			Protocol:      r.Protocol,
			Expose:        r.Expose,
			RouteHost:     r.RouteHost,
			RouteURL:      r.RouteURL,
			CreatedAt:     nowUTC(),
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO slice_resources (id, slice_id, key, allocated_port, protocol, expose, route_host, route_url, is_primary_http, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			resource.ID, resource.SliceID, resource.Key, resource.AllocatedPort, resource.Protocol, resource.Expose,
			resource.RouteHost, resource.RouteURL, isPrimary, resource.CreatedAt)
		if err != nil {
			if isUniqueViolation(err) {
				return nil, apperr.InvalidArgument(fmt.Sprintf("resource key %q, port %d, or route host collides with an existing resource", r.Key, r.AllocatedPort))
			}
			return nil, err
		}
		out = append(out, resource)
	}
	return out, nil
}

// CreateSliceWithResources combines slice creation, resource insertion, and
// the slice.created audit into one transaction.
func (s *Store) CreateSliceWithResources(ctx context.Context, pieID string, ordinal int, host string, resources []store.SliceResourceInput) (domain.SliceWithResources, error) {
	var result domain.SliceWithResources
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		slice, err := createSliceTx(ctx, tx, pieID, ordinal, host, domain.SliceStatusRunning)
		if err != nil {
			return err
		}
		resourceRows, err := addSliceResourcesTx(ctx, tx, slice.ID, resources)
		if err != nil {
			return err
		}
		payload, _ := json.Marshal(map[string]any{"sliceId": slice.ID, "pieId": pieID, "host": host, "ordinal": ordinal})
		if err := insertAudit(ctx, tx, domain.AuditSliceCreated, &pieID, &slice.ID, payload); err != nil {
			return err
		}
		result = domain.SliceWithResources{Slice: slice, Resources: resourceRows}
		return nil
	})
	return result, err
}

// StopSlice idempotently transitions a slice to stopped and appends a
// slice.stopped audit row, atomically.
func (s *Store) StopSlice(ctx context.Context, sliceID string) (domain.Slice, error) {
	var slice domain.Slice
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT id, pie_id, ordinal, host, status, created_at, stopped_at FROM slices WHERE id = ?`, sliceID)
		if err := scanSlice(row, &slice); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return apperr.NotFound(fmt.Sprintf("slice %q not found", sliceID))
			}
			return err
		}
		if slice.Status != domain.SliceStatusStopped {
			stoppedAt := nowUTC()
			if _, err := tx.ExecContext(ctx, `UPDATE slices SET status = ?, stopped_at = ? WHERE id = ?`,
				domain.SliceStatusStopped, stoppedAt, sliceID); err != nil {
				return err
			}
			slice.Status = domain.SliceStatusStopped
			slice.StoppedAt = &stoppedAt
		}
		payload, _ := json.Marshal(map[string]string{"sliceId": sliceID, "pieId": slice.PieID})
		return insertAudit(ctx, tx, domain.AuditSliceStopped, &slice.PieID, &sliceID, payload)
	})
	return slice, err
}

// DeleteSliceCascade removes the slice and appends a slice.deleted audit
// row with pieId set and sliceId null, atomically.
func (s *Store) DeleteSliceCascade(ctx context.Context, sliceID string) (string, error) {
	var pieID string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT pie_id FROM slices WHERE id = ?`, sliceID)
		if err := row.Scan(&pieID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return apperr.NotFound(fmt.Sprintf("slice %q not found", sliceID))
			}
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM slices WHERE id = ?`, sliceID); err != nil {
			return err
		}
		payload, _ := json.Marshal(map[string]string{"sliceId": sliceID, "pieId": pieID})
		return insertAudit(ctx, tx, domain.AuditSliceDeleted, &pieID, nil, payload)
	})
	return pieID, err
}

// GetSliceByID returns a slice with its resources, or nil, nil when absent.
func (s *Store) GetSliceByID(ctx context.Context, sliceID string) (*domain.SliceWithResources, error) {
	return s.getSliceBy(ctx, "id", sliceID)
}

// GetSliceByHost returns a slice with its resources, or nil, nil when absent.
func (s *Store) GetSliceByHost(ctx context.Context, host string) (*domain.SliceWithResources, error) {
	return s.getSliceBy(ctx, "host", host)
}

func (s *Store) getSliceBy(ctx context.Context, column, value string) (*domain.SliceWithResources, error) {
	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT id, pie_id, ordinal, host, status, created_at, stopped_at FROM slices WHERE %s = ?`, column),
		value)
	var slice domain.Slice
	if err := scanSlice(row, &slice); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	resources, err := s.listResources(ctx, slice.ID)
	if err != nil {
		return nil, err
	}
	return &domain.SliceWithResources{Slice: slice, Resources: resources}, nil
}

// ListSlices lists slices, optionally filtered to one pie, newest first.
func (s *Store) ListSlices(ctx context.Context, filter store.ListSlicesFilter) ([]domain.SliceWithResources, error) {
	query := `SELECT id, pie_id, ordinal, host, status, created_at, stopped_at FROM slices`
	args := []any{}
	if !filter.All && filter.PieID != "" {
		query += ` WHERE pie_id = ?`
		args = append(args, filter.PieID)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var slices []domain.Slice
	for rows.Next() {
		var sl domain.Slice
		if err := scanSliceRows(rows, &sl); err != nil {
			rows.Close()
			return nil, err
		}
		slices = append(slices, sl)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	out := make([]domain.SliceWithResources, 0, len(slices))
	for _, sl := range slices {
		resources, err := s.listResources(ctx, sl.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, domain.SliceWithResources{Slice: sl, Resources: resources})
	}
	return out, nil
}

func (s *Store) listResources(ctx context.Context, sliceID string) ([]domain.SliceResource, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, slice_id, key, allocated_port, protocol, expose, route_host, route_url, created_at
		 FROM slice_resources WHERE slice_id = ? ORDER BY created_at ASC`, sliceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var resources []domain.SliceResource
	for rows.Next() {
		var r domain.SliceResource
		if err := rows.Scan(&r.ID, &r.SliceID, &r.Key, &r.AllocatedPort, &r.Protocol, &r.Expose, &r.RouteHost, &r.RouteURL, &r.CreatedAt); err != nil {
			return nil, err
		}
		resources = append(resources, r)
	}
	return resources, rows.Err()
}

// AllocatedPorts returns every port persisted across all resources ever
// active, for the port allocator's reserved set.
func (s *Store) AllocatedPorts(ctx context.Context) ([]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT allocated_port FROM slice_resources`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ports []int
	for rows.Next() {
		var p int
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		ports = append(ports, p)
	}
	return ports, rows.Err()
}

// GetHostRoute performs the derived HostRoute lookup the router proxy uses
// on every request.
func (s *Store) GetHostRoute(ctx context.Context, host string) (*domain.HostRoute, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT sr.route_host, sr.allocated_port, sl.id, sl.pie_id, sl.status
		FROM slice_resources sr
		JOIN slices sl ON sl.id = sr.slice_id
		WHERE sr.route_host = ?
		LIMIT 1`, host)

	var route domain.HostRoute
	if err := row.Scan(&route.Host, &route.AllocatedPort, &route.SliceID, &route.PieID, &route.SliceStatus); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &route, nil
}

// AppendAuditLog appends a standalone audit row.
func (s *Store) AppendAuditLog(ctx context.Context, kind string, pieID, sliceID *string, payload json.RawMessage) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return insertAudit(ctx, tx, kind, pieID, sliceID, payload)
	})
}

func insertAudit(ctx context.Context, tx *sql.Tx, kind string, pieID, sliceID *string, payload json.RawMessage) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO audit_log (pie_id, slice_id, kind, payload, created_at) VALUES (?, ?, ?, ?, ?)`,
		pieID, sliceID, kind, []byte(payload), nowUTC())
	return err
}

// CountPies reports the total pie count for the status snapshot.
func (s *Store) CountPies(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pies`).Scan(&count)
	return count, err
}

// CountSlicesByStatus reports slice totals grouped by status.
func (s *Store) CountSlicesByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM slices GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := map[string]int{
		domain.SliceStatusCreating: 0,
		domain.SliceStatusRunning:  0,
		domain.SliceStatusStopped:  0,
		domain.SliceStatusError:    0,
	}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[status] = count
	}
	return counts, rows.Err()
}

// CountSlicesByPie reports per-pie slice totals for the status snapshot.
func (s *Store) CountSlicesByPie(ctx context.Context) ([]store.PieSliceCount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.id, p.name, p.slug,
		       COUNT(sl.id) AS total,
		       COALESCE(SUM(CASE WHEN sl.status = ? THEN 1 ELSE 0 END), 0) AS running
		FROM pies p
		LEFT JOIN slices sl ON sl.pie_id = p.id
		GROUP BY p.id, p.name, p.slug
		ORDER BY p.created_at DESC`, domain.SliceStatusRunning)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.PieSliceCount
	for rows.Next() {
		var c store.PieSliceCount
		if err := rows.Scan(&c.PieID, &c.PieName, &c.PieSlug, &c.Total, &c.Running); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSlice(row scanner, slice *domain.Slice) error {
	return row.Scan(&slice.ID, &slice.PieID, &slice.Ordinal, &slice.Host, &slice.Status, &slice.CreatedAt, &slice.StoppedAt)
}

func scanSliceRows(rows *sql.Rows, slice *domain.Slice) error {
	return rows.Scan(&slice.ID, &slice.PieID, &slice.Ordinal, &slice.Host, &slice.Status, &slice.CreatedAt, &slice.StoppedAt)
}
