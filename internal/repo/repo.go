package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sqlite "modernc.org/sqlite"

	"skywatch/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// ErrBusy is returned after the retry budget for a locked database is spent.
var ErrBusy = errors.New("database busy")

const (
	sqliteBusy   = 5
	sqliteLocked = 6
)

func isBusy(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		code := se.Code() & 0xff
		return code == sqliteBusy || code == sqliteLocked
	}
	return false
}

// WithRetry runs fn with bounded exponential backoff on a locked database.
func WithRetry(ctx context.Context, fn func() error) error {
	delay := 10 * time.Millisecond
	for attempt := 0; attempt < 5; attempt++ {
		err := fn()
		if err == nil || !isBusy(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return ErrBusy
}

func marshalMap(m map[string]any) (string, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("marshal data: %w", err)
	}
	return string(b), nil
}

func unmarshalMap(s string) (map[string]any, error) {
	if s == "" || s == "{}" {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, fmt.Errorf("unmarshal data: %w", err)
	}
	return m, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func nullableInt64Ptr(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableFloatPtr(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

// --- users ---

func (r Repo) InsertUser(ctx context.Context, u domain.User) (domain.User, error) {
	data, err := marshalMap(u.Data)
	if err != nil {
		return u, err
	}
	res, err := r.DB.ExecContext(ctx, `INSERT INTO users(first_name,last_name,email,alias,data_json,created_at) VALUES (?,?,?,?,?,?)`,
		u.FirstName, u.LastName, u.Email, u.Alias, data, u.CreatedAt)
	if err != nil {
		return u, err
	}
	u.ID, err = res.LastInsertId()
	return u, err
}

func scanUser(row *sql.Row) (domain.User, error) {
	var u domain.User
	var data string
	err := row.Scan(&u.ID, &u.FirstName, &u.LastName, &u.Email, &u.Alias, &data, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	if err != nil {
		return u, err
	}
	u.Data, err = unmarshalMap(data)
	return u, err
}

func (r Repo) GetUser(ctx context.Context, id int64) (domain.User, error) {
	return scanUser(r.DB.QueryRowContext(ctx, `SELECT id,first_name,last_name,email,alias,data_json,created_at FROM users WHERE id=?`, id))
}

func (r Repo) GetUserByAlias(ctx context.Context, alias string) (domain.User, error) {
	return scanUser(r.DB.QueryRowContext(ctx, `SELECT id,first_name,last_name,email,alias,data_json,created_at FROM users WHERE alias=?`, alias))
}

func (r Repo) GetUserByEmail(ctx context.Context, email string) (domain.User, error) {
	return scanUser(r.DB.QueryRowContext(ctx, `SELECT id,first_name,last_name,email,alias,data_json,created_at FROM users WHERE email=?`, email))
}

func (r Repo) ListUsers(ctx context.Context) ([]domain.User, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,first_name,last_name,email,alias,data_json,created_at FROM users ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.User
	for rows.Next() {
		var u domain.User
		var data string
		if err := rows.Scan(&u.ID, &u.FirstName, &u.LastName, &u.Email, &u.Alias, &data, &u.CreatedAt); err != nil {
			return nil, err
		}
		if u.Data, err = unmarshalMap(data); err != nil {
			return nil, err
		}
		res = append(res, u)
	}
	return res, rows.Err()
}

func (r Repo) UpdateUser(ctx context.Context, u domain.User) error {
	data, err := marshalMap(u.Data)
	if err != nil {
		return err
	}
	res, err := r.DB.ExecContext(ctx, `UPDATE users SET first_name=?, last_name=?, email=?, alias=?, data_json=? WHERE id=?`,
		u.FirstName, u.LastName, u.Email, u.Alias, data, u.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteUser(ctx context.Context, id int64) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM users WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- facilities ---

func (r Repo) InsertFacility(ctx context.Context, f domain.Facility) (domain.Facility, error) {
	data, err := marshalMap(f.Data)
	if err != nil {
		return f, err
	}
	res, err := r.DB.ExecContext(ctx, `INSERT INTO facilities(name,latitude,longitude,elevation,limiting_magnitude,data_json,created_at) VALUES (?,?,?,?,?,?,?)`,
		f.Name, nullableFloatPtr(f.Latitude), nullableFloatPtr(f.Longitude), nullableFloatPtr(f.Elevation), f.LimitingMagnitude, data, f.CreatedAt)
	if err != nil {
		return f, err
	}
	f.ID, err = res.LastInsertId()
	return f, err
}

func scanFacility(scan func(dest ...any) error) (domain.Facility, error) {
	var f domain.Facility
	var lat, lon, elev sql.NullFloat64
	var data string
	err := scan(&f.ID, &f.Name, &lat, &lon, &elev, &f.LimitingMagnitude, &data, &f.CreatedAt)
	if err == sql.ErrNoRows {
		return f, ErrNotFound
	}
	if err != nil {
		return f, err
	}
	if lat.Valid {
		f.Latitude = &lat.Float64
	}
	if lon.Valid {
		f.Longitude = &lon.Float64
	}
	if elev.Valid {
		f.Elevation = &elev.Float64
	}
	f.Data, err = unmarshalMap(data)
	return f, err
}

const facilityColumns = `id,name,latitude,longitude,elevation,limiting_magnitude,data_json,created_at`

func (r Repo) GetFacility(ctx context.Context, id int64) (domain.Facility, error) {
	return scanFacility(r.DB.QueryRowContext(ctx, `SELECT `+facilityColumns+` FROM facilities WHERE id=?`, id).Scan)
}

func (r Repo) GetFacilityByName(ctx context.Context, name string) (domain.Facility, error) {
	return scanFacility(r.DB.QueryRowContext(ctx, `SELECT `+facilityColumns+` FROM facilities WHERE name=?`, name).Scan)
}

func (r Repo) ListFacilities(ctx context.Context) ([]domain.Facility, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+facilityColumns+` FROM facilities ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Facility
	for rows.Next() {
		f, err := scanFacility(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, f)
	}
	return res, rows.Err()
}

func (r Repo) UpdateFacility(ctx context.Context, f domain.Facility) error {
	data, err := marshalMap(f.Data)
	if err != nil {
		return err
	}
	res, err := r.DB.ExecContext(ctx, `UPDATE facilities SET name=?, latitude=?, longitude=?, elevation=?, limiting_magnitude=?, data_json=? WHERE id=?`,
		f.Name, nullableFloatPtr(f.Latitude), nullableFloatPtr(f.Longitude), nullableFloatPtr(f.Elevation), f.LimitingMagnitude, data, f.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteFacility(ctx context.Context, id int64) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM facilities WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- facility map ---

func (r Repo) LinkFacility(ctx context.Context, userID, facilityID int64) error {
	_, err := r.DB.ExecContext(ctx, `INSERT OR IGNORE INTO facility_map(user_id, facility_id) VALUES (?,?)`, userID, facilityID)
	return err
}

func (r Repo) UnlinkFacility(ctx context.Context, userID, facilityID int64) error {
	_, err := r.DB.ExecContext(ctx, `DELETE FROM facility_map WHERE user_id=? AND facility_id=?`, userID, facilityID)
	return err
}

func (r Repo) ListUserFacilities(ctx context.Context, userID int64) ([]domain.Facility, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT f.id,f.name,f.latitude,f.longitude,f.elevation,f.limiting_magnitude,f.data_json,f.created_at
FROM facilities f JOIN facility_map m ON m.facility_id=f.id WHERE m.user_id=? ORDER BY f.id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Facility
	for rows.Next() {
		f, err := scanFacility(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, f)
	}
	return res, rows.Err()
}

func (r Repo) ListFacilityUsers(ctx context.Context, facilityID int64) ([]domain.User, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT u.id,u.first_name,u.last_name,u.email,u.alias,u.data_json,u.created_at
FROM users u JOIN facility_map m ON m.user_id=u.id WHERE m.facility_id=? ORDER BY u.id`, facilityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.User
	for rows.Next() {
		var u domain.User
		var data string
		if err := rows.Scan(&u.ID, &u.FirstName, &u.LastName, &u.Email, &u.Alias, &data, &u.CreatedAt); err != nil {
			return nil, err
		}
		if u.Data, err = unmarshalMap(data); err != nil {
			return nil, err
		}
		res = append(res, u)
	}
	return res, rows.Err()
}

// UsersWithFacilities returns users with at least one facility registration.
func (r Repo) UsersWithFacilities(ctx context.Context) ([]domain.User, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT DISTINCT u.id,u.first_name,u.last_name,u.email,u.alias,u.data_json,u.created_at
FROM users u JOIN facility_map m ON m.user_id=u.id ORDER BY u.id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.User
	for rows.Next() {
		var u domain.User
		var data string
		if err := rows.Scan(&u.ID, &u.FirstName, &u.LastName, &u.Email, &u.Alias, &data, &u.CreatedAt); err != nil {
			return nil, err
		}
		if u.Data, err = unmarshalMap(data); err != nil {
			return nil, err
		}
		res = append(res, u)
	}
	return res, rows.Err()
}
