package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"

	"skywatch/internal/domain"
)

// ErrAliasExists is returned when an alias is already bound to another object.
var ErrAliasExists = errors.New("alias already in use")

var iauNamePattern = regexp.MustCompile(`^(19|20)\d{2}[a-zA-Z]+$`)

// --- object types ---

func (r Repo) InsertObjectType(ctx context.Context, t domain.ObjectType) (domain.ObjectType, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT INTO object_types(name,description) VALUES (?,?)`, t.Name, nullable(t.Description))
	if err != nil {
		return t, err
	}
	t.ID, err = res.LastInsertId()
	return t, err
}

func (r Repo) GetObjectTypeByName(ctx context.Context, name string) (domain.ObjectType, error) {
	var t domain.ObjectType
	var desc sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,description FROM object_types WHERE name=?`, name).Scan(&t.ID, &t.Name, &desc)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	t.Description = desc.String
	return t, err
}

// --- objects ---

func marshalAliases(m map[string]string) (string, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("marshal aliases: %w", err)
	}
	return string(b), nil
}

func (r Repo) InsertObject(ctx context.Context, o domain.Object) (domain.Object, error) {
	for provider, alias := range o.Aliases {
		if err := r.ensureAliasFree(ctx, 0, provider, alias); err != nil {
			return o, err
		}
	}
	aliases, err := marshalAliases(o.Aliases)
	if err != nil {
		return o, err
	}
	data, err := marshalMap(o.Data)
	if err != nil {
		return o, err
	}
	res, err := r.DB.ExecContext(ctx, `INSERT INTO objects(type_id,name,aliases_json,ra,dec,redshift,data_json,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		nullableInt64Ptr(o.TypeID), o.Name, aliases, o.RA, o.Dec, nullableFloatPtr(o.Redshift), data, o.CreatedAt)
	if err != nil {
		return o, err
	}
	o.ID, err = res.LastInsertId()
	return o, err
}

const objectColumns = `id,type_id,name,aliases_json,ra,dec,redshift,data_json,created_at`

func scanObject(scan func(dest ...any) error) (domain.Object, error) {
	var o domain.Object
	var typeID sql.NullInt64
	var redshift sql.NullFloat64
	var aliases, data string
	err := scan(&o.ID, &typeID, &o.Name, &aliases, &o.RA, &o.Dec, &redshift, &data, &o.CreatedAt)
	if err == sql.ErrNoRows {
		return o, ErrNotFound
	}
	if err != nil {
		return o, err
	}
	if typeID.Valid {
		o.TypeID = &typeID.Int64
	}
	if redshift.Valid {
		o.Redshift = &redshift.Float64
	}
	if aliases != "" && aliases != "{}" {
		if err := json.Unmarshal([]byte(aliases), &o.Aliases); err != nil {
			return o, fmt.Errorf("unmarshal aliases: %w", err)
		}
	}
	o.Data, err = unmarshalMap(data)
	return o, err
}

func (r Repo) GetObject(ctx context.Context, id int64) (domain.Object, error) {
	return scanObject(r.DB.QueryRowContext(ctx, `SELECT `+objectColumns+` FROM objects WHERE id=?`, id).Scan)
}

func (r Repo) GetObjectByName(ctx context.Context, name string) (domain.Object, error) {
	return scanObject(r.DB.QueryRowContext(ctx, `SELECT `+objectColumns+` FROM objects WHERE name=?`, name).Scan)
}

func (r Repo) GetObjectByAlias(ctx context.Context, provider, alias string) (domain.Object, error) {
	// json_each keeps providers with dots or quotes from mangling a json path.
	return scanObject(r.DB.QueryRowContext(ctx,
		`SELECT o.id,o.type_id,o.name,o.aliases_json,o.ra,o.dec,o.redshift,o.data_json,o.created_at
FROM objects o, json_each(o.aliases_json) a WHERE a.key = ? AND a.value = ? LIMIT 1`, provider, alias).Scan)
}

func (r Repo) getObjectByAnyAlias(ctx context.Context, alias string) (domain.Object, error) {
	return scanObject(r.DB.QueryRowContext(ctx,
		`SELECT o.id,o.type_id,o.name,o.aliases_json,o.ra,o.dec,o.redshift,o.data_json,o.created_at
FROM objects o, json_each(o.aliases_json) a WHERE a.value = ? LIMIT 1`, alias).Scan)
}

// FindObject resolves a free-form identifier: a numeric id, an IAU
// designation (e.g. 2021abc), a ZTF designation, or any known alias.
func (r Repo) FindObject(ctx context.Context, identifier string) (domain.Object, error) {
	if id, err := strconv.ParseInt(identifier, 10, 64); err == nil {
		return r.GetObject(ctx, id)
	}
	if iauNamePattern.MatchString(identifier) {
		return r.GetObjectByName(ctx, identifier)
	}
	if len(identifier) > 3 && identifier[:3] == "ZTF" {
		if o, err := r.GetObjectByAlias(ctx, "ztf", identifier); err == nil {
			return o, nil
		}
	}
	if o, err := r.GetObjectByName(ctx, identifier); err == nil {
		return o, nil
	}
	return r.getObjectByAnyAlias(ctx, identifier)
}

func (r Repo) ensureAliasFree(ctx context.Context, objectID int64, provider, alias string) error {
	existing, err := r.GetObjectByAlias(ctx, provider, alias)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	if existing.ID != objectID {
		return fmt.Errorf("%w: %s=%s bound to object %d", ErrAliasExists, provider, alias, existing.ID)
	}
	return nil
}

// AddObjectAlias binds provider=alias to an object, rejecting duplicates.
func (r Repo) AddObjectAlias(ctx context.Context, objectID int64, provider, alias string) error {
	if err := r.ensureAliasFree(ctx, objectID, provider, alias); err != nil {
		return err
	}
	o, err := r.GetObject(ctx, objectID)
	if err != nil {
		return err
	}
	if o.Aliases == nil {
		o.Aliases = map[string]string{}
	}
	o.Aliases[provider] = alias
	aliases, err := marshalAliases(o.Aliases)
	if err != nil {
		return err
	}
	_, err = r.DB.ExecContext(ctx, `UPDATE objects SET aliases_json=? WHERE id=?`, aliases, objectID)
	return err
}

func (r Repo) ListObjects(ctx context.Context, limit int) ([]domain.Object, error) {
	query := `SELECT ` + objectColumns + ` FROM objects ORDER BY id DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Object
	for rows.Next() {
		o, err := scanObject(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, o)
	}
	return res, rows.Err()
}

// --- observation types ---

func (r Repo) InsertObservationType(ctx context.Context, t domain.ObservationType) (domain.ObservationType, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT INTO observation_types(name,units,description) VALUES (?,?,?)`,
		t.Name, t.Units, nullable(t.Description))
	if err != nil {
		return t, err
	}
	t.ID, err = res.LastInsertId()
	return t, err
}

func (r Repo) GetObservationTypeByName(ctx context.Context, name string) (domain.ObservationType, error) {
	var t domain.ObservationType
	var desc sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,units,description FROM observation_types WHERE name=?`, name).
		Scan(&t.ID, &t.Name, &t.Units, &desc)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	t.Description = desc.String
	return t, err
}

func (r Repo) ListObservationTypes(ctx context.Context) ([]domain.ObservationType, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,units,description FROM observation_types ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ObservationType
	for rows.Next() {
		var t domain.ObservationType
		var desc sql.NullString
		if err := rows.Scan(&t.ID, &t.Name, &t.Units, &desc); err != nil {
			return nil, err
		}
		t.Description = desc.String
		res = append(res, t)
	}
	return res, rows.Err()
}

// --- sources ---

func (r Repo) GetSourceTypeByName(ctx context.Context, name string) (domain.SourceType, error) {
	var t domain.SourceType
	var desc sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,description FROM source_types WHERE name=?`, name).Scan(&t.ID, &t.Name, &desc)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	t.Description = desc.String
	return t, err
}

func (r Repo) InsertSource(ctx context.Context, s domain.Source) (domain.Source, error) {
	data, err := marshalMap(s.Data)
	if err != nil {
		return s, err
	}
	res, err := r.DB.ExecContext(ctx, `INSERT INTO sources(type_id,facility_id,user_id,name,description,data_json,created_at) VALUES (?,?,?,?,?,?,?)`,
		s.TypeID, nullableInt64Ptr(s.FacilityID), nullableInt64Ptr(s.UserID), s.Name, nullable(s.Description), data, s.CreatedAt)
	if err != nil {
		return s, err
	}
	s.ID, err = res.LastInsertId()
	return s, err
}

const sourceColumns = `id,type_id,facility_id,user_id,name,description,data_json,created_at`

func scanSource(scan func(dest ...any) error) (domain.Source, error) {
	var s domain.Source
	var facilityID, userID sql.NullInt64
	var desc sql.NullString
	var data string
	err := scan(&s.ID, &s.TypeID, &facilityID, &userID, &s.Name, &desc, &data, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	if facilityID.Valid {
		s.FacilityID = &facilityID.Int64
	}
	if userID.Valid {
		s.UserID = &userID.Int64
	}
	s.Description = desc.String
	s.Data, err = unmarshalMap(data)
	return s, err
}

func (r Repo) GetSource(ctx context.Context, id int64) (domain.Source, error) {
	return scanSource(r.DB.QueryRowContext(ctx, `SELECT `+sourceColumns+` FROM sources WHERE id=?`, id).Scan)
}

func (r Repo) GetSourceByName(ctx context.Context, name string) (domain.Source, error) {
	return scanSource(r.DB.QueryRowContext(ctx, `SELECT `+sourceColumns+` FROM sources WHERE name=?`, name).Scan)
}

// GetObserverSource returns the observer source for a (user, facility) pair.
func (r Repo) GetObserverSource(ctx context.Context, userID, facilityID int64) (domain.Source, error) {
	return scanSource(r.DB.QueryRowContext(ctx, `SELECT `+sourceColumns+` FROM sources WHERE user_id=? AND facility_id=?`, userID, facilityID).Scan)
}

// --- observations ---

func (r Repo) InsertObservation(ctx context.Context, o domain.Observation) (domain.Observation, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT INTO observations(type_id,object_id,source_id,value,error,time,recorded_at) VALUES (?,?,?,?,?,?,?)`,
		o.TypeID, o.ObjectID, o.SourceID, o.Value, nullableFloatPtr(o.Error), o.Time, o.RecordedAt)
	if err != nil {
		return o, err
	}
	o.ID, err = res.LastInsertId()
	return o, err
}

func (r Repo) InsertObservationTx(ctx context.Context, tx *sql.Tx, o domain.Observation) (domain.Observation, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO observations(type_id,object_id,source_id,value,error,time,recorded_at) VALUES (?,?,?,?,?,?,?)`,
		o.TypeID, o.ObjectID, o.SourceID, o.Value, nullableFloatPtr(o.Error), o.Time, o.RecordedAt)
	if err != nil {
		return o, err
	}
	o.ID, err = res.LastInsertId()
	return o, err
}

const observationColumns = `id,type_id,object_id,source_id,value,error,time,recorded_at`

func scanObservation(scan func(dest ...any) error) (domain.Observation, error) {
	var o domain.Observation
	var obsErr sql.NullFloat64
	err := scan(&o.ID, &o.TypeID, &o.ObjectID, &o.SourceID, &o.Value, &obsErr, &o.Time, &o.RecordedAt)
	if err == sql.ErrNoRows {
		return o, ErrNotFound
	}
	if obsErr.Valid {
		o.Error = &obsErr.Float64
	}
	return o, err
}

func (r Repo) GetObservation(ctx context.Context, id int64) (domain.Observation, error) {
	return scanObservation(r.DB.QueryRowContext(ctx, `SELECT `+observationColumns+` FROM observations WHERE id=?`, id).Scan)
}

func (r Repo) ListObjectObservations(ctx context.Context, objectID int64, limit int) ([]domain.Observation, error) {
	query := `SELECT ` + observationColumns + ` FROM observations WHERE object_id=? ORDER BY time DESC, id DESC`
	args := []any{objectID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Observation
	for rows.Next() {
		o, err := scanObservation(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, o)
	}
	return res, rows.Err()
}
