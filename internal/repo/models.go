package repo

import (
	"context"
	"database/sql"

	"skywatch/internal/domain"
)

func (r Repo) InsertModelType(ctx context.Context, t domain.ModelType) (domain.ModelType, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT INTO model_types(name,description) VALUES (?,?)`, t.Name, nullable(t.Description))
	if err != nil {
		return t, err
	}
	t.ID, err = res.LastInsertId()
	return t, err
}

func (r Repo) GetModelTypeByName(ctx context.Context, name string) (domain.ModelType, error) {
	var t domain.ModelType
	var desc sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,description FROM model_types WHERE name=?`, name).Scan(&t.ID, &t.Name, &desc)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	t.Description = desc.String
	return t, err
}

func (r Repo) InsertModel(ctx context.Context, m domain.Model) (domain.Model, error) {
	data, err := marshalMap(m.Data)
	if err != nil {
		return m, err
	}
	res, err := r.DB.ExecContext(ctx, `INSERT INTO models(type_id,object_id,observation_id,accuracy,data_json,created_at) VALUES (?,?,?,?,?,?)`,
		m.TypeID, m.ObjectID, nullableInt64Ptr(m.ObservationID), nullableFloatPtr(m.Accuracy), data, m.CreatedAt)
	if err != nil {
		return m, err
	}
	m.ID, err = res.LastInsertId()
	return m, err
}

const modelColumns = `id,type_id,object_id,observation_id,accuracy,data_json,created_at`

func scanModel(scan func(dest ...any) error) (domain.Model, error) {
	var m domain.Model
	var obsID sql.NullInt64
	var accuracy sql.NullFloat64
	var data string
	err := scan(&m.ID, &m.TypeID, &m.ObjectID, &obsID, &accuracy, &data, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	if err != nil {
		return m, err
	}
	if obsID.Valid {
		m.ObservationID = &obsID.Int64
	}
	if accuracy.Valid {
		m.Accuracy = &accuracy.Float64
	}
	m.Data, err = unmarshalMap(data)
	return m, err
}

func (r Repo) GetModel(ctx context.Context, id int64) (domain.Model, error) {
	return scanModel(r.DB.QueryRowContext(ctx, `SELECT `+modelColumns+` FROM models WHERE id=?`, id).Scan)
}

// LatestModelForObject returns the most recent model for an object.
func (r Repo) LatestModelForObject(ctx context.Context, objectID int64) (domain.Model, error) {
	return scanModel(r.DB.QueryRowContext(ctx,
		`SELECT `+modelColumns+` FROM models WHERE object_id=? ORDER BY created_at DESC, id DESC LIMIT 1`, objectID).Scan)
}

// ModelCandidate is the latest forecast for an object with a materialized
// predicted observation, as needed by batch generation.
type ModelCandidate struct {
	ObjectID       int64
	ModelID        int64
	ObservationID  int64
	PredictedValue float64
	Accuracy       *float64
}

// ModelCandidates returns the latest model per object that has a predicted
// observation attached, filtered by the accuracy threshold when set, ordered
// by predicted brightness (brightest first).
func (r Repo) ModelCandidates(ctx context.Context, accuracyThreshold *float64) ([]ModelCandidate, error) {
	query := `SELECT m.object_id, m.id, m.observation_id, o.value, m.accuracy
FROM models m
JOIN observations o ON o.id = m.observation_id
WHERE m.id IN (
    SELECT m2.id FROM models m2
    WHERE m2.object_id = m.object_id AND m2.observation_id IS NOT NULL
    ORDER BY m2.created_at DESC, m2.id DESC LIMIT 1
)`
	var args []any
	if accuracyThreshold != nil {
		query += ` AND m.accuracy >= ?`
		args = append(args, *accuracyThreshold)
	}
	query += ` ORDER BY o.value ASC, m.object_id ASC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []ModelCandidate
	for rows.Next() {
		var c ModelCandidate
		var accuracy sql.NullFloat64
		if err := rows.Scan(&c.ObjectID, &c.ModelID, &c.ObservationID, &c.PredictedValue, &accuracy); err != nil {
			return nil, err
		}
		if accuracy.Valid {
			c.Accuracy = &accuracy.Float64
		}
		res = append(res, c)
	}
	return res, rows.Err()
}
