package repo

import (
	"context"
	"database/sql"
	"strings"

	"skywatch/internal/domain"
)

// --- groups ---

func (r Repo) InsertGroupTx(ctx context.Context, tx *sql.Tx, g domain.RecommendationGroup) (domain.RecommendationGroup, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO recommendation_groups(batch_id,created_at) VALUES (?,?)`, g.BatchID, g.CreatedAt)
	if err != nil {
		return g, err
	}
	g.ID, err = res.LastInsertId()
	return g, err
}

func scanGroup(row *sql.Row) (domain.RecommendationGroup, error) {
	var g domain.RecommendationGroup
	err := row.Scan(&g.ID, &g.BatchID, &g.CreatedAt)
	if err == sql.ErrNoRows {
		return g, ErrNotFound
	}
	return g, err
}

func (r Repo) GetGroup(ctx context.Context, id int64) (domain.RecommendationGroup, error) {
	return scanGroup(r.DB.QueryRowContext(ctx, `SELECT id,batch_id,created_at FROM recommendation_groups WHERE id=?`, id))
}

// LatestGroup returns the most recently created group.
func (r Repo) LatestGroup(ctx context.Context) (domain.RecommendationGroup, error) {
	return scanGroup(r.DB.QueryRowContext(ctx, `SELECT id,batch_id,created_at FROM recommendation_groups ORDER BY id DESC LIMIT 1`))
}

func (r Repo) ListGroups(ctx context.Context, limit int) ([]domain.RecommendationGroup, error) {
	query := `SELECT id,batch_id,created_at FROM recommendation_groups ORDER BY id DESC`
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
	var res []domain.RecommendationGroup
	for rows.Next() {
		var g domain.RecommendationGroup
		if err := rows.Scan(&g.ID, &g.BatchID, &g.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, g)
	}
	return res, rows.Err()
}

// --- recommendations ---

const recommendationColumns = `id,group_id,priority,object_id,facility_id,user_id,predicted_observation_id,observation_id,accepted,rejected,data_json,created_at`

func (r Repo) InsertRecommendationTx(ctx context.Context, tx *sql.Tx, rec domain.Recommendation) (domain.Recommendation, error) {
	data, err := marshalMap(rec.Data)
	if err != nil {
		return rec, err
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO recommendations(group_id,priority,object_id,facility_id,user_id,predicted_observation_id,observation_id,accepted,rejected,data_json,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		rec.GroupID, rec.Priority, rec.ObjectID, rec.FacilityID, rec.UserID,
		nullableInt64Ptr(rec.PredictedObservationID), nullableInt64Ptr(rec.ObservationID),
		rec.Accepted, rec.Rejected, data, rec.CreatedAt)
	if err != nil {
		return rec, err
	}
	rec.ID, err = res.LastInsertId()
	return rec, err
}

func scanRecommendation(scan func(dest ...any) error) (domain.Recommendation, error) {
	var rec domain.Recommendation
	var predictedID, observationID sql.NullInt64
	var data string
	err := scan(&rec.ID, &rec.GroupID, &rec.Priority, &rec.ObjectID, &rec.FacilityID, &rec.UserID,
		&predictedID, &observationID, &rec.Accepted, &rec.Rejected, &data, &rec.CreatedAt)
	if err == sql.ErrNoRows {
		return rec, ErrNotFound
	}
	if err != nil {
		return rec, err
	}
	if predictedID.Valid {
		rec.PredictedObservationID = &predictedID.Int64
	}
	if observationID.Valid {
		rec.ObservationID = &observationID.Int64
	}
	rec.Data, err = unmarshalMap(data)
	return rec, err
}

func (r Repo) GetRecommendation(ctx context.Context, id int64) (domain.Recommendation, error) {
	return scanRecommendation(r.DB.QueryRowContext(ctx, `SELECT `+recommendationColumns+` FROM recommendations WHERE id=?`, id).Scan)
}

func (r Repo) GetRecommendationTx(ctx context.Context, tx *sql.Tx, id int64) (domain.Recommendation, error) {
	return scanRecommendation(tx.QueryRowContext(ctx, `SELECT `+recommendationColumns+` FROM recommendations WHERE id=?`, id).Scan)
}

// NextFilters selects pending recommendations for a user.
type NextFilters struct {
	UserID            int64
	GroupID           int64
	FacilityID        *int64
	LimitingMagnitude *float64
	Limit             int
}

// NextRecommendations returns the user's pending recommendations in the
// group, highest priority first. LimitingMagnitude filters out targets whose
// predicted magnitude is fainter than the given limit.
func (r Repo) NextRecommendations(ctx context.Context, f NextFilters) ([]domain.Recommendation, error) {
	clauses := []string{"r.user_id=?", "r.group_id=?", "r.accepted=0", "r.rejected=0"}
	args := []any{f.UserID, f.GroupID}
	join := ""
	if f.FacilityID != nil {
		clauses = append(clauses, "r.facility_id=?")
		args = append(args, *f.FacilityID)
	}
	if f.LimitingMagnitude != nil {
		join = ` JOIN observations p ON p.id = r.predicted_observation_id`
		clauses = append(clauses, "p.value <= ?")
		args = append(args, *f.LimitingMagnitude)
	}
	query := `SELECT ` + prefixedRecommendationColumns() + ` FROM recommendations r` + join +
		` WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY r.priority ASC, r.id ASC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	return r.queryRecommendations(ctx, query, args...)
}

// HistoryRecommendations returns the user's previously accepted or rejected
// recommendations in the group.
func (r Repo) HistoryRecommendations(ctx context.Context, userID, groupID int64) ([]domain.Recommendation, error) {
	query := `SELECT ` + recommendationColumns + ` FROM recommendations
WHERE user_id=? AND group_id=? AND (accepted=1 OR rejected=1) ORDER BY priority ASC, id ASC`
	return r.queryRecommendations(ctx, query, userID, groupID)
}

func (r Repo) ListGroupRecommendations(ctx context.Context, groupID int64) ([]domain.Recommendation, error) {
	return r.queryRecommendations(ctx, `SELECT `+recommendationColumns+` FROM recommendations WHERE group_id=? ORDER BY user_id, facility_id, priority`, groupID)
}

func (r Repo) queryRecommendations(ctx context.Context, query string, args ...any) ([]domain.Recommendation, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Recommendation
	for rows.Next() {
		rec, err := scanRecommendation(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

func prefixedRecommendationColumns() string {
	cols := strings.Split(recommendationColumns, ",")
	for i, c := range cols {
		cols[i] = "r." + c
	}
	return strings.Join(cols, ",")
}

// PendingObjectIDsForUser returns object ids the user already has pending
// recommendations for, across all groups.
func (r Repo) PendingObjectIDsForUser(ctx context.Context, userID int64) (map[int64]bool, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT DISTINCT object_id FROM recommendations WHERE user_id=? AND accepted=0 AND rejected=0`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[int64]bool{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		res[id] = true
	}
	return res, rows.Err()
}

// MarkAcceptedTx flips accepted on a still-pending row. Returns false when
// another writer already settled the row.
func (r Repo) MarkAcceptedTx(ctx context.Context, tx *sql.Tx, id int64) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE recommendations SET accepted=1 WHERE id=? AND accepted=0 AND rejected=0`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// MarkRejectedTx flips rejected on a still-pending row.
func (r Repo) MarkRejectedTx(ctx context.Context, tx *sql.Tx, id int64) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE recommendations SET rejected=1 WHERE id=? AND accepted=0 AND rejected=0`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// AttachObservationTx fulfills an accepted recommendation with an observation.
func (r Repo) AttachObservationTx(ctx context.Context, tx *sql.Tx, id, observationID int64) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE recommendations SET observation_id=? WHERE id=? AND accepted=1 AND rejected=0 AND observation_id IS NULL`, observationID, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}
