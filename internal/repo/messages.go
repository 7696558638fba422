package repo

import (
	"context"
	"database/sql"

	"skywatch/internal/domain"
)

func (r Repo) GetTopicByName(ctx context.Context, name string) (domain.Topic, error) {
	var t domain.Topic
	var desc sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,description FROM topics WHERE name=?`, name).Scan(&t.ID, &t.Name, &desc)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	t.Description = desc.String
	return t, err
}

func (r Repo) EnsureTopic(ctx context.Context, name, description string) (domain.Topic, error) {
	if _, err := r.DB.ExecContext(ctx, `INSERT OR IGNORE INTO topics(name,description) VALUES (?,?)`, name, nullable(description)); err != nil {
		return domain.Topic{}, err
	}
	return r.GetTopicByName(ctx, name)
}

func (r Repo) ListTopics(ctx context.Context) ([]domain.Topic, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,description FROM topics ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Topic
	for rows.Next() {
		var t domain.Topic
		var desc sql.NullString
		if err := rows.Scan(&t.ID, &t.Name, &desc); err != nil {
			return nil, err
		}
		t.Description = desc.String
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) GetLevelByName(ctx context.Context, name string) (domain.Level, error) {
	var l domain.Level
	var desc sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,description FROM levels WHERE name=?`, name).Scan(&l.ID, &l.Name, &desc)
	if err == sql.ErrNoRows {
		return l, ErrNotFound
	}
	l.Description = desc.String
	return l, err
}

func (r Repo) EnsureHost(ctx context.Context, name string) (domain.Host, error) {
	if _, err := r.DB.ExecContext(ctx, `INSERT OR IGNORE INTO hosts(name) VALUES (?)`, name); err != nil {
		return domain.Host{}, err
	}
	var h domain.Host
	err := r.DB.QueryRowContext(ctx, `SELECT id,name FROM hosts WHERE name=?`, name).Scan(&h.ID, &h.Name)
	if err == sql.ErrNoRows {
		return h, ErrNotFound
	}
	return h, err
}

func (r Repo) EnsureConsumer(ctx context.Context, name string) (domain.Consumer, error) {
	if _, err := r.DB.ExecContext(ctx, `INSERT OR IGNORE INTO consumers(name) VALUES (?)`, name); err != nil {
		return domain.Consumer{}, err
	}
	var c domain.Consumer
	err := r.DB.QueryRowContext(ctx, `SELECT id,name FROM consumers WHERE name=?`, name).Scan(&c.ID, &c.Name)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	return c, err
}

func (r Repo) EnsureProducer(ctx context.Context, name string) (domain.Producer, error) {
	if _, err := r.DB.ExecContext(ctx, `INSERT OR IGNORE INTO producers(name) VALUES (?)`, name); err != nil {
		return domain.Producer{}, err
	}
	var p domain.Producer
	err := r.DB.QueryRowContext(ctx, `SELECT id,name FROM producers WHERE name=?`, name).Scan(&p.ID, &p.Name)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

const messageColumns = `id,time,topic_id,level_id,host_id,producer_id,text`

func scanMessage(scan func(dest ...any) error) (domain.Message, error) {
	var m domain.Message
	var producerID sql.NullInt64
	err := scan(&m.ID, &m.Time, &m.TopicID, &m.LevelID, &m.HostID, &producerID, &m.Text)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	if producerID.Valid {
		m.ProducerID = &producerID.Int64
	}
	return m, err
}

func (r Repo) GetMessage(ctx context.Context, id int64) (domain.Message, error) {
	return scanMessage(r.DB.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id=?`, id).Scan)
}

func (r Repo) InsertMessageTx(ctx context.Context, tx *sql.Tx, m domain.Message) (domain.Message, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO messages(time,topic_id,level_id,host_id,producer_id,text) VALUES (?,?,?,?,?,?)`,
		m.Time, m.TopicID, m.LevelID, m.HostID, nullableInt64Ptr(m.ProducerID), m.Text)
	if err != nil {
		return m, err
	}
	m.ID, err = res.LastInsertId()
	return m, err
}

func (r Repo) ListTopicMessages(ctx context.Context, topicID int64, limit int) ([]domain.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE topic_id=? ORDER BY id DESC`
	args := []any{topicID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Message
	for rows.Next() {
		m, err := scanMessage(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

// UnseenMessages returns messages in the topic the consumer has not yet
// receipted, in id order.
func (r Repo) UnseenMessages(ctx context.Context, consumerID, topicID int64, limit int) ([]domain.Message, error) {
	query := `SELECT m.id,m.time,m.topic_id,m.level_id,m.host_id,m.producer_id,m.text
FROM messages m
WHERE m.topic_id=? AND NOT EXISTS (
    SELECT 1 FROM access_receipts a WHERE a.consumer_id=? AND a.message_id=m.id
)
ORDER BY m.id ASC`
	args := []any{topicID, consumerID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Message
	for rows.Next() {
		m, err := scanMessage(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

// RecordAccess stores a receipt for a consumer and message. Duplicate
// receipts are ignored, so the call is idempotent.
func (r Repo) RecordAccess(ctx context.Context, receipt domain.AccessReceipt) error {
	var exists int
	err := r.DB.QueryRowContext(ctx, `SELECT 1 FROM messages WHERE id=?`, receipt.MessageID).Scan(&exists)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	_, err = r.DB.ExecContext(ctx, `INSERT OR IGNORE INTO access_receipts(consumer_id,message_id,time) VALUES (?,?,?)`,
		receipt.ConsumerID, receipt.MessageID, receipt.Time)
	return err
}
