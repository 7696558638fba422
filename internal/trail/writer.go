// Package trail appends audit messages to the durable message tables. Writes
// always join the caller's transaction so a rolled-back operation leaves no
// trace in the trail.
package trail

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"
)

type Writer struct {
	DB   *sql.DB
	Host string
	Now  func() time.Time
}

func (w Writer) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now()
}

func (w Writer) hostname() string {
	if w.Host != "" {
		return w.Host
	}
	h, err := os.Hostname()
	if err != nil {
		return "localhost"
	}
	return h
}

// Publish appends one message on the given topic at the given level and
// returns its id. Producer may be empty. Unknown topics are created on the
// fly; levels are seeded reference data and must exist.
func (w Writer) Publish(ctx context.Context, tx *sql.Tx, topic, level, producer, text string) (int64, error) {
	topicID, err := w.ensureTopic(ctx, tx, topic)
	if err != nil {
		return 0, err
	}
	var levelID int64
	if err := tx.QueryRowContext(ctx, `SELECT id FROM levels WHERE name=?`, level).Scan(&levelID); err != nil {
		if err == sql.ErrNoRows {
			return 0, fmt.Errorf("unknown message level %q", level)
		}
		return 0, err
	}
	hostID, err := w.ensureNamed(ctx, tx, "hosts", w.hostname())
	if err != nil {
		return 0, err
	}
	var producerID any
	if producer != "" {
		id, err := w.ensureNamed(ctx, tx, "producers", producer)
		if err != nil {
			return 0, err
		}
		producerID = id
	}
	ts := w.now().UTC().Format(time.RFC3339)
	res, err := tx.ExecContext(ctx, `INSERT INTO messages(time,topic_id,level_id,host_id,producer_id,text) VALUES (?,?,?,?,?,?)`,
		ts, topicID, levelID, hostID, producerID, text)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (w Writer) ensureTopic(ctx context.Context, tx *sql.Tx, name string) (int64, error) {
	if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO topics(name) VALUES (?)`, name); err != nil {
		return 0, err
	}
	var id int64
	err := tx.QueryRowContext(ctx, `SELECT id FROM topics WHERE name=?`, name).Scan(&id)
	return id, err
}

func (w Writer) ensureNamed(ctx context.Context, tx *sql.Tx, table, name string) (int64, error) {
	if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO `+table+`(name) VALUES (?)`, name); err != nil {
		return 0, err
	}
	var id int64
	err := tx.QueryRowContext(ctx, `SELECT id FROM `+table+` WHERE name=?`, name).Scan(&id)
	return id, err
}
