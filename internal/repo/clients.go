package repo

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"strings"

	"skywatch/internal/domain"
)

// HashSecret returns a stable SHA-256 hex digest. Keys, secrets and bearer
// tokens are only ever persisted through this.
func HashSecret(value string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(value)))
	return hex.EncodeToString(sum[:])
}

// --- clients ---

const clientColumns = `id,user_id,level,key,secret_hash,valid,created_at`

func (r Repo) InsertClient(ctx context.Context, c domain.Client) (domain.Client, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT INTO clients(user_id,level,key,secret_hash,valid,created_at) VALUES (?,?,?,?,?,?)`,
		c.UserID, c.Level, c.Key, c.SecretHash, c.Valid, c.CreatedAt)
	if err != nil {
		return c, err
	}
	c.ID, err = res.LastInsertId()
	return c, err
}

func scanClient(row *sql.Row) (domain.Client, error) {
	var c domain.Client
	err := row.Scan(&c.ID, &c.UserID, &c.Level, &c.Key, &c.SecretHash, &c.Valid, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	return c, err
}

func (r Repo) GetClient(ctx context.Context, id int64) (domain.Client, error) {
	return scanClient(r.DB.QueryRowContext(ctx, `SELECT `+clientColumns+` FROM clients WHERE id=?`, id))
}

func (r Repo) GetClientByKey(ctx context.Context, key string) (domain.Client, error) {
	return scanClient(r.DB.QueryRowContext(ctx, `SELECT `+clientColumns+` FROM clients WHERE key=?`, key))
}

func (r Repo) ListClients(ctx context.Context) ([]domain.Client, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+clientColumns+` FROM clients ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Client
	for rows.Next() {
		var c domain.Client
		if err := rows.Scan(&c.ID, &c.UserID, &c.Level, &c.Key, &c.SecretHash, &c.Valid, &c.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// UpdateClientCredentials replaces the key and secret hash after a rotation.
func (r Repo) UpdateClientCredentials(ctx context.Context, id int64, key, secretHash string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE clients SET key=?, secret_hash=? WHERE id=?`, key, secretHash, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetClientValid toggles revocation for a client.
func (r Repo) SetClientValid(ctx context.Context, id int64, valid bool) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE clients SET valid=? WHERE id=?`, valid, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- tokens ---

// UpsertToken replaces the client's single active token row.
func (r Repo) UpsertToken(ctx context.Context, t domain.Token) (domain.Token, error) {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO tokens(client_id,token_hash,expires_at,created_at) VALUES (?,?,?,?)
ON CONFLICT(client_id) DO UPDATE SET token_hash=excluded.token_hash, expires_at=excluded.expires_at, created_at=excluded.created_at`,
		t.ClientID, t.TokenHash, nullableStringPtr(t.ExpiresAt), t.CreatedAt)
	if err != nil {
		return t, err
	}
	return r.GetTokenByClient(ctx, t.ClientID)
}

func scanToken(row *sql.Row) (domain.Token, error) {
	var t domain.Token
	var expires sql.NullString
	err := row.Scan(&t.ID, &t.ClientID, &t.TokenHash, &expires, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if expires.Valid {
		t.ExpiresAt = &expires.String
	}
	return t, err
}

func (r Repo) GetTokenByHash(ctx context.Context, hash string) (domain.Token, error) {
	return scanToken(r.DB.QueryRowContext(ctx, `SELECT id,client_id,token_hash,expires_at,created_at FROM tokens WHERE token_hash=?`, hash))
}

func (r Repo) GetTokenByClient(ctx context.Context, clientID int64) (domain.Token, error) {
	return scanToken(r.DB.QueryRowContext(ctx, `SELECT id,client_id,token_hash,expires_at,created_at FROM tokens WHERE client_id=?`, clientID))
}

func (r Repo) DeleteToken(ctx context.Context, clientID int64) error {
	_, err := r.DB.ExecContext(ctx, `DELETE FROM tokens WHERE client_id=?`, clientID)
	return err
}
