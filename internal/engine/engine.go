package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"skywatch/internal/config"
	"skywatch/internal/domain"
	"skywatch/internal/engine/auth"
	"skywatch/internal/repo"
	"skywatch/internal/trail"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Trail  trail.Writer
	Config *config.Config
	Now    func() time.Time

	genMu *sync.Mutex
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Trail:  trail.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
		genMu:  &sync.Mutex{},
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowString() string {
	return e.now().UTC().Format(time.RFC3339)
}

const (
	topicAuth           = "auth"
	topicRecommendation = "recommendation"
	topicObservation    = "observation"
)

// --- users and facilities ---

func (e Engine) AddUser(ctx context.Context, u domain.User) (domain.User, error) {
	if strings.TrimSpace(u.Email) == "" {
		return u, errors.New("email is required")
	}
	if strings.TrimSpace(u.Alias) == "" {
		return u, errors.New("alias is required")
	}
	u.CreatedAt = e.nowString()
	return e.Repo.InsertUser(ctx, u)
}

func (e Engine) UpdateUser(ctx context.Context, u domain.User) (domain.User, error) {
	if err := e.Repo.UpdateUser(ctx, u); err != nil {
		return u, err
	}
	return e.Repo.GetUser(ctx, u.ID)
}

func (e Engine) RemoveUser(ctx context.Context, id int64) error {
	return e.Repo.DeleteUser(ctx, id)
}

func (e Engine) AddFacility(ctx context.Context, f domain.Facility) (domain.Facility, error) {
	if strings.TrimSpace(f.Name) == "" {
		return f, errors.New("name is required")
	}
	f.CreatedAt = e.nowString()
	return e.Repo.InsertFacility(ctx, f)
}

func (e Engine) UpdateFacility(ctx context.Context, f domain.Facility) (domain.Facility, error) {
	if err := e.Repo.UpdateFacility(ctx, f); err != nil {
		return f, err
	}
	return e.Repo.GetFacility(ctx, f.ID)
}

func (e Engine) RemoveFacility(ctx context.Context, id int64) error {
	return e.Repo.DeleteFacility(ctx, id)
}

// RegisterFacility links a user to a facility they observe at.
func (e Engine) RegisterFacility(ctx context.Context, userID, facilityID int64) error {
	if _, err := e.Repo.GetUser(ctx, userID); err != nil {
		return err
	}
	if _, err := e.Repo.GetFacility(ctx, facilityID); err != nil {
		return err
	}
	return e.Repo.LinkFacility(ctx, userID, facilityID)
}

func (e Engine) UnregisterFacility(ctx context.Context, userID, facilityID int64) error {
	return e.Repo.UnlinkFacility(ctx, userID, facilityID)
}

// ObserverSource returns the source row for a (user, facility) pair, creating
// it on first use with the generated <alias>_<facility> name.
func (e Engine) ObserverSource(ctx context.Context, userID, facilityID int64) (domain.Source, error) {
	src, err := e.Repo.GetObserverSource(ctx, userID, facilityID)
	if err == nil {
		return src, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return src, err
	}
	u, err := e.Repo.GetUser(ctx, userID)
	if err != nil {
		return domain.Source{}, err
	}
	f, err := e.Repo.GetFacility(ctx, facilityID)
	if err != nil {
		return domain.Source{}, err
	}
	st, err := e.Repo.GetSourceTypeByName(ctx, "observer")
	if err != nil {
		return domain.Source{}, fmt.Errorf("source type observer: %w", err)
	}
	name := strings.ToLower(u.Alias + "_" + strings.ReplaceAll(f.Name, " ", "_"))
	return e.Repo.InsertSource(ctx, domain.Source{
		TypeID:      st.ID,
		FacilityID:  &facilityID,
		UserID:      &userID,
		Name:        name,
		Description: fmt.Sprintf("Observer %s at %s", u.Alias, f.Name),
		CreatedAt:   e.nowString(),
	})
}

// --- credentials ---

// Credential is returned exactly once at creation or rotation; the cleartext
// secret is not recoverable afterwards.
type Credential struct {
	Client domain.Client
	Key    string
	Secret string
}

// CreateClient issues a credential for the user. Level 0 and 1 are reserved
// for root and admin clients; anything else is an ordinary observer.
func (e Engine) CreateClient(ctx context.Context, userID int64, level int) (Credential, error) {
	if _, err := e.Repo.GetUser(ctx, userID); err != nil {
		return Credential{}, err
	}
	if level < 0 {
		level = e.defaultLevel()
	}
	key, err := auth.GenerateKey()
	if err != nil {
		return Credential{}, err
	}
	secret, err := auth.GenerateSecret()
	if err != nil {
		return Credential{}, err
	}
	c, err := e.Repo.InsertClient(ctx, domain.Client{
		UserID:     userID,
		Level:      level,
		Key:        key,
		SecretHash: repo.HashSecret(secret),
		Valid:      true,
		CreatedAt:  e.nowString(),
	})
	if err != nil {
		return Credential{}, err
	}
	if err := e.audit(ctx, topicAuth, "info", fmt.Sprintf("client %d created for user %d (level %d)", c.ID, userID, level)); err != nil {
		return Credential{}, err
	}
	return Credential{Client: c, Key: key, Secret: secret}, nil
}

func (e Engine) defaultLevel() int {
	if e.Config != nil && e.Config.Auth.DefaultLevel >= 2 {
		return e.Config.Auth.DefaultLevel
	}
	return 2
}

// RotateSecret issues a new secret for the client, keeping its key.
func (e Engine) RotateSecret(ctx context.Context, clientID int64) (Credential, error) {
	c, err := e.Repo.GetClient(ctx, clientID)
	if err != nil {
		return Credential{}, err
	}
	secret, err := auth.GenerateSecret()
	if err != nil {
		return Credential{}, err
	}
	if err := e.Repo.UpdateClientCredentials(ctx, c.ID, c.Key, repo.HashSecret(secret)); err != nil {
		return Credential{}, err
	}
	if err := e.Repo.DeleteToken(ctx, c.ID); err != nil {
		return Credential{}, err
	}
	if err := e.audit(ctx, topicAuth, "info", fmt.Sprintf("client %d secret rotated", c.ID)); err != nil {
		return Credential{}, err
	}
	c.SecretHash = repo.HashSecret(secret)
	return Credential{Client: c, Key: c.Key, Secret: secret}, nil
}

// RotateKey issues a new key and secret for the client.
func (e Engine) RotateKey(ctx context.Context, clientID int64) (Credential, error) {
	c, err := e.Repo.GetClient(ctx, clientID)
	if err != nil {
		return Credential{}, err
	}
	key, err := auth.GenerateKey()
	if err != nil {
		return Credential{}, err
	}
	secret, err := auth.GenerateSecret()
	if err != nil {
		return Credential{}, err
	}
	if err := e.Repo.UpdateClientCredentials(ctx, c.ID, key, repo.HashSecret(secret)); err != nil {
		return Credential{}, err
	}
	if err := e.Repo.DeleteToken(ctx, c.ID); err != nil {
		return Credential{}, err
	}
	if err := e.audit(ctx, topicAuth, "info", fmt.Sprintf("client %d key rotated", c.ID)); err != nil {
		return Credential{}, err
	}
	c.Key = key
	c.SecretHash = repo.HashSecret(secret)
	return Credential{Client: c, Key: key, Secret: secret}, nil
}

// RevokeClient invalidates the credential. Outstanding token rows are kept so
// validation of a pre-revocation token fails with revoked, not not-found.
func (e Engine) RevokeClient(ctx context.Context, clientID int64) error {
	if err := e.Repo.SetClientValid(ctx, clientID, false); err != nil {
		return err
	}
	return e.audit(ctx, topicAuth, "warning", fmt.Sprintf("client %d revoked", clientID))
}

// RestoreClient re-validates a previously revoked credential.
func (e Engine) RestoreClient(ctx context.Context, clientID int64) error {
	if err := e.Repo.SetClientValid(ctx, clientID, true); err != nil {
		return err
	}
	return e.audit(ctx, topicAuth, "info", fmt.Sprintf("client %d restored", clientID))
}

// --- tokens ---

// Session is the result of a login: the cleartext bearer token plus its
// stored row.
type Session struct {
	Token   string
	Expires *time.Time
}

// Login exchanges a key and secret for a bearer token. The previous token
// for the client, if any, is replaced.
func (e Engine) Login(ctx context.Context, key, secret string) (Session, error) {
	c, err := e.Repo.GetClientByKey(ctx, key)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return Session{}, auth.ErrInvalidCredentials
		}
		return Session{}, err
	}
	if !auth.VerifyHash(c.SecretHash, repo.HashSecret(secret)) {
		return Session{}, auth.ErrInvalidCredentials
	}
	if !c.Valid {
		return Session{}, auth.ErrCredentialRevoked
	}
	now := e.now().UTC()
	var expires *time.Time
	if ttl := e.tokenTTL(); ttl > 0 {
		t := now.Add(ttl)
		expires = &t
	}
	token, err := auth.IssueToken(e.signingSecret(), c.ID, now, expires)
	if err != nil {
		return Session{}, err
	}
	var expiresStr *string
	if expires != nil {
		s := expires.Format(time.RFC3339)
		expiresStr = &s
	}
	if _, err := e.Repo.UpsertToken(ctx, domain.Token{
		ClientID:  c.ID,
		TokenHash: repo.HashSecret(token),
		ExpiresAt: expiresStr,
		CreatedAt: now.Format(time.RFC3339),
	}); err != nil {
		return Session{}, err
	}
	if err := e.audit(ctx, topicAuth, "info", fmt.Sprintf("token issued for client %d", c.ID)); err != nil {
		return Session{}, err
	}
	return Session{Token: token, Expires: expires}, nil
}

func (e Engine) tokenTTL() time.Duration {
	if e.Config == nil {
		return 24 * time.Hour
	}
	return time.Duration(e.Config.API.TokenTTLHours) * time.Hour
}

func (e Engine) signingSecret() []byte {
	if e.Config == nil {
		return nil
	}
	return []byte(e.Config.API.Secret)
}

// Authenticate resolves a bearer token to its client. The token must verify,
// match a stored hash, be unexpired, and belong to a valid credential.
func (e Engine) Authenticate(ctx context.Context, token string) (domain.Client, error) {
	clientID, err := auth.ParseToken(e.signingSecret(), token)
	if err != nil {
		return domain.Client{}, err
	}
	stored, err := e.Repo.GetTokenByHash(ctx, repo.HashSecret(token))
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Client{}, auth.ErrTokenNotFound
		}
		return domain.Client{}, err
	}
	if stored.ClientID != clientID {
		return domain.Client{}, auth.ErrTokenInvalid
	}
	if stored.ExpiresAt != nil {
		exp, err := time.Parse(time.RFC3339, *stored.ExpiresAt)
		if err != nil || e.now().UTC().After(exp) {
			return domain.Client{}, auth.ErrTokenExpired
		}
	}
	c, err := e.Repo.GetClient(ctx, clientID)
	if err != nil {
		return domain.Client{}, err
	}
	if !c.Valid {
		return domain.Client{}, auth.ErrCredentialRevoked
	}
	return c, nil
}

// RequireLevel fails unless the client is at least as privileged as required.
func RequireLevel(c domain.Client, required int) error {
	if c.Level > required {
		return auth.PermissionError{Required: required, Level: c.Level}
	}
	return nil
}

// --- messaging ---

// PublishMessage appends a message and returns it.
func (e Engine) PublishMessage(ctx context.Context, topic, level, producer, text string) (domain.Message, error) {
	if strings.TrimSpace(text) == "" {
		return domain.Message{}, errors.New("text is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Message{}, err
	}
	defer tx.Rollback()
	id, err := e.Trail.Publish(ctx, tx, topic, level, producer, text)
	if err != nil {
		return domain.Message{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Message{}, err
	}
	return e.Repo.GetMessage(ctx, id)
}

// Unseen returns messages on the topic the consumer has not receipted yet.
func (e Engine) Unseen(ctx context.Context, consumer, topic string, limit int) ([]domain.Message, error) {
	c, err := e.Repo.EnsureConsumer(ctx, consumer)
	if err != nil {
		return nil, err
	}
	t, err := e.Repo.GetTopicByName(ctx, topic)
	if err != nil {
		return nil, err
	}
	return e.Repo.UnseenMessages(ctx, c.ID, t.ID, limit)
}

// MarkSeen records a receipt; duplicates are a successful no-op.
func (e Engine) MarkSeen(ctx context.Context, consumer string, messageID int64) error {
	c, err := e.Repo.EnsureConsumer(ctx, consumer)
	if err != nil {
		return err
	}
	return e.Repo.RecordAccess(ctx, domain.AccessReceipt{
		ConsumerID: c.ID,
		MessageID:  messageID,
		Time:       e.nowString(),
	})
}

// audit writes a single trail message in its own transaction.
func (e Engine) audit(ctx context.Context, topic, level, text string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := e.Trail.Publish(ctx, tx, topic, level, "", text); err != nil {
		return err
	}
	return tx.Commit()
}
