package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"skywatch/internal/config"
	"skywatch/internal/db"
	"skywatch/internal/domain"
	"skywatch/internal/engine"
	"skywatch/internal/engine/auth"
	"skywatch/internal/migrate"
	"skywatch/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context

	Ada      domain.User
	Ben      domain.User
	Facility domain.Facility
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("test-signing-secret")
	// Tokens without expiry keep JWT validation independent of the fixed
	// clock below.
	cfg.API.TokenTTLHours = 0
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) }
	ctx := context.Background()

	ada, err := eng.AddUser(ctx, domain.User{Email: "ada@example.com", Alias: "ada"})
	if err != nil {
		t.Fatalf("add ada: %v", err)
	}
	ben, err := eng.AddUser(ctx, domain.User{Email: "ben@example.com", Alias: "ben"})
	if err != nil {
		t.Fatalf("add ben: %v", err)
	}
	fac, err := eng.AddFacility(ctx, domain.Facility{Name: "Mount Test", LimitingMagnitude: 18})
	if err != nil {
		t.Fatalf("add facility: %v", err)
	}
	for _, u := range []domain.User{ada, ben} {
		if err := eng.RegisterFacility(ctx, u.ID, fac.ID); err != nil {
			t.Fatalf("register %s: %v", u.Alias, err)
		}
	}
	if _, err := eng.AddObservationType(ctx, domain.ObservationType{Name: "g-mag", Units: "mag"}); err != nil {
		t.Fatalf("add observation type: %v", err)
	}
	if _, err := eng.AddModelType(ctx, domain.ModelType{Name: "conv_auto_encoder"}); err != nil {
		t.Fatalf("add model type: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx, Ada: ada, Ben: ben, Facility: fac}
}

// addForecastTarget creates an object and a forecast predicting the given
// magnitude for it.
func (env testEnv) addForecastTarget(t *testing.T, name string, mag float64) domain.Object {
	t.Helper()
	o, err := env.Engine.AddObject(env.Ctx, domain.Object{Name: name, RA: 150.1, Dec: -5.2})
	if err != nil {
		t.Fatalf("add object %s: %v", name, err)
	}
	acc := 0.9
	if _, err := env.Engine.AddForecast(env.Ctx, engine.ForecastOptions{
		ModelTypeName:       "conv_auto_encoder",
		ObservationTypeName: "g-mag",
		ObjectID:            o.ID,
		Value:               mag,
		Accuracy:            &acc,
	}); err != nil {
		t.Fatalf("add forecast %s: %v", name, err)
	}
	return o
}

func (env testEnv) observerClient(t *testing.T, userID int64) domain.Client {
	t.Helper()
	cred, err := env.Engine.CreateClient(env.Ctx, userID, -1)
	if err != nil {
		t.Fatalf("create client: %v", err)
	}
	return cred.Client
}

func TestCredentialAndTokenLifecycle(t *testing.T) {
	env := newTestEnv(t)
	cred, err := env.Engine.CreateClient(env.Ctx, env.Ada.ID, -1)
	if err != nil {
		t.Fatalf("create client: %v", err)
	}
	if len(cred.Key) != 16 || len(cred.Secret) != 64 {
		t.Fatalf("unexpected credential shape: key=%d secret=%d", len(cred.Key), len(cred.Secret))
	}
	if cred.Client.Level != 2 {
		t.Fatalf("expected default level 2, got %d", cred.Client.Level)
	}

	if _, err := env.Engine.Login(env.Ctx, cred.Key, "wrong-secret"); !errors.Is(err, auth.ErrInvalidCredentials) {
		t.Fatalf("expected invalid credentials, got %v", err)
	}
	sess, err := env.Engine.Login(env.Ctx, cred.Key, cred.Secret)
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if sess.Expires != nil {
		t.Fatalf("expected non-expiring token")
	}
	got, err := env.Engine.Authenticate(env.Ctx, sess.Token)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if got.ID != cred.Client.ID {
		t.Fatalf("authenticated wrong client: %d", got.ID)
	}

	// A second login replaces the stored token; only one row per client. The
	// clock moves so the new token differs from the first.
	env.Engine.Now = func() time.Time { return time.Date(2024, 3, 1, 13, 0, 0, 0, time.UTC) }
	sess2, err := env.Engine.Login(env.Ctx, cred.Key, cred.Secret)
	if err != nil {
		t.Fatalf("second login: %v", err)
	}
	if _, err := env.Engine.Authenticate(env.Ctx, sess.Token); !errors.Is(err, auth.ErrTokenNotFound) {
		t.Fatalf("expected first token replaced, got %v", err)
	}
	if _, err := env.Engine.Authenticate(env.Ctx, sess2.Token); err != nil {
		t.Fatalf("second token should authenticate: %v", err)
	}

	// Revocation fails login and validation of tokens issued before it.
	if err := env.Engine.RevokeClient(env.Ctx, cred.Client.ID); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, err := env.Engine.Login(env.Ctx, cred.Key, cred.Secret); !errors.Is(err, auth.ErrCredentialRevoked) {
		t.Fatalf("expected revoked on login, got %v", err)
	}
	if _, err := env.Engine.Authenticate(env.Ctx, sess2.Token); !errors.Is(err, auth.ErrCredentialRevoked) {
		t.Fatalf("expected revoked for pre-revocation token, got %v", err)
	}
	if err := env.Engine.RestoreClient(env.Ctx, cred.Client.ID); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if _, err := env.Engine.Authenticate(env.Ctx, sess2.Token); err != nil {
		t.Fatalf("restored client token should validate again: %v", err)
	}
	if _, err := env.Engine.Login(env.Ctx, cred.Key, cred.Secret); err != nil {
		t.Fatalf("login after restore: %v", err)
	}
}

func TestRotationInvalidatesOldCredential(t *testing.T) {
	env := newTestEnv(t)
	cred, err := env.Engine.CreateClient(env.Ctx, env.Ada.ID, -1)
	if err != nil {
		t.Fatal(err)
	}
	sess, err := env.Engine.Login(env.Ctx, cred.Key, cred.Secret)
	if err != nil {
		t.Fatal(err)
	}
	rotated, err := env.Engine.RotateSecret(env.Ctx, cred.Client.ID)
	if err != nil {
		t.Fatalf("rotate secret: %v", err)
	}
	if rotated.Key != cred.Key {
		t.Fatalf("secret rotation must keep the key")
	}
	if rotated.Secret == cred.Secret {
		t.Fatalf("secret did not change")
	}
	if _, err := env.Engine.Login(env.Ctx, cred.Key, cred.Secret); !errors.Is(err, auth.ErrInvalidCredentials) {
		t.Fatalf("old secret should fail, got %v", err)
	}
	if _, err := env.Engine.Authenticate(env.Ctx, sess.Token); !errors.Is(err, auth.ErrTokenNotFound) {
		t.Fatalf("rotation should drop the token, got %v", err)
	}

	rekeyed, err := env.Engine.RotateKey(env.Ctx, cred.Client.ID)
	if err != nil {
		t.Fatalf("rotate key: %v", err)
	}
	if rekeyed.Key == cred.Key {
		t.Fatalf("key did not change")
	}
	if _, err := env.Engine.Login(env.Ctx, rekeyed.Key, rekeyed.Secret); err != nil {
		t.Fatalf("login with rotated credential: %v", err)
	}
}

func TestUserHoldsMultipleClients(t *testing.T) {
	env := newTestEnv(t)
	observer, err := env.Engine.CreateClient(env.Ctx, env.Ada.ID, -1)
	if err != nil {
		t.Fatalf("observer client: %v", err)
	}
	admin, err := env.Engine.CreateClient(env.Ctx, env.Ada.ID, auth.LevelAdmin)
	if err != nil {
		t.Fatalf("second client for the same user: %v", err)
	}
	if observer.Key == admin.Key {
		t.Fatalf("clients share a key")
	}
	if _, err := env.Engine.Login(env.Ctx, observer.Key, observer.Secret); err != nil {
		t.Fatalf("observer login: %v", err)
	}
	if _, err := env.Engine.Login(env.Ctx, admin.Key, admin.Secret); err != nil {
		t.Fatalf("admin login: %v", err)
	}
}

func TestExpiredTokenRejected(t *testing.T) {
	env := newTestEnv(t)
	cred, err := env.Engine.CreateClient(env.Ctx, env.Ada.ID, -1)
	if err != nil {
		t.Fatal(err)
	}
	sess, err := env.Engine.Login(env.Ctx, cred.Key, cred.Secret)
	if err != nil {
		t.Fatal(err)
	}
	past := env.Engine.Now().Add(-time.Hour).UTC().Format(time.RFC3339)
	if _, err := env.Engine.DB.ExecContext(env.Ctx,
		`UPDATE tokens SET expires_at=? WHERE client_id=?`, past, cred.Client.ID); err != nil {
		t.Fatalf("age token: %v", err)
	}
	if _, err := env.Engine.Authenticate(env.Ctx, sess.Token); !errors.Is(err, auth.ErrTokenExpired) {
		t.Fatalf("expected expired, got %v", err)
	}
}

func TestGenerateGroupPrioritiesAndFeasibility(t *testing.T) {
	env := newTestEnv(t)
	env.addForecastTarget(t, "2024abc", 15)
	env.addForecastTarget(t, "2024def", 16)
	env.addForecastTarget(t, "2024ghi", 17)
	env.addForecastTarget(t, "2024jkl", 19) // fainter than the facility limit

	res, err := env.Engine.GenerateGroup(env.Ctx, engine.GenerateOptions{PerUserLimit: 2})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if res.Group.BatchID == "" {
		t.Fatalf("expected a batch id")
	}
	if res.Users != 2 {
		t.Fatalf("expected 2 users considered, got %d", res.Users)
	}
	if len(res.Recommendations) != 3 {
		t.Fatalf("expected 3 feasible targets assigned, got %d", len(res.Recommendations))
	}
	// Group priorities are 1..N in candidate order; each object goes to one
	// user only.
	assignedObjects := map[int64]bool{}
	for i, r := range res.Recommendations {
		if r.Priority != int64(i+1) {
			t.Fatalf("priorities not 1..N: %+v", res.Recommendations)
		}
		if assignedObjects[r.ObjectID] {
			t.Fatalf("object %d assigned to more than one user", r.ObjectID)
		}
		assignedObjects[r.ObjectID] = true
		if r.PredictedObservationID == nil {
			t.Fatalf("expected predicted observation link")
		}
		obs, err := env.Engine.Repo.GetObservation(env.Ctx, *r.PredictedObservationID)
		if err != nil {
			t.Fatalf("predicted observation: %v", err)
		}
		if obs.Value > env.Facility.LimitingMagnitude {
			t.Fatalf("infeasible target recommended: mag %v", obs.Value)
		}
	}
	first, err := env.Engine.Repo.GetObservation(env.Ctx, *res.Recommendations[0].PredictedObservationID)
	if err != nil {
		t.Fatal(err)
	}
	if first.Value != 15 {
		t.Fatalf("expected brightest target at priority 1, got mag %v", first.Value)
	}
	// Round-robin balances the three targets 2/1 across the two users.
	perUser := map[int64]int{}
	for _, r := range res.Recommendations {
		perUser[r.UserID]++
	}
	if len(perUser) != 2 || perUser[env.Ada.ID]+perUser[env.Ben.ID] != 3 {
		t.Fatalf("expected both users served, got %v", perUser)
	}
	for userID, n := range perUser {
		if n > 2 {
			t.Fatalf("user %d over the per-user cap: %d", userID, n)
		}
	}

	// A fresh run never repeats a (user, object) pair that is still pending.
	pendingPair := map[[2]int64]bool{}
	for _, r := range res.Recommendations {
		pendingPair[[2]int64{r.UserID, r.ObjectID}] = true
	}
	res2, err := env.Engine.GenerateGroup(env.Ctx, engine.GenerateOptions{PerUserLimit: 2})
	if err != nil {
		t.Fatalf("second generate: %v", err)
	}
	if res2.Group.ID == res.Group.ID {
		t.Fatalf("expected a new group")
	}
	for _, r := range res2.Recommendations {
		if pendingPair[[2]int64{r.UserID, r.ObjectID}] {
			t.Fatalf("user %d re-offered pending object %d", r.UserID, r.ObjectID)
		}
	}
}

func TestGenerateIsAllOrNothing(t *testing.T) {
	env := newTestEnv(t)
	env.addForecastTarget(t, "2024abc", 15)
	env.addForecastTarget(t, "2024def", 16)
	// Abort the batch transaction partway through its inserts.
	if _, err := env.Engine.DB.ExecContext(env.Ctx,
		`CREATE TRIGGER abort_mid_batch BEFORE INSERT ON recommendations
WHEN NEW.priority = 2 BEGIN SELECT RAISE(ABORT, 'mid-batch abort'); END`); err != nil {
		t.Fatalf("install trigger: %v", err)
	}
	if _, err := env.Engine.GenerateGroup(env.Ctx, engine.GenerateOptions{PerUserLimit: 2}); err == nil {
		t.Fatalf("expected generation to fail")
	}
	for _, table := range []string{"recommendation_groups", "recommendations"} {
		var n int
		if err := env.Engine.DB.QueryRowContext(env.Ctx, `SELECT count(*) FROM `+table).Scan(&n); err != nil {
			t.Fatalf("count %s: %v", table, err)
		}
		if n != 0 {
			t.Fatalf("%s: expected no rows after failed generation, got %d", table, n)
		}
	}
	if _, err := env.Engine.DB.ExecContext(env.Ctx, `DROP TRIGGER abort_mid_batch`); err != nil {
		t.Fatalf("drop trigger: %v", err)
	}
	res, err := env.Engine.GenerateGroup(env.Ctx, engine.GenerateOptions{PerUserLimit: 2})
	if err != nil {
		t.Fatalf("generate after recovery: %v", err)
	}
	if len(res.Recommendations) != 2 {
		t.Fatalf("expected a full batch after recovery, got %d", len(res.Recommendations))
	}
}

func TestConcurrentTransitionsLinearized(t *testing.T) {
	env := newTestEnv(t)
	env.addForecastTarget(t, "2024abc", 15)
	res, err := env.Engine.GenerateGroup(env.Ctx, engine.GenerateOptions{PerUserLimit: 1})
	if err != nil {
		t.Fatal(err)
	}
	var adaRec domain.Recommendation
	for _, r := range res.Recommendations {
		if r.UserID == env.Ada.ID {
			adaRec = r
		}
	}
	ada := env.observerClient(t, env.Ada.ID)

	errs := make(chan error, 2)
	go func() {
		_, err := env.Engine.Accept(env.Ctx, ada, adaRec.ID)
		errs <- err
	}()
	go func() {
		_, err := env.Engine.Reject(env.Ctx, ada, adaRec.ID)
		errs <- err
	}()
	var wins, conflicts int
	for i := 0; i < 2; i++ {
		err := <-errs
		if err == nil {
			wins++
			continue
		}
		var conflict engine.ConflictingStateError
		if errors.As(err, &conflict) {
			conflicts++
			continue
		}
		t.Fatalf("unexpected error racing transitions: %v", err)
	}
	if wins != 1 || conflicts != 1 {
		t.Fatalf("expected one winner and one conflict, got wins=%d conflicts=%d", wins, conflicts)
	}
	rec, err := env.Engine.Repo.GetRecommendation(env.Ctx, adaRec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Accepted == rec.Rejected {
		t.Fatalf("expected exactly one outcome flag set: %+v", rec)
	}
}

func TestAcceptRejectAreExclusiveAndMonotonic(t *testing.T) {
	env := newTestEnv(t)
	env.addForecastTarget(t, "2024abc", 15)
	env.addForecastTarget(t, "2024def", 16)
	res, err := env.Engine.GenerateGroup(env.Ctx, engine.GenerateOptions{PerUserLimit: 1})
	if err != nil {
		t.Fatal(err)
	}
	var adaRec, benRec domain.Recommendation
	for _, r := range res.Recommendations {
		switch r.UserID {
		case env.Ada.ID:
			adaRec = r
		case env.Ben.ID:
			benRec = r
		}
	}
	ada := env.observerClient(t, env.Ada.ID)
	ben := env.observerClient(t, env.Ben.ID)

	accepted, err := env.Engine.Accept(env.Ctx, ada, adaRec.ID)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if !accepted.Accepted || accepted.Rejected {
		t.Fatalf("unexpected flags: %+v", accepted)
	}
	var conflict engine.ConflictingStateError
	if _, err := env.Engine.Reject(env.Ctx, ada, adaRec.ID); !errors.As(err, &conflict) {
		t.Fatalf("expected conflict rejecting accepted row, got %v", err)
	}
	if _, err := env.Engine.Accept(env.Ctx, ada, adaRec.ID); !errors.As(err, &conflict) {
		t.Fatalf("expected conflict re-accepting, got %v", err)
	}

	rejected, err := env.Engine.Reject(env.Ctx, ben, benRec.ID)
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if rejected.Accepted || !rejected.Rejected {
		t.Fatalf("unexpected flags: %+v", rejected)
	}
	if _, err := env.Engine.Accept(env.Ctx, ben, benRec.ID); !errors.As(err, &conflict) {
		t.Fatalf("expected conflict accepting rejected row, got %v", err)
	}
}

func TestOwnershipEnforced(t *testing.T) {
	env := newTestEnv(t)
	env.addForecastTarget(t, "2024abc", 15)
	res, err := env.Engine.GenerateGroup(env.Ctx, engine.GenerateOptions{PerUserLimit: 1})
	if err != nil {
		t.Fatal(err)
	}
	var adaRec domain.Recommendation
	for _, r := range res.Recommendations {
		if r.UserID == env.Ada.ID {
			adaRec = r
		}
	}
	ben := env.observerClient(t, env.Ben.ID)
	var perm auth.PermissionError
	if _, err := env.Engine.Accept(env.Ctx, ben, adaRec.ID); !errors.As(err, &perm) {
		t.Fatalf("expected permission error, got %v", err)
	}
	// An admin client may act on any row.
	adminCred, err := env.Engine.CreateClient(env.Ctx, env.Ben.ID, auth.LevelAdmin)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Accept(env.Ctx, adminCred.Client, adaRec.ID); err != nil {
		t.Fatalf("admin accept: %v", err)
	}
}

func TestObservedFulfillsAcceptedOnly(t *testing.T) {
	env := newTestEnv(t)
	obj := env.addForecastTarget(t, "2024abc", 15)
	res, err := env.Engine.GenerateGroup(env.Ctx, engine.GenerateOptions{PerUserLimit: 1})
	if err != nil {
		t.Fatal(err)
	}
	var adaRec domain.Recommendation
	for _, r := range res.Recommendations {
		if r.UserID == env.Ada.ID {
			adaRec = r
		}
	}
	ada := env.observerClient(t, env.Ada.ID)

	var notAccepted engine.NotAcceptedError
	if _, err := env.Engine.Observed(env.Ctx, ada, engine.ObservedOptions{
		RecommendationID: adaRec.ID, TypeName: "g-mag", Value: 15.2,
	}); !errors.As(err, &notAccepted) {
		t.Fatalf("expected not accepted, got %v", err)
	}

	if _, err := env.Engine.Accept(env.Ctx, ada, adaRec.ID); err != nil {
		t.Fatal(err)
	}
	fulfilled, err := env.Engine.Observed(env.Ctx, ada, engine.ObservedOptions{
		RecommendationID: adaRec.ID, TypeName: "g-mag", Value: 15.2,
	})
	if err != nil {
		t.Fatalf("observed: %v", err)
	}
	if fulfilled.ObservationID == nil {
		t.Fatalf("expected attached observation")
	}
	obs, err := env.Engine.Repo.GetObservation(env.Ctx, *fulfilled.ObservationID)
	if err != nil {
		t.Fatal(err)
	}
	if obs.ObjectID != obj.ID {
		t.Fatalf("observation bound to wrong object")
	}
	// The observation is attributed to the observer's (user, facility) source.
	src, err := env.Engine.Repo.GetSource(env.Ctx, obs.SourceID)
	if err != nil {
		t.Fatal(err)
	}
	if src.Name != "ada_mount_test" {
		t.Fatalf("unexpected source name %q", src.Name)
	}

	var invalid engine.InvalidTransitionError
	if _, err := env.Engine.Fulfill(env.Ctx, ada, adaRec.ID, obs.ID); !errors.As(err, &invalid) {
		t.Fatalf("expected invalid transition on double fulfill, got %v", err)
	}
}

func TestFulfillRejectsMismatchedObject(t *testing.T) {
	env := newTestEnv(t)
	env.addForecastTarget(t, "2024abc", 15)
	other := env.addForecastTarget(t, "2024xyz", 16)
	res, err := env.Engine.GenerateGroup(env.Ctx, engine.GenerateOptions{PerUserLimit: 1})
	if err != nil {
		t.Fatal(err)
	}
	var adaRec domain.Recommendation
	for _, r := range res.Recommendations {
		if r.UserID == env.Ada.ID {
			adaRec = r
		}
	}
	ada := env.observerClient(t, env.Ada.ID)
	if _, err := env.Engine.Accept(env.Ctx, ada, adaRec.ID); err != nil {
		t.Fatal(err)
	}
	// An observation of a different object cannot fulfill this row.
	stray, err := env.Engine.AddObservation(env.Ctx, engine.ObservationOptions{
		TypeName: "g-mag", ObjectID: other.ID, SourceName: "forecast", Value: 16.1,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Fulfill(env.Ctx, ada, adaRec.ID, stray.ID); err == nil {
		t.Fatalf("expected object mismatch error")
	}
}

func TestNextAndHistory(t *testing.T) {
	env := newTestEnv(t)
	env.addForecastTarget(t, "2024abc", 15)
	env.addForecastTarget(t, "2024def", 15.5)
	env.addForecastTarget(t, "2024ghi", 16)
	env.addForecastTarget(t, "2024jkl", 16.5)
	if _, err := env.Engine.GenerateGroup(env.Ctx, engine.GenerateOptions{PerUserLimit: 2}); err != nil {
		t.Fatal(err)
	}
	ada := env.observerClient(t, env.Ada.ID)

	next, err := env.Engine.Next(env.Ctx, ada, 0, nil, nil, 0)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if len(next) != 2 {
		t.Fatalf("expected 2 pending, got %d", len(next))
	}
	if next[0].Priority >= next[1].Priority {
		t.Fatalf("next not ordered by priority: %+v", next)
	}

	if _, err := env.Engine.Accept(env.Ctx, ada, next[0].ID); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Reject(env.Ctx, ada, next[1].ID); err != nil {
		t.Fatal(err)
	}
	next, err = env.Engine.Next(env.Ctx, ada, 0, nil, nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(next) != 0 {
		t.Fatalf("expected empty queue after settling, got %d", len(next))
	}
	hist, err := env.Engine.History(env.Ctx, ada, 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(hist) != 2 {
		t.Fatalf("expected 2 settled rows, got %d", len(hist))
	}
}

func TestNextMagnitudeFilter(t *testing.T) {
	env := newTestEnv(t)
	env.addForecastTarget(t, "2024abc", 15)
	env.addForecastTarget(t, "2024def", 15.5)
	env.addForecastTarget(t, "2024ghi", 17)
	env.addForecastTarget(t, "2024jkl", 17.5)
	if _, err := env.Engine.GenerateGroup(env.Ctx, engine.GenerateOptions{PerUserLimit: 2}); err != nil {
		t.Fatal(err)
	}
	ada := env.observerClient(t, env.Ada.ID)
	all, err := env.Engine.Next(env.Ctx, ada, 0, nil, nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 pending, got %d", len(all))
	}
	limit := 16.0
	next, err := env.Engine.Next(env.Ctx, ada, 0, nil, &limit, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(next) != 1 {
		t.Fatalf("expected 1 target brighter than 16, got %d", len(next))
	}
}

func TestAliasProviderLookup(t *testing.T) {
	env := newTestEnv(t)
	o, err := env.Engine.AddObject(env.Ctx, domain.Object{Name: "2024abc", RA: 150.1, Dec: -5.2})
	if err != nil {
		t.Fatal(err)
	}
	// Provider names may carry dots.
	if err := env.Engine.AddObjectAlias(env.Ctx, o.ID, "antares.v2", "ANT-2024-7"); err != nil {
		t.Fatalf("add alias: %v", err)
	}
	byAlias, err := env.Engine.Repo.GetObjectByAlias(env.Ctx, "antares.v2", "ANT-2024-7")
	if err != nil {
		t.Fatalf("provider lookup: %v", err)
	}
	if byAlias.ID != o.ID {
		t.Fatalf("alias resolved to object %d, want %d", byAlias.ID, o.ID)
	}
	found, err := env.Engine.FindObject(env.Ctx, "ANT-2024-7")
	if err != nil {
		t.Fatalf("find by alias: %v", err)
	}
	if found.ID != o.ID {
		t.Fatalf("find resolved to object %d, want %d", found.ID, o.ID)
	}
	// The same provider alias cannot bind to a second object.
	other, err := env.Engine.AddObject(env.Ctx, domain.Object{Name: "2024def", RA: 151.0, Dec: -4.8})
	if err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.AddObjectAlias(env.Ctx, other.ID, "antares.v2", "ANT-2024-7"); !errors.Is(err, repo.ErrAliasExists) {
		t.Fatalf("expected alias conflict, got %v", err)
	}
}

func TestMessageTrailAndReceipts(t *testing.T) {
	env := newTestEnv(t)
	var ids []int64
	for _, text := range []string{"one", "two", "three"} {
		m, err := env.Engine.PublishMessage(env.Ctx, "alerts", "info", "tester", text)
		if err != nil {
			t.Fatalf("publish: %v", err)
		}
		ids = append(ids, m.ID)
	}
	if _, err := env.Engine.PublishMessage(env.Ctx, "alerts", "shout", "tester", "bad"); err == nil {
		t.Fatalf("expected unknown level error")
	}

	unseen, err := env.Engine.Unseen(env.Ctx, "daemon-1", "alerts", 0)
	if err != nil {
		t.Fatalf("unseen: %v", err)
	}
	if len(unseen) != 3 {
		t.Fatalf("expected 3 unseen, got %d", len(unseen))
	}
	if unseen[0].ID != ids[0] {
		t.Fatalf("unseen not oldest first")
	}

	// Receipts are idempotent.
	if err := env.Engine.MarkSeen(env.Ctx, "daemon-1", ids[0]); err != nil {
		t.Fatalf("seen: %v", err)
	}
	if err := env.Engine.MarkSeen(env.Ctx, "daemon-1", ids[0]); err != nil {
		t.Fatalf("duplicate seen: %v", err)
	}
	if err := env.Engine.MarkSeen(env.Ctx, "daemon-1", 99999); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found for missing message, got %v", err)
	}

	unseen, err = env.Engine.Unseen(env.Ctx, "daemon-1", "alerts", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(unseen) != 2 {
		t.Fatalf("expected 2 unseen after receipt, got %d", len(unseen))
	}
	// A different consumer still sees everything.
	other, err := env.Engine.Unseen(env.Ctx, "daemon-2", "alerts", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(other) != 3 {
		t.Fatalf("expected 3 unseen for new consumer, got %d", len(other))
	}
}

func TestTransitionsAreAudited(t *testing.T) {
	env := newTestEnv(t)
	env.addForecastTarget(t, "2024abc", 15)
	res, err := env.Engine.GenerateGroup(env.Ctx, engine.GenerateOptions{PerUserLimit: 1})
	if err != nil {
		t.Fatal(err)
	}
	ada := env.observerClient(t, env.Ada.ID)
	var adaRec domain.Recommendation
	for _, r := range res.Recommendations {
		if r.UserID == env.Ada.ID {
			adaRec = r
		}
	}
	if _, err := env.Engine.Accept(env.Ctx, ada, adaRec.ID); err != nil {
		t.Fatal(err)
	}
	var count int
	row := env.Engine.DB.QueryRowContext(env.Ctx,
		`SELECT count(*) FROM messages m JOIN topics t ON t.id = m.topic_id WHERE t.name = 'recommendation'`)
	if err := row.Scan(&count); err != nil {
		t.Fatalf("count messages: %v", err)
	}
	// One for generation, one for the accept.
	if count < 2 {
		t.Fatalf("expected trail messages, got %d", count)
	}
}
