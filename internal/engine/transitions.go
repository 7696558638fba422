package engine

import (
	"context"
	"fmt"
	"time"

	"skywatch/internal/domain"
	"skywatch/internal/engine/auth"
	"skywatch/internal/repo"
)

// ConflictingStateError means the row was already settled the other way, or
// settled concurrently by another writer.
type ConflictingStateError struct {
	ID    int64
	State string
}

func (e ConflictingStateError) Error() string {
	return fmt.Sprintf("recommendation %d already %s", e.ID, e.State)
}

// NotAcceptedError means a fulfillment was attempted on a row that was never
// accepted.
type NotAcceptedError struct {
	ID int64
}

func (e NotAcceptedError) Error() string {
	return fmt.Sprintf("recommendation %d not accepted", e.ID)
}

// InvalidTransitionError covers the remaining illegal moves, like fulfilling
// twice.
type InvalidTransitionError struct {
	ID       int64
	From, To string
}

func (e InvalidTransitionError) Error() string {
	return fmt.Sprintf("recommendation %d: invalid transition %s -> %s", e.ID, e.From, e.To)
}

func recommendationState(rec domain.Recommendation) string {
	switch {
	case rec.Rejected:
		return "rejected"
	case rec.Accepted && rec.ObservationID != nil:
		return "fulfilled"
	case rec.Accepted:
		return "accepted"
	default:
		return "pending"
	}
}

// canActOn allows the owning user or an admin-or-better client.
func canActOn(c domain.Client, rec domain.Recommendation) error {
	if c.UserID == rec.UserID || c.Level <= auth.LevelAdmin {
		return nil
	}
	return auth.PermissionError{Required: auth.LevelAdmin, Level: c.Level}
}

// Accept marks a pending recommendation accepted. Accepted and rejected are
// monotonic and mutually exclusive; the first writer wins.
func (e Engine) Accept(ctx context.Context, c domain.Client, id int64) (domain.Recommendation, error) {
	var out domain.Recommendation
	err := repo.WithRetry(ctx, func() error {
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		rec, err := e.Repo.GetRecommendationTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := canActOn(c, rec); err != nil {
			return err
		}
		if rec.Accepted || rec.Rejected {
			return ConflictingStateError{ID: id, State: recommendationState(rec)}
		}
		ok, err := e.Repo.MarkAcceptedTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if !ok {
			return ConflictingStateError{ID: id, State: "settled"}
		}
		if _, err := e.Trail.Publish(ctx, tx, topicRecommendation, "info",
			"", fmt.Sprintf("recommendation %d accepted by user %d", id, c.UserID)); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		rec.Accepted = true
		out = rec
		return nil
	})
	return out, err
}

// Reject marks a pending recommendation rejected.
func (e Engine) Reject(ctx context.Context, c domain.Client, id int64) (domain.Recommendation, error) {
	var out domain.Recommendation
	err := repo.WithRetry(ctx, func() error {
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		rec, err := e.Repo.GetRecommendationTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := canActOn(c, rec); err != nil {
			return err
		}
		if rec.Accepted || rec.Rejected {
			return ConflictingStateError{ID: id, State: recommendationState(rec)}
		}
		ok, err := e.Repo.MarkRejectedTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if !ok {
			return ConflictingStateError{ID: id, State: "settled"}
		}
		if _, err := e.Trail.Publish(ctx, tx, topicRecommendation, "info",
			"", fmt.Sprintf("recommendation %d rejected by user %d", id, c.UserID)); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		rec.Rejected = true
		out = rec
		return nil
	})
	return out, err
}

// Fulfill attaches an existing observation to an accepted recommendation.
func (e Engine) Fulfill(ctx context.Context, c domain.Client, id, observationID int64) (domain.Recommendation, error) {
	var out domain.Recommendation
	err := repo.WithRetry(ctx, func() error {
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		rec, err := e.Repo.GetRecommendationTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := canActOn(c, rec); err != nil {
			return err
		}
		obs, err := e.Repo.GetObservation(ctx, observationID)
		if err != nil {
			return fmt.Errorf("observation %d: %w", observationID, err)
		}
		if obs.ObjectID != rec.ObjectID {
			return fmt.Errorf("observation %d is for object %d, not %d", observationID, obs.ObjectID, rec.ObjectID)
		}
		if rec.Rejected {
			return ConflictingStateError{ID: id, State: "rejected"}
		}
		if !rec.Accepted {
			return NotAcceptedError{ID: id}
		}
		if rec.ObservationID != nil {
			return InvalidTransitionError{ID: id, From: "fulfilled", To: "fulfilled"}
		}
		ok, err := e.Repo.AttachObservationTx(ctx, tx, id, observationID)
		if err != nil {
			return err
		}
		if !ok {
			return ConflictingStateError{ID: id, State: "settled"}
		}
		if _, err := e.Trail.Publish(ctx, tx, topicRecommendation, "info",
			"", fmt.Sprintf("recommendation %d fulfilled with observation %d", id, observationID)); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		rec.ObservationID = &observationID
		out = rec
		return nil
	})
	return out, err
}

// ObservedOptions describes a new observation submitted against an accepted
// recommendation.
type ObservedOptions struct {
	RecommendationID int64
	TypeName         string
	Value            float64
	Error            *float64
	Time             time.Time
}

// Observed records a new observation through the observer source for the
// recommendation's (user, facility) pair and fulfills the recommendation
// with it.
func (e Engine) Observed(ctx context.Context, c domain.Client, opts ObservedOptions) (domain.Recommendation, error) {
	rec, err := e.Repo.GetRecommendation(ctx, opts.RecommendationID)
	if err != nil {
		return domain.Recommendation{}, err
	}
	if err := canActOn(c, rec); err != nil {
		return domain.Recommendation{}, err
	}
	if rec.Rejected {
		return domain.Recommendation{}, ConflictingStateError{ID: rec.ID, State: "rejected"}
	}
	if !rec.Accepted {
		return domain.Recommendation{}, NotAcceptedError{ID: rec.ID}
	}
	ot, err := e.Repo.GetObservationTypeByName(ctx, opts.TypeName)
	if err != nil {
		return domain.Recommendation{}, fmt.Errorf("observation type %s: %w", opts.TypeName, err)
	}
	src, err := e.ObserverSource(ctx, rec.UserID, rec.FacilityID)
	if err != nil {
		return domain.Recommendation{}, err
	}
	when := opts.Time
	if when.IsZero() {
		when = e.now()
	}
	obs, err := e.Repo.InsertObservation(ctx, domain.Observation{
		TypeID:     ot.ID,
		ObjectID:   rec.ObjectID,
		SourceID:   src.ID,
		Value:      opts.Value,
		Error:      opts.Error,
		Time:       when.UTC().Format(time.RFC3339),
		RecordedAt: e.nowString(),
	})
	if err != nil {
		return domain.Recommendation{}, err
	}
	if err := e.audit(ctx, topicObservation, "info",
		fmt.Sprintf("observation %d recorded for object %d", obs.ID, obs.ObjectID)); err != nil {
		return domain.Recommendation{}, err
	}
	return e.Fulfill(ctx, c, rec.ID, obs.ID)
}

// Next returns the client's pending recommendations, highest priority first.
// GroupID 0 means the latest group.
func (e Engine) Next(ctx context.Context, c domain.Client, groupID int64, facilityID *int64, limitingMagnitude *float64, limit int) ([]domain.Recommendation, error) {
	if groupID == 0 {
		g, err := e.Repo.LatestGroup(ctx)
		if err != nil {
			return nil, err
		}
		groupID = g.ID
	}
	return e.Repo.NextRecommendations(ctx, repo.NextFilters{
		UserID:            c.UserID,
		GroupID:           groupID,
		FacilityID:        facilityID,
		LimitingMagnitude: limitingMagnitude,
		Limit:             limit,
	})
}

// GetRecommendation enforces owner-or-admin visibility.
func (e Engine) GetRecommendation(ctx context.Context, c domain.Client, id int64) (domain.Recommendation, error) {
	rec, err := e.Repo.GetRecommendation(ctx, id)
	if err != nil {
		return rec, err
	}
	if err := canActOn(c, rec); err != nil {
		return domain.Recommendation{}, err
	}
	return rec, nil
}

// History returns the client's previously settled recommendations in a group.
// GroupID 0 means the latest group.
func (e Engine) History(ctx context.Context, c domain.Client, groupID int64) ([]domain.Recommendation, error) {
	if groupID == 0 {
		g, err := e.Repo.LatestGroup(ctx)
		if err != nil {
			return nil, err
		}
		groupID = g.ID
	}
	return e.Repo.HistoryRecommendations(ctx, c.UserID, groupID)
}
