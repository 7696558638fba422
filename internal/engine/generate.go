package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"skywatch/internal/domain"
	"skywatch/internal/repo"
)

// GenerateOptions tunes one batch generation.
type GenerateOptions struct {
	// PerUserLimit caps targets per user. Zero uses the configured default.
	PerUserLimit int
}

type GenerateResult struct {
	Group           domain.RecommendationGroup
	Recommendations []domain.Recommendation
	Users           int
}

type assignment struct {
	userID     int64
	facilityID int64
	priority   int64
	candidate  repo.ModelCandidate
}

// GenerateGroup builds one recommendation batch. Candidates are walked
// brightest first, and each is assigned to a single best-fit (user, facility):
// the least-served eligible user, ties broken round-robin, at their tightest
// feasible facility. Priorities run 1..N across the group in candidate order.
// The whole batch commits atomically, and only one generation runs at a time
// in this process.
func (e Engine) GenerateGroup(ctx context.Context, opts GenerateOptions) (GenerateResult, error) {
	if e.genMu != nil {
		e.genMu.Lock()
		defer e.genMu.Unlock()
	}

	perUser := opts.PerUserLimit
	if perUser <= 0 {
		perUser = 3
		if e.Config != nil && e.Config.Generator.PerUserLimit > 0 {
			perUser = e.Config.Generator.PerUserLimit
		}
	}
	var threshold *float64
	if e.Config != nil {
		threshold = e.Config.Generator.AccuracyThreshold
	}

	candidates, err := e.Repo.ModelCandidates(ctx, threshold)
	if err != nil {
		return GenerateResult{}, fmt.Errorf("load candidates: %w", err)
	}
	users, err := e.Repo.UsersWithFacilities(ctx)
	if err != nil {
		return GenerateResult{}, fmt.Errorf("load users: %w", err)
	}

	type observer struct {
		user       domain.User
		facilities []domain.Facility
		pending    map[int64]bool
		assigned   int
		lastPick   int
	}
	var observers []*observer
	for _, u := range users {
		if err := ctx.Err(); err != nil {
			return GenerateResult{}, err
		}
		pending, err := e.Repo.PendingObjectIDsForUser(ctx, u.ID)
		if err != nil {
			return GenerateResult{}, err
		}
		facilities, err := e.Repo.ListUserFacilities(ctx, u.ID)
		if err != nil {
			return GenerateResult{}, err
		}
		observers = append(observers, &observer{user: u, facilities: facilities, pending: pending})
	}

	var plan []assignment
	picks := 0
	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			return GenerateResult{}, err
		}
		// Best fit: among observers with capacity left and no open
		// recommendation for this object, take the least-served; on a tie,
		// the one assigned-to longest ago.
		var best *observer
		var bestFacility domain.Facility
		for _, o := range observers {
			if o.assigned >= perUser || o.pending[c.ObjectID] {
				continue
			}
			var feasible *domain.Facility
			for i := range o.facilities {
				f := &o.facilities[i]
				if c.PredictedValue > f.LimitingMagnitude {
					continue
				}
				if feasible == nil || f.LimitingMagnitude < feasible.LimitingMagnitude {
					feasible = f
				}
			}
			if feasible == nil {
				continue
			}
			if best == nil || o.assigned < best.assigned ||
				(o.assigned == best.assigned && o.lastPick < best.lastPick) {
				best = o
				bestFacility = *feasible
			}
		}
		if best == nil {
			continue
		}
		picks++
		best.assigned++
		best.lastPick = picks
		best.pending[c.ObjectID] = true
		plan = append(plan, assignment{
			userID:     best.user.ID,
			facilityID: bestFacility.ID,
			priority:   int64(len(plan) + 1),
			candidate:  c,
		})
	}

	now := e.nowString()
	group := domain.RecommendationGroup{
		BatchID:   uuid.New().String(),
		CreatedAt: now,
	}
	var recs []domain.Recommendation
	err = repo.WithRetry(ctx, func() error {
		recs = recs[:0]
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		g, err := e.Repo.InsertGroupTx(ctx, tx, group)
		if err != nil {
			return err
		}
		for _, a := range plan {
			obsID := a.candidate.ObservationID
			rec, err := e.Repo.InsertRecommendationTx(ctx, tx, domain.Recommendation{
				GroupID:                g.ID,
				Priority:               a.priority,
				ObjectID:               a.candidate.ObjectID,
				FacilityID:             a.facilityID,
				UserID:                 a.userID,
				PredictedObservationID: &obsID,
				Data:                   map[string]any{"model_id": a.candidate.ModelID},
				CreatedAt:              now,
			})
			if err != nil {
				return err
			}
			recs = append(recs, rec)
		}
		if _, err := e.Trail.Publish(ctx, tx, topicRecommendation, "info", "generator",
			fmt.Sprintf("group %d generated: %d recommendations for %d users (batch %s)",
				g.ID, len(recs), len(users), g.BatchID)); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		group = g
		return nil
	})
	if err != nil {
		return GenerateResult{}, err
	}
	return GenerateResult{Group: group, Recommendations: recs, Users: len(users)}, nil
}
