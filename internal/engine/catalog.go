package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"skywatch/internal/domain"
	"skywatch/internal/repo"
)

func (e Engine) AddObject(ctx context.Context, o domain.Object) (domain.Object, error) {
	if strings.TrimSpace(o.Name) == "" {
		return o, errors.New("name is required")
	}
	o.CreatedAt = e.nowString()
	return e.Repo.InsertObject(ctx, o)
}

// AddObjectAlias binds a provider designation to an object. An alias already
// bound to a different object is rejected.
func (e Engine) AddObjectAlias(ctx context.Context, objectID int64, provider, alias string) error {
	if strings.TrimSpace(provider) == "" || strings.TrimSpace(alias) == "" {
		return errors.New("provider and alias are required")
	}
	return e.Repo.AddObjectAlias(ctx, objectID, provider, alias)
}

// FindObject resolves a numeric id, IAU designation, provider alias, or plain
// name to an object.
func (e Engine) FindObject(ctx context.Context, identifier string) (domain.Object, error) {
	return e.Repo.FindObject(ctx, strings.TrimSpace(identifier))
}

func (e Engine) AddObservationType(ctx context.Context, t domain.ObservationType) (domain.ObservationType, error) {
	if strings.TrimSpace(t.Name) == "" {
		return t, errors.New("name is required")
	}
	return e.Repo.InsertObservationType(ctx, t)
}

// ObservationOptions describes a directly ingested observation, attributed to
// a named source rather than an observer.
type ObservationOptions struct {
	TypeName   string
	ObjectID   int64
	SourceName string
	Value      float64
	Error      *float64
	Time       time.Time
}

// AddObservation ingests a measurement from a broker or pipeline source.
func (e Engine) AddObservation(ctx context.Context, opts ObservationOptions) (domain.Observation, error) {
	ot, err := e.Repo.GetObservationTypeByName(ctx, opts.TypeName)
	if err != nil {
		return domain.Observation{}, fmt.Errorf("observation type %s: %w", opts.TypeName, err)
	}
	if _, err := e.Repo.GetObject(ctx, opts.ObjectID); err != nil {
		return domain.Observation{}, err
	}
	src, err := e.Repo.GetSourceByName(ctx, opts.SourceName)
	if err != nil {
		return domain.Observation{}, fmt.Errorf("source %s: %w", opts.SourceName, err)
	}
	when := opts.Time
	if when.IsZero() {
		when = e.now()
	}
	obs, err := e.Repo.InsertObservation(ctx, domain.Observation{
		TypeID:     ot.ID,
		ObjectID:   opts.ObjectID,
		SourceID:   src.ID,
		Value:      opts.Value,
		Error:      opts.Error,
		Time:       when.UTC().Format(time.RFC3339),
		RecordedAt: e.nowString(),
	})
	if err != nil {
		return obs, err
	}
	if err := e.audit(ctx, topicObservation, "info",
		fmt.Sprintf("observation %d ingested from %s for object %d", obs.ID, opts.SourceName, obs.ObjectID)); err != nil {
		return obs, err
	}
	return obs, nil
}

func (e Engine) AddSource(ctx context.Context, typeName string, s domain.Source) (domain.Source, error) {
	if strings.TrimSpace(s.Name) == "" {
		return s, errors.New("name is required")
	}
	st, err := e.Repo.GetSourceTypeByName(ctx, typeName)
	if err != nil {
		return s, fmt.Errorf("source type %s: %w", typeName, err)
	}
	s.TypeID = st.ID
	s.CreatedAt = e.nowString()
	return e.Repo.InsertSource(ctx, s)
}

func (e Engine) AddModelType(ctx context.Context, t domain.ModelType) (domain.ModelType, error) {
	if strings.TrimSpace(t.Name) == "" {
		return t, errors.New("name is required")
	}
	return e.Repo.InsertModelType(ctx, t)
}

// forecastSource is the shared pipeline source predicted observations are
// attributed to. Created on first use.
const forecastSource = "forecast"

// ForecastOptions describes a model output for an object: the predicted value
// at a time, plus the model's payload and accuracy score.
type ForecastOptions struct {
	ModelTypeName       string
	ObservationTypeName string
	ObjectID            int64
	Value               float64
	Time                time.Time
	Accuracy            *float64
	Data                map[string]any
}

// AddForecast stores a model and materializes its predicted observation, which
// makes the object a candidate for recommendation generation.
func (e Engine) AddForecast(ctx context.Context, opts ForecastOptions) (domain.Model, error) {
	mt, err := e.Repo.GetModelTypeByName(ctx, opts.ModelTypeName)
	if err != nil {
		return domain.Model{}, fmt.Errorf("model type %s: %w", opts.ModelTypeName, err)
	}
	ot, err := e.Repo.GetObservationTypeByName(ctx, opts.ObservationTypeName)
	if err != nil {
		return domain.Model{}, fmt.Errorf("observation type %s: %w", opts.ObservationTypeName, err)
	}
	if _, err := e.Repo.GetObject(ctx, opts.ObjectID); err != nil {
		return domain.Model{}, err
	}
	src, err := e.Repo.GetSourceByName(ctx, forecastSource)
	if errors.Is(err, repo.ErrNotFound) {
		src, err = e.AddSource(ctx, "pipeline", domain.Source{
			Name:        forecastSource,
			Description: "Model pipeline predicted observations",
		})
	}
	if err != nil {
		return domain.Model{}, err
	}
	when := opts.Time
	if when.IsZero() {
		when = e.now()
	}
	obs, err := e.Repo.InsertObservation(ctx, domain.Observation{
		TypeID:     ot.ID,
		ObjectID:   opts.ObjectID,
		SourceID:   src.ID,
		Value:      opts.Value,
		Time:       when.UTC().Format(time.RFC3339),
		RecordedAt: e.nowString(),
	})
	if err != nil {
		return domain.Model{}, err
	}
	obsID := obs.ID
	return e.Repo.InsertModel(ctx, domain.Model{
		TypeID:        mt.ID,
		ObjectID:      opts.ObjectID,
		ObservationID: &obsID,
		Accuracy:      opts.Accuracy,
		Data:          opts.Data,
		CreatedAt:     e.nowString(),
	})
}
