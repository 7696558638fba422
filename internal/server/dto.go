package server

import (
	"time"

	"skywatch/internal/domain"
	"skywatch/internal/engine"
)

// Request payloads

type LoginRequest struct {
	Key    string `json:"key"`
	Secret string `json:"secret"`
}

type CreateUserRequest struct {
	FirstName string         `json:"first_name,omitempty"`
	LastName  string         `json:"last_name,omitempty"`
	Email     string         `json:"email"`
	Alias     string         `json:"alias"`
	Data      map[string]any `json:"data,omitempty"`
}

type UpdateUserRequest struct {
	FirstName *string        `json:"first_name,omitempty"`
	LastName  *string        `json:"last_name,omitempty"`
	Email     *string        `json:"email,omitempty"`
	Alias     *string        `json:"alias,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

type CreateFacilityRequest struct {
	Name              string         `json:"name"`
	Latitude          *float64       `json:"latitude,omitempty"`
	Longitude         *float64       `json:"longitude,omitempty"`
	Elevation         *float64       `json:"elevation,omitempty"`
	LimitingMagnitude float64        `json:"limiting_magnitude"`
	Data              map[string]any `json:"data,omitempty"`
}

type UpdateFacilityRequest struct {
	Name              *string        `json:"name,omitempty"`
	Latitude          *float64       `json:"latitude,omitempty"`
	Longitude         *float64       `json:"longitude,omitempty"`
	Elevation         *float64       `json:"elevation,omitempty"`
	LimitingMagnitude *float64       `json:"limiting_magnitude,omitempty"`
	Data              map[string]any `json:"data,omitempty"`
}

type CreateClientRequest struct {
	Level *int `json:"level,omitempty" minimum:"0"`
}

type CreateObjectRequest struct {
	Name     string            `json:"name"`
	TypeName *string           `json:"type_name,omitempty"`
	Aliases  map[string]string `json:"aliases,omitempty"`
	RA       float64           `json:"ra"`
	Dec      float64           `json:"dec"`
	Redshift *float64          `json:"redshift,omitempty"`
	Data     map[string]any    `json:"data,omitempty"`
}

type AddAliasRequest struct {
	Provider string `json:"provider"`
	Alias    string `json:"alias"`
}

type CreateObservationTypeRequest struct {
	Name        string `json:"name"`
	Units       string `json:"units"`
	Description string `json:"description,omitempty"`
}

type CreateObservationRequest struct {
	TypeName   string   `json:"type_name"`
	ObjectID   int64    `json:"object_id"`
	SourceName string   `json:"source_name"`
	Value      float64  `json:"value"`
	Error      *float64 `json:"error,omitempty"`
	Time       *string  `json:"time,omitempty" format:"date-time"`
}

type CreateSourceRequest struct {
	TypeName    string         `json:"type_name" enum:"broker,catalog,pipeline,observer"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
}

type CreateModelTypeRequest struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

type CreateForecastRequest struct {
	ModelTypeName       string         `json:"model_type_name"`
	ObservationTypeName string         `json:"observation_type_name"`
	ObjectID            int64          `json:"object_id"`
	Value               float64        `json:"value"`
	Time                *string        `json:"time,omitempty" format:"date-time"`
	Accuracy            *float64       `json:"accuracy,omitempty" minimum:"0" maximum:"1"`
	Data                map[string]any `json:"data,omitempty"`
}

type GenerateGroupRequest struct {
	PerUserLimit *int `json:"per_user_limit,omitempty" minimum:"1"`
}

type ObservedRequest struct {
	TypeName string   `json:"type_name"`
	Value    float64  `json:"value"`
	Error    *float64 `json:"error,omitempty"`
	Time     *string  `json:"time,omitempty" format:"date-time"`
}

type FulfillRequest struct {
	ObservationID int64 `json:"observation_id"`
}

type PublishMessageRequest struct {
	Topic    string `json:"topic"`
	Level    string `json:"level" enum:"debug,info,warning,error,critical"`
	Producer string `json:"producer,omitempty"`
	Text     string `json:"text"`
}

type MarkSeenRequest struct {
	Consumer string `json:"consumer"`
}

// Response payloads

// CredentialResponse carries the cleartext secret exactly once, at creation
// or rotation.
type CredentialResponse struct {
	Client domain.Client `json:"client"`
	Key    string        `json:"key"`
	Secret string        `json:"secret"`
}

type SessionResponse struct {
	Token   string  `json:"token"`
	Expires *string `json:"expires,omitempty" format:"date-time"`
}

type GroupResponse struct {
	Group           domain.RecommendationGroup `json:"group"`
	Recommendations []domain.Recommendation    `json:"recommendations"`
	Users           int                        `json:"users"`
}

// Conversion helpers

func credentialResponse(c engine.Credential) CredentialResponse {
	return CredentialResponse{Client: c.Client, Key: c.Key, Secret: c.Secret}
}

func sessionResponse(s engine.Session) SessionResponse {
	out := SessionResponse{Token: s.Token}
	if s.Expires != nil {
		ts := s.Expires.Format(time.RFC3339)
		out.Expires = &ts
	}
	return out
}

func parseTimePtr(s *string) (time.Time, error) {
	if s == nil || *s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, *s)
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
