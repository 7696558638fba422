package domain

type User struct {
	ID        int64          `json:"id"`
	FirstName string         `json:"first_name"`
	LastName  string         `json:"last_name"`
	Email     string         `json:"email"`
	Alias     string         `json:"alias"`
	Data      map[string]any `json:"data,omitempty"`
	CreatedAt string         `json:"created_at" format:"date-time"`
}

type Facility struct {
	ID                int64          `json:"id"`
	Name              string         `json:"name"`
	Latitude          *float64       `json:"latitude,omitempty"`
	Longitude         *float64       `json:"longitude,omitempty"`
	Elevation         *float64       `json:"elevation,omitempty"`
	LimitingMagnitude float64        `json:"limiting_magnitude"`
	Data              map[string]any `json:"data,omitempty"`
	CreatedAt         string         `json:"created_at" format:"date-time"`
}

// Client is an API credential bound to a user. Secret is stored hashed;
// the cleartext is only ever returned at creation or rotation time.
type Client struct {
	ID         int64  `json:"id"`
	UserID     int64  `json:"user_id"`
	Level      int    `json:"level"`
	Key        string `json:"key"`
	SecretHash string `json:"-"`
	Valid      bool   `json:"valid"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}

// Token is a persisted access token. Only the hash of the serialized
// bearer token is stored. A nil ExpiresAt means the token never expires.
type Token struct {
	ID        int64   `json:"id"`
	ClientID  int64   `json:"client_id"`
	TokenHash string  `json:"-"`
	ExpiresAt *string `json:"expires_at,omitempty" format:"date-time"`
	CreatedAt string  `json:"created_at" format:"date-time"`
}

type ObjectType struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Object is a transient in the catalog. Aliases maps provider name to the
// provider's designation for the object (e.g. "ztf" -> "ZTF21abcdefg").
type Object struct {
	ID        int64             `json:"id"`
	TypeID    *int64            `json:"type_id,omitempty"`
	Name      string            `json:"name"`
	Aliases   map[string]string `json:"aliases,omitempty"`
	RA        float64           `json:"ra"`
	Dec       float64           `json:"dec"`
	Redshift  *float64          `json:"redshift,omitempty"`
	Data      map[string]any    `json:"data,omitempty"`
	CreatedAt string            `json:"created_at" format:"date-time"`
}

type ObservationType struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Units       string `json:"units"`
	Description string `json:"description,omitempty"`
}

type SourceType struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Source identifies where an observation came from; observer sources pair a
// user with a facility.
type Source struct {
	ID          int64          `json:"id"`
	TypeID      int64          `json:"type_id"`
	FacilityID  *int64         `json:"facility_id,omitempty"`
	UserID      *int64         `json:"user_id,omitempty"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
	CreatedAt   string         `json:"created_at" format:"date-time"`
}

type Observation struct {
	ID         int64    `json:"id"`
	TypeID     int64    `json:"type_id"`
	ObjectID   int64    `json:"object_id"`
	SourceID   int64    `json:"source_id"`
	Value      float64  `json:"value"`
	Error      *float64 `json:"error,omitempty"`
	Time       string   `json:"time" format:"date-time"`
	RecordedAt string   `json:"recorded_at" format:"date-time"`
}

type ModelType struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Model is a stored forecast for an object. ObservationID references the
// predicted observation the forecast produced, when one was materialized.
type Model struct {
	ID            int64          `json:"id"`
	TypeID        int64          `json:"type_id"`
	ObjectID      int64          `json:"object_id"`
	ObservationID *int64         `json:"observation_id,omitempty"`
	Accuracy      *float64       `json:"accuracy,omitempty"`
	Data          map[string]any `json:"data,omitempty"`
	CreatedAt     string         `json:"created_at" format:"date-time"`
}

// RecommendationGroup is one atomic generation batch.
type RecommendationGroup struct {
	ID        int64  `json:"id"`
	BatchID   string `json:"batch_id"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Recommendation struct {
	ID                     int64          `json:"id"`
	GroupID                int64          `json:"group_id"`
	Priority               int64          `json:"priority"`
	ObjectID               int64          `json:"object_id"`
	FacilityID             int64          `json:"facility_id"`
	UserID                 int64          `json:"user_id"`
	PredictedObservationID *int64         `json:"predicted_observation_id,omitempty"`
	ObservationID          *int64         `json:"observation_id,omitempty"`
	Accepted               bool           `json:"accepted"`
	Rejected               bool           `json:"rejected"`
	Data                   map[string]any `json:"data,omitempty"`
	CreatedAt              string         `json:"created_at" format:"date-time"`
}

type Topic struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

type Level struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

type Host struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type Consumer struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type Producer struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type Message struct {
	ID         int64  `json:"id"`
	Time       string `json:"time" format:"date-time"`
	TopicID    int64  `json:"topic_id"`
	LevelID    int64  `json:"level_id"`
	HostID     int64  `json:"host_id"`
	ProducerID *int64 `json:"producer_id,omitempty"`
	Text       string `json:"text"`
}

// AccessReceipt records that a consumer has seen a message. The
// (consumer_id, message_id) pair is the primary key, which makes recording a
// receipt idempotent.
type AccessReceipt struct {
	ConsumerID int64  `json:"consumer_id"`
	MessageID  int64  `json:"message_id"`
	Time       string `json:"time" format:"date-time"`
}
