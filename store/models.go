package store

import "time"

// Diagnosis represents one diagnosis attempt, local or remote.
type Diagnosis struct {
	ID             string
	ModelID        string
	ModelVersion   string
	CropID         string
	CropName       string
	ImagePath      string
	ServerImageURL string // set only when the diagnosis executed remotely
	DiseaseID      string
	DiseaseName    string
	DiseaseLabel   string
	Description    string
	Symptoms       string
	Treatment      string
	Prevention     string
	Confidence     float64
	CreatedAt      time.Time
	Synced         bool
	IsRated        bool
}

// ModelRating represents a user-submitted quality rating for the on-device
// model, captured locally and pushed to the remote authority later.
type ModelRating struct {
	ID               string
	ModelID          string
	Stars            int
	Feedback         string
	DiagnosisCorrect *bool
	CropType         string
	DeviceInfo       string // opaque JSON blob describing the device
	Synced           bool
	CreatedAt        time.Time
}

// DailyUsage is the persisted attempt counter for one calendar date.
// DailyLimit is nil for unlimited plans. Derived values (remaining attempts,
// limit reached) are computed by the quota package, not stored.
type DailyUsage struct {
	Date         string // YYYY-MM-DD
	AttemptsUsed int
	DailyLimit   *int
	IsUnlimited  bool
	Synced       bool
	UpdatedAt    time.Time
}

// ModelArtifact describes the currently installed inference model: the
// weights file plus its companion config. At most one artifact exists at a
// time; it is replaced wholesale, never mutated.
type ModelArtifact struct {
	ModelID       string    `json:"model_id"`
	Version       string    `json:"version"`
	WeightsSize   int64     `json:"weights_size"`
	WeightsSHA256 string    `json:"weights_sha256"`
	ConfigSize    int64     `json:"config_size"`
	ConfigSHA256  string    `json:"config_sha256"`
	Accuracy      float64   `json:"accuracy"`
	WeightsPath   string    `json:"weights_path"`
	ConfigPath    string    `json:"config_path"`
	InstalledAt   time.Time `json:"installed_at"`
	LastUsedAt    time.Time `json:"last_used_at"`
}

// SubscriptionSnapshot is the cached copy of the user's current plan,
// replaced wholesale whenever fresh data arrives from the remote authority.
type SubscriptionSnapshot struct {
	PlanID         string     `json:"plan_id"`
	PlanName       string     `json:"plan_name"`
	DailyAllowance *int       `json:"daily_allowance"` // nil = unlimited
	IsFree         bool       `json:"is_free"`
	StartsAt       *time.Time `json:"starts_at,omitempty"`
	EndsAt         *time.Time `json:"ends_at,omitempty"`
	Active         bool       `json:"active"`
	PlanType       string     `json:"plan_type"`
	FetchedAt      time.Time  `json:"fetched_at"`
}
