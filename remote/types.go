package remote

// ModelMetadata is the remote authority's description of the latest published
// inference model artifact.
type ModelMetadata struct {
	ModelID       string  `json:"model_id"`
	Version       string  `json:"version"`
	Accuracy      float64 `json:"accuracy"`
	WeightsURL    string  `json:"weights_url"`
	WeightsSize   int64   `json:"weights_size"`
	WeightsSHA256 string  `json:"weights_sha256"`
	ConfigURL     string  `json:"config_url"`
	ConfigSize    int64   `json:"config_size"`
	ConfigSHA256  string  `json:"config_sha256"`
}

// DiagnosisResult is the disease identification returned by a remote
// diagnosis. ImageURL is where the server stored the uploaded image.
type DiagnosisResult struct {
	DiseaseID   string  `json:"disease_id"`
	Name        string  `json:"name"`
	Label       string  `json:"label"`
	Description string  `json:"description"`
	Symptoms    string  `json:"symptoms"`
	Treatment   string  `json:"treatment"`
	Prevention  string  `json:"prevention"`
	Confidence  float64 `json:"confidence"`
	ImageURL    string  `json:"image_url"`
}

// Plan describes the user's subscription plan as reported by the remote
// authority.
type Plan struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	DailyAllowance *int   `json:"daily_allowance"` // nil = unlimited
	IsFree         bool   `json:"is_free"`
	StartsAt       string `json:"starts_at,omitempty"`
	EndsAt         string `json:"ends_at,omitempty"`
	Active         bool   `json:"active"`
	PlanType       string `json:"plan_type"`
}

// UsageSnapshot is the server-authoritative view of today's usage.
type UsageSnapshot struct {
	Plan         Plan   `json:"plan"`
	Date         string `json:"date"` // YYYY-MM-DD
	AttemptsUsed int    `json:"attempts_used"`
}

// RatingSubmission is the wire form of a model quality rating.
type RatingSubmission struct {
	ID               string `json:"id"`
	ModelID          string `json:"model_id"`
	Stars            int    `json:"stars"`
	Feedback         string `json:"feedback,omitempty"`
	DiagnosisCorrect *bool  `json:"diagnosis_correct,omitempty"`
	CropType         string `json:"crop_type,omitempty"`
	DeviceInfo       string `json:"device_info,omitempty"`
	CreatedAt        string `json:"created_at"`
}

// DiagnosisSubmission is the wire form of a locally-produced diagnosis record
// pushed during sync.
type DiagnosisSubmission struct {
	ID           string  `json:"id"`
	ModelID      string  `json:"model_id"`
	ModelVersion string  `json:"model_version"`
	CropID       string  `json:"crop_id,omitempty"`
	CropName     string  `json:"crop_name,omitempty"`
	DiseaseID    string  `json:"disease_id,omitempty"`
	DiseaseName  string  `json:"disease_name,omitempty"`
	Confidence   float64 `json:"confidence"`
	CreatedAt    string  `json:"created_at"`
}
