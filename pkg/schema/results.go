package schema

const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// TextLine is one recognized line of text. BBox is [x0, y0, x1, y1].
type TextLine struct {
	Text       string       `json:"text"`
	Confidence float64      `json:"confidence"`
	BBox       [4]float64   `json:"bbox"`
	Polygon    [][2]float64 `json:"polygon"`
}

type Layout struct {
	TextLines []TextLine `json:"text_lines"`
}

// ResultDocument is both the success response of create/reprocess and the
// content of results.json for a completed job.
type ResultDocument struct {
	Status       string   `json:"status"`
	JobID        string   `json:"job_id"`
	OriginalFile string   `json:"original_file"`
	CleanImage   string   `json:"clean_image"`
	Text         string   `json:"text"`
	Layout       Layout   `json:"layout"`
	Typos        []string `json:"typos"`
	Degraded     bool     `json:"degraded,omitempty"`
	Message      string   `json:"message,omitempty"`
}

// ErrorDocument is the error response shape, and the content of results.json
// for a failed job (with JobID set).
type ErrorDocument struct {
	Status  string `json:"status"`
	JobID   string `json:"job_id,omitempty"`
	Kind    string `json:"kind,omitempty"`
	Message string `json:"message"`
}

// StatusResponse answers delete requests.
type StatusResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// JobSummary is one entry of the job listing.
type JobSummary struct {
	ID             string   `json:"id"`
	UploadDate     string   `json:"upload_date"`
	OriginalFile   string   `json:"original_file"`
	ProcessedFiles []string `json:"processed_files"`
	Status         string   `json:"status"`
}

type JobList struct {
	Jobs []JobSummary `json:"jobs"`
}
