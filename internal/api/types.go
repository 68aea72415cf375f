package api

const (
	DefaultHost = "127.0.0.1"
	DefaultPort = 5000
)

type CreateSnapshotRequest struct {
	Path string `json:"path"`
	ID   string `json:"id"`
}

type SnapshotResponse struct {
	ID        string `json:"id"`
	FileCount int    `json:"file_count"`
}

type UploadResponse struct {
	ID        string `json:"id,omitempty"`
	FileCount int    `json:"file_count"`
}

type DiffRequest struct {
	IDA string `json:"id_a"`
	IDB string `json:"id_b"`
}

type DiffSummary struct {
	Added    int `json:"added"`
	Deleted  int `json:"deleted"`
	Modified int `json:"modified"`
}

type DiffDetails struct {
	Added    []string `json:"added"`
	Deleted  []string `json:"deleted"`
	Modified []string `json:"modified"`
}

type DiffResponse struct {
	Summary     DiffSummary `json:"summary"`
	DiffDetails DiffDetails `json:"diff_details"`
}

// SnapshotInfo is one row of the snapshot listing.
type SnapshotInfo struct {
	ID        string `json:"id"`
	Source    string `json:"source"`
	FileCount int    `json:"file_count"`
	CreatedAt string `json:"created_at"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Form field names of the folder upload.
const (
	UploadIDField   = "id"
	UploadFileField = "files[]"
)
