package http

type Status string

const (
	// StatusOK is used for health-check responses.
	StatusOK Status = "OK"

	// StatusSuccess indicates an operation completed successfully.
	StatusSuccess Status = "success"

	// StatusError indicates an operation failed.
	StatusError Status = "error"
)

// Response represents the standard API response format.
type Response struct {
	Status Status `json:"status,omitempty"`
	Value  any    `json:"value,omitempty"`
	Error  string `json:"error,omitempty"`
}

func NewOKResponse() Response {
	return Response{Status: StatusOK}
}

func NewSuccessResponse() Response {
	return Response{Status: StatusSuccess}
}

func NewValueResponse(value any) Response {
	return Response{Status: StatusSuccess, Value: value}
}

func NewErrorResponse(err string) Response {
	return Response{Status: StatusError, Error: err}
}

// TableInfo is one entry of the table listing.
type TableInfo struct {
	Name         string `json:"name"`
	Replica      string `json:"replica"`
	Generation   uint64 `json:"generation"`
	Chunks       int    `json:"chunks"`
	Records      uint64 `json:"records"`
	Bytes        uint64 `json:"bytes"`
	ArenaBytes   uint64 `json:"arena_bytes"`
	NextSequence uint64 `json:"next_sequence"`
}

type CommitResult struct {
	Records int `json:"records"`
}

type MergeResult struct {
	Merged bool `json:"merged"`
}

type AppendResult struct {
	Appended int `json:"appended"`
}
