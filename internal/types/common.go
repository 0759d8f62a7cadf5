package types

type StartUploadRequest struct {
	FileName string `json:"fileName"`
	FileType string `json:"fileType"`
}

type StartUploadResponse struct {
	UploadID string `json:"uploadId"`
}

type GetUploadURLRequest struct {
	FileName   string `json:"fileName"`
	PartNumber string `json:"partNumber"`
	UploadID   string `json:"uploadId"`
	MD5        string `json:"md5"`
}

type GetUploadURLResponse struct {
	PresignedURL string `json:"presignedUrl"`
}

type CompleteUploadRequest struct {
	Params CompleteUploadParams `json:"params"`
}

type CompleteUploadParams struct {
	FileName string          `json:"fileName"`
	Parts    []CompletedPart `json:"parts"`
	UploadID string          `json:"uploadId"`
}

// CompletedPart is a stored part: its number and the entity tag returned by the storage.
type CompletedPart struct {
	ETag       string
	PartNumber int
}

type CompleteUploadResponse struct {
	Data CompleteUploadData `json:"data"`
}

type CompleteUploadData struct {
	Location string
	Bucket   string
	Key      string
	ETag     string
}

type AbortUploadRequest struct {
	FileName string `json:"fileName"`
	UploadID string `json:"uploadId"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
