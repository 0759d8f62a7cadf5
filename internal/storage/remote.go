package storage

import (
	"context"
	"fmt"
	"strconv"

	"github.com/go-resty/resty/v2"

	"github.com/gostones/s3queue/internal/types"
)

// RemoteBackend obtains upload ids and pre-signed URLs from a signing server, so the
// client never holds storage credentials.
type RemoteBackend struct {
	c *resty.Client
}

func NewRemoteBackend(baseURL string) *RemoteBackend {
	return &RemoteBackend{
		c: resty.New().
			SetBaseURL(baseURL).
			SetHeader("Accept", "application/json"),
	}
}

// CreateMultipartUpload obtains an uploadId generated in the backend server by the AWS S3 SDK.
func (r *RemoteBackend) CreateMultipartUpload(ctx context.Context, key, contentType string) (string, error) {
	var result types.StartUploadResponse
	resp, err := r.c.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"fileName": key,
			"fileType": contentType,
		}).
		SetResult(&result).
		Get("/start-upload")
	if err := checkResponse("start-upload", resp, err); err != nil {
		return "", err
	}
	if result.UploadID == "" {
		return "", fmt.Errorf("start-upload: empty upload id")
	}
	return result.UploadID, nil
}

func (r *RemoteBackend) GetUploadPartURL(ctx context.Context, key, uploadID string, partNumber int, contentMD5 string) (string, error) {
	var result types.GetUploadURLResponse
	resp, err := r.c.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"fileName":   key,
			"partNumber": strconv.Itoa(partNumber),
			"uploadId":   uploadID,
			"md5":        contentMD5,
		}).
		SetResult(&result).
		Get("/get-upload-url")
	if err := checkResponse("get-upload-url", resp, err); err != nil {
		return "", err
	}
	if result.PresignedURL == "" {
		return "", fmt.Errorf("get-upload-url: empty url for part %d", partNumber)
	}
	return result.PresignedURL, nil
}

// CompleteMultipartUpload calls the complete-upload endpoint of the signing server.
func (r *RemoteBackend) CompleteMultipartUpload(ctx context.Context, key, uploadID string, parts []types.CompletedPart) (*types.CompleteUploadData, error) {
	req := types.CompleteUploadRequest{
		Params: types.CompleteUploadParams{
			FileName: key,
			Parts:    parts,
			UploadID: uploadID,
		},
	}
	var result types.CompleteUploadResponse
	resp, err := r.c.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&result).
		Post("/complete-upload")
	if err := checkResponse("complete-upload", resp, err); err != nil {
		return nil, err
	}
	return &result.Data, nil
}

func (r *RemoteBackend) AbortMultipartUpload(ctx context.Context, key, uploadID string) error {
	resp, err := r.c.R().
		SetContext(ctx).
		SetBody(types.AbortUploadRequest{
			FileName: key,
			UploadID: uploadID,
		}).
		Post("/abort-upload")
	return checkResponse("abort-upload", resp, err)
}

func checkResponse(op string, resp *resty.Response, err error) error {
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if resp.IsError() {
		return fmt.Errorf("%s: %v %s", op, resp.StatusCode(), resp.String())
	}
	return nil
}
