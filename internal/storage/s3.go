package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/sirupsen/logrus"

	"github.com/gostones/s3queue/internal/types"
)

const DefaultPresignExpiry = 15 * time.Minute

// S3Config holds the bucket and credentials, read once when the backend is built.
type S3Config struct {
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	ForcePathStyle  bool
	PresignExpiry   time.Duration
}

// S3Backend talks to S3 directly and presigns part uploads with local credentials.
type S3Backend struct {
	svc    *s3.S3
	bucket string
	expire time.Duration
	log    logrus.FieldLogger
}

func NewS3Backend(cfg S3Config, log logrus.FieldLogger) (*S3Backend, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("bucket name is required")
	}
	awsCfg := aws.NewConfig().
		WithRegion(cfg.Region).
		WithS3ForcePathStyle(cfg.ForcePathStyle)
	if cfg.AccessKeyID != "" {
		creds := credentials.NewStaticCredentials(cfg.AccessKeyID, cfg.SecretAccessKey, "")
		if _, err := creds.Get(); err != nil {
			return nil, fmt.Errorf("bad credentials: %w", err)
		}
		awsCfg = awsCfg.WithCredentials(creds)
	}
	if cfg.Endpoint != "" {
		awsCfg = awsCfg.WithEndpoint(cfg.Endpoint)
	}
	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("aws session: %w", err)
	}
	expire := cfg.PresignExpiry
	if expire <= 0 {
		expire = DefaultPresignExpiry
	}
	return &S3Backend{
		svc:    s3.New(sess),
		bucket: cfg.Bucket,
		expire: expire,
		log:    log.WithField("bucket", cfg.Bucket),
	}, nil
}

func (b *S3Backend) Bucket() string {
	return b.bucket
}

func (b *S3Backend) CreateMultipartUpload(ctx context.Context, key, contentType string) (string, error) {
	input := &s3.CreateMultipartUploadInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	output, err := b.svc.CreateMultipartUploadWithContext(ctx, input)
	if err != nil {
		return "", fmt.Errorf("can't obtain upload id: %w", err)
	}
	uploadID := aws.StringValue(output.UploadId)
	b.log.WithFields(logrus.Fields{"key": key, "uploadId": uploadID}).Debug("multipart upload created")
	return uploadID, nil
}

// GetUploadPartURL presigns an UploadPart request for the part.
func (b *S3Backend) GetUploadPartURL(ctx context.Context, key, uploadID string, partNumber int, contentMD5 string) (string, error) {
	input := &s3.UploadPartInput{
		Bucket:     aws.String(b.bucket),
		Key:        aws.String(key),
		UploadId:   aws.String(uploadID),
		PartNumber: aws.Int64(int64(partNumber)),
	}
	if contentMD5 != "" {
		input.ContentMD5 = aws.String(contentMD5)
	}
	req, _ := b.svc.UploadPartRequest(input)
	req.SetContext(ctx)
	u, err := req.Presign(b.expire)
	if err != nil {
		return "", fmt.Errorf("can't presign part %d: %w", partNumber, err)
	}
	return u, nil
}

func (b *S3Backend) CompleteMultipartUpload(ctx context.Context, key, uploadID string, parts []types.CompletedPart) (*types.CompleteUploadData, error) {
	sorted := make([]types.CompletedPart, len(parts))
	copy(sorted, parts)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].PartNumber < sorted[j].PartNumber })

	completedParts := make([]*s3.CompletedPart, 0, len(sorted))
	for _, p := range sorted {
		completedParts = append(completedParts, &s3.CompletedPart{
			ETag:       aws.String(p.ETag),
			PartNumber: aws.Int64(int64(p.PartNumber)),
		})
	}
	input := &s3.CompleteMultipartUploadInput{
		Bucket:   aws.String(b.bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
		MultipartUpload: &s3.CompletedMultipartUpload{
			Parts: completedParts,
		},
	}
	output, err := b.svc.CompleteMultipartUploadWithContext(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("can't complete upload: %w", err)
	}
	b.log.WithFields(logrus.Fields{"key": key, "uploadId": uploadID}).Debug("multipart upload completed")
	return &types.CompleteUploadData{
		Location: aws.StringValue(output.Location),
		Bucket:   aws.StringValue(output.Bucket),
		Key:      aws.StringValue(output.Key),
		ETag:     aws.StringValue(output.ETag),
	}, nil
}

func (b *S3Backend) AbortMultipartUpload(ctx context.Context, key, uploadID string) error {
	_, err := b.svc.AbortMultipartUploadWithContext(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(b.bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
	})
	var aerr awserr.Error
	if errors.As(err, &aerr) && aerr.Code() == s3.ErrCodeNoSuchUpload {
		return nil
	}
	if err != nil {
		return fmt.Errorf("can't abort upload: %w", err)
	}
	b.log.WithFields(logrus.Fields{"key": key, "uploadId": uploadID}).Debug("multipart upload aborted")
	return nil
}
