package modelstorage

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"
)

type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	CreateMultipartUpload(ctx context.Context, in *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, in *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, in *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, in *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
}

// MinPartSize is the smallest part S3 accepts for all but the last part.
const MinPartSize = 5 * 1024 * 1024

type presignAPI interface {
	PresignGetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// S3Options configures the destination bucket.
type S3Options struct {
	Bucket    string
	Region    string
	Endpoint  string
	PathStyle bool
	URLTTL    time.Duration
	// PartSize is the chunk size for multipart uploads. Files up to one part
	// are written with a single PutObject.
	PartSize int64
}

// S3Destination stores converted files in S3, keyed by space and file id.
type S3Destination struct {
	client   s3API
	presign  presignAPI
	bucket   string
	ttl      time.Duration
	partSize int64
}

// NewS3Destination loads AWS configuration and builds the destination client.
func NewS3Destination(ctx context.Context, opts S3Options) (*S3Destination, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket must be provided")
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(opts.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = opts.PathStyle
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
	})
	dest := newS3Destination(client, s3.NewPresignClient(client), opts.Bucket, opts.URLTTL)
	if opts.PartSize > 0 {
		dest.partSize = max(opts.PartSize, MinPartSize)
	}
	return dest, nil
}

func newS3Destination(client s3API, presign presignAPI, bucket string, ttl time.Duration) *S3Destination {
	if ttl == 0 {
		ttl = time.Hour
	}
	return &S3Destination{client: client, presign: presign, bucket: bucket, ttl: ttl, partSize: 8 * 1024 * 1024}
}

func objectKey(spaceID, fileID string) string {
	return spaceID + "/" + fileID
}

// Upload writes data to the space and returns the new file id. Data larger than
// one part goes up as a multipart upload.
func (d *S3Destination) Upload(ctx context.Context, spaceID, folderID, fileName string, data []byte) (string, error) {
	fileID := uuid.NewString()
	key := objectKey(spaceID, fileID)
	metadata := map[string]string{
		"folder-id": folderID,
		"file-name": fileName,
	}
	disposition := fmt.Sprintf("attachment; filename=%q", fileName)

	if int64(len(data)) > d.partSize {
		if err := d.uploadParts(ctx, key, disposition, metadata, data); err != nil {
			return "", err
		}
		return fileID, nil
	}

	_, err := d.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:             aws.String(d.bucket),
		Key:                aws.String(key),
		Body:               bytes.NewReader(data),
		ContentType:        aws.String("application/json"),
		ContentDisposition: aws.String(disposition),
		Metadata:           metadata,
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fileID, nil
}

func (d *S3Destination) uploadParts(ctx context.Context, key, disposition string, metadata map[string]string, data []byte) (err error) {
	created, err := d.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket:             aws.String(d.bucket),
		Key:                aws.String(key),
		ContentType:        aws.String("application/json"),
		ContentDisposition: aws.String(disposition),
		Metadata:           metadata,
	})
	if err != nil {
		return fmt.Errorf("create multipart upload: %w", err)
	}
	uploadID := created.UploadId

	defer func() {
		if err == nil {
			return
		}
		// Parts of a failed abort are left to the bucket lifecycle rule.
		_, _ = d.client.AbortMultipartUpload(context.WithoutCancel(ctx), &s3.AbortMultipartUploadInput{
			Bucket:   aws.String(d.bucket),
			Key:      aws.String(key),
			UploadId: uploadID,
		})
	}()

	var parts []types.CompletedPart
	for offset, n := int64(0), int32(1); offset < int64(len(data)); offset, n = offset+d.partSize, n+1 {
		end := min(offset+d.partSize, int64(len(data)))
		out, err := d.client.UploadPart(ctx, &s3.UploadPartInput{
			Bucket:     aws.String(d.bucket),
			Key:        aws.String(key),
			UploadId:   uploadID,
			PartNumber: aws.Int32(n),
			Body:       bytes.NewReader(data[offset:end]),
		})
		if err != nil {
			return fmt.Errorf("upload part %d: %w", n, err)
		}
		parts = append(parts, types.CompletedPart{ETag: out.ETag, PartNumber: aws.Int32(n)})
	}

	_, err = d.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(d.bucket),
		Key:             aws.String(key),
		UploadId:        uploadID,
		MultipartUpload: &types.CompletedMultipartUpload{Parts: parts},
	})
	if err != nil {
		return fmt.Errorf("complete multipart upload: %w", err)
	}
	return nil
}

// DownloadURL returns a time-bounded URL for an uploaded file. It confirms the
// object is visible before signing.
func (d *S3Destination) DownloadURL(ctx context.Context, spaceID, fileID string) (string, error) {
	key := objectKey(spaceID, fileID)
	if _, err := d.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(key),
	}); err != nil {
		return "", fmt.Errorf("head object: %w", err)
	}
	req, err := d.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(d.ttl))
	if err != nil {
		return "", fmt.Errorf("presign object: %w", err)
	}
	return req.URL, nil
}
