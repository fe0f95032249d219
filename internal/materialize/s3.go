package materialize

import (
	"context"
	"fmt"
	"os"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	log "github.com/sirupsen/logrus"

	"github.com/n3dwh/query-executor/internal/model"
)

// FileMaterializer uploads the raw staging file to object storage so other
// tooling can pick the result set up without touching the results DB. The
// object key becomes the destination path; no access creds are issued — the
// bucket's own policy governs reads.
type FileMaterializer struct {
	bucket   string
	prefix   string
	uploader *manager.Uploader
}

// NewFileMaterializer creates a FileMaterializer. Region and credentials
// come from the usual AWS environment; MinIO-style deployments point
// AWS_ENDPOINT_URL_S3 at the local gateway.
func NewFileMaterializer(ctx context.Context, bucket, prefix string) (*FileMaterializer, error) {
	if bucket == "" {
		return nil, fmt.Errorf("bucket required")
	}
	cfg, err := awsConfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg)
	return &FileMaterializer{
		bucket:   bucket,
		prefix:   prefix,
		uploader: manager.NewUploader(client),
	}, nil
}

// Materialize implements Materializer.
func (m *FileMaterializer) Materialize(ctx context.Context, run *model.QueryExecution, stagingPath string) (*Result, error) {
	f, err := os.Open(stagingPath)
	if err != nil {
		return nil, fmt.Errorf("open staging file: %w", err)
	}
	defer f.Close()

	key := path.Join(m.prefix, run.GUID+".bin")
	_, err = m.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(m.bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String("application/octet-stream"),
	})
	if err != nil {
		return nil, fmt.Errorf("upload result file: %w", err)
	}

	log.WithFields(log.Fields{
		"guid":   run.GUID,
		"bucket": m.bucket,
		"key":    key,
	}).Info("result file uploaded")

	return &Result{Path: key}, nil
}
