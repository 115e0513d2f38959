package report

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Uploads the results file to S3 under its base name so it can be analyzed
// offline without copying anything off the machine that ran the sweep.
func UploadResults(ctx context.Context, awsConfig aws.Config, bucket, resultPath string) error {
	f, err := os.Open(resultPath)
	if err != nil {
		return err
	}
	defer f.Close()

	uploader := manager.NewUploader(s3.NewFromConfig(awsConfig))
	key := path.Base(resultPath)
	_, err = uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   f,
	})
	if err != nil {
		return fmt.Errorf("uploading results to s3://%s/%s: %w", bucket, key, err)
	}
	slog.Info("uploaded results", slog.String("bucket", bucket), slog.String("key", key))
	return nil
}
