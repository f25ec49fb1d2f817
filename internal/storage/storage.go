// Package storage implements the blob-download side of spec.md §6: an
// S3-compatible download(bucket, key) -> bytes, plus the supabase_path
// resolution rules of spec §4.2 step 1 / §6. Supabase Storage speaks the S3
// protocol, so the AWS SDK's S3 client (grounded on the pack's
// gurre-ddb-pitr and stackvity-lung-cancer-review-api go.mod files, see
// DESIGN.md) is the natural client here rather than a bespoke HTTP caller.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// urlPattern matches the storage URL shape spec §6 names:
// "/storage/v1/object/(?:(?:public|sign)/)?(.+)$".
var urlPattern = regexp.MustCompile(`/storage/v1/object/(?:(?:public|sign)/)?(.+)$`)

// Client wraps an S3-compatible bucket client.
type Client struct {
	s3 *s3.Client
}

// New builds a Client against an S3-compatible endpoint (Supabase Storage).
func New(endpoint, region, accessKey, secretKey string) *Client {
	cli := s3.New(s3.Options{
		Region:       region,
		BaseEndpoint: aws.String(endpoint),
		Credentials:  credentials.NewStaticCredentialsProvider(accessKey, secretKey, ""),
		UsePathStyle: true,
	})
	return &Client{s3: cli}
}

// ResolveKey implements spec §4.2 step 1 / §6's supabase_path normalisation:
// a plain key is returned unchanged; a full storage URL has its prefix
// stripped, and a leading "{bucket}/" segment in the captured group is
// stripped if present.
func ResolveKey(bucket, supabasePath string) string {
	if m := urlPattern.FindStringSubmatch(supabasePath); m != nil {
		captured := m[1]
		if rest, ok := strings.CutPrefix(captured, bucket+"/"); ok {
			return rest
		}
		return captured
	}
	return supabasePath
}

// Download fetches key from bucket.
func (c *Client) Download(ctx context.Context, bucket, key string) ([]byte, error) {
	out, err := c.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("storage: downloading %s/%s: %w", bucket, key, err)
	}
	defer out.Body.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, out.Body); err != nil {
		return nil, fmt.Errorf("storage: reading %s/%s: %w", bucket, key, err)
	}
	return buf.Bytes(), nil
}
