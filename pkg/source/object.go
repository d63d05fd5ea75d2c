package source

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"

	"github.com/evtstream/mixetl/pkg/config"
	"github.com/evtstream/mixetl/pkg/job"
)

// gcsEndpoint serves gs:// URIs through the same S3 client: GCS speaks the
// S3 XML API when addressed with HMAC credentials.
const gcsEndpoint = "https://storage.googleapis.com"

const defaultCloudRegion = "us-east-1"

type objectURI struct {
	scheme string
	bucket string
	key    string
}

// SplitURI splits an s3:// or gs:// URI into scheme, bucket and key.
func SplitURI(raw string) (scheme, bucket, key string, err error) {
	u, err := parseObjectURI(raw)
	return u.scheme, u.bucket, u.key, err
}

func parseObjectURI(raw string) (objectURI, error) {
	var u objectURI
	switch {
	case strings.HasPrefix(raw, "s3://"):
		u.scheme = "s3"
		raw = strings.TrimPrefix(raw, "s3://")
	case strings.HasPrefix(raw, "gs://"):
		u.scheme = "gs"
		raw = strings.TrimPrefix(raw, "gs://")
	default:
		return u, fmt.Errorf("unsupported object URI %q", raw)
	}
	bucket, key, _ := strings.Cut(raw, "/")
	if bucket == "" {
		return u, fmt.Errorf("object URI %q has no bucket", u.scheme+"://"+raw)
	}
	u.bucket = bucket
	u.key = key
	return u, nil
}

// ObjectClient builds an S3 client scoped to this run's credentials. The
// endpoint override chain: explicit option, then the GCS endpoint for gs://
// URIs, then AWS defaults. The sink shares it for object-store output.
func ObjectClient(o *config.Options, scheme string) (*s3.S3, error) {
	cfg := aws.NewConfig()
	region := o.CloudRegion
	if region == "" {
		region = defaultCloudRegion
	}
	cfg = cfg.WithRegion(region)

	if o.CloudAccessKeyID != "" {
		cfg = cfg.WithCredentials(credentials.NewStaticCredentials(o.CloudAccessKeyID, o.CloudSecretKey, ""))
	}
	switch {
	case o.CloudEndpoint != "":
		cfg = cfg.WithEndpoint(o.CloudEndpoint).WithS3ForcePathStyle(true)
	case scheme == "gs":
		cfg = cfg.WithEndpoint(gcsEndpoint)
	}

	sess, err := session.NewSession(cfg)
	if err != nil {
		return nil, fmt.Errorf("object store session: %w", err)
	}
	return s3.New(sess), nil
}

func resolveObjectStore(ctx context.Context, raw string, o *config.Options, st *job.State) ([]Stream, error) {
	u, err := parseObjectURI(raw)
	if err != nil {
		return nil, err
	}
	client, err := ObjectClient(o, u.scheme)
	if err != nil {
		return nil, err
	}

	// A key that decodes as-is is a single object; anything else is a
	// prefix listing.
	if decodableName(u.key) {
		return []Stream{objectStream(client, u.bucket, u.key)}, nil
	}

	var streams []Stream
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(u.bucket),
		Prefix: aws.String(u.key),
	}
	err = client.ListObjectsV2PagesWithContext(ctx, input, func(page *s3.ListObjectsV2Output, _ bool) bool {
		for _, obj := range page.Contents {
			key := aws.StringValue(obj.Key)
			if strings.HasSuffix(key, "/") {
				continue
			}
			if !o.ForceStream && !decodableName(key) {
				st.Log.Warn().Str("key", key).Msg("skipping object with unrecognized extension")
				continue
			}
			streams = append(streams, objectStream(client, u.bucket, key))
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("list %s://%s/%s: %w", u.scheme, u.bucket, u.key, err)
	}
	return streams, nil
}

func objectStream(client *s3.S3, bucket, key string) Stream {
	return Stream{
		Name: bucket + "/" + key,
		Open: func(ctx context.Context) (io.ReadCloser, error) {
			out, err := client.GetObjectWithContext(ctx, &s3.GetObjectInput{
				Bucket: aws.String(bucket),
				Key:    aws.String(key),
			})
			if err != nil {
				return nil, fmt.Errorf("get object %s/%s: %w", bucket, key, err)
			}
			return out.Body, nil
		},
	}
}
