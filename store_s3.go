package chartmeta

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// S3API is the part of the S3 client the chart store needs.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

type S3Config struct {
	Bucket    string `mapstructure:"bucket"`
	Prefix    string `mapstructure:"prefix"`
	Region    string `mapstructure:"region"`
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	PathStyle bool   `mapstructure:"path_style"`
}

// S3ChartStore keeps each chart as one msgpack object under a key prefix.
type S3ChartStore struct {
	client S3API
	bucket string
	prefix string
	logger *zap.SugaredLogger
}

func NewS3ChartStore(client S3API, bucket string, prefix string, logger *zap.SugaredLogger) *S3ChartStore {
	return &S3ChartStore{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/"), logger: logger}
}

// NewS3Client builds a client from cfg, falling back to the default
// credential chain when no static keys are given.
func NewS3Client(ctx context.Context, cfg S3Config, logger *zap.SugaredLogger) (*s3.Client, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("S3 bucket name is required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}

	accessKey := cfg.AccessKey
	secretKey := cfg.SecretKey
	if accessKey == "" {
		accessKey = os.Getenv("AWS_ACCESS_KEY_ID")
	}
	if secretKey == "" {
		secretKey = os.Getenv("AWS_SECRET_ACCESS_KEY")
	}
	if accessKey != "" && secretKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKey, secretKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	s3Opts := []func(*s3.Options){}
	if cfg.Endpoint != "" {
		endpoint := cfg.Endpoint
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpoint)
		})
		logger.Infof("Using S3 endpoint %s", endpoint)
	}
	if cfg.PathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}
	return s3.NewFromConfig(awsCfg, s3Opts...), nil
}

func (st *S3ChartStore) key(id string) string {
	if st.prefix == "" {
		return id + ".msgpack"
	}
	return st.prefix + "/" + id + ".msgpack"
}

func (st *S3ChartStore) GetChart(ctx context.Context, id string) (*ChartArtifact, error) {
	result, err := st.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(st.bucket),
		Key:    aws.String(st.key(id)),
	})
	if err != nil {
		if isNotFoundError(err) {
			return nil, fmt.Errorf("chart %q: %w", id, ErrChartNotFound)
		}
		return nil, fmt.Errorf("failed to read chart %q from S3: %w", id, err)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read S3 object body: %w", err)
	}
	return DecodeArtifact(data, OTMessagePack)
}

func (st *S3ChartStore) put(ctx context.Context, art *ChartArtifact) error {
	var buf bytes.Buffer
	if err := EncodeArtifact(&buf, art, OTMessagePack); err != nil {
		return err
	}
	_, err := st.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(st.bucket),
		Key:         aws.String(st.key(art.ID)),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("application/msgpack"),
	})
	if err != nil {
		return fmt.Errorf("failed to write chart %q to S3: %w", art.ID, err)
	}
	return nil
}

func (st *S3ChartStore) CreateChart(ctx context.Context, art *ChartArtifact) (string, error) {
	stored := *art
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if err := st.put(ctx, &stored); err != nil {
		return "", err
	}
	st.logger.Infof("Created chart %s in s3://%s/%s", stored.ID, st.bucket, st.key(stored.ID))
	return stored.ID, nil
}

func (st *S3ChartStore) UpdateChart(ctx context.Context, art *ChartArtifact) error {
	if art.ID == "" {
		return fmt.Errorf("update chart without id")
	}
	return st.put(ctx, art)
}

// ListCharts logs and returns the ids of every stored chart.
func (st *S3ChartStore) ListCharts(ctx context.Context) ([]string, error) {
	prefix := ""
	if st.prefix != "" {
		prefix = st.prefix + "/"
	}
	ids := []string{}
	var token *string
	for {
		output, err := st.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(st.bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to list charts: %w", err)
		}
		for _, object := range output.Contents {
			key := aws.ToString(object.Key)
			st.logger.Debugf("  %s (%d bytes)", key, aws.ToInt64(object.Size))
			ids = append(ids, strings.TrimSuffix(strings.TrimPrefix(key, prefix), ".msgpack"))
		}
		if !aws.ToBool(output.IsTruncated) || output.NextContinuationToken == nil {
			break
		}
		token = output.NextContinuationToken
	}
	return ids, nil
}

func isNotFoundError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "NotFound") ||
		strings.Contains(errStr, "NoSuchKey") ||
		strings.Contains(errStr, "404")
}
