package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"buildsite/config"
	"buildsite/logger"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"
)

// MediaStore 项目媒体文件存储
type MediaStore interface {
	// DeleteProjectMedia 删除项目的全部媒体文件，返回删除数量
	DeleteProjectMedia(ctx context.Context, projectID uint) (int, error)
}

// NoopMediaStore 未启用对象存储时使用
type NoopMediaStore struct{}

// DeleteProjectMedia 实现 MediaStore
func (NoopMediaStore) DeleteProjectMedia(context.Context, uint) (int, error) {
	return 0, nil
}

// ProjectMediaPrefix 项目媒体文件的对象 key 前缀
func ProjectMediaPrefix(projectID uint) string {
	return fmt.Sprintf("projects/%d/", projectID)
}

// S3MediaStore 基于 S3 兼容存储（AWS S3、MinIO 等）的媒体存储
type S3MediaStore struct {
	client *s3.Client
	bucket string
}

// NewS3MediaStore 按配置创建 S3 媒体存储
func NewS3MediaStore(ctx context.Context, cfg config.StorageConfig) (*S3MediaStore, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("storage.bucket 未配置")
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, errors.New("storage.access_key / storage.secret_key 未配置")
	}

	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("创建 S3 配置失败: %w", err)
	}

	endpoint := strings.TrimRight(cfg.Endpoint, "/")
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.UsePathStyle
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})

	return &S3MediaStore{client: client, bucket: cfg.Bucket}, nil
}

// DeleteProjectMedia 实现 MediaStore，逐个删除 projects/<id>/ 下的对象
func (s *S3MediaStore) DeleteProjectMedia(ctx context.Context, projectID uint) (int, error) {
	prefix := ProjectMediaPrefix(projectID)
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})

	deleted := 0
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return deleted, fmt.Errorf("列出媒体文件失败: %w", err)
		}
		for _, obj := range page.Contents {
			if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
				Bucket: aws.String(s.bucket),
				Key:    obj.Key,
			}); err != nil {
				return deleted, fmt.Errorf("删除媒体文件 %s 失败: %w", aws.ToString(obj.Key), err)
			}
			deleted++
		}
	}

	logger.FromContext(ctx).Info("已删除项目媒体文件",
		zap.Uint("project_id", projectID),
		zap.String("bucket", s.bucket),
		zap.Int("count", deleted),
	)
	return deleted, nil
}

// NewMediaStore 按配置选择媒体存储
func NewMediaStore(ctx context.Context, cfg config.StorageConfig) (MediaStore, error) {
	if !cfg.Enabled {
		return NoopMediaStore{}, nil
	}
	return NewS3MediaStore(ctx, cfg)
}
