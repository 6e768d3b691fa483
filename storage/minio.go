package storage

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"
	"time"

	"Encore/config"
	"Encore/logger"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ObjectStore is the subset of object storage the API depends on.
type ObjectStore interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	PresignedGet(ctx context.Context, key string, ttl time.Duration) (string, error)
	Remove(ctx context.Context, key string) error
}

// Store is an ObjectStore backed by a single MinIO bucket.
type Store struct {
	client *minio.Client
	bucket string
}

// BucketUsage 存储桶使用统计，按对象类别汇总
type BucketUsage struct {
	TotalObjects int64            `json:"totalObjects"`
	TotalBytes   int64            `json:"totalBytes"`
	ByKind       map[string]int64 `json:"byKind"`
	LastModified time.Time        `json:"lastModified"`
}

// InitMinio 初始化 MinIO 客户端并确保存储桶存在
func InitMinio(ctx context.Context, cfg *config.Config) (*Store, error) {
	client, err := minio.New(cfg.MinioEndpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.MinioAccessKey, cfg.MinioSecretKey, ""),
		Secure: cfg.MinioUseSSL,
		Region: cfg.MinioRegion,
	})
	if err != nil {
		return nil, fmt.Errorf("创建 MinIO 客户端失败: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	exists, err := client.BucketExists(ctx, cfg.MinioBucket)
	if err != nil {
		return nil, fmt.Errorf("检查存储桶失败: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.MinioBucket, minio.MakeBucketOptions{Region: cfg.MinioRegion}); err != nil {
			return nil, fmt.Errorf("创建存储桶失败: %w", err)
		}
		logger.Info("[Storage] 成功创建存储桶", logger.String("bucket", cfg.MinioBucket))
	}

	logger.Info("[Storage] MinIO 客户端初始化成功",
		logger.String("endpoint", cfg.MinioEndpoint),
		logger.String("bucket", cfg.MinioBucket))
	return &Store{client: client, bucket: cfg.MinioBucket}, nil
}

// Put uploads an object.
func (s *Store) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	_, err := s.client.PutObject(ctx, s.bucket, key, r, size, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", key, err)
	}
	return nil
}

// PresignedGet returns a time-limited GET URL for key.
func (s *Store) PresignedGet(ctx context.Context, key string, ttl time.Duration) (string, error) {
	u, err := s.client.PresignedGetObject(ctx, s.bucket, key, ttl, url.Values{})
	if err != nil {
		return "", fmt.Errorf("failed to presign %s: %w", key, err)
	}
	return u.String(), nil
}

// Remove deletes an object. Missing objects are not an error.
func (s *Store) Remove(ctx context.Context, key string) error {
	if key == "" {
		return nil
	}
	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("failed to remove %s: %w", key, err)
	}
	return nil
}

// Usage walks the bucket under prefix and sums object sizes by kind.
func (s *Store) Usage(ctx context.Context, prefix string) (*BucketUsage, error) {
	usage := &BucketUsage{ByKind: make(map[string]int64)}

	for object := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if object.Err != nil {
			return nil, fmt.Errorf("列出对象时出错: %w", object.Err)
		}
		usage.TotalObjects++
		usage.TotalBytes += object.Size
		usage.ByKind[KindOf(object.Key)] += object.Size
		if object.LastModified.After(usage.LastModified) {
			usage.LastModified = object.LastModified
		}
	}
	return usage, nil
}

var audioTypes = map[string]string{
	".mp3":  "audio/mpeg",
	".wav":  "audio/wav",
	".flac": "audio/flac",
	".m4a":  "audio/mp4",
	".ogg":  "audio/ogg",
}

var imageTypes = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".webp": "image/webp",
}

// AudioContentType returns the MIME type for an audio filename, or false if the
// extension is not an accepted upload format.
func AudioContentType(filename string) (string, bool) {
	ct, ok := audioTypes[strings.ToLower(path.Ext(filename))]
	return ct, ok
}

// ImageContentType is AudioContentType for cover art.
func ImageContentType(filename string) (string, bool) {
	ct, ok := imageTypes[strings.ToLower(path.Ext(filename))]
	return ct, ok
}

// KindOf classifies an object key by extension: audio, image or other.
func KindOf(key string) string {
	ext := strings.ToLower(path.Ext(key))
	if _, ok := audioTypes[ext]; ok {
		return "audio"
	}
	if _, ok := imageTypes[ext]; ok {
		return "image"
	}
	return "other"
}

// AudioKey is the object key of a track's master audio file.
func AudioKey(artistID, trackID int64, filename string) string {
	return fmt.Sprintf("audio/%d/%d%s", artistID, trackID, strings.ToLower(path.Ext(filename)))
}

// CoverKey is the object key of a track's cover image.
func CoverKey(artistID, trackID int64, filename string) string {
	return fmt.Sprintf("covers/%d/%d%s", artistID, trackID, strings.ToLower(path.Ext(filename)))
}

// FormatSize 格式化文件大小
func FormatSize(size int64) string {
	const unit = 1024
	if size < unit {
		return fmt.Sprintf("%d B", size)
	}
	div, exp := int64(unit), 0
	for n := size / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(size)/float64(div), "KMGTPE"[exp])
}
