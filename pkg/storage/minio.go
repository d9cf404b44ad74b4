// Package storage 提供了与对象存储服务（如 MinIO/S3）交互的功能。
package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"solar-audit-go/internal/config"
	"solar-audit-go/pkg/log"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ErrArtifactMissing 表示待上传的本地产物不存在或为空文件。
// 与传输失败严格区分：前者说明上游阶段有问题，重试上传没有意义。
var ErrArtifactMissing = errors.New("本地产物不存在或为空")

// MinioClient 是一个全局的 MinIO 客户端实例。
var MinioClient *minio.Client

// Uploader 接口把转换产物推送到对象存储。实现可替换（SDK 直传 / CLI 子进程），
// 不改变管道侧的调用契约。
type Uploader interface {
	Upload(ctx context.Context, localPath, key string) error
	// Location 返回对象的最终位置描述（写入进度快照与日志）。
	Location(key string) string
}

// ObjectKey 生成确定性的对象存储键。读取侧（巡检详情页）按同一布局拼接，
// 布局一旦变更两侧必须同步。
func ObjectKey(plantID, auditID uint, category, filename string) string {
	return fmt.Sprintf("audits/%d/%d/%s/%s", plantID, auditID, category, filename)
}

// InitMinIO 初始化 MinIO 客户端并确保指定的存储桶存在。
func InitMinIO(cfg config.MinIOConfig) {
	var err error

	MinioClient, err = minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		log.Fatal("初始化 MinIO 客户端失败", err)
	}

	log.Info("MinIO 客户端初始化成功")

	// 检查存储桶是否存在，不存在则创建
	ctx := context.Background()
	bucketName := cfg.BucketName
	exists, err := MinioClient.BucketExists(ctx, bucketName)
	if err != nil {
		log.Fatal("检查 MinIO 存储桶失败", err)
	}

	if !exists {
		log.Infof("存储桶 '%s' 不存在，正在创建...", bucketName)
		err = MinioClient.MakeBucket(ctx, bucketName, minio.MakeBucketOptions{Region: cfg.Region})
		if err != nil {
			log.Fatal("创建 MinIO 存储桶失败", err)
		}
		log.Infof("存储桶 '%s' 创建成功", bucketName)
	} else {
		log.Infof("存储桶 '%s' 已存在", bucketName)
	}
}

// GetPresignedURL generates a presigned URL for a given object.
func GetPresignedURL(bucketName, objectName string, expiry time.Duration) (string, error) {
	presignedURL, err := MinioClient.PresignedGetObject(context.Background(), bucketName, objectName, expiry, nil)
	if err != nil {
		log.Errorf("生成预签名 URL 失败: %s", err)
		return "", err
	}
	return presignedURL.String(), nil
}

// MinioUploader 通过 MinIO SDK 直传本地文件。
type MinioUploader struct {
	client *minio.Client
	bucket string
}

// NewMinioUploader 创建一个基于全局 MinIO 客户端的上传器。
func NewMinioUploader(cfg config.MinIOConfig) *MinioUploader {
	return &MinioUploader{client: MinioClient, bucket: cfg.BucketName}
}

// Upload 校验本地产物后执行 FPutObject。部分传输在 SDK 侧即返回错误，
// 不会出现静默的半成品对象。
func (u *MinioUploader) Upload(ctx context.Context, localPath, key string) error {
	info, err := os.Stat(localPath)
	if err != nil || info.Size() == 0 {
		return fmt.Errorf("%w: %s", ErrArtifactMissing, localPath)
	}

	log.Infof("[MinioUploader] 开始上传, 文件: %s, 大小: %d, 目标: %s/%s", localPath, info.Size(), u.bucket, key)
	_, err = u.client.FPutObject(ctx, u.bucket, key, localPath, minio.PutObjectOptions{})
	if err != nil {
		return fmt.Errorf("FPutObject 失败: %w", err)
	}
	log.Infof("[MinioUploader] 上传完成: %s", u.Location(key))
	return nil
}

// Location 返回对象的 s3 风格位置。
func (u *MinioUploader) Location(key string) string {
	return fmt.Sprintf("s3://%s/%s", u.bucket, key)
}
