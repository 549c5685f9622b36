// Package storage提供了与对象存储服务（如 MinIO）交互的功能。
package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"persona-research-go/internal/config"
	"persona-research-go/internal/model"
	"persona-research-go/pkg/log"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Archive 把已完成会话的完整快照保存为 JSON 对象。
type Archive struct {
	client *minio.Client
	bucket string
}

// NewArchive 初始化 MinIO 客户端并确保指定的存储桶存在。
func NewArchive(ctx context.Context, cfg config.MinIOConfig) (*Archive, error) {
	// 1. 初始化 MinIO 客户端
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("初始化 MinIO 客户端失败: %w", err)
	}
	log.Info("MinIO 客户端初始化成功")

	// 2. 检查存储桶 (Bucket) 是否存在，如果不存在则创建
	bucketName := cfg.BucketName
	exists, err := client.BucketExists(ctx, bucketName)
	if err != nil {
		return nil, fmt.Errorf("检查 MinIO 存储桶失败: %w", err)
	}
	if !exists {
		log.Infof("存储桶 '%s' 不存在，正在创建...", bucketName)
		if err := client.MakeBucket(ctx, bucketName, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("创建 MinIO 存储桶失败: %w", err)
		}
		log.Infof("存储桶 '%s' 创建成功", bucketName)
	} else {
		log.Infof("存储桶 '%s' 已存在", bucketName)
	}
	return &Archive{client: client, bucket: bucketName}, nil
}

// ObjectName 返回会话快照在存储桶中的对象名。
func ObjectName(sessionID string) string {
	return fmt.Sprintf("sessions/%s.json", sessionID)
}

// ArchiveSession 上传会话快照，同名对象会被覆盖。
func (a *Archive) ArchiveSession(ctx context.Context, detail *model.SessionDetail) error {
	body, err := json.MarshalIndent(detail, "", "  ")
	if err != nil {
		return err
	}
	_, err = a.client.PutObject(ctx, a.bucket, ObjectName(detail.Session.SessionID),
		bytes.NewReader(body), int64(len(body)),
		minio.PutObjectOptions{ContentType: "application/json"})
	return err
}

// DeleteArchive 删除会话快照，对象不存在时不报错。
func (a *Archive) DeleteArchive(ctx context.Context, sessionID string) error {
	err := a.client.RemoveObject(ctx, a.bucket, ObjectName(sessionID), minio.RemoveObjectOptions{})
	if err != nil && minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return nil
	}
	return err
}

// PresignedURL 生成快照的临时下载链接。
func (a *Archive) PresignedURL(ctx context.Context, sessionID string, expiry time.Duration) (string, error) {
	u, err := a.client.PresignedGetObject(ctx, a.bucket, ObjectName(sessionID), expiry, nil)
	if err != nil {
		log.Errorf("Error generating presigned URL: %s", err)
		return "", err
	}
	return u.String(), nil
}
