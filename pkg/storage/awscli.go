package storage

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"

	"solar-audit-go/internal/config"
	"solar-audit-go/pkg/log"
)

// AWSCLIUploader 通过 `aws s3 cp` 子进程上传本地文件。
// 参数以向量形式传入子进程，不经过 shell 解释；凭证通过进程环境注入。
type AWSCLIUploader struct {
	bucket    string
	region    string
	accessKey string
	secretKey string
}

// NewAWSCLIUploader 创建一个 CLI 上传器。
func NewAWSCLIUploader(cfg config.MinIOConfig) *AWSCLIUploader {
	return &AWSCLIUploader{
		bucket:    cfg.BucketName,
		region:    cfg.Region,
		accessKey: cfg.AccessKeyID,
		secretKey: cfg.SecretAccessKey,
	}
}

// Upload 校验本地产物后执行 aws s3 cp，按行透传 CLI 的进度输出到日志。
// 非零退出码视为传输失败，不会静默吞掉部分传输。
func (u *AWSCLIUploader) Upload(ctx context.Context, localPath, key string) error {
	info, err := os.Stat(localPath)
	if err != nil || info.Size() == 0 {
		return fmt.Errorf("%w: %s", ErrArtifactMissing, localPath)
	}

	dest := u.Location(key)
	log.Infof("[AWSCLIUploader] 开始上传, 文件: %s, 大小: %d, 目标: %s", localPath, info.Size(), dest)

	cmd := exec.CommandContext(ctx, "aws", "s3", "cp", localPath, dest)
	cmd.Env = append(os.Environ(),
		"AWS_ACCESS_KEY_ID="+u.accessKey,
		"AWS_SECRET_ACCESS_KEY="+u.secretKey,
		"AWS_DEFAULT_REGION="+u.region,
	)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("创建 stdout 管道失败: %w", err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("启动 aws s3 cp 失败: %w", err)
	}

	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		log.Debugf("[AWSCLIUploader] %s", scanner.Text())
	}

	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("aws s3 cp 退出异常: %w", err)
	}

	log.Infof("[AWSCLIUploader] 上传完成: %s", dest)
	return nil
}

// Location 返回对象的 s3 位置。
func (u *AWSCLIUploader) Location(key string) string {
	return fmt.Sprintf("s3://%s/%s", u.bucket, key)
}
