package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"solar-audit-go/internal/config"
	"solar-audit-go/internal/progress"
	"solar-audit-go/pkg/drive"
	"solar-audit-go/pkg/log"
)

// copyBlockSize 是落盘时的读写块大小，与分片上传保持一致。
const copyBlockSize = 8 * 1024 * 1024

// Fetcher 负责把待处理的源文件落到本地暂存目录。
// 返回落盘后的绝对路径与实际字节数。
type Fetcher interface {
	Fetch(ctx context.Context, destDir string, job *progress.Job) (path string, size int64, err error)
}

// StreamSource 包装一个已打开的数据流（HTTP 请求体或合并后的分片文件）。
// declaredSize 为 0 时表示长度未知，跳过落盘后的大小校验。
type StreamSource struct {
	reader       io.Reader
	fileName     string
	declaredSize int64
}

// NewStreamSource 创建流式数据源。
func NewStreamSource(r io.Reader, fileName string, declaredSize int64) *StreamSource {
	return &StreamSource{reader: r, fileName: fileName, declaredSize: declaredSize}
}

// Fetch 把流按固定块大小写入暂存目录，每写一块推进一次进度。
func (s *StreamSource) Fetch(ctx context.Context, destDir string, job *progress.Job) (string, int64, error) {
	destPath := filepath.Join(destDir, s.fileName)
	out, err := os.Create(destPath)
	if err != nil {
		return "", 0, fmt.Errorf("创建暂存文件失败: %w", err)
	}

	// 任何中途失败都不能留下半截暂存文件，落盘目录是长期存在的。
	var written int64
	buf := make([]byte, copyBlockSize)
	for {
		if err := ctx.Err(); err != nil {
			out.Close()
			_ = os.Remove(destPath)
			return "", 0, err
		}
		n, readErr := s.reader.Read(buf)
		if n > 0 {
			if _, writeErr := out.Write(buf[:n]); writeErr != nil {
				out.Close()
				_ = os.Remove(destPath)
				return "", 0, fmt.Errorf("写入暂存文件失败: %w", writeErr)
			}
			written += int64(n)
			if job != nil {
				job.Advance(written, "receiving")
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			out.Close()
			_ = os.Remove(destPath)
			return "", 0, fmt.Errorf("读取上传数据流失败: %w", readErr)
		}
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(destPath)
		return "", 0, fmt.Errorf("关闭暂存文件失败: %w", err)
	}

	if s.declaredSize > 0 && written != s.declaredSize {
		_ = os.Remove(destPath)
		return "", 0, &ValidationError{
			Field:   "file",
			Message: fmt.Sprintf("接收字节数 %d 与声明大小 %d 不一致", written, s.declaredSize),
		}
	}
	return destPath, written, nil
}

// FileSource 包装一个已经在本地落盘的文件（分片合并产物或直传暂存文件）。
// Fetch 把文件移交给作业工作目录，原路径随之失效。
type FileSource struct {
	path string
}

// NewFileSource 创建本地文件数据源。
func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

// Fetch 通过重命名把文件挪进工作目录，同盘移动无需再拷贝一遍数据。
// 暂存目录与工作目录挂在不同文件系统时 rename 返回 EXDEV，退化为拷贝后删源。
func (f *FileSource) Fetch(ctx context.Context, destDir string, job *progress.Job) (string, int64, error) {
	if err := ctx.Err(); err != nil {
		return "", 0, err
	}
	destPath := filepath.Join(destDir, filepath.Base(f.path))
	if err := os.Rename(f.path, destPath); err != nil {
		if copyErr := copyAndRemove(f.path, destPath); copyErr != nil {
			return "", 0, fmt.Errorf("移动暂存文件到工作目录失败: %w", copyErr)
		}
	}
	info, err := os.Stat(destPath)
	if err != nil {
		return "", 0, fmt.Errorf("读取暂存文件信息失败: %w", err)
	}
	if job != nil {
		job.SetTotalSize(info.Size())
		job.Advance(info.Size(), "staging")
	}
	return destPath, info.Size(), nil
}

// copyAndRemove 把 src 的内容拷贝到 dst 后删除 src，拷贝失败时清掉半截 dst。
func copyAndRemove(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		_ = os.Remove(dst)
		return err
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(dst)
		return err
	}
	return os.Remove(src)
}

// DriveSource 从云盘共享目录中按文件名定位并下载源文件。
type DriveSource struct {
	client   *drive.Client
	shareURL string
	fileName string
	fileID   string
}

// NewDriveSource 创建云盘数据源。
func NewDriveSource(cfg config.DriveConfig, shareURL, fileName string) *DriveSource {
	return &DriveSource{
		client:   drive.NewClient(cfg),
		shareURL: shareURL,
		fileName: fileName,
	}
}

// Resolve 同步完成列目录与文件名精确（区分大小写）匹配。
// 受理远程作业前调用，让“文件不存在”这类错误在请求响应里直接返回，
// 而不是埋进异步作业的失败记录。云盘侧错误在这里翻译成流水线错误类型。
func (d *DriveSource) Resolve(ctx context.Context) error {
	folderID, err := drive.ResolveFolderID(d.shareURL)
	if err != nil {
		return &ValidationError{Field: "share_url", Message: err.Error()}
	}

	file, err := d.client.FindFile(ctx, folderID, d.fileName)
	if err != nil {
		var notFound *drive.NotFoundError
		if errors.As(err, &notFound) {
			return &SourceNotFoundError{Name: notFound.Name, Available: notFound.Available}
		}
		var access *drive.AccessError
		if errors.As(err, &access) {
			return &SourceUnreachableError{Hint: access.Hint, Err: access.Err}
		}
		return &SourceUnreachableError{Hint: "列目录失败，稍后重试", Err: err}
	}
	log.Infof("[Pipeline] 共享目录命中文件: %s (id=%s)", file.Name, file.ID)
	d.fileID = file.ID
	return nil
}

// Fetch 下载已定位的文件到暂存目录。未经 Resolve 调用时先行解析。
func (d *DriveSource) Fetch(ctx context.Context, destDir string, job *progress.Job) (string, int64, error) {
	if d.fileID == "" {
		if job != nil {
			job.SetStage("listing", "正在读取共享目录")
		}
		if err := d.Resolve(ctx); err != nil {
			return "", 0, err
		}
	}

	destPath := filepath.Join(destDir, d.fileName)
	if job != nil {
		job.SetStage("downloading", "正在从云盘下载源文件")
	}
	size, err := d.client.DownloadTo(ctx, d.fileID, destPath, func(bytes int64) {
		if job != nil {
			job.Advance(bytes, "downloading")
		}
	})
	if err != nil {
		if ctx.Err() != nil {
			return "", 0, ctx.Err()
		}
		return "", 0, &SourceUnreachableError{Hint: "云盘下载失败，确认文件可公开访问后重试", Err: err}
	}

	// 下载前不知道总大小，落盘后回填，进度条才有分母。
	if job != nil {
		job.SetTotalSize(size)
		job.Advance(size, "downloading")
	}
	return destPath, size, nil
}
