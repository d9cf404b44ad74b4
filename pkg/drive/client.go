// Package drive 实现云盘共享目录的列目录与文件下载。
// 下载按一组有序的 URL 形态依次尝试（单一端点形态在大文件场景下并不稳定），
// 全部失败才放弃；成功以目标文件存在且非空为准。
package drive

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"solar-audit-go/internal/config"
	"solar-audit-go/pkg/log"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/melbahja/got"
)

// maxListedNames 限制错误信息中携带的目录文件名数量。
const maxListedNames = 10

// File 是共享目录中一个文件的（名称, 不透明 id）二元组。
type File struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// NotFoundError 表示目录可以访问，但其中没有指定文件名。
type NotFoundError struct {
	Name      string
	Available []string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("共享目录中不存在文件 '%s'", e.Name)
}

// AccessError 表示目录本身无法访问（权限或连通性问题）。
type AccessError struct {
	Hint string
	Err  error
}

func (e *AccessError) Error() string {
	return fmt.Sprintf("访问共享目录失败: %v", e.Err)
}

func (e *AccessError) Unwrap() error { return e.Err }

// Client 是云盘共享目录的 HTTP 客户端，列目录与下载均带自动重试。
type Client struct {
	httpClient *retryablehttp.Client
	listBase   string
	timeout    time.Duration

	// DownloadStrategies 是按序尝试的下载 URL 模板（%s 为文件 id）。
	// 导出以便测试替换为本地端点。
	DownloadStrategies []string
}

// NewClient 创建云盘客户端。
func NewClient(cfg config.DriveConfig) *Client {
	httpClient := retryablehttp.NewClient()
	httpClient.RetryMax = 2
	httpClient.Logger = nil

	listBase := strings.TrimSuffix(cfg.ListBaseURL, "/")
	if listBase == "" {
		listBase = "https://www.googleapis.com"
	}
	timeout := cfg.DownloadTimeout
	if timeout <= 0 {
		timeout = 15 * time.Minute
	}

	return &Client{
		httpClient: httpClient,
		listBase:   listBase,
		timeout:    timeout,
		DownloadStrategies: []string{
			"https://drive.google.com/uc?export=download&id=%s",
			"https://drive.google.com/uc?id=%s",
			"https://drive.usercontent.google.com/download?id=%s&export=download&confirm=t",
			listBase + "/drive/v3/files/%s?alt=media",
		},
	}
}

// ResolveFolderID 从共享链接中提取目录 id；传入裸 id 时原样返回。
func ResolveFolderID(shareURL string) (string, error) {
	if shareURL == "" {
		return "", fmt.Errorf("共享链接为空")
	}
	if !strings.Contains(shareURL, "/") {
		return shareURL, nil
	}
	u, err := url.Parse(shareURL)
	if err != nil {
		return "", fmt.Errorf("非法的共享链接: %w", err)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i, p := range parts {
		if p == "folders" && i+1 < len(parts) {
			return parts[i+1], nil
		}
	}
	if id := u.Query().Get("id"); id != "" {
		return id, nil
	}
	return "", fmt.Errorf("无法从共享链接中解析目录 id: %s", shareURL)
}

// ListFolder 列出共享目录的全部文件（名称与不透明 id）。
func (c *Client) ListFolder(ctx context.Context, folderID string) ([]File, error) {
	listURL := fmt.Sprintf("%s/drive/v3/files?q=%s+in+parents&fields=files(id,name)",
		c.listBase, url.QueryEscape("'"+folderID+"'"))

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, listURL, nil)
	if err != nil {
		return nil, &AccessError{Hint: "共享链接格式异常", Err: err}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &AccessError{Hint: "检查网络连通性与共享链接是否有效", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusNotFound {
		return nil, &AccessError{
			Hint: "共享目录必须开启“任何拥有链接的人可查看”",
			Err:  fmt.Errorf("列目录返回 HTTP %d", resp.StatusCode),
		}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &AccessError{Hint: "上游服务异常，稍后重试", Err: fmt.Errorf("列目录返回 HTTP %d", resp.StatusCode)}
	}

	var payload struct {
		Files []File `json:"files"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, &AccessError{Hint: "上游返回了无法解析的目录列表", Err: err}
	}
	return payload.Files, nil
}

// FindFile 在目录中按文件名做精确（区分大小写）匹配。
// 未命中时错误携带目录内实际可见的文件名（最多 10 个）。
func (c *Client) FindFile(ctx context.Context, folderID, name string) (File, error) {
	files, err := c.ListFolder(ctx, folderID)
	if err != nil {
		return File{}, err
	}

	available := make([]string, 0, maxListedNames)
	for _, f := range files {
		log.Debugf("[Drive] 目录文件: %s (id=%s)", f.Name, f.ID)
		if f.Name == name {
			return f, nil
		}
		if len(available) < maxListedNames {
			available = append(available, f.Name)
		}
	}
	return File{}, &NotFoundError{Name: name, Available: available}
}

// DownloadTo 按策略顺序把文件下载到 destPath，返回最终文件大小。
// onProgress 在下载期间周期性收到目标文件的当前字节数（可为 nil）。
func (c *Client) DownloadTo(ctx context.Context, fileID, destPath string, onProgress func(bytes int64)) (int64, error) {
	var lastErr error
	for i, tmpl := range c.DownloadStrategies {
		strategyURL := fmt.Sprintf(tmpl, fileID)
		log.Infof("[Drive] 下载策略 %d/%d: %s", i+1, len(c.DownloadStrategies), strategyURL)

		size, err := c.downloadOnce(ctx, strategyURL, destPath, onProgress)
		if err == nil {
			log.Infof("[Drive] 下载成功（策略 %d），大小: %d 字节", i+1, size)
			return size, nil
		}

		lastErr = err
		log.Warnf("[Drive] 策略 %d 失败: %v", i+1, err)
		_ = os.Remove(destPath)
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
	}
	return 0, fmt.Errorf("全部 %d 个下载策略均失败: %w", len(c.DownloadStrategies), lastErr)
}

// downloadOnce 用单个 URL 形态执行一次下载，带独立时限。
func (c *Client) downloadOnce(ctx context.Context, rawURL, destPath string, onProgress func(int64)) (int64, error) {
	dctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	downloader := got.New()
	downloader.Client = c.httpClient.StandardClient()

	done := make(chan struct{})
	if onProgress != nil {
		go func() {
			ticker := time.NewTicker(time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-done:
					return
				case <-ticker.C:
					if info, err := os.Stat(destPath); err == nil {
						onProgress(info.Size())
					}
				}
			}
		}()
	}

	err := downloader.Do(got.NewDownload(dctx, rawURL, destPath))
	close(done)
	if err != nil {
		return 0, err
	}

	info, statErr := os.Stat(destPath)
	if statErr != nil || info.Size() == 0 {
		return 0, fmt.Errorf("下载结束但目标文件缺失或为空: %s", destPath)
	}
	if onProgress != nil {
		onProgress(info.Size())
	}
	return info.Size(), nil
}
