// Package pipeline 定义了正射影像入库的核心流程：
// 取源、COG 转换、上传对象存储、落库，四个阶段串行执行，
// 每个阶段有独立时限，任一阶段失败整个作业立即终止并留下终态。
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"solar-audit-go/internal/config"
	"solar-audit-go/internal/model"
	"solar-audit-go/internal/progress"
	"solar-audit-go/internal/repository"
	"solar-audit-go/pkg/gdal"
	"solar-audit-go/pkg/kafka"
	"solar-audit-go/pkg/log"
	"solar-audit-go/pkg/storage"
	"solar-audit-go/pkg/tasks"
)

// ErrJobConflict 表示同一 (巡检, 目标键) 已有作业在跑，新请求被拒绝。
var ErrJobConflict = errors.New("相同目标的入库作业正在进行中")

// JobRequest 描述一次待执行的入库作业。
type JobRequest struct {
	JobID        string
	PlantID      uint
	AuditID      uint
	Category     string
	FileName     string
	UploadMethod string
	Source       Fetcher
	// TotalSize 为已知的源文件大小；流式来源未知时传 0，由取源阶段回填。
	TotalSize int64
}

// Orchestrator 串联取源、转换、上传、落库四个阶段，
// 并通过 active 集合保证同一目标键同时只有一个作业。
type Orchestrator struct {
	uploadCfg config.UploadConfig
	tracker   *progress.Tracker
	auditRepo repository.AuditRepository
	converter gdal.Converter
	uploader  storage.Uploader

	mu     sync.Mutex
	active map[string]string
}

// NewOrchestrator 创建流水线编排器。
func NewOrchestrator(
	uploadCfg config.UploadConfig,
	tracker *progress.Tracker,
	auditRepo repository.AuditRepository,
	converter gdal.Converter,
	uploader storage.Uploader,
) *Orchestrator {
	return &Orchestrator{
		uploadCfg: uploadCfg,
		tracker:   tracker,
		auditRepo: auditRepo,
		converter: converter,
		uploader:  uploader,
		active:    make(map[string]string),
	}
}

// Submit 受理一个入库作业：登记数据库条目、创建进度记录后异步执行。
// 同一 (巡检, 目标键) 已有进行中作业时不会另起一个，而是返回携带
// 进行中作业 id 的 JobConflictError，调用方轮询既有作业即可。
func (o *Orchestrator) Submit(req JobRequest) (*progress.Job, error) {
	storageKey := storage.ObjectKey(req.PlantID, req.AuditID, req.Category, req.FileName)
	activeKey := fmt.Sprintf("%d:%s", req.AuditID, storageKey)

	o.mu.Lock()
	if runningJobID, running := o.active[activeKey]; running {
		o.mu.Unlock()
		return nil, &JobConflictError{ExistingJobID: runningJobID}
	}
	o.active[activeKey] = req.JobID
	o.mu.Unlock()

	// 先落库再开跑：重启后数据库里仍能看到这次尝试。
	entry := &model.AuditUpload{
		AuditID:    req.AuditID,
		PlantID:    req.PlantID,
		Category:   req.Category,
		FileName:   req.FileName,
		StorageKey: storageKey,
		Status:     model.UploadStatusInProgress,
		UploadID:   req.JobID,
	}
	if _, err := o.auditRepo.UpsertUploadEntry(entry); err != nil {
		o.release(activeKey)
		return nil, fmt.Errorf("登记上传条目失败: %w", err)
	}

	job := o.tracker.Ensure(req.JobID, req.FileName, req.TotalSize)
	go o.run(req, storageKey, activeKey, job)
	return job, nil
}

// release 归还 active 集合中的作业槽位。
func (o *Orchestrator) release(activeKey string) {
	o.mu.Lock()
	delete(o.active, activeKey)
	o.mu.Unlock()
}

// run 在独立 goroutine 中执行全部阶段。
// 无论成功失败，作业独占的工作目录都会被整体删除。
func (o *Orchestrator) run(req JobRequest, storageKey, activeKey string, job *progress.Job) {
	defer o.release(activeKey)

	workDir := filepath.Join(o.uploadCfg.TempDir, req.JobID)
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		o.fail(req, storageKey, job, fmt.Errorf("创建工作目录失败: %w", err))
		return
	}
	defer func() {
		if err := os.RemoveAll(workDir); err != nil {
			log.Warnf("[Pipeline] 清理工作目录失败 (job=%s): %v", req.JobID, err)
		}
	}()

	log.Infof("[Pipeline] 作业启动: job=%s, plant=%d, audit=%d, key=%s", req.JobID, req.PlantID, req.AuditID, storageKey)

	// 阶段一：取源
	srcPath, srcSize, err := o.runStage("fetching", func(ctx context.Context) (string, int64, error) {
		job.SetStage("fetching", "正在获取源文件")
		return req.Source.Fetch(ctx, workDir, job)
	})
	if err != nil {
		o.fail(req, storageKey, job, err)
		return
	}
	log.Infof("[Pipeline] 取源完成: job=%s, path=%s, size=%d", req.JobID, srcPath, srcSize)
	if srcSize > o.uploadCfg.MaxFileSize {
		o.fail(req, storageKey, job, &ValidationError{
			Field:   "file",
			Message: fmt.Sprintf("文件大小 %d 超过上限 %d", srcSize, o.uploadCfg.MaxFileSize),
		})
		return
	}

	// 阶段二：COG 转换
	cogPath := filepath.Join(workDir, "cog_"+filepath.Base(srcPath))
	_, _, err = o.runStage("converting", func(ctx context.Context) (string, int64, error) {
		job.SetStage("converting", "正在转换为 Cloud Optimized GeoTIFF")
		return "", 0, o.converter.Convert(ctx, srcPath, cogPath)
	})
	if err != nil {
		var exitErr *gdal.ExitError
		if errors.As(err, &exitErr) {
			err = &ConversionFailedError{ExitCode: exitErr.ExitCode, Output: exitErr.Output, Err: exitErr}
		}
		o.fail(req, storageKey, job, err)
		return
	}

	// 阶段三：上传对象存储
	_, _, err = o.runStage("uploading", func(ctx context.Context) (string, int64, error) {
		job.SetStage("uploading", "正在上传到对象存储")
		return "", 0, o.uploader.Upload(ctx, cogPath, storageKey)
	})
	if err != nil {
		if !errors.Is(err, context.DeadlineExceeded) {
			err = &TransferFailedError{Key: storageKey, Err: err}
		}
		o.fail(req, storageKey, job, err)
		return
	}

	// 阶段四：落库收尾
	cogSize := srcSize
	if info, statErr := os.Stat(cogPath); statErr == nil {
		cogSize = info.Size()
	}
	job.SetStage("finalizing", "正在写入巡检记录")
	if err := o.auditRepo.MarkUploadCompleted(req.AuditID, storageKey, time.Now(), cogSize); err != nil {
		o.fail(req, storageKey, job, fmt.Errorf("更新上传条目状态失败: %w", err))
		return
	}

	location := o.uploader.Location(storageKey)
	job.Complete(location)
	log.Infof("[Pipeline] 作业完成: job=%s, location=%s", req.JobID, location)

	// 事件投递失败不回滚作业结果。
	if err := kafka.ProduceOrthoIngested(tasks.OrthoIngestedEvent{
		JobID:     req.JobID,
		PlantID:   req.PlantID,
		AuditID:   req.AuditID,
		Category:  req.Category,
		FileName:  req.FileName,
		ObjectKey: storageKey,
		SizeBytes: cogSize,
	}); err != nil {
		log.Warnf("[Pipeline] 发送入库完成事件失败 (job=%s): %v", req.JobID, err)
	}
}

// runStage 在带时限的 context 中执行单个阶段，超时翻译为 TimeoutError。
func (o *Orchestrator) runStage(stage string, fn func(ctx context.Context) (string, int64, error)) (string, int64, error) {
	timeout := o.uploadCfg.StageTimeout
	if timeout <= 0 {
		timeout = time.Hour
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	path, size, err := fn(ctx)
	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		return "", 0, &TimeoutError{Stage: stage, Err: err}
	}
	return path, size, err
}

// fail 把作业置为失败终态：数据库条目翻转为 Failed（仅此一次），进度记录写入错误。
func (o *Orchestrator) fail(req JobRequest, storageKey string, job *progress.Job, cause error) {
	log.Errorf("[Pipeline] 作业失败: job=%s, kind=%s, err=%v", req.JobID, Kind(cause), cause)
	if err := o.auditRepo.UpdateUploadStatus(req.AuditID, storageKey, model.UploadStatusFailed); err != nil {
		log.Errorf("[Pipeline] 回写失败状态失败 (job=%s): %v", req.JobID, err)
	}
	job.Fail(cause.Error())
}
