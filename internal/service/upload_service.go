// Package service 包含了应用的业务逻辑层。
package service

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"solar-audit-go/internal/config"
	"solar-audit-go/internal/model"
	"solar-audit-go/internal/pipeline"
	"solar-audit-go/internal/progress"
	"solar-audit-go/internal/repository"
	"solar-audit-go/pkg/log"
	"solar-audit-go/pkg/storage"

	"github.com/google/uuid"
)

// chunkFilePattern 是分片落盘文件名的格式，六位零填充保证按名排序即按序。
const chunkFilePattern = "chunk_%06d"

// ChunkSessionStatus 是分片会话的进度视图。
type ChunkSessionStatus struct {
	UploadID       string `json:"upload_id"`
	FileName       string `json:"file_name"`
	TotalSize      int64  `json:"total_size"`
	TotalChunks    int    `json:"total_chunks"`
	UploadedChunks []int  `json:"uploaded_chunks"`
}

// InitSessionRequest 是开启分片会话所需的全部字段。
// TotalChunks 由客户端声明：分片粒度是客户端的选择，服务端只校验边界。
type InitSessionRequest struct {
	FileName    string
	TotalSize   int64
	TotalChunks int
	PlantID     uint
	AuditID     uint
	Category    string
}

// UploadService 接口定义了文件上传相关的业务操作：
// 分片会话（init/chunk/finalize/status/abort）、HTTP 直传、云盘远程拉取。
type UploadService interface {
	InitChunkSession(ctx context.Context, req InitSessionRequest) (*ChunkSessionStatus, error)
	PutChunk(ctx context.Context, sessionID string, chunkIndex int, chunk io.Reader) (*ChunkSessionStatus, error)
	FinalizeSession(ctx context.Context, sessionID string, uploadedBy uint) (jobID string, err error)
	SessionStatus(ctx context.Context, sessionID string) (*ChunkSessionStatus, error)
	AbortSession(ctx context.Context, sessionID string) error

	DirectUpload(ctx context.Context, req InitSessionRequest, body io.Reader, uploadedBy uint) (jobID string, err error)
	RemoteUpload(ctx context.Context, shareURL string, req InitSessionRequest, uploadedBy uint) (jobID string, err error)

	SweepStaleSessions(maxAge time.Duration)
	ListDataUploads(plantID, auditID uint) ([]model.DataUpload, error)
}

// chunkSession 是单个分片会话的内存态。分片到达标记在 Redis，
// 会话元数据只存内存：服务重启后客户端重新 init 即可。
type chunkSession struct {
	mu          sync.Mutex
	id          string
	fileName    string
	totalSize   int64
	totalChunks int
	plantID     uint
	auditID     uint
	category    string
	dir         string
	createdAt   time.Time
	finalized   bool
}

type uploadService struct {
	uploadCfg  config.UploadConfig
	driveCfg   config.DriveConfig
	uploadRepo repository.UploadRepository
	auditRepo  repository.AuditRepository
	tracker    *progress.Tracker
	orch       *pipeline.Orchestrator

	sessionsMu sync.RWMutex
	sessions   map[string]*chunkSession
}

// NewUploadService 创建一个新的 UploadService 实例。
func NewUploadService(
	uploadCfg config.UploadConfig,
	driveCfg config.DriveConfig,
	uploadRepo repository.UploadRepository,
	auditRepo repository.AuditRepository,
	tracker *progress.Tracker,
	orch *pipeline.Orchestrator,
) UploadService {
	return &uploadService{
		uploadCfg:  uploadCfg,
		driveCfg:   driveCfg,
		uploadRepo: uploadRepo,
		auditRepo:  auditRepo,
		tracker:    tracker,
		orch:       orch,
		sessions:   make(map[string]*chunkSession),
	}
}

// validateTarget 校验上传目标的通用字段，通过后返回所属巡检。
func (s *uploadService) validateTarget(req InitSessionRequest) error {
	if req.FileName == "" || strings.ContainsAny(req.FileName, "/\\") {
		return &pipeline.ValidationError{Field: "file_name", Message: "文件名为空或含路径分隔符"}
	}
	if !s.extensionAllowed(req.FileName) {
		return &pipeline.ValidationError{
			Field:   "file_name",
			Message: fmt.Sprintf("不支持的文件类型，允许: %s", strings.Join(s.uploadCfg.AllowedExtensions, ", ")),
		}
	}
	if req.Category != model.CategoryThermalOrtho && req.Category != model.CategoryVisualOrtho {
		return &pipeline.ValidationError{Field: "category", Message: "必须是 thermal_ortho 或 visual_ortho"}
	}
	if req.TotalSize < 0 || req.TotalSize > s.uploadCfg.MaxFileSize {
		return &pipeline.ValidationError{
			Field:   "total_size",
			Message: fmt.Sprintf("文件大小不能超过 %d 字节", s.uploadCfg.MaxFileSize),
		}
	}

	audit, err := s.auditRepo.FindAuditByID(req.AuditID)
	if err != nil {
		return &pipeline.ValidationError{Field: "audit_id", Message: "巡检不存在"}
	}
	if audit.PlantID != req.PlantID {
		return &pipeline.ValidationError{Field: "plant_id", Message: "巡检不属于该电站"}
	}
	return nil
}

func (s *uploadService) extensionAllowed(fileName string) bool {
	ext := strings.ToLower(filepath.Ext(fileName))
	for _, allowed := range s.uploadCfg.AllowedExtensions {
		if ext == strings.ToLower(allowed) {
			return true
		}
	}
	return false
}

// InitChunkSession 开启一个分片会话，返回会话 id 与总分片数。
func (s *uploadService) InitChunkSession(ctx context.Context, req InitSessionRequest) (*ChunkSessionStatus, error) {
	if err := s.validateTarget(req); err != nil {
		return nil, err
	}
	if req.TotalSize == 0 {
		return nil, &pipeline.ValidationError{Field: "total_size", Message: "分片上传必须声明文件总大小"}
	}
	if req.TotalChunks < 1 {
		return nil, &pipeline.ValidationError{Field: "total_chunks", Message: "分片上传必须声明分片总数"}
	}
	if int64(req.TotalChunks) > req.TotalSize {
		return nil, &pipeline.ValidationError{Field: "total_chunks", Message: "分片总数不能超过文件字节数"}
	}

	sessionID := uuid.NewString()
	sessionDir := filepath.Join(s.uploadCfg.ChunkDir, sessionID)
	if err := os.MkdirAll(sessionDir, 0o755); err != nil {
		return nil, fmt.Errorf("创建分片会话目录失败: %w", err)
	}

	session := &chunkSession{
		id:          sessionID,
		fileName:    req.FileName,
		totalSize:   req.TotalSize,
		totalChunks: req.TotalChunks,
		plantID:     req.PlantID,
		auditID:     req.AuditID,
		category:    req.Category,
		dir:         sessionDir,
		createdAt:   time.Now(),
	}
	s.sessionsMu.Lock()
	s.sessions[sessionID] = session
	s.sessionsMu.Unlock()

	log.Infof("[Upload] 分片会话创建: id=%s, file=%s, size=%d, chunks=%d", sessionID, req.FileName, req.TotalSize, session.totalChunks)
	return &ChunkSessionStatus{
		UploadID:       sessionID,
		FileName:       session.fileName,
		TotalSize:      session.totalSize,
		TotalChunks:    session.totalChunks,
		UploadedChunks: []int{},
	}, nil
}

func (s *uploadService) getSession(sessionID string) (*chunkSession, error) {
	s.sessionsMu.RLock()
	session, ok := s.sessions[sessionID]
	s.sessionsMu.RUnlock()
	if !ok {
		return nil, &pipeline.ValidationError{Field: "upload_id", Message: "分片会话不存在或已过期"}
	}
	return session, nil
}

// PutChunk 接收一个分片。重复到达的分片直接跳过写盘，接口幂等。
func (s *uploadService) PutChunk(ctx context.Context, sessionID string, chunkIndex int, chunk io.Reader) (*ChunkSessionStatus, error) {
	session, err := s.getSession(sessionID)
	if err != nil {
		return nil, err
	}
	if chunkIndex < 0 || chunkIndex >= session.totalChunks {
		return nil, &pipeline.ValidationError{
			Field:   "chunk_index",
			Message: fmt.Sprintf("分片序号必须在 [0, %d) 之间", session.totalChunks),
		}
	}

	uploaded, err := s.uploadRepo.IsChunkUploaded(ctx, sessionID, chunkIndex)
	if err != nil {
		return nil, fmt.Errorf("检查分片到达标记失败: %w", err)
	}
	if uploaded {
		log.Infof("[Upload] 分片 %d 重复到达，跳过写盘: session=%s", chunkIndex, sessionID)
		return s.snapshotSession(ctx, session)
	}

	// 先写临时名再重命名，半截分片不会被误认为完整。
	chunkPath := filepath.Join(session.dir, fmt.Sprintf(chunkFilePattern, chunkIndex))
	tmpPath := chunkPath + ".part"
	out, err := os.Create(tmpPath)
	if err != nil {
		return nil, fmt.Errorf("创建分片文件失败: %w", err)
	}
	if _, err := io.Copy(out, chunk); err != nil {
		out.Close()
		_ = os.Remove(tmpPath)
		return nil, fmt.Errorf("写入分片数据失败: %w", err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return nil, fmt.Errorf("关闭分片文件失败: %w", err)
	}
	if err := os.Rename(tmpPath, chunkPath); err != nil {
		return nil, fmt.Errorf("提交分片文件失败: %w", err)
	}

	if err := s.uploadRepo.MarkChunkUploaded(ctx, sessionID, chunkIndex); err != nil {
		return nil, fmt.Errorf("写入分片到达标记失败: %w", err)
	}
	return s.snapshotSession(ctx, session)
}

func (s *uploadService) snapshotSession(ctx context.Context, session *chunkSession) (*ChunkSessionStatus, error) {
	indexes, err := s.uploadRepo.GetUploadedChunks(ctx, session.id, session.totalChunks)
	if err != nil {
		return nil, fmt.Errorf("读取已上传分片列表失败: %w", err)
	}
	return &ChunkSessionStatus{
		UploadID:       session.id,
		FileName:       session.fileName,
		TotalSize:      session.totalSize,
		TotalChunks:    session.totalChunks,
		UploadedChunks: indexes,
	}, nil
}

// SessionStatus 返回会话当前进度。
func (s *uploadService) SessionStatus(ctx context.Context, sessionID string) (*ChunkSessionStatus, error) {
	session, err := s.getSession(sessionID)
	if err != nil {
		return nil, err
	}
	return s.snapshotSession(ctx, session)
}

// FinalizeSession 校验分片完整性后按序合并，并把合并产物交给流水线。
// 任一分片缺失时拒绝合并，错误中携带缺失序号。
func (s *uploadService) FinalizeSession(ctx context.Context, sessionID string, uploadedBy uint) (string, error) {
	session, err := s.getSession(sessionID)
	if err != nil {
		return "", err
	}

	session.mu.Lock()
	defer session.mu.Unlock()
	if session.finalized {
		return "", &pipeline.ValidationError{Field: "upload_id", Message: "会话已合并过"}
	}

	indexes, err := s.uploadRepo.GetUploadedChunks(ctx, sessionID, session.totalChunks)
	if err != nil {
		return "", fmt.Errorf("读取已上传分片列表失败: %w", err)
	}
	if missing := missingIndexes(indexes, session.totalChunks); len(missing) > 0 {
		log.Warnf("[Upload] 拒绝合并：分片缺失 session=%s, missing=%v", sessionID, missing)
		return "", &pipeline.IncompleteUploadError{Expected: session.totalChunks, Missing: missing}
	}

	mergedPath, mergedSize, err := s.mergeChunks(session)
	if err != nil {
		return "", err
	}
	if mergedSize != session.totalSize {
		_ = os.Remove(mergedPath)
		return "", &pipeline.ValidationError{
			Field:   "file",
			Message: fmt.Sprintf("合并后大小 %d 与声明的 %d 不一致", mergedSize, session.totalSize),
		}
	}
	log.Infof("[Upload] 分片合并完成: session=%s, path=%s, size=%d", sessionID, mergedPath, mergedSize)

	jobID, err := s.submitJob("", session.toRequest(), pipeline.NewFileSource(mergedPath), mergedSize, "chunked", uploadedBy)
	if err != nil {
		_ = os.Remove(mergedPath)
		return "", err
	}
	session.finalized = true

	// 分片与标记的清理不阻塞响应。
	go s.cleanupSession(session)
	return jobID, nil
}

// mergeChunks 把会话目录下的分片按序拼接到落盘目录。
func (s *uploadService) mergeChunks(session *chunkSession) (string, int64, error) {
	if err := os.MkdirAll(s.uploadCfg.UploadDir, 0o755); err != nil {
		return "", 0, fmt.Errorf("创建落盘目录失败: %w", err)
	}
	mergedPath := filepath.Join(s.uploadCfg.UploadDir, session.id+"_"+session.fileName)
	out, err := os.Create(mergedPath)
	if err != nil {
		return "", 0, fmt.Errorf("创建合并文件失败: %w", err)
	}

	var total int64
	buf := make([]byte, s.uploadCfg.BlockSize)
	for i := 0; i < session.totalChunks; i++ {
		chunkPath := filepath.Join(session.dir, fmt.Sprintf(chunkFilePattern, i))
		in, err := os.Open(chunkPath)
		if err != nil {
			out.Close()
			_ = os.Remove(mergedPath)
			return "", 0, fmt.Errorf("打开分片 %d 失败: %w", i, err)
		}
		n, err := io.CopyBuffer(out, in, buf)
		in.Close()
		if err != nil {
			out.Close()
			_ = os.Remove(mergedPath)
			return "", 0, fmt.Errorf("拼接分片 %d 失败: %w", i, err)
		}
		total += n
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(mergedPath)
		return "", 0, fmt.Errorf("关闭合并文件失败: %w", err)
	}
	return mergedPath, total, nil
}

// AbortSession 丢弃会话及其已落盘的分片。
func (s *uploadService) AbortSession(ctx context.Context, sessionID string) error {
	session, err := s.getSession(sessionID)
	if err != nil {
		return err
	}
	log.Infof("[Upload] 分片会话中止: id=%s", sessionID)
	s.cleanupSession(session)
	return nil
}

func (s *uploadService) cleanupSession(session *chunkSession) {
	if err := os.RemoveAll(session.dir); err != nil {
		log.Warnf("[Upload] 清理分片目录失败: session=%s, err=%v", session.id, err)
	}
	if err := s.uploadRepo.DeleteUploadMark(context.Background(), session.id); err != nil {
		log.Warnf("[Upload] 清理分片到达标记失败: session=%s, err=%v", session.id, err)
	}
	s.sessionsMu.Lock()
	delete(s.sessions, session.id)
	s.sessionsMu.Unlock()
}

// SweepStaleSessions 清理超龄未合并的会话，由定时器周期调用。
func (s *uploadService) SweepStaleSessions(maxAge time.Duration) {
	cutoff := time.Now().Add(-maxAge)

	s.sessionsMu.RLock()
	stale := make([]*chunkSession, 0)
	for _, session := range s.sessions {
		if session.createdAt.Before(cutoff) && !session.finalized {
			stale = append(stale, session)
		}
	}
	s.sessionsMu.RUnlock()

	for _, session := range stale {
		log.Infof("[Upload] 清理过期分片会话: id=%s, age=%s", session.id, time.Since(session.createdAt))
		s.cleanupSession(session)
	}
}

// DirectUpload 处理整文件直传。请求体在本方法内同步读完并落盘，
// 落盘完成后才把作业交给流水线：响应返回时请求流已不再被引用。
// 进度条目在接收阶段就已创建，客户端拿到 job id 前就能按块看到推进。
func (s *uploadService) DirectUpload(ctx context.Context, req InitSessionRequest, body io.Reader, uploadedBy uint) (string, error) {
	if err := s.validateTarget(req); err != nil {
		return "", err
	}

	if err := os.MkdirAll(s.uploadCfg.UploadDir, 0o755); err != nil {
		return "", fmt.Errorf("创建落盘目录失败: %w", err)
	}
	jobID := uuid.NewString()
	job := s.tracker.Create(jobID, req.FileName, req.TotalSize)
	staging := pipeline.NewStreamSource(io.LimitReader(body, s.uploadCfg.MaxFileSize+1), jobID+"_"+req.FileName, req.TotalSize)
	stagedPath, stagedSize, err := staging.Fetch(ctx, s.uploadCfg.UploadDir, job)
	if err != nil {
		job.Fail(err.Error())
		return "", err
	}
	if stagedSize > s.uploadCfg.MaxFileSize {
		_ = os.Remove(stagedPath)
		verr := &pipeline.ValidationError{
			Field:   "file",
			Message: fmt.Sprintf("文件大小超过上限 %d 字节", s.uploadCfg.MaxFileSize),
		}
		job.Fail(verr.Error())
		return "", verr
	}
	log.Infof("[Upload] 直传落盘完成: file=%s, size=%d", req.FileName, stagedSize)

	jobID, err = s.submitJob(jobID, req, pipeline.NewFileSource(stagedPath), stagedSize, "direct", uploadedBy)
	if err != nil {
		_ = os.Remove(stagedPath)
		job.Fail(err.Error())
		return "", err
	}
	return jobID, nil
}

// RemoteUpload 受理云盘远程拉取。下载由流水线异步执行，本方法立即返回作业 id。
func (s *uploadService) RemoteUpload(ctx context.Context, shareURL string, req InitSessionRequest, uploadedBy uint) (string, error) {
	if shareURL == "" {
		return "", &pipeline.ValidationError{Field: "share_url", Message: "共享链接不能为空"}
	}
	if err := s.validateTarget(req); err != nil {
		return "", err
	}

	// 列目录与文件名匹配同步完成，找不到文件时错误直接返回给调用方。
	source := pipeline.NewDriveSource(s.driveCfg, shareURL, req.FileName)
	if err := source.Resolve(ctx); err != nil {
		return "", err
	}
	return s.submitJob("", req, source, 0, "remote", uploadedBy)
}

// submitJob 登记 data_uploads 记录并把作业提交给流水线。
// jobID 为空时现场生成；直传场景传入已建好进度条目的作业号。
func (s *uploadService) submitJob(jobID string, req InitSessionRequest, source pipeline.Fetcher, knownSize int64, method string, uploadedBy uint) (string, error) {
	if jobID == "" {
		jobID = uuid.NewString()
	}
	job := pipeline.JobRequest{
		JobID:        jobID,
		PlantID:      req.PlantID,
		AuditID:      req.AuditID,
		Category:     req.Category,
		FileName:     req.FileName,
		UploadMethod: method,
		Source:       source,
		TotalSize:    knownSize,
	}
	if _, err := s.orch.Submit(job); err != nil {
		return "", err
	}

	record := &model.DataUpload{
		FileName:     req.FileName,
		OriginalName: req.FileName,
		FilePath:     storage.ObjectKey(req.PlantID, req.AuditID, req.Category, req.FileName),
		FileSize:     knownSize,
		Category:     req.Category,
		PlantID:      req.PlantID,
		AuditID:      req.AuditID,
		UploadID:     jobID,
		UploadMethod: method,
		UploadedBy:   uploadedBy,
	}
	if err := s.uploadRepo.CreateDataUpload(record); err != nil {
		log.Warnf("[Upload] 写入 data_uploads 记录失败 (job=%s): %v", jobID, err)
	}
	return jobID, nil
}

// ListDataUploads 返回数据页面的上传记录列表。
func (s *uploadService) ListDataUploads(plantID, auditID uint) ([]model.DataUpload, error) {
	return s.uploadRepo.FindDataUploads(plantID, auditID)
}

// missingIndexes 返回 [0, total) 中未出现在 uploaded 里的序号。
func missingIndexes(uploaded []int, total int) []int {
	seen := make(map[int]struct{}, len(uploaded))
	for _, i := range uploaded {
		seen[i] = struct{}{}
	}
	missing := make([]int, 0)
	for i := 0; i < total; i++ {
		if _, ok := seen[i]; !ok {
			missing = append(missing, i)
		}
	}
	return missing
}

func (c *chunkSession) toRequest() InitSessionRequest {
	return InitSessionRequest{
		FileName:  c.fileName,
		TotalSize: c.totalSize,
		PlantID:   c.plantID,
		AuditID:   c.auditID,
		Category:  c.category,
	}
}
