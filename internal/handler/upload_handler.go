// Package handler 包含了处理 HTTP 请求的控制器逻辑。
package handler

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"solar-audit-go/internal/pipeline"
	"solar-audit-go/internal/progress"
	"solar-audit-go/internal/service"
	"solar-audit-go/pkg/log"
	"solar-audit-go/pkg/token"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// wsUpgrader 把进度查询请求升级为 WebSocket 连接。
// 门户前端与 API 不同源，跨域检查交给网关处理。
var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// UploadHandler 负责处理所有与文件上传相关的 API 请求。
type UploadHandler struct {
	uploadService service.UploadService
	tracker       *progress.Tracker
}

// NewUploadHandler 创建一个新的 UploadHandler 实例。
func NewUploadHandler(uploadService service.UploadService, tracker *progress.Tracker) *UploadHandler {
	return &UploadHandler{uploadService: uploadService, tracker: tracker}
}

// currentUserID 从 AuthMiddleware 写入的 claims 中取用户 id。
func currentUserID(c *gin.Context) uint {
	claimsValue, exists := c.Get("claims")
	if !exists {
		return 0
	}
	claims, ok := claimsValue.(*token.CustomClaims)
	if !ok {
		return 0
	}
	return claims.UserID
}

// respondPipelineError 把流水线错误翻译成带类别与排障信息的 HTTP 响应。
func respondPipelineError(c *gin.Context, err error) {
	kind := pipeline.Kind(err)
	payload := gin.H{
		"error": err.Error(),
		"kind":  kind,
	}

	status := http.StatusInternalServerError
	switch kind {
	case pipeline.KindValidation, pipeline.KindIncompleteUpload:
		status = http.StatusBadRequest
	case pipeline.KindSourceNotFound:
		status = http.StatusNotFound
	case pipeline.KindSourceUnreachable:
		status = http.StatusBadGateway
	}

	var notFound *pipeline.SourceNotFoundError
	if errors.As(err, &notFound) {
		payload["available_files"] = notFound.Available
	}
	var unreachable *pipeline.SourceUnreachableError
	if errors.As(err, &unreachable) {
		payload["troubleshooting"] = unreachable.Hint
	}
	var incomplete *pipeline.IncompleteUploadError
	if errors.As(err, &incomplete) {
		payload["missing_chunks"] = incomplete.Missing
		payload["expected_chunks"] = incomplete.Expected
	}
	var conflict *pipeline.JobConflictError
	if errors.As(err, &conflict) {
		status = http.StatusConflict
		payload["job_id"] = conflict.ExistingJobID
	}

	c.JSON(status, payload)
}

// InitUploadRequest 定义了开启分片会话 API 的请求体结构。
// 分片总数由客户端声明，分片粒度是客户端的选择。
type InitUploadRequest struct {
	FileName    string `json:"file_name" binding:"required"`
	TotalSize   int64  `json:"total_size" binding:"required"`
	TotalChunks int    `json:"total_chunks" binding:"required"`
	PlantID     uint   `json:"plant_id" binding:"required"`
	AuditID     uint   `json:"audit_id" binding:"required"`
	Category    string `json:"category" binding:"required"`
}

func (r InitUploadRequest) toService() service.InitSessionRequest {
	return service.InitSessionRequest{
		FileName:    r.FileName,
		TotalSize:   r.TotalSize,
		TotalChunks: r.TotalChunks,
		PlantID:     r.PlantID,
		AuditID:     r.AuditID,
		Category:    r.Category,
	}
}

// InitUpload 处理开启分片会话的请求。
func (h *UploadHandler) InitUpload(c *gin.Context) {
	var req InitUploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "无效的请求负载"})
		return
	}

	status, err := h.uploadService.InitChunkSession(c.Request.Context(), req.toService())
	if err != nil {
		respondPipelineError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// UploadChunk 处理单个分片上传的请求。
func (h *UploadHandler) UploadChunk(c *gin.Context) {
	sessionID := c.PostForm("upload_id")
	chunkIndexStr := c.PostForm("chunk_index")
	if sessionID == "" || chunkIndexStr == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "缺少必要的参数"})
		return
	}
	chunkIndex, err := strconv.Atoi(chunkIndexStr)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "无效的分片索引"})
		return
	}

	file, _, err := c.Request.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "未能获取上传的分片"})
		return
	}
	defer file.Close()

	status, err := h.uploadService.PutChunk(c.Request.Context(), sessionID, chunkIndex, file)
	if err != nil {
		respondPipelineError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// FinalizeUploadRequest 定义了分片合并 API 的请求体结构。
type FinalizeUploadRequest struct {
	UploadID string `json:"upload_id" binding:"required"`
}

// FinalizeUpload 处理分片合并并触发入库流水线的请求。
func (h *UploadHandler) FinalizeUpload(c *gin.Context) {
	var req FinalizeUploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "无效的请求负载"})
		return
	}

	jobID, err := h.uploadService.FinalizeSession(c.Request.Context(), req.UploadID, currentUserID(c))
	if err != nil {
		respondPipelineError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"job_id": jobID})
}

// SessionStatus 返回分片会话的当前进度。
func (h *UploadHandler) SessionStatus(c *gin.Context) {
	sessionID := c.Query("upload_id")
	if sessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "缺少 upload_id 参数"})
		return
	}

	status, err := h.uploadService.SessionStatus(c.Request.Context(), sessionID)
	if err != nil {
		respondPipelineError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// AbortUpload 丢弃一个分片会话。
func (h *UploadHandler) AbortUpload(c *gin.Context) {
	sessionID := c.Query("upload_id")
	if sessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "缺少 upload_id 参数"})
		return
	}

	if err := h.uploadService.AbortSession(c.Request.Context(), sessionID); err != nil {
		respondPipelineError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "会话已中止"})
}

// maxFieldBytes 是直传表单中单个普通字段的长度上限。
const maxFieldBytes = 1024

// DirectUpload 处理整文件直传。请求体在响应返回前读完并落盘，
// 只有后续的转换与上传阶段交给异步流水线。表单按部逐个消费而不经
// net/http 的整体暂存，几十 GiB 的文件流只落一次盘；因此普通字段
// （plant_id、audit_id、category、可选 total_size）必须排在 file 之前。
func (h *UploadHandler) DirectUpload(c *gin.Context) {
	reader, err := c.Request.MultipartReader()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "请求必须是 multipart 表单"})
		return
	}

	fields := make(map[string]string)
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			c.JSON(http.StatusBadRequest, gin.H{"error": "未能获取上传的文件"})
			return
		}
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "读取 multipart 表单失败"})
			return
		}

		if part.FormName() != "file" {
			value, err := io.ReadAll(io.LimitReader(part, maxFieldBytes))
			part.Close()
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "读取 multipart 表单失败"})
				return
			}
			fields[part.FormName()] = string(value)
			continue
		}

		req, ok := parseTargetFields(c, fields)
		if !ok {
			part.Close()
			return
		}
		req.FileName = part.FileName()

		jobID, err := h.uploadService.DirectUpload(c.Request.Context(), req, part, currentUserID(c))
		part.Close()
		if err != nil {
			respondPipelineError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"job_id": jobID})
		return
	}
}

// parseTargetFields 从已收集的表单字段里解析上传目标三元组与可选的声明大小。
func parseTargetFields(c *gin.Context, fields map[string]string) (service.InitSessionRequest, bool) {
	plantID, err := strconv.ParseUint(fields["plant_id"], 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "无效的电站 id"})
		return service.InitSessionRequest{}, false
	}
	auditID, err := strconv.ParseUint(fields["audit_id"], 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "无效的巡检 id"})
		return service.InitSessionRequest{}, false
	}
	var totalSize int64
	if v := fields["total_size"]; v != "" {
		totalSize, err = strconv.ParseInt(v, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "无效的文件大小"})
			return service.InitSessionRequest{}, false
		}
	}
	return service.InitSessionRequest{
		PlantID:   uint(plantID),
		AuditID:   uint(auditID),
		Category:  fields["category"],
		TotalSize: totalSize,
	}, true
}

// RemoteUploadRequest 定义了云盘远程拉取 API 的请求体结构。
type RemoteUploadRequest struct {
	ShareURL string `json:"share_url" binding:"required"`
	FileName string `json:"file_name" binding:"required"`
	PlantID  uint   `json:"plant_id" binding:"required"`
	AuditID  uint   `json:"audit_id" binding:"required"`
	Category string `json:"category" binding:"required"`
}

// RemoteUpload 受理云盘远程拉取请求。目录列举与文件匹配同步完成，
// 找不到文件时响应里带上目录内实际可见的文件名，方便排查拼写。
func (h *UploadHandler) RemoteUpload(c *gin.Context) {
	var req RemoteUploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "无效的请求负载"})
		return
	}

	jobID, err := h.uploadService.RemoteUpload(c.Request.Context(), req.ShareURL, service.InitSessionRequest{
		FileName: req.FileName,
		PlantID:  req.PlantID,
		AuditID:  req.AuditID,
		Category: req.Category,
	}, currentUserID(c))
	if err != nil {
		respondPipelineError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"job_id": jobID})
}

// JobProgress 返回流水线作业的进度快照。作业不存在或已超龄清理时返回 404。
func (h *UploadHandler) JobProgress(c *gin.Context) {
	jobID := c.Param("jobId")
	snapshot, ok := h.tracker.Snapshot(jobID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "作业不存在或进度已过期"})
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

// JobProgressWS 通过 WebSocket 推送进度快照，每秒一帧，作业进入终态后
// 发完最后一帧即关闭连接。轮询接口仍然可用，这是给前端进度条的低延迟通道。
func (h *UploadHandler) JobProgressWS(c *gin.Context) {
	jobID := c.Param("jobId")
	if _, ok := h.tracker.Snapshot(jobID); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "作业不存在或进度已过期"})
		return
	}

	conn, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warnf("[Upload] WebSocket 升级失败: %v", err)
		return
	}
	defer conn.Close()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		snapshot, ok := h.tracker.Snapshot(jobID)
		if !ok {
			return
		}
		if err := conn.WriteJSON(snapshot); err != nil {
			return
		}
		if snapshot.Terminal() {
			return
		}

		select {
		case <-ticker.C:
		case <-c.Request.Context().Done():
			return
		}
	}
}

// ListDataUploads 返回数据页面的上传记录列表，可按电站/巡检过滤。
func (h *UploadHandler) ListDataUploads(c *gin.Context) {
	plantID, _ := strconv.ParseUint(c.Query("plant_id"), 10, 64)
	auditID, _ := strconv.ParseUint(c.Query("audit_id"), 10, 64)

	records, err := h.uploadService.ListDataUploads(uint(plantID), uint(auditID))
	if err != nil {
		log.Error("ListDataUploads: 查询上传记录失败", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "服务器内部错误"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"uploads": records})
}
