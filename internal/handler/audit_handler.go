package handler

import (
	"net/http"
	"strconv"
	"time"

	"solar-audit-go/internal/model"
	"solar-audit-go/internal/service"
	"solar-audit-go/pkg/log"

	"github.com/gin-gonic/gin"
)

// AuditHandler 负责处理巡检相关的 API 请求。
type AuditHandler struct {
	auditService service.AuditService
}

// NewAuditHandler 创建一个新的 AuditHandler 实例。
func NewAuditHandler(auditService service.AuditService) *AuditHandler {
	return &AuditHandler{auditService: auditService}
}

// CreateAuditRequest 定义了新建巡检 API 的请求体结构。
type CreateAuditRequest struct {
	PlantID   uint   `json:"plant_id" binding:"required"`
	AuditType string `json:"audit_type" binding:"required"`
	AuditDate string `json:"audit_date"`
}

// CreateAudit 处理新建巡检的请求。
func (h *AuditHandler) CreateAudit(c *gin.Context) {
	var req CreateAuditRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "无效的请求负载"})
		return
	}

	auditDate := time.Now()
	if req.AuditDate != "" {
		parsed, err := time.Parse("2006-01-02", req.AuditDate)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "无效的巡检日期，格式应为 YYYY-MM-DD"})
			return
		}
		auditDate = parsed
	}

	audit := &model.Audit{
		PlantID:   req.PlantID,
		AuditType: req.AuditType,
		AuditDate: auditDate,
	}
	if err := h.auditService.CreateAudit(audit); err != nil {
		log.Error("CreateAudit: 新建巡检失败", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "服务器内部错误"})
		return
	}
	c.JSON(http.StatusCreated, audit)
}

// GetAudit 返回巡检详情及其上传条目（含下载链接）。
func (h *AuditHandler) GetAudit(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "无效的巡检 id"})
		return
	}

	detail, err := h.auditService.GetAuditDetail(uint(id))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "巡检不存在"})
		return
	}
	c.JSON(http.StatusOK, detail)
}

// OverwriteStatusRequest 定义了管理员状态覆写 API 的请求体结构。
type OverwriteStatusRequest struct {
	AuditID    uint   `json:"audit_id" binding:"required"`
	StorageKey string `json:"storage_key" binding:"required"`
	Status     string `json:"status" binding:"required"`
}

// OverwriteUploadStatus 由管理员手工修正上传条目状态，
// 用于进程异常退出后卡在 In Progress 的条目。
func (h *AuditHandler) OverwriteUploadStatus(c *gin.Context) {
	var req OverwriteStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "无效的请求负载"})
		return
	}

	if err := h.auditService.OverwriteUploadStatus(req.AuditID, req.StorageKey, req.Status); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "状态已更新"})
}

// DashboardStats 返回仪表盘汇总统计。
func (h *AuditHandler) DashboardStats(c *gin.Context) {
	stats, err := h.auditService.GetDashboardStats()
	if err != nil {
		log.Error("DashboardStats: 汇总统计失败", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "服务器内部错误"})
		return
	}
	c.JSON(http.StatusOK, stats)
}
