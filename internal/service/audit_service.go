package service

import (
	"fmt"
	"time"

	"solar-audit-go/internal/config"
	"solar-audit-go/internal/model"
	"solar-audit-go/internal/repository"
	"solar-audit-go/pkg/log"
	"solar-audit-go/pkg/storage"
)

// presignedExpiry 是巡检详情页下载链接的有效期。
const presignedExpiry = time.Hour

// AuditUploadView 是巡检详情页中单个上传条目的展示视图。
// 只有已完成的条目才带下载链接。
type AuditUploadView struct {
	Category    string           `json:"category"`
	FileName    string           `json:"fileName"`
	StorageKey  string           `json:"storageKey"`
	Status      string           `json:"status"`
	UploadID    string           `json:"uploadId"`
	TotalSize   int64            `json:"totalSize"`
	CompletedAt *model.LocalTime `json:"completedAt"`
	DownloadURL string           `json:"downloadUrl,omitempty"`
}

// AuditDetail 是巡检详情页的完整响应体。
type AuditDetail struct {
	Audit   *model.Audit      `json:"audit"`
	Uploads []AuditUploadView `json:"uploads"`
}

// DashboardStats 是仪表盘页面的汇总统计。
type DashboardStats struct {
	PlantCount        int64 `json:"plantCount"`
	AuditCount        int64 `json:"auditCount"`
	UploadsInProgress int64 `json:"uploadsInProgress"`
	UploadsCompleted  int64 `json:"uploadsCompleted"`
	UploadsFailed     int64 `json:"uploadsFailed"`
}

// AuditService 定义了巡检及其上传条目业务逻辑的接口。
type AuditService interface {
	CreateAudit(audit *model.Audit) error
	GetAuditsByPlant(plantID uint) ([]model.Audit, error)
	GetAuditDetail(auditID uint) (*AuditDetail, error)
	OverwriteUploadStatus(auditID uint, storageKey, status string) error
	GetDashboardStats() (*DashboardStats, error)
}

type auditService struct {
	auditRepo repository.AuditRepository
	plantRepo repository.PlantRepository
	minioCfg  config.MinIOConfig
}

// NewAuditService 创建一个新的 AuditService。
func NewAuditService(auditRepo repository.AuditRepository, plantRepo repository.PlantRepository, minioCfg config.MinIOConfig) AuditService {
	return &auditService{
		auditRepo: auditRepo,
		plantRepo: plantRepo,
		minioCfg:  minioCfg,
	}
}

// CreateAudit 新建一次巡检，巡检必须挂在已存在的电站下。
func (s *auditService) CreateAudit(audit *model.Audit) error {
	if _, err := s.plantRepo.FindByID(audit.PlantID); err != nil {
		return fmt.Errorf("电站不存在: %w", err)
	}
	return s.auditRepo.CreateAudit(audit)
}

// GetAuditsByPlant 返回电站下的全部巡检。
func (s *auditService) GetAuditsByPlant(plantID uint) ([]model.Audit, error) {
	return s.auditRepo.FindAuditsByPlant(plantID)
}

// GetAuditDetail 返回巡检及其上传条目。已完成条目附带限时下载链接，
// 签名失败只记日志，详情页照常返回。
func (s *auditService) GetAuditDetail(auditID uint) (*AuditDetail, error) {
	audit, err := s.auditRepo.FindAuditByID(auditID)
	if err != nil {
		return nil, err
	}
	entries, err := s.auditRepo.FindUploadEntries(auditID)
	if err != nil {
		return nil, err
	}

	views := make([]AuditUploadView, 0, len(entries))
	for _, entry := range entries {
		view := AuditUploadView{
			Category:   entry.Category,
			FileName:   entry.FileName,
			StorageKey: entry.StorageKey,
			Status:     entry.Status,
			UploadID:   entry.UploadID,
			TotalSize:  entry.TotalSize,
		}
		if entry.CompletedAt != nil {
			t := model.NewLocalTime(*entry.CompletedAt)
			view.CompletedAt = &t
		}
		if entry.Status == model.UploadStatusCompleted {
			url, err := storage.GetPresignedURL(s.minioCfg.BucketName, entry.StorageKey, presignedExpiry)
			if err != nil {
				log.Warnf("[Audit] 生成下载链接失败: key=%s, err=%v", entry.StorageKey, err)
			} else {
				view.DownloadURL = url
			}
		}
		views = append(views, view)
	}
	return &AuditDetail{Audit: audit, Uploads: views}, nil
}

// OverwriteUploadStatus 由管理员手工修正卡死的上传条目状态。
func (s *auditService) OverwriteUploadStatus(auditID uint, storageKey, status string) error {
	switch status {
	case model.UploadStatusInProgress, model.UploadStatusCompleted, model.UploadStatusFailed:
	default:
		return fmt.Errorf("非法的状态值: %s", status)
	}
	if _, err := s.auditRepo.FindUploadEntry(auditID, storageKey); err != nil {
		return fmt.Errorf("上传条目不存在: %w", err)
	}
	log.Infof("[Audit] 管理员覆写上传条目状态: audit=%d, key=%s, status=%s", auditID, storageKey, status)
	return s.auditRepo.UpdateUploadStatus(auditID, storageKey, status)
}

// GetDashboardStats 汇总仪表盘统计。
func (s *auditService) GetDashboardStats() (*DashboardStats, error) {
	plantCount, err := s.plantRepo.Count()
	if err != nil {
		return nil, err
	}
	auditCount, err := s.auditRepo.CountAudits()
	if err != nil {
		return nil, err
	}
	inProgress, err := s.auditRepo.CountUploadsByStatus(model.UploadStatusInProgress)
	if err != nil {
		return nil, err
	}
	completed, err := s.auditRepo.CountUploadsByStatus(model.UploadStatusCompleted)
	if err != nil {
		return nil, err
	}
	failed, err := s.auditRepo.CountUploadsByStatus(model.UploadStatusFailed)
	if err != nil {
		return nil, err
	}
	return &DashboardStats{
		PlantCount:        plantCount,
		AuditCount:        auditCount,
		UploadsInProgress: inProgress,
		UploadsCompleted:  completed,
		UploadsFailed:     failed,
	}, nil
}
