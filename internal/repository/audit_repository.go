package repository

import (
	"errors"
	"time"

	"solar-audit-go/internal/model"

	"gorm.io/gorm"
)

// AuditRepository 接口定义了巡检及其上传条目相关的数据持久化操作。
// 上传条目的更新全部是针对性字段更新（Updates 指定列），绝不整行覆盖：
// audits/plants 上与巡检同存的异常统计字段由分析侧维护，管道不触碰。
type AuditRepository interface {
	CreateAudit(audit *model.Audit) error
	FindAuditByID(id uint) (*model.Audit, error)
	FindAuditsByPlant(plantID uint) ([]model.Audit, error)
	CountAudits() (int64, error)

	// 上传条目（原 Mongo tif_files 数组元素）
	UpsertUploadEntry(entry *model.AuditUpload) (*model.AuditUpload, error)
	FindUploadEntry(auditID uint, storageKey string) (*model.AuditUpload, error)
	FindUploadEntries(auditID uint) ([]model.AuditUpload, error)
	UpdateUploadStatus(auditID uint, storageKey, status string) error
	MarkUploadCompleted(auditID uint, storageKey string, completedAt time.Time, totalSize int64) error
	CountUploadsByStatus(status string) (int64, error)
}

// auditRepository 是 AuditRepository 接口的 GORM 实现。
type auditRepository struct {
	db *gorm.DB
}

// NewAuditRepository 创建一个新的 AuditRepository 实例。
func NewAuditRepository(db *gorm.DB) AuditRepository {
	return &auditRepository{db: db}
}

// CreateAudit 新建一条巡检记录。
func (r *auditRepository) CreateAudit(audit *model.Audit) error {
	return r.db.Create(audit).Error
}

// FindAuditByID 根据主键检索巡检。
func (r *auditRepository) FindAuditByID(id uint) (*model.Audit, error) {
	var audit model.Audit
	if err := r.db.First(&audit, id).Error; err != nil {
		return nil, err
	}
	return &audit, nil
}

// FindAuditsByPlant 返回电站下的全部巡检。
func (r *auditRepository) FindAuditsByPlant(plantID uint) ([]model.Audit, error) {
	var audits []model.Audit
	err := r.db.Where("plant_id = ?", plantID).Order("audit_date desc").Find(&audits).Error
	return audits, err
}

// CountAudits 返回巡检总数（仪表盘统计用）。
func (r *auditRepository) CountAudits() (int64, error) {
	var n int64
	err := r.db.Model(&model.Audit{}).Count(&n).Error
	return n, err
}

// UpsertUploadEntry 登记一条上传条目。若同一 (audit_id, storage_key) 的条目
// 已存在（重试同一目标键），则就地把既有条目翻回 In Progress 并更新作业号，
// 而不是追加新行，保证同一目标键不会出现两条并存的活动记录。
func (r *auditRepository) UpsertUploadEntry(entry *model.AuditUpload) (*model.AuditUpload, error) {
	existing, err := r.FindUploadEntry(entry.AuditID, entry.StorageKey)
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	if existing != nil {
		updates := map[string]interface{}{
			"status":       model.UploadStatusInProgress,
			"upload_id":    entry.UploadID,
			"file_name":    entry.FileName,
			"created_at":   time.Now(),
			"completed_at": nil,
		}
		if err := r.db.Model(&model.AuditUpload{}).
			Where("audit_id = ? AND storage_key = ?", entry.AuditID, entry.StorageKey).
			Updates(updates).Error; err != nil {
			return nil, err
		}
		return r.FindUploadEntry(entry.AuditID, entry.StorageKey)
	}

	entry.Status = model.UploadStatusInProgress
	if err := r.db.Create(entry).Error; err != nil {
		return nil, err
	}
	return entry, nil
}

// FindUploadEntry 根据巡检与目标键检索上传条目。
func (r *auditRepository) FindUploadEntry(auditID uint, storageKey string) (*model.AuditUpload, error) {
	var entry model.AuditUpload
	err := r.db.Where("audit_id = ? AND storage_key = ?", auditID, storageKey).First(&entry).Error
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// FindUploadEntries 返回巡检下的全部上传条目。
func (r *auditRepository) FindUploadEntries(auditID uint) ([]model.AuditUpload, error) {
	var entries []model.AuditUpload
	err := r.db.Where("audit_id = ?", auditID).Order("created_at desc").Find(&entries).Error
	return entries, err
}

// UpdateUploadStatus 针对性更新上传条目的状态列（对应原 tif_files.$.status 的 $set）。
func (r *auditRepository) UpdateUploadStatus(auditID uint, storageKey, status string) error {
	return r.db.Model(&model.AuditUpload{}).
		Where("audit_id = ? AND storage_key = ?", auditID, storageKey).
		Update("status", status).Error
}

// MarkUploadCompleted 把上传条目翻转为 Completed 并记录完成时间与最终大小。
func (r *auditRepository) MarkUploadCompleted(auditID uint, storageKey string, completedAt time.Time, totalSize int64) error {
	return r.db.Model(&model.AuditUpload{}).
		Where("audit_id = ? AND storage_key = ?", auditID, storageKey).
		Updates(map[string]interface{}{
			"status":       model.UploadStatusCompleted,
			"completed_at": completedAt,
			"total_size":   totalSize,
		}).Error
}

// CountUploadsByStatus 统计某状态的上传条目数（仪表盘统计用）。
func (r *auditRepository) CountUploadsByStatus(status string) (int64, error) {
	var n int64
	err := r.db.Model(&model.AuditUpload{}).Where("status = ?", status).Count(&n).Error
	return n, err
}
