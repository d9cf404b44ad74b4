package model

import "time"

// 上传条目的状态字符串，持久化在 audit_uploads.status 中。
// 管道每次阶段失败只会把状态翻转为 Failed 一次，不会停留在 In Progress。
const (
	UploadStatusInProgress = "In Progress"
	UploadStatusCompleted  = "Completed"
	UploadStatusFailed     = "Failed"
)

// 资产类别，决定对象存储键中的 category 段。
const (
	CategoryThermalOrtho = "thermal_ortho"
	CategoryVisualOrtho  = "visual_ortho"
)

// Audit 定义了 audits 表的 ORM 模型，对应一次电站巡检。
// AnomalyCount 等聚合字段由异常分析侧维护，上传管道不触碰。
type Audit struct {
	ID           uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	PlantID      uint      `gorm:"not null;index" json:"plantId"`
	AuditType    string    `gorm:"type:varchar(50);not null" json:"auditType"`
	AuditDate    time.Time `json:"auditDate"`
	AnomalyCount int       `gorm:"not null;default:0" json:"anomalyCount"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"createdAt"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (Audit) TableName() string {
	return "audits"
}

// AuditUpload 定义了 audit_uploads 表的 ORM 模型。
// 每行对应一次巡检下某个资产类别的正射影像上传条目（原 Mongo tif_files 数组元素）。
// (audit_id, storage_key) 唯一：同一目标键的重试在原条目上就地更新，而不是追加新行。
type AuditUpload struct {
	ID          uint       `gorm:"primaryKey;autoIncrement" json:"id"`
	AuditID     uint       `gorm:"not null;uniqueIndex:idx_audit_storage_key" json:"auditId"`
	PlantID     uint       `gorm:"not null;index" json:"plantId"`
	Category    string     `gorm:"type:varchar(50);not null" json:"category"`
	FileName    string     `gorm:"type:varchar(255);not null" json:"fileName"`
	StorageKey  string     `gorm:"type:varchar(512);not null;uniqueIndex:idx_audit_storage_key" json:"storageKey"`
	Status      string     `gorm:"type:varchar(20);not null" json:"status"`
	UploadID    string     `gorm:"type:varchar(64)" json:"uploadId"`
	TotalSize   int64      `json:"totalSize"`
	CreatedAt   time.Time  `gorm:"autoCreateTime" json:"createdAt"`
	CompletedAt *time.Time `gorm:"default:null" json:"completedAt"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (AuditUpload) TableName() string {
	return "audit_uploads"
}
