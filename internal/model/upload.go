package model

import "time"

// DataUpload 定义了 data_uploads 表的 ORM 模型。
// 它记录每个经由门户落盘的文件（分片合并或直传），供数据页面列表使用。
type DataUpload struct {
	ID           uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	FileName     string    `gorm:"type:varchar(255);not null" json:"fileName"`
	OriginalName string    `gorm:"type:varchar(255);not null" json:"originalName"`
	FilePath     string    `gorm:"type:varchar(512);not null" json:"filePath"`
	FileSize     int64     `gorm:"not null" json:"fileSize"`
	Category     string    `gorm:"type:varchar(50)" json:"category"`
	PlantID      uint      `gorm:"index" json:"plantId"`
	AuditID      uint      `gorm:"index" json:"auditId"`
	UploadID     string    `gorm:"type:varchar(64)" json:"uploadId"`
	UploadMethod string    `gorm:"type:varchar(20);not null" json:"uploadMethod"` // chunked / direct / remote
	UploadedBy   uint      `json:"uploadedBy"`
	UploadedAt   time.Time `gorm:"autoCreateTime" json:"uploadedAt"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (DataUpload) TableName() string {
	return "data_uploads"
}
