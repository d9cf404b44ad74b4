// Package model 定义了与数据库表对应的 Go 结构体。
package model

import "time"

// Plant 定义了 plants 表的 ORM 模型，对应一个光伏电站。
// 异常统计字段由巡检分析侧维护，上传管道不触碰。
type Plant struct {
	ID             uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	Name           string    `gorm:"type:varchar(255);not null" json:"name"`
	Location       string    `gorm:"type:varchar(255)" json:"location"`
	CapacityMW     float64   `json:"capacityMw"`
	ClientName     string    `gorm:"type:varchar(255)" json:"clientName"`
	PhotoPath      string    `gorm:"type:varchar(512)" json:"photoPath"`
	TotalAnomalies int       `gorm:"not null;default:0" json:"totalAnomalies"`
	OpenAnomalies  int       `gorm:"not null;default:0" json:"openAnomalies"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"createdAt"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (Plant) TableName() string {
	return "plants"
}
