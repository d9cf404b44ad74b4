// Package repository 定义了与数据库进行数据交换的接口和实现。
package repository

import (
	"solar-audit-go/internal/model"

	"gorm.io/gorm"
)

// PlantRepository 接口定义了电站相关的数据持久化操作。
type PlantRepository interface {
	Create(plant *model.Plant) error
	FindAll() ([]model.Plant, error)
	FindByID(id uint) (*model.Plant, error)
	Count() (int64, error)
}

// plantRepository 是 PlantRepository 接口的 GORM 实现。
type plantRepository struct {
	db *gorm.DB
}

// NewPlantRepository 创建一个新的 PlantRepository 实例。
func NewPlantRepository(db *gorm.DB) PlantRepository {
	return &plantRepository{db: db}
}

// Create 新建一条电站记录。
func (r *plantRepository) Create(plant *model.Plant) error {
	return r.db.Create(plant).Error
}

// FindAll 返回全部电站，按创建时间倒序。
func (r *plantRepository) FindAll() ([]model.Plant, error) {
	var plants []model.Plant
	err := r.db.Order("created_at desc").Find(&plants).Error
	return plants, err
}

// FindByID 根据主键检索电站。
func (r *plantRepository) FindByID(id uint) (*model.Plant, error) {
	var plant model.Plant
	if err := r.db.First(&plant, id).Error; err != nil {
		return nil, err
	}
	return &plant, nil
}

// Count 返回电站总数（仪表盘统计用）。
func (r *plantRepository) Count() (int64, error) {
	var n int64
	err := r.db.Model(&model.Plant{}).Count(&n).Error
	return n, err
}
