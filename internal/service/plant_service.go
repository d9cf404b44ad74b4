package service

import (
	"solar-audit-go/internal/model"
	"solar-audit-go/internal/repository"
)

// PlantService 定义了电站业务逻辑的接口。
type PlantService interface {
	CreatePlant(plant *model.Plant) error
	GetPlants() ([]model.Plant, error)
	GetPlantByID(id uint) (*model.Plant, error)
}

type plantService struct {
	repo repository.PlantRepository
}

// NewPlantService 创建一个新的 PlantService。
func NewPlantService(repo repository.PlantRepository) PlantService {
	return &plantService{repo: repo}
}

// CreatePlant 新建一个电站。
func (s *plantService) CreatePlant(plant *model.Plant) error {
	return s.repo.Create(plant)
}

// GetPlants 返回全部电站列表。
func (s *plantService) GetPlants() ([]model.Plant, error) {
	return s.repo.FindAll()
}

// GetPlantByID 按 id 查询单个电站。
func (s *plantService) GetPlantByID(id uint) (*model.Plant, error) {
	return s.repo.FindByID(id)
}
