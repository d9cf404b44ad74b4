package handler

import (
	"net/http"
	"strconv"

	"solar-audit-go/internal/model"
	"solar-audit-go/internal/service"
	"solar-audit-go/pkg/log"

	"github.com/gin-gonic/gin"
)

// PlantHandler 负责处理电站相关的 API 请求。
type PlantHandler struct {
	plantService service.PlantService
	auditService service.AuditService
}

// NewPlantHandler 创建一个新的 PlantHandler 实例。
func NewPlantHandler(plantService service.PlantService, auditService service.AuditService) *PlantHandler {
	return &PlantHandler{plantService: plantService, auditService: auditService}
}

// CreatePlantRequest 定义了新建电站 API 的请求体结构。
type CreatePlantRequest struct {
	Name       string  `json:"name" binding:"required"`
	Location   string  `json:"location"`
	CapacityMW float64 `json:"capacityMw"`
}

// CreatePlant 处理新建电站的请求。
func (h *PlantHandler) CreatePlant(c *gin.Context) {
	var req CreatePlantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "无效的请求负载"})
		return
	}

	plant := &model.Plant{
		Name:       req.Name,
		Location:   req.Location,
		CapacityMW: req.CapacityMW,
	}
	if err := h.plantService.CreatePlant(plant); err != nil {
		log.Error("CreatePlant: 新建电站失败", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "服务器内部错误"})
		return
	}
	c.JSON(http.StatusCreated, plant)
}

// ListPlants 返回全部电站列表。
func (h *PlantHandler) ListPlants(c *gin.Context) {
	plants, err := h.plantService.GetPlants()
	if err != nil {
		log.Error("ListPlants: 查询电站列表失败", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "服务器内部错误"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"plants": plants})
}

// GetPlant 返回单个电站及其巡检列表。
func (h *PlantHandler) GetPlant(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "无效的电站 id"})
		return
	}

	plant, err := h.plantService.GetPlantByID(uint(id))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "电站不存在"})
		return
	}
	audits, err := h.auditService.GetAuditsByPlant(uint(id))
	if err != nil {
		log.Error("GetPlant: 查询巡检列表失败", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "服务器内部错误"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"plant": plant, "audits": audits})
}
