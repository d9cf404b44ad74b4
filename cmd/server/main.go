// Package main 是应用程序的入口点。
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"solar-audit-go/internal/config"
	"solar-audit-go/internal/handler"
	"solar-audit-go/internal/middleware"
	"solar-audit-go/internal/pipeline"
	"solar-audit-go/internal/progress"
	"solar-audit-go/internal/repository"
	"solar-audit-go/internal/service"
	"solar-audit-go/pkg/database"
	"solar-audit-go/pkg/gdal"
	"solar-audit-go/pkg/kafka"
	"solar-audit-go/pkg/log"
	"solar-audit-go/pkg/storage"
	"solar-audit-go/pkg/token"

	"github.com/gin-gonic/gin"
)

func main() {
	// 1. 初始化配置
	config.Init("./configs/config.yaml")
	cfg := config.Conf

	// 2. 初始化日志记录器
	log.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath)
	defer log.Sync()
	log.Info("日志记录器初始化成功")

	// 3. 初始化数据库、Redis、对象存储与 Kafka
	database.InitMySQL(cfg.Database.MySQL.DSN)
	database.Migrate()
	database.InitRedis(cfg.Database.Redis.Addr, cfg.Database.Redis.Password, cfg.Database.Redis.DB)
	storage.InitMinIO(cfg.MinIO)
	kafka.InitProducer(cfg.Kafka)
	defer kafka.Close()

	// 4. 初始化 Repository
	plantRepo := repository.NewPlantRepository(database.DB)
	auditRepo := repository.NewAuditRepository(database.DB)
	uploadRepo := repository.NewUploadRepository(database.DB, database.RDB)

	// 5. 初始化进度跟踪器与入库流水线
	rootCtx, cancelRoot := context.WithCancel(context.Background())
	defer cancelRoot()

	tracker := progress.NewTracker(cfg.Upload.ProgressRetention)
	tracker.StartReaper(rootCtx, time.Hour)

	var uploader storage.Uploader
	if cfg.MinIO.Uploader == "awscli" {
		uploader = storage.NewAWSCLIUploader(cfg.MinIO)
	} else {
		uploader = storage.NewMinioUploader(cfg.MinIO)
	}
	converter := gdal.NewTranslator(cfg.GDAL.TranslatePath)
	orchestrator := pipeline.NewOrchestrator(cfg.Upload, tracker, auditRepo, converter, uploader)

	// 6. 初始化 Service (依赖注入)
	jwtManager := token.NewJWTManager(cfg.JWT.Secret, cfg.JWT.AccessTokenExpireHours, cfg.JWT.RefreshTokenExpireDays)
	plantService := service.NewPlantService(plantRepo)
	auditService := service.NewAuditService(auditRepo, plantRepo, cfg.MinIO)
	uploadService := service.NewUploadService(cfg.Upload, cfg.Drive, uploadRepo, auditRepo, tracker, orchestrator)

	// 7. 周期清理超龄未合并的分片会话
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-rootCtx.Done():
				return
			case <-ticker.C:
				uploadService.SweepStaleSessions(cfg.Upload.ProgressRetention)
			}
		}
	}()

	// 8. 设置 Gin 模式并创建路由引擎
	gin.SetMode(cfg.Server.Mode)
	r := gin.New()
	r.Use(middleware.RequestLogger(), gin.Recovery())

	plantHandler := handler.NewPlantHandler(plantService, auditService)
	auditHandler := handler.NewAuditHandler(auditService)
	uploadHandler := handler.NewUploadHandler(uploadService, tracker)

	// 9. 注册路由
	apiV1 := r.Group("/api/v1")
	{
		// Plant / Audit 路由组，需要认证
		plants := apiV1.Group("/plants")
		plants.Use(middleware.AuthMiddleware(jwtManager))
		{
			plants.POST("", plantHandler.CreatePlant)
			plants.GET("", plantHandler.ListPlants)
			plants.GET("/:id", plantHandler.GetPlant)
		}

		audits := apiV1.Group("/audits")
		audits.Use(middleware.AuthMiddleware(jwtManager))
		{
			audits.POST("", auditHandler.CreateAudit)
			audits.GET("/:id", auditHandler.GetAudit)
		}

		// Upload 路由组，需要认证
		upload := apiV1.Group("/upload")
		upload.Use(middleware.AuthMiddleware(jwtManager))
		{
			upload.POST("/init", uploadHandler.InitUpload)
			upload.POST("/chunk", uploadHandler.UploadChunk)
			upload.POST("/finalize", uploadHandler.FinalizeUpload)
			upload.GET("/status", uploadHandler.SessionStatus)
			upload.DELETE("/abort", uploadHandler.AbortUpload)

			upload.POST("", uploadHandler.DirectUpload)
			upload.POST("/remote", uploadHandler.RemoteUpload)
			upload.GET("/progress/:jobId", uploadHandler.JobProgress)
			upload.GET("/progress-ws/:jobId", uploadHandler.JobProgressWS)
		}

		// 数据页面
		data := apiV1.Group("/data")
		data.Use(middleware.AuthMiddleware(jwtManager))
		{
			data.GET("/uploads", uploadHandler.ListDataUploads)
		}

		// 仪表盘
		dashboard := apiV1.Group("/dashboard")
		dashboard.Use(middleware.AuthMiddleware(jwtManager))
		{
			dashboard.GET("/stats", auditHandler.DashboardStats)
		}

		// 管理员路由组，需要同时通过认证和管理员授权两个中间件
		admin := apiV1.Group("/admin")
		admin.Use(middleware.AuthMiddleware(jwtManager), middleware.AdminAuthMiddleware())
		{
			admin.PUT("/uploads/status", auditHandler.OverwriteUploadStatus)
		}
	}

	// 启动 HTTP 服务器并实现优雅停机
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: r,
	}

	go func() {
		log.Infof("服务启动于 %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP 服务监听失败: %s\n", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("接收到停机信号，正在关闭服务...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("HTTP 服务器关闭失败: %v", err)
	}
	log.Info("服务已优雅关闭")
}
