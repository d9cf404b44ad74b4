// Package config 负责加载和管理应用程序的配置。
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// 全局配置变量，存储从配置文件加载的所有设置。
var Conf Config

// Config 是整个应用程序的配置结构体，与 config.yaml 文件结构对应。
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	JWT      JWTConfig      `mapstructure:"jwt"`
	Log      LogConfig      `mapstructure:"log"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	MinIO    MinIOConfig    `mapstructure:"minio"`
	GDAL     GDALConfig     `mapstructure:"gdal"`
	Drive    DriveConfig    `mapstructure:"drive"`
	Upload   UploadConfig   `mapstructure:"upload"`
}

// ServerConfig 存储服务器相关的配置。
type ServerConfig struct {
	Port string `mapstructure:"port"`
	Mode string `mapstructure:"mode"`
}

// DatabaseConfig 存储所有数据库连接的配置。
type DatabaseConfig struct {
	MySQL MySQLConfig `mapstructure:"mysql"`
	Redis RedisConfig `mapstructure:"redis"`
}

// MySQLConfig 存储 MySQL 数据库的配置。
type MySQLConfig struct {
	DSN string `mapstructure:"dsn"`
}

// RedisConfig 存储 Redis 的配置。
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// JWTConfig 存储 JWT 相关的配置。
type JWTConfig struct {
	Secret                 string `mapstructure:"secret"`
	AccessTokenExpireHours int    `mapstructure:"access_token_expire_hours"`
	RefreshTokenExpireDays int    `mapstructure:"refresh_token_expire_days"`
}

// LogConfig 存储日志相关的配置。
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// KafkaConfig 存储 Kafka 相关的配置。
type KafkaConfig struct {
	Brokers string `mapstructure:"brokers"`
	Topic   string `mapstructure:"topic"`
}

// MinIOConfig 存储 MinIO 对象存储的配置。
type MinIOConfig struct {
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	UseSSL          bool   `mapstructure:"use_ssl"`
	BucketName      string `mapstructure:"bucket_name"`
	Region          string `mapstructure:"region"`
	// Uploader 选择上传实现："client"（SDK 直传）或 "awscli"（aws s3 cp 子进程）。
	Uploader string `mapstructure:"uploader"`
}

// GDALConfig 存储外部栅格转换工具的配置。
type GDALConfig struct {
	// TranslatePath 是 gdal_translate 可执行文件的路径，默认依赖 PATH 查找。
	TranslatePath string `mapstructure:"translate_path"`
}

// DriveConfig 存储云盘共享目录抓取相关的配置。
type DriveConfig struct {
	ListBaseURL     string        `mapstructure:"list_base_url"`
	DownloadTimeout time.Duration `mapstructure:"download_timeout"`
}

// UploadConfig 存储大文件上传管道相关的配置。
type UploadConfig struct {
	// UploadDir 是合并/直传文件的落盘目录，ChunkDir 是分片会话的暂存目录。
	UploadDir string `mapstructure:"upload_dir"`
	ChunkDir  string `mapstructure:"chunk_dir"`
	// TempDir 是管道作业独占工作目录的根目录。
	TempDir string `mapstructure:"temp_dir"`
	// BlockSize 是流式拷贝的块大小（字节），默认 8MiB。
	BlockSize int64 `mapstructure:"block_size"`
	// MaxFileSize 是单文件大小上限（字节），默认 50GiB。
	MaxFileSize int64 `mapstructure:"max_file_size"`
	// StageTimeout 是管道单阶段的时限，默认 1 小时。
	StageTimeout time.Duration `mapstructure:"stage_timeout"`
	// ProgressRetention 是进度快照的保留窗口，默认 24 小时。
	ProgressRetention time.Duration `mapstructure:"progress_retention"`
	// AllowedExtensions 是允许上传的扩展名白名单（含点号）。
	AllowedExtensions []string `mapstructure:"allowed_extensions"`
}

// Init 初始化配置加载，从指定的路径读取 YAML 文件并解析到 Conf 变量中。
func Init(configPath string) {
	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")

	viper.SetDefault("upload.block_size", 8*1024*1024)
	viper.SetDefault("upload.max_file_size", int64(50)*1024*1024*1024)
	viper.SetDefault("upload.stage_timeout", time.Hour)
	viper.SetDefault("upload.progress_retention", 24*time.Hour)
	viper.SetDefault("upload.upload_dir", "uploads_data")
	viper.SetDefault("upload.chunk_dir", "temp_chunks")
	viper.SetDefault("upload.temp_dir", "temp_jobs")
	viper.SetDefault("upload.allowed_extensions", []string{".tif", ".tiff"})
	viper.SetDefault("gdal.translate_path", "gdal_translate")
	viper.SetDefault("drive.download_timeout", 15*time.Minute)
	viper.SetDefault("minio.uploader", "client")

	if err := viper.ReadInConfig(); err != nil {
		panic(fmt.Errorf("读取配置文件失败: %w", err))
	}

	if err := viper.Unmarshal(&Conf); err != nil {
		panic(fmt.Errorf("无法将配置解析到结构体中: %w", err))
	}
}
