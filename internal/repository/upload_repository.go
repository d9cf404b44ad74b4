package repository

import (
	"context"

	"solar-audit-go/internal/model"

	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

// ChunkMarker 接口定义了分片到达标记的并发安全存取。
// 同一会话的分片可能被客户端并行上传，标记写入必须对并发写者安全。
type ChunkMarker interface {
	MarkChunkUploaded(ctx context.Context, sessionID string, chunkIndex int) error
	IsChunkUploaded(ctx context.Context, sessionID string, chunkIndex int) (bool, error)
	GetUploadedChunks(ctx context.Context, sessionID string, totalChunks int) ([]int, error)
	DeleteUploadMark(ctx context.Context, sessionID string) error
}

// UploadRepository 接口定义了上传落盘记录与分片标记的持久化操作。
type UploadRepository interface {
	ChunkMarker
	CreateDataUpload(record *model.DataUpload) error
	FindDataUploads(plantID, auditID uint) ([]model.DataUpload, error)
}

// uploadRepository 是 UploadRepository 接口的 GORM+Redis 实现。
// 分片标记使用 Redis bitmap：单个 SETBIT 原子写入，天然支持并行分片上传。
type uploadRepository struct {
	db          *gorm.DB
	redisClient *redis.Client
}

// NewUploadRepository 创建一个新的 UploadRepository 实例。
func NewUploadRepository(db *gorm.DB, redisClient *redis.Client) UploadRepository {
	return &uploadRepository{db: db, redisClient: redisClient}
}

// getRedisUploadKey generates the redis key for chunk marks of a session.
func (r *uploadRepository) getRedisUploadKey(sessionID string) string {
	return "upload:session:" + sessionID
}

// CreateDataUpload 在数据库中创建一条文件落盘记录。
func (r *uploadRepository) CreateDataUpload(record *model.DataUpload) error {
	return r.db.Create(record).Error
}

// FindDataUploads 按电站/巡检过滤落盘记录，两个条件均可为 0 表示不过滤。
func (r *uploadRepository) FindDataUploads(plantID, auditID uint) ([]model.DataUpload, error) {
	var records []model.DataUpload
	query := r.db.Order("uploaded_at desc")
	if plantID != 0 {
		query = query.Where("plant_id = ?", plantID)
	}
	if auditID != 0 {
		query = query.Where("audit_id = ?", auditID)
	}
	err := query.Find(&records).Error
	return records, err
}

// MarkChunkUploaded 在 Redis bitmap 中标记分片已到达。
func (r *uploadRepository) MarkChunkUploaded(ctx context.Context, sessionID string, chunkIndex int) error {
	key := r.getRedisUploadKey(sessionID)
	return r.redisClient.SetBit(ctx, key, int64(chunkIndex), 1).Err()
}

// IsChunkUploaded 检查分片是否已标记到达。
func (r *uploadRepository) IsChunkUploaded(ctx context.Context, sessionID string, chunkIndex int) (bool, error) {
	key := r.getRedisUploadKey(sessionID)
	val, err := r.redisClient.GetBit(ctx, key, int64(chunkIndex)).Result()
	if err != nil {
		// key 不存在时 Redis 返回 0 而非错误，这里只需处理真实错误。
		return false, err
	}
	return val == 1, nil
}

// GetUploadedChunks 从 Redis bitmap 解析出已到达的分片索引列表。
func (r *uploadRepository) GetUploadedChunks(ctx context.Context, sessionID string, totalChunks int) ([]int, error) {
	if totalChunks == 0 {
		return []int{}, nil
	}
	key := r.getRedisUploadKey(sessionID)
	bitmap, err := r.redisClient.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return []int{}, nil // key 不存在，尚无分片到达
		}
		return nil, err
	}

	uploaded := make([]int, 0)
	for i := 0; i < totalChunks; i++ {
		byteIndex := i / 8
		bitIndex := i % 8
		if byteIndex < len(bitmap) && (bitmap[byteIndex]>>(7-bitIndex))&1 == 1 {
			uploaded = append(uploaded, i)
		}
	}
	return uploaded, nil
}

// DeleteUploadMark 删除会话的分片标记键（合并完成或清理时调用）。
func (r *uploadRepository) DeleteUploadMark(ctx context.Context, sessionID string) error {
	key := r.getRedisUploadKey(sessionID)
	return r.redisClient.Del(ctx, key).Err()
}
