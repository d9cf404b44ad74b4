package service

import (
	"bytes"
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"solar-audit-go/internal/config"
	"solar-audit-go/internal/model"
	"solar-audit-go/internal/pipeline"
	"solar-audit-go/internal/progress"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memUploadRepo 是 UploadRepository 的内存实现，分片标记用 map 代替 Redis bitmap。
type memUploadRepo struct {
	mu      sync.Mutex
	marks   map[string]map[int]bool
	records []model.DataUpload
}

func newMemUploadRepo() *memUploadRepo {
	return &memUploadRepo{marks: make(map[string]map[int]bool)}
}

func (m *memUploadRepo) MarkChunkUploaded(ctx context.Context, sessionID string, chunkIndex int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.marks[sessionID] == nil {
		m.marks[sessionID] = make(map[int]bool)
	}
	m.marks[sessionID][chunkIndex] = true
	return nil
}

func (m *memUploadRepo) IsChunkUploaded(ctx context.Context, sessionID string, chunkIndex int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.marks[sessionID][chunkIndex], nil
}

func (m *memUploadRepo) GetUploadedChunks(ctx context.Context, sessionID string, totalChunks int) ([]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	indexes := make([]int, 0)
	for i := 0; i < totalChunks; i++ {
		if m.marks[sessionID][i] {
			indexes = append(indexes, i)
		}
	}
	return indexes, nil
}

func (m *memUploadRepo) DeleteUploadMark(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.marks, sessionID)
	return nil
}

func (m *memUploadRepo) CreateDataUpload(record *model.DataUpload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, *record)
	return nil
}

func (m *memUploadRepo) FindDataUploads(plantID, auditID uint) ([]model.DataUpload, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.DataUpload, len(m.records))
	copy(out, m.records)
	return out, nil
}

// memAuditRepo 对任何巡检 id 返回挂在电站 1 下的巡检。
type memAuditRepo struct {
	mu            sync.Mutex
	statusChanges []string
}

func (m *memAuditRepo) CreateAudit(*model.Audit) error { return nil }
func (m *memAuditRepo) FindAuditByID(id uint) (*model.Audit, error) {
	return &model.Audit{ID: id, PlantID: 1}, nil
}
func (m *memAuditRepo) FindAuditsByPlant(uint) ([]model.Audit, error) { return nil, nil }
func (m *memAuditRepo) CountAudits() (int64, error)                   { return 0, nil }
func (m *memAuditRepo) CountUploadsByStatus(string) (int64, error)    { return 0, nil }
func (m *memAuditRepo) FindUploadEntries(uint) ([]model.AuditUpload, error) {
	return nil, nil
}
func (m *memAuditRepo) FindUploadEntry(uint, string) (*model.AuditUpload, error) {
	return &model.AuditUpload{}, nil
}
func (m *memAuditRepo) UpsertUploadEntry(entry *model.AuditUpload) (*model.AuditUpload, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statusChanges = append(m.statusChanges, entry.Status)
	return entry, nil
}
func (m *memAuditRepo) UpdateUploadStatus(auditID uint, storageKey, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statusChanges = append(m.statusChanges, status)
	return nil
}
func (m *memAuditRepo) MarkUploadCompleted(uint, string, time.Time, int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statusChanges = append(m.statusChanges, model.UploadStatusCompleted)
	return nil
}

// copyConverter 把输入原样拷贝为输出。
type copyConverter struct{}

func (copyConverter) Convert(ctx context.Context, inputPath, outputPath string) error {
	data, err := os.ReadFile(inputPath)
	if err != nil {
		return err
	}
	return os.WriteFile(outputPath, data, 0o644)
}

// memUploader 记录上传内容，供断言合并结果。
type memUploader struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemUploader() *memUploader {
	return &memUploader{objects: make(map[string][]byte)}
}

func (m *memUploader) Upload(ctx context.Context, localPath, key string) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.objects[key] = data
	m.mu.Unlock()
	return nil
}

func (m *memUploader) Location(key string) string { return "http://minio/solar-audits/" + key }

func (m *memUploader) object(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	return data, ok
}

const testBlockSize = 1024 * 1024

type uploadFixture struct {
	cfg      config.UploadConfig
	svc      UploadService
	tracker  *progress.Tracker
	uploader *memUploader
	repo     *memUploadRepo
}

func newUploadFixture(t *testing.T) *uploadFixture {
	return newUploadFixtureWithBlockSize(t, testBlockSize)
}

func newUploadFixtureWithBlockSize(t *testing.T, blockSize int64) *uploadFixture {
	t.Helper()
	cfg := config.UploadConfig{
		UploadDir:         t.TempDir(),
		ChunkDir:          t.TempDir(),
		TempDir:           t.TempDir(),
		BlockSize:         blockSize,
		MaxFileSize:       64 * 1024 * 1024,
		StageTimeout:      time.Minute,
		ProgressRetention: time.Hour,
		AllowedExtensions: []string{".tif", ".tiff"},
	}
	tracker := progress.NewTracker(time.Hour)
	uploader := newMemUploader()
	repo := newMemUploadRepo()
	orch := pipeline.NewOrchestrator(cfg, tracker, &memAuditRepo{}, copyConverter{}, uploader)
	svc := NewUploadService(cfg, config.DriveConfig{}, repo, &memAuditRepo{}, tracker, orch)
	return &uploadFixture{cfg: cfg, svc: svc, tracker: tracker, uploader: uploader, repo: repo}
}

func waitJob(t *testing.T, tracker *progress.Tracker, jobID string) progress.Snapshot {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		snap, ok := tracker.Snapshot(jobID)
		require.True(t, ok)
		if snap.Terminal() {
			return snap
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("作业未在期限内进入终态")
	return progress.Snapshot{}
}

func chunkPattern(index int, size int) []byte {
	chunk := bytes.Repeat([]byte{byte('a' + index)}, size)
	return chunk
}

func TestChunkUploadEndToEnd(t *testing.T) {
	f := newUploadFixture(t)
	ctx := context.Background()

	// 1MiB + 1MiB + 0.5MiB
	chunks := [][]byte{
		chunkPattern(0, testBlockSize),
		chunkPattern(1, testBlockSize),
		chunkPattern(2, testBlockSize/2),
	}
	var want []byte
	var totalSize int64
	for _, c := range chunks {
		want = append(want, c...)
		totalSize += int64(len(c))
	}

	status, err := f.svc.InitChunkSession(ctx, InitSessionRequest{
		FileName:    "ortho.tif",
		TotalSize:   totalSize,
		TotalChunks: len(chunks),
		PlantID:     1,
		AuditID:     2,
		Category:    model.CategoryThermalOrtho,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, status.TotalChunks)
	assert.Empty(t, status.UploadedChunks)

	// 乱序上传
	for _, i := range []int{2, 0, 1} {
		status, err = f.svc.PutChunk(ctx, status.UploadID, i, bytes.NewReader(chunks[i]))
		require.NoError(t, err)
	}
	assert.Equal(t, []int{0, 1, 2}, status.UploadedChunks)

	jobID, err := f.svc.FinalizeSession(ctx, status.UploadID, 42)
	require.NoError(t, err)

	snap := waitJob(t, f.tracker, jobID)
	require.Equal(t, progress.StatusCompleted, snap.Status)

	got, ok := f.uploader.object("audits/1/2/thermal_ortho/ortho.tif")
	require.True(t, ok)
	assert.Equal(t, want, got, "合并产物必须按分片序号拼接")

	records, err := f.svc.ListDataUploads(1, 2)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "chunked", records[0].UploadMethod)
	assert.Equal(t, uint(42), records[0].UploadedBy)
}

func TestFinalizeRejectsMissingChunks(t *testing.T) {
	f := newUploadFixture(t)
	ctx := context.Background()

	status, err := f.svc.InitChunkSession(ctx, InitSessionRequest{
		FileName:    "partial.tif",
		TotalSize:   int64(testBlockSize * 3),
		TotalChunks: 3,
		PlantID:     1,
		AuditID:     2,
		Category:    model.CategoryVisualOrtho,
	})
	require.NoError(t, err)

	// 缺第 1 片
	_, err = f.svc.PutChunk(ctx, status.UploadID, 0, bytes.NewReader(chunkPattern(0, testBlockSize)))
	require.NoError(t, err)
	_, err = f.svc.PutChunk(ctx, status.UploadID, 2, bytes.NewReader(chunkPattern(2, testBlockSize)))
	require.NoError(t, err)

	_, err = f.svc.FinalizeSession(ctx, status.UploadID, 0)
	var incomplete *pipeline.IncompleteUploadError
	require.ErrorAs(t, err, &incomplete)
	assert.Equal(t, 3, incomplete.Expected)
	assert.Equal(t, []int{1}, incomplete.Missing)

	// 补上缺失分片后可以合并
	_, err = f.svc.PutChunk(ctx, status.UploadID, 1, bytes.NewReader(chunkPattern(1, testBlockSize)))
	require.NoError(t, err)
	jobID, err := f.svc.FinalizeSession(ctx, status.UploadID, 0)
	require.NoError(t, err)
	waitJob(t, f.tracker, jobID)
}

func TestPutChunkIsIdempotent(t *testing.T) {
	f := newUploadFixture(t)
	ctx := context.Background()

	status, err := f.svc.InitChunkSession(ctx, InitSessionRequest{
		FileName:    "dup.tif",
		TotalSize:   int64(testBlockSize),
		TotalChunks: 1,
		PlantID:     1,
		AuditID:     1,
		Category:    model.CategoryThermalOrtho,
	})
	require.NoError(t, err)

	chunk := chunkPattern(0, testBlockSize)
	_, err = f.svc.PutChunk(ctx, status.UploadID, 0, bytes.NewReader(chunk))
	require.NoError(t, err)

	// 重传同一分片不报错也不重复计数
	repeat, err := f.svc.PutChunk(ctx, status.UploadID, 0, bytes.NewReader(chunk))
	require.NoError(t, err)
	assert.Equal(t, []int{0}, repeat.UploadedChunks)
}

func TestPutChunkRejectsOutOfRangeIndex(t *testing.T) {
	f := newUploadFixture(t)
	ctx := context.Background()

	status, err := f.svc.InitChunkSession(ctx, InitSessionRequest{
		FileName:    "r.tif",
		TotalSize:   int64(testBlockSize),
		TotalChunks: 1,
		PlantID:     1,
		AuditID:     1,
		Category:    model.CategoryThermalOrtho,
	})
	require.NoError(t, err)

	_, err = f.svc.PutChunk(ctx, status.UploadID, 5, bytes.NewReader([]byte("x")))
	var ve *pipeline.ValidationError
	assert.ErrorAs(t, err, &ve)
}

func TestInitChunkSessionValidation(t *testing.T) {
	f := newUploadFixture(t)
	ctx := context.Background()

	cases := []struct {
		name string
		req  InitSessionRequest
	}{
		{"扩展名不在白名单", InitSessionRequest{FileName: "a.png", TotalSize: 10, TotalChunks: 1, PlantID: 1, AuditID: 1, Category: model.CategoryThermalOrtho}},
		{"文件名带路径", InitSessionRequest{FileName: "../a.tif", TotalSize: 10, TotalChunks: 1, PlantID: 1, AuditID: 1, Category: model.CategoryThermalOrtho}},
		{"非法类别", InitSessionRequest{FileName: "a.tif", TotalSize: 10, TotalChunks: 1, PlantID: 1, AuditID: 1, Category: "rgb"}},
		{"大小为零", InitSessionRequest{FileName: "a.tif", TotalSize: 0, TotalChunks: 1, PlantID: 1, AuditID: 1, Category: model.CategoryThermalOrtho}},
		{"分片数为零", InitSessionRequest{FileName: "a.tif", TotalSize: 10, TotalChunks: 0, PlantID: 1, AuditID: 1, Category: model.CategoryThermalOrtho}},
		{"分片数超过字节数", InitSessionRequest{FileName: "a.tif", TotalSize: 2, TotalChunks: 3, PlantID: 1, AuditID: 1, Category: model.CategoryThermalOrtho}},
		{"超出大小上限", InitSessionRequest{FileName: "a.tif", TotalSize: 1 << 40, TotalChunks: 1, PlantID: 1, AuditID: 1, Category: model.CategoryThermalOrtho}},
		{"电站与巡检不匹配", InitSessionRequest{FileName: "a.tif", TotalSize: 10, TotalChunks: 1, PlantID: 9, AuditID: 1, Category: model.CategoryThermalOrtho}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.InitChunkSession(ctx, tc.req)
			var ve *pipeline.ValidationError
			assert.ErrorAs(t, err, &ve)
		})
	}
}

func TestSessionStatusUnknownSession(t *testing.T) {
	f := newUploadFixture(t)
	_, err := f.svc.SessionStatus(context.Background(), "no-such-session")
	var ve *pipeline.ValidationError
	assert.ErrorAs(t, err, &ve)
}

func TestSweepStaleSessions(t *testing.T) {
	f := newUploadFixture(t)
	ctx := context.Background()

	status, err := f.svc.InitChunkSession(ctx, InitSessionRequest{
		FileName:    "stale.tif",
		TotalSize:   int64(testBlockSize),
		TotalChunks: 1,
		PlantID:     1,
		AuditID:     1,
		Category:    model.CategoryThermalOrtho,
	})
	require.NoError(t, err)

	// maxAge 为 0 时所有未合并会话都算过期
	f.svc.SweepStaleSessions(0)

	_, err = f.svc.SessionStatus(ctx, status.UploadID)
	var ve *pipeline.ValidationError
	assert.ErrorAs(t, err, &ve)
}

func TestDirectUploadDrainsBodyBeforeReturn(t *testing.T) {
	f := newUploadFixture(t)
	ctx := context.Background()

	payload := chunkPattern(0, testBlockSize/2)
	jobID, err := f.svc.DirectUpload(ctx, InitSessionRequest{
		FileName:  "direct.tif",
		TotalSize: int64(len(payload)),
		PlantID:   1,
		AuditID:   3,
		Category:  model.CategoryThermalOrtho,
	}, bytes.NewReader(payload), 7)
	require.NoError(t, err)

	snap := waitJob(t, f.tracker, jobID)
	require.Equal(t, progress.StatusCompleted, snap.Status)

	got, ok := f.uploader.object("audits/1/3/thermal_ortho/direct.tif")
	require.True(t, ok)
	assert.Equal(t, payload, got)
}

// 分片粒度由客户端声明：即便服务端块大小远大于客户端分片，
// 会话也要按客户端声明的分片数工作。
func TestInitChunkSessionHonorsClientChunkCount(t *testing.T) {
	f := newUploadFixtureWithBlockSize(t, 8*1024*1024)
	ctx := context.Background()

	// 2.5MiB 分三片上传（1MiB + 1MiB + 0.5MiB）
	chunks := [][]byte{
		chunkPattern(0, testBlockSize),
		chunkPattern(1, testBlockSize),
		chunkPattern(2, testBlockSize/2),
	}
	var want []byte
	var totalSize int64
	for _, c := range chunks {
		want = append(want, c...)
		totalSize += int64(len(c))
	}

	status, err := f.svc.InitChunkSession(ctx, InitSessionRequest{
		FileName:    "fine.tif",
		TotalSize:   totalSize,
		TotalChunks: 3,
		PlantID:     1,
		AuditID:     4,
		Category:    model.CategoryThermalOrtho,
	})
	require.NoError(t, err)
	require.Equal(t, 3, status.TotalChunks)

	for i, chunk := range chunks {
		_, err = f.svc.PutChunk(ctx, status.UploadID, i, bytes.NewReader(chunk))
		require.NoError(t, err)
	}

	jobID, err := f.svc.FinalizeSession(ctx, status.UploadID, 0)
	require.NoError(t, err)
	snap := waitJob(t, f.tracker, jobID)
	require.Equal(t, progress.StatusCompleted, snap.Status)

	got, ok := f.uploader.object("audits/1/4/thermal_ortho/fine.tif")
	require.True(t, ok)
	assert.Equal(t, want, got)
}

// failingReader 在吐出 payload 后返回错误，模拟客户端中途断开。
type failingReader struct {
	payload *bytes.Reader
}

func (r *failingReader) Read(p []byte) (int, error) {
	if r.payload.Len() > 0 {
		return r.payload.Read(p)
	}
	return 0, errors.New("connection reset")
}

func TestDirectUploadCleansUpOnStreamError(t *testing.T) {
	f := newUploadFixture(t)
	ctx := context.Background()

	body := &failingReader{payload: bytes.NewReader(chunkPattern(0, 2048))}
	_, err := f.svc.DirectUpload(ctx, InitSessionRequest{
		FileName:  "broken.tif",
		TotalSize: 0,
		PlantID:   1,
		AuditID:   1,
		Category:  model.CategoryThermalOrtho,
	}, body, 0)
	require.Error(t, err)

	// 落盘目录是长期存在的，中断的直传不能在里面留下半截文件
	entries, readErr := os.ReadDir(f.cfg.UploadDir)
	require.NoError(t, readErr)
	assert.Empty(t, entries)
}

func TestDirectUploadTracksReceiveProgress(t *testing.T) {
	f := newUploadFixture(t)
	ctx := context.Background()

	payload := chunkPattern(0, testBlockSize/4)
	jobID, err := f.svc.DirectUpload(ctx, InitSessionRequest{
		FileName:  "tracked.tif",
		TotalSize: int64(len(payload)),
		PlantID:   1,
		AuditID:   5,
		Category:  model.CategoryThermalOrtho,
	}, bytes.NewReader(payload), 0)
	require.NoError(t, err)

	// 接收阶段就建好了进度条目，提交后流水线沿用同一条目
	snap, ok := f.tracker.Snapshot(jobID)
	require.True(t, ok)
	assert.GreaterOrEqual(t, snap.BytesUploaded, int64(len(payload)))

	final := waitJob(t, f.tracker, jobID)
	require.Equal(t, progress.StatusCompleted, final.Status)
	assert.Equal(t, int64(len(payload)), final.BytesUploaded)
}

func TestDirectUploadRejectsSizeMismatch(t *testing.T) {
	f := newUploadFixture(t)
	ctx := context.Background()

	payload := []byte("short")
	_, err := f.svc.DirectUpload(ctx, InitSessionRequest{
		FileName:  "m.tif",
		TotalSize: 999,
		PlantID:   1,
		AuditID:   1,
		Category:  model.CategoryThermalOrtho,
	}, bytes.NewReader(payload), 0)
	var ve *pipeline.ValidationError
	assert.ErrorAs(t, err, &ve)
}
