package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"solar-audit-go/internal/config"
	"solar-audit-go/internal/model"
	"solar-audit-go/internal/progress"
	"solar-audit-go/pkg/gdal"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAuditRepo 只记录上传条目的状态流转。
type fakeAuditRepo struct {
	mu            sync.Mutex
	statusChanges []string
	completed     int
	upserts       int
}

func (f *fakeAuditRepo) CreateAudit(*model.Audit) error                  { return nil }
func (f *fakeAuditRepo) FindAuditByID(uint) (*model.Audit, error)        { return &model.Audit{}, nil }
func (f *fakeAuditRepo) FindAuditsByPlant(uint) ([]model.Audit, error)   { return nil, nil }
func (f *fakeAuditRepo) CountAudits() (int64, error)                     { return 0, nil }
func (f *fakeAuditRepo) CountUploadsByStatus(string) (int64, error)      { return 0, nil }
func (f *fakeAuditRepo) FindUploadEntries(uint) ([]model.AuditUpload, error) {
	return nil, nil
}
func (f *fakeAuditRepo) FindUploadEntry(uint, string) (*model.AuditUpload, error) {
	return &model.AuditUpload{}, nil
}

func (f *fakeAuditRepo) UpsertUploadEntry(entry *model.AuditUpload) (*model.AuditUpload, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts++
	f.statusChanges = append(f.statusChanges, entry.Status)
	return entry, nil
}

func (f *fakeAuditRepo) UpdateUploadStatus(auditID uint, storageKey, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusChanges = append(f.statusChanges, status)
	return nil
}

func (f *fakeAuditRepo) MarkUploadCompleted(auditID uint, storageKey string, completedAt time.Time, totalSize int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed++
	f.statusChanges = append(f.statusChanges, model.UploadStatusCompleted)
	return nil
}

func (f *fakeAuditRepo) changes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.statusChanges))
	copy(out, f.statusChanges)
	return out
}

// fakeConverter 把输入文件原样拷贝为输出，或按需失败。
type fakeConverter struct {
	fail bool
}

func (f *fakeConverter) Convert(ctx context.Context, inputPath, outputPath string) error {
	if f.fail {
		return &gdal.ExitError{ExitCode: 1, Output: "ERROR 1: not a supported raster"}
	}
	data, err := os.ReadFile(inputPath)
	if err != nil {
		return err
	}
	return os.WriteFile(outputPath, data, 0o644)
}

// fakeUploader 记录上传到的对象键。
type fakeUploader struct {
	mu   sync.Mutex
	keys []string
	err  error
}

func (f *fakeUploader) Upload(ctx context.Context, localPath, key string) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	f.keys = append(f.keys, key)
	f.mu.Unlock()
	return nil
}

func (f *fakeUploader) Location(key string) string { return "http://minio/solar-audits/" + key }

// blockingSource 卡在取源阶段直到 release 关闭，用于并发测试。
type blockingSource struct {
	release chan struct{}
}

func (b *blockingSource) Fetch(ctx context.Context, destDir string, job *progress.Job) (string, int64, error) {
	select {
	case <-b.release:
	case <-ctx.Done():
		return "", 0, ctx.Err()
	}
	path := filepath.Join(destDir, "blocked.tif")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		return "", 0, err
	}
	return path, 1, nil
}

func testUploadCfg(t *testing.T) config.UploadConfig {
	t.Helper()
	return config.UploadConfig{
		UploadDir:    t.TempDir(),
		ChunkDir:     t.TempDir(),
		TempDir:      t.TempDir(),
		BlockSize:    8 * 1024 * 1024,
		MaxFileSize:  50 * 1024 * 1024 * 1024,
		StageTimeout: time.Minute,
	}
}

func waitTerminal(t *testing.T, tracker *progress.Tracker, jobID string) progress.Snapshot {
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

func stageFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestOrchestratorHappyPath(t *testing.T) {
	cfg := testUploadCfg(t)
	tracker := progress.NewTracker(time.Hour)
	repo := &fakeAuditRepo{}
	uploader := &fakeUploader{}
	orch := NewOrchestrator(cfg, tracker, repo, &fakeConverter{}, uploader)

	src := stageFile(t, t.TempDir(), "ortho.tif", "tif-bytes")
	_, err := orch.Submit(JobRequest{
		JobID:    "job-ok",
		PlantID:  3,
		AuditID:  7,
		Category: model.CategoryThermalOrtho,
		FileName: "ortho.tif",
		Source:   NewFileSource(src),
	})
	require.NoError(t, err)

	snap := waitTerminal(t, tracker, "job-ok")
	assert.Equal(t, progress.StatusCompleted, snap.Status)
	assert.Equal(t, "http://minio/solar-audits/audits/3/7/thermal_ortho/ortho.tif", snap.FinalLocation)

	assert.Equal(t, []string{"audits/3/7/thermal_ortho/ortho.tif"}, uploader.keys)
	assert.Equal(t, []string{model.UploadStatusInProgress, model.UploadStatusCompleted}, repo.changes())

	// 工作目录整体删除
	_, statErr := os.Stat(filepath.Join(cfg.TempDir, "job-ok"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestOrchestratorConversionFailure(t *testing.T) {
	cfg := testUploadCfg(t)
	tracker := progress.NewTracker(time.Hour)
	repo := &fakeAuditRepo{}
	orch := NewOrchestrator(cfg, tracker, repo, &fakeConverter{fail: true}, &fakeUploader{})

	src := stageFile(t, t.TempDir(), "bad.tif", "not-a-tif")
	_, err := orch.Submit(JobRequest{
		JobID:    "job-fail",
		PlantID:  1,
		AuditID:  2,
		Category: model.CategoryVisualOrtho,
		FileName: "bad.tif",
		Source:   NewFileSource(src),
	})
	require.NoError(t, err)

	snap := waitTerminal(t, tracker, "job-fail")
	assert.Equal(t, progress.StatusFailed, snap.Status)
	assert.Contains(t, snap.Error, "退出码")

	// 失败只回写一次 Failed，且不会停留在 In Progress
	assert.Equal(t, []string{model.UploadStatusInProgress, model.UploadStatusFailed}, repo.changes())
	assert.Equal(t, 0, repo.completed)

	_, statErr := os.Stat(filepath.Join(cfg.TempDir, "job-fail"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestOrchestratorUploadFailure(t *testing.T) {
	cfg := testUploadCfg(t)
	tracker := progress.NewTracker(time.Hour)
	repo := &fakeAuditRepo{}
	uploader := &fakeUploader{err: os.ErrPermission}
	orch := NewOrchestrator(cfg, tracker, repo, &fakeConverter{}, uploader)

	src := stageFile(t, t.TempDir(), "a.tif", "bytes")
	_, err := orch.Submit(JobRequest{
		JobID:    "job-upload-fail",
		PlantID:  1,
		AuditID:  1,
		Category: model.CategoryThermalOrtho,
		FileName: "a.tif",
		Source:   NewFileSource(src),
	})
	require.NoError(t, err)

	snap := waitTerminal(t, tracker, "job-upload-fail")
	assert.Equal(t, progress.StatusFailed, snap.Status)
	assert.Equal(t, []string{model.UploadStatusInProgress, model.UploadStatusFailed}, repo.changes())
}

func TestOrchestratorRejectsConcurrentDuplicate(t *testing.T) {
	cfg := testUploadCfg(t)
	tracker := progress.NewTracker(time.Hour)
	repo := &fakeAuditRepo{}
	orch := NewOrchestrator(cfg, tracker, repo, &fakeConverter{}, &fakeUploader{})

	blocker := &blockingSource{release: make(chan struct{})}
	req := JobRequest{
		JobID:    "job-a",
		PlantID:  1,
		AuditID:  9,
		Category: model.CategoryThermalOrtho,
		FileName: "same.tif",
		Source:   blocker,
	}
	_, err := orch.Submit(req)
	require.NoError(t, err)

	// 同一 (巡检, 目标键) 的并发提交被拒绝，错误指回进行中的作业
	dup := req
	dup.JobID = "job-b"
	_, err = orch.Submit(dup)
	assert.ErrorIs(t, err, ErrJobConflict)
	var conflict *JobConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "job-a", conflict.ExistingJobID)

	// 不同文件名落到不同目标键，互不冲突
	other := req
	other.JobID = "job-c"
	other.FileName = "other.tif"
	other.Source = NewFileSource(stageFile(t, t.TempDir(), "other.tif", "x"))
	_, err = orch.Submit(other)
	assert.NoError(t, err)

	close(blocker.release)
	waitTerminal(t, tracker, "job-a")

	// 首个作业结束后同一目标键可以重新提交
	retry := req
	retry.JobID = "job-d"
	retry.Source = NewFileSource(stageFile(t, t.TempDir(), "same.tif", "x"))
	_, err = orch.Submit(retry)
	assert.NoError(t, err)
	waitTerminal(t, tracker, "job-d")
}

func TestOrchestratorRejectsOversizeSource(t *testing.T) {
	cfg := testUploadCfg(t)
	cfg.MaxFileSize = 4
	tracker := progress.NewTracker(time.Hour)
	repo := &fakeAuditRepo{}
	orch := NewOrchestrator(cfg, tracker, repo, &fakeConverter{}, &fakeUploader{})

	src := stageFile(t, t.TempDir(), "big.tif", "more-than-four-bytes")
	_, err := orch.Submit(JobRequest{
		JobID:    "job-big",
		PlantID:  1,
		AuditID:  1,
		Category: model.CategoryThermalOrtho,
		FileName: "big.tif",
		Source:   NewFileSource(src),
	})
	require.NoError(t, err)

	snap := waitTerminal(t, tracker, "job-big")
	assert.Equal(t, progress.StatusFailed, snap.Status)
}
