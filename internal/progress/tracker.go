// Package progress 提供上传作业的内存进度跟踪。
// Tracker 在服务启动时创建、随服务关闭销毁，作业条目只通过它读写。
package progress

import (
	"context"
	"math"
	"sync"
	"time"

	"solar-audit-go/pkg/log"

	"github.com/docker/go-units"
)

// 作业的终态/非终态状态字符串。
const (
	StatusInitializing = "initializing"
	StatusRunning      = "running"
	StatusCompleted    = "completed"
	StatusFailed       = "failed"
)

// Snapshot 是某一时刻作业进度的只读视图，按需从计数器计算得出。
type Snapshot struct {
	UploadID       string  `json:"upload_id"`
	Filename       string  `json:"filename"`
	Status         string  `json:"status"`
	Stage          string  `json:"stage"`
	Message        string  `json:"message,omitempty"`
	Progress       float64 `json:"progress_percentage"`
	BytesUploaded  int64   `json:"bytes_uploaded"`
	TotalSize      int64   `json:"total_size"`
	HumanSize      string  `json:"human_size"`
	SpeedMBps      float64 `json:"upload_speed_mbps"`
	HumanSpeed     string  `json:"human_speed"`
	ElapsedSeconds float64 `json:"elapsed_time"`
	ETASeconds     float64 `json:"eta_seconds"`
	FinalLocation  string  `json:"final_location,omitempty"`
	Error          string  `json:"error,omitempty"`
}

// Terminal 判断快照是否已进入终态。
func (s Snapshot) Terminal() bool {
	return s.Status == StatusCompleted || s.Status == StatusFailed
}

// Job 是单个上传作业的可变进度记录。终态（completed/failed）一旦写入即冻结：
// 迟到的 Advance/SetStage 回调全部丢弃，避免失败之后又被进度回调覆盖。
type Job struct {
	mu            sync.Mutex
	id            string
	filename      string
	totalSize     int64
	bytesDone     int64
	stage         string
	message       string
	status        string
	errText       string
	finalLocation string
	startTime     time.Time
}

// Tracker 持有全部进行中作业的并发安全映射。
type Tracker struct {
	mu        sync.RWMutex
	jobs      map[string]*Job
	retention time.Duration
	now       func() time.Time
}

// NewTracker 创建进度跟踪器。retention 是快照保留窗口，超龄条目由 Reaper 清理。
func NewTracker(retention time.Duration) *Tracker {
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &Tracker{
		jobs:      make(map[string]*Job),
		retention: retention,
		now:       time.Now,
	}
}

// Create 为作业创建进度条目并登记到映射中。totalSize 允许为 0（远程抓取场景，
// 大小在下载完成后通过 SetTotalSize 回填）。
func (t *Tracker) Create(jobID, filename string, totalSize int64) *Job {
	j := &Job{
		id:        jobID,
		filename:  filename,
		totalSize: totalSize,
		stage:     "preparing",
		status:    StatusInitializing,
		startTime: t.now(),
	}
	t.mu.Lock()
	t.jobs[jobID] = j
	t.mu.Unlock()
	log.Infof("[Tracker] 创建进度条目, uploadID: %s, 文件: %s, 总大小: %d", jobID, filename, totalSize)
	return j
}

// Ensure 返回作业的既有进度条目，不存在或已进入终态时新建。
// 直传在受理阶段就建好条目，流水线接手后沿用同一条目，接收进度不被清零。
func (t *Tracker) Ensure(jobID, filename string, totalSize int64) *Job {
	t.mu.RLock()
	j, ok := t.jobs[jobID]
	t.mu.RUnlock()
	if ok && !j.Snapshot().Terminal() {
		j.SetTotalSize(totalSize)
		return j
	}
	return t.Create(jobID, filename, totalSize)
}

// Get 返回作业的进度句柄。
func (t *Tracker) Get(jobID string) (*Job, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	j, ok := t.jobs[jobID]
	return j, ok
}

// Snapshot 返回作业的当前进度快照；作业不存在时 ok 为 false。
func (t *Tracker) Snapshot(jobID string) (Snapshot, bool) {
	j, ok := t.Get(jobID)
	if !ok {
		return Snapshot{}, false
	}
	return j.Snapshot(), true
}

// StartReaper 启动后台清理协程：每隔 interval 清理一轮超过保留窗口的条目。
// 清理与作业结局无关，失败与成功的快照到期同样删除。
func (t *Tracker) StartReaper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				t.reap()
			}
		}
	}()
}

func (t *Tracker) reap() {
	cutoff := t.now().Add(-t.retention)
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, j := range t.jobs {
		j.mu.Lock()
		started := j.startTime
		j.mu.Unlock()
		if started.Before(cutoff) {
			delete(t.jobs, id)
			log.Infof("[Tracker] 清理过期进度条目: %s", id)
		}
	}
}

// Advance 推进作业的已传输字节数并更新阶段。终态后的调用为 no-op；
// 字节数回退（乱序到达的旧回调）同样被忽略，保证快照单调不减。
func (j *Job) Advance(bytesDone int64, stage string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.terminalLocked() {
		return
	}
	if bytesDone < j.bytesDone {
		return
	}
	j.bytesDone = bytesDone
	if stage != "" {
		j.stage = stage
	}
	j.status = StatusRunning
}

// SetStage 更新作业所处阶段与人类可读消息，终态后为 no-op。
func (j *Job) SetStage(stage, message string) {
	j.mu.Lock()
	if j.terminalLocked() {
		j.mu.Unlock()
		return
	}
	j.stage = stage
	j.message = message
	j.status = StatusRunning
	j.mu.Unlock()
	log.Infof("[Tracker] 阶段切换, uploadID: %s, 文件: %s, 阶段: %s, %s", j.id, j.filename, stage, message)
}

// SetTotalSize 回填作业的总大小（远程抓取场景在下载后才得知真实大小）。
func (j *Job) SetTotalSize(n int64) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.terminalLocked() || n <= 0 {
		return
	}
	j.totalSize = n
}

// Complete 将作业标记为成功终态并记录最终位置。
func (j *Job) Complete(finalLocation string) {
	j.mu.Lock()
	if j.terminalLocked() {
		j.mu.Unlock()
		return
	}
	j.status = StatusCompleted
	j.stage = "completed"
	j.finalLocation = finalLocation
	if j.totalSize > 0 {
		j.bytesDone = j.totalSize
	}
	j.mu.Unlock()
	log.Infof("[Tracker] 上传完成, uploadID: %s, 文件: %s, 位置: %s", j.id, j.filename, finalLocation)
}

// Fail 将作业标记为失败终态并记录错误文本。
func (j *Job) Fail(errText string) {
	j.mu.Lock()
	if j.terminalLocked() {
		j.mu.Unlock()
		return
	}
	j.status = StatusFailed
	j.stage = "failed"
	j.errText = errText
	j.mu.Unlock()
	log.Warnf("[Tracker] 上传失败, uploadID: %s, 文件: %s, 错误: %s", j.id, j.filename, errText)
}

// ID 返回作业标识。
func (j *Job) ID() string {
	return j.id
}

// Snapshot 计算作业的当前进度快照。
func (j *Job) Snapshot() Snapshot {
	j.mu.Lock()
	defer j.mu.Unlock()

	elapsed := time.Since(j.startTime).Seconds()

	var percent float64
	if j.totalSize > 0 {
		percent = float64(j.bytesDone) / float64(j.totalSize) * 100
	}
	if j.status == StatusCompleted {
		percent = 100
	}
	percent = math.Round(clamp(percent, 0, 100)*10) / 10

	var speed float64 // bytes/s
	if elapsed > 0 {
		speed = float64(j.bytesDone) / elapsed
	}
	var eta float64
	if speed > 0 && j.totalSize > j.bytesDone {
		eta = float64(j.totalSize-j.bytesDone) / speed
	}

	return Snapshot{
		UploadID:       j.id,
		Filename:       j.filename,
		Status:         j.status,
		Stage:          j.stage,
		Message:        j.message,
		Progress:       percent,
		BytesUploaded:  j.bytesDone,
		TotalSize:      j.totalSize,
		HumanSize:      units.HumanSize(float64(j.totalSize)),
		SpeedMBps:      math.Round(speed/(1024*1024)*100) / 100,
		HumanSpeed:     units.HumanSize(speed) + "/s",
		ElapsedSeconds: math.Round(elapsed*10) / 10,
		ETASeconds:     math.Round(eta*10) / 10,
		FinalLocation:  j.finalLocation,
		Error:          j.errText,
	}
}

func (j *Job) terminalLocked() bool {
	return j.status == StatusCompleted || j.status == StatusFailed
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
