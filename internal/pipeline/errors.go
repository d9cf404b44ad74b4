package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// 错误类别字符串，随失败响应返回给前端，便于机器区分。
const (
	KindValidation        = "validation_error"
	KindSourceNotFound    = "source_not_found"
	KindSourceUnreachable = "source_unreachable"
	KindIncompleteUpload  = "incomplete_upload"
	KindConversionFailed  = "conversion_failed"
	KindTransferFailed    = "transfer_failed"
	KindTimeout           = "timeout"
	KindInternal          = "internal_error"
)

// JobConflictError 表示同一 (巡检, 目标键) 已有进行中的作业。
// ExistingJobID 指向那次尝试，客户端应转而轮询它的进度而不是重新提交。
type JobConflictError struct {
	ExistingJobID string
}

func (e *JobConflictError) Error() string {
	return fmt.Sprintf("%v（进行中作业: %s）", ErrJobConflict, e.ExistingJobID)
}

func (e *JobConflictError) Is(target error) bool { return target == ErrJobConflict }

// ValidationError 表示请求字段缺失或非法，发生在任何资源分配之前。
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("请求字段 %s 非法: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("缺少或非法的请求字段: %s", e.Field)
}

// SourceNotFoundError 表示远程共享目录中不存在指定文件名。
// Available 携带目录中实际存在的文件名（最多 10 个），供用户修正文件名。
type SourceNotFoundError struct {
	Name      string
	Available []string
}

func (e *SourceNotFoundError) Error() string {
	return fmt.Sprintf("共享目录中不存在文件 '%s'，目录内可见: [%s]", e.Name, strings.Join(e.Available, ", "))
}

// SourceUnreachableError 表示共享目录本身无法访问（权限/连通性），
// 与文件名不匹配（SourceNotFoundError）严格区分。Hint 是面向用户的修复建议。
type SourceUnreachableError struct {
	Hint string
	Err  error
}

func (e *SourceUnreachableError) Error() string {
	return fmt.Sprintf("无法访问共享目录: %v（%s）", e.Err, e.Hint)
}

func (e *SourceUnreachableError) Unwrap() error { return e.Err }

// IncompleteUploadError 表示分片集合存在缺口，无法合并。
// Missing 精确列出缺失的分片索引，客户端可据此选择性重传。
type IncompleteUploadError struct {
	Expected int
	Missing  []int
}

func (e *IncompleteUploadError) Error() string {
	return fmt.Sprintf("分片未全部上传，无法合并（期望: %d, 缺失: %v）", e.Expected, e.Missing)
}

// ConversionFailedError 表示外部转换工具非零退出，或零退出但未产出目标文件。
type ConversionFailedError struct {
	ExitCode int
	Output   string
	Err      error
}

func (e *ConversionFailedError) Error() string {
	return fmt.Sprintf("栅格转换失败（exit=%d）: %v", e.ExitCode, e.Err)
}

func (e *ConversionFailedError) Unwrap() error { return e.Err }

// TransferFailedError 表示对象存储上传失败（传输失败或本地产物缺失）。
type TransferFailedError struct {
	Key string
	Err error
}

func (e *TransferFailedError) Error() string {
	return fmt.Sprintf("对象存储上传失败（key=%s）: %v", e.Key, e.Err)
}

func (e *TransferFailedError) Unwrap() error { return e.Err }

// TimeoutError 表示某个阶段超出了时限。
type TimeoutError struct {
	Stage string
	Err   error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("阶段 %s 超时: %v", e.Stage, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// Kind 将错误归入类别字符串，未识别的错误归为 internal_error。
func Kind(err error) string {
	var (
		ve *ValidationError
		nf *SourceNotFoundError
		su *SourceUnreachableError
		iu *IncompleteUploadError
		cf *ConversionFailedError
		tf *TransferFailedError
		to *TimeoutError
	)
	switch {
	case errors.As(err, &ve):
		return KindValidation
	case errors.As(err, &nf):
		return KindSourceNotFound
	case errors.As(err, &su):
		return KindSourceUnreachable
	case errors.As(err, &iu):
		return KindIncompleteUpload
	case errors.As(err, &cf):
		return KindConversionFailed
	case errors.As(err, &tf):
		return KindTransferFailed
	case errors.As(err, &to), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	default:
		return KindInternal
	}
}
