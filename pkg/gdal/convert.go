// Package gdal 封装外部栅格转换工具 gdal_translate 的调用。
package gdal

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"

	"solar-audit-go/pkg/log"
)

// ExitError 表示转换工具非零退出或未产出目标文件。
// Output 携带工具的合并输出（stdout+stderr），用于失败诊断。
type ExitError struct {
	ExitCode int
	Output   string
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("gdal_translate 退出码 %d: %s", e.ExitCode, e.Output)
}

// Converter 接口把输入栅格转码为适合网页瓦片服务的云优化格式。
type Converter interface {
	Convert(ctx context.Context, inputPath, outputPath string) error
}

// Translator 通过 gdal_translate 子进程执行 COG 转码。
type Translator struct {
	binPath string
}

// NewTranslator 创建转码器。binPath 为空时默认依赖 PATH 中的 gdal_translate。
func NewTranslator(binPath string) *Translator {
	if binPath == "" {
		binPath = "gdal_translate"
	}
	return &Translator{binPath: binPath}
}

// Convert 以固定参数集执行转码：COG 输出、DEFLATE 无损压缩、512 块大小、
// BIGTIFF 大文件寻址。参数以向量传入子进程，不经过 shell 解释。
// 工具零退出但目标文件缺失/为空同样按失败处理。
func (t *Translator) Convert(ctx context.Context, inputPath, outputPath string) error {
	cmd := exec.CommandContext(ctx, t.binPath,
		"-of", "COG",
		"-co", "COMPRESS=DEFLATE",
		"-co", "BLOCKSIZE=512",
		"-co", "BIGTIFF=YES",
		inputPath,
		outputPath,
	)

	log.Infof("[GDAL] 开始转换: %s -> %s", inputPath, outputPath)
	output, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var exitErr *exec.ExitError
		code := -1
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		}
		return &ExitError{ExitCode: code, Output: string(output)}
	}

	info, statErr := os.Stat(outputPath)
	if statErr != nil || info.Size() == 0 {
		return &ExitError{ExitCode: 0, Output: fmt.Sprintf("工具零退出但目标文件缺失或为空: %s", outputPath)}
	}

	log.Infof("[GDAL] 转换完成: %s (%d 字节)", outputPath, info.Size())
	return nil
}
