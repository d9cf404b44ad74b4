package gdal

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeStub 生成一个模拟 gdal_translate 的可执行脚本。
func writeStub(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gdal_translate_stub.sh")
	content := "#!/bin/sh\n" + script + "\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o755))
	return path
}

func TestConvertSuccess(t *testing.T) {
	// 脚本把最后一个参数当作输出文件写入
	stub := writeStub(t, `
for out in "$@"; do :; done
echo "cog-bytes" > "$out"`)
	translator := NewTranslator(stub)

	outputPath := filepath.Join(t.TempDir(), "out_cog.tif")
	err := translator.Convert(context.Background(), "in.tif", outputPath)
	require.NoError(t, err)

	info, statErr := os.Stat(outputPath)
	require.NoError(t, statErr)
	assert.Greater(t, info.Size(), int64(0))
}

func TestConvertNonZeroExit(t *testing.T) {
	stub := writeStub(t, `
echo "ERROR 1: not recognized as a supported file format."
exit 1`)
	translator := NewTranslator(stub)

	err := translator.Convert(context.Background(), "in.tif", filepath.Join(t.TempDir(), "out.tif"))
	var exitErr *ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 1, exitErr.ExitCode)
	assert.Contains(t, exitErr.Output, "not recognized")
}

func TestConvertZeroExitWithoutOutput(t *testing.T) {
	// 零退出但什么都没写
	stub := writeStub(t, `exit 0`)
	translator := NewTranslator(stub)

	err := translator.Convert(context.Background(), "in.tif", filepath.Join(t.TempDir(), "missing.tif"))
	var exitErr *ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 0, exitErr.ExitCode)
}

func TestConvertContextTimeout(t *testing.T) {
	stub := writeStub(t, `sleep 5`)
	translator := NewTranslator(stub)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := translator.Convert(ctx, "in.tif", filepath.Join(t.TempDir(), "out.tif"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
