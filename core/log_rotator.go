package core

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// LogRotator 带轮转的日志文件写入器
// 乒乓轮转: 超过 maxSize 时当前文件改名为 <name>.old，只保留一个备份
type LogRotator struct {
	filename    string
	maxSize     int64 // bytes
	file        *os.File
	currentSize int64
	mu          sync.Mutex
}

// NewLogRotator 创建新的日志轮转器 (maxSize in MB)
func NewLogRotator(filename string, maxSizeMB int) (*LogRotator, error) {
	if maxSizeMB <= 0 {
		maxSizeMB = 50
	}
	if dir := filepath.Dir(filename); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	r := &LogRotator{
		filename: filename,
		maxSize:  int64(maxSizeMB) * 1024 * 1024,
	}
	if err := r.open(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *LogRotator) open() error {
	file, err := os.OpenFile(r.filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return err
	}
	r.file = file
	r.currentSize = stat.Size()
	return nil
}

func (r *LogRotator) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		return 0, os.ErrClosed
	}
	if r.currentSize > 0 && r.currentSize+int64(len(p)) > r.maxSize {
		if err := r.rotate(); err != nil {
			// 轮转失败时继续写当前文件
			fmt.Fprintf(os.Stderr, "log rotation failed: %v\n", err)
		}
	}

	n, err := r.file.Write(p)
	r.currentSize += int64(n)
	return n, err
}

// Rotate 立即轮转
func (r *LogRotator) Rotate() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rotate()
}

func (r *LogRotator) rotate() error {
	if r.file != nil {
		r.file.Close()
	}

	backupName := r.filename + ".old"
	os.Remove(backupName) // 文件可能不存在

	if err := os.Rename(r.filename, backupName); err != nil {
		// 改名失败也要重新打开，避免写入已关闭的文件
		if openErr := r.open(); openErr != nil {
			return openErr
		}
		return err
	}
	return r.open()
}

func (r *LogRotator) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file != nil {
		err := r.file.Close()
		r.file = nil
		return err
	}
	return nil
}
