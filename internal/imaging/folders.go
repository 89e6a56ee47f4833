// Package imaging 管理订单图片的四个目录，并负责压缩、加水印与本地放大。
//
// 数据库只保存相对文件名；文件名带 UUID 前缀，同一路径不会被并发写入。
package imaging

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// 目录种类，同时也是 /media/<kind>/ 的 URL 段。
const (
	KindUpload    = "upload"
	KindFinal     = "final"
	KindHD        = "hd"
	KindWatermark = "watermark"
)

// RetouchedSubdir 美颜图保存在上传目录下的保留子目录。
const RetouchedSubdir = "retouched"

var ErrInvalidName = errors.New("非法的文件名")

type Folders struct {
	Upload    string
	Final     string
	HD        string
	Watermark string
}

// Ensure 创建四个目录及美颜子目录。
func (f Folders) Ensure() error {
	for _, dir := range []string{f.Upload, filepath.Join(f.Upload, RetouchedSubdir), f.Final, f.HD, f.Watermark} {
		if strings.TrimSpace(dir) == "" {
			return errors.New("图片目录未配置")
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("创建目录 %s 失败: %w", dir, err)
		}
	}
	return nil
}

func (f Folders) Dir(kind string) (string, error) {
	switch kind {
	case KindUpload:
		return f.Upload, nil
	case KindFinal:
		return f.Final, nil
	case KindHD:
		return f.HD, nil
	case KindWatermark:
		return f.Watermark, nil
	default:
		return "", fmt.Errorf("未知的图片目录: %s", kind)
	}
}

// Path 把相对文件名解析为磁盘路径，拒绝越出目录的名字。
func (f Folders) Path(kind string, name string) (string, error) {
	dir, err := f.Dir(kind)
	if err != nil {
		return "", err
	}
	clean, err := cleanName(name)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, filepath.FromSlash(clean)), nil
}

// Exists 判断产物是否已落盘且非空。
func (f Folders) Exists(kind string, name string) bool {
	if strings.TrimSpace(name) == "" {
		return false
	}
	p, err := f.Path(kind, name)
	if err != nil {
		return false
	}
	st, err := os.Stat(p)
	return err == nil && !st.IsDir() && st.Size() > 0
}

func (f Folders) Read(kind string, name string) ([]byte, error) {
	p, err := f.Path(kind, name)
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("读取图片失败: %w", err)
	}
	return raw, nil
}

// Write 先写临时文件再改名，读方不会看到写了一半的图片。
func (f Folders) Write(kind string, name string, data []byte) error {
	p, err := f.Path(kind, name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("创建目录失败: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(p), ".tmp-*")
	if err != nil {
		return fmt.Errorf("创建临时文件失败: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("写入图片失败: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("写入图片失败: %w", err)
	}
	if err := os.Rename(tmpName, p); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("保存图片失败: %w", err)
	}
	return nil
}

// NewName 生成 "<uuid>_<tag><ext>" 形式的文件名。
func NewName(tag string, ext string) string {
	tag = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return -1
		}
	}, tag)
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	if tag == "" {
		return id + ext
	}
	return id + "_" + tag + ext
}

func cleanName(name string) (string, error) {
	name = strings.TrimSpace(strings.ReplaceAll(name, "\\", "/"))
	if name == "" || strings.HasPrefix(name, "/") {
		return "", ErrInvalidName
	}
	clean := path.Clean(name)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", ErrInvalidName
	}
	return clean, nil
}
