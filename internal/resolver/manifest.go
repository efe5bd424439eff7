package resolver

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// FileSpec 模型目录中的一个必需（或可选）文件。
// Variants 列出可接受的文件名，通常是不同精度的导出结果，
// 例如 model.onnx、model.fp16.onnx、model.int8.onnx，按优先级排列。
type FileSpec struct {
	Name     string
	Variants []string
	Optional bool
}

// Single 创建只有一个文件名的 FileSpec。
func Single(name string) FileSpec {
	return FileSpec{Name: name, Variants: []string{name}}
}

// Precision 为 base+ext 生成常见的精度变体：原始、fp16、fp32、int8。
func Precision(name, base, ext string) FileSpec {
	return FileSpec{
		Name: name,
		Variants: []string{
			base + ext,
			base + ".fp16" + ext,
			base + "_fp16" + ext,
			base + ".fp32" + ext,
			base + "_fp32" + ext,
			base + ".int8" + ext,
		},
	}
}

// Manifest 一个模型包必须包含的文件清单。
type Manifest struct {
	Files []FileSpec
}

// Files 清单名到实际文件绝对路径的映射。
type Files map[string]string

// ErrMissingFile 模型目录缺少必需文件。
var ErrMissingFile = errors.New("缺少必需文件")

// Validate 检查 dir 是否满足清单，返回各文件的实际路径。
// 先在目录根下按变体顺序查找，找不到时递归扫描子目录，
// 取第一个文件名与任一变体相同的文件。
func Validate(dir string, m Manifest) (Files, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("[resolver] 模型目录 %s 不可用: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("[resolver] %s 不是目录", dir)
	}

	files := make(Files, len(m.Files))
	var missing []string
	for _, spec := range m.Files {
		path, ok := findFile(dir, spec.Variants)
		if !ok {
			if !spec.Optional {
				missing = append(missing, spec.Name)
			}
			continue
		}
		files[spec.Name] = path
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("[resolver] %s %w: %s", dir, ErrMissingFile, strings.Join(missing, ", "))
	}
	return files, nil
}

func findFile(dir string, variants []string) (string, bool) {
	for _, v := range variants {
		p := filepath.Join(dir, v)
		if st, err := os.Stat(p); err == nil && !st.IsDir() {
			return p, true
		}
	}

	want := make(map[string]int, len(variants))
	for i, v := range variants {
		want[v] = i
	}
	best, bestRank := "", len(variants)
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if rank, ok := want[d.Name()]; ok && rank < bestRank {
			best, bestRank = path, rank
			if rank == 0 {
				return fs.SkipAll
			}
		}
		return nil
	})
	return best, best != ""
}
