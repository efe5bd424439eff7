package resolver

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// ModelRef 仓库中一个默认模型的标识。
type ModelRef struct {
	Engine   string
	Variant  string
	Language string
}

// Provider 把模型标识解析为本地目录。远程下载实现也满足这个接口。
type Provider interface {
	Fetch(ctx context.Context, ref ModelRef) (string, error)
}

// DirProvider 在本地模型根目录下查找默认模型。
// 查找顺序：<root>/<engine>/<variant>/<language>、<root>/<engine>/<variant>、<root>/<engine>。
type DirProvider struct {
	Root string
}

// Fetch 实现 Provider。
func (p DirProvider) Fetch(ctx context.Context, ref ModelRef) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	var candidates []string
	if ref.Variant != "" {
		if ref.Language != "" {
			candidates = append(candidates, filepath.Join(p.Root, ref.Engine, ref.Variant, ref.Language))
		}
		candidates = append(candidates, filepath.Join(p.Root, ref.Engine, ref.Variant))
	}
	if ref.Language != "" {
		candidates = append(candidates, filepath.Join(p.Root, ref.Engine, ref.Language))
	}
	candidates = append(candidates, filepath.Join(p.Root, ref.Engine))

	for _, c := range candidates {
		if st, err := os.Stat(c); err == nil && st.IsDir() {
			return c, nil
		}
	}
	return "", fmt.Errorf("[resolver] 模型仓库 %s 中找不到 %s/%s (%s)", p.Root, ref.Engine, ref.Variant, ref.Language)
}
