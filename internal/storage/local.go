package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/gabriel-vasile/mimetype"
)

var _ Store = (*Local)(nil)

// Local はローカルファイルシステムに保存する Store 実装です。
// 開発環境および単一ノード構成用で、ref はルート配下の相対パスに対応します。
type Local struct {
	root string
}

// NewLocal はルートディレクトリを作成して Local を返します。
func NewLocal(root string) (*Local, error) {
	if root == "" {
		return nil, fmt.Errorf("storage root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage root: %w", err)
	}
	return &Local{root: abs}, nil
}

// Save はブロブを保存します。一時ファイルに書いてからリネームすることで、
// 読み手に書きかけの内容が見えないようにします。
func (l *Local) Save(ctx context.Context, ref string, data []byte) (*BlobInfo, error) {
	cleaned, err := CleanRef(ref)
	if err != nil {
		return nil, err
	}
	dst := filepath.Join(l.root, filepath.FromSlash(cleaned))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create blob dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".blob-*")
	if err != nil {
		return nil, err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return nil, err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return nil, err
	}
	if err := os.Rename(tmpName, dst); err != nil {
		os.Remove(tmpName)
		return nil, err
	}

	return &BlobInfo{
		Ref:         cleaned,
		Size:        int64(len(data)),
		ContentType: mimetype.Detect(data).String(),
	}, nil
}

// Open はブロブの読み取りストリームを返します。
func (l *Local) Open(ctx context.Context, ref string) (io.ReadCloser, *BlobInfo, error) {
	cleaned, err := CleanRef(ref)
	if err != nil {
		return nil, nil, err
	}
	p := filepath.Join(l.root, filepath.FromSlash(cleaned))
	st, err := os.Stat(p)
	if err != nil {
		return nil, nil, fmt.Errorf("blob %s: %w", cleaned, err)
	}
	if st.IsDir() {
		return nil, nil, fmt.Errorf("blob %s: %w", cleaned, os.ErrNotExist)
	}

	mt, err := mimetype.DetectFile(p)
	if err != nil {
		return nil, nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		return nil, nil, fmt.Errorf("blob %s: %w", cleaned, err)
	}
	return f, &BlobInfo{Ref: cleaned, Size: st.Size(), ContentType: mt.String()}, nil
}

// Load はブロブ全体を読み込みます。
func (l *Local) Load(ctx context.Context, ref string) ([]byte, error) {
	cleaned, err := CleanRef(ref)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(l.root, filepath.FromSlash(cleaned)))
	if err != nil {
		return nil, fmt.Errorf("blob %s: %w", cleaned, err)
	}
	return data, nil
}

// Delete はブロブを削除します。
func (l *Local) Delete(ctx context.Context, ref string) error {
	cleaned, err := CleanRef(ref)
	if err != nil {
		return err
	}
	if err := os.Remove(filepath.Join(l.root, filepath.FromSlash(cleaned))); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
