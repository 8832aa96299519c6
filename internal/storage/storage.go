// Package storage はジョブの入出力ブロブを保持するストレージ抽象化レイヤーを提供します。
package storage

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"
)

// BlobInfo は保存済みブロブのメタ情報です。
type BlobInfo struct {
	Ref         string `json:"ref"`
	Size        int64  `json:"size"`
	ContentType string `json:"contentType"`
}

// Store はブロブの保存・取得の契約です。参照（ref）は不透明な文字列として扱い、
// 発行したストア以外で解釈してはいけません。
type Store interface {
	// Save はブロブを保存し、メタ情報を返します。同じ ref への保存は上書きです。
	Save(ctx context.Context, ref string, data []byte) (*BlobInfo, error)

	// Open はブロブの読み取りストリームとメタ情報を返します。
	// 存在しない場合は fs.ErrNotExist を包んだエラーを返します。
	Open(ctx context.Context, ref string) (io.ReadCloser, *BlobInfo, error)

	// Load はブロブ全体を読み込みます。
	Load(ctx context.Context, ref string) ([]byte, error)

	// Delete はブロブを削除します。存在しない場合もエラーにしません。
	Delete(ctx context.Context, ref string) error
}

// CleanRef は ref を正規化し、ルート外への参照を拒否します。
func CleanRef(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	ref = strings.TrimPrefix(ref, "/")
	if ref == "" {
		return "", fmt.Errorf("blob ref is required")
	}
	if strings.Contains(ref, "\\") {
		return "", fmt.Errorf("invalid blob ref: %s", ref)
	}
	cleaned := path.Clean(ref)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("invalid blob ref: %s", ref)
	}
	return cleaned, nil
}
