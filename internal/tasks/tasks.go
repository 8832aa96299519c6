// Package tasks は組み込みタスクハンドラーを提供します。
// ハンドラーはワーカーに注入されるレジストリに登録され、実行時に
// ジョブのペイロードとブロブストレージへのアクセスを受け取ります。
package tasks

import (
	"context"
	"encoding/json"

	"github.com/yourusername/job-forge/internal/storage"
)

// タスク種別。ジョブ投入時の type フィールドに対応します。
const (
	TypeSquare    = "square"
	TypeSleep     = "sleep"
	TypeRaces     = "races:extract"
	TypeThumbnail = "thumbnail"
)

// Request はハンドラーへの実行要求です。
type Request struct {
	JobID   string
	Type    string
	Payload json.RawMessage
	Files   storage.Store
}

// Result はハンドラーの実行結果です。Value はそのままジョブの結果ドキュメント
// として保存され、ポーリング応答にインライン展開されます。
type Result struct {
	Value json.RawMessage
}

// Handler はタスクの実行関数です。ctx のキャンセルは協調的に扱い、
// チェックポイントで中断してください。
type Handler func(ctx context.Context, req *Request) (*Result, error)

// Builtin は既定のタスクハンドラー一覧を返します。
func Builtin() map[string]Handler {
	return map[string]Handler{
		TypeSquare:    Square,
		TypeSleep:     Sleep,
		TypeRaces:     ExtractRaces,
		TypeThumbnail: Thumbnail,
	}
}

func jsonResult(v any) (*Result, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return &Result{Value: data}, nil
}
