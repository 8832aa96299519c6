package tasks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"

	"github.com/disintegration/imaging"
)

const (
	defaultThumbSize = 320
	maxThumbSize     = 4096
)

// Thumbnail はアップロード済み画像からサムネイルを生成するタスクです。
// ペイロードは {"fileRef": "...", "width": 320, "height": 320} で、
// width と height は省略できます。縦横比は維持し、拡大はしません。
func Thumbnail(ctx context.Context, req *Request) (*Result, error) {
	var payload struct {
		FileRef string `json:"fileRef"`
		Width   int    `json:"width"`
		Height  int    `json:"height"`
	}
	if err := json.Unmarshal(req.Payload, &payload); err != nil {
		return nil, fmt.Errorf("invalid payload: %w", err)
	}
	if payload.FileRef == "" {
		return nil, fmt.Errorf("invalid payload: field fileRef is required")
	}
	if payload.Width == 0 {
		payload.Width = defaultThumbSize
	}
	if payload.Height == 0 {
		payload.Height = defaultThumbSize
	}
	if payload.Width < 1 || payload.Width > maxThumbSize || payload.Height < 1 || payload.Height > maxThumbSize {
		return nil, fmt.Errorf("invalid payload: width and height must be between 1 and %d", maxThumbSize)
	}

	data, err := req.Files.Load(ctx, payload.FileRef)
	if err != nil {
		return nil, fmt.Errorf("failed to load source image: %w", err)
	}

	src, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	thumb := imaging.Fit(src, payload.Width, payload.Height, imaging.Lanczos)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, thumb, imaging.PNG); err != nil {
		return nil, fmt.Errorf("encode thumbnail: %w", err)
	}

	outRef := path.Join("jobs", req.JobID, "thumbnail.png")
	if _, err := req.Files.Save(ctx, outRef, buf.Bytes()); err != nil {
		return nil, fmt.Errorf("failed to save thumbnail: %w", err)
	}

	b := thumb.Bounds()
	return jsonResult(map[string]any{
		"outputRef": outRef,
		"width":     b.Dx(),
		"height":    b.Dy(),
	})
}
