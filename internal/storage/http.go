package storage

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// UploadHandler は POST /files のハンドラーを返します。
// ジョブの入力となるファイル（レースチャートPDF・画像など）を受け付けます。
func UploadHandler(store Store, maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		header, err := c.FormFile("file")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "multipart/form-data の file フィールドでファイルを送信してください。",
			})
			return
		}
		if maxSize > 0 && header.Size > maxSize {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{
				"code":    "LIMIT_EXCEEDED",
				"message": fmt.Sprintf("ファイルサイズが上限（%d バイト）を超えています。", maxSize),
			})
			return
		}

		src, err := header.Open()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"code":    "INTERNAL_ERROR",
				"message": "アップロードファイルの読み込みに失敗しました。",
			})
			return
		}
		defer src.Close()

		data, err := io.ReadAll(src)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"code":    "INTERNAL_ERROR",
				"message": "アップロードファイルの読み込みに失敗しました。",
			})
			return
		}

		ref := path.Join("uploads", uuid.NewString()+uploadExt(header.Filename))
		info, err := store.Save(c.Request.Context(), ref, data)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"code":    "INTERNAL_ERROR",
				"message": "ファイルの保存に失敗しました。",
			})
			return
		}

		c.JSON(http.StatusCreated, gin.H{
			"ref":         info.Ref,
			"size":        info.Size,
			"contentType": info.ContentType,
		})
	}
}

// DownloadHandler は GET /files/*ref のハンドラーを返します。
func DownloadHandler(store Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		ref, err := CleanRef(strings.TrimPrefix(c.Param("ref"), "/"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "ファイル参照が不正です。",
			})
			return
		}

		reader, info, err := store.Open(c.Request.Context(), ref)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				c.JSON(http.StatusNotFound, gin.H{
					"code":    "FILE_NOT_FOUND",
					"message": "指定されたファイルは存在しません。",
				})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{
				"code":    "INTERNAL_ERROR",
				"message": "ファイルの取得に失敗しました。",
			})
			return
		}
		defer reader.Close()

		name := path.Base(info.Ref)
		encodedName := url.PathEscape(name)
		c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s\"; filename*=UTF-8''%s", name, encodedName))
		c.Header("Cache-Control", "no-store")
		c.DataFromReader(http.StatusOK, info.Size, info.ContentType, reader, nil)
	}
}

// uploadExt は保存名に引き継ぐ拡張子を返します。未知の拡張子は捨てます。
func uploadExt(filename string) string {
	ext := strings.ToLower(path.Ext(filename))
	switch ext {
	case ".pdf", ".png", ".jpg", ".jpeg", ".gif", ".csv", ".json", ".txt":
		return ext
	}
	return ""
}
