package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// submitRequest は POST /jobs のリクエストボディです。
type submitRequest struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// jobResponse はジョブ照会のレスポンスです。成功したジョブは結果
// ドキュメントをインラインで含みます。
type jobResponse struct {
	*Job
	Result json.RawMessage `json:"result,omitempty"`
}

// SubmitJobHandler は POST /jobs のハンドラーを返します。
// 受付は即座に完了し、実行はワーカーが非同期に行います。
func SubmitJobHandler(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req submitRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respondWithError(c, validationError("リクエストボディを解釈できません。"))
			return
		}

		job, err := svc.Submit(c.Request.Context(), req.Type, req.Payload)
		if err != nil {
			respondWithError(c, err)
			return
		}

		c.JSON(http.StatusAccepted, gin.H{
			"id":     job.ID,
			"status": job.Status,
		})
	}
}

// JobStatusHandler は GET /jobs/:id のハンドラーを返します。
func JobStatusHandler(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		job, err := svc.Snapshot(c.Request.Context(), c.Param("id"))
		if err != nil {
			respondWithError(c, err)
			return
		}

		resp := jobResponse{Job: job}
		if job.Status == StatusSucceeded && job.ResultRef != "" {
			if value, err := svc.ResultValue(c.Request.Context(), job); err == nil {
				resp.Result = value
			}
		}
		c.JSON(http.StatusOK, resp)
	}
}

// JobListHandler は GET /jobs のハンドラーを返します。
// status と limit をクエリーで指定できます。
func JobListHandler(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := 0
		if raw := c.Query("limit"); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil || parsed < 0 {
				respondWithError(c, validationError("limit は正の整数で指定してください。"))
				return
			}
			limit = parsed
		}

		list, err := svc.List(c.Request.Context(), c.Query("status"), limit)
		if err != nil {
			respondWithError(c, err)
			return
		}
		if list == nil {
			list = []*Job{}
		}
		c.JSON(http.StatusOK, gin.H{
			"jobs":  list,
			"count": len(list),
		})
	}
}

// CancelJobHandler は DELETE /jobs/:id のハンドラーを返します。
func CancelJobHandler(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		job, err := svc.Cancel(c.Request.Context(), c.Param("id"))
		if err != nil {
			respondWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, job)
	}
}

// JobResultHandler は GET /jobs/:id/result のハンドラーを返します。
// 結果ドキュメントのみを返す、ポーリング後の取得用エンドポイントです。
func JobResultHandler(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		value, err := svc.Result(c.Request.Context(), c.Param("id"))
		if err != nil {
			respondWithError(c, err)
			return
		}
		c.Data(http.StatusOK, "application/json; charset=utf-8", value)
	}
}

// respondWithError はエラー種別をHTTPステータスへ対応付けて応答します。
func respondWithError(c *gin.Context, err error) {
	var apiErr *Error
	switch {
	case errors.As(err, &apiErr):
		status := statusForKind(apiErr.Kind)
		if apiErr.Code == "LIMIT_EXCEEDED" {
			status = http.StatusRequestEntityTooLarge
		}
		c.JSON(status, gin.H{
			"code":    apiErr.Code,
			"message": apiErr.Message,
		})
	case errors.Is(err, context.Canceled):
		c.JSON(http.StatusRequestTimeout, gin.H{
			"code":    "REQUEST_CANCELED",
			"message": "リクエストがキャンセルされました。",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "INTERNAL_ERROR",
			"message": "サーバー内部でエラーが発生しました。",
		})
	}
}

func statusForKind(kind string) int {
	switch kind {
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict, KindInvalidTransition:
		return http.StatusConflict
	case KindValidation:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
