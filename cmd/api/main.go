// Package main はAPIサーバーのエントリーポイントです。
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/yourusername/job-forge/internal/config"
	"github.com/yourusername/job-forge/internal/jobs"
	"github.com/yourusername/job-forge/internal/storage"
)

func main() {
	// 設定の読み込み
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Ginのモードを設定
	gin.SetMode(cfg.GinMode)

	// Ginルーターの初期化（デフォルトミドルウェア: Logger, Recovery）
	router := gin.Default()

	// CORSミドルウェアの設定
	corsConfig := cors.DefaultConfig()
	// CORS許可オリジンを設定（カンマ区切りの文字列を配列に変換）
	origins := strings.Split(cfg.CORSAllowedOrigins, ",")
	corsConfig.AllowOrigins = origins
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Accept"}
	router.Use(cors.New(corsConfig))

	// ストア・キュー・ワーカーの組み立て
	rt, err := buildRuntime(cfg)
	if err != nil {
		log.Fatalf("Failed to build runtime: %v", err)
	}

	// ルーティングの設定
	setupRoutes(router, rt)

	// シグナル受信で停止処理に入る
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ワーカー・スイーパーの起動
	rt.startWorkers(ctx)

	// サーバーの起動
	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:    addr,
		Handler: router,
	}
	go func() {
		log.Printf("Starting API server on %s (mode: %s, store: %s, queue: %s)",
			addr, cfg.GinMode, cfg.StoreDriver, cfg.QueueDriver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("Shutting down...")

	// 先にHTTPの受付を止め、その後でワーカーをドレインします。
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown: %v", err)
	}
	rt.shutdown()
	log.Println("Shutdown complete")
}

// handleHealth はヘルスチェックエンドポイントのハンドラーです。
// 依存先の死活には触れず、プロセスの応答性のみを返します。
func handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

// setupRoutes は API の配線を行います。
func setupRoutes(router *gin.Engine, rt *runtime) {
	// まずは誰でも叩けるヘルスチェックを登録
	router.GET("/health", handleHealth)

	// ジョブの投入・照会・キャンセル
	router.POST("/jobs", jobs.SubmitJobHandler(rt.service))
	router.GET("/jobs", jobs.JobListHandler(rt.service))
	router.GET("/jobs/:id", jobs.JobStatusHandler(rt.service))
	router.DELETE("/jobs/:id", jobs.CancelJobHandler(rt.service))
	router.GET("/jobs/:id/result", jobs.JobResultHandler(rt.service))

	// タスクの入出力ファイル
	router.POST("/files", storage.UploadHandler(rt.files, rt.cfg.MaxFileSize))
	router.GET("/files/*ref", storage.DownloadHandler(rt.files))
}
