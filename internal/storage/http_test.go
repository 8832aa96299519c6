package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func newFilesRouter(t *testing.T, maxSize int64) (*gin.Engine, *Local) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	store := newLocal(t)

	router := gin.New()
	router.POST("/files", UploadHandler(store, maxSize))
	router.GET("/files/*ref", DownloadHandler(store))
	return router, store
}

func newUploadRequest(t *testing.T, fileName string, content []byte) *http.Request {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("file", fileName)
	if err != nil {
		t.Fatalf("failed to create form file: %v", err)
	}
	if _, err := part.Write(content); err != nil {
		t.Fatalf("failed to write form file: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("failed to close writer: %v", err)
	}

	req, err := http.NewRequest(http.MethodPost, "/files", body)
	if err != nil {
		t.Fatalf("failed to create request: %v", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return req
}

func TestUploadFile(t *testing.T) {
	router, store := newFilesRouter(t, 0)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, newUploadRequest(t, "chart.pdf", pdfStub))

	if rec.Code != http.StatusCreated {
		t.Fatalf("unexpected status code: %d body=%s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Ref         string `json:"ref"`
		Size        int64  `json:"size"`
		ContentType string `json:"contentType"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if !strings.HasPrefix(resp.Ref, "uploads/") || !strings.HasSuffix(resp.Ref, ".pdf") {
		t.Fatalf("unexpected ref: %s", resp.Ref)
	}
	if resp.Size != int64(len(pdfStub)) {
		t.Fatalf("unexpected size: %d", resp.Size)
	}
	if resp.ContentType != "application/pdf" {
		t.Fatalf("unexpected content type: %s", resp.ContentType)
	}

	data, err := store.Load(context.Background(), resp.Ref)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if string(data) != string(pdfStub) {
		t.Fatal("stored content mismatch")
	}
}

func TestUploadRejectsMissingFile(t *testing.T) {
	router, _ := newFilesRouter(t, 0)

	req, err := http.NewRequest(http.MethodPost, "/files", strings.NewReader(""))
	if err != nil {
		t.Fatalf("failed to create request: %v", err)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unexpected status code: %d", rec.Code)
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp["code"] != "INVALID_INPUT" {
		t.Fatalf("unexpected error code: %s", resp["code"])
	}
}

func TestUploadRejectsOversizeFile(t *testing.T) {
	router, _ := newFilesRouter(t, 10)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, newUploadRequest(t, "big.pdf", bytes.Repeat([]byte("x"), 64)))

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("unexpected status code: %d body=%s", rec.Code, rec.Body.String())
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp["code"] != "LIMIT_EXCEEDED" {
		t.Fatalf("unexpected error code: %s", resp["code"])
	}
}

func TestUploadDropsUnknownExtension(t *testing.T) {
	router, _ := newFilesRouter(t, 0)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, newUploadRequest(t, "payload.exe", []byte("binary")))

	if rec.Code != http.StatusCreated {
		t.Fatalf("unexpected status code: %d body=%s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Ref string `json:"ref"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if path.Ext(resp.Ref) != "" {
		t.Fatalf("unknown extension kept: %s", resp.Ref)
	}
}

func TestDownloadFile(t *testing.T) {
	router, store := newFilesRouter(t, 0)
	if _, err := store.Save(context.Background(), "uploads/chart.pdf", pdfStub); err != nil {
		t.Fatalf("save: %v", err)
	}

	req, err := http.NewRequest(http.MethodGet, "/files/uploads/chart.pdf", nil)
	if err != nil {
		t.Fatalf("failed to create request: %v", err)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status code: %d body=%s", rec.Code, rec.Body.String())
	}
	if rec.Body.String() != string(pdfStub) {
		t.Fatal("downloaded content mismatch")
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/pdf" {
		t.Fatalf("unexpected content type: %s", ct)
	}
	if cd := rec.Header().Get("Content-Disposition"); !strings.Contains(cd, "chart.pdf") {
		t.Fatalf("unexpected content disposition: %s", cd)
	}
	if cc := rec.Header().Get("Cache-Control"); cc != "no-store" {
		t.Fatalf("unexpected cache control: %s", cc)
	}
}

func TestDownloadMissingFile(t *testing.T) {
	router, _ := newFilesRouter(t, 0)

	req, err := http.NewRequest(http.MethodGet, "/files/uploads/nope.pdf", nil)
	if err != nil {
		t.Fatalf("failed to create request: %v", err)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("unexpected status code: %d body=%s", rec.Code, rec.Body.String())
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp["code"] != "FILE_NOT_FOUND" {
		t.Fatalf("unexpected error code: %s", resp["code"])
	}
}
