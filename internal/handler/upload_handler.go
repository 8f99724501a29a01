package handler

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/hitoshi/adwatch/internal/blobstore"
	"github.com/hitoshi/adwatch/internal/model"
)

// maxFilenameLength はアップロードファイル名の最大文字数。
const maxFilenameLength = 256

// UploadHandler は署名付きアップロードURLの発行ハンドラー。
type UploadHandler struct {
	store blobstore.BlobStore
}

// NewUploadHandler はUploadHandlerを生成する。
func NewUploadHandler(store blobstore.BlobStore) *UploadHandler {
	return &UploadHandler{store: store}
}

// uploadURLRequest は署名付きURL発行リクエストのボディ。
type uploadURLRequest struct {
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
}

// uploadURLResponse は署名付きURL発行のレスポンス。
type uploadURLResponse struct {
	UploadURL string `json:"uploadUrl"`
	GCSPath   string `json:"gcsPath"`
}

// CreateUploadURL は動画の直接アップロード用に短寿命の署名付きPUT URLを発行する。
// POST /api/upload-url
func (h *UploadHandler) CreateUploadURL(w http.ResponseWriter, r *http.Request) {
	var req uploadURLRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("リクエストボディの解析に失敗しました"))
		return
	}

	if !validFilename(req.Filename) {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidFilenameError())
		return
	}
	if req.ContentType == "" {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("contentTypeが空です"))
		return
	}

	uploadURL, gcsPath, err := h.store.SignedUploadURL(r.Context(), req.Filename, req.ContentType)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(uploadURLResponse{
		UploadURL: uploadURL,
		GCSPath:   gcsPath,
	})
}

// validFilename はアップロードファイル名を検証する。
// パス区切り・親ディレクトリ参照を含む名前はオブジェクトキーとして許可しない。
func validFilename(name string) bool {
	if name == "" || len(name) > maxFilenameLength {
		return false
	}
	if strings.ContainsAny(name, "/\\") {
		return false
	}
	if strings.Contains(name, "..") {
		return false
	}
	return true
}
