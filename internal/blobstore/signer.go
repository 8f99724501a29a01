// Package blobstore は動画アップロード先のGCSバケット操作を提供する。
// 署名付きアップロードURLの発行とオブジェクトサイズの取得を含む。
package blobstore

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"cloud.google.com/go/storage"
)

const (
	// signedURLExpiry は署名付きアップロードURLの有効期間。
	signedURLExpiry = 15 * time.Minute
)

// BlobStore はアップロード用ブロブストレージのインターフェース。
// ハンドラーから利用する。
type BlobStore interface {
	// SignedUploadURL はPUT用の署名付きURLとgs://形式のパスを発行する。
	SignedUploadURL(ctx context.Context, filename, contentType string) (uploadURL, gcsPath string, err error)
	// ObjectSize はgs://bucket/object形式のパスのオブジェクトサイズを返す。
	ObjectSize(ctx context.Context, gcsPath string) (int64, error)
}

// GCSStore はGCSバケットを使用するBlobStoreの実装。
type GCSStore struct {
	client *storage.Client
	bucket string
}

// NewGCSStore はGCSStoreの新しいインスタンスを生成する。
// クライアントはプロセス生存期間で共有される。
func NewGCSStore(client *storage.Client, bucket string) *GCSStore {
	return &GCSStore{
		client: client,
		bucket: bucket,
	}
}

// SignedUploadURL はV4署名のPUT用URLを発行する。有効期間は15分。
// Content-Typeはアップロード時に同一の値を要求する。
func (s *GCSStore) SignedUploadURL(ctx context.Context, filename, contentType string) (string, string, error) {
	opts := &storage.SignedURLOptions{
		Scheme:      storage.SigningSchemeV4,
		Method:      http.MethodPut,
		Expires:     time.Now().Add(signedURLExpiry),
		ContentType: contentType,
	}

	uploadURL, err := s.client.Bucket(s.bucket).SignedURL(filename, opts)
	if err != nil {
		return "", "", fmt.Errorf("署名付きURLの発行に失敗しました: %w", err)
	}

	return uploadURL, fmt.Sprintf("gs://%s/%s", s.bucket, filename), nil
}

// ObjectSize はオブジェクトの属性を取得してサイズを返す。
// 存在しないオブジェクトはエラー。
func (s *GCSStore) ObjectSize(ctx context.Context, gcsPath string) (int64, error) {
	bucket, object, err := parseGCSPath(gcsPath)
	if err != nil {
		return 0, err
	}

	attrs, err := s.client.Bucket(bucket).Object(object).Attrs(ctx)
	if err != nil {
		return 0, fmt.Errorf("オブジェクト属性の取得に失敗しました (%s): %w", gcsPath, err)
	}
	return attrs.Size, nil
}

// parseGCSPath はgs://bucket/object形式のパスを分解する。
func parseGCSPath(gcsPath string) (bucket, object string, err error) {
	const prefix = "gs://"
	if !strings.HasPrefix(gcsPath, prefix) {
		return "", "", fmt.Errorf("gs://形式のパスではありません: %s", gcsPath)
	}
	rest := strings.TrimPrefix(gcsPath, prefix)
	slash := strings.Index(rest, "/")
	if slash <= 0 || slash == len(rest)-1 {
		return "", "", fmt.Errorf("gs://形式のパスではありません: %s", gcsPath)
	}
	return rest[:slash], rest[slash+1:], nil
}

var _ BlobStore = (*GCSStore)(nil)
