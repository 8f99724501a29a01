// Package model はドメインモデルを定義する。
package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, upstream, rights, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeUnauthorized      = "UNAUTHORIZED"
	ErrCodeForbidden         = "FORBIDDEN"
	ErrCodeInvalidRequest    = "INVALID_REQUEST"
	ErrCodeInvalidFilename   = "INVALID_FILENAME"
	ErrCodeInvalidDays       = "INVALID_DAYS"
	ErrCodeQueryNotFound     = "QUERY_NOT_FOUND"
	ErrCodeTrackedAdNotFound = "TRACKED_AD_NOT_FOUND"
	ErrCodeUploadTooLarge    = "UPLOAD_TOO_LARGE"
	ErrCodeUpstreamFailed    = "UPSTREAM_FAILED"
	ErrCodeRetryExhausted    = "RETRY_EXHAUSTED"
	ErrCodeShortcodeInvalid  = "SHORTCODE_INVALID"
	ErrCodeSSRFBlocked       = "SSRF_BLOCKED"
	ErrCodeMisconfigured     = "SERVER_MISCONFIGURED"
)

// NewUnauthorizedError は認証エラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "認証が必要です。",
		Category: "auth",
		Action:   "ログインしてください。",
	}
}

// NewForbiddenError は所有者以外によるアクセスのエラーを生成する。
func NewForbiddenError() *APIError {
	return &APIError{
		Code:     ErrCodeForbidden,
		Message:  "このレコードへのアクセス権がありません。",
		Category: "auth",
		Action:   "自分が作成したクエリのみ操作できます。",
	}
}

// NewInvalidRequestError はリクエスト不正エラーを生成する。
func NewInvalidRequestError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  fmt.Sprintf("リクエストが不正です: %s", reason),
		Category: "validation",
		Action:   "リクエスト内容を確認してください。",
	}
}

// NewInvalidFilenameError はアップロードファイル名が不正な場合のエラーを生成する。
func NewInvalidFilenameError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidFilename,
		Message:  "ファイル名が不正です。",
		Category: "validation",
		Action:   "パス区切り文字を含まない256文字以内のファイル名を指定してください。",
	}
}

// NewInvalidDaysError は使用権日数が不正な場合のエラーを生成する。
func NewInvalidDaysError(days int) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidDays,
		Message:  fmt.Sprintf("使用権日数が不正です: %d", days),
		Category: "validation",
		Action:   "日数には正の整数を指定してください。",
	}
}

// NewQueryNotFoundError はクエリ未検出エラーを生成する。
func NewQueryNotFoundError(queryID string) *APIError {
	return &APIError{
		Code:     ErrCodeQueryNotFound,
		Message:  fmt.Sprintf("指定されたクエリが見つかりません: %s", queryID),
		Category: "validation",
		Action:   "クエリIDを確認してください。",
	}
}

// NewUploadTooLargeError はアップロードサイズ超過エラーを生成する。
func NewUploadTooLargeError(size, max int64) *APIError {
	return &APIError{
		Code:     ErrCodeUploadTooLarge,
		Message:  fmt.Sprintf("動画ファイルが大きすぎます: %dバイト（上限%dバイト）", size, max),
		Category: "validation",
		Action:   "上限以下のサイズに圧縮してから再度アップロードしてください。",
	}
}

// NewUpstreamFailedError は外部サービス呼び出し失敗のエラーを生成する。
func NewUpstreamFailedError(service, detail string) *APIError {
	return &APIError{
		Code:     ErrCodeUpstreamFailed,
		Message:  fmt.Sprintf("%sの呼び出しに失敗しました: %s", service, detail),
		Category: "upstream",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewRetryExhaustedError はリトライの全エンコーディングが失敗した場合のエラーを生成する。
func NewRetryExhaustedError(attempts int) *APIError {
	return &APIError{
		Code:     ErrCodeRetryExhausted,
		Message:  fmt.Sprintf("再検索に失敗しました（%d通りの送信形式をすべて試行）。", attempts),
		Category: "upstream",
		Action:   "検索サービスの状態を確認してから再度お試しください。",
	}
}

// NewShortcodeInvalidError はショートコードを抽出できない場合のエラーを生成する。
func NewShortcodeInvalidError(url string) *APIError {
	return &APIError{
		Code:     ErrCodeShortcodeInvalid,
		Message:  fmt.Sprintf("URLからショートコードを抽出できませんでした: %s", url),
		Category: "validation",
		Action:   "リール・投稿のURLまたはショートコードを直接入力してください。",
	}
}

// NewSSRFBlockedError はSSRFブロックエラーを生成する。
func NewSSRFBlockedError() *APIError {
	return &APIError{
		Code:     ErrCodeSSRFBlocked,
		Message:  "セキュリティポリシーにより、指定されたURLへのアクセスがブロックされました。",
		Category: "validation",
		Action:   "公開されているSNS投稿のURLを入力してください。",
	}
}

// NewMisconfiguredError はサーバ設定不足のエラーを生成する。
func NewMisconfiguredError(what string) *APIError {
	return &APIError{
		Code:     ErrCodeMisconfigured,
		Message:  fmt.Sprintf("サーバが正しく設定されていません: %s", what),
		Category: "system",
		Action:   "管理者に連絡してください。",
	}
}
