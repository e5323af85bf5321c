// Package middleware はGinベースのHTTP APIで使用する共通ミドルウェアを提供する。
//
// パニックリカバリとCORS設定を含む。購読操作はブラウザ上の
// フロントエンドから直接呼び出されるため、CORSは必須となる。
package middleware
