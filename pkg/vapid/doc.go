// Package vapid はWeb Push送信者の自己識別（VAPID）を実装する。
//
// P-256鍵ペアと連絡先URIからなる署名アイデンティティを保持し、
// プッシュサービスのオリジンごとにES256署名付きのBearerクレデンシャル
// （Authorizationヘッダー値）を発行する。
package vapid
