// Package webpush はWeb Pushメッセージのペイロード暗号化（aes128gcm）を実装する。
//
// 受信者のP-256公開鍵と16バイトの認証シークレットから、メッセージごとに
// 使い捨ての共有鍵を導出し、自己記述ヘッダー付きの暗号文ブロックを生成する。
// 鍵合意はECDH、鍵導出はHKDF-SHA256、暗号化はAES-128-GCMを用いる。
package webpush
