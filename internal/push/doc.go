// Package push はWeb Push配信サービスの内部実装を提供する。
//
// 購読レコードの管理と、全購読者への通知のファンアウト配信を行う。
// 配信は購読者ごとに独立しており、1件の失敗が他の配信を中断させることはない。
// プッシュサービスが購読の失効を報告した場合はレコードを削除して整理する。
package push
