package push

import "net/http"

// Classification は1回の配信試行の結果分類を表す。
type Classification string

const (
	// ClassificationAccepted はプッシュサービスがメッセージを受理したことを表す。
	ClassificationAccepted Classification = "accepted"
	// ClassificationGone は購読が恒久的に失効しており、削除対象であることを表す。
	ClassificationGone Classification = "gone"
	// ClassificationRejected は恒久的な拒否を表す。送信側の不備（認証・リクエスト形式）や
	// 宛先不明が該当し、リトライしても解消しないが、購読の削除は行わない。
	ClassificationRejected Classification = "rejected"
	// ClassificationPayloadTooLarge はペイロードがプッシュサービスの上限を超えたことを表す。
	ClassificationPayloadTooLarge Classification = "payload_too_large"
	// ClassificationInvalidKey は受信者の鍵素材が不正で暗号化できないことを表す。
	// 失効とは異なる故障モードであり、独立した確認なしに購読は削除しない。
	ClassificationInvalidKey Classification = "invalid_key"
	// ClassificationRetryable は一時的な失敗を表す。将来の再送信で成功する可能性がある。
	ClassificationRetryable Classification = "retryable"
	// ClassificationTimedOut は送信操作のタイムアウトにより配信が中断されたことを表す。
	// タイムアウトはエンドポイントの失効の証拠にはならないため、削除しない。
	ClassificationTimedOut Classification = "timed_out"
)

// ShouldPrune は購読レコードを削除すべき分類かどうかを返す。
func (c Classification) ShouldPrune() bool {
	return c == ClassificationGone
}

// Retryable は将来の再送信で成功する可能性がある分類かどうかを返す。
func (c Classification) Retryable() bool {
	return c == ClassificationRetryable || c == ClassificationTimedOut
}

// classifyStatus はプッシュサービスのHTTPステータスコードを結果分類へ写像する。
// 何を「失効」とみなすかの判断はすべてこの関数に集約する。
// 404は宛先不明だが、410と異なり削除対象にはしない。
func classifyStatus(code int) Classification {
	switch {
	case code >= 200 && code < 300:
		return ClassificationAccepted
	case code == http.StatusGone:
		return ClassificationGone
	case code == http.StatusRequestEntityTooLarge:
		return ClassificationPayloadTooLarge
	case code == http.StatusTooManyRequests || code >= 500:
		return ClassificationRetryable
	default:
		// 404を含むその他の4xxは恒久的な拒否として報告のみ行う
		return ClassificationRejected
	}
}

// DeliveryResult は1購読者への1回の配信試行の結果を表す。
type DeliveryResult struct {
	// Endpoint は配信先のエンドポイントURL。
	Endpoint string `json:"endpoint"`
	// Success はプッシュサービスがメッセージを受理したかどうか。
	Success bool `json:"success"`
	// Classification は結果の分類。
	Classification Classification `json:"classification"`
	// StatusCode はプッシュサービスが返したHTTPステータスコード。
	// リクエストが送信に至らなかった場合は0。
	StatusCode int `json:"status_code,omitempty"`
	// Error は失敗時の詳細メッセージ。
	Error string `json:"error,omitempty"`
}

// SendReport は1回の送信操作の集計結果を表す。
// 部分的な成功は正常な状態であり、呼び出し側には常にレポートが返る。
type SendReport struct {
	// TotalTargeted は送信対象となった購読の総数。
	TotalTargeted int `json:"total_targeted"`
	// Succeeded は受理された配信の数。
	Succeeded int `json:"succeeded"`
	// Failed は失敗した配信の数。
	Failed int `json:"failed"`
	// PrunedEndpoints は失効により削除されたエンドポイントの一覧。
	PrunedEndpoints []string `json:"pruned_endpoints"`
	// Results は購読者ごとの配信結果。順序は保証しない。
	Results []DeliveryResult `json:"results"`
}
