package push

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/nao1215/pushgate/pkg/vapid"
	"github.com/nao1215/pushgate/pkg/webpush"
)

// Notification は1回の送信操作の間だけ存在する通知内容。永続化はしない。
type Notification struct {
	// Title は通知のタイトル。
	Title string `json:"title"`
	// Body は通知の本文。
	Body string `json:"body"`
	// Icon は通知に表示するアイコンのパス。
	Icon string `json:"icon"`
	// Badge はステータスバーに表示するバッジのパス。
	Badge string `json:"badge"`
	// URL は通知クリック時の遷移先。
	URL string `json:"url"`
}

// 未指定フィールドのデフォルト値。
const (
	defaultTitle = "New Notification"
	defaultBody  = "You have a new notification!"
	defaultIcon  = "/logo192.png"
	defaultURL   = "/"
)

// withDefaults は未指定のフィールドをデフォルト値で埋めた通知を返す。
func (n Notification) withDefaults() Notification {
	if n.Title == "" {
		n.Title = defaultTitle
	}
	if n.Body == "" {
		n.Body = defaultBody
	}
	if n.Icon == "" {
		n.Icon = defaultIcon
	}
	if n.Badge == "" {
		n.Badge = n.Icon
	}
	if n.URL == "" {
		n.URL = defaultURL
	}
	return n
}

// 配信パラメータのデフォルト値。
const (
	// defaultTTL はプッシュサービスが未配信メッセージを保持する秒数（4週間）。
	defaultTTL = 2419200
	// defaultMaxConcurrency は同時配信数の上限。大量の購読者がいても
	// リソースを使い切らないための歯止め。
	defaultMaxConcurrency = 50
	// defaultSendTimeout は1回の送信操作全体のタイムアウト。
	defaultSendTimeout = 30 * time.Second
)

// subscriptionStore はディスパッチャが購読ストアに要求する操作。
type subscriptionStore interface {
	List(ctx context.Context) ([]Subscription, error)
	Delete(ctx context.Context, endpoint string) error
}

// Dispatcher は全購読者への通知のファンアウト配信を行う。
// 構築後は不変であり、複数のゴルーチンから並行して利用できる。
type Dispatcher struct {
	// identity は署名アイデンティティ。全配信で読み取り専用に共有される。
	identity *vapid.Identity
	// store は購読のスナップショット取得と失効レコードの削除に使用する。
	store subscriptionStore
	// client はプッシュサービスへのHTTPクライアント。
	client *http.Client
	// ttl はTTLヘッダーに設定する秒数。
	ttl int
	// maxConcurrency は同時配信数の上限。
	maxConcurrency int
	// timeout は1回の送信操作全体のタイムアウト。
	timeout time.Duration
}

// NewDispatcher は新しいディスパッチャを生成する。
// ゼロ値の設定項目にはデフォルト値を適用する。
func NewDispatcher(identity *vapid.Identity, store subscriptionStore, cfg Config) *Dispatcher {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	maxConcurrency := cfg.MaxConcurrency
	if maxConcurrency <= 0 {
		maxConcurrency = defaultMaxConcurrency
	}
	timeout := cfg.SendTimeout
	if timeout <= 0 {
		timeout = defaultSendTimeout
	}

	return &Dispatcher{
		identity: identity,
		store:    store,
		client: &http.Client{
			Timeout: timeout,
		},
		ttl:            ttl,
		maxConcurrency: maxConcurrency,
		timeout:        timeout,
	}
}

// Send は通知を全購読者へファンアウト配信し、集計レポートを返す。
//
// 操作開始時に購読の一覧をスナップショットとして取得し、購読者ごとに
// 暗号化・署名・送信を順に行う。1購読者の失敗は他の配信に影響しない。
// エラーを返すのは操作全体の失敗（ペイロード超過・スナップショット取得失敗）
// のみで、それ以外は部分的な失敗を含むレポートを常に返す。
func (d *Dispatcher) Send(ctx context.Context, n Notification) (*SendReport, error) {
	payload, err := json.Marshal(n.withDefaults())
	if err != nil {
		return nil, fmt.Errorf("通知ペイロードのシリアライズに失敗: %w", err)
	}
	if len(payload) > webpush.MaxPlaintextLength {
		return nil, fmt.Errorf("%w: %dバイト", webpush.ErrPayloadTooLarge, len(payload))
	}

	subs, err := d.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("購読スナップショットの取得に失敗: %w", err)
	}

	report := &SendReport{
		TotalTargeted:   len(subs),
		PrunedEndpoints: []string{},
		Results:         []DeliveryResult{},
	}
	if len(subs) == 0 {
		return report, nil
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	tokens := newTokenCache(d.identity)

	// 購読者ごとに独立したゴルーチンで配信し、セマフォで同時数を制限する。
	// 結果はインデックスで書き込むため共有する可変状態はない。
	results := make([]DeliveryResult, len(subs))
	sem := make(chan struct{}, d.maxConcurrency)
	var wg sync.WaitGroup
	for i, sub := range subs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			results[i] = d.deliver(ctx, sub, payload, tokens)
		}()
	}
	wg.Wait()

	// ライフサイクル処理: 失効した購読の削除は配信結果の分類に基づく明示的な
	// ステップとして行う。削除の失敗は配信結果の集計には影響させない。
	pruneCtx := context.WithoutCancel(ctx)
	for _, result := range results {
		if result.Success {
			report.Succeeded++
		} else {
			report.Failed++
		}
		if result.Classification.ShouldPrune() {
			if err := d.store.Delete(pruneCtx, result.Endpoint); err != nil {
				log.Printf("[Push] 失効した購読の削除に失敗: endpoint=%s, err=%v", result.Endpoint, err)
			} else {
				report.PrunedEndpoints = append(report.PrunedEndpoints, result.Endpoint)
			}
		}
		report.Results = append(report.Results, result)
	}

	log.Printf("[Push] 配信完了: %d/%d件成功, %d件削除", report.Succeeded, report.TotalTargeted, len(report.PrunedEndpoints))
	return report, nil
}

// deliver は1購読者への配信を行い、結果を分類して返す。
// 暗号化 → 署名 → 送信 → 分類の順で、この中の失敗が外へ伝播することはない。
func (d *Dispatcher) deliver(ctx context.Context, sub Subscription, payload []byte, tokens *tokenCache) DeliveryResult {
	result := DeliveryResult{Endpoint: sub.Endpoint}

	recipientKey, authSecret, err := webpush.ParseSubscriptionKeys(sub.P256dh, sub.Auth)
	if err != nil {
		result.Classification = ClassificationInvalidKey
		result.Error = err.Error()
		return result
	}

	body, err := webpush.Encrypt(recipientKey, authSecret, payload)
	if err != nil {
		if errors.Is(err, webpush.ErrPayloadTooLarge) {
			result.Classification = ClassificationPayloadTooLarge
		} else {
			result.Classification = ClassificationInvalidKey
		}
		result.Error = err.Error()
		return result
	}

	authorization, err := tokens.authorization(sub.Endpoint)
	if err != nil {
		result.Classification = ClassificationRejected
		result.Error = err.Error()
		return result
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.Endpoint, bytes.NewReader(body))
	if err != nil {
		result.Classification = ClassificationRejected
		result.Error = fmt.Sprintf("HTTPリクエストの作成に失敗: %v", err)
		return result
	}
	req.Header.Set("Content-Encoding", "aes128gcm")
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("TTL", strconv.Itoa(d.ttl))
	req.Header.Set("Authorization", authorization)

	resp, err := d.client.Do(req)
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
			result.Classification = ClassificationTimedOut
			result.Error = "送信操作がタイムアウトしました"
		} else {
			result.Classification = ClassificationRetryable
			result.Error = fmt.Sprintf("リクエストの送信に失敗: %v", err)
		}
		return result
	}
	defer func() { _ = resp.Body.Close() }()

	result.StatusCode = resp.StatusCode
	result.Classification = classifyStatus(resp.StatusCode)
	result.Success = result.Classification == ClassificationAccepted
	if !result.Success {
		result.Error = fmt.Sprintf("プッシュサービスがステータス%dを返しました", resp.StatusCode)
	}
	return result
}

// tokenCache は同一バッチ内で同じオリジン向けのトークンを再利用する。
// 正しさの条件は有効期限のみなので、バッチ内での再利用は常に安全である。
type tokenCache struct {
	// identity はトークンの発行元。
	identity *vapid.Identity
	// mu はbyOriginを保護する。
	mu sync.Mutex
	// byOrigin はオリジンごとの発行済みAuthorizationヘッダー値。
	byOrigin map[string]string
}

// newTokenCache は新しいトークンキャッシュを生成する。
func newTokenCache(identity *vapid.Identity) *tokenCache {
	return &tokenCache{
		identity: identity,
		byOrigin: make(map[string]string),
	}
}

// authorization はエンドポイントのオリジン向けのAuthorizationヘッダー値を返す。
// 同じオリジンへの2回目以降の呼び出しはキャッシュを返す。
func (c *tokenCache) authorization(endpoint string) (string, error) {
	origin, err := vapid.Origin(endpoint)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if cached, ok := c.byOrigin[origin]; ok {
		return cached, nil
	}

	header, err := c.identity.Authorization(origin)
	if err != nil {
		return "", err
	}
	c.byOrigin[origin] = header
	return header, nil
}
