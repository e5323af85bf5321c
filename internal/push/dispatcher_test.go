package push

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nao1215/pushgate/pkg/vapid"
	"github.com/nao1215/pushgate/pkg/webpush"
)

// newTestIdentity はテスト用の署名アイデンティティを生成するヘルパー関数。
func newTestIdentity(t *testing.T) *vapid.Identity {
	t.Helper()

	identity, err := vapid.GenerateIdentity("mailto:admin@example.com")
	if err != nil {
		t.Fatalf("テスト用アイデンティティの生成に失敗: %v", err)
	}
	return identity
}

// newRecipientKeys は実際に復号可能な受信者鍵素材をbase64url形式で生成する。
func newRecipientKeys(t *testing.T) (p256dh, auth string) {
	t.Helper()

	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("受信者鍵ペアの生成に失敗: %v", err)
	}
	authSecret := make([]byte, 16)
	if _, err := rand.Read(authSecret); err != nil {
		t.Fatalf("認証シークレットの生成に失敗: %v", err)
	}
	return base64.RawURLEncoding.EncodeToString(priv.PublicKey().Bytes()),
		base64.RawURLEncoding.EncodeToString(authSecret)
}

// newPushService は指定パスごとに応答を変えるプッシュサービスのモックを起動する。
// /ok/ は201、/gone/ は410、/missing/ は404、/busy/ は503、
// /slow/ はクライアントが切断するまで応答しない。
func newPushService(t *testing.T) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/ok/", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusCreated)
	})
	mux.HandleFunc("/gone/", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusGone)
	})
	mux.HandleFunc("/missing/", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	mux.HandleFunc("/busy/", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	mux.HandleFunc("/slow/", func(_ http.ResponseWriter, r *http.Request) {
		// ボディを読み切らないとサーバーがクライアントの切断を検知できない
		_, _ = io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

// addSubscription は鍵素材を自動生成して購読をストアへ登録するヘルパー関数。
func addSubscription(t *testing.T, store *Store, endpoint string) {
	t.Helper()

	p256dh, auth := newRecipientKeys(t)
	if err := store.Upsert(t.Context(), endpoint, p256dh, auth); err != nil {
		t.Fatalf("購読登録に失敗: %v", err)
	}
}

// resultFor はレポートから指定エンドポイントの配信結果を取り出すヘルパー関数。
func resultFor(t *testing.T, report *SendReport, endpoint string) DeliveryResult {
	t.Helper()

	for _, result := range report.Results {
		if result.Endpoint == endpoint {
			return result
		}
	}
	t.Fatalf("エンドポイントの結果が見つかりません: %s", endpoint)
	return DeliveryResult{}
}

// TestSendFanOutIsolation は1購読者の失敗が他の配信を妨げないことを検証する。
func TestSendFanOutIsolation(t *testing.T) {
	t.Parallel()

	service := newPushService(t)
	store := openTestStore(t)

	// 4件の有効な購読と1件の失効した購読
	for i := range 4 {
		addSubscription(t, store, fmt.Sprintf("%s/ok/%d", service.URL, i))
	}
	goneEndpoint := service.URL + "/gone/dead"
	addSubscription(t, store, goneEndpoint)

	d := NewDispatcher(newTestIdentity(t), store, Config{})
	report, err := d.Send(t.Context(), Notification{Title: "Hi", Body: "there"})
	if err != nil {
		t.Fatalf("送信操作に失敗: %v", err)
	}

	if report.TotalTargeted != 5 {
		t.Errorf("total_targeted: got %d, want 5", report.TotalTargeted)
	}
	if report.Succeeded != 4 {
		t.Errorf("succeeded: got %d, want 4", report.Succeeded)
	}
	if report.Failed != 1 {
		t.Errorf("failed: got %d, want 1", report.Failed)
	}
	if len(report.PrunedEndpoints) != 1 || report.PrunedEndpoints[0] != goneEndpoint {
		t.Errorf("pruned_endpoints: got %v, want [%s]", report.PrunedEndpoints, goneEndpoint)
	}

	// 失効した購読のみがストアから消えている
	subs, err := store.List(t.Context())
	if err != nil {
		t.Fatalf("購読一覧の取得に失敗: %v", err)
	}
	if len(subs) != 4 {
		t.Errorf("残った購読数: got %d, want 4", len(subs))
	}
	for _, sub := range subs {
		if sub.Endpoint == goneEndpoint {
			t.Error("失効した購読が削除されていません")
		}
	}
}

// TestSendScenario は有効・失効・タイムアウトが混在するシナリオを検証する。
// 期待値: 成功1件（A）、失敗2件（B, C）、削除はBのみ、Cはリトライ可能として残る。
func TestSendScenario(t *testing.T) {
	t.Parallel()

	service := newPushService(t)
	store := openTestStore(t)

	endpointA := service.URL + "/ok/a"
	endpointB := service.URL + "/gone/b"
	endpointC := service.URL + "/slow/c"
	addSubscription(t, store, endpointA)
	addSubscription(t, store, endpointB)
	addSubscription(t, store, endpointC)

	d := NewDispatcher(newTestIdentity(t), store, Config{SendTimeout: 500 * time.Millisecond})
	report, err := d.Send(t.Context(), Notification{Title: "Hi", Body: "there"})
	if err != nil {
		t.Fatalf("送信操作に失敗: %v", err)
	}

	if report.Succeeded != 1 {
		t.Errorf("succeeded: got %d, want 1", report.Succeeded)
	}
	if report.Failed != 2 {
		t.Errorf("failed: got %d, want 2", report.Failed)
	}
	if len(report.PrunedEndpoints) != 1 || report.PrunedEndpoints[0] != endpointB {
		t.Errorf("pruned_endpoints: got %v, want [%s]", report.PrunedEndpoints, endpointB)
	}

	if got := resultFor(t, report, endpointA).Classification; got != ClassificationAccepted {
		t.Errorf("Aの分類: got %s, want %s", got, ClassificationAccepted)
	}
	if got := resultFor(t, report, endpointB).Classification; got != ClassificationGone {
		t.Errorf("Bの分類: got %s, want %s", got, ClassificationGone)
	}
	resultC := resultFor(t, report, endpointC)
	if resultC.Classification != ClassificationTimedOut {
		t.Errorf("Cの分類: got %s, want %s", resultC.Classification, ClassificationTimedOut)
	}
	if !resultC.Classification.Retryable() {
		t.Error("タイムアウトがリトライ可能として分類されていません")
	}

	// Cはストアに残っている
	subs, err := store.List(t.Context())
	if err != nil {
		t.Fatalf("購読一覧の取得に失敗: %v", err)
	}
	if len(subs) != 2 {
		t.Fatalf("残った購読数: got %d, want 2", len(subs))
	}
	remaining := map[string]bool{}
	for _, sub := range subs {
		remaining[sub.Endpoint] = true
	}
	if !remaining[endpointC] {
		t.Error("タイムアウトした購読が削除されています")
	}
}

// TestSend404NotPruned は404が報告のみで削除されないことを検証する。
func TestSend404NotPruned(t *testing.T) {
	t.Parallel()

	service := newPushService(t)
	store := openTestStore(t)
	endpoint := service.URL + "/missing/x"
	addSubscription(t, store, endpoint)

	d := NewDispatcher(newTestIdentity(t), store, Config{})
	report, err := d.Send(t.Context(), Notification{})
	if err != nil {
		t.Fatalf("送信操作に失敗: %v", err)
	}

	if got := resultFor(t, report, endpoint).Classification; got != ClassificationRejected {
		t.Errorf("分類: got %s, want %s", got, ClassificationRejected)
	}
	if len(report.PrunedEndpoints) != 0 {
		t.Errorf("pruned_endpoints: got %v, want 空", report.PrunedEndpoints)
	}

	count, err := store.Count(t.Context())
	if err != nil {
		t.Fatalf("購読件数の取得に失敗: %v", err)
	}
	if count != 1 {
		t.Errorf("購読件数: got %d, want 1", count)
	}
}

// TestSendRetryableStatus は5xxが一時的な失敗として分類されることを検証する。
func TestSendRetryableStatus(t *testing.T) {
	t.Parallel()

	service := newPushService(t)
	store := openTestStore(t)
	endpoint := service.URL + "/busy/x"
	addSubscription(t, store, endpoint)

	d := NewDispatcher(newTestIdentity(t), store, Config{})
	report, err := d.Send(t.Context(), Notification{})
	if err != nil {
		t.Fatalf("送信操作に失敗: %v", err)
	}

	result := resultFor(t, report, endpoint)
	if result.Classification != ClassificationRetryable {
		t.Errorf("分類: got %s, want %s", result.Classification, ClassificationRetryable)
	}
	if result.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status_code: got %d, want %d", result.StatusCode, http.StatusServiceUnavailable)
	}
}

// TestSendInvalidKeyNotPruned は不正な鍵素材が恒久エラーとして報告され、
// 購読は削除されないことを検証する。
func TestSendInvalidKeyNotPruned(t *testing.T) {
	t.Parallel()

	service := newPushService(t)
	store := openTestStore(t)
	endpoint := service.URL + "/ok/x"
	if err := store.Upsert(t.Context(), endpoint, "not-a-valid-key", "bm90LXZhbGlk"); err != nil {
		t.Fatalf("購読登録に失敗: %v", err)
	}

	d := NewDispatcher(newTestIdentity(t), store, Config{})
	report, err := d.Send(t.Context(), Notification{})
	if err != nil {
		t.Fatalf("送信操作に失敗: %v", err)
	}

	result := resultFor(t, report, endpoint)
	if result.Classification != ClassificationInvalidKey {
		t.Errorf("分類: got %s, want %s", result.Classification, ClassificationInvalidKey)
	}
	if result.Success {
		t.Error("不正な鍵素材の配信が成功扱いになっています")
	}

	count, err := store.Count(t.Context())
	if err != nil {
		t.Fatalf("購読件数の取得に失敗: %v", err)
	}
	if count != 1 {
		t.Errorf("購読件数: got %d, want 1", count)
	}
}

// TestSendEmptyStore は購読者ゼロの場合に空のレポートを返すことを検証する。
func TestSendEmptyStore(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	d := NewDispatcher(newTestIdentity(t), store, Config{})

	report, err := d.Send(t.Context(), Notification{Title: "Hi"})
	if err != nil {
		t.Fatalf("送信操作に失敗: %v", err)
	}
	if report.TotalTargeted != 0 || report.Succeeded != 0 || report.Failed != 0 {
		t.Errorf("空レポートではありません: %+v", report)
	}
}

// failingStore はスナップショット取得が常に失敗するストアのスタブ。
type failingStore struct{}

func (failingStore) List(_ context.Context) ([]Subscription, error) {
	return nil, errors.New("データベース接続が失われました")
}

func (failingStore) Delete(_ context.Context, _ string) error {
	return nil
}

// TestSendSnapshotFailure はスナップショット取得の失敗が操作全体の
// エラーとなり、何も配信されないことを検証する。
func TestSendSnapshotFailure(t *testing.T) {
	t.Parallel()

	d := NewDispatcher(newTestIdentity(t), failingStore{}, Config{})

	if _, err := d.Send(t.Context(), Notification{}); err == nil {
		t.Error("スナップショット失敗でエラーが返されませんでした")
	}
}

// TestSendPayloadTooLarge は上限超過のペイロードが配信前に拒否されることを検証する。
func TestSendPayloadTooLarge(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	d := NewDispatcher(newTestIdentity(t), store, Config{})

	_, err := d.Send(t.Context(), Notification{Body: strings.Repeat("x", webpush.MaxPlaintextLength)})
	if !errors.Is(err, webpush.ErrPayloadTooLarge) {
		t.Errorf("エラー分類: got %v, want ErrPayloadTooLarge", err)
	}
}

// TestSendRequestShape はプッシュサービスへのリクエストのヘッダーと
// ボディの構成を検証する。
func TestSendRequestShape(t *testing.T) {
	t.Parallel()

	var (
		mu      sync.Mutex
		headers http.Header
		bodyLen int
		keyID   byte
	)
	service := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		headers = r.Header.Clone()
		bodyLen = len(body)
		if len(body) > 20 {
			// key_id_lengthフィールドはsalt(16B)+record_size(4B)の直後
			keyID = body[20]
		}
		mu.Unlock()
		w.WriteHeader(http.StatusCreated)
	}))
	t.Cleanup(service.Close)

	store := openTestStore(t)
	addSubscription(t, store, service.URL+"/push/abc")

	identity := newTestIdentity(t)
	d := NewDispatcher(identity, store, Config{TTL: 60})
	report, err := d.Send(t.Context(), Notification{Title: "Hi"})
	if err != nil {
		t.Fatalf("送信操作に失敗: %v", err)
	}
	if report.Succeeded != 1 {
		t.Fatalf("succeeded: got %d, want 1", report.Succeeded)
	}

	mu.Lock()
	defer mu.Unlock()
	if got := headers.Get("Content-Encoding"); got != "aes128gcm" {
		t.Errorf("Content-Encoding: got %q, want aes128gcm", got)
	}
	if got := headers.Get("TTL"); got != "60" {
		t.Errorf("TTL: got %q, want 60", got)
	}
	if got := headers.Get("Content-Type"); got != "application/octet-stream" {
		t.Errorf("Content-Type: got %q, want application/octet-stream", got)
	}
	authorization := headers.Get("Authorization")
	if !strings.HasPrefix(authorization, "vapid t=") {
		t.Errorf("Authorizationがvapid t=で始まっていません: %q", authorization)
	}
	if !strings.HasSuffix(authorization, ", k="+identity.PublicKey()) {
		t.Errorf("Authorizationのk=が公開鍵と一致しません: %q", authorization)
	}
	// 自己記述ヘッダー(86B) + 暗号文
	if bodyLen <= 86 {
		t.Errorf("ボディが短すぎます: %dバイト", bodyLen)
	}
	if keyID != 65 {
		t.Errorf("key_id_length: got %d, want 65", keyID)
	}
}

// TestSendConcurrencyBound は同時配信数が設定した上限を超えないことを検証する。
func TestSendConcurrencyBound(t *testing.T) {
	t.Parallel()

	var (
		mu      sync.Mutex
		current int
		peak    int
	)
	service := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		current++
		if current > peak {
			peak = current
		}
		mu.Unlock()

		time.Sleep(50 * time.Millisecond)

		mu.Lock()
		current--
		mu.Unlock()
		w.WriteHeader(http.StatusCreated)
	}))
	t.Cleanup(service.Close)

	store := openTestStore(t)
	for i := range 6 {
		addSubscription(t, store, fmt.Sprintf("%s/push/%d", service.URL, i))
	}

	d := NewDispatcher(newTestIdentity(t), store, Config{MaxConcurrency: 2})
	report, err := d.Send(t.Context(), Notification{})
	if err != nil {
		t.Fatalf("送信操作に失敗: %v", err)
	}
	if report.Succeeded != 6 {
		t.Errorf("succeeded: got %d, want 6", report.Succeeded)
	}

	mu.Lock()
	defer mu.Unlock()
	if peak > 2 {
		t.Errorf("同時配信数の上限超過: peak=%d, want <= 2", peak)
	}
}

// TestTokenCache は同一オリジンのトークンがバッチ内で再利用されることを検証する。
// ES256署名は呼び出しごとに異なる値になるため、同一の文字列が返れば
// キャッシュが効いている証拠になる。
func TestTokenCache(t *testing.T) {
	t.Parallel()

	cache := newTokenCache(newTestIdentity(t))

	first, err := cache.authorization("https://push.example.com/ep-1")
	if err != nil {
		t.Fatalf("トークン発行に失敗: %v", err)
	}
	second, err := cache.authorization("https://push.example.com/ep-2")
	if err != nil {
		t.Fatalf("トークン発行に失敗: %v", err)
	}
	if first != second {
		t.Error("同一オリジンでトークンが再利用されていません")
	}

	other, err := cache.authorization("https://other.example.com/ep-3")
	if err != nil {
		t.Fatalf("トークン発行に失敗: %v", err)
	}
	if first == other {
		t.Error("異なるオリジンで同じトークンが返されました")
	}
}
