package vapid

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// tokenLifetime はトークンの有効期間。
// プロトコル上の上限は24時間だが、リプレイ窓を狭めるため12時間に抑える。
const tokenLifetime = 12 * time.Hour

// Origin はエンドポイントURLからプッシュサービスのオリジン
// （スキーム＋ホスト）を取り出す。トークンのaudクレームに使用する。
func Origin(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("エンドポイントURLの解析に失敗: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", errors.New("エンドポイントURLにスキームまたはホストがありません")
	}
	return u.Scheme + "://" + u.Host, nil
}

// Authorization は指定オリジンに対してのみ有効なAuthorizationヘッダー値を発行する。
// ES256で署名したアサーションと公開鍵を `vapid t=<token>, k=<key>` 形式で返す。
// 署名失敗は鍵の破損を意味する設定エラーであり、リトライしてはならない。
func (i *Identity) Authorization(origin string) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"aud": origin,
		"exp": now.Add(tokenLifetime).Unix(),
		"sub": i.contact,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	signed, err := token.SignedString(i.privateKey)
	if err != nil {
		return "", fmt.Errorf("トークンの署名に失敗: %w", err)
	}
	return fmt.Sprintf("vapid t=%s, k=%s", signed, i.publicKey), nil
}
