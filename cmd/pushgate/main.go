// Web Push配信サービスのエントリポイント。
// 購読の登録・解除と、全購読者への暗号化された通知のファンアウト配信を行う。
package main

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/nao1215/pushgate/internal/push"
	"github.com/nao1215/pushgate/pkg/vapid"
)

func main() {
	// 署名アイデンティティは必須。欠落・不正ならプロセスを起動させない。
	identity, err := vapid.NewIdentity(
		os.Getenv("VAPID_PUBLIC_KEY"),
		os.Getenv("VAPID_PRIVATE_KEY"),
		os.Getenv("VAPID_CONTACT"),
	)
	if err != nil {
		log.Fatalf("VAPID設定の読み込みに失敗: %v（cmd/vapidgenで鍵を生成できます）", err)
	}

	cfg := push.Config{
		Port:           getEnvOr("PORT", "8080"),
		DBPath:         getEnvOr("DB_PATH", "/data/pushgate.db?_journal_mode=WAL&_busy_timeout=5000"),
		Identity:       identity,
		TTL:            getEnvIntOr("PUSH_TTL", 0),
		MaxConcurrency: getEnvIntOr("MAX_CONCURRENCY", 0),
		SendTimeout:    time.Duration(getEnvIntOr("SEND_TIMEOUT_SECONDS", 0)) * time.Second,
		AllowedOrigins: []string{getEnvOr("FRONTEND_URL", "*")},
	}

	server, err := push.NewServer(cfg)
	if err != nil {
		log.Fatalf("プッシュ配信サーバーの初期化に失敗: %v", err)
	}

	log.Printf("プッシュ配信サービスを起動します: :%s", cfg.Port)
	if err := server.Run(); err != nil {
		log.Fatalf("プッシュ配信サービスの起動に失敗: %v", err)
	}
}

// getEnvOr は環境変数の値を返す。未設定の場合はデフォルト値を返す。
func getEnvOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// getEnvIntOr は整数の環境変数を読み取る。未設定ならデフォルト値を返し、
// 数値として解釈できなければ設定エラーとして起動を中断する。
func getEnvIntOr(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Fatalf("%s の値が不正です: %v", key, err)
	}
	return n
}
