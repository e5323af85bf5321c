package push

import (
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	_ "modernc.org/sqlite"

	"github.com/nao1215/pushgate/pkg/middleware"
	"github.com/nao1215/pushgate/pkg/vapid"
	"github.com/nao1215/pushgate/pkg/webpush"
)

// Config はサービス起動時に与えられる設定。起動後は変更されない。
type Config struct {
	// Port はサーバーのリッスンポート。
	Port string
	// DBPath はSQLiteデータベースのパス（接続オプションを含む）。
	DBPath string
	// Identity は署名アイデンティティ。必須。
	Identity *vapid.Identity
	// TTL はプッシュサービスが未配信メッセージを保持する秒数。
	TTL int
	// MaxConcurrency は同時配信数の上限。
	MaxConcurrency int
	// SendTimeout は1回の送信操作全体のタイムアウト。
	SendTimeout time.Duration
	// AllowedOrigins はCORSで許可するオリジンの一覧。
	AllowedOrigins []string
}

// Server はWeb Push配信サービスのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// port はサーバーのリッスンポート。
	port string
	// store は購読レコードの永続化層。
	store *Store
	// db はSQLiteデータベース接続。
	db *sql.DB
	// identity は署名アイデンティティ。
	identity *vapid.Identity
	// dispatcher は通知のファンアウト配信エンジン。
	dispatcher *Dispatcher
}

// NewServer は新しいWeb Push配信サーバーを生成する。
// SQLiteデータベースの初期化とスキーマ適用を行う。
func NewServer(cfg Config) (*Server, error) {
	if cfg.Identity == nil {
		return nil, errors.New("署名アイデンティティが設定されていません")
	}

	sqlDB, err := sql.Open("sqlite", cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗: %w", err)
	}

	if err := initSchema(sqlDB); err != nil {
		return nil, fmt.Errorf("スキーマ初期化に失敗: %w", err)
	}

	router := gin.New()
	router.Use(middleware.Recovery())
	router.Use(gin.Logger())
	router.Use(middleware.CORS(cfg.AllowedOrigins))

	store := NewStore(sqlDB)
	s := &Server{
		router:     router,
		port:       cfg.Port,
		store:      store,
		db:         sqlDB,
		identity:   cfg.Identity,
		dispatcher: NewDispatcher(cfg.Identity, store, cfg),
	}
	s.setupRoutes()

	return s, nil
}

// Run はHTTPサーバーを起動する。
func (s *Server) Run() error {
	return s.router.Run(fmt.Sprintf(":%s", s.port))
}

// setupRoutes はAPIルーティングを設定する。
func (s *Server) setupRoutes() {
	api := s.router.Group("/api")
	{
		// 購読時にクライアントへ配布する公開鍵
		api.GET("/vapid-public-key", s.handleVapidPublicKey())
		// 購読の登録（エンドポイントをキーとした冪等なupsert）
		api.POST("/subscribe", s.handleSubscribe())
		// 購読の解除
		api.DELETE("/unsubscribe", s.handleUnsubscribe())
		// 全購読者への通知送信
		api.POST("/send-notification", s.handleSendNotification())
		// 登録済み購読の一覧
		api.GET("/subscriptions", s.handleListSubscriptions())
	}

	// ヘルスチェック
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "pushgate"})
	})
}

// handleVapidPublicKey は署名公開鍵を返すハンドラ。
func (s *Server) handleVapidPublicKey() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"publicKey": s.identity.PublicKey()})
	}
}

// subscribeRequest は購読登録リクエストのJSON構造。
// ブラウザのPushSubscription.toJSON()と同じ形。
type subscribeRequest struct {
	// Endpoint はプッシュサービスが発行した配信先URL。
	Endpoint string `json:"endpoint" binding:"required"`
	// Keys は受信者の鍵素材。
	Keys struct {
		// P256dh は受信者のP-256公開鍵（base64url）。
		P256dh string `json:"p256dh" binding:"required"`
		// Auth は認証シークレット（base64url）。
		Auth string `json:"auth" binding:"required"`
	} `json:"keys" binding:"required"`
}

// handleSubscribe は購読を登録するハンドラ。
// 同じエンドポイントの再登録は鍵素材の更新として扱う。
func (s *Server) handleSubscribe() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req subscribeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}

		// 鍵素材は登録時に検証し、配信できない購読を受け付けない
		if _, _, err := webpush.ParseSubscriptionKeys(req.Keys.P256dh, req.Keys.Auth); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("鍵素材が不正です: %v", err)})
			return
		}

		if err := s.store.Upsert(c.Request.Context(), req.Endpoint, req.Keys.P256dh, req.Keys.Auth); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "購読の保存に失敗しました"})
			log.Printf("[Push] 購読登録エラー: %v", err)
			return
		}

		c.JSON(http.StatusCreated, gin.H{"message": "購読を登録しました"})
	}
}

// unsubscribeRequest は購読解除リクエストのJSON構造。
type unsubscribeRequest struct {
	// Endpoint は解除対象のエンドポイントURL。
	Endpoint string `json:"endpoint" binding:"required"`
}

// handleUnsubscribe は購読を解除するハンドラ。
// 存在しないエンドポイントの解除も成功として扱う。
func (s *Server) handleUnsubscribe() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req unsubscribeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}

		if err := s.store.Delete(c.Request.Context(), req.Endpoint); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "購読の解除に失敗しました"})
			log.Printf("[Push] 購読解除エラー: %v", err)
			return
		}

		c.JSON(http.StatusOK, gin.H{"message": "購読を解除しました"})
	}
}

// sendRequest は通知送信リクエストのJSON構造。全フィールド省略可能で、
// 省略時はデフォルト値が使われる。
type sendRequest struct {
	// Title は通知のタイトル。
	Title string `json:"title"`
	// Body は通知の本文。
	Body string `json:"body"`
	// URL は通知クリック時の遷移先。
	URL string `json:"url"`
}

// handleSendNotification は全購読者へ通知を配信するハンドラ。
// 部分的な失敗は正常な結果であり、常に集計レポートを返す。
func (s *Server) handleSendNotification() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req sendRequest
		if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}

		report, err := s.dispatcher.Send(c.Request.Context(), Notification{
			Title: req.Title,
			Body:  req.Body,
			URL:   req.URL,
		})
		if err != nil {
			if errors.Is(err, webpush.ErrPayloadTooLarge) {
				c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "通知ペイロードが大きすぎます"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "通知の送信に失敗しました"})
			log.Printf("[Push] 通知送信エラー: %v", err)
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"message": fmt.Sprintf("%d/%d件の購読者へ通知を送信しました", report.Succeeded, report.TotalTargeted),
			"report":  report,
		})
	}
}

// subscriptionResponse は購読一覧のJSONレスポンス構造。
// 認証シークレットは応答に含めない。
type subscriptionResponse struct {
	// ID は購読レコードの一意識別子。
	ID string `json:"id"`
	// Endpoint は配信先のエンドポイントURL。
	Endpoint string `json:"endpoint"`
	// CreatedAt は購読レコードの作成日時（RFC3339形式）。
	CreatedAt string `json:"created_at"`
}

// handleListSubscriptions は登録済み購読の一覧を返すハンドラ。
func (s *Server) handleListSubscriptions() gin.HandlerFunc {
	return func(c *gin.Context) {
		subs, err := s.store.List(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "購読一覧の取得に失敗しました"})
			log.Printf("[Push] 購読一覧取得エラー: %v", err)
			return
		}

		responses := make([]subscriptionResponse, 0, len(subs))
		for _, sub := range subs {
			responses = append(responses, subscriptionResponse{
				ID:        sub.ID,
				Endpoint:  sub.Endpoint,
				CreatedAt: sub.CreatedAt.Format(time.RFC3339),
			})
		}

		c.JSON(http.StatusOK, gin.H{
			"count":         len(responses),
			"subscriptions": responses,
		})
	}
}
