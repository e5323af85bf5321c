package vapid

import (
	"bytes"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"strings"
)

// 鍵素材のバイト長。P-256の秘密鍵スカラーと非圧縮公開鍵点の長さ。
const (
	privateKeyLength = 32
	publicKeyLength  = 65
)

// Identity はプロセス全体で共有される署名アイデンティティ。
// P-256鍵ペアと連絡先URIを保持する。構築後は不変であり、
// 複数のゴルーチンから同期なしで安全に読み取れる。
type Identity struct {
	// privateKey はES256署名に使用する秘密鍵。
	privateKey *ecdsa.PrivateKey
	// publicKey は非圧縮公開鍵点のbase64url（パディングなし）表現。
	publicKey string
	// contact は正規化済みの連絡先URI（mailto: または http(s):）。
	contact string
}

// NewIdentity はbase64url形式の鍵ペアと連絡先からアイデンティティを構築する。
// 鍵素材の長さ・曲線上の点であることを検証し、公開鍵が秘密鍵から導出される
// ものと一致するかを確認する。いずれかが不正な場合はエラーを返す。
// 設定エラーとして扱い、プロセスを起動させないこと。
func NewIdentity(publicKey, privateKey, contact string) (*Identity, error) {
	rawPriv, err := decodeKey(privateKey)
	if err != nil {
		return nil, fmt.Errorf("秘密鍵のデコードに失敗: %w", err)
	}
	if len(rawPriv) != privateKeyLength {
		return nil, fmt.Errorf("秘密鍵の長さが不正: got %d, want %d", len(rawPriv), privateKeyLength)
	}

	// スカラーの範囲検証はcrypto/ecdhに任せる
	ecdhPriv, err := ecdh.P256().NewPrivateKey(rawPriv)
	if err != nil {
		return nil, fmt.Errorf("秘密鍵が不正: %w", err)
	}
	derivedPub := ecdhPriv.PublicKey().Bytes()

	rawPub, err := decodeKey(publicKey)
	if err != nil {
		return nil, fmt.Errorf("公開鍵のデコードに失敗: %w", err)
	}
	if len(rawPub) != publicKeyLength {
		return nil, fmt.Errorf("公開鍵の長さが不正: got %d, want %d", len(rawPub), publicKeyLength)
	}
	if !bytes.Equal(rawPub, derivedPub) {
		return nil, errors.New("公開鍵が秘密鍵と対応していません")
	}

	normalized, err := normalizeContact(contact)
	if err != nil {
		return nil, err
	}

	return &Identity{
		privateKey: ecdsaPrivateKey(rawPriv, derivedPub),
		publicKey:  encodeKey(derivedPub),
		contact:    normalized,
	}, nil
}

// GenerateIdentity は新しい鍵ペアを生成してアイデンティティを構築する。
// テストや鍵生成コマンドで使用する。
func GenerateIdentity(contact string) (*Identity, error) {
	publicKey, privateKey, err := GenerateKeys()
	if err != nil {
		return nil, err
	}
	return NewIdentity(publicKey, privateKey, contact)
}

// GenerateKeys は新しいP-256鍵ペアを生成し、base64url形式で返す。
func GenerateKeys() (publicKey, privateKey string, err error) {
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return "", "", fmt.Errorf("鍵ペアの生成に失敗: %w", err)
	}
	return encodeKey(priv.PublicKey().Bytes()), encodeKey(priv.Bytes()), nil
}

// PublicKey は公開鍵のbase64url表現を返す。
// 購読時にクライアントへ配布する値であり、Authorizationヘッダーのk=にも使われる。
func (i *Identity) PublicKey() string {
	return i.publicKey
}

// Contact は正規化済みの連絡先URIを返す。
func (i *Identity) Contact() string {
	return i.contact
}

// ecdsaPrivateKey は検証済みの鍵素材からES256署名用の秘密鍵を組み立てる。
// rawPubはrawPrivから導出した非圧縮公開鍵点であること。
func ecdsaPrivateKey(rawPriv, rawPub []byte) *ecdsa.PrivateKey {
	return &ecdsa.PrivateKey{
		PublicKey: ecdsa.PublicKey{
			Curve: elliptic.P256(),
			X:     new(big.Int).SetBytes(rawPub[1:33]),
			Y:     new(big.Int).SetBytes(rawPub[33:]),
		},
		D: new(big.Int).SetBytes(rawPriv),
	}
}

// normalizeContact は連絡先をVAPIDのsubクレームに使えるURIへ正規化する。
// メールアドレスのみが渡された場合はmailto:を付与する。
func normalizeContact(contact string) (string, error) {
	c := strings.TrimSpace(contact)
	switch {
	case c == "":
		return "", errors.New("連絡先が設定されていません")
	case strings.HasPrefix(c, "mailto:"),
		strings.HasPrefix(c, "https://"),
		strings.HasPrefix(c, "http://"):
		return c, nil
	case strings.Contains(c, "@"):
		return "mailto:" + c, nil
	}
	return "", fmt.Errorf("連絡先はmailto:またはhttp(s)のURIが必要です: %s", c)
}

// decodeKey はbase64url（パディング有無を問わない）の鍵素材をデコードする。
func decodeKey(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
}

// encodeKey は鍵素材をパディングなしのbase64urlへエンコードする。
func encodeKey(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}
