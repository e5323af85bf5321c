package webpush

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// 暗号文ブロックの構成要素のバイト長。
const (
	saltLength       = 16
	recordSizeLength = 4
	keyIDLenLength   = 1
	publicKeyLength  = 65
	gcmTagLength     = 16
	// minPaddingLength はレコード末尾の区切りバイト（0x02）とパディング1バイト。
	minPaddingLength = 2
)

// headerLength は自己記述ヘッダーの長さ（86バイト）。
// salt || recordSize || keyIDLen || ephemeralPublicKey の並び。
const headerLength = saltLength + recordSizeLength + keyIDLenLength + publicKeyLength

// MaxRecordSize は暗号文ブロック全体の上限。受信側がレコードサイズを
// 広告しない場合の安全なデフォルト値。
const MaxRecordSize = 4096

// MaxPlaintextLength は1メッセージで送信できる平文の上限。
// ヘッダー・GCMタグ・最小パディングを差し引いた残り。
const MaxPlaintextLength = MaxRecordSize - headerLength - gcmTagLength - minPaddingLength

// HKDFのinfo文字列。aes128gcmコンテンツエンコーディングで規定されている。
const (
	infoIKM   = "WebPush: info\x00"
	infoCEK   = "Content-Encoding: aes128gcm\x00"
	infoNonce = "Content-Encoding: nonce\x00"
)

// 恒久的な暗号化エラー。いずれもリトライで解消しない。
var (
	// ErrInvalidRecipientKey は受信者の公開鍵が不正（長さ・曲線外の点）を表す。
	ErrInvalidRecipientKey = errors.New("受信者の公開鍵が不正です")
	// ErrInvalidAuthSecret は認証シークレットの長さが不正を表す。
	ErrInvalidAuthSecret = errors.New("認証シークレットは16バイトである必要があります")
	// ErrPayloadTooLarge は平文がレコードサイズ上限を超えたことを表す。
	ErrPayloadTooLarge = errors.New("ペイロードがレコードサイズの上限を超えています")
)

// Encrypt は平文をaes128gcm形式の暗号文ブロックへ暗号化する。
// recipientKeyは受信者の非圧縮P-256公開鍵（65バイト）、authSecretは
// 購読時に共有された16バイトのシークレット。
//
// メッセージごとに使い捨てのP-256鍵ペアとソルトを生成するため、
// 同じ平文でも呼び出しごとに異なるブロックが返る。呼び出し間で共有する
// 可変状態はなく、並行して呼び出して安全である。
func Encrypt(recipientKey, authSecret, plaintext []byte) ([]byte, error) {
	if len(plaintext) > MaxPlaintextLength {
		return nil, fmt.Errorf("%w: %dバイト（上限%dバイト）", ErrPayloadTooLarge, len(plaintext), MaxPlaintextLength)
	}
	if len(authSecret) != saltLength {
		return nil, fmt.Errorf("%w: got %dバイト", ErrInvalidAuthSecret, len(authSecret))
	}

	curve := ecdh.P256()
	recipientPub, err := curve.NewPublicKey(recipientKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRecipientKey, err)
	}

	// 使い捨て鍵ペア。再利用すると複数メッセージ間で共有秘密が漏れる。
	ephemeral, err := curve.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("使い捨て鍵ペアの生成に失敗: %w", err)
	}
	ephemeralPub := ephemeral.PublicKey().Bytes()

	sharedSecret, err := ephemeral.ECDH(recipientPub)
	if err != nil {
		return nil, fmt.Errorf("%w: ECDH計算に失敗: %v", ErrInvalidRecipientKey, err)
	}

	salt := make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("ソルトの生成に失敗: %w", err)
	}

	key, nonce, err := deriveKeyAndNonce(sharedSecret, authSecret, salt, recipientKey, ephemeralPub)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("AES暗号器の初期化に失敗: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("GCMモードの初期化に失敗: %w", err)
	}

	// 末尾レコードの区切りバイト0x02に続けてゼロパディングを付ける
	padded := make([]byte, 0, len(plaintext)+minPaddingLength)
	padded = append(padded, plaintext...)
	padded = append(padded, 0x02, 0x00)

	ciphertext := gcm.Seal(nil, nonce, padded, nil)

	out := make([]byte, 0, headerLength+len(ciphertext))
	out = append(out, salt...)
	out = binary.BigEndian.AppendUint32(out, uint32(len(ciphertext)))
	out = append(out, byte(publicKeyLength))
	out = append(out, ephemeralPub...)
	out = append(out, ciphertext...)
	return out, nil
}

// deriveKeyAndNonce は共有秘密と認証シークレットからコンテンツ暗号鍵（16バイト）
// とノンス（12バイト）を導出する。導出はHKDF-SHA256を2段階で行い、
// 受信者と送信者双方の公開鍵にバインドする。
func deriveKeyAndNonce(sharedSecret, authSecret, salt, recipientKey, ephemeralPub []byte) (key, nonce []byte, err error) {
	info := make([]byte, 0, len(infoIKM)+2*publicKeyLength)
	info = append(info, infoIKM...)
	info = append(info, recipientKey...)
	info = append(info, ephemeralPub...)

	prk := hkdf.Extract(sha256.New, sharedSecret, authSecret)
	ikm, err := readKeyMaterial(hkdf.Expand(sha256.New, prk, info), 32)
	if err != nil {
		return nil, nil, err
	}

	prk = hkdf.Extract(sha256.New, ikm, salt)
	key, err = readKeyMaterial(hkdf.Expand(sha256.New, prk, []byte(infoCEK)), 16)
	if err != nil {
		return nil, nil, err
	}
	nonce, err = readKeyMaterial(hkdf.Expand(sha256.New, prk, []byte(infoNonce)), 12)
	if err != nil {
		return nil, nil, err
	}
	return key, nonce, nil
}

// readKeyMaterial はHKDFの出力ストリームから指定バイト数を読み取る。
func readKeyMaterial(r io.Reader, n int) ([]byte, error) {
	out := make([]byte, n)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("鍵導出に失敗: %w", err)
	}
	return out, nil
}

// DecodeKey はブラウザから送られるbase64url形式の鍵素材をデコードする。
// パディングの有無は問わない。
func DecodeKey(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
}

// ParseSubscriptionKeys は購読時にブラウザが提示した鍵素材をデコードして検証する。
// p256dhは曲線上の点であること、authは16バイトであることを確認する。
// 不正な素材は恒久エラーであり、該当する購読は配信対象として成立しない。
func ParseSubscriptionKeys(p256dh, auth string) (recipientKey, authSecret []byte, err error) {
	recipientKey, err = DecodeKey(p256dh)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: デコードに失敗: %v", ErrInvalidRecipientKey, err)
	}
	if _, err := ecdh.P256().NewPublicKey(recipientKey); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidRecipientKey, err)
	}

	authSecret, err = DecodeKey(auth)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: デコードに失敗: %v", ErrInvalidAuthSecret, err)
	}
	if len(authSecret) != saltLength {
		return nil, nil, fmt.Errorf("%w: got %dバイト", ErrInvalidAuthSecret, len(authSecret))
	}
	return recipientKey, authSecret, nil
}
