// VAPID鍵ペア生成コマンド。
// 生成した鍵を環境変数としてプッシュ配信サービスに設定する。
package main

import (
	"fmt"
	"log"

	"github.com/nao1215/pushgate/pkg/vapid"
)

func main() {
	publicKey, privateKey, err := vapid.GenerateKeys()
	if err != nil {
		log.Fatalf("鍵ペアの生成に失敗: %v", err)
	}

	fmt.Println("VAPID鍵ペアを生成しました。以下を環境変数に設定してください。")
	fmt.Println("秘密鍵は公開リポジトリにコミットしないこと。")
	fmt.Println()
	fmt.Printf("VAPID_PUBLIC_KEY=%s\n", publicKey)
	fmt.Printf("VAPID_PRIVATE_KEY=%s\n", privateKey)
}
