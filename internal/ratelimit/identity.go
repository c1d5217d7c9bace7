package ratelimit

import (
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

const identityHashLength = 16

// HashIdentity はクライアント識別子（IPなど）を塩付きの鍵付き BLAKE2b でハッシュし、先頭16桁を返します。
// 生の IP をストアやログに残さないために使います。
func HashIdentity(salt, identity string) string {
	key := blake2b.Sum256([]byte(salt))
	h, err := blake2b.New256(key[:])
	if err != nil {
		// 32バイト鍵では発生しない
		panic(err)
	}
	h.Write([]byte(identity))
	return hex.EncodeToString(h.Sum(nil))[:identityHashLength]
}
