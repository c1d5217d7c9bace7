// Package storage はレート制限とトークン消費記録のための
// キーバリューストア抽象化レイヤーを提供します。
//
// 実装は2つあります:
//   - MemoryStore: プロセス内の上限付きマップ（単一インスタンス内でのみ正確）
//   - RedisStore: 外部Redis（インスタンス間で正確だがネットワーク遅延と独自の障害モードがある）
//
// どちらの実装も Update を原子的に実行します。
package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound はキーが存在しない（または期限切れ）場合に返されます。
	ErrNotFound = errors.New("storage: key not found")

	// ErrStorageFault はバックエンド障害を表します。呼び出し側には公開せずログに記録します。
	ErrStorageFault = errors.New("storage: backend fault")
)

// UpdateFunc は現在値（存在しない場合は nil）を受け取り、保存する新しい値を返します。
// nil を返した場合は書き込みを行いません。
type UpdateFunc func(current []byte) ([]byte, error)

// Store はストレージ実装が満たすインターフェースです。
type Store interface {
	// Get はキーの値を返します。存在しない場合は ErrNotFound を返します。
	Get(ctx context.Context, key string) ([]byte, error)
	// Set は TTL 付きで値を保存します。ttl <= 0 の場合は期限なしです。
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// SetIfAbsent はキーが存在しない場合のみ保存し、保存できたかを返します。
	SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	// Update は読み取り・変更・書き込みを原子的に行います。
	Update(ctx context.Context, key string, ttl time.Duration, fn UpdateFunc) error
	Delete(ctx context.Context, key string) error
	// Cleanup は期限切れエントリを削除し、削除件数を返します。何度呼んでも安全です。
	Cleanup(ctx context.Context) (int, error)
	// Backend はログや管理画面向けのバックエンド名です。
	Backend() string
	Close() error
}

// wrapFault はバックエンド由来のエラーを ErrStorageFault でラップします。
func wrapFault(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrStorageFault) {
		return err
	}
	return &FaultError{Op: op, Err: err}
}

// FaultError はストレージ障害の詳細です。errors.Is(err, ErrStorageFault) が真になります。
type FaultError struct {
	Op  string
	Err error
}

func (e *FaultError) Error() string {
	return "storage " + e.Op + ": " + e.Err.Error()
}

func (e *FaultError) Unwrap() []error {
	return []error{ErrStorageFault, e.Err}
}
