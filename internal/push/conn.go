package push

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Conn はRegistryに登録された1本のストリーム接続。
// Registerが返す取得トークンでもあり、Unregisterまたは接続元コンテキストの
// キャンセルで解放される。どちらの経路でも後始末は一度だけ行われる。
type Conn struct {
	// id は接続の一意識別子（UUID）。
	id string
	// userID は接続の所有ユーザーID。
	userID string
	// connectedAt は接続が登録された日時。
	connectedAt time.Time
	// send は配信待ちエンベロープの有界キュー。クローズしない。
	send chan []byte
	// done は接続の解放時にクローズされる。
	done chan struct{}
	// closeOnce はdoneのクローズを一度に限定する。
	closeOnce sync.Once
	// stopWatch はコンテキスト監視を停止する関数。
	stopWatch func() bool
}

func newConn(userID string, queueSize int) *Conn {
	return &Conn{
		id:          uuid.New().String(),
		userID:      userID,
		connectedAt: time.Now().UTC(),
		send:        make(chan []byte, queueSize),
		done:        make(chan struct{}),
	}
}

// ID は接続の識別子を返す。
func (c *Conn) ID() string { return c.id }

// UserID は接続の所有ユーザーIDを返す。
func (c *Conn) UserID() string { return c.userID }

// ConnectedAt は接続が登録された日時を返す。
func (c *Conn) ConnectedAt() time.Time { return c.connectedAt }

// Messages は配信待ちエンベロープを受け取るチャネルを返す。
// 発行された順序で取り出される。
func (c *Conn) Messages() <-chan []byte { return c.send }

// Done は接続が解放されるとクローズされるチャネルを返す。
func (c *Conn) Done() <-chan struct{} { return c.done }

// Closed は接続が解放済みかどうかを返す。
func (c *Conn) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// enqueue はエンベロープをブロックせずに送信キューへ積む。
// 解放済み、またはキューが満杯の場合はfalseを返す。
func (c *Conn) enqueue(msg []byte) bool {
	if c.Closed() {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// close は接続を解放済みにする。複数回呼んでも安全。
func (c *Conn) close() {
	c.closeOnce.Do(func() {
		if c.stopWatch != nil {
			c.stopWatch()
		}
		close(c.done)
	})
}
