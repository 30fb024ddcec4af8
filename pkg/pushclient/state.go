package pushclient

import "time"

// State はクライアントの接続状態。
type State int

const (
	// StateDisconnected は接続していない状態。Connect前とDisconnect後。
	StateDisconnected State = iota
	// StateConnecting はストリームへの接続を試みている状態。
	StateConnecting
	// StateConnected はストリームを受信している状態。
	StateConnected
	// StateBackoff は再接続までの待ち時間中の状態。
	StateBackoff
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateBackoff:
		return "backoff"
	default:
		return "unknown"
	}
}

// Status は接続状態リスナーに渡される状態遷移。
type Status struct {
	// State は遷移後の状態。
	State State
	// Attempt は連続して失敗した接続試行の回数。接続に成功すると0に戻る。
	Attempt int
	// Delay はBackoffで次の接続まで待つ時間。
	Delay time.Duration
	// Err はBackoffに入る原因となったエラー。
	Err error
}

// Connected は遷移後にストリームを受信中かどうかを返す。
func (s Status) Connected() bool {
	return s.State == StateConnected
}

// Backoff は再接続の待ち時間の設定。
type Backoff struct {
	// Initial は最初の待ち時間。
	Initial time.Duration
	// Max は待ち時間の上限。
	Max time.Duration
	// Factor は失敗ごとに待ち時間に掛ける倍率。
	Factor float64
}

// DefaultBackoff は既定の再接続設定（500ms から倍々で最大30秒）。
var DefaultBackoff = Backoff{
	Initial: 500 * time.Millisecond,
	Max:     30 * time.Second,
	Factor:  2,
}

// Delay はattempt回目（0始まり）の失敗後に待つ時間を返す。
func (b Backoff) Delay(attempt int) time.Duration {
	if b.Initial <= 0 {
		b.Initial = DefaultBackoff.Initial
	}
	if b.Max < b.Initial {
		b.Max = b.Initial
	}
	if b.Factor < 1 {
		b.Factor = 1
	}

	d := float64(b.Initial)
	for range attempt {
		d *= b.Factor
		if d >= float64(b.Max) {
			return b.Max
		}
	}
	return time.Duration(d)
}
