package push

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics はプッシュ配信のPrometheusメトリクス。
type Metrics struct {
	// Connections は開いているストリーム接続数。
	Connections prometheus.Gauge
	// OnlineUsers は1つ以上の接続を持つユーザー数。
	OnlineUsers prometheus.Gauge
	// Published は種類ごとの発行済みエンベロープ数。
	Published *prometheus.CounterVec
	// Delivered は接続の送信キューに積まれたエンベロープ数。
	Delivered prometheus.Counter
	// Dropped は送信キューが満杯のため破棄されたエンベロープ数。
	Dropped prometheus.Counter
}

// NewMetrics はメトリクスを生成してregに登録する。
// regがnilの場合は登録しない（テスト用）。
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Connections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "push_connections",
			Help: "Number of open push stream connections",
		}),
		OnlineUsers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "push_online_users",
			Help: "Number of users with at least one open push connection",
		}),
		Published: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "push_published_total",
			Help: "Total number of envelopes published",
		}, []string{"kind"}),
		Delivered: factory.NewCounter(prometheus.CounterOpts{
			Name: "push_delivered_total",
			Help: "Total number of envelopes queued to a connection",
		}),
		Dropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "push_dropped_total",
			Help: "Total number of envelopes dropped because a connection queue was full",
		}),
	}
}
