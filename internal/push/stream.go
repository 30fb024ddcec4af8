package push

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"
)

// DefaultHeartbeat はキープアライブコメントの既定送信間隔。
const DefaultHeartbeat = 25 * time.Second

// Stream はconnのエンベロープをServer-Sent Eventsとして書き出す。
// 接続が解放されるか、クライアントがリクエストを切断するまでブロックする。
// 呼び出し側はconnの登録にリクエストのコンテキストを渡しておくこと。
func Stream(c *gin.Context, conn *Conn, heartbeat time.Duration) {
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeat
	}

	h := c.Writer.Header()
	h.Set("Content-Type", sse.ContentType)
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	w := c.Writer
	if err := writeComment(w, "connected"); err != nil {
		return
	}
	w.Flush()

	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-conn.Done():
			return
		case msg := <-conn.Messages():
			if err := sse.Encode(w, sse.Event{Data: string(msg)}); err != nil {
				return
			}
		case <-ticker.C:
			if err := writeComment(w, "ping"); err != nil {
				return
			}
		}
		w.Flush()
	}
}

// writeComment はSSEのコメント行を書き出す。クライアントはコメントを無視する。
func writeComment(w io.Writer, text string) error {
	_, err := fmt.Fprintf(w, ": %s\n\n", text)
	return err
}
