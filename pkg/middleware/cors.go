package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const (
	// corsAllowMethods はブラウザから呼ばれるメソッド。内部APIのPOSTは含めない。
	corsAllowMethods = "GET, PUT, OPTIONS"
	// corsAllowHeaders はブラウザが付けるリクエストヘッダー。
	corsAllowHeaders = "Authorization, Content-Type, Cache-Control"
)

// CORS は指定されたオリジンからのクロスオリジンリクエストを許可するGinミドルウェアを返す。
// ブラウザのフロントエンドから通知APIとEventSourceのストリームへアクセスするために使用する。
// EventSourceはヘッダーを付けられないため、ストリームはaccess_tokenクエリで認証する。
func CORS(allowedOrigins []string) gin.HandlerFunc {
	originsSet := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originsSet[o] = struct{}{}
	}

	return func(c *gin.Context) {
		// 応答がオリジンごとに変わるのでキャッシュに区別させる
		c.Header("Vary", "Origin")

		origin := c.GetHeader("Origin")
		if _, ok := originsSet[origin]; ok {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Methods", corsAllowMethods)
			c.Header("Access-Control-Allow-Headers", corsAllowHeaders)
			c.Header("Access-Control-Max-Age", "86400")
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
