package web

import (
	"strings"

	"github.com/gin-gonic/gin"
)

const languageKey = "language"

// I18nMiddleware 解析 Accept-Language 并写入上下文
func I18nMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(languageKey, parseAcceptLanguage(c.GetHeader("Accept-Language")))
		c.Next()
	}
}

// parseAcceptLanguage "en-US,en;q=0.9" -> "en-US"，未知语言回退中文
func parseAcceptLanguage(header string) string {
	first := strings.TrimSpace(strings.Split(header, ",")[0])
	if idx := strings.Index(first, ";"); idx != -1 {
		first = first[:idx]
	}
	if strings.HasPrefix(strings.ToLower(first), "en") {
		return "en-US"
	}
	return "zh-CN"
}

// GetLanguage 从上下文获取语言
func GetLanguage(c *gin.Context) string {
	if v, ok := c.Get(languageKey); ok {
		if lang, ok := v.(string); ok {
			return lang
		}
	}
	return "zh-CN"
}
