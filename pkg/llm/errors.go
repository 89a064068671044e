package llm

import (
	"fmt"
	"net/http"
)

// StatusError 表示供应商返回了非 2xx 的 HTTP 状态码。
type StatusError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: status code %d: %s", e.Provider, e.StatusCode, e.Body)
}

// Temporary 报告该状态码是否值得重试（408、429 和 5xx）。
func (e *StatusError) Temporary() bool {
	return e.StatusCode == http.StatusRequestTimeout ||
		e.StatusCode == http.StatusTooManyRequests ||
		e.StatusCode >= http.StatusInternalServerError
}
