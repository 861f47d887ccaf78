// Package apierr writes the gateway's JSON error body:
//
//	{"error": "<machine code>", "suggestion": "<Persian text for end users>"}
//
// The UI shows the suggestion verbatim and offers a manual retry.
package apierr

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/valyala/fasthttp"
)

// Code constants. The upstream-related ones match providers.ErrorKind.String().
const (
	CodeBadRequest        = "bad_request"
	CodeMissingCredential = "missing_credential"
	CodeRateLimited       = "rate_limited"
	CodeTimeout           = "timeout"
	CodeTransport         = "transport_error"
	CodeUpstream          = "upstream_error"
	CodeMalformedResponse = "malformed_response"
	CodeCanceled          = "canceled"
	CodeMethodNotAllowed  = "method_not_allowed"
	CodeNotFound          = "not_found"
	CodeInternalError     = "internal_error"
)

// DefaultRetryAfter is advertised when the upstream gave no hint.
const DefaultRetryAfter = 60 * time.Second

type envelope struct {
	Error      string `json:"error"`
	Suggestion string `json:"suggestion"`
}

var suggestions = map[string]string{
	CodeBadRequest:        "درخواست نامعتبر است. لطفاً متن ورودی را بررسی کرده و دوباره ارسال کنید.",
	CodeMissingCredential: "سرویس هوش مصنوعی پیکربندی نشده است. لطفاً با پشتیبانی تماس بگیرید.",
	CodeTimeout:           "پاسخ سرویس هوش مصنوعی بیش از حد طول کشید. لطفاً چند لحظه بعد دوباره تلاش کنید.",
	CodeTransport:         "ارتباط با سرویس هوش مصنوعی برقرار نشد. لطفاً کمی بعد دوباره تلاش کنید.",
	CodeUpstream:          "سرویس هوش مصنوعی با خطا مواجه شد. لطفاً دوباره تلاش کنید.",
	CodeMalformedResponse: "پاسخ نامعتبری از سرویس هوش مصنوعی دریافت شد. لطفاً دوباره تلاش کنید.",
	CodeCanceled:          "درخواست لغو شد. در صورت نیاز دوباره تلاش کنید.",
	CodeMethodNotAllowed:  "این نوع درخواست پشتیبانی نمی‌شود. لطفاً از POST استفاده کنید.",
	CodeNotFound:          "مسیر درخواستی یافت نشد.",
	CodeInternalError:     "خطای داخلی رخ داد. لطفاً بعداً دوباره تلاش کنید.",
}

const rateLimitedFormat = "سرویس هوش مصنوعی در حال حاضر پرترافیک است. لطفاً %d ثانیه دیگر دوباره تلاش کنید."

// Suggestion returns the Persian hint for code. retryAfter is only used for
// CodeRateLimited; zero means DefaultRetryAfter.
func Suggestion(code string, retryAfter time.Duration) string {
	if code == CodeRateLimited {
		return fmt.Sprintf(rateLimitedFormat, RetryAfterSeconds(retryAfter))
	}
	if s, ok := suggestions[code]; ok {
		return s
	}
	return suggestions[CodeInternalError]
}

// RetryAfterSeconds rounds d up to whole seconds, falling back to
// DefaultRetryAfter for non-positive values.
func RetryAfterSeconds(d time.Duration) int {
	if d <= 0 {
		d = DefaultRetryAfter
	}
	secs := int(d / time.Second)
	if d%time.Second != 0 {
		secs++
	}
	return secs
}

// Write writes the error body with the given HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, code string) {
	write(ctx, status, code, Suggestion(code, 0))
}

// WriteRateLimit writes a 429 with a Retry-After header.
func WriteRateLimit(ctx *fasthttp.RequestCtx, retryAfter time.Duration) {
	secs := RetryAfterSeconds(retryAfter)
	ctx.Response.Header.Set("Retry-After", strconv.Itoa(secs))
	write(ctx, fasthttp.StatusTooManyRequests, CodeRateLimited, fmt.Sprintf(rateLimitedFormat, secs))
}

func write(ctx *fasthttp.RequestCtx, status int, code, suggestion string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Error: code, Suggestion: suggestion})
	ctx.SetBody(body)
}
