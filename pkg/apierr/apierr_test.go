package apierr

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/valyala/fasthttp"
)

func decode(t *testing.T, ctx *fasthttp.RequestCtx) envelope {
	t.Helper()
	var env envelope
	if err := json.Unmarshal(ctx.Response.Body(), &env); err != nil {
		t.Fatalf("invalid JSON body %q: %v", ctx.Response.Body(), err)
	}
	return env
}

func TestWrite(t *testing.T) {
	var ctx fasthttp.RequestCtx
	Write(&ctx, fasthttp.StatusBadRequest, CodeBadRequest)

	if ctx.Response.StatusCode() != fasthttp.StatusBadRequest {
		t.Fatalf("status = %d", ctx.Response.StatusCode())
	}
	if ct := string(ctx.Response.Header.ContentType()); ct != "application/json" {
		t.Errorf("content type = %q", ct)
	}
	env := decode(t, &ctx)
	if env.Error != CodeBadRequest {
		t.Errorf("error = %q", env.Error)
	}
	if env.Suggestion != suggestions[CodeBadRequest] {
		t.Errorf("suggestion = %q", env.Suggestion)
	}
}

func TestWriteRateLimit_UpstreamHint(t *testing.T) {
	var ctx fasthttp.RequestCtx
	WriteRateLimit(&ctx, 17*time.Second)

	if ctx.Response.StatusCode() != fasthttp.StatusTooManyRequests {
		t.Fatalf("status = %d", ctx.Response.StatusCode())
	}
	if ra := string(ctx.Response.Header.Peek("Retry-After")); ra != "17" {
		t.Errorf("Retry-After = %q, want 17", ra)
	}
	env := decode(t, &ctx)
	if env.Error != CodeRateLimited {
		t.Errorf("error = %q", env.Error)
	}
	if !strings.Contains(env.Suggestion, "17") {
		t.Errorf("suggestion should mention the wait: %q", env.Suggestion)
	}
}

func TestWriteRateLimit_Default(t *testing.T) {
	var ctx fasthttp.RequestCtx
	WriteRateLimit(&ctx, 0)
	if ra := string(ctx.Response.Header.Peek("Retry-After")); ra != "60" {
		t.Errorf("Retry-After = %q, want 60", ra)
	}
}

func TestRetryAfterSeconds(t *testing.T) {
	cases := map[time.Duration]int{
		0:                       60,
		-time.Second:            60,
		time.Second:             1,
		1500 * time.Millisecond: 2,
		90 * time.Second:        90,
	}
	for d, want := range cases {
		if got := RetryAfterSeconds(d); got != want {
			t.Errorf("RetryAfterSeconds(%v) = %d, want %d", d, got, want)
		}
	}
}

func TestSuggestion_UnknownCodeFallsBack(t *testing.T) {
	if got := Suggestion("something_else", 0); got != suggestions[CodeInternalError] {
		t.Errorf("unexpected fallback %q", got)
	}
	for code, s := range suggestions {
		if s == "" {
			t.Errorf("empty suggestion for %s", code)
		}
	}
}
