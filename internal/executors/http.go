package executors

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rendis/stepflow/internal/engine"
	"github.com/rendis/stepflow/pkg/schema"
)

// httpRequestExecutor performs an HTTP request described by the step input:
//
//	{"url": "...", "method": "GET", "headers": {...}, "body": ..., "auth": {...},
//	 "timeout": "30s", "fail_on_error_status": false}
//
// The output carries status_code, headers, the (JSON-parsed when possible)
// body and the request duration.
func httpRequestExecutor(cfg Config) engine.ExecutorFunc {
	return func(ctx context.Context, ec *engine.ExecContext) (json.RawMessage, error) {
		params := decodeParams(ec.Input)

		rawURL := stringParam(params, "url", "")
		if rawURL == "" {
			return nil, schema.NewError(schema.ErrCodeValidation, "http.request: missing required param 'url'")
		}
		u, err := url.ParseRequestURI(rawURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "http.request: invalid url %q", rawURL)
		}

		method := strings.ToUpper(stringParam(params, "method", "GET"))
		timeout := durationParam(params, "timeout", cfg.HTTPTimeout)
		failOnErrorStatus := boolParam(params, "fail_on_error_status", false)

		var bodyReader io.Reader
		var contentType string
		if rawBody, ok := params["body"]; ok && rawBody != nil {
			b, marshalErr := json.Marshal(rawBody)
			if marshalErr != nil {
				return nil, schema.NewError(schema.ErrCodeExecution, "http.request: failed to marshal body").WithCause(marshalErr)
			}
			bodyReader = strings.NewReader(string(b))
			contentType = "application/json"
		}

		reqCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		req, err := http.NewRequestWithContext(reqCtx, method, rawURL, bodyReader)
		if err != nil {
			return nil, schema.NewError(schema.ErrCodeExecution, "http.request: failed to create request").WithCause(err)
		}
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		for k, v := range stringMapParam(params, "headers") {
			req.Header.Set(k, v)
		}
		applyAuth(req, params)

		start := time.Now()
		resp, err := http.DefaultClient.Do(req)
		durationMs := time.Since(start).Milliseconds()
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeExecution, "http.request: request failed: %v", err).WithCause(err)
		}
		defer resp.Body.Close()

		bodyBytes, err := io.ReadAll(io.LimitReader(resp.Body, cfg.MaxResponseBody))
		if err != nil {
			return nil, schema.NewError(schema.ErrCodeExecution, "http.request: failed to read response body").WithCause(err)
		}

		respContentType := resp.Header.Get("Content-Type")
		var parsedBody any
		switch {
		case len(bodyBytes) == 0:
			parsedBody = nil
		case strings.Contains(respContentType, "application/json") && json.Valid(bodyBytes):
			var jsonBody any
			_ = json.Unmarshal(bodyBytes, &jsonBody)
			parsedBody = jsonBody
		default:
			parsedBody = string(bodyBytes)
		}

		respHeaders := make(map[string]string, len(resp.Header))
		for k := range resp.Header {
			respHeaders[k] = resp.Header.Get(k)
		}

		result := map[string]any{
			"status_code":  resp.StatusCode,
			"status":       resp.Status,
			"headers":      respHeaders,
			"body":         parsedBody,
			"content_type": respContentType,
			"duration_ms":  durationMs,
		}

		if failOnErrorStatus && resp.StatusCode >= 400 {
			return nil, schema.NewErrorf(schema.ErrCodeExecution, "http.request: server returned %d", resp.StatusCode).
				WithDetails(result)
		}

		return json.Marshal(result)
	}
}

func applyAuth(req *http.Request, params map[string]any) {
	authRaw, ok := params["auth"]
	if !ok {
		return
	}
	auth, ok := authRaw.(map[string]any)
	if !ok {
		return
	}
	switch stringParam(auth, "type", "") {
	case "bearer":
		req.Header.Set("Authorization", "Bearer "+stringParam(auth, "token", ""))
	case "basic":
		req.SetBasicAuth(stringParam(auth, "username", ""), stringParam(auth, "password", ""))
	case "api_key":
		if name := stringParam(auth, "header_name", ""); name != "" {
			req.Header.Set(name, stringParam(auth, "header_value", ""))
		}
	}
}
