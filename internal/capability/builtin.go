package capability

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// WebhookAction posts the invocation as JSON to a fixed URL. The request
// body carries the action name, its parameters, and the execution variables.
func WebhookAction(name, url string, headers map[string]string) Action {
	client := &http.Client{
		Timeout: 10 * time.Second,
	}

	return func(ctx context.Context, params, vars map[string]any) (any, error) {
		payload, err := json.Marshal(map[string]any{
			"action":     name,
			"parameters": params,
			"variables":  vars,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to marshal payload: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}

		req.Header.Set("Content-Type", "application/json")
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("webhook request failed: %w", err)
		}
		defer resp.Body.Close()

		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, fmt.Errorf("webhook returned %d: %s", resp.StatusCode, string(body))
		}

		var out map[string]any
		if len(body) > 0 && json.Unmarshal(body, &out) == nil {
			return out, nil
		}
		return map[string]any{"status": resp.StatusCode}, nil
	}
}

// LogAction records the invocation through the structured logger. Useful as
// a notification sink in development and as the default for dry runs.
func LogAction(logger *slog.Logger) Action {
	return func(ctx context.Context, params, vars map[string]any) (any, error) {
		logger.InfoContext(ctx, "action invoked",
			"parameters", params,
			"variable_count", len(vars))
		return map[string]any{"logged": true}, nil
	}
}

// NoopAction succeeds immediately without side effects.
func NoopAction() Action {
	return func(ctx context.Context, params, vars map[string]any) (any, error) {
		return map[string]any{}, nil
	}
}
