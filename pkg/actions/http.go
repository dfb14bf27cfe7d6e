package actions

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// webhook POSTs params["payload"] as JSON to params["url"].
func (h *handlers) webhook(ctx context.Context, params map[string]interface{}) (Result, error) {
	url := stringParam(params, "url", "")
	if url == "" {
		return Failed("No URL provided"), nil
	}

	payload, ok := params["payload"]
	if !ok || payload == nil {
		payload = map[string]interface{}{}
	}

	status, _, err := h.postJSON(ctx, url, payload)
	if err != nil {
		return Failed("%v", err), nil
	}

	return Result{
		Success: status >= 200 && status < 300,
		Error:   errorForStatus(status),
		Details: map[string]interface{}{"status_code": status},
	}, nil
}

// storeFix stops the scenario feeding the incident, then disables the chaos
// mode on the storefront.
func (h *handlers) storeFix(ctx context.Context, params map[string]interface{}) (Result, error) {
	storeURL := strings.TrimRight(stringParam(params, "store_url", h.cfg.StoreURL), "/")
	chaosMode := stringParam(params, "chaos_mode", "checkout_fails")
	scenarioID := stringParam(params, "scenario_id", "")
	action := stringParam(params, "action", "disable")

	details := map[string]interface{}{}

	if scenarioID != "" && h.cfg.ScenarioURL != "" {
		stopURL := fmt.Sprintf("%s/scenarios/stop/%s", strings.TrimRight(h.cfg.ScenarioURL, "/"), scenarioID)
		status, _, err := h.postJSON(ctx, stopURL, nil)
		switch {
		case err != nil:
			h.logger.Warn().Err(err).Str("scenario_id", scenarioID).Msg("Error stopping scenario")
			details["scenario_stop_error"] = err.Error()
		case status >= 200 && status < 300:
			details["scenario_stopped"] = true
		default:
			h.logger.Warn().Int("status", status).Str("scenario_id", scenarioID).Msg("Failed to stop scenario")
			details["scenario_stopped"] = false
		}
	}

	status, body, err := h.postJSON(ctx, storeURL+"/api/chaos", map[string]interface{}{
		"action": action,
		"mode":   chaosMode,
		"token":  h.cfg.AgentToken,
	})
	if err != nil {
		return Failed("%v", err), nil
	}
	if status < 200 || status >= 300 {
		return Result{
			Error: fmt.Sprintf("Store returned %d", status),
			Details: map[string]interface{}{
				"response": string(body),
				"details":  details,
			},
		}, nil
	}

	var storeResponse interface{}
	if err := json.Unmarshal(body, &storeResponse); err != nil {
		storeResponse = string(body)
	}

	h.logger.Info().Str("chaos_mode", chaosMode).Msg("Disabled store chaos mode")

	return Succeeded(map[string]interface{}{
		"action":         "store_chaos_fixed",
		"chaos_mode":     chaosMode,
		"scenario_id":    scenarioID,
		"store_response": storeResponse,
		"details":        details,
		"message":        fmt.Sprintf("Successfully disabled %s mode in store and stopped scenario", chaosMode),
	}), nil
}

// screenshot captures the page at params["url"] into the evidence directory.
// The capture is the HTTP response body, not a rendered image.
func (h *handlers) screenshot(ctx context.Context, params map[string]interface{}) (Result, error) {
	url := stringParam(params, "url", h.cfg.StoreURL)
	label := stringParam(params, "label", "evidence")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Failed("%v", err), nil
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return Failed("%v", err), nil
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return Failed("failed to read page: %v", err), nil
	}

	if err := os.MkdirAll(h.cfg.EvidenceDir, 0o755); err != nil {
		return Failed("failed to create evidence dir: %v", err), nil
	}

	filename := fmt.Sprintf("%s_%s.html", label, strings.ReplaceAll(uuid.New().String(), "-", "")[:8])
	path := filepath.Join(h.cfg.EvidenceDir, filename)
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return Failed("failed to write evidence: %v", err), nil
	}

	h.logger.Info().Str("url", url).Str("file", path).Msg("Evidence captured")

	return Succeeded(map[string]interface{}{
		"action":   "screenshot_captured",
		"file_url": h.cfg.EvidenceURLPrefix + "/" + filename,
		"details": map[string]interface{}{
			"filepath":    path,
			"filename":    filename,
			"url":         url,
			"status_code": resp.StatusCode,
			"timestamp":   time.Now().UTC().Format(time.RFC3339),
		},
	}), nil
}

func (h *handlers) postJSON(ctx context.Context, url string, payload interface{}) (int, []byte, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, fmt.Errorf("failed to marshal payload: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("failed to read response: %w", err)
	}
	return resp.StatusCode, respBody, nil
}

func errorForStatus(status int) string {
	if status >= 200 && status < 300 {
		return ""
	}
	return fmt.Sprintf("webhook returned %d", status)
}
