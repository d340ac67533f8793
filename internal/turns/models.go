package turns

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

const (
	modelListTTL  = time.Minute
	rateLimitsTTL = 15 * time.Second

	// maxModelPages bounds cursor pagination against a worker that keeps
	// handing back cursors.
	maxModelPages = 10
)

// Model is one entry of the worker's model catalogue.
type Model struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName,omitempty"`
	Hidden      bool   `json:"hidden,omitempty"`
}

// ListModels returns the worker's model catalogue, cached briefly so the
// UI can poll without hammering the worker. Hidden models are filtered
// out unless asked for.
func (c *Controller) ListModels(ctx context.Context, includeHidden bool) ([]Model, error) {
	key := "hidden:" + strconv.FormatBool(includeHidden)
	return c.models.Get(ctx, key, includeHidden, modelListTTL)
}

// RateLimits reads the account rate-limit snapshot, cached for a few
// seconds; the payload is passed through untouched.
func (c *Controller) RateLimits(ctx context.Context) (json.RawMessage, error) {
	return c.rateLimits.Get(ctx, "rate-limits", struct{}{}, rateLimitsTTL)
}

func (c *Controller) fetchModels(ctx context.Context, includeHidden bool) ([]Model, error) {
	type modelEntry struct {
		ID          string `json:"id"`
		Model       string `json:"model"`
		DisplayName string `json:"displayName"`
		Hidden      bool   `json:"hidden"`
	}

	var (
		out    []Model
		seen   = map[string]bool{}
		cursor string
	)
	for page := 0; page < maxModelPages; page++ {
		params := map[string]any{}
		if cursor != "" {
			params["cursor"] = cursor
		}
		res, err := c.worker.Request(ctx, "model/list", params)
		if err != nil {
			return nil, err
		}

		var probe struct {
			Models     []modelEntry `json:"models"`
			Items      []modelEntry `json:"items"`
			NextCursor string       `json:"nextCursor"`
		}
		if err := json.Unmarshal(res, &probe); err != nil {
			return nil, fmt.Errorf("decoding model/list result: %w", err)
		}
		entries := probe.Models
		if len(entries) == 0 {
			entries = probe.Items
		}

		for _, e := range entries {
			id := e.ID
			if id == "" {
				id = e.Model
			}
			if id == "" || seen[id] {
				continue
			}
			seen[id] = true
			if e.Hidden && !includeHidden {
				continue
			}
			out = append(out, Model{ID: id, DisplayName: e.DisplayName, Hidden: e.Hidden})
		}

		if probe.NextCursor == "" || probe.NextCursor == cursor {
			break
		}
		cursor = probe.NextCursor
	}
	return out, nil
}

func (c *Controller) fetchRateLimits(ctx context.Context, _ struct{}) (json.RawMessage, error) {
	return c.worker.Request(ctx, "account/rateLimits/read", map[string]any{})
}
