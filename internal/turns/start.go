package turns

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/zjrosen/pont/internal/log"
	"github.com/zjrosen/pont/internal/store"
)

const maxAppPages = 10

// slashTokenRe matches $-prefixed tokens in text input items, e.g.
// "$deploy" or "$web.search".
var slashTokenRe = regexp.MustCompile(`\$[A-Za-z0-9._-]+`)

// InputItem is one element of a turn's input. Users send text items; the
// gateway injects skill and mention items during token expansion.
type InputItem struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
	Name string `json:"name,omitempty"`
	Path string `json:"path,omitempty"`
}

// TurnStartOptions are the caller-tunable knobs of a turn.
type TurnStartOptions struct {
	Model             string `json:"model,omitempty"`
	Effort            string `json:"effort,omitempty"`
	Cwd               string `json:"cwd,omitempty"`
	CollaborationMode string `json:"collaborationMode,omitempty"`
	PermissionMode    string `json:"permissionMode,omitempty"`
}

// TurnStartRequest is the POST /turns body.
type TurnStartRequest struct {
	Input   []InputItem      `json:"input"`
	Options TurnStartOptions `json:"options"`
}

// TurnStartResult reports the started turn plus any degradation warnings.
type TurnStartResult struct {
	TurnID   string   `json:"turnId"`
	Warnings []string `json:"warnings,omitempty"`
}

// collabPreset is a resolved collaboration mode preset.
type collabPreset struct {
	Mode                  string
	Name                  string
	Model                 string
	ReasoningEffort       string
	DeveloperInstructions string
}

type skillRef struct {
	Name string
	Path string
}

type appRef struct {
	ID   string
	Name string
}

type inputKey struct {
	Type string
	Name string
	Path string
}

// StartTurn runs the turn pipeline: validate input, infer cwd, expand
// $tokens, resolve the collaboration preset, then call turn/start with
// one resume-and-retry on a not-loaded thread. The original request is
// remembered so a later retry action can re-run the whole pipeline.
func (c *Controller) StartTurn(ctx context.Context, threadID string, req TurnStartRequest) (TurnStartResult, error) {
	if !hasContent(req.Input) {
		return TurnStartResult{}, ErrEmptyInput
	}

	cwd := strings.TrimSpace(req.Options.Cwd)
	explicitCwd := cwd != ""
	if cwd == "" {
		if row, err := c.store.GetThread(ctx, threadID); err == nil &&
			row.ProjectKey != "" && row.ProjectKey != store.UnknownProjectKey {
			cwd = row.ProjectKey
		}
	}

	input := c.expandSlashTokens(ctx, req.Input)

	preset, warnings, err := c.resolveCollaborationMode(ctx, req.Options.CollaborationMode)
	if err != nil {
		return TurnStartResult{}, err
	}

	model := req.Options.Model
	effort := req.Options.Effort
	developerInstructions := ""
	forwardMode := ""
	if preset != nil {
		if preset.Model != "" {
			model = preset.Model
		}
		if preset.ReasoningEffort != "" {
			effort = preset.ReasoningEffort
		}
		developerInstructions = preset.DeveloperInstructions
		forwardMode = req.Options.CollaborationMode
	}
	if model == "" {
		model = c.defaultModel
	}

	params := map[string]any{
		"threadId": threadID,
		"input":    input,
	}
	if model != "" {
		params["model"] = model
	}
	if effort != "" {
		params["effort"] = effort
	}
	if cwd != "" {
		params["cwd"] = cwd
	}
	if forwardMode != "" {
		params["collaborationMode"] = forwardMode
	}
	if developerInstructions != "" {
		params["developerInstructions"] = developerInstructions
	}
	if err := applyPermissionMode(params, req.Options.PermissionMode); err != nil {
		return TurnStartResult{}, err
	}

	res, err := c.requestWithResume(ctx, threadID, "turn/start", params)
	if err != nil {
		return TurnStartResult{}, err
	}
	turnID := extractTurnID(res)

	c.rememberTurnInput(threadID, req)
	if turnID != "" {
		c.setActiveTurn(threadID, turnID)
	}
	if explicitCwd {
		if err := c.store.UpdateThreadProjectKey(ctx, threadID, cwd); err != nil {
			log.Warn(log.CatTurn, "project key update failed", "threadId", threadID, "error", err)
		}
		c.resolver.Invalidate(ctx, threadID)
	}

	log.Info(log.CatTurn, "turn started", "threadId", threadID, "turnId", turnID)
	return TurnStartResult{TurnID: turnID, Warnings: warnings}, nil
}

// hasContent reports whether the input carries anything to send: a text
// item with non-blank text, or any non-text item.
func hasContent(items []InputItem) bool {
	for _, it := range items {
		if it.Type != "text" {
			return true
		}
		if strings.TrimSpace(it.Text) != "" {
			return true
		}
	}
	return false
}

// ============================================================================
// Slash-token expansion
// ============================================================================

// expandSlashTokens resolves $tokens in text items against enabled skills
// and accessible apps, appending one injected item per match. Skills win
// collisions; resolver failures leave tokens literal.
func (c *Controller) expandSlashTokens(ctx context.Context, items []InputItem) []InputItem {
	tokens := collectTokens(items)
	if len(tokens) == 0 {
		return items
	}

	skills := c.loadSkills(ctx)
	apps := c.loadApps(ctx)
	if len(skills) == 0 && len(apps) == 0 {
		return items
	}

	out := make([]InputItem, len(items))
	copy(out, items)
	seen := make(map[inputKey]bool, len(out))
	for _, it := range out {
		seen[inputKey{it.Type, it.Name, it.Path}] = true
	}

	appendItem := func(it InputItem) {
		key := inputKey{it.Type, it.Name, it.Path}
		if seen[key] {
			return
		}
		seen[key] = true
		out = append(out, it)
	}

	for _, token := range tokens {
		if sk, ok := skills[token]; ok {
			appendItem(InputItem{Type: "skill", Name: sk.Name, Path: sk.Path})
			continue
		}
		if app, ok := apps[token]; ok {
			name := app.Name
			if name == "" {
				name = app.ID
			}
			appendItem(InputItem{Type: "mention", Name: name, Path: "app://" + app.ID})
		}
	}
	return out
}

// collectTokens gathers $tokens from text items, lowercased and deduped
// in first-seen order.
func collectTokens(items []InputItem) []string {
	var tokens []string
	seen := map[string]bool{}
	for _, it := range items {
		if it.Type != "text" {
			continue
		}
		for _, match := range slashTokenRe.FindAllString(it.Text, -1) {
			token := strings.ToLower(match[1:])
			if token == "" || seen[token] {
				continue
			}
			seen[token] = true
			tokens = append(tokens, token)
		}
	}
	return tokens
}

func (c *Controller) loadSkills(ctx context.Context) map[string]skillRef {
	res, err := c.worker.Request(ctx, "skills/list", map[string]any{})
	if err != nil {
		log.Warn(log.CatTurn, "skills/list failed, tokens stay literal", "error", err)
		return nil
	}

	type skillEntry struct {
		Name    string `json:"name"`
		Path    string `json:"path"`
		Enabled *bool  `json:"enabled"`
	}
	var probe struct {
		Skills []skillEntry `json:"skills"`
		Items  []skillEntry `json:"items"`
	}
	if err := json.Unmarshal(res, &probe); err != nil {
		log.Warn(log.CatTurn, "skills/list result unreadable", "error", err)
		return nil
	}
	entries := probe.Skills
	if len(entries) == 0 {
		entries = probe.Items
	}

	skills := make(map[string]skillRef, len(entries))
	for _, e := range entries {
		if e.Name == "" || (e.Enabled != nil && !*e.Enabled) {
			continue
		}
		key := strings.ToLower(e.Name)
		if _, dup := skills[key]; dup {
			continue
		}
		skills[key] = skillRef{Name: e.Name, Path: e.Path}
	}
	return skills
}

func (c *Controller) loadApps(ctx context.Context) map[string]appRef {
	type appEntry struct {
		ID           string `json:"id"`
		Name         string `json:"name"`
		IsAccessible bool   `json:"isAccessible"`
		IsEnabled    bool   `json:"isEnabled"`
	}

	apps := map[string]appRef{}
	cursor := ""
	for page := 0; page < maxAppPages; page++ {
		params := map[string]any{}
		if cursor != "" {
			params["cursor"] = cursor
		}
		res, err := c.worker.Request(ctx, "app/list", params)
		if err != nil {
			log.Warn(log.CatTurn, "app/list failed, tokens stay literal", "error", err)
			return apps
		}

		var probe struct {
			Apps       []appEntry `json:"apps"`
			Items      []appEntry `json:"items"`
			NextCursor string     `json:"nextCursor"`
		}
		if err := json.Unmarshal(res, &probe); err != nil {
			log.Warn(log.CatTurn, "app/list result unreadable", "error", err)
			return apps
		}
		entries := probe.Apps
		if len(entries) == 0 {
			entries = probe.Items
		}

		for _, e := range entries {
			if e.ID == "" || !e.IsAccessible || !e.IsEnabled {
				continue
			}
			key := strings.ToLower(e.ID)
			if _, dup := apps[key]; dup {
				continue
			}
			apps[key] = appRef{ID: e.ID, Name: e.Name}
		}

		if probe.NextCursor == "" || probe.NextCursor == cursor {
			break
		}
		cursor = probe.NextCursor
	}
	return apps
}

// ============================================================================
// Collaboration mode resolution
// ============================================================================

// resolveCollaborationMode maps a requested mode to a worker preset. A
// worker without collaborationMode/list degrades plan mode to a
// plan_mode_fallback warning; any other failure is a client-visible
// resolution error.
func (c *Controller) resolveCollaborationMode(ctx context.Context, mode string) (*collabPreset, []string, error) {
	if mode == "" {
		return nil, nil, nil
	}
	if c.collabSupport.Load() == collabSupportNo {
		return nil, planFallbackWarnings(mode), nil
	}

	res, err := c.worker.Request(ctx, "collaborationMode/list", map[string]any{})
	if err != nil {
		if collabModeUnsupported(err) {
			c.collabSupport.CompareAndSwap(collabSupportUnknown, collabSupportNo)
			log.Info(log.CatTurn, "collaborationMode/list unsupported by worker", "mode", mode)
			return nil, planFallbackWarnings(mode), nil
		}
		return nil, nil, fmt.Errorf("%w: %v", ErrCollabModeResolution, err)
	}
	c.collabSupport.CompareAndSwap(collabSupportUnknown, collabSupportYes)

	preset := matchPreset(decodeCollabPresets(res), mode)
	if preset == nil {
		return nil, nil, fmt.Errorf("%w: no preset for mode %q", ErrCollabModeResolution, mode)
	}
	return preset, nil, nil
}

func planFallbackWarnings(mode string) []string {
	if mode == "plan" {
		return []string{"plan_mode_fallback"}
	}
	return nil
}

func decodeCollabPresets(res json.RawMessage) []collabPreset {
	type rawPreset struct {
		Mode                       string `json:"mode"`
		Name                       string `json:"name"`
		Model                      string `json:"model"`
		ReasoningEffort            string `json:"reasoning_effort"`
		ReasoningEffortCamel       string `json:"reasoningEffort"`
		DeveloperInstructions      string `json:"developer_instructions"`
		DeveloperInstructionsCamel string `json:"developerInstructions"`
	}
	var probe struct {
		Presets []rawPreset `json:"presets"`
		Modes   []rawPreset `json:"modes"`
		Items   []rawPreset `json:"items"`
	}
	if err := json.Unmarshal(res, &probe); err != nil {
		return nil
	}
	raw := probe.Presets
	if len(raw) == 0 {
		raw = probe.Modes
	}
	if len(raw) == 0 {
		raw = probe.Items
	}

	presets := make([]collabPreset, 0, len(raw))
	for _, p := range raw {
		preset := collabPreset{
			Mode:                  p.Mode,
			Name:                  p.Name,
			Model:                 p.Model,
			ReasoningEffort:       p.ReasoningEffort,
			DeveloperInstructions: p.DeveloperInstructions,
		}
		if preset.ReasoningEffort == "" {
			preset.ReasoningEffort = p.ReasoningEffortCamel
		}
		if preset.DeveloperInstructions == "" {
			preset.DeveloperInstructions = p.DeveloperInstructionsCamel
		}
		presets = append(presets, preset)
	}
	return presets
}

// matchPreset prefers a mode match and falls back to a name match.
func matchPreset(presets []collabPreset, mode string) *collabPreset {
	for i := range presets {
		if strings.EqualFold(presets[i].Mode, mode) {
			return &presets[i]
		}
	}
	for i := range presets {
		if strings.EqualFold(presets[i].Name, mode) {
			return &presets[i]
		}
	}
	return nil
}

// ============================================================================
// Permission mapping
// ============================================================================

func applyPermissionMode(params map[string]any, mode string) error {
	switch mode {
	case "":
		return nil
	case "full-access":
		params["approvalPolicy"] = "never"
		params["sandboxPolicy"] = map[string]any{"type": "dangerFullAccess"}
		return nil
	case "local":
		params["approvalPolicy"] = "on-request"
		params["sandboxPolicy"] = map[string]any{"type": "workspaceWrite", "networkAccess": false}
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrInvalidPermissionMode, mode)
	}
}

// extractTurnID digs the turn id out of a turn/start result.
func extractTurnID(res json.RawMessage) string {
	var probe struct {
		TurnID string `json:"turnId"`
		Turn   struct {
			ID     string `json:"id"`
			TurnID string `json:"turnId"`
		} `json:"turn"`
	}
	if err := json.Unmarshal(res, &probe); err != nil {
		return ""
	}
	for _, candidate := range []string{probe.TurnID, probe.Turn.ID, probe.Turn.TurnID} {
		if candidate != "" {
			return candidate
		}
	}
	return ""
}
