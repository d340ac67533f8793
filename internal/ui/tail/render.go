package tail

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode"

	runewidth "github.com/mattn/go-runewidth"
	"github.com/muesli/reflow/wordwrap"
	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/charmbracelet/lipgloss"

	"github.com/zjrosen/pont/internal/events"
	"github.com/zjrosen/pont/internal/interaction"
	"github.com/zjrosen/pont/internal/log"
	"github.com/zjrosen/pont/internal/ui/markdown"
)

const (
	// Word-level diffing degrades to plain colored lines past this length.
	wordDiffMaxLineLength = 500
	// Diff blocks longer than this collapse into a trailing count.
	diffMaxLines = 24
	tokenSep     = "\x00"
)

var (
	userColor      = lipgloss.Color("#FB923C")
	assistantColor = lipgloss.Color("#179299")
	reasoningColor = lipgloss.Color("#A066D3")
	toolColor      = lipgloss.AdaptiveColor{Light: "#666666", Dark: "#999999"}
	alertColor     = lipgloss.Color("#F59E0B")
	errorColor     = lipgloss.Color("#FF6B6B")
	addedColor     = lipgloss.Color("#27AE60")
	deletedColor   = lipgloss.Color("#E74C3C")

	dimStyle         = lipgloss.NewStyle().Faint(true)
	userStyle        = lipgloss.NewStyle().Bold(true).Foreground(userColor)
	assistantStyle   = lipgloss.NewStyle().Bold(true).Foreground(assistantColor)
	reasoningStyle   = lipgloss.NewStyle().Faint(true).Foreground(reasoningColor)
	toolStyle        = lipgloss.NewStyle().Foreground(toolColor)
	alertStyle       = lipgloss.NewStyle().Bold(true).Foreground(alertColor)
	errorStyle       = lipgloss.NewStyle().Foreground(errorColor)
	pathStyle        = lipgloss.NewStyle().Bold(true)
	addedStyle       = lipgloss.NewStyle().Foreground(addedColor)
	deletedStyle     = lipgloss.NewStyle().Foreground(deletedColor)
	addedWordStyle   = lipgloss.NewStyle().Bold(true).Foreground(addedColor)
	deletedWordStyle = lipgloss.NewStyle().Bold(true).Foreground(deletedColor)
)

// RowRenderer turns gateway events into styled console blocks.
// Agent message deltas fold into one in-progress block; everything else
// renders a row per event.
type RowRenderer struct {
	width int
	md    *markdown.Renderer
}

// NewRowRenderer builds a renderer for the given terminal width. A
// failed glamour setup degrades to plain wrapped text.
func NewRowRenderer(width int, style string) *RowRenderer {
	r := &RowRenderer{width: width}
	md, err := markdown.New(bodyWidth(width), style)
	if err != nil {
		log.Warn(log.CatUI, "markdown renderer unavailable, using plain text", "error", err)
	} else {
		r.md = md
	}
	return r
}

// RenderFeed renders the event history into viewport content.
func (r *RowRenderer) RenderFeed(feed []events.GatewayEvent) string {
	var blocks []string
	var partial strings.Builder
	for _, ev := range feed {
		if text, fold := deltaText(ev); fold {
			partial.WriteString(text)
			continue
		}
		if resetsPartial(ev) {
			partial.Reset()
		}
		if block := r.renderEvent(ev); block != "" {
			blocks = append(blocks, block)
		}
	}
	if partial.Len() > 0 {
		blocks = append(blocks, r.renderPartial(partial.String()))
	}
	return strings.Join(blocks, "\n")
}

// deltaText reports whether the event is streaming-delta noise, and the
// text to fold into the in-progress message when it is an agent delta.
func deltaText(ev events.GatewayEvent) (string, bool) {
	if !strings.HasSuffix(ev.Name, "/delta") {
		return "", false
	}
	if ev.Name != "item/agentMessage/delta" {
		return "", true
	}
	var p struct {
		Delta string `json:"delta"`
		Text  string `json:"text"`
	}
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return "", true
	}
	if p.Delta != "" {
		return p.Delta, true
	}
	return p.Text, true
}

// resetsPartial reports whether the event supersedes accumulated deltas:
// a completed item carries the full text, and turn boundaries clear any
// stragglers from an aborted stream.
func resetsPartial(ev events.GatewayEvent) bool {
	return ev.Name == "item/completed" || strings.HasPrefix(ev.Name, "turn/")
}

func (r *RowRenderer) renderEvent(ev events.GatewayEvent) string {
	switch ev.Name {
	case "turn/started":
		return r.statusRow(dimStyle, "── turn started", ev.TurnID)
	case "turn/completed":
		return r.statusRow(dimStyle, "── turn completed", ev.TurnID)
	case "turn/aborted":
		return r.statusRow(errorStyle, "── turn aborted", ev.TurnID)
	case "turn/interrupted":
		return r.statusRow(errorStyle, "── turn interrupted", ev.TurnID)
	case "item/completed":
		return r.renderItem(ev.Payload)
	case "item/commandExecution/requestApproval":
		return r.renderCommandApproval(ev.Payload)
	case "item/fileChange/requestApproval":
		return r.renderFileChangeApproval(ev.Payload)
	case "tool/requestUserInput", "item/tool/requestUserInput":
		return r.renderInteraction(ev.Payload)
	case "approval/decision":
		return r.renderDecision(ev.Payload)
	case "interaction/responded":
		return dimStyle.Render("✓ input submitted")
	case "interaction/cancelled":
		return dimStyle.Render("✗ input request cancelled")
	default:
		if ev.Kind == events.KindItem {
			return ""
		}
		return dimStyle.Render(r.truncate(ev.Name))
	}
}

func (r *RowRenderer) statusRow(style lipgloss.Style, label, turnID string) string {
	if turnID != "" {
		label += " · " + turnID
	}
	return style.Render(r.truncate(label))
}

func (r *RowRenderer) renderItem(payload json.RawMessage) string {
	var p struct {
		Item struct {
			Type     string `json:"type"`
			Text     string `json:"text"`
			Command  string `json:"command"`
			Name     string `json:"name"`
			Path     string `json:"path"`
			ExitCode *int   `json:"exitCode"`
		} `json:"item"`
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		return ""
	}
	switch p.Item.Type {
	case "agentMessage":
		return assistantStyle.Render("Codex") + "\n" + r.renderMarkdown(p.Item.Text)
	case "userMessage":
		return userStyle.Render("You") + "\n" + r.wrap(p.Item.Text)
	case "reasoning":
		return reasoningStyle.Render(r.wrap(p.Item.Text))
	case "commandExecution":
		row := toolStyle.Render(r.truncate("$ " + p.Item.Command))
		if p.Item.ExitCode != nil && *p.Item.ExitCode != 0 {
			row += errorStyle.Render(fmt.Sprintf(" (exit %d)", *p.Item.ExitCode))
		}
		return row
	case "fileChange":
		return toolStyle.Render(r.truncate("✎ " + p.Item.Path))
	case "mcpToolCall", "toolCall", "webSearch":
		name := p.Item.Name
		if name == "" {
			name = p.Item.Type
		}
		return toolStyle.Render(r.truncate("⚙ " + name))
	case "":
		return ""
	default:
		return dimStyle.Render(r.truncate(p.Item.Type))
	}
}

func (r *RowRenderer) renderPartial(text string) string {
	return assistantStyle.Render("Codex") + "\n" + r.wrap(text) + dimStyle.Render("▌")
}

func (r *RowRenderer) renderMarkdown(text string) string {
	if r.md != nil {
		if out, err := r.md.Render(text); err == nil {
			return strings.Trim(out, "\n")
		}
	}
	return r.wrap(text)
}

func (r *RowRenderer) renderCommandApproval(payload json.RawMessage) string {
	var p struct {
		ApprovalID string          `json:"approvalId"`
		Command    json.RawMessage `json:"command"`
		Cwd        string          `json:"cwd"`
		Reason     string          `json:"reason"`
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		return alertStyle.Render("⚠ command approval")
	}
	b := alertStyle.Render("⚠ command approval")
	if p.ApprovalID != "" {
		b += dimStyle.Render(" · " + p.ApprovalID)
	}
	if cmd := commandString(p.Command); cmd != "" {
		b += "\n" + toolStyle.Render(r.truncate("$ "+cmd))
	}
	if p.Cwd != "" {
		b += "\n" + dimStyle.Render(r.truncate("in "+p.Cwd))
	}
	if p.Reason != "" {
		b += "\n" + r.wrap(p.Reason)
	}
	return b
}

// commandString accepts the two shapes workers send: a shell string or
// an argv vector.
func commandString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var argv []string
	if err := json.Unmarshal(raw, &argv); err == nil {
		return strings.Join(argv, " ")
	}
	return ""
}

type fileChange struct {
	Path string `json:"path"`
	Old  string `json:"oldContent"`
	New  string `json:"newContent"`
	Diff string `json:"diff"`
}

func (r *RowRenderer) renderFileChangeApproval(payload json.RawMessage) string {
	var p struct {
		ApprovalID  string       `json:"approvalId"`
		Changes     []fileChange `json:"changes"`
		FileChanges []fileChange `json:"fileChanges"`
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		return alertStyle.Render("⚠ file change approval")
	}
	b := alertStyle.Render("⚠ file change approval")
	if p.ApprovalID != "" {
		b += dimStyle.Render(" · " + p.ApprovalID)
	}
	changes := p.Changes
	if len(changes) == 0 {
		changes = p.FileChanges
	}
	for _, ch := range changes {
		if ch.Path != "" {
			b += "\n" + pathStyle.Render(r.truncate(ch.Path))
		}
		switch {
		case ch.Diff != "":
			b += "\n" + r.renderUnifiedDiff(ch.Diff)
		case ch.Old != "" || ch.New != "":
			b += "\n" + r.renderContentDiff(ch.Old, ch.New)
		}
	}
	return b
}

// renderContentDiff lines up old and new content and word-diffs the
// pairs that differ.
func (r *RowRenderer) renderContentDiff(oldContent, newContent string) string {
	oldLines := splitLines(oldContent)
	newLines := splitLines(newContent)
	total := len(oldLines)
	if len(newLines) > total {
		total = len(newLines)
	}

	var out []string
	for i := 0; i < total; i++ {
		if len(out) >= diffMaxLines {
			out = append(out, dimStyle.Render(fmt.Sprintf("… %d more lines", total-i)))
			break
		}
		switch {
		case i < len(oldLines) && i < len(newLines):
			if oldLines[i] == newLines[i] {
				out = append(out, dimStyle.Render(r.truncate("  "+oldLines[i])))
				continue
			}
			oldRow, newRow := r.renderWordDiffPair(oldLines[i], newLines[i])
			out = append(out, oldRow, newRow)
		case i < len(oldLines):
			out = append(out, deletedStyle.Render(r.truncate("- "+oldLines[i])))
		default:
			out = append(out, addedStyle.Render(r.truncate("+ "+newLines[i])))
		}
	}
	return strings.Join(out, "\n")
}

func (r *RowRenderer) renderUnifiedDiff(diff string) string {
	lines := splitLines(diff)
	var out []string
	for i, line := range lines {
		if len(out) >= diffMaxLines {
			out = append(out, dimStyle.Render(fmt.Sprintf("… %d more lines", len(lines)-i)))
			break
		}
		styled := r.truncate(line)
		switch {
		case strings.HasPrefix(line, "+++"), strings.HasPrefix(line, "---"), strings.HasPrefix(line, "@@"):
			styled = dimStyle.Render(styled)
		case strings.HasPrefix(line, "+"):
			styled = addedStyle.Render(styled)
		case strings.HasPrefix(line, "-"):
			styled = deletedStyle.Render(styled)
		default:
			styled = dimStyle.Render(styled)
		}
		out = append(out, styled)
	}
	return strings.Join(out, "\n")
}

// renderWordDiffPair renders a changed line pair with the differing
// words emphasized. Oversized lines skip the word diff.
func (r *RowRenderer) renderWordDiffPair(oldLine, newLine string) (string, string) {
	oldLine = r.truncatePlain(oldLine)
	newLine = r.truncatePlain(newLine)
	if len(oldLine) > wordDiffMaxLineLength || len(newLine) > wordDiffMaxLineLength {
		return deletedStyle.Render("- " + oldLine), addedStyle.Render("+ " + newLine)
	}

	oldSegs, newSegs := wordDiff(oldLine, newLine)

	var oldB strings.Builder
	oldB.WriteString(deletedStyle.Render("- "))
	for _, seg := range oldSegs {
		if seg.kind == segmentDeleted {
			oldB.WriteString(deletedWordStyle.Render(seg.text))
		} else {
			oldB.WriteString(deletedStyle.Render(seg.text))
		}
	}

	var newB strings.Builder
	newB.WriteString(addedStyle.Render("+ "))
	for _, seg := range newSegs {
		if seg.kind == segmentAdded {
			newB.WriteString(addedWordStyle.Render(seg.text))
		} else {
			newB.WriteString(addedStyle.Render(seg.text))
		}
	}

	return oldB.String(), newB.String()
}

func (r *RowRenderer) renderInteraction(payload json.RawMessage) string {
	var p struct {
		InteractionID string                 `json:"interactionId"`
		Questions     []interaction.Question `json:"questions"`
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		return alertStyle.Render("⌨ input requested")
	}
	b := alertStyle.Render("⌨ input requested")
	if p.InteractionID != "" {
		b += dimStyle.Render(" · " + p.InteractionID)
	}
	for _, q := range p.Questions {
		line := q.Header
		if line == "" {
			line = q.Question
		}
		if line == "" {
			continue
		}
		if len(q.Options) > 0 {
			labels := make([]string, 0, len(q.Options))
			for _, opt := range q.Options {
				labels = append(labels, opt.Label)
			}
			line += " (" + strings.Join(labels, " / ") + ")"
		}
		b += "\n" + r.wrap("• "+line)
	}
	return b
}

func (r *RowRenderer) renderDecision(payload json.RawMessage) string {
	var p struct {
		ApprovalID string `json:"approvalId"`
		Decision   string `json:"decision"`
		Reason     string `json:"reason"`
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		return ""
	}
	var row string
	switch p.Decision {
	case "allow":
		row = addedStyle.Render("✓ allowed")
	case "deny":
		row = deletedStyle.Render("✗ denied")
	case "cancel":
		row = dimStyle.Render("✗ cancelled")
	default:
		row = dimStyle.Render(p.Decision)
	}
	if p.ApprovalID != "" {
		row += dimStyle.Render(" · " + p.ApprovalID)
	}
	if p.Reason != "" {
		row += dimStyle.Render(" · " + r.truncate(p.Reason))
	}
	return row
}

func (r *RowRenderer) wrap(text string) string {
	return wordwrap.String(text, bodyWidth(r.width))
}

func (r *RowRenderer) truncate(s string) string {
	return runewidth.Truncate(s, displayWidth(r.width), "…")
}

// truncatePlain bounds a line before styling so the escape codes the
// styles add do not count against the terminal width.
func (r *RowRenderer) truncatePlain(s string) string {
	return runewidth.Truncate(s, displayWidth(r.width)-2, "…")
}

func bodyWidth(width int) int {
	w := width - 2
	if w < 20 {
		w = 20
	}
	return w
}

func displayWidth(width int) int {
	if width < 20 {
		return 20
	}
	return width
}

func splitLines(s string) []string {
	return strings.Split(strings.TrimRight(s, "\n"), "\n")
}

type segmentKind int

const (
	segmentUnchanged segmentKind = iota
	segmentAdded
	segmentDeleted
)

type wordSegment struct {
	kind segmentKind
	text string
}

// wordDiff diffs two lines at word granularity. Tokens are joined with
// a separator byte before the character diff so cleanup tends to snap
// to token boundaries; stripping the separator afterwards restores the
// original text.
func wordDiff(oldLine, newLine string) (oldSegs, newSegs []wordSegment) {
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(
		strings.Join(tokenize(oldLine), tokenSep),
		strings.Join(tokenize(newLine), tokenSep),
		false,
	)
	diffs = dmp.DiffCleanupSemantic(diffs)

	for _, d := range diffs {
		text := strings.ReplaceAll(d.Text, tokenSep, "")
		if text == "" {
			continue
		}
		switch d.Type {
		case diffmatchpatch.DiffEqual:
			oldSegs = append(oldSegs, wordSegment{segmentUnchanged, text})
			newSegs = append(newSegs, wordSegment{segmentUnchanged, text})
		case diffmatchpatch.DiffDelete:
			oldSegs = append(oldSegs, wordSegment{segmentDeleted, text})
		case diffmatchpatch.DiffInsert:
			newSegs = append(newSegs, wordSegment{segmentAdded, text})
		}
	}
	return oldSegs, newSegs
}

// tokenize splits a line into word, whitespace, and punctuation runs.
func tokenize(line string) []string {
	var tokens []string
	var current strings.Builder
	currentClass := -1

	for _, r := range line {
		class := 2
		switch {
		case unicode.IsSpace(r):
			class = 0
		case unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_':
			class = 1
		}
		if class != currentClass && current.Len() > 0 {
			tokens = append(tokens, current.String())
			current.Reset()
		}
		currentClass = class
		current.WriteRune(r)
	}
	if current.Len() > 0 {
		tokens = append(tokens, current.String())
	}
	return tokens
}
