package notifier

import (
	"strings"
	"time"

	"tokenguard/internal/pkg/text"
)

// Telegram 单条消息上限 4096，留出 markdown 包裹的余量。
const maxAlertRunes = 3800

// AlertMessage 是 supervisor 推送的运维告警。
type AlertMessage struct {
	Icon    string
	Asset   string
	Title   string
	Details []string
	At      time.Time
}

// Alert builds an alert for one asset; an empty asset or "*" means fleet-wide.
func Alert(icon, asset, title string, at time.Time, details ...string) AlertMessage {
	return AlertMessage{Icon: icon, Asset: asset, Title: title, Details: details, At: at}
}

func (m AlertMessage) headline() string {
	head := strings.TrimSpace(m.Title)
	if a := strings.TrimSpace(m.Asset); a != "" && a != "*" {
		head = a + " · " + head
	}
	return strings.TrimSpace(strings.TrimSpace(m.Icon) + " " + head)
}

// RenderMarkdown 输出 "标题 + 代码块详情 + 时间"，超长时截断。
func (m AlertMessage) RenderMarkdown() string {
	var b strings.Builder
	if head := m.headline(); head != "" {
		b.WriteString(head)
		b.WriteString("\n\n")
	}
	if lines := cleanLines(m.Details); len(lines) > 0 {
		b.WriteString("```\n")
		for _, line := range lines {
			b.WriteString("- ")
			b.WriteString(line)
			b.WriteString("\n")
		}
		b.WriteString("```\n\n")
	}
	if !m.At.IsZero() {
		b.WriteString("时间：" + m.At.Format("2006-01-02 15:04:05 MST"))
	}
	return text.Truncate(strings.TrimSpace(b.String()), maxAlertRunes)
}

// cleanLines drops blank lines and neutralises nested code fences.
func cleanLines(lines []string) []string {
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		line = strings.TrimSpace(strings.ReplaceAll(line, "```", "'''"))
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}
