package regime

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"tokenguard/internal/types"
)

var ErrEmptyResponse = errors.New("empty model response")

const (
	fieldRegime          = "REGIME"
	fieldConfidence      = "CONFIDENCE"
	fieldReasoning       = "REASONING"
	fieldSignals         = "SIGNALS"
	fieldOutlook         = "OUTLOOK"
	fieldRecommendations = "RECOMMENDATIONS"
)

var knownFields = []string{
	fieldRegime, fieldConfidence, fieldReasoning, fieldSignals, fieldOutlook, fieldRecommendations,
}

// ParseResponse 按固定行前缀解析模型输出并做 schema 校验。
// 未以已知前缀开头的行归入上一个字段（多行 reasoning、列表式 recommendations）。
func ParseResponse(asset, raw string, now time.Time) (types.Assessment, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return types.Assessment{}, ErrEmptyResponse
	}
	fields := splitFields(raw)
	doc, err := buildDocument(fields)
	if err != nil {
		return types.Assessment{}, err
	}
	if err := validateDocument(doc); err != nil {
		return types.Assessment{}, err
	}
	reg, _ := types.ParseRegime(doc["regime"].(string))
	out := types.Assessment{
		Asset:      strings.ToUpper(asset),
		Regime:     reg,
		Confidence: int(doc["confidence"].(float64)),
		Reasoning:  doc["reasoning"].(string),
		Source:     types.SourceLLM,
		Timestamp:  now,
	}
	if v, ok := doc["signals"].(string); ok {
		out.Signals = v
	}
	if v, ok := doc["outlook"].(string); ok {
		out.Outlook = v
	}
	if recs, ok := doc["recommendations"].([]any); ok {
		for _, r := range recs {
			out.Recommendations = append(out.Recommendations, r.(string))
		}
	}
	return out, nil
}

func splitFields(raw string) map[string][]string {
	fields := make(map[string][]string)
	current := ""
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(strings.Trim(line, "*`"))
		if line == "" {
			continue
		}
		if name, rest, ok := matchPrefix(line); ok {
			current = name
			if rest != "" {
				fields[current] = append(fields[current], rest)
			} else if _, seen := fields[current]; !seen {
				fields[current] = nil
			}
			continue
		}
		if current != "" {
			fields[current] = append(fields[current], line)
		}
	}
	return fields
}

func matchPrefix(line string) (string, string, bool) {
	upper := strings.ToUpper(line)
	for _, name := range knownFields {
		if strings.HasPrefix(upper, name+":") {
			return name, strings.TrimSpace(strings.Trim(line[len(name)+1:], "* ")), true
		}
	}
	return "", "", false
}

func buildDocument(fields map[string][]string) (map[string]any, error) {
	doc := make(map[string]any)
	regimeLines, ok := fields[fieldRegime]
	if !ok || len(regimeLines) == 0 {
		return nil, fmt.Errorf("missing %s line", fieldRegime)
	}
	doc["regime"] = strings.ToUpper(strings.Trim(regimeLines[0], " .\"'"))

	confLines, ok := fields[fieldConfidence]
	if !ok || len(confLines) == 0 {
		return nil, fmt.Errorf("missing %s line", fieldConfidence)
	}
	conf, err := parseConfidence(confLines[0])
	if err != nil {
		return nil, err
	}
	// float64 以匹配 JSON 解码后的数值类型
	doc["confidence"] = conf

	doc["reasoning"] = strings.Join(fields[fieldReasoning], " ")
	if v, ok := fields[fieldSignals]; ok {
		doc["signals"] = strings.Join(v, " ")
	}
	if v, ok := fields[fieldOutlook]; ok {
		doc["outlook"] = strings.Join(v, " ")
	}
	if v, ok := fields[fieldRecommendations]; ok {
		recs := make([]any, 0, len(v))
		for _, line := range v {
			for _, item := range splitRecommendations(line) {
				recs = append(recs, item)
			}
		}
		doc["recommendations"] = recs
	}
	return doc, nil
}

// parseConfidence accepts "7", "7/10" and "7.0"; range is left to the schema.
func parseConfidence(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if idx := strings.Index(s, "/"); idx >= 0 {
		s = strings.TrimSpace(s[:idx])
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q", fieldConfidence, s)
	}
	return f, nil
}

func splitRecommendations(line string) []string {
	line = strings.TrimSpace(strings.TrimLeft(line, "-•* "))
	if line == "" {
		return nil
	}
	if len(line) > 2 && line[0] >= '0' && line[0] <= '9' && (line[1] == '.' || line[1] == ')') {
		line = strings.TrimSpace(line[2:])
	}
	parts := strings.Split(line, ";")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
