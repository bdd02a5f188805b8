package provider

import (
	"fmt"
	"strings"
	"time"

	"tokenguard/internal/logger"
)

type ModelCfg struct {
	ID, APIURL, APIKey, Model string
	Headers                   map[string]string
}

// BuildFromConfig returns nil when no model is configured; the classifier then
// runs on its heuristic alone.
func BuildFromConfig(m ModelCfg, timeout time.Duration) ModelProvider {
	model := strings.TrimSpace(m.Model)
	if model == "" {
		logger.Warnf("未配置 regime.model.model，regime 判定只使用启发式规则")
		return nil
	}
	id := strings.TrimSpace(m.ID)
	if id == "" {
		id = fmt.Sprintf("regime:%s", model)
	}
	client := &OpenAIChatClient{
		BaseURL:      m.APIURL,
		APIKey:       m.APIKey,
		Model:        model,
		ExtraHeaders: m.Headers,
		Timeout:      timeout,
		Temperature:  0.2,
	}
	return NewOpenAIModelProvider(id, true, client)
}
