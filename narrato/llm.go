// NarratoAI (narrato) - Subtitle-driven video narration tool
// Copyright (C) 2026  NarratoAI <https://github.com/HelloDuoLA/NarratoAI>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package narrato

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
	"github.com/tidwall/gjson"
)

const (
	defaultOpenRouterBaseURL = "https://openrouter.ai/api/v1"

	defaultVisionModelOpenAI     = "gpt-4o"
	defaultVisionModelOpenRouter = "openai/gpt-4o"
	defaultTextModelOpenAI       = "gpt-4o-mini"
	defaultTextModelOpenRouter   = "openai/gpt-4o-mini"

	llmRequestTimeout = 90 * time.Second
)

type llmConfig struct {
	Provider string
	APIKey   string
	BaseURL  string
	Model    string
	Referer  string
	Title    string
}

// resolveLLMConfig 合并配置文件与环境变量，kind 为 vision 或 text。
func resolveLLMConfig(kind string, pc providerConfig) (llmConfig, error) {
	provider := strings.ToLower(strings.TrimSpace(pc.Provider))
	if provider == "" || provider == "auto" {
		if strings.TrimSpace(os.Getenv("NARRATO_OPENROUTER_API_KEY")) != "" || strings.TrimSpace(os.Getenv("OPENROUTER_API_KEY")) != "" {
			provider = "openrouter"
		} else {
			provider = "openai"
		}
	}

	modelEnv := "NARRATO_TEXT_MODEL"
	defaultModelOpenAI := defaultTextModelOpenAI
	defaultModelOpenRouter := defaultTextModelOpenRouter
	if kind == "vision" {
		modelEnv = "NARRATO_VISION_MODEL"
		defaultModelOpenAI = defaultVisionModelOpenAI
		defaultModelOpenRouter = defaultVisionModelOpenRouter
	}

	cfg := llmConfig{
		Provider: provider,
	}
	switch provider {
	case "openrouter":
		cfg.APIKey = firstNonEmpty(pc.APIKey, os.Getenv("NARRATO_OPENROUTER_API_KEY"), os.Getenv("OPENROUTER_API_KEY"))
		cfg.BaseURL = firstNonEmpty(pc.BaseURL, os.Getenv("NARRATO_OPENROUTER_BASE_URL"), defaultOpenRouterBaseURL)
		cfg.Model = firstNonEmpty(pc.Model, os.Getenv(modelEnv), defaultModelOpenRouter)
		if !strings.Contains(cfg.Model, "/") {
			cfg.Model = "openai/" + cfg.Model
		}
		cfg.Referer = firstNonEmpty(os.Getenv("NARRATO_OPENROUTER_REFERER"), "https://narrato.local")
		cfg.Title = firstNonEmpty(os.Getenv("NARRATO_OPENROUTER_TITLE"), "narrato")
	case "openai":
		cfg.APIKey = firstNonEmpty(pc.APIKey, os.Getenv("NARRATO_OPENAI_API_KEY"), os.Getenv("OPENAI_API_KEY"))
		cfg.BaseURL = strings.TrimSpace(pc.BaseURL)
		cfg.Model = firstNonEmpty(pc.Model, os.Getenv(modelEnv), defaultModelOpenAI)
	default:
		return llmConfig{}, fmt.Errorf("不支持的 provider: %s", provider)
	}

	if strings.TrimSpace(cfg.APIKey) == "" {
		switch provider {
		case "openrouter":
			return llmConfig{}, errors.New("未设置 OpenRouter API Key。可在配置文件或环境变量 `NARRATO_OPENROUTER_API_KEY` / `OPENROUTER_API_KEY` 中设置")
		default:
			return llmConfig{}, errors.New("未设置 OpenAI API Key。可在配置文件或环境变量 `NARRATO_OPENAI_API_KEY` / `OPENAI_API_KEY` 中设置")
		}
	}
	return cfg, nil
}

type chatClient struct {
	client openai.Client
	model  string
}

func newChatClient(cfg llmConfig) chatClient {
	clientOpts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
	}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Provider == "openrouter" {
		clientOpts = append(clientOpts, option.WithHeader("HTTP-Referer", cfg.Referer))
		clientOpts = append(clientOpts, option.WithHeader("X-Title", cfg.Title))
	}
	return chatClient{
		client: openai.NewClient(clientOpts...),
		model:  cfg.Model,
	}
}

// buildUserMessage 组装用户消息。imagePaths 非空时以 data URL 形式
// 随消息携带关键帧图片。
func buildUserMessage(userPrompt string, imagePaths []string) (openai.ChatCompletionMessageParamUnion, error) {
	if len(imagePaths) == 0 {
		return openai.UserMessage(userPrompt), nil
	}

	parts := make([]openai.ChatCompletionContentPartUnionParam, 0, len(imagePaths)+1)
	parts = append(parts, openai.TextContentPart(userPrompt))
	for _, p := range imagePaths {
		dataURL, err := encodeImageDataURL(p)
		if err != nil {
			return openai.ChatCompletionMessageParamUnion{}, fmt.Errorf("读取关键帧图片失败: %w", err)
		}
		parts = append(parts, openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{
			URL: dataURL,
		}))
	}
	return openai.UserMessage(parts), nil
}

// complete 发起一次 chat completion。
func (c chatClient) complete(ctx context.Context, systemPrompt, userPrompt string, imagePaths []string) (string, error) {
	userMessage, err := buildUserMessage(userPrompt, imagePaths)
	if err != nil {
		return "", err
	}

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, 2)
	if strings.TrimSpace(systemPrompt) != "" {
		messages = append(messages, openai.SystemMessage(systemPrompt))
	}
	messages = append(messages, userMessage)

	reqCtx, cancel := context.WithTimeout(ctx, llmRequestTimeout)
	defer cancel()

	params := openai.ChatCompletionNewParams{
		Messages:    messages,
		Model:       c.model,
		Temperature: openai.Float(0.2),
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{Type: "json_object"},
		},
	}
	resp, err := c.client.Chat.Completions.New(reqCtx, params)
	if err != nil {
		// 部分网关不支持 response_format，去掉再试一次，解析端会做强校验。
		if shouldFallbackPlainMode(err) {
			params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{}
			resp, err = c.client.Chat.Completions.New(reqCtx, params)
		}
	}
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("模型未返回任何结果")
	}
	raw := strings.TrimSpace(resp.Choices[0].Message.Content)
	if raw == "" {
		return "", errors.New("模型返回为空")
	}
	return raw, nil
}

func shouldFallbackPlainMode(err error) bool {
	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	if msg == "" {
		return false
	}
	if strings.Contains(msg, "response_format") {
		return true
	}
	if strings.Contains(msg, "json_object") {
		return true
	}
	return strings.Contains(msg, "unsupported") && strings.Contains(msg, "format")
}

func encodeImageDataURL(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(data), nil
}

var (
	jsonFencePattern    = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)\\s*```")
	trailingCommaFix    = regexp.MustCompile(`,\s*([}\]])`)
	lineCommentPattern  = regexp.MustCompile(`(?m)^\s*//.*$`)
	blockCommentPattern = regexp.MustCompile(`(?s)/\*.*?\*/`)
)

// repairModelJSON 对模型输出做分层解析：先按原样解析，再依次尝试
// 提取代码块、截取大括号片段、修复常见格式问题。全部失败才报错。
func repairModelJSON(raw string) (gjson.Result, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return gjson.Result{}, errors.New("模型输出为空")
	}

	candidates := []string{raw}
	if m := jsonFencePattern.FindStringSubmatch(raw); m != nil {
		candidates = append(candidates, strings.TrimSpace(m[1]))
	}
	if fixed := extractFirstJSONObject(raw); fixed != "" && fixed != raw {
		candidates = append(candidates, fixed)
	}

	tried := make([]string, 0, len(candidates)*2)
	for _, candidate := range candidates {
		tried = append(tried, candidate, fixCommonJSONIssues(candidate))
	}
	for _, candidate := range tried {
		if candidate == "" {
			continue
		}
		if gjson.Valid(candidate) {
			return gjson.Parse(candidate), nil
		}
	}
	return gjson.Result{}, errors.New("解析模型 JSON 输出失败")
}

// fixCommonJSONIssues 处理 LLM 输出里的高频格式问题：双大括号、
// 中文引号、注释与多余的尾逗号。
func fixCommonJSONIssues(s string) string {
	s = strings.TrimSpace(s)
	if strings.Contains(s, "{{") && strings.Contains(s, "}}") {
		s = strings.ReplaceAll(s, "{{", "{")
		s = strings.ReplaceAll(s, "}}", "}")
	}
	replacer := strings.NewReplacer(
		"“", `"`,
		"”", `"`,
		"‘", "'",
		"’", "'",
	)
	s = replacer.Replace(s)
	s = lineCommentPattern.ReplaceAllString(s, "")
	s = blockCommentPattern.ReplaceAllString(s, "")
	s = trailingCommaFix.ReplaceAllString(s, "$1")
	return strings.TrimSpace(s)
}

func extractFirstJSONObject(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return ""
	}
	return raw[start : end+1]
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
