package narrato

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestBuildUserMessageTextOnly(t *testing.T) {
	msg, err := buildUserMessage("描述画面", nil)
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	if msg.OfUser == nil {
		t.Fatal("expected user message")
	}
	if msg.OfUser.Content.OfString.Value != "描述画面" {
		t.Fatalf("unexpected content: %+v", msg.OfUser.Content)
	}
}

func TestBuildUserMessageWithImages(t *testing.T) {
	dir := t.TempDir()
	frame := filepath.Join(dir, "frame.jpg")
	if err := os.WriteFile(frame, []byte("jpg"), 0o644); err != nil {
		t.Fatalf("写入测试文件失败: %v", err)
	}

	msg, err := buildUserMessage("描述画面", []string{frame, frame})
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	if msg.OfUser == nil {
		t.Fatal("expected user message")
	}
	parts := msg.OfUser.Content.OfArrayOfContentParts
	if len(parts) != 3 {
		t.Fatalf("expected text part plus 2 image parts, got %d", len(parts))
	}
	if parts[0].OfText == nil || parts[0].OfText.Text != "描述画面" {
		t.Fatalf("first part must be the prompt text: %+v", parts[0])
	}
	for _, p := range parts[1:] {
		if p.OfImageURL == nil {
			t.Fatalf("expected image part: %+v", p)
		}
		if !strings.HasPrefix(p.OfImageURL.ImageURL.URL, "data:image/jpeg;base64,") {
			t.Fatalf("image must be a data URL: %s", p.OfImageURL.ImageURL.URL)
		}
	}

	if _, err := buildUserMessage("描述画面", []string{filepath.Join(dir, "不存在.jpg")}); err == nil {
		t.Fatal("expected error for missing image file")
	}
}

func TestRepairModelJSONStrict(t *testing.T) {
	parsed, err := repairModelJSON(`{"theme_name": "A", "relevance_score": 0.9}`)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if parsed.Get("theme_name").String() != "A" {
		t.Fatalf("unexpected value: %s", parsed.Raw)
	}
}

func TestRepairModelJSONFenced(t *testing.T) {
	raw := "好的，以下是分析结果：\n```json\n{\"scene_description\": \"街道\"}\n```\n希望对你有帮助。"
	parsed, err := repairModelJSON(raw)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if parsed.Get("scene_description").String() != "街道" {
		t.Fatalf("unexpected value: %s", parsed.Raw)
	}
}

func TestRepairModelJSONEmbeddedInProse(t *testing.T) {
	raw := `分析如下 {"themes": [{"theme_name": "成长"}]} 以上。`
	parsed, err := repairModelJSON(raw)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if parsed.Get("themes.0.theme_name").String() != "成长" {
		t.Fatalf("unexpected value: %s", parsed.Raw)
	}
}

func TestRepairModelJSONCommonIssues(t *testing.T) {
	cases := []string{
		`{{"theme_name": "A"}}`,
		`{"theme_name": “A”}`,
		"{\n  // 这是主题\n  \"theme_name\": \"A\"\n}",
		`{"theme_name": "A",}`,
		`{"items": ["A", "B",],}`,
	}
	for _, raw := range cases {
		if _, err := repairModelJSON(raw); err != nil {
			t.Fatalf("repair failed for %q: %v", raw, err)
		}
	}
}

func TestRepairModelJSONRejectsGarbage(t *testing.T) {
	for _, raw := range []string{"", "   ", "完全不是 JSON", "{ broken"} {
		if _, err := repairModelJSON(raw); err == nil {
			t.Fatalf("expected error for %q", raw)
		}
	}
}

func TestExtractFirstJSONObject(t *testing.T) {
	if got := extractFirstJSONObject(`前缀 {"a": 1} 后缀`); got != `{"a": 1}` {
		t.Fatalf("unexpected extraction: %q", got)
	}
	if got := extractFirstJSONObject("没有大括号"); got != "" {
		t.Fatalf("expected empty, got %q", got)
	}
}

func TestShouldFallbackPlainMode(t *testing.T) {
	fallback := []error{
		errors.New("invalid parameter: response_format is not supported"),
		errors.New("json_object mode unavailable for this model"),
		errors.New("Unsupported value for format"),
	}
	for _, err := range fallback {
		if !shouldFallbackPlainMode(err) {
			t.Fatalf("expected fallback for %v", err)
		}
	}
	if shouldFallbackPlainMode(errors.New("rate limit exceeded")) {
		t.Fatal("rate limit must not trigger fallback")
	}
}

func clearLLMEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"NARRATO_OPENROUTER_API_KEY", "OPENROUTER_API_KEY",
		"NARRATO_OPENAI_API_KEY", "OPENAI_API_KEY",
		"NARRATO_OPENROUTER_BASE_URL", "NARRATO_VISION_MODEL", "NARRATO_TEXT_MODEL",
		"NARRATO_OPENROUTER_REFERER", "NARRATO_OPENROUTER_TITLE",
	} {
		t.Setenv(key, "")
	}
}

func TestResolveLLMConfigOpenRouter(t *testing.T) {
	clearLLMEnv(t)
	t.Setenv("OPENROUTER_API_KEY", "sk-or-test")

	cfg, err := resolveLLMConfig("vision", providerConfig{})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if cfg.Provider != "openrouter" {
		t.Fatalf("expected auto-detected openrouter, got %s", cfg.Provider)
	}
	if cfg.BaseURL != defaultOpenRouterBaseURL {
		t.Fatalf("unexpected base url: %s", cfg.BaseURL)
	}
	if cfg.Model != defaultVisionModelOpenRouter {
		t.Fatalf("unexpected model: %s", cfg.Model)
	}
}

func TestResolveLLMConfigOpenRouterModelPrefix(t *testing.T) {
	clearLLMEnv(t)
	t.Setenv("NARRATO_OPENROUTER_API_KEY", "sk-or-test")
	t.Setenv("NARRATO_TEXT_MODEL", "gpt-4o-mini")

	cfg, err := resolveLLMConfig("text", providerConfig{})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	// OpenRouter 的模型名需要带厂商前缀
	if cfg.Model != "openai/gpt-4o-mini" {
		t.Fatalf("expected provider prefix added, got %s", cfg.Model)
	}
}

func TestResolveLLMConfigOpenAIDefault(t *testing.T) {
	clearLLMEnv(t)
	t.Setenv("OPENAI_API_KEY", "sk-test")

	cfg, err := resolveLLMConfig("text", providerConfig{})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if cfg.Provider != "openai" || cfg.Model != defaultTextModelOpenAI {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}

func TestResolveLLMConfigMissingKey(t *testing.T) {
	clearLLMEnv(t)

	if _, err := resolveLLMConfig("text", providerConfig{}); err == nil {
		t.Fatal("expected error when no api key configured")
	}
	if _, err := resolveLLMConfig("text", providerConfig{Provider: "openrouter"}); err == nil {
		t.Fatal("expected error for openrouter without key")
	}
	if _, err := resolveLLMConfig("text", providerConfig{Provider: "深度学习"}); err == nil {
		t.Fatal("expected error for unknown provider")
	}
}

func TestResolveLLMConfigFileOverridesEnv(t *testing.T) {
	clearLLMEnv(t)
	t.Setenv("OPENAI_API_KEY", "sk-env")

	cfg, err := resolveLLMConfig("vision", providerConfig{
		Provider: "openai",
		APIKey:   "sk-file",
		Model:    "gpt-4.1",
	})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if cfg.APIKey != "sk-file" || cfg.Model != "gpt-4.1" {
		t.Fatalf("file config must win: %+v", cfg)
	}
}

func TestFirstNonEmpty(t *testing.T) {
	if got := firstNonEmpty("", "  ", "值", "其它"); got != "值" {
		t.Fatalf("unexpected: %q", got)
	}
	if got := firstNonEmpty("", "   "); got != "" {
		t.Fatalf("expected empty, got %q", got)
	}
}
