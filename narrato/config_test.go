package narrato

import (
	"path/filepath"
	"testing"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig("")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.MaxConcurrentAnalysis != defaultMaxConcurrentAnalysis {
		t.Fatalf("unexpected concurrency: %d", cfg.MaxConcurrentAnalysis)
	}
	if cfg.Frames.SecondPerFrame != nil {
		t.Fatal("default sampling must be midpoint")
	}
	params := cfg.samplingParams()
	if params.Mode != samplingModeMidpoint {
		t.Fatalf("unexpected mode: %s", params.Mode)
	}
	if err := params.validate(); err != nil {
		t.Fatalf("default params must be valid: %v", err)
	}
}

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	cfg, err := loadConfig(filepath.Join(t.TempDir(), "不存在.yaml"))
	if err != nil {
		t.Fatalf("missing file must not be an error: %v", err)
	}
	if cfg.MaxExtractWorkers != defaultMaxExtractWorkers {
		t.Fatalf("unexpected workers: %d", cfg.MaxExtractWorkers)
	}
}

func TestLoadConfigFromYAML(t *testing.T) {
	dir := t.TempDir()
	path := writeTempFile(t, dir, "config.yaml", `
vision_llm:
  provider: openrouter
  model: anthropic/claude-sonnet-4
text_llm:
  provider: openai
frames:
  second_per_frame: 2.5
  max_frames_per_segment: 6
max_concurrent_analysis: 5
silence_gap_ms: 4000
`)
	cfg, err := loadConfig(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.VisionLLM.Provider != "openrouter" || cfg.VisionLLM.Model != "anthropic/claude-sonnet-4" {
		t.Fatalf("unexpected vision config: %+v", cfg.VisionLLM)
	}
	if cfg.MaxConcurrentAnalysis != 5 {
		t.Fatalf("unexpected concurrency: %d", cfg.MaxConcurrentAnalysis)
	}
	if cfg.SilenceGapMs != 4000 {
		t.Fatalf("unexpected silence gap: %d", cfg.SilenceGapMs)
	}
	// 未显式配置的字段回填默认值
	if cfg.MaxExtractWorkers != defaultMaxExtractWorkers {
		t.Fatalf("unexpected workers: %d", cfg.MaxExtractWorkers)
	}

	params := cfg.samplingParams()
	if params.Mode != samplingModeInterval || params.IntervalSeconds != 2.5 || params.MaxFrames != 6 {
		t.Fatalf("unexpected sampling params: %+v", params)
	}
}

func TestLoadConfigInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := writeTempFile(t, dir, "config.yaml", "frames: [啊")
	if _, err := loadConfig(path); err == nil {
		t.Fatal("expected error for invalid yaml")
	}
}
