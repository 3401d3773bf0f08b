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
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type providerConfig struct {
	Provider string `yaml:"provider"`
	APIKey   string `yaml:"api_key"`
	BaseURL  string `yaml:"base_url"`
	Model    string `yaml:"model"`
}

type framesConfig struct {
	// null 表示每片段只取中点帧。
	SecondPerFrame      *float64 `yaml:"second_per_frame"`
	MaxFramesPerSegment int      `yaml:"max_frames_per_segment"`
}

type appConfig struct {
	VisionLLM providerConfig `yaml:"vision_llm"`
	TextLLM   providerConfig `yaml:"text_llm"`
	Frames    framesConfig   `yaml:"frames"`

	MaxConcurrentAnalysis int `yaml:"max_concurrent_analysis"`
	MaxExtractWorkers     int `yaml:"max_extract_workers"`
	ExtractTimeoutSec     int `yaml:"extract_timeout_seconds"`

	MaxMergedDurationMs int64 `yaml:"max_merged_duration_ms"`
	MaxMergeGapMs       int64 `yaml:"max_merge_gap_ms"`
	SilenceGapMs        int64 `yaml:"silence_gap_ms"`

	KeyframeDir string `yaml:"keyframe_dir"`
}

const defaultMaxConcurrentAnalysis = 3

func defaultAppConfig() appConfig {
	return appConfig{
		Frames: framesConfig{
			MaxFramesPerSegment: defaultMaxFramesPerSegment,
		},
		MaxConcurrentAnalysis: defaultMaxConcurrentAnalysis,
		MaxExtractWorkers:     defaultMaxExtractWorkers,
		ExtractTimeoutSec:     defaultExtractTimeoutSec,
		MaxMergedDurationMs:   defaultMaxMergedDurationMs,
		MaxMergeGapMs:         defaultMaxMergeGapMs,
		SilenceGapMs:          defaultSilenceGapMs,
	}
}

// loadConfig 读取 YAML 配置。path 为空或文件不存在时使用默认配置。
func loadConfig(path string) (appConfig, error) {
	cfg := defaultAppConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			logDebugf("配置文件不存在，使用默认配置: %s", path)
			return cfg, nil
		}
		return appConfig{}, fmt.Errorf("读取配置文件失败: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return appConfig{}, fmt.Errorf("解析配置文件失败: %w", err)
	}

	if cfg.Frames.MaxFramesPerSegment == 0 {
		cfg.Frames.MaxFramesPerSegment = defaultMaxFramesPerSegment
	}
	if cfg.MaxConcurrentAnalysis <= 0 {
		cfg.MaxConcurrentAnalysis = defaultMaxConcurrentAnalysis
	}
	if cfg.MaxExtractWorkers <= 0 {
		cfg.MaxExtractWorkers = defaultMaxExtractWorkers
	}
	if cfg.ExtractTimeoutSec <= 0 {
		cfg.ExtractTimeoutSec = defaultExtractTimeoutSec
	}
	if cfg.MaxMergedDurationMs <= 0 {
		cfg.MaxMergedDurationMs = defaultMaxMergedDurationMs
	}
	if cfg.MaxMergeGapMs <= 0 {
		cfg.MaxMergeGapMs = defaultMaxMergeGapMs
	}
	if cfg.SilenceGapMs <= 0 {
		cfg.SilenceGapMs = defaultSilenceGapMs
	}
	return cfg, nil
}

// samplingParams 将帧配置转换为采样参数：设置了 second_per_frame
// 即按间隔抽帧，否则取片段中点。
func (c appConfig) samplingParams() samplingParams {
	if c.Frames.SecondPerFrame != nil {
		return samplingParams{
			Mode:            samplingModeInterval,
			IntervalSeconds: *c.Frames.SecondPerFrame,
			MaxFrames:       c.Frames.MaxFramesPerSegment,
		}
	}
	return samplingParams{
		Mode:      samplingModeMidpoint,
		MaxFrames: c.Frames.MaxFramesPerSegment,
	}
}
