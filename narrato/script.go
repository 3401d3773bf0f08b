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
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

type scriptOptions struct {
	VideoPath    string
	SubtitlePath string
	OutputDir    string
	Profile      string
	ConfigPath   string
	JSON         bool
}

type scriptArtifacts struct {
	AnalysisDir   string `json:"analysis_dir,omitempty"`
	KeyframeDir   string `json:"keyframe_dir,omitempty"`
	MergedSRTPath string `json:"merged_srt_path,omitempty"`
	ThemesPath    string `json:"themes_path,omitempty"`
	MarkdownPath  string `json:"markdown_path,omitempty"`
	NarrationPath string `json:"narration_path,omitempty"`
	FinalPath     string `json:"final_analysis_path,omitempty"`
	ScriptPath    string `json:"script_path,omitempty"`
}

type narrationItem struct {
	ID        int    `json:"_id"`
	Timestamp string `json:"timestamp"`
	Picture   string `json:"picture"`
	Narration string `json:"narration"`
}

type scriptRunState struct {
	RunID        string
	SegmentCount int
	FrameCount   int
	CacheHit     bool
	VisionModel  string
	TextModel    string
	FinalTheme   themeInfo
	ThemeScores  []themeScore
	Narration    []narrationItem
	Artifacts    scriptArtifacts
	Warnings     []string
}

func runScriptPipeline(ctx context.Context, opts scriptOptions, progress func(percent int, message string)) (scriptRunState, int) {
	state := scriptRunState{RunID: uuid.NewString()}
	report := func(percent int, message string) {
		if progress != nil {
			progress(percent, message)
		}
		logInfof("[%d%%] %s", percent, message)
	}
	fail := func(msg string) (scriptRunState, int) {
		state.Warnings = append(state.Warnings, msg)
		return state, exitFailed
	}

	cfg, err := loadConfig(opts.ConfigPath)
	if err != nil {
		return fail(err.Error())
	}
	profile, ok := profileByName(opts.Profile)
	if !ok {
		return fail(fmt.Sprintf("未知的题材: %s（支持 drama / documentary）", opts.Profile))
	}
	params := cfg.samplingParams()
	if err := params.validate(); err != nil {
		return fail(err.Error())
	}
	if !fileExists(opts.VideoPath) {
		return fail(fmt.Sprintf("视频文件不存在: %s", opts.VideoPath))
	}

	outputDir := strings.TrimSpace(opts.OutputDir)
	if outputDir == "" {
		outputDir = filepath.Dir(opts.VideoPath)
	}
	analysisDir := filepath.Join(outputDir, "analysis")
	if err := os.MkdirAll(analysisDir, 0o755); err != nil {
		return fail(fmt.Sprintf("创建分析目录失败: %v", err))
	}
	state.Artifacts.AnalysisDir = analysisDir
	ts := time.Now().Format("20060102_1504")

	// 1. 解析与预处理字幕
	report(5, "正在解析字幕文件...")
	rawSegments, err := parseSubtitleFile(opts.SubtitlePath)
	if err != nil {
		return fail(err.Error())
	}

	report(7, "正在合并说话人字幕...")
	segments := mergeSpeakerSegments(rawSegments, cfg.MaxMergedDurationMs, cfg.MaxMergeGapMs)
	segments = fillSilenceGaps(segments, cfg.SilenceGapMs)
	state.SegmentCount = len(segments)
	logInfof("字幕预处理完成: 原始 %d 条，合并后 %d 条", len(rawSegments), len(segments))

	mergedPath := filepath.Join(analysisDir, ts+"_merged_subtitle.srt")
	if err := os.WriteFile(mergedPath, []byte(buildSRT(segments)), 0o644); err != nil {
		state.Warnings = append(state.Warnings, fmt.Sprintf("写入合并字幕失败: %v", err))
	} else {
		state.Artifacts.MergedSRTPath = mergedPath
	}

	// 2. 关键帧：优先复用缓存，未命中再抽帧
	report(10, "正在检查关键帧缓存...")
	keyframeBase := firstNonEmpty(cfg.KeyframeDir, filepath.Join(outputDir, "keyframes"))
	cache, err := newKeyframeCache(keyframeBase, opts.VideoPath, opts.SubtitlePath, profile.Name)
	if err != nil {
		return fail(err.Error())
	}
	state.Artifacts.KeyframeDir = cache.Dir

	var frames map[int][]string
	totalFrames := 0
	if manifest, hit := cache.tryLoad(len(segments), params); hit {
		state.CacheHit = true
		frames = make(map[int][]string, len(manifest.Segments))
		for _, seg := range manifest.Segments {
			if len(seg.KeyframePaths) > 0 {
				frames[seg.Index] = seg.KeyframePaths
				totalFrames += len(seg.KeyframePaths)
			}
		}
		report(25, fmt.Sprintf("关键帧缓存命中，复用 %d 帧", totalFrames))
	} else {
		report(15, "正在构建抽帧计划...")
		if err := os.MkdirAll(cache.Dir, 0o755); err != nil {
			return fail(fmt.Sprintf("创建关键帧目录失败: %v", err))
		}
		segmentTasks := buildExtractionTasks(segments, params, cache.Dir)
		var flat []extractionTask
		for _, st := range segmentTasks {
			flat = append(flat, st...)
		}

		ffmpegPath, err := detectFFmpeg()
		if err != nil {
			return fail(err.Error())
		}

		report(20, fmt.Sprintf("正在抽取关键帧（共 %d 帧，%d 并发）...", len(flat), cfg.MaxExtractWorkers))
		extractCtx, cancel := context.WithTimeout(ctx, time.Duration(cfg.ExtractTimeoutSec)*time.Second)
		batch := extractKeyframeBatch(extractCtx, ffmpegFrameExtractor{ffmpegPath: ffmpegPath}, opts.VideoPath, flat, cfg.MaxExtractWorkers, func(done, total int) {
			if done%50 == 0 || done == total {
				logInfof("抽帧进度: %d/%d", done, total)
			}
		})
		cancel()
		logInfof("抽帧完成: 成功 %d，失败 %d", batch.Succeeded, batch.Failed)

		// 以文件系统为准重建映射，不信任任务内存结果。
		frames, totalFrames, err = rescanKeyframes(cache.Dir, len(segments))
		if err != nil {
			return fail(err.Error())
		}
		if totalFrames == 0 {
			cache.cleanup()
			return fail(fmt.Sprintf("%v: 未能提取任何关键帧", ErrExtractionFailed))
		}
		if batch.Failed > 0 {
			state.Warnings = append(state.Warnings, fmt.Sprintf("有 %d 个关键帧提取失败", batch.Failed))
		}

		manifest := keyframeManifest{
			Version:   keyframeManifestVersion,
			CreatedAt: time.Now().UTC().Format(time.RFC3339),
			Sampling:  params,
			Segments:  make([]manifestSegment, len(segments)),
		}
		for i, seg := range segments {
			paths := frames[i]
			if paths == nil {
				paths = []string{}
			}
			manifest.Segments[i] = manifestSegment{
				Index:         i,
				Timestamp:     seg.Timestamp,
				DurationSec:   roundMillis(seg.DurationSec()),
				KeyframePaths: paths,
			}
		}
		if err := cache.save(manifest); err != nil {
			state.Warnings = append(state.Warnings, fmt.Sprintf("写入缓存清单失败: %v", err))
		}
		report(25, fmt.Sprintf("关键帧就绪，共 %d 帧", totalFrames))
	}
	state.FrameCount = totalFrames

	withoutFrames := 0
	for i := range segments {
		if len(frames[i]) == 0 {
			withoutFrames++
		}
	}
	if withoutFrames > 0 {
		state.Warnings = append(state.Warnings, fmt.Sprintf("有 %d 个字幕片段没有成功提取到关键帧，将仅使用字幕文本进行分析", withoutFrames))
	}

	// 3. LLM 配置
	visionCfg, err := resolveLLMConfig("vision", cfg.VisionLLM)
	if err != nil {
		return fail(err.Error())
	}
	textCfg, err := resolveLLMConfig("text", cfg.TextLLM)
	if err != nil {
		return fail(err.Error())
	}
	state.VisionModel = visionCfg.Model
	state.TextModel = textCfg.Model
	visionClient := newChatClient(visionCfg)
	textClient := newChatClient(textCfg)

	// 4. 全局主题与说话人角色提取
	report(30, "正在提取视频主题...")
	extraction, err := extractThemes(ctx, textClient, segments, profile)
	if err != nil {
		state.Warnings = append(state.Warnings, fmt.Sprintf("主题提取失败，使用占位主题继续: %v", err))
		extraction = placeholderExtraction()
	} else {
		logInfof("成功提取 %d 个主题，%d 个说话人角色", len(extraction.Themes), len(extraction.Speakers))
	}
	themesPath := filepath.Join(analysisDir, ts+"_themes_analysis_data.json")
	if err := writeJSONFile(themesPath, extraction); err != nil {
		state.Warnings = append(state.Warnings, fmt.Sprintf("保存主题分析失败: %v", err))
	} else {
		state.Artifacts.ThemesPath = themesPath
	}

	// 5. 逐片段画面理解与剧情梳理
	report(35, "正在初始化视觉分析器...")
	analyzer := segmentAnalyzer{
		vision:  visionClient,
		text:    textClient,
		profile: profile,
	}
	report(40, fmt.Sprintf("正在进行画面理解与剧情梳理（%d 并发）...", cfg.MaxConcurrentAnalysis))
	results, analysisWarnings := analyzeAllSegments(ctx, analyzer, segments, frames, extraction, cfg.MaxConcurrentAnalysis, func(done, total int) {
		percent := 40 + done*25/total
		report(percent, fmt.Sprintf("已完成 %d/%d 个字幕片段分析...", done, total))
	})
	state.Warnings = append(state.Warnings, analysisWarnings...)

	// 6. 统计主题关联度，选定最终主题
	report(70, "正在统计主题关联度...")
	finalTheme, scores := scoreAndSelectTheme(extraction, results)
	state.FinalTheme = finalTheme
	state.ThemeScores = scores
	logInfof("最终选定主题: %s", finalTheme.Name)
	for i, s := range scores {
		if i >= 5 {
			break
		}
		logInfof("  %d. %s: %.2f分", i+1, s.Name, s.Total)
	}

	// 7. 生成解说文案
	report(80, "正在生成解说文案...")
	markdown := buildAnalysisMarkdown(segments, results, extraction.Themes)
	markdownPath := filepath.Join(analysisDir, ts+"_video_analysis.md")
	if err := os.WriteFile(markdownPath, []byte(markdown), 0o644); err != nil {
		state.Warnings = append(state.Warnings, fmt.Sprintf("保存分析 Markdown 失败: %v", err))
	} else {
		state.Artifacts.MarkdownPath = markdownPath
	}

	system, user := profile.narrationPrompt(markdown, finalTheme.Name, finalTheme.Description)
	narrationRaw, err := textClient.complete(ctx, system, user, nil)
	if err != nil {
		return fail(fmt.Sprintf("生成解说文案失败: %v", err))
	}
	narrationPath := filepath.Join(analysisDir, ts+"_narration.json")
	if err := os.WriteFile(narrationPath, []byte(narrationRaw+"\n"), 0o644); err != nil {
		state.Warnings = append(state.Warnings, fmt.Sprintf("保存解说原始输出失败: %v", err))
	} else {
		state.Artifacts.NarrationPath = narrationPath
	}

	items, scriptJSON, err := assembleNarration(narrationRaw)
	if err != nil {
		return fail(fmt.Sprintf("解析解说文案失败: %v", err))
	}
	state.Narration = items

	totalMs := narrationTotalDurationMs(items)
	logInfof("解说文案生成完成，共 %d 个片段，总持续时间 %s (%.2f秒)", len(items), formatSRTTime(float64(totalMs)/1000), float64(totalMs)/1000)

	// 8. 保存结果
	report(90, "正在保存结果...")
	scriptPath := filepath.Join(analysisDir, ts+"_script.json")
	if err := os.WriteFile(scriptPath, []byte(scriptJSON+"\n"), 0o644); err != nil {
		return fail(fmt.Sprintf("保存解说脚本失败: %v", err))
	}
	state.Artifacts.ScriptPath = scriptPath

	finalPath := filepath.Join(analysisDir, ts+"_final_analysis.json")
	finalData := map[string]interface{}{
		"run_id":               state.RunID,
		"video_path":           opts.VideoPath,
		"subtitle_path":        opts.SubtitlePath,
		"profile":              profile.Name,
		"subtitle_segments":    segments,
		"analysis_results":     results,
		"themes":               extraction.Themes,
		"speaker_analysis":     extraction.Speakers,
		"selected_final_theme": finalTheme,
		"theme_scores":         scores,
		"script_items":         json.RawMessage(scriptJSON),
		"total_duration": map[string]interface{}{
			"seconds":        float64(totalMs) / 1000,
			"formatted":      formatSRTTime(float64(totalMs) / 1000),
			"segments_count": len(items),
		},
	}
	if err := writeJSONFile(finalPath, finalData); err != nil {
		state.Warnings = append(state.Warnings, fmt.Sprintf("保存完整分析结果失败: %v", err))
	} else {
		state.Artifacts.FinalPath = finalPath
	}

	report(100, "处理完成！")
	return state, exitOK
}

// buildAnalysisMarkdown 把逐片段分析整理成喂给文案模型的材料。
// 每个片段标注旁白字数上限（时长的两倍）。
func buildAnalysisMarkdown(segments []subtitleSegment, results []analysisResult, themes []themeInfo) string {
	relevance := make(map[string]float64, len(themes))
	for _, t := range themes {
		relevance[t.Name] = t.RelevanceScore
	}

	var b strings.Builder
	b.WriteString("# 长视频内容详细分析\n\n")
	for i, seg := range segments {
		var result analysisResult
		if i < len(results) {
			result = results[i]
		}
		fmt.Fprintf(&b, "## 片段 %d\n", i+1)
		fmt.Fprintf(&b, "- 时间范围: %s\n", seg.Timestamp)
		fmt.Fprintf(&b, "- 当前片段的持续时间: %.2f秒\n", seg.DurationSec())
		fmt.Fprintf(&b, "- 旁白文案最多: %d 个字\n", int(seg.DurationSec()*2))
		fmt.Fprintf(&b, "- 原始字幕(带说话人与BGM标识): %s\n", seg.Text)
		if result.SceneDescription != "" {
			fmt.Fprintf(&b, "- 画面描述: %s\n", result.SceneDescription)
		}
		if result.PlotAnalysis != "" {
			fmt.Fprintf(&b, "- 内容分析: %s\n", result.PlotAnalysis)
		}
		if result.CharacterPerformance != "" {
			fmt.Fprintf(&b, "- 角色表现: %s\n", result.CharacterPerformance)
		}
		if len(result.RelatedThemes) > 0 {
			parts := make([]string, 0, len(result.RelatedThemes))
			for _, name := range result.RelatedThemes {
				rel, ok := relevance[name]
				if !ok {
					rel = 1.0
				}
				parts = append(parts, fmt.Sprintf("%s (相关度: %.2f)", name, rel))
			}
			fmt.Fprintf(&b, "- 相关主题: %s\n", strings.Join(parts, "、"))
		}
		b.WriteString("\n")
	}
	return b.String()
}

// assembleNarration 解析文案模型输出，为每条解说重排连续 _id，
// 返回条目与规范化后的 JSON 数组文本。
func assembleNarration(raw string) ([]narrationItem, string, error) {
	parsed, err := repairModelJSON(raw)
	if err != nil {
		return nil, "", err
	}

	itemsValue := parsed.Get("final.items")
	if !itemsValue.Exists() {
		itemsValue = parsed.Get("items")
	}
	if !itemsValue.IsArray() {
		return nil, "", errors.New("解说文案缺少 items 字段")
	}

	scriptJSON := "[]"
	id := 0
	itemsValue.ForEach(func(_, item gjson.Result) bool {
		if !item.IsObject() {
			return true
		}
		withID, err := sjson.Set(item.Raw, "_id", id)
		if err != nil {
			return true
		}
		if next, err := sjson.SetRaw(scriptJSON, "-1", withID); err == nil {
			scriptJSON = next
			id++
		}
		return true
	})
	if id == 0 {
		return nil, "", errors.New("解说文案 items 为空")
	}

	var items []narrationItem
	if err := json.Unmarshal([]byte(scriptJSON), &items); err != nil {
		return nil, "", fmt.Errorf("解说文案结构无效: %w", err)
	}
	return items, scriptJSON, nil
}

// narrationTotalDurationMs 统计全部解说条目覆盖的总时长。
func narrationTotalDurationMs(items []narrationItem) int64 {
	var total int64
	for _, item := range items {
		parts := strings.SplitN(item.Timestamp, "-", 2)
		if len(parts) != 2 {
			continue
		}
		start, err := parseSRTTimestamp(parts[0])
		if err != nil {
			logWarnf("解析时间戳失败: %s", item.Timestamp)
			continue
		}
		end, err := parseSRTTimestamp(parts[1])
		if err != nil {
			logWarnf("解析时间戳失败: %s", item.Timestamp)
			continue
		}
		if end > start {
			total += end - start
		}
	}
	return total
}
