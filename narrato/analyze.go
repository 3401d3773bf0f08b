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
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/tidwall/gjson"
)

type analysisResult struct {
	SceneDescription     string   `json:"scene_description"`
	KeyElements          []string `json:"key_elements"`
	PlotAnalysis         string   `json:"plot_analysis"`
	ContentSummary       string   `json:"content_summary"`
	RelatedThemes        []string `json:"related_themes"`
	CharacterPerformance string   `json:"character_performance"`
}

type themeInfo struct {
	Name           string  `json:"theme_name"`
	Description    string  `json:"theme_description"`
	RelevanceScore float64 `json:"relevance_score"`
}

type speakerRole struct {
	CharacterIdentity    string   `json:"character_identity"`
	CharacterTraits      []string `json:"character_traits"`
	PlotImportance       string   `json:"plot_importance"`
	CharacterFunction    string   `json:"character_function"`
	ScreenPresence       string   `json:"screen_presence"`
	RelationshipDynamics string   `json:"relationship_dynamics"`
	NarrativeRole        string   `json:"narrative_role"`
}

type themeExtraction struct {
	Themes   []themeInfo            `json:"themes"`
	Speakers map[string]speakerRole `json:"speaker_analysis"`
}

const themePlaceholder = "无法提取主题，仅用于占位，后续分析不必理会"
const speakerPlaceholder = "仅用于占位，后续分析不必理会"

// placeholderExtraction 让主题提取失败的运行能继续走完整个管线。
func placeholderExtraction() themeExtraction {
	return themeExtraction{
		Themes: []themeInfo{{
			Name:           themePlaceholder,
			Description:    speakerPlaceholder,
			RelevanceScore: 1.0,
		}},
		Speakers: map[string]speakerRole{
			"speaker0": {
				CharacterIdentity:    speakerPlaceholder,
				CharacterTraits:      []string{speakerPlaceholder},
				PlotImportance:       speakerPlaceholder,
				CharacterFunction:    speakerPlaceholder,
				ScreenPresence:       speakerPlaceholder,
				RelationshipDynamics: speakerPlaceholder,
				NarrativeRole:        speakerPlaceholder,
			},
		},
	}
}

// extractThemes 基于全部字幕做一次全局主题与说话人角色提取。
func extractThemes(ctx context.Context, client chatClient, segments []subtitleSegment, profile promptProfile) (themeExtraction, error) {
	system, user := profile.themePrompt(buildSubtitleContent(segments))
	raw, err := client.complete(ctx, system, user, nil)
	if err != nil {
		return themeExtraction{}, err
	}

	parsed, err := repairModelJSON(raw)
	if err != nil {
		return themeExtraction{}, err
	}

	var extraction themeExtraction
	parsed.Get("themes").ForEach(func(_, value gjson.Result) bool {
		name := value.Get("theme_name").String()
		if name == "" {
			return true
		}
		extraction.Themes = append(extraction.Themes, themeInfo{
			Name:           name,
			Description:    value.Get("theme_description").String(),
			RelevanceScore: value.Get("relevance_score").Float(),
		})
		return true
	})
	if len(extraction.Themes) == 0 {
		return themeExtraction{}, fmt.Errorf("模型输出缺少 themes 字段")
	}

	extraction.Speakers = make(map[string]speakerRole)
	parsed.Get("speaker_analysis").ForEach(func(key, value gjson.Result) bool {
		role := speakerRole{
			CharacterIdentity:    value.Get("character_identity").String(),
			PlotImportance:       value.Get("plot_importance").String(),
			CharacterFunction:    value.Get("character_function").String(),
			ScreenPresence:       value.Get("screen_presence").String(),
			RelationshipDynamics: value.Get("relationship_dynamics").String(),
			NarrativeRole:        value.Get("narrative_role").String(),
		}
		value.Get("character_traits").ForEach(func(_, trait gjson.Result) bool {
			if trait.String() != "" {
				role.CharacterTraits = append(role.CharacterTraits, trait.String())
			}
			return true
		})
		extraction.Speakers[key.String()] = role
		return true
	})
	if len(extraction.Speakers) == 0 {
		logWarn("未成功解析说话人角色信息，使用占位角色")
		extraction.Speakers = placeholderExtraction().Speakers
	}
	return extraction, nil
}

func parseAnalysisResult(raw string) (analysisResult, error) {
	parsed, err := repairModelJSON(raw)
	if err != nil {
		return analysisResult{}, err
	}

	var result analysisResult
	result.SceneDescription = parsed.Get("scene_description").String()
	result.PlotAnalysis = parsed.Get("plot_analysis").String()
	result.ContentSummary = parsed.Get("content_summary").String()
	result.CharacterPerformance = parsed.Get("character_performance").String()
	parsed.Get("key_elements").ForEach(func(_, value gjson.Result) bool {
		if value.String() != "" {
			result.KeyElements = append(result.KeyElements, value.String())
		}
		return true
	})
	parsed.Get("related_themes").ForEach(func(_, value gjson.Result) bool {
		if value.String() != "" {
			result.RelatedThemes = append(result.RelatedThemes, value.String())
		}
		return true
	})
	normalizeAnalysisResult(&result)
	return result, nil
}

// normalizeAnalysisResult 保证下游永远拿到完整字段：空值而非缺失。
func normalizeAnalysisResult(r *analysisResult) {
	if r.KeyElements == nil {
		r.KeyElements = []string{}
	}
	if len(r.KeyElements) > 3 {
		r.KeyElements = r.KeyElements[:3]
	}
	if r.RelatedThemes == nil {
		r.RelatedThemes = []string{}
	}
}

type analyzer interface {
	analyzeSegment(ctx context.Context, seg subtitleSegment, framePaths []string, themesInfo, speakerInfo string) (analysisResult, error)
}

type segmentAnalyzer struct {
	vision  chatClient
	text    chatClient
	profile promptProfile
}

func (a segmentAnalyzer) analyzeSegment(ctx context.Context, seg subtitleSegment, framePaths []string, themesInfo, speakerInfo string) (analysisResult, error) {
	var system, user string
	if len(framePaths) > 0 {
		system, user = a.profile.visionPrompt(seg, len(framePaths), themesInfo, speakerInfo)
		raw, err := a.vision.complete(ctx, system, user, framePaths)
		if err != nil {
			return analysisResult{}, err
		}
		return parseAnalysisResult(raw)
	}

	// 无关键帧：退化为纯文本推测分析，不做跨分支重试。
	system, user = a.profile.textPrompt(seg, themesInfo, speakerInfo)
	raw, err := a.text.complete(ctx, system, user, nil)
	if err != nil {
		return analysisResult{}, err
	}
	return parseAnalysisResult(raw)
}

// analyzeAllSegments 以受限并发分析全部片段，结果按片段序写回。
// 单片段失败只产生告警与空字段结果，不中断整体运行。
func analyzeAllSegments(ctx context.Context, a analyzer, segments []subtitleSegment, frames map[int][]string, extraction themeExtraction, concurrency int, progress func(done, total int)) ([]analysisResult, []string) {
	total := len(segments)
	results := make([]analysisResult, total)
	if total == 0 {
		return results, nil
	}
	if concurrency <= 0 {
		concurrency = defaultMaxConcurrentAnalysis
	}

	themesInfo := buildThemesInfo(extraction.Themes)
	speakerInfo := buildSpeakerInfo(extraction.Speakers)

	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	var done atomic.Int64
	var mu sync.Mutex
	var warnings []string

	for i := range segments {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			seg := segments[idx]
			result, err := a.analyzeSegment(ctx, seg, frames[idx], themesInfo, speakerInfo)
			if err != nil {
				mu.Lock()
				warnings = append(warnings, fmt.Sprintf("字幕片段 %d 分析失败: %v", idx+1, err))
				mu.Unlock()
			}
			normalizeAnalysisResult(&result)
			results[idx] = result

			n := done.Add(1)
			if progress != nil {
				progress(int(n), total)
			}
		}(i)
	}
	wg.Wait()

	return results, warnings
}

// themePositionWeights 是片段内主题排名的位置分：第一位 4 分，
// 第二位 2 分，第三位 1 分，之后不计分。
var themePositionWeights = []float64{4, 2, 1}

type themeScore struct {
	Name  string  `json:"theme_name"`
	Total float64 `json:"total_score"`
}

// scoreAndSelectTheme 按 位置分 × 相关度 汇总所有片段的主题投票，
// 返回最终主题与完整得分排行。
func scoreAndSelectTheme(extraction themeExtraction, results []analysisResult) (themeInfo, []themeScore) {
	relevance := make(map[string]float64, len(extraction.Themes))
	for _, t := range extraction.Themes {
		relevance[t.Name] = t.RelevanceScore
	}

	totals := make(map[string]float64)
	var firstSeen []string
	for _, result := range results {
		for position, name := range result.RelatedThemes {
			if position >= len(themePositionWeights) {
				break
			}
			rel, ok := relevance[name]
			if !ok {
				// 模型偶尔会发明全局列表之外的主题名，按相关度 1.0 计。
				rel = 1.0
			}
			if _, seen := totals[name]; !seen {
				firstSeen = append(firstSeen, name)
			}
			totals[name] += themePositionWeights[position] * rel
		}
	}

	scores := make([]themeScore, 0, len(totals))
	for _, name := range firstSeen {
		scores = append(scores, themeScore{Name: name, Total: totals[name]})
	}
	sort.SliceStable(scores, func(i, j int) bool {
		if scores[i].Total != scores[j].Total {
			return scores[i].Total > scores[j].Total
		}
		ri, iKnown := relevance[scores[i].Name]
		rj, jKnown := relevance[scores[j].Name]
		if !iKnown {
			ri = 1.0
		}
		if !jKnown {
			rj = 1.0
		}
		return ri > rj
	})

	if len(scores) == 0 {
		if len(extraction.Themes) > 0 {
			logInfof("未统计到主题关联，使用默认主题: %s", extraction.Themes[0].Name)
			return extraction.Themes[0], nil
		}
		return themeInfo{
			Name:           "没有分析出主题",
			Description:    "没有分析出主题",
			RelevanceScore: -1,
		}, nil
	}

	winner := scores[0].Name
	for _, t := range extraction.Themes {
		if t.Name == winner {
			return t, scores
		}
	}
	// 胜出主题来自模型发明的名字或占位之外的内容，回退到首个全局主题。
	if len(extraction.Themes) > 0 {
		return extraction.Themes[0], scores
	}
	return themeInfo{Name: winner, RelevanceScore: 1.0}, scores
}
