package narrato

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeAnalyzer 以随机延迟返回带片段序号的结果，用于验证结果顺序。
type fakeAnalyzer struct {
	mu      sync.Mutex
	failIdx map[int]bool
	sawText map[int]bool
}

func (f *fakeAnalyzer) analyzeSegment(ctx context.Context, seg subtitleSegment, framePaths []string, themesInfo, speakerInfo string) (analysisResult, error) {
	time.Sleep(time.Duration(rand.Intn(10)) * time.Millisecond)
	if f.failIdx[seg.Index] {
		return analysisResult{}, errors.New("模型超时")
	}
	if f.sawText != nil {
		f.mu.Lock()
		f.sawText[seg.Index] = len(framePaths) == 0
		f.mu.Unlock()
	}
	return analysisResult{
		SceneDescription: fmt.Sprintf("场景 %d", seg.Index),
		RelatedThemes:    []string{"A"},
	}, nil
}

func TestAnalyzeAllSegmentsPreservesOrder(t *testing.T) {
	segments := make([]subtitleSegment, 8)
	for i := range segments {
		segments[i] = subtitleSegment{Index: i, StartMs: int64(i) * 1000, EndMs: int64(i+1) * 1000}
	}
	fake := &fakeAnalyzer{}
	results, warnings := analyzeAllSegments(context.Background(), fake, segments, nil, themeExtraction{}, 3, nil)
	if len(warnings) != 0 {
		t.Fatalf("unexpected warnings: %v", warnings)
	}
	if len(results) != 8 {
		t.Fatalf("expected 8 results, got %d", len(results))
	}
	for i, r := range results {
		want := fmt.Sprintf("场景 %d", i)
		if r.SceneDescription != want {
			t.Fatalf("result %d out of order: %q", i, r.SceneDescription)
		}
	}
}

func TestAnalyzeAllSegmentsFailureProducesWarning(t *testing.T) {
	segments := []subtitleSegment{
		{Index: 0, StartMs: 0, EndMs: 1000},
		{Index: 1, StartMs: 1000, EndMs: 2000},
	}
	fake := &fakeAnalyzer{failIdx: map[int]bool{1: true}}
	results, warnings := analyzeAllSegments(context.Background(), fake, segments, nil, themeExtraction{}, 1, nil)
	if len(warnings) != 1 {
		t.Fatalf("expected 1 warning, got %v", warnings)
	}
	if !strings.Contains(warnings[0], "字幕片段 2") {
		t.Fatalf("warning should name the segment: %s", warnings[0])
	}
	// 失败片段仍要有完整的空字段结果
	if results[1].KeyElements == nil || results[1].RelatedThemes == nil {
		t.Fatalf("failed segment result not normalized: %+v", results[1])
	}
	if results[0].SceneDescription != "场景 0" {
		t.Fatalf("healthy segment affected: %+v", results[0])
	}
}

func TestAnalyzeAllSegmentsTextFallbackWithoutFrames(t *testing.T) {
	segments := []subtitleSegment{
		{Index: 0, StartMs: 0, EndMs: 1000},
		{Index: 1, StartMs: 1000, EndMs: 2000},
	}
	frames := map[int][]string{0: {"frame.jpg"}}
	fake := &fakeAnalyzer{sawText: map[int]bool{}}
	analyzeAllSegments(context.Background(), fake, segments, frames, themeExtraction{}, 2, nil)
	if fake.sawText[0] {
		t.Fatal("segment with frames should not use text path")
	}
	if !fake.sawText[1] {
		t.Fatal("segment without frames should use text path")
	}
}

func TestScoreAndSelectTheme(t *testing.T) {
	extraction := themeExtraction{Themes: []themeInfo{
		{Name: "A", Description: "主题A", RelevanceScore: 0.9},
		{Name: "B", Description: "主题B", RelevanceScore: 0.5},
	}}
	results := []analysisResult{
		{RelatedThemes: []string{"A", "B"}},
		{RelatedThemes: []string{"B"}},
		{RelatedThemes: []string{"A"}},
	}

	final, scores := scoreAndSelectTheme(extraction, results)
	if final.Name != "A" {
		t.Fatalf("expected A to win, got %s", final.Name)
	}
	if final.Description != "主题A" {
		t.Fatalf("winner must come from the global theme list: %+v", final)
	}
	if len(scores) != 2 {
		t.Fatalf("expected 2 scored themes, got %d", len(scores))
	}
	if scores[0].Name != "A" || math.Abs(scores[0].Total-7.2) > 1e-9 {
		t.Fatalf("unexpected top score: %+v", scores[0])
	}
	if scores[1].Name != "B" || math.Abs(scores[1].Total-3.0) > 1e-9 {
		t.Fatalf("unexpected second score: %+v", scores[1])
	}
}

func TestScoreAndSelectThemeDeterministic(t *testing.T) {
	extraction := themeExtraction{Themes: []themeInfo{
		{Name: "A", RelevanceScore: 0.9},
		{Name: "B", RelevanceScore: 0.5},
	}}
	results := []analysisResult{
		{RelatedThemes: []string{"A", "B"}},
		{RelatedThemes: []string{"B", "A"}},
	}
	first, _ := scoreAndSelectTheme(extraction, results)
	for i := 0; i < 20; i++ {
		again, _ := scoreAndSelectTheme(extraction, results)
		if again.Name != first.Name {
			t.Fatalf("selection not deterministic: %s vs %s", again.Name, first.Name)
		}
	}
}

func TestScoreAndSelectThemeUnknownName(t *testing.T) {
	extraction := themeExtraction{Themes: []themeInfo{
		{Name: "A", RelevanceScore: 0.2},
	}}
	results := []analysisResult{
		{RelatedThemes: []string{"模型编的主题"}},
	}
	final, scores := scoreAndSelectTheme(extraction, results)
	// 未知主题按相关度 1.0 计分，但最终主题必须回退到全局列表
	if math.Abs(scores[0].Total-4.0) > 1e-9 {
		t.Fatalf("unknown theme should score 4*1.0, got %v", scores[0].Total)
	}
	if final.Name != "A" {
		t.Fatalf("expected fallback to first global theme, got %s", final.Name)
	}
}

func TestScoreAndSelectThemeNoVotes(t *testing.T) {
	extraction := themeExtraction{Themes: []themeInfo{
		{Name: "A", RelevanceScore: 0.9},
	}}
	final, scores := scoreAndSelectTheme(extraction, []analysisResult{{}, {}})
	if final.Name != "A" {
		t.Fatalf("expected first global theme, got %s", final.Name)
	}
	if scores != nil {
		t.Fatalf("expected nil scores, got %v", scores)
	}

	final, _ = scoreAndSelectTheme(themeExtraction{}, nil)
	if final.Name != "没有分析出主题" || final.RelevanceScore != -1 {
		t.Fatalf("unexpected empty fallback: %+v", final)
	}
}

func TestScoreAndSelectThemeWeightsCutOff(t *testing.T) {
	extraction := themeExtraction{Themes: []themeInfo{
		{Name: "A", RelevanceScore: 1},
		{Name: "B", RelevanceScore: 1},
		{Name: "C", RelevanceScore: 1},
		{Name: "D", RelevanceScore: 1},
	}}
	results := []analysisResult{
		{RelatedThemes: []string{"A", "B", "C", "D"}},
	}
	_, scores := scoreAndSelectTheme(extraction, results)
	if len(scores) != 3 {
		t.Fatalf("fourth and later positions must not score: %v", scores)
	}
}

func TestParseAnalysisResult(t *testing.T) {
	raw := `{
  "scene_description": "夜晚的街道",
  "key_elements": ["路灯", "行人", "雨", "多余的第四项"],
  "plot_analysis": "铺垫",
  "content_summary": "过场",
  "related_themes": ["A"],
  "character_performance": "无"
}`
	result, err := parseAnalysisResult(raw)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if result.SceneDescription != "夜晚的街道" {
		t.Fatalf("unexpected result: %+v", result)
	}
	if len(result.KeyElements) != 3 {
		t.Fatalf("key_elements must be capped at 3, got %v", result.KeyElements)
	}
}

func TestPlaceholderExtraction(t *testing.T) {
	ext := placeholderExtraction()
	if len(ext.Themes) != 1 || ext.Themes[0].Name != themePlaceholder {
		t.Fatalf("unexpected placeholder themes: %+v", ext.Themes)
	}
	if len(ext.Speakers) == 0 {
		t.Fatal("expected placeholder speakers")
	}
}
