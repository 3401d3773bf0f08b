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
	"math"
	"os"
	"regexp"
	"strconv"
	"strings"
)

const (
	// 同一说话人的相邻字幕合并上限与间隔阈值（毫秒）。
	defaultMaxMergedDurationMs = 20000
	defaultMaxMergeGapMs       = 5000

	// 超过该间隔的静默区间会补一条 [无字幕] 条目，供 LLM 识别 BGM 段。
	defaultSilenceGapMs = 3000

	noSubtitleMarker = "[无字幕]"
)

type subtitleSegment struct {
	Index     int    `json:"index"`
	StartMs   int64  `json:"start_ms"`
	EndMs     int64  `json:"end_ms"`
	Timestamp string `json:"timestamp"`
	Speaker   string `json:"speaker,omitempty"`
	Text      string `json:"text"`
}

func (s subtitleSegment) StartSec() float64 {
	return float64(s.StartMs) / 1000
}

func (s subtitleSegment) EndSec() float64 {
	return float64(s.EndMs) / 1000
}

func (s subtitleSegment) DurationSec() float64 {
	return float64(s.EndMs-s.StartMs) / 1000
}

var (
	srtTimeLinePattern = regexp.MustCompile(`(\d{1,2}:\d{2}:\d{2}[,.]\d{1,3})\s*-->\s*(\d{1,2}:\d{2}:\d{2}[,.]\d{1,3})`)
	speakerTagPattern  = regexp.MustCompile(`^\[([^\[\]]+)\][:：]\s*`)
)

func parseSubtitleFile(path string) ([]subtitleSegment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取字幕文件失败: %w", err)
	}
	segments, err := parseSubtitleContent(string(data))
	if err != nil {
		return nil, err
	}
	if len(segments) == 0 {
		return nil, fmt.Errorf("字幕文件无有效条目: %s", path)
	}
	return segments, nil
}

func parseSubtitleContent(content string) ([]subtitleSegment, error) {
	content = strings.ReplaceAll(content, "\r\n", "\n")
	content = strings.TrimPrefix(content, "\uFEFF")

	var segments []subtitleSegment
	blocks := strings.Split(content, "\n\n")
	for _, block := range blocks {
		lines := make([]string, 0, 4)
		for _, line := range strings.Split(block, "\n") {
			if strings.TrimSpace(line) != "" {
				lines = append(lines, strings.TrimSpace(line))
			}
		}
		if len(lines) == 0 {
			continue
		}

		timeLineIdx := -1
		var m []string
		for i, line := range lines {
			if mm := srtTimeLinePattern.FindStringSubmatch(line); mm != nil {
				timeLineIdx = i
				m = mm
				break
			}
		}
		if timeLineIdx < 0 || timeLineIdx+1 >= len(lines) {
			continue
		}

		startMs, err := parseSRTTimestamp(m[1])
		if err != nil {
			logDebugf("跳过无效时间戳: %s", m[1])
			continue
		}
		endMs, err := parseSRTTimestamp(m[2])
		if err != nil {
			logDebugf("跳过无效时间戳: %s", m[2])
			continue
		}
		if startMs >= endMs {
			logDebugf("跳过起止时间异常的字幕块: %s --> %s", m[1], m[2])
			continue
		}

		text := strings.TrimSpace(strings.Join(lines[timeLineIdx+1:], "\n"))
		if text == "" {
			continue
		}

		speaker := ""
		if sm := speakerTagPattern.FindStringSubmatch(text); sm != nil {
			speaker = strings.TrimSpace(sm[1])
		}

		segments = append(segments, subtitleSegment{
			Index:     len(segments),
			StartMs:   startMs,
			EndMs:     endMs,
			Timestamp: formatSRTTime(float64(startMs)/1000) + " --> " + formatSRTTime(float64(endMs)/1000),
			Speaker:   speaker,
			Text:      text,
		})
	}
	return segments, nil
}

func parseSRTTimestamp(value string) (int64, error) {
	value = strings.TrimSpace(strings.ReplaceAll(value, ",", "."))
	parts := strings.Split(value, ":")
	if len(parts) != 3 {
		return 0, fmt.Errorf("时间戳格式无效: %s", value)
	}
	h, err := strconv.ParseInt(strings.TrimSpace(parts[0]), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("时间戳格式无效: %s", value)
	}
	m, err := strconv.ParseInt(strings.TrimSpace(parts[1]), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("时间戳格式无效: %s", value)
	}
	sec, err := strconv.ParseFloat(strings.TrimSpace(parts[2]), 64)
	if err != nil {
		return 0, fmt.Errorf("时间戳格式无效: %s", value)
	}
	return h*3600000 + m*60000 + int64(math.Round(sec*1000)), nil
}

// mergeSpeakerSegments 合并同一说话人的相邻字幕，便于后续按语义块分析。
// 合并后时长超过 maxMergedMs 或间隔达到 maxGapMs 的不合并。
func mergeSpeakerSegments(segments []subtitleSegment, maxMergedMs, maxGapMs int64) []subtitleSegment {
	if len(segments) == 0 {
		return nil
	}
	if maxMergedMs <= 0 {
		maxMergedMs = defaultMaxMergedDurationMs
	}
	if maxGapMs <= 0 {
		maxGapMs = defaultMaxMergeGapMs
	}

	out := make([]subtitleSegment, 0, len(segments))
	current := segments[0]
	for _, seg := range segments[1:] {
		gap := seg.StartMs - current.EndMs
		sameSpeaker := current.Speaker != "" && current.Speaker == seg.Speaker
		mergedDuration := seg.EndMs - current.StartMs
		if sameSpeaker && gap < maxGapMs && mergedDuration <= maxMergedMs {
			current.EndMs = seg.EndMs
			current.Text = current.Text + " " + stripSpeakerTag(seg.Text)
			current.Timestamp = formatSRTTime(current.StartSec()) + " --> " + formatSRTTime(current.EndSec())
			continue
		}
		out = append(out, current)
		current = seg
	}
	out = append(out, current)

	for i := range out {
		out[i].Index = i
	}
	return out
}

// fillSilenceGaps 在相邻字幕之间的长静默处补 [无字幕] 条目。
func fillSilenceGaps(segments []subtitleSegment, minGapMs int64) []subtitleSegment {
	if len(segments) == 0 {
		return nil
	}
	if minGapMs <= 0 {
		minGapMs = defaultSilenceGapMs
	}

	out := make([]subtitleSegment, 0, len(segments))
	for i, seg := range segments {
		if i > 0 {
			prev := out[len(out)-1]
			if seg.StartMs-prev.EndMs >= minGapMs {
				out = append(out, subtitleSegment{
					StartMs:   prev.EndMs,
					EndMs:     seg.StartMs,
					Timestamp: formatSRTTime(float64(prev.EndMs)/1000) + " --> " + formatSRTTime(float64(seg.StartMs)/1000),
					Text:      noSubtitleMarker,
				})
			}
		}
		out = append(out, seg)
	}

	for i := range out {
		out[i].Index = i
	}
	return out
}

func stripSpeakerTag(text string) string {
	return strings.TrimSpace(speakerTagPattern.ReplaceAllString(text, ""))
}

func buildSRT(segments []subtitleSegment) string {
	var builder strings.Builder
	for i, seg := range segments {
		builder.WriteString(strconv.Itoa(i + 1))
		builder.WriteByte('\n')
		builder.WriteString(formatSRTTime(seg.StartSec()))
		builder.WriteString(" --> ")
		builder.WriteString(formatSRTTime(seg.EndSec()))
		builder.WriteByte('\n')
		builder.WriteString(seg.Text)
		builder.WriteString("\n\n")
	}
	return builder.String()
}

func formatSRTTime(sec float64) string {
	totalMillis := int64(math.Round(sec * 1000))
	if totalMillis < 0 {
		totalMillis = 0
	}
	ms := totalMillis % 1000
	totalSeconds := totalMillis / 1000
	s := totalSeconds % 60
	totalMinutes := totalSeconds / 60
	m := totalMinutes % 60
	h := totalMinutes / 60
	return fmt.Sprintf("%02d:%02d:%02d,%03d", h, m, s, ms)
}

func roundMillis(v float64) float64 {
	return math.Round(v*1000) / 1000
}
