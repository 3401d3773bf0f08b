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
	"sort"
	"strings"
)

// promptProfile 把题材差异集中到提示词层，管线本身对题材无感知。
type promptProfile struct {
	Name string

	themePrompt     func(subtitleContent string) (system, user string)
	visionPrompt    func(seg subtitleSegment, frameCount int, themesInfo, speakerInfo string) (system, user string)
	textPrompt      func(seg subtitleSegment, themesInfo, speakerInfo string) (system, user string)
	narrationPrompt func(markdown, themeName, themeDescription string) (system, user string)
}

func profileByName(name string) (promptProfile, bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "drama":
		return dramaProfile, true
	case "documentary":
		return documentaryProfile, true
	default:
		return promptProfile{}, false
	}
}

const analysisJSONShape = `{
    "scene_description": "对全部图片做出总结性的画面描述，包含主要内容、人物、动作和场景",
    "key_elements": ["列出重要的最多三个视觉元素"],
    "plot_analysis": "这个片段在整体内容中的作用和意义",
    "content_summary": "对这个片段内容的简洁总结",
    "related_themes": ["按相关性从高到低排序的所有相关主题名称"],
    "character_performance": "角色在此片段的表现、情感状态和对内容的推动作用"
}`

const themeJSONShape = `{
    "themes": [
        {
            "theme_name": "主题名称",
            "theme_description": "主题的详细描述",
            "relevance_score": 0.95
        }
    ],
    "speaker_analysis": {
        "speaker0": {
            "character_identity": "角色身份（如：男主角、旁白、解说员等）",
            "character_traits": ["角色特征1", "角色特征2"],
            "plot_importance": "在内容中的重要程度和地位",
            "character_function": "角色的功能作用",
            "screen_presence": "出镜频率和方式的预估",
            "relationship_dynamics": "与其他角色的关系定位",
            "narrative_role": "在叙事结构中的作用"
        }
    }
}`

const narrationJSONShape = `{
    "items": [
        {
            "timestamp": "00:00:00,000-00:00:10,000",
            "picture": "对应画面的简要描述",
            "narration": "这一段的解说词"
        }
    ]
}`

var dramaProfile = promptProfile{
	Name: "drama",

	themePrompt: func(subtitleContent string) (string, string) {
		system := "你是一名资深的剧情分析师。请基于字幕完成主题提取与说话人角色分析，仅输出 JSON。"
		user := "基于以下视频的字幕内容，请同时完成两个分析任务：1) 提取视频主题 2) 分析说话人角色。\n\n" +
			"字幕列表的格式为：\n" +
			"片段序号: 片段在原视频中的时间范围（括号里是片段的持续时间）\n" +
			"字幕: 该片段包含的字幕，其中会有说话人标识，" + noSubtitleMarker + " 表示该片段是 BGM 或无人说话。\n\n" +
			subtitleContent + "\n\n" +
			"**任务1：主题提取**\n" +
			"分析视频的核心主题，按重要性排序。每个主题包含主题名称、详细描述和相关度评分（0~1）。\n\n" +
			"**任务2：说话人角色分析**\n" +
			"基于字幕的语言风格、说话方式、对话内容，推测每个说话人在剧中的角色身份、角色特征、" +
			"剧情地位、与其他角色的关系、出镜频率和角色功能。\n\n" +
			"**注意**\n" +
			"字幕来自语音识别，个别文字可能不准确，请做出合理且有限的猜测。\n\n" +
			"请务必使用以下 JSON 格式输出：\n" + themeJSONShape + "\n\n" +
			"请只返回 JSON 字符串，不要包含任何其他解释性文字。"
		return system, user
	},

	visionPrompt: func(seg subtitleSegment, frameCount int, themesInfo, speakerInfo string) (string, string) {
		system := "你是一名资深的剧集分析师，拥有丰富的影视剧观看经验。请基于提供的信息进行专业的剧情分析，仅输出 JSON。"
		user := fmt.Sprintf(
			"我将为你提供整个长视频的背景信息以及当前片段的具体内容，请你完成深度的剧情分析工作。\n\n"+
				"## 整个长视频的核心主题信息：\n%s\n"+
				"## 整个长视频中所有说话人的角色分析：\n%s\n"+
				"## 当前片段信息：\n"+
				"- 时间段：%s\n"+
				"- 持续时长：%.2f 秒\n"+
				"- 说话人与字幕内容：%q\n\n"+
				"## 视觉资料：\n"+
				"我还将提供 %d 张从这个片段中截取的关键帧图像，这些图片按时间顺序排列，请结合这些视觉信息进行画面理解与剧情梳理。\n\n"+
				"## 分析任务：\n"+
				"1. **画面理解**：详细描述画面中的主要内容，包括人物形象、动作行为、场景环境等视觉元素。\n"+
				"2. **剧情梳理**：基于画面和字幕内容，分析这个片段在整个故事中承担的作用和意义。\n"+
				"3. **主题关联**：分析当前片段与上述视频主题的关联程度，将所有相关的主题按相关性从高到低排序列出，不要遗漏任何相关主题。\n"+
				"4. **角色表现**：结合说话人的角色身份设定，分析此片段中角色的具体表现、情感状态变化以及对剧情发展的推动作用。\n\n"+
				"## 输出格式要求：\n"+
				"请严格按照以下 JSON 格式输出分析结果，不要包含任何其他解释性文字：\n%s",
			themesInfo, speakerInfo, seg.Timestamp, seg.DurationSec(), seg.Text, frameCount, analysisJSONShape)
		return system, user
	},

	textPrompt: func(seg subtitleSegment, themesInfo, speakerInfo string) (string, string) {
		system := "你是一名资深的剧集分析师。当前片段没有画面信息，请基于字幕做推测性分析，仅输出 JSON。"
		user := fmt.Sprintf(
			"基于以下字幕内容，请进行深度文本分析和剧情理解。\n\n%s\n%s\n"+
				"字幕时间段：%s\n"+
				"字幕内容：%q\n\n"+
				"虽然没有画面信息，但请基于字幕文本内容、主题信息和说话人角色特征，完成以下分析：\n"+
				"1. 内容理解：从字幕推测可能的画面场景、人物动作、环境描述\n"+
				"2. 剧情推测：根据字幕内容推测这个片段在整体故事中的作用\n"+
				"3. 主题关联：分析这个片段与上述主题的关联性，将所有相关的主题按相关性从高到低排序列出\n"+
				"4. 角色表现：结合说话人的角色身份，分析此片段中角色的表现、情感状态和剧情推动作用\n\n"+
				"请务必使用以下 JSON 格式输出你的结果：\n%s\n\n"+
				"请只返回 JSON 字符串，不要包含任何其他解释性文字。",
			themesInfo, speakerInfo, seg.Timestamp, seg.Text, analysisJSONShape)
		return system, user
	},

	narrationPrompt: func(markdown, themeName, themeDescription string) (string, string) {
		system := "你是一名专业的短视频解说文案作者。请基于剧情分析材料撰写解说词，仅输出 JSON。"
		user := fmt.Sprintf(
			"以下是一部长视频的逐片段剧情分析，以及经过统计选定的视频主题。\n\n"+
				"## 选定主题\n- 主题：%s\n- 主题描述：%s\n\n"+
				"## 剧情分析材料\n%s\n\n"+
				"## 写作要求\n"+
				"1. 围绕选定主题组织解说，舍弃与主题无关的片段。\n"+
				"2. 每条解说的字数不能超过该片段标注的旁白文案字数上限。\n"+
				"3. timestamp 必须取自材料中的片段时间范围，格式为 HH:MM:SS,mmm-HH:MM:SS,mmm。\n"+
				"4. 解说要口语化、有悬念感，前后连贯。\n\n"+
				"请务必使用以下 JSON 格式输出：\n%s\n\n"+
				"请只返回 JSON 字符串，不要包含任何其他解释性文字。",
			themeName, themeDescription, markdown, narrationJSONShape)
		return system, user
	},
}

var documentaryProfile = promptProfile{
	Name: "documentary",

	themePrompt: func(subtitleContent string) (string, string) {
		system := "你是一名纪录片内容分析师。请基于字幕完成主题提取与解说者角色分析，仅输出 JSON。"
		user := "基于以下纪录片的字幕内容，请同时完成两个分析任务：1) 提取影片主题 2) 分析解说者与出场人物。\n\n" +
			"字幕列表的格式为：\n" +
			"片段序号: 片段在原视频中的时间范围（括号里是片段的持续时间）\n" +
			"字幕: 该片段包含的字幕，其中会有说话人标识，" + noSubtitleMarker + " 表示该片段是空镜或配乐段落。\n\n" +
			subtitleContent + "\n\n" +
			"**任务1：主题提取**\n" +
			"分析影片的核心主题，按重要性排序。每个主题包含主题名称、详细描述和相关度评分（0~1）。\n\n" +
			"**任务2：解说者与人物分析**\n" +
			"区分旁白解说与受访者/出场人物，概括每个说话人的身份、立场与在影片叙事中的作用。\n\n" +
			"请务必使用以下 JSON 格式输出：\n" + themeJSONShape + "\n\n" +
			"请只返回 JSON 字符串，不要包含任何其他解释性文字。"
		return system, user
	},

	visionPrompt: func(seg subtitleSegment, frameCount int, themesInfo, speakerInfo string) (string, string) {
		system := "你是一名纪录片分析师。请结合画面与解说词进行内容分析，仅输出 JSON。"
		user := fmt.Sprintf(
			"以下是整部纪录片的背景信息与当前片段内容。\n\n"+
				"## 影片主题信息：\n%s\n"+
				"## 解说者与人物分析：\n%s\n"+
				"## 当前片段信息：\n"+
				"- 时间段：%s\n"+
				"- 持续时长：%.2f 秒\n"+
				"- 字幕内容：%q\n\n"+
				"## 视觉资料：\n"+
				"我还将提供 %d 张按时间顺序排列的关键帧图像。\n\n"+
				"## 分析任务：\n"+
				"1. **画面理解**：描述画面中的场景、对象与镜头内容。\n"+
				"2. **内容梳理**：分析该片段在影片叙事中承担的作用。\n"+
				"3. **主题关联**：将所有相关主题按相关性从高到低排序列出。\n"+
				"4. **人物表现**：分析解说或出场人物在该片段中的表达与作用。\n\n"+
				"请严格按照以下 JSON 格式输出分析结果，不要包含任何其他解释性文字：\n%s",
			themesInfo, speakerInfo, seg.Timestamp, seg.DurationSec(), seg.Text, frameCount, analysisJSONShape)
		return system, user
	},

	textPrompt: func(seg subtitleSegment, themesInfo, speakerInfo string) (string, string) {
		system := "你是一名纪录片分析师。当前片段没有画面信息，请基于字幕做推测性分析，仅输出 JSON。"
		user := fmt.Sprintf(
			"基于以下字幕内容，请进行文本分析与内容理解。\n\n%s\n%s\n"+
				"字幕时间段：%s\n"+
				"字幕内容：%q\n\n"+
				"请从字幕推测可能的画面内容，分析该片段在影片中的作用，并将所有相关主题按相关性从高到低排序列出。\n\n"+
				"请务必使用以下 JSON 格式输出你的结果：\n%s\n\n"+
				"请只返回 JSON 字符串，不要包含任何其他解释性文字。",
			themesInfo, speakerInfo, seg.Timestamp, seg.Text, analysisJSONShape)
		return system, user
	},

	narrationPrompt: func(markdown, themeName, themeDescription string) (string, string) {
		system := "你是一名纪录片解说文案作者。请基于内容分析材料撰写解说词，仅输出 JSON。"
		user := fmt.Sprintf(
			"以下是一部纪录片的逐片段内容分析，以及经过统计选定的影片主题。\n\n"+
				"## 选定主题\n- 主题：%s\n- 主题描述：%s\n\n"+
				"## 内容分析材料\n%s\n\n"+
				"## 写作要求\n"+
				"1. 围绕选定主题组织解说，语言严谨、信息密度高。\n"+
				"2. 每条解说的字数不能超过该片段标注的旁白文案字数上限。\n"+
				"3. timestamp 必须取自材料中的片段时间范围，格式为 HH:MM:SS,mmm-HH:MM:SS,mmm。\n\n"+
				"请务必使用以下 JSON 格式输出：\n%s\n\n"+
				"请只返回 JSON 字符串，不要包含任何其他解释性文字。",
			themeName, themeDescription, markdown, narrationJSONShape)
		return system, user
	},
}

// buildThemesInfo 将主题列表格式化为注入分析提示词的片段（取前 3 个）。
func buildThemesInfo(themes []themeInfo) string {
	if len(themes) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("视频主题信息:\n")
	limit := len(themes)
	if limit > 3 {
		limit = 3
	}
	for _, t := range themes[:limit] {
		fmt.Fprintf(&b, "- %s (相关度: %.2f): %s\n", t.Name, t.RelevanceScore, t.Description)
	}
	b.WriteString("\n")
	return b.String()
}

func buildSpeakerInfo(speakers map[string]speakerRole) string {
	if len(speakers) == 0 {
		return ""
	}
	ids := make([]string, 0, len(speakers))
	for id := range speakers {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var b strings.Builder
	b.WriteString("说话人角色分析:\n")
	for _, id := range ids {
		s := speakers[id]
		fmt.Fprintf(&b, "\n%s:\n", id)
		fmt.Fprintf(&b, "- 角色身份: %s\n", s.CharacterIdentity)
		fmt.Fprintf(&b, "- 剧情重要性: %s\n", s.PlotImportance)
		fmt.Fprintf(&b, "- 角色功能: %s\n", s.CharacterFunction)
		fmt.Fprintf(&b, "- 出镜方式: %s\n", s.ScreenPresence)
		fmt.Fprintf(&b, "- 叙事作用: %s\n", s.NarrativeRole)
		if len(s.CharacterTraits) > 0 {
			fmt.Fprintf(&b, "- 角色特征: %s\n", strings.Join(s.CharacterTraits, "; "))
		}
	}
	b.WriteString("\n")
	return b.String()
}

// buildSubtitleContent 把字幕片段排成主题提取用的列表文本。
func buildSubtitleContent(segments []subtitleSegment) string {
	var b strings.Builder
	for _, seg := range segments {
		fmt.Fprintf(&b, "片段%d: %s (%.1f秒)\n字幕: %s\n---\n", seg.Index+1, seg.Timestamp, seg.DurationSec(), seg.Text)
	}
	return b.String()
}
