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
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	exitOK      = 0
	exitFailed  = 1
	exitPartial = 2
)

func Main(args []string) int {
	configureLogger()

	if len(args) == 1 {
		usage()
		return exitFailed
	}

	if len(args) == 2 && isHelpArg(args[1]) {
		usage()
		return exitOK
	}

	if len(args) == 2 && isVersionArg(args[1]) {
		printVersion()
		return exitOK
	}

	switch strings.ToLower(strings.TrimSpace(args[1])) {
	case "extract":
		opts, err := parseExtractOptions(args[2:])
		if err != nil {
			logError(err.Error())
			usage()
			return exitFailed
		}
		return runExtract(opts)
	case "script":
		opts, err := parseScriptOptions(args[2:])
		if err != nil {
			logError(err.Error())
			usage()
			return exitFailed
		}
		return runScript(opts)
	default:
		usage()
		return exitFailed
	}
}

func usage() {
	fmt.Println("用法:")
	fmt.Println("  narrato extract <video> --subtitle <srt> [--output_dir <dir>] [--interval_seconds <f>] [--max_frames <n>] [--max_workers <n>] [--json]")
	fmt.Println("  narrato script <video> --subtitle <srt> [--profile drama|documentary] [--config <narrato.yaml>] [--output_dir <dir>] [--json]")
	fmt.Println()
	fmt.Println("extract 参数:")
	fmt.Println("  --subtitle <srt>          字幕文件（决定抽帧的片段划分）")
	fmt.Println("  --output_dir <dir>        关键帧输出目录（默认视频同目录的 keyframes/）")
	fmt.Println("  --interval_seconds <f>    按固定间隔抽帧；不设置则每片段只取中点帧")
	fmt.Println("  --max_frames <n>          每片段帧数上限（-1 不限制，默认 10）")
	fmt.Println("  --max_workers <n>         抽帧并发数（默认 20）")
	fmt.Println("  --json                    输出 JSON 结果")
	fmt.Println()
	fmt.Println("script 参数:")
	fmt.Println("  --subtitle <srt>          字幕文件")
	fmt.Println("  --profile <name>          题材（drama 或 documentary，默认 drama）")
	fmt.Println("  --config <path>           YAML 配置文件")
	fmt.Println("  --output_dir <dir>        结果输出目录（默认视频同目录）")
	fmt.Println("  --json                    输出 JSON 结果")
	fmt.Println()
	fmt.Println("可选环境变量:")
	fmt.Println("  - NARRATO_OPENAI_API_KEY / OPENAI_API_KEY")
	fmt.Println("  - NARRATO_OPENROUTER_API_KEY / OPENROUTER_API_KEY")
	fmt.Println("  - NARRATO_VISION_MODEL / NARRATO_TEXT_MODEL")
	fmt.Println("  - NARRATO_LOG_LEVEL=debug|info|warn|error")
	fmt.Println("  - NARRATO_LOG_FORMAT=text|json")
	fmt.Println()
	fmt.Println("退出码:")
	fmt.Println("  - 0: 成功")
	fmt.Println("  - 1: 失败（输入无效或运行出错）")
	fmt.Println("  - 2: 部分成功（extract：部分关键帧提取失败）")
}

func isHelpArg(v string) bool {
	switch v {
	case "-h", "--help", "help":
		return true
	default:
		return false
	}
}

func isVersionArg(v string) bool {
	switch v {
	case "-v", "--version", "version":
		return true
	default:
		return false
	}
}

var version = "dev"

func printVersion() {
	fmt.Printf("narrato %s\n", strings.TrimSpace(version))
}

type extractOptions struct {
	VideoPath       string
	SubtitlePath    string
	OutputDir       string
	IntervalSeconds float64
	IntervalSet     bool
	MaxFrames       int
	MaxWorkers      int
	JSON            bool
}

type extractJSONResult struct {
	OK           bool           `json:"ok"`
	ExitCode     int            `json:"exit_code"`
	Error        string         `json:"error,omitempty"`
	VideoPath    string         `json:"video_path,omitempty"`
	SubtitlePath string         `json:"subtitle_path,omitempty"`
	OutputDir    string         `json:"output_dir,omitempty"`
	SegmentCount int            `json:"segment_count"`
	TotalFrames  int            `json:"total_frames"`
	FailedFrames int            `json:"failed_frames"`
	Sampling     samplingParams `json:"sampling_params"`
	ManifestPath string         `json:"manifest_path,omitempty"`
}

func parseExtractOptions(args []string) (extractOptions, error) {
	opts := extractOptions{
		MaxFrames:  defaultMaxFramesPerSegment,
		MaxWorkers: defaultMaxExtractWorkers,
	}

	for i := 0; i < len(args); i++ {
		arg := strings.TrimSpace(args[i])
		switch {
		case arg == "--json":
			opts.JSON = true
		case arg == "--subtitle":
			if i+1 >= len(args) {
				return extractOptions{}, fmt.Errorf("`--subtitle` 缺少参数")
			}
			i++
			opts.SubtitlePath = strings.TrimSpace(args[i])
		case strings.HasPrefix(arg, "--subtitle="):
			opts.SubtitlePath = strings.TrimSpace(strings.TrimPrefix(arg, "--subtitle="))
		case arg == "--output_dir":
			if i+1 >= len(args) {
				return extractOptions{}, fmt.Errorf("`--output_dir` 缺少参数")
			}
			i++
			opts.OutputDir = strings.TrimSpace(args[i])
		case strings.HasPrefix(arg, "--output_dir="):
			opts.OutputDir = strings.TrimSpace(strings.TrimPrefix(arg, "--output_dir="))
		case arg == "--interval_seconds":
			if i+1 >= len(args) {
				return extractOptions{}, fmt.Errorf("`--interval_seconds` 缺少参数")
			}
			i++
			v, err := strconv.ParseFloat(strings.TrimSpace(args[i]), 64)
			if err != nil {
				return extractOptions{}, fmt.Errorf("`--interval_seconds` 参数无效: %s", args[i])
			}
			opts.IntervalSeconds = v
			opts.IntervalSet = true
		case strings.HasPrefix(arg, "--interval_seconds="):
			v, err := strconv.ParseFloat(strings.TrimSpace(strings.TrimPrefix(arg, "--interval_seconds=")), 64)
			if err != nil {
				return extractOptions{}, fmt.Errorf("`--interval_seconds` 参数无效: %s", arg)
			}
			opts.IntervalSeconds = v
			opts.IntervalSet = true
		case arg == "--max_frames":
			if i+1 >= len(args) {
				return extractOptions{}, fmt.Errorf("`--max_frames` 缺少参数")
			}
			i++
			v, err := strconv.Atoi(strings.TrimSpace(args[i]))
			if err != nil {
				return extractOptions{}, fmt.Errorf("`--max_frames` 参数无效: %s", args[i])
			}
			opts.MaxFrames = v
		case strings.HasPrefix(arg, "--max_frames="):
			v, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(arg, "--max_frames=")))
			if err != nil {
				return extractOptions{}, fmt.Errorf("`--max_frames` 参数无效: %s", arg)
			}
			opts.MaxFrames = v
		case arg == "--max_workers":
			if i+1 >= len(args) {
				return extractOptions{}, fmt.Errorf("`--max_workers` 缺少参数")
			}
			i++
			v, err := strconv.Atoi(strings.TrimSpace(args[i]))
			if err != nil {
				return extractOptions{}, fmt.Errorf("`--max_workers` 参数无效: %s", args[i])
			}
			opts.MaxWorkers = v
		case strings.HasPrefix(arg, "--max_workers="):
			v, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(arg, "--max_workers=")))
			if err != nil {
				return extractOptions{}, fmt.Errorf("`--max_workers` 参数无效: %s", arg)
			}
			opts.MaxWorkers = v
		case strings.HasPrefix(arg, "-"):
			return extractOptions{}, fmt.Errorf("不支持的参数: %s", arg)
		default:
			if opts.VideoPath != "" {
				return extractOptions{}, fmt.Errorf("`narrato extract` 仅支持一个视频路径")
			}
			opts.VideoPath = arg
		}
	}

	if strings.TrimSpace(opts.VideoPath) == "" {
		return extractOptions{}, fmt.Errorf("缺少视频路径。用法: narrato extract <video> --subtitle <srt>")
	}
	if strings.TrimSpace(opts.SubtitlePath) == "" {
		return extractOptions{}, fmt.Errorf("缺少字幕文件。请使用 `--subtitle <srt>`")
	}
	return opts, nil
}

func runExtract(opts extractOptions) int {
	result, code := runExtractPipeline(opts)
	if opts.JSON {
		printExtractJSON(result)
	} else {
		printExtractHuman(result, code)
	}
	return code
}

func runExtractPipeline(opts extractOptions) (extractJSONResult, int) {
	result := extractJSONResult{
		VideoPath:    opts.VideoPath,
		SubtitlePath: opts.SubtitlePath,
	}
	failWith := func(code int, msg string) (extractJSONResult, int) {
		result.OK = false
		result.ExitCode = code
		result.Error = msg
		logError(msg)
		return result, code
	}

	params := samplingParams{
		Mode:      samplingModeMidpoint,
		MaxFrames: opts.MaxFrames,
	}
	if opts.IntervalSet {
		params.Mode = samplingModeInterval
		params.IntervalSeconds = opts.IntervalSeconds
	}
	result.Sampling = params
	if err := params.validate(); err != nil {
		return failWith(exitFailed, err.Error())
	}
	if !fileExists(opts.VideoPath) {
		return failWith(exitFailed, fmt.Sprintf("视频文件不存在: %s", opts.VideoPath))
	}

	segments, err := parseSubtitleFile(opts.SubtitlePath)
	if err != nil {
		return failWith(exitFailed, err.Error())
	}
	result.SegmentCount = len(segments)

	outputDir := strings.TrimSpace(opts.OutputDir)
	if outputDir == "" {
		outputDir = filepath.Join(filepath.Dir(opts.VideoPath), "keyframes")
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return failWith(exitFailed, fmt.Sprintf("创建输出目录失败: %v", err))
	}
	result.OutputDir = outputDir

	ffmpegPath, err := detectFFmpeg()
	if err != nil {
		return failWith(exitFailed, err.Error())
	}
	logInfof("使用 ffmpeg: %s", ffmpegPath)

	segmentTasks := buildExtractionTasks(segments, params, outputDir)
	var flat []extractionTask
	for _, st := range segmentTasks {
		flat = append(flat, st...)
	}
	logInfof("抽帧计划: %d 个片段，共 %d 帧", len(segments), len(flat))

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(defaultExtractTimeoutSec)*time.Second)
	defer cancel()
	batch := extractKeyframeBatch(ctx, ffmpegFrameExtractor{ffmpegPath: ffmpegPath}, opts.VideoPath, flat, opts.MaxWorkers, func(done, total int) {
		if done%50 == 0 || done == total {
			logInfof("抽帧进度: %d/%d", done, total)
		}
	})

	frames, totalFrames, err := rescanKeyframes(outputDir, len(segments))
	if err != nil {
		return failWith(exitFailed, err.Error())
	}
	result.TotalFrames = totalFrames
	result.FailedFrames = batch.Failed

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
	manifestPath := filepath.Join(outputDir, keyframeManifestName)
	if err := writeJSONFile(manifestPath, manifest); err != nil {
		return failWith(exitFailed, fmt.Sprintf("写入清单失败: %v", err))
	}
	result.ManifestPath = manifestPath

	if totalFrames == 0 {
		return failWith(exitFailed, fmt.Sprintf("%v: 未能提取任何关键帧", ErrExtractionFailed))
	}
	if batch.Failed > 0 {
		result.OK = true
		result.ExitCode = exitPartial
		logWarnf("部分关键帧提取失败: 成功 %d，失败 %d", batch.Succeeded, batch.Failed)
		return result, exitPartial
	}

	result.OK = true
	result.ExitCode = exitOK
	return result, exitOK
}

func printExtractJSON(v extractJSONResult) {
	data, err := json.Marshal(v)
	if err != nil {
		logError("JSON 序列化失败", "error", err)
		return
	}
	fmt.Println(string(data))
}

func printExtractHuman(result extractJSONResult, code int) {
	status := "PASS"
	if code == exitPartial {
		status = "PARTIAL"
	} else if code != exitOK {
		status = "FAIL"
	}
	fmt.Printf("extract: %s\n", status)
	fmt.Printf("segment_count: %d\n", result.SegmentCount)
	fmt.Printf("total_frames: %d\n", result.TotalFrames)
	fmt.Printf("failed_frames: %d\n", result.FailedFrames)
	if strings.TrimSpace(result.OutputDir) != "" {
		fmt.Printf("output_dir: %s\n", result.OutputDir)
	}
	if strings.TrimSpace(result.ManifestPath) != "" {
		fmt.Printf("manifest: %s\n", result.ManifestPath)
	}
	if strings.TrimSpace(result.Error) != "" {
		fmt.Printf("error: %s\n", result.Error)
	}
}

type scriptJSONResult struct {
	OK           bool            `json:"ok"`
	ExitCode     int             `json:"exit_code"`
	Error        string          `json:"error,omitempty"`
	RunID        string          `json:"run_id,omitempty"`
	VideoPath    string          `json:"video_path,omitempty"`
	SubtitlePath string          `json:"subtitle_path,omitempty"`
	Profile      string          `json:"profile,omitempty"`
	SegmentCount int             `json:"segment_count"`
	FrameCount   int             `json:"frame_count"`
	CacheHit     bool            `json:"cache_hit"`
	VisionModel  string          `json:"vision_model,omitempty"`
	TextModel    string          `json:"text_model,omitempty"`
	FinalTheme   themeInfo       `json:"final_theme"`
	ThemeScores  []themeScore    `json:"theme_scores,omitempty"`
	Narration    []narrationItem `json:"narration,omitempty"`
	Artifacts    scriptArtifacts `json:"artifacts"`
	Warnings     []string        `json:"warnings,omitempty"`
}

func parseScriptOptions(args []string) (scriptOptions, error) {
	opts := scriptOptions{}

	for i := 0; i < len(args); i++ {
		arg := strings.TrimSpace(args[i])
		switch {
		case arg == "--json":
			opts.JSON = true
		case arg == "--subtitle":
			if i+1 >= len(args) {
				return scriptOptions{}, fmt.Errorf("`--subtitle` 缺少参数")
			}
			i++
			opts.SubtitlePath = strings.TrimSpace(args[i])
		case strings.HasPrefix(arg, "--subtitle="):
			opts.SubtitlePath = strings.TrimSpace(strings.TrimPrefix(arg, "--subtitle="))
		case arg == "--profile":
			if i+1 >= len(args) {
				return scriptOptions{}, fmt.Errorf("`--profile` 缺少参数")
			}
			i++
			opts.Profile = strings.TrimSpace(args[i])
		case strings.HasPrefix(arg, "--profile="):
			opts.Profile = strings.TrimSpace(strings.TrimPrefix(arg, "--profile="))
		case arg == "--config":
			if i+1 >= len(args) {
				return scriptOptions{}, fmt.Errorf("`--config` 缺少参数")
			}
			i++
			opts.ConfigPath = strings.TrimSpace(args[i])
		case strings.HasPrefix(arg, "--config="):
			opts.ConfigPath = strings.TrimSpace(strings.TrimPrefix(arg, "--config="))
		case arg == "--output_dir":
			if i+1 >= len(args) {
				return scriptOptions{}, fmt.Errorf("`--output_dir` 缺少参数")
			}
			i++
			opts.OutputDir = strings.TrimSpace(args[i])
		case strings.HasPrefix(arg, "--output_dir="):
			opts.OutputDir = strings.TrimSpace(strings.TrimPrefix(arg, "--output_dir="))
		case strings.HasPrefix(arg, "-"):
			return scriptOptions{}, fmt.Errorf("不支持的参数: %s", arg)
		default:
			if opts.VideoPath != "" {
				return scriptOptions{}, fmt.Errorf("`narrato script` 仅支持一个视频路径")
			}
			opts.VideoPath = arg
		}
	}

	if strings.TrimSpace(opts.VideoPath) == "" {
		return scriptOptions{}, fmt.Errorf("缺少视频路径。用法: narrato script <video> --subtitle <srt>")
	}
	if strings.TrimSpace(opts.SubtitlePath) == "" {
		return scriptOptions{}, fmt.Errorf("缺少字幕文件。请使用 `--subtitle <srt>`")
	}
	return opts, nil
}

func runScript(opts scriptOptions) int {
	state, code := runScriptPipeline(context.Background(), opts, nil)
	if opts.JSON {
		printScriptJSON(buildScriptJSONResult(state, opts, code))
	} else {
		printScriptHuman(state, code)
	}
	return code
}

func buildScriptJSONResult(state scriptRunState, opts scriptOptions, exitCode int) scriptJSONResult {
	ok := exitCode == exitOK
	result := scriptJSONResult{
		OK:           ok,
		ExitCode:     exitCode,
		RunID:        state.RunID,
		VideoPath:    opts.VideoPath,
		SubtitlePath: opts.SubtitlePath,
		Profile:      firstNonEmpty(opts.Profile, "drama"),
		SegmentCount: state.SegmentCount,
		FrameCount:   state.FrameCount,
		CacheHit:     state.CacheHit,
		VisionModel:  state.VisionModel,
		TextModel:    state.TextModel,
		FinalTheme:   state.FinalTheme,
		ThemeScores:  state.ThemeScores,
		Narration:    state.Narration,
		Artifacts:    state.Artifacts,
		Warnings:     state.Warnings,
	}
	if !ok && len(state.Warnings) > 0 {
		result.Error = state.Warnings[len(state.Warnings)-1]
	}
	return result
}

func printScriptJSON(v scriptJSONResult) {
	data, err := json.Marshal(v)
	if err != nil {
		logError("JSON 序列化失败", "error", err)
		return
	}
	fmt.Println(string(data))
}

func printScriptHuman(state scriptRunState, exitCode int) {
	status := "PASS"
	if exitCode != exitOK {
		status = "FAIL"
	}
	fmt.Printf("script: %s\n", status)
	if strings.TrimSpace(state.RunID) != "" {
		fmt.Printf("run_id: %s\n", state.RunID)
	}
	fmt.Printf("segment_count: %d\n", state.SegmentCount)
	fmt.Printf("frame_count: %d\n", state.FrameCount)
	fmt.Printf("cache_hit: %v\n", state.CacheHit)
	if strings.TrimSpace(state.VisionModel) != "" {
		fmt.Printf("vision_model: %s\n", state.VisionModel)
	}
	if strings.TrimSpace(state.TextModel) != "" {
		fmt.Printf("text_model: %s\n", state.TextModel)
	}
	if strings.TrimSpace(state.FinalTheme.Name) != "" {
		fmt.Printf("final_theme: %s\n", state.FinalTheme.Name)
	}
	fmt.Printf("narration_count: %d\n", len(state.Narration))
	if strings.TrimSpace(state.Artifacts.ScriptPath) != "" {
		fmt.Printf("script_path: %s\n", state.Artifacts.ScriptPath)
	}
	if strings.TrimSpace(state.Artifacts.FinalPath) != "" {
		fmt.Printf("final_analysis: %s\n", state.Artifacts.FinalPath)
	}
	for _, w := range state.Warnings {
		fmt.Printf("warning: %s\n", w)
	}
}
