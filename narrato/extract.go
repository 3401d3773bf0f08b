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
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
)

var ErrExtractionFailed = errors.New("关键帧提取失败")

const (
	defaultMaxExtractWorkers = 20
	defaultExtractTimeoutSec = 3000
)

type extractionTask struct {
	SegmentIndex int
	FrameIndex   int
	Seconds      float64
	OutputPath   string
}

type batchResult struct {
	Total     int
	Succeeded int
	Failed    int
}

// frameExtractor 抽取单帧。实现必须支持并发调用（输出路径两两不同）。
type frameExtractor interface {
	extractFrame(ctx context.Context, videoPath string, seconds float64, outputPath string) bool
}

type ffmpegFrameExtractor struct {
	ffmpegPath string
}

func (e ffmpegFrameExtractor) extractFrame(ctx context.Context, videoPath string, seconds float64, outputPath string) bool {
	args := []string{
		"-hide_banner",
		"-loglevel", "error",
		"-ss", fmt.Sprintf("%.3f", seconds),
		"-i", videoPath,
		"-frames:v", "1",
		"-q:v", "2",
		"-y",
		outputPath,
	}
	cmd := exec.CommandContext(ctx, e.ffmpegPath, args...)
	if err := cmd.Run(); err != nil {
		logDebugf("ffmpeg 抽帧失败 (t=%.3f): %v", seconds, err)
		_ = os.Remove(outputPath)
		return false
	}
	return fileExists(outputPath)
}

func detectFFmpeg() (string, error) {
	names := []string{"ffmpeg"}
	if runtime.GOOS == "windows" {
		names = append(names, "ffmpeg.exe")
	}
	for _, name := range names {
		if p, err := exec.LookPath(name); err == nil {
			return p, nil
		}
	}
	return "", errors.New("未找到 ffmpeg。请将 ffmpeg 加入 PATH。")
}

// keyframeFileName 生成可单靠文件名恢复归属的关键帧文件名：
// segment_{片段号}_keyframe_{帧号}_{九位时间数字}.jpg，序号从 1 开始。
func keyframeFileName(segmentIndex, frameIndex int, seconds float64) string {
	return fmt.Sprintf("segment_%d_keyframe_%d_%s.jpg", segmentIndex+1, frameIndex+1, compactTimeDigits(seconds))
}

// compactTimeDigits 将秒数格式化为 HHMMSSmmm 共九位数字。
func compactTimeDigits(seconds float64) string {
	t := formatSRTTime(seconds)
	t = strings.ReplaceAll(t, ":", "")
	t = strings.ReplaceAll(t, ",", "")
	return t
}

var keyframeFilePattern = regexp.MustCompile(`^segment_(\d+)_keyframe_(\d+)_(\d+)\.jpg$`)

func buildExtractionTasks(segments []subtitleSegment, params samplingParams, outputDir string) [][]extractionTask {
	tasks := make([][]extractionTask, len(segments))
	for i, seg := range segments {
		times := computeExtractionTimes(seg.StartSec(), seg.EndSec(), params)
		segTasks := make([]extractionTask, 0, len(times))
		for j, t := range times {
			segTasks = append(segTasks, extractionTask{
				SegmentIndex: i,
				FrameIndex:   j,
				Seconds:      t,
				OutputPath:   filepath.Join(outputDir, keyframeFileName(i, j, t)),
			})
		}
		tasks[i] = segTasks
	}
	return tasks
}

// extractKeyframeBatch 用固定大小的 worker 池执行抽帧任务。
// 单帧失败只影响该帧；整批受 ctx 的超时约束。
func extractKeyframeBatch(ctx context.Context, ex frameExtractor, videoPath string, tasks []extractionTask, maxWorkers int, progress func(done, total int)) batchResult {
	total := len(tasks)
	if total == 0 {
		return batchResult{}
	}
	if maxWorkers <= 0 {
		maxWorkers = defaultMaxExtractWorkers
	}
	if maxWorkers > total {
		maxWorkers = total
	}

	taskCh := make(chan extractionTask)
	var succeeded atomic.Int64
	var done atomic.Int64
	var wg sync.WaitGroup

	for w := 0; w < maxWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for task := range taskCh {
				if ctx.Err() == nil && ex.extractFrame(ctx, videoPath, task.Seconds, task.OutputPath) {
					succeeded.Add(1)
				}
				n := done.Add(1)
				if progress != nil {
					progress(int(n), total)
				}
			}
		}()
	}

	for _, task := range tasks {
		taskCh <- task
	}
	close(taskCh)
	wg.Wait()

	ok := int(succeeded.Load())
	return batchResult{
		Total:     total,
		Succeeded: ok,
		Failed:    total - ok,
	}
}

// rescanKeyframes 从输出目录重建片段到关键帧的映射。
// 抽帧结束后以文件系统为准，不信任内存中的任务结果。
func rescanKeyframes(dir string, segmentCount int) (map[int][]string, int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, 0, fmt.Errorf("读取关键帧目录失败: %w", err)
	}

	type scannedFrame struct {
		path       string
		timeDigits int64
	}

	grouped := make(map[int][]scannedFrame)
	unmatched := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		m := keyframeFilePattern.FindStringSubmatch(entry.Name())
		if m == nil {
			continue
		}
		segmentNum, err := strconv.Atoi(m[1])
		if err != nil || segmentNum < 1 || segmentNum > segmentCount {
			logWarnf("关键帧文件片段号超出范围: %s", entry.Name())
			unmatched++
			continue
		}
		digits, err := strconv.ParseInt(m[3], 10, 64)
		if err != nil {
			unmatched++
			continue
		}
		idx := segmentNum - 1
		grouped[idx] = append(grouped[idx], scannedFrame{
			path:       filepath.Join(dir, entry.Name()),
			timeDigits: digits,
		})
	}

	out := make(map[int][]string, len(grouped))
	totalFrames := 0
	for idx, frames := range grouped {
		sort.Slice(frames, func(i, j int) bool {
			return frames[i].timeDigits < frames[j].timeDigits
		})
		paths := make([]string, 0, len(frames))
		for _, f := range frames {
			paths = append(paths, f.path)
		}
		out[idx] = paths
		totalFrames += len(paths)
	}

	if unmatched > 0 {
		logWarnf("有 %d 个关键帧文件无法匹配到字幕片段", unmatched)
	}
	return out, totalFrames, nil
}
