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
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	keyframeManifestVersion = "keyframe-manifest-v1"
	keyframeManifestName    = "subtitle_keyframe_match.json"
)

type manifestSegment struct {
	Index         int      `json:"index"`
	Timestamp     string   `json:"timestamp"`
	DurationSec   float64  `json:"duration"`
	KeyframePaths []string `json:"keyframe_paths"`
}

type keyframeManifest struct {
	Version   string            `json:"version"`
	CreatedAt string            `json:"created_at"`
	Sampling  samplingParams    `json:"sampling_params"`
	Segments  []manifestSegment `json:"segments"`
}

// keyframeCache 绑定一个由视频+字幕内容派生的缓存目录。
// 任一输入文件变化（路径或 mtime）都会产生新的缓存键，旧目录自然失效。
type keyframeCache struct {
	Key string
	Dir string
}

func newKeyframeCache(baseDir, videoPath, subtitlePath, salt string) (keyframeCache, error) {
	key, err := keyframeCacheKey(videoPath, subtitlePath, salt)
	if err != nil {
		return keyframeCache{}, err
	}
	return keyframeCache{
		Key: key,
		Dir: filepath.Join(baseDir, key),
	}, nil
}

func keyframeCacheKey(videoPath, subtitlePath, salt string) (string, error) {
	videoInfo, err := os.Stat(videoPath)
	if err != nil {
		return "", fmt.Errorf("读取视频文件信息失败: %w", err)
	}
	subtitleInfo, err := os.Stat(subtitlePath)
	if err != nil {
		return "", fmt.Errorf("读取字幕文件信息失败: %w", err)
	}

	h := sha256.New()
	_, _ = h.Write([]byte("narrato-keyframe-v1\n"))
	_, _ = h.Write([]byte(salt))
	_, _ = h.Write([]byte{'\n'})
	_, _ = h.Write([]byte(videoPath))
	_, _ = h.Write([]byte{'\n'})
	_, _ = h.Write([]byte(strconv.FormatInt(videoInfo.ModTime().UnixNano(), 10)))
	_, _ = h.Write([]byte{'\n'})
	_, _ = h.Write([]byte(subtitlePath))
	_, _ = h.Write([]byte{'\n'})
	_, _ = h.Write([]byte(strconv.FormatInt(subtitleInfo.ModTime().UnixNano(), 10)))
	_, _ = h.Write([]byte{'\n'})

	return "kf_" + hex.EncodeToString(h.Sum(nil))[:16], nil
}

func (c keyframeCache) manifestPath() string {
	return filepath.Join(c.Dir, keyframeManifestName)
}

// tryLoad 尝试复用缓存。未命中（缺失、损坏、参数或片段数不一致、
// 帧文件已被删除）一律按 miss 处理，不是错误。
func (c keyframeCache) tryLoad(expectedSegments int, params samplingParams) (keyframeManifest, bool) {
	data, err := os.ReadFile(c.manifestPath())
	if err != nil {
		return keyframeManifest{}, false
	}

	var manifest keyframeManifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		logDebugf("缓存清单损坏，忽略: %v", err)
		return keyframeManifest{}, false
	}
	if manifest.Version != keyframeManifestVersion {
		logDebugf("缓存清单版本不匹配: %s", manifest.Version)
		return keyframeManifest{}, false
	}
	if !manifest.Sampling.equal(params) {
		logDebug("缓存采样参数不一致，重新抽帧")
		return keyframeManifest{}, false
	}
	if len(manifest.Segments) != expectedSegments {
		logDebugf("缓存片段数不一致: 期望 %d，实际 %d", expectedSegments, len(manifest.Segments))
		return keyframeManifest{}, false
	}

	for _, seg := range manifest.Segments {
		for _, p := range seg.KeyframePaths {
			if !fileExists(p) {
				logDebugf("缓存关键帧缺失: %s", p)
				return keyframeManifest{}, false
			}
		}
	}

	return manifest, true
}

// save 以写临时文件再重命名的方式落盘，避免中断留下半个清单。
func (c keyframeCache) save(manifest keyframeManifest) error {
	if err := os.MkdirAll(c.Dir, 0o755); err != nil {
		return fmt.Errorf("创建缓存目录失败: %w", err)
	}
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(c.Dir, keyframeManifestName+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, c.manifestPath())
}

// cleanup 删除整个缓存目录（抽帧完全失败时调用）。
func (c keyframeCache) cleanup() {
	if strings.TrimSpace(c.Dir) == "" {
		return
	}
	if err := os.RemoveAll(c.Dir); err != nil {
		logWarnf("清理缓存目录失败: %v", err)
	}
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func writeJSONFile(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}
