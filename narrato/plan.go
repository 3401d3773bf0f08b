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
	"errors"
	"fmt"
	"math"
)

var ErrInvalidConfig = errors.New("无效的采样配置")

const (
	samplingModeMidpoint = "midpoint"
	samplingModeInterval = "interval"

	defaultMaxFramesPerSegment = 10
)

type samplingParams struct {
	Mode            string  `json:"mode"`
	IntervalSeconds float64 `json:"second_per_frame"`
	MaxFrames       int     `json:"max_frames"`
}

func (p samplingParams) validate() error {
	switch p.Mode {
	case samplingModeMidpoint:
	case samplingModeInterval:
		if p.IntervalSeconds <= 0 {
			return fmt.Errorf("%w: interval 模式要求 second_per_frame > 0，实际为 %v", ErrInvalidConfig, p.IntervalSeconds)
		}
	default:
		return fmt.Errorf("%w: 未知采样模式 %q", ErrInvalidConfig, p.Mode)
	}
	if p.MaxFrames == 0 || p.MaxFrames < -1 {
		return fmt.Errorf("%w: max_frames 须为正数或 -1（不限制），实际为 %d", ErrInvalidConfig, p.MaxFrames)
	}
	return nil
}

func (p samplingParams) equal(other samplingParams) bool {
	return p.Mode == other.Mode &&
		p.IntervalSeconds == other.IntervalSeconds &&
		p.MaxFrames == other.MaxFrames
}

// computeExtractionTimes 为单个字幕片段计算抽帧时间点（秒）。
// 纯函数：同一入参永远产出同一结果。
func computeExtractionTimes(startSec, endSec float64, params samplingParams) []float64 {
	midpoint := roundMillis((startSec + endSec) / 2)
	if params.Mode == samplingModeMidpoint || endSec <= startSec {
		return []float64{midpoint}
	}

	var points []float64
	for t := startSec; t <= endSec; t += params.IntervalSeconds {
		points = append(points, roundMillis(t))
	}
	if len(points) == 0 {
		return []float64{midpoint}
	}
	// 单点且落在片段末尾附近时，中点比边界帧更有代表性。
	if len(points) == 1 && points[0] > endSec-0.1 {
		return []float64{midpoint}
	}

	if params.MaxFrames > 0 && len(points) > params.MaxFrames {
		points = downsamplePoints(points, params.MaxFrames)
	}
	return points
}

// downsamplePoints 均匀抽取 max 个点，保留首尾。
func downsamplePoints(points []float64, max int) []float64 {
	if max <= 1 {
		return points[:1]
	}
	n := len(points)
	out := make([]float64, 0, max)
	for i := 0; i < max; i++ {
		idx := int(math.Round(float64(i) * float64(n-1) / float64(max-1)))
		out = append(out, points[idx])
	}
	return out
}
