package audio

import (
	"fmt"
	"math"
)

const (
	// TrimThreshold 低于该幅度的样本视为静音。
	TrimThreshold = 0.001
	// TrimGuard 裁剪时在语音两端保留的余量（秒）。
	TrimGuard = 0.004
)

// Segment 单声道音频片段。
type Segment struct {
	Samples    []float32
	SampleRate int
}

// Duration 返回片段时长（秒）。
func (s Segment) Duration() float64 {
	if s.SampleRate <= 0 {
		return 0
	}
	return float64(len(s.Samples)) / float64(s.SampleRate)
}

// Empty 判断片段是否不含样本。
func (s Segment) Empty() bool { return len(s.Samples) == 0 }

// Silence 生成指定时长的静音片段。
func Silence(seconds float64, sampleRate int) Segment {
	n := int(math.Round(seconds * float64(sampleRate)))
	if n < 0 {
		n = 0
	}
	return Segment{Samples: make([]float32, n), SampleRate: sampleRate}
}

// Concat 按顺序拼接片段，所有片段必须采样率一致。
func Concat(segs []Segment) (Segment, error) {
	if len(segs) == 0 {
		return Segment{}, nil
	}
	sr := segs[0].SampleRate
	total := 0
	for i, s := range segs {
		if s.SampleRate != sr {
			return Segment{}, fmt.Errorf("[audio] 第 %d 个片段采样率 %d 与 %d 不一致", i, s.SampleRate, sr)
		}
		total += len(s.Samples)
	}
	out := make([]float32, 0, total)
	for _, s := range segs {
		out = append(out, s.Samples...)
	}
	return Segment{Samples: out, SampleRate: sr}, nil
}

// Finite 检查样本中没有 NaN 或 Inf。
func Finite(samples []float32) bool {
	for _, s := range samples {
		f := float64(s)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}

// Trim 去除首尾幅度低于 threshold 的样本，并在两端保留 guard 秒余量。
// 整段都低于阈值时原样返回。
func Trim(seg Segment, threshold float32, guard float64) Segment {
	first, last := -1, -1
	for i, s := range seg.Samples {
		if s > threshold || s < -threshold {
			if first < 0 {
				first = i
			}
			last = i
		}
	}
	if first < 0 {
		return seg
	}

	margin := int(guard * float64(seg.SampleRate))
	start := first - margin
	if start < 0 {
		start = 0
	}
	end := last + 1 + margin
	if end > len(seg.Samples) {
		end = len(seg.Samples)
	}
	return Segment{Samples: seg.Samples[start:end], SampleRate: seg.SampleRate}
}
