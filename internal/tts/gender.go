package tts

import (
	"math"
	"sort"
)

// Gender 声音性别估计。
type Gender int

const (
	GenderUnknown Gender = iota
	GenderMale
	GenderFemale
)

func (g Gender) String() string {
	switch g {
	case GenderMale:
		return "male"
	case GenderFemale:
		return "female"
	}
	return "unknown"
}

// GenderClassifier 根据音频估计说话人性别。
type GenderClassifier func(samples []float32, sampleRate int) Gender

const (
	// 成年男声基频大多在 85–180 Hz，女声在 165–255 Hz，以 165 Hz 为界。
	genderSplitHz = 165.0
	minPitchHz    = 60.0
	maxPitchHz    = 400.0
	frameSeconds  = 0.04
	voicedRMS     = 0.02
	voicedCorr    = 0.5
)

// ClassifyByPitch 以逐帧自相关估计基频，取有声帧中位数与分界频率比较。
// 有声帧少于 5 个时返回 GenderUnknown。
func ClassifyByPitch(samples []float32, sampleRate int) Gender {
	f0 := medianPitch(samples, sampleRate)
	switch {
	case f0 <= 0:
		return GenderUnknown
	case f0 < genderSplitHz:
		return GenderMale
	default:
		return GenderFemale
	}
}

func medianPitch(samples []float32, sampleRate int) float64 {
	if sampleRate <= 0 {
		return 0
	}
	frame := int(frameSeconds * float64(sampleRate))
	minLag := int(float64(sampleRate) / maxPitchHz)
	maxLag := int(float64(sampleRate) / minPitchHz)
	if frame <= maxLag {
		frame = maxLag + 1
	}

	var pitches []float64
	for start := 0; start+frame <= len(samples); start += frame / 2 {
		win := samples[start : start+frame]
		if rms(win) < voicedRMS {
			continue
		}
		if f := framePitch(win, sampleRate, minLag, maxLag); f > 0 {
			pitches = append(pitches, f)
		}
	}
	if len(pitches) < 5 {
		return 0
	}
	sort.Float64s(pitches)
	return pitches[len(pitches)/2]
}

func rms(win []float32) float64 {
	var sum float64
	for _, s := range win {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(win)))
}

// framePitch 返回归一化自相关最大的滞后对应的频率，周期性不足时返回 0。
func framePitch(win []float32, sampleRate, minLag, maxLag int) float64 {
	var energy float64
	for _, s := range win {
		energy += float64(s) * float64(s)
	}
	if energy == 0 {
		return 0
	}
	bestLag, best := 0, 0.0
	for lag := minLag; lag <= maxLag && lag < len(win); lag++ {
		var c float64
		for i := 0; i+lag < len(win); i++ {
			c += float64(win[i]) * float64(win[i+lag])
		}
		c /= energy
		if c > best {
			best, bestLag = c, lag
		}
	}
	if bestLag == 0 || best < voicedCorr {
		return 0
	}
	return float64(sampleRate) / float64(bestLag)
}
