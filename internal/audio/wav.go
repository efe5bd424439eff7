package audio

import (
	"fmt"
	"io"
	"os"

	"github.com/gopxl/beep"
	"github.com/gopxl/beep/wav"
)

// streamer 将单声道片段包装为 beep.Streamer，两个声道输出相同样本。
func streamer(samples []float32) beep.Streamer {
	pos := 0
	return beep.StreamerFunc(func(buf [][2]float64) (int, bool) {
		if pos >= len(samples) {
			return 0, false
		}
		n := 0
		for n < len(buf) && pos < len(samples) {
			v := float64(samples[pos])
			buf[n][0], buf[n][1] = v, v
			n++
			pos++
		}
		return n, true
	})
}

// drain 读完 streamer，两个声道取平均得到单声道。
func drain(s beep.Streamer, sizeHint int) []float32 {
	out := make([]float32, 0, sizeHint)
	buf := make([][2]float64, 512)
	for {
		n, ok := s.Stream(buf)
		for i := 0; i < n; i++ {
			out = append(out, float32((buf[i][0]+buf[i][1])/2))
		}
		if !ok {
			return out
		}
	}
}

// EncodeWAV 将片段编码为 16-bit PCM 单声道 WAV。
func EncodeWAV(w io.WriteSeeker, seg Segment) error {
	if seg.SampleRate <= 0 {
		return fmt.Errorf("[audio] 无效采样率 %d", seg.SampleRate)
	}
	format := beep.Format{
		SampleRate:  beep.SampleRate(seg.SampleRate),
		NumChannels: 1,
		Precision:   2,
	}
	if err := wav.Encode(w, streamer(seg.Samples), format); err != nil {
		return fmt.Errorf("[audio] WAV 编码失败: %w", err)
	}
	return nil
}

// WriteWAVFile 将片段写入 path 并 fsync。
func WriteWAVFile(path string, seg Segment) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("[audio] 创建 %s 失败: %w", path, err)
	}
	if err := EncodeWAV(f, seg); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("[audio] 同步 %s 失败: %w", path, err)
	}
	return f.Close()
}

// DecodeWAV 读取 WAV，多声道时混合为单声道。
func DecodeWAV(r io.Reader) (Segment, error) {
	s, format, err := wav.Decode(r)
	if err != nil {
		return Segment{}, fmt.Errorf("[audio] WAV 解码失败: %w", err)
	}
	defer s.Close()

	samples := drain(s, s.Len())
	if err := s.Err(); err != nil {
		return Segment{}, fmt.Errorf("[audio] 读取 WAV 样本失败: %w", err)
	}
	return Segment{Samples: samples, SampleRate: int(format.SampleRate)}, nil
}

// ReadWAVFile 从文件读取 WAV。
func ReadWAVFile(path string) (Segment, error) {
	f, err := os.Open(path)
	if err != nil {
		return Segment{}, fmt.Errorf("[audio] 打开 %s 失败: %w", path, err)
	}
	defer f.Close()
	return DecodeWAV(f)
}

// Resample 使用 beep 的插值重采样器将片段转换到目标采样率。
func Resample(seg Segment, target int) Segment {
	if seg.SampleRate == target || seg.SampleRate <= 0 || target <= 0 || len(seg.Samples) == 0 {
		return Segment{Samples: seg.Samples, SampleRate: target}
	}
	rs := beep.Resample(4, beep.SampleRate(seg.SampleRate), beep.SampleRate(target), streamer(seg.Samples))
	hint := int(int64(len(seg.Samples)) * int64(target) / int64(seg.SampleRate))
	return Segment{Samples: drain(rs, hint), SampleRate: target}
}
