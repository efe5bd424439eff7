package tts

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/iabetor/narrator/internal/audio"
	"github.com/iabetor/narrator/internal/logger"
)

// semitoneCorrection 参考音频与内置说话人性别不一致时的移调幅度。
const semitoneCorrection = 4.0

// VoiceConverter 把合成结果转换为参考音频的音色。
type VoiceConverter interface {
	Convert(ctx context.Context, src audio.Segment, reference string) (audio.Segment, error)
}

// PitchShifter 以半音为单位移调。
type PitchShifter interface {
	Shift(ctx context.Context, seg audio.Segment, semitones float64) (audio.Segment, error)
}

// SoxShifter 调用 sox 的 pitch 效果移调，数据经由 stdin/stdout 传递原始 PCM。
type SoxShifter struct {
	Binary string
}

// Shift 实现 PitchShifter。
func (s SoxShifter) Shift(ctx context.Context, seg audio.Segment, semitones float64) (audio.Segment, error) {
	if semitones == 0 || len(seg.Samples) == 0 {
		return seg, nil
	}
	bin := s.Binary
	if bin == "" {
		bin = "sox"
	}
	rate := fmt.Sprint(seg.SampleRate)
	raw := []string{"-t", "raw", "-r", rate, "-e", "signed", "-b", "16", "-c", "1"}
	args := append(append(append([]string{}, raw...), "-"), raw...)
	args = append(args, "-", "pitch", fmt.Sprintf("%.0f", semitones*100))

	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Stdin = bytes.NewReader(audio.Float32ToPCM16(seg.Samples))
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			logger.Warnf("[tts] sox stderr: %s", msg)
		}
		return audio.Segment{}, fmt.Errorf("[tts] sox 移调失败: %w", err)
	}
	return audio.Segment{Samples: audio.PCM16ToFloat32(stdout.Bytes()), SampleRate: seg.SampleRate}, nil
}

// CommandConverter 调用外部声音转换程序。
// Command 中的 {model} {source} {reference} {output} 会被替换为实际路径。
type CommandConverter struct {
	Command []string
	Model   string
	TempDir string
}

// Convert 实现 VoiceConverter。
func (c CommandConverter) Convert(ctx context.Context, src audio.Segment, reference string) (audio.Segment, error) {
	if len(c.Command) == 0 {
		return audio.Segment{}, fmt.Errorf("[tts] 未配置声音转换命令")
	}
	dir := c.TempDir
	if dir == "" {
		dir = os.TempDir()
	}
	id := uuid.NewString()
	source := filepath.Join(dir, "vc-src-"+id+".wav")
	output := filepath.Join(dir, "vc-out-"+id+".wav")
	defer os.Remove(source)
	defer os.Remove(output)

	if err := audio.WriteWAVFile(source, src); err != nil {
		return audio.Segment{}, err
	}

	replacer := strings.NewReplacer("{model}", c.Model, "{source}", source, "{reference}", reference, "{output}", output)
	args := make([]string, len(c.Command))
	for i, a := range c.Command {
		args[i] = replacer.Replace(a)
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			logger.Warnf("[tts] 声音转换 stderr: %s", msg)
		}
		return audio.Segment{}, fmt.Errorf("[tts] 声音转换失败: %w", err)
	}
	return audio.ReadWAVFile(output)
}

// voiceAdapter 负责参考音频克隆：先按性别差异移调，再做音色转换。
// 每个参考音频的移调量在任务期间只计算一次，包括 0。
type voiceAdapter struct {
	converter  VoiceConverter
	shifter    PitchShifter
	classifier GenderClassifier

	mu        sync.Mutex
	semitones map[string]float64
}

func newVoiceAdapter(converter VoiceConverter, shifter PitchShifter, classifier GenderClassifier) *voiceAdapter {
	if classifier == nil {
		classifier = ClassifyByPitch
	}
	return &voiceAdapter{
		converter:  converter,
		shifter:    shifter,
		classifier: classifier,
		semitones:  make(map[string]float64),
	}
}

// semitonesFor 返回参考音频相对合成结果需要的移调量：
// 参考音频为男声而合成为女声时降 4 个半音，反之升 4 个半音。
func (a *voiceAdapter) semitonesFor(clip string, synthesized audio.Segment) (float64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if v, ok := a.semitones[clip]; ok {
		return v, nil
	}

	ref, err := audio.ReadWAVFile(clip)
	if err != nil {
		return 0, err
	}
	clipGender := a.classifier(ref.Samples, ref.SampleRate)
	outGender := a.classifier(synthesized.Samples, synthesized.SampleRate)

	var shift float64
	if clipGender != GenderUnknown && outGender != GenderUnknown && clipGender != outGender {
		if clipGender == GenderMale {
			shift = -semitoneCorrection
		} else {
			shift = semitoneCorrection
		}
	}
	a.semitones[clip] = shift
	logger.Infof("[tts] 参考音频 %s: %s，合成 %s，移调 %+.0f 半音", filepath.Base(clip), clipGender, outGender, shift)
	return shift, nil
}

func (a *voiceAdapter) adapt(ctx context.Context, seg audio.Segment, clip string) (audio.Segment, error) {
	shift, err := a.semitonesFor(clip, seg)
	if err != nil {
		return audio.Segment{}, err
	}
	if shift != 0 && a.shifter != nil {
		if seg, err = a.shifter.Shift(ctx, seg, shift); err != nil {
			return audio.Segment{}, err
		}
	}
	return a.converter.Convert(ctx, seg, clip)
}
