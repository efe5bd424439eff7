// Package session 定义单个朗读任务的配置与可变状态。
//
// Job 在任务开始后不再修改；State 只在流水线、时间轴、后端和模型解析器
// 之间以指针传递，由单个任务协程独占。
package session

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Policy 句子失败后的处理策略。
type Policy string

const (
	PolicyAbort Policy = "abort"
	PolicySkip  Policy = "skip"
)

// ParsePolicy 解析失败策略，空串视为 abort。
func ParsePolicy(s string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(s))) {
	case "", PolicyAbort:
		return PolicyAbort, nil
	case PolicySkip:
		return PolicySkip, nil
	}
	return "", fmt.Errorf("未知的失败策略: %s", s)
}

// VoiceKind 音色描述的类型。
type VoiceKind int

const (
	// VoiceBuiltin 使用模型自带说话人，ID 为说话人编号。
	VoiceBuiltin VoiceKind = iota
	// VoiceClip 参考音频克隆，Path 指向 wav 文件。
	VoiceClip
	// VoiceStyle 风格向量音色，ID 为风格名或编号。
	VoiceStyle
)

func (k VoiceKind) String() string {
	switch k {
	case VoiceBuiltin:
		return "builtin"
	case VoiceClip:
		return "clip"
	case VoiceStyle:
		return "style"
	}
	return "unknown"
}

// Voice 音色描述。
type Voice struct {
	Kind VoiceKind
	ID   string
	Path string
}

// IsZero 判断是否未指定音色。
func (v Voice) IsZero() bool {
	return v.ID == "" && v.Path == ""
}

// SpeakerID 将 ID 解释为说话人编号，无法解析时返回 0。
func (v Voice) SpeakerID() int {
	n, err := strconv.Atoi(v.ID)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// ParseVoice 从命令行参数解析音色：以 .wav 结尾视为参考音频，
// "style:<id>" 视为风格音色，其余视为内置说话人。
func ParseVoice(s string) Voice {
	s = strings.TrimSpace(s)
	switch {
	case s == "":
		return Voice{}
	case strings.HasSuffix(strings.ToLower(s), ".wav"):
		return Voice{Kind: VoiceClip, Path: s}
	case strings.HasPrefix(s, "style:"):
		return Voice{Kind: VoiceStyle, ID: strings.TrimPrefix(s, "style:")}
	}
	return Voice{Kind: VoiceBuiltin, ID: s}
}

// Params 引擎参数，原样透传给后端。
type Params map[string]float64

// Get 读取参数，不存在时返回默认值。
func (p Params) Get(key string, def float64) float64 {
	if v, ok := p[key]; ok {
		return v
	}
	return def
}

// Tokens 句子中的保留标记。
type Tokens struct {
	Break string
	Pause string
}

// DefaultTokens 默认保留标记。
var DefaultTokens = Tokens{Break: "‡break‡", Pause: "‡pause‡"}

// Job 单个朗读任务的配置。
type Job struct {
	ID          string
	Engine      string
	Variant     string
	Language    string
	Device      string // cpu、cuda 或 cuda:N
	Voice       Voice
	CustomModel string
	OutputDir   string
	CueFile     string
	Params      Params
	Policy      Policy
	Tokens      Tokens
}

// NewJob 创建带随机 ID 和默认值的任务。
func NewJob(engine string) *Job {
	return &Job{
		ID:       uuid.NewString(),
		Engine:   engine,
		Language: "eng",
		Device:   "cpu",
		Params:   Params{},
		Policy:   PolicyAbort,
		Tokens:   DefaultTokens,
	}
}

// DeviceIndex 返回加速卡编号。cpu 返回 nil，"cuda" 视为 0 号卡。
func (j *Job) DeviceIndex() *int {
	d := strings.ToLower(j.Device)
	if !strings.HasPrefix(d, "cuda") {
		return nil
	}
	idx := 0
	if rest := strings.TrimPrefix(d, "cuda:"); rest != d {
		if n, err := strconv.Atoi(rest); err == nil && n >= 0 {
			idx = n
		}
	}
	return &idx
}

// Validate 校验任务配置。
func (j *Job) Validate() error {
	if j.Engine == "" {
		return fmt.Errorf("[session] 未指定引擎")
	}
	if j.OutputDir == "" {
		return fmt.Errorf("[session] 未指定输出目录")
	}
	if j.Tokens.Break == "" || j.Tokens.Pause == "" {
		return fmt.Errorf("[session] 保留标记不能为空")
	}
	if j.Policy != PolicyAbort && j.Policy != PolicySkip {
		return fmt.Errorf("[session] 未知的失败策略: %s", j.Policy)
	}
	return nil
}

// CueFileName 返回时间轴文件名，默认为 <job id>.vtt。
func (j *Job) CueFileName() string {
	if j.CueFile != "" {
		return j.CueFile
	}
	return j.ID + ".vtt"
}

// State 任务运行期间的可变状态。
type State struct {
	Voice          Voice
	CustomModel    string
	CumulativeTime float64 // 已写出音频的累计时长（秒）
	ResumeIndex    int     // 下一条字幕/音频文件的编号，从 1 开始

	// FreeAcceleratorBytes 最近一次采样得到的可用显存（cpu 时为可用内存）。
	FreeAcceleratorBytes uint64
	ModelKey             string
}

// NewState 根据任务配置创建初始状态。
func NewState(job *Job) *State {
	return &State{
		Voice:       job.Voice,
		CustomModel: job.CustomModel,
		ResumeIndex: 1,
	}
}
