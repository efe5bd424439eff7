package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/iabetor/narrator/internal/memory"
	"github.com/iabetor/narrator/internal/session"
)

// Config 是 narrator 的顶层配置结构。
type Config struct {
	Log      LogConfig      `yaml:"log" toml:"log"`
	Job      JobConfig      `yaml:"job" toml:"job"`
	Models   ModelsConfig   `yaml:"models" toml:"models"`
	TTS      TTSConfig      `yaml:"tts" toml:"tts"`
	Memory   MemoryConfig   `yaml:"memory" toml:"memory"`
	Database DatabaseConfig `yaml:"database" toml:"database"`
	Metrics  MetricsConfig  `yaml:"metrics" toml:"metrics"`
}

// LogConfig 日志配置。
type LogConfig struct {
	Level      string `yaml:"level" toml:"level"`
	Format     string `yaml:"format" toml:"format"`
	File       string `yaml:"file" toml:"file"`
	MaxSize    int    `yaml:"max_size" toml:"max_size"` // MB
	MaxBackups int    `yaml:"max_backups" toml:"max_backups"`
	MaxAge     int    `yaml:"max_age" toml:"max_age"` // 天
}

// JobConfig 任务默认值，命令行参数可以覆盖。
type JobConfig struct {
	Engine      string             `yaml:"engine" toml:"engine"`
	Variant     string             `yaml:"variant" toml:"variant"`
	Language    string             `yaml:"language" toml:"language"`
	Device      string             `yaml:"device" toml:"device"`
	Voice       string             `yaml:"voice" toml:"voice"`
	CustomModel string             `yaml:"custom_model" toml:"custom_model"`
	OutputDir   string             `yaml:"output_dir" toml:"output_dir"`
	Policy      string             `yaml:"policy" toml:"policy"`
	Params      map[string]float64 `yaml:"params" toml:"params"`

	// SampleRate 输出采样率，0 表示使用引擎的采样率。
	SampleRate int `yaml:"sample_rate" toml:"sample_rate"`
	// SplitSentences 为 true 时一行中的多个句子会被拆开合成。
	SplitSentences bool `yaml:"split_sentences" toml:"split_sentences"`

	BreakToken string `yaml:"break_token" toml:"break_token"`
	PauseToken string `yaml:"pause_token" toml:"pause_token"`
}

// ModelsConfig 模型仓库配置。
type ModelsConfig struct {
	Root string `yaml:"root" toml:"root"`
}

// TTSConfig 各后端的参数。
type TTSConfig struct {
	NumThreads      int                   `yaml:"num_threads" toml:"num_threads"`
	Edge            EdgeConfig            `yaml:"edge" toml:"edge"`
	Piper           PiperConfig           `yaml:"piper" toml:"piper"`
	Tencent         TencentConfig         `yaml:"tencent" toml:"tencent"`
	VoiceConversion VoiceConversionConfig `yaml:"voice_conversion" toml:"voice_conversion"`
}

// EdgeConfig Edge TTS 配置。
type EdgeConfig struct {
	Voice string `yaml:"voice" toml:"voice"`
}

// PiperConfig Piper TTS 配置。
type PiperConfig struct {
	Binary    string `yaml:"binary" toml:"binary"`
	ModelPath string `yaml:"model_path" toml:"model_path"`
}

// TencentConfig 腾讯云 TTS 配置。
type TencentConfig struct {
	SecretID  string `yaml:"secret_id" toml:"secret_id"`
	SecretKey string `yaml:"secret_key" toml:"secret_key"`
	VoiceType int64  `yaml:"voice_type" toml:"voice_type"`
	Region    string `yaml:"region" toml:"region"`
}

// VoiceConversionConfig 参考音频克隆配置。
type VoiceConversionConfig struct {
	// Command 外部声音转换命令，支持 {model} {source} {reference} {output} 占位符。
	Command []string `yaml:"command" toml:"command"`
	Sox     string   `yaml:"sox" toml:"sox"`
}

// MemoryConfig 内存治理配置。
type MemoryConfig struct {
	Disable         bool              `yaml:"disable" toml:"disable"`
	IntervalSeconds int               `yaml:"interval_seconds" toml:"interval_seconds"`
	GCMinIntervalMs int               `yaml:"gc_min_interval_ms" toml:"gc_min_interval_ms"`
	HistorySize     int               `yaml:"history_size" toml:"history_size"`
	Thresholds      memory.Thresholds `yaml:"thresholds" toml:"thresholds"`
	NvidiaSMI       string            `yaml:"nvidia_smi" toml:"nvidia_smi"`
}

// DatabaseConfig 任务数据库配置。
type DatabaseConfig struct {
	Disable bool   `yaml:"disable" toml:"disable"`
	Path    string `yaml:"path" toml:"path"`
}

// MetricsConfig Prometheus 指标配置，Addr 为空时不启动 HTTP 服务。
type MetricsConfig struct {
	Addr string `yaml:"addr" toml:"addr"`
}

// Load 读取 YAML 或 TOML 配置文件（按扩展名区分）并返回 Config。
// 读取前会加载配置文件同目录下的 .env，支持 ${VAR_NAME} 形式的环境变量展开。
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件 %s 失败: %w", path, err)
	}

	envFile := filepath.Join(filepath.Dir(path), ".env")
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("读取 %s 失败: %w", envFile, err)
	}

	// 展开环境变量，如 ${NARRATOR_TENCENT_SECRET_KEY}
	expanded := os.Expand(string(data), func(key string) string {
		return os.Getenv(key)
	})

	cfg := &Config{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		err = toml.Unmarshal([]byte(expanded), cfg)
	default:
		err = yaml.Unmarshal([]byte(expanded), cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("解析配置文件 %s 失败: %w", path, err)
	}

	setDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("配置文件 %s 无效: %w", path, err)
	}
	return cfg, nil
}

// Default 返回只包含默认值的配置，用于未指定配置文件的情况。
func Default() *Config {
	cfg := &Config{}
	setDefaults(cfg)
	return cfg
}

// Validate 检查取值范围。
func (c *Config) Validate() error {
	if _, err := session.ParsePolicy(c.Job.Policy); err != nil {
		return err
	}
	if c.Job.BreakToken == c.Job.PauseToken {
		return fmt.Errorf("break_token 与 pause_token 不能相同")
	}
	if c.Job.SampleRate < 0 {
		return fmt.Errorf("sample_rate 不能为负数")
	}
	if !c.Memory.Disable {
		if err := c.Memory.Thresholds.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// setDefaults 为未设置的配置项填充默认值。
func setDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "console"
	}
	if cfg.Log.MaxSize == 0 {
		cfg.Log.MaxSize = 50
	}
	if cfg.Log.MaxBackups == 0 {
		cfg.Log.MaxBackups = 3
	}
	if cfg.Log.MaxAge == 0 {
		cfg.Log.MaxAge = 7
	}

	if cfg.Job.Engine == "" {
		cfg.Job.Engine = "vits"
	}
	if cfg.Job.Language == "" {
		cfg.Job.Language = "eng"
	}
	if cfg.Job.Device == "" {
		cfg.Job.Device = "cpu"
	}
	if cfg.Job.Policy == "" {
		cfg.Job.Policy = string(session.PolicyAbort)
	}
	if cfg.Job.OutputDir == "" {
		cfg.Job.OutputDir = "./out"
	}
	if cfg.Job.BreakToken == "" {
		cfg.Job.BreakToken = session.DefaultTokens.Break
	}
	if cfg.Job.PauseToken == "" {
		cfg.Job.PauseToken = session.DefaultTokens.Pause
	}

	if cfg.TTS.NumThreads == 0 {
		cfg.TTS.NumThreads = 2
	}
	if cfg.TTS.Edge.Voice == "" {
		cfg.TTS.Edge.Voice = "zh-CN-XiaoxiaoNeural"
	}
	if cfg.TTS.Piper.Binary == "" {
		cfg.TTS.Piper.Binary = "piper"
	}
	if cfg.TTS.VoiceConversion.Sox == "" {
		cfg.TTS.VoiceConversion.Sox = "sox"
	}
	cfg.TTS.Tencent.SecretID = strings.TrimSpace(cfg.TTS.Tencent.SecretID)
	cfg.TTS.Tencent.SecretKey = strings.TrimSpace(cfg.TTS.Tencent.SecretKey)

	if cfg.Memory.IntervalSeconds == 0 {
		cfg.Memory.IntervalSeconds = 5
	}
	if cfg.Memory.GCMinIntervalMs == 0 {
		cfg.Memory.GCMinIntervalMs = 2000
	}
	if cfg.Memory.HistorySize == 0 {
		cfg.Memory.HistorySize = 1000
	}
	if cfg.Memory.Thresholds == (memory.Thresholds{}) {
		cfg.Memory.Thresholds = memory.DefaultThresholds
	}
	if cfg.Memory.NvidiaSMI == "" {
		cfg.Memory.NvidiaSMI = "nvidia-smi"
	}

	home, _ := os.UserHomeDir()
	if cfg.Models.Root == "" {
		if home != "" {
			cfg.Models.Root = filepath.Join(home, ".narrator", "models")
		} else {
			cfg.Models.Root = "./.narrator-models"
		}
	}
	if cfg.Database.Path == "" && home != "" {
		cfg.Database.Path = filepath.Join(home, ".narrator", "narrator.db")
	}

	// Go 不会自动展开 ~，需要手动替换为用户主目录
	for _, p := range []*string{&cfg.Models.Root, &cfg.Database.Path, &cfg.Job.OutputDir, &cfg.Log.File, &cfg.Job.CustomModel, &cfg.TTS.Piper.ModelPath} {
		*p = expandHome(*p, home)
	}
}

func expandHome(p, home string) string {
	if home != "" && strings.HasPrefix(p, "~/") {
		return filepath.Join(home, p[2:])
	}
	return p
}
