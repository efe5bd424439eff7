package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/iabetor/narrator/internal/config"
	"github.com/iabetor/narrator/internal/database"
	"github.com/iabetor/narrator/internal/dispatcher"
	"github.com/iabetor/narrator/internal/logger"
	"github.com/iabetor/narrator/internal/memory"
	"github.com/iabetor/narrator/internal/metrics"
	"github.com/iabetor/narrator/internal/modelcache"
	"github.com/iabetor/narrator/internal/pipeline"
	"github.com/iabetor/narrator/internal/resolver"
	"github.com/iabetor/narrator/internal/session"
	"github.com/iabetor/narrator/internal/tts"
)

type options struct {
	config      string
	input       string
	jobID       string
	engine      string
	variant     string
	language    string
	device      string
	voice       string
	customModel string
	out         string
	policy      string
	split       bool
}

func main() {
	var opts options
	flag.StringVar(&opts.config, "config", "", "配置文件路径（.yaml 或 .toml）")
	flag.StringVar(&opts.input, "input", "", "输入文件，每行一句，空行表示段落停顿（- 表示标准输入）")
	flag.StringVar(&opts.jobID, "job", "", "任务 ID，指定已有任务时从中断处继续")
	flag.StringVar(&opts.engine, "engine", "", "合成引擎: vits, matcha, kokoro, piper, edge, tencent")
	flag.StringVar(&opts.variant, "variant", "", "模型变体")
	flag.StringVar(&opts.language, "lang", "", "语言")
	flag.StringVar(&opts.device, "device", "", "设备: cpu, cuda, cuda:N")
	flag.StringVar(&opts.voice, "voice", "", "音色：说话人编号、style:<id> 或参考音频 .wav")
	flag.StringVar(&opts.customModel, "custom-model", "", "自定义模型目录")
	flag.StringVar(&opts.out, "out", "", "输出目录")
	flag.StringVar(&opts.policy, "policy", "", "句子失败策略: abort 或 skip")
	flag.BoolVar(&opts.split, "split", false, "按句末标点继续拆分每一行")
	flag.Parse()

	if opts.input == "" {
		fmt.Fprintln(os.Stderr, "用法: narrator -input <文件> [-config narrator.yaml] [-engine vits] [-voice clip.wav] [-out ./out]")
		os.Exit(2)
	}

	cfg := config.Default()
	if opts.config != "" {
		var err error
		if cfg, err = config.Load(opts.config); err != nil {
			fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
			os.Exit(1)
		}
	}

	if err := logger.Init(logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		File:       cfg.Log.File,
		MaxSize:    cfg.Log.MaxSize,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAge,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, opts); err != nil {
		logger.Errorf("[main] %v", err)
		logger.Sync()
		os.Exit(1)
	}
}

func buildJob(cfg *config.Config, opts options) (*session.Job, error) {
	pick := func(flagVal, cfgVal string) string {
		if flagVal != "" {
			return flagVal
		}
		return cfgVal
	}

	job := session.NewJob(pick(opts.engine, cfg.Job.Engine))
	if opts.jobID != "" {
		job.ID = opts.jobID
	}
	job.Variant = pick(opts.variant, cfg.Job.Variant)
	job.Language = pick(opts.language, cfg.Job.Language)
	job.Device = pick(opts.device, cfg.Job.Device)
	job.CustomModel = pick(opts.customModel, cfg.Job.CustomModel)
	job.OutputDir = pick(opts.out, cfg.Job.OutputDir)
	job.Tokens = session.Tokens{Break: cfg.Job.BreakToken, Pause: cfg.Job.PauseToken}
	for k, v := range cfg.Job.Params {
		job.Params[k] = v
	}
	if v := pick(opts.voice, cfg.Job.Voice); v != "" {
		job.Voice = session.ParseVoice(v)
	}

	policy, err := session.ParsePolicy(pick(opts.policy, cfg.Job.Policy))
	if err != nil {
		return nil, err
	}
	job.Policy = policy
	return job, job.Validate()
}

func readInput(path string, tokens session.Tokens, split bool) ([]string, error) {
	if path == "-" {
		return pipeline.ReadSentences(os.Stdin, tokens, split)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开输入文件失败: %w", err)
	}
	defer f.Close()
	return pipeline.ReadSentences(f, tokens, split)
}

func run(cfg *config.Config, opts options) error {
	job, err := buildJob(cfg, opts)
	if err != nil {
		return err
	}
	sentences, err := readInput(opts.input, job.Tokens, opts.split || cfg.Job.SplitSentences)
	if err != nil {
		return err
	}
	logger.Infof("[main] narrator 启动 (job=%s, engine=%s, 句子=%d, log_level=%s)", job.ID, job.Engine, len(sentences), cfg.Log.Level)

	m := metrics.New()
	host, err := memory.NewHostProbe()
	if err != nil {
		return err
	}
	var devices memory.DeviceProbe = memory.NoDevices{}
	if job.DeviceIndex() != nil {
		devices = memory.NvidiaSMIProbe{Binary: cfg.Memory.NvidiaSMI}
	}

	cache := modelcache.New(m)
	defer func() {
		if err := cache.Close(); err != nil {
			logger.Warnf("[main] 释放模型缓存失败: %v", err)
		}
	}()
	res := resolver.New(cache, resolver.DirProvider{Root: cfg.Models.Root}, func(ctx context.Context) (uint64, error) {
		return memory.FreeBytes(ctx, host, devices, job.DeviceIndex())
	})

	var store *database.DB
	if !cfg.Database.Disable {
		if store, err = database.Open(cfg.Database.Path); err != nil {
			return err
		}
		defer store.Close()
		if err := store.Migrate(); err != nil {
			return err
		}
	}

	disp := dispatcher.New(dispatcher.Deps{
		Registry: tts.DefaultRegistry(),
		Backend: tts.Deps{
			Resolver: res,
			Options: tts.Options{
				NumThreads:  cfg.TTS.NumThreads,
				PiperBinary: cfg.TTS.Piper.Binary,
				PiperModel:  cfg.TTS.Piper.ModelPath,
				EdgeVoice:   cfg.TTS.Edge.Voice,
				Tencent: tts.TencentConfig{
					SecretID:  cfg.TTS.Tencent.SecretID,
					SecretKey: cfg.TTS.Tencent.SecretKey,
					VoiceType: cfg.TTS.Tencent.VoiceType,
					Region:    cfg.TTS.Tencent.Region,
				},
				SoxBinary:       cfg.TTS.VoiceConversion.Sox,
				VoiceConversion: cfg.TTS.VoiceConversion.Command,
			},
		},
		System:     host,
		Devices:    devices,
		Store:      store,
		Metrics:    m,
		SampleRate: cfg.Job.SampleRate,
	})

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// 第一次信号只停止任务（当前句子写完），第二次立即退出
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		sig, ok := <-sigCh
		if !ok {
			return
		}
		logger.Infof("[main] 收到信号 %v，当前句子完成后停止...", sig)
		disp.Cancel()
		if sig, ok = <-sigCh; ok {
			logger.Warnf("[main] 再次收到信号 %v，立即退出", sig)
			logger.Sync()
			os.Exit(130)
		}
	}()

	g, gctx := errgroup.WithContext(ctx)

	if !cfg.Memory.Disable {
		gov := memory.NewGovernor(memory.Config{
			Interval:      time.Duration(cfg.Memory.IntervalSeconds) * time.Second,
			Thresholds:    cfg.Memory.Thresholds,
			GCMinInterval: time.Duration(cfg.Memory.GCMinIntervalMs) * time.Millisecond,
			HistorySize:   cfg.Memory.HistorySize,
		}, host, devices, m)
		gov.RegisterReclaimer(func(device *int) error {
			logger.Infof("[main] 回收加速卡缓存 (device=%s, 模型缓存 %d 个, resident=%d)",
				deviceName(device), cache.Len(), cache.ResidentSize())
			return disp.Reclaim(device)
		})
		if store != nil {
			gov.RegisterClearer(func() {
				if err := store.ShrinkMemory(context.Background()); err != nil {
					logger.Warnf("[main] %v", err)
				}
			})
		}
		gov.OnPressure(func(s memory.Signal) {
			logger.Warnf("[main] 内存压力 %s: %s 占用 %.1f%%", s.Level, s.Source, s.Usage*100)
		})
		if err := gov.Start(gctx); err != nil {
			return err
		}
		g.Go(func() error {
			<-gctx.Done()
			if err := gov.Stop(5 * time.Second); err != nil {
				return err
			}
			r := gov.Report()
			logger.Infof("[main] 内存治理: 采样 %d 次，峰值 %.1f%%，平均 %.1f%%", r.Samples, r.Peak*100, r.Average*100)
			return nil
		})
	}

	if cfg.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", m.Handler())
		srv := &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			logger.Infof("[main] 指标服务监听 %s", cfg.Metrics.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("指标服务出错: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		defer stop()
		report, err := disp.Run(gctx, job, sentences)
		if report != nil {
			printReport(report)
		}
		return err
	})

	err = g.Wait()
	if st := disp.Errors().Stats(); st.Total > 0 {
		logger.Warnf("[main] 错误汇总\n%s", disp.Errors().Summary())
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("[main] narrator 已停止")
	return nil
}

func deviceName(device *int) string {
	if device == nil {
		return "all"
	}
	return fmt.Sprintf("gpu%d", *device)
}

func printReport(r *dispatcher.Report) {
	var b strings.Builder
	fmt.Fprintf(&b, "任务 %s\n", r.JobID)
	fmt.Fprintf(&b, "  转换: %d  跳过: %d  停顿: %d\n", r.Converted, r.Skipped, r.Absorbed)
	fmt.Fprintf(&b, "  音频时长: %.2fs  耗时: %s\n", r.Duration, r.Elapsed.Round(time.Millisecond))
	fmt.Fprintf(&b, "  字幕: %s\n", r.CueFile)
	fmt.Fprintf(&b, "  清理策略: %s\n", r.Strategy)
	for kind, n := range r.Errors {
		fmt.Fprintf(&b, "  %s 错误: %d\n", kind, n)
	}
	if r.Cancelled {
		b.WriteString("  已取消，可使用 -job " + r.JobID + " 继续\n")
	}
	if r.Failure != nil {
		fmt.Fprintf(&b, "  第 %d 句失败 (%s): %v\n", r.Failure.Position, r.Failure.Kind, r.Failure.Err)
	}
	fmt.Print(b.String())
}
