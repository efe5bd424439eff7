package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/iabetor/narrator/internal/config"
	"github.com/iabetor/narrator/internal/database"
	"github.com/iabetor/narrator/internal/timeline"
)

func main() {
	configPath := flag.String("config", "", "配置文件路径（YAML 或 TOML）")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
			os.Exit(1)
		}
	}
	if cfg.Database.Disable || cfg.Database.Path == "" {
		fmt.Fprintln(os.Stderr, "任务数据库未启用，请在配置文件中设置 database.path")
		os.Exit(1)
	}

	db, err := database.Open(cfg.Database.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "打开任务数据库失败: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		fmt.Fprintf(os.Stderr, "数据库迁移失败: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()
	switch args[0] {
	case "list":
		limit := 20
		if len(args) > 1 {
			if limit, err = strconv.Atoi(args[1]); err != nil {
				fmt.Fprintf(os.Stderr, "无效的数量: %s\n", args[1])
				os.Exit(1)
			}
		}
		err = cmdList(ctx, db, limit)
	case "show":
		requireArg(args, "show <任务ID>")
		err = cmdShow(ctx, db, args[1])
	case "cues":
		requireArg(args, "cues <任务ID>")
		err = cmdCues(ctx, db, args[1])
	case "delete":
		requireArg(args, "delete <任务ID>")
		err = cmdDelete(ctx, db, args[1])
	default:
		fmt.Fprintf(os.Stderr, "未知命令: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func requireArg(args []string, usage string) {
	if len(args) < 2 {
		fmt.Fprintf(os.Stderr, "用法: narrator-jobs %s\n", usage)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "narrator 任务管理工具")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "用法: narrator-jobs [-config <path>] <command> [args]")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "命令:")
	fmt.Fprintln(os.Stderr, "  list [数量]        列出最近的任务（默认 20 个）")
	fmt.Fprintln(os.Stderr, "  show <任务ID>      显示任务进度")
	fmt.Fprintln(os.Stderr, "  cues <任务ID>      从数据库导出 WebVTT 字幕到标准输出")
	fmt.Fprintln(os.Stderr, "  delete <任务ID>    删除任务及其字幕记录（不删除音频文件）")
}

func cmdList(ctx context.Context, db *database.DB, limit int) error {
	jobs, err := db.ListJobs(ctx, limit)
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		fmt.Println("暂无任务")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\t引擎\t状态\t位置\t转换\t跳过\t音频")
	for _, j := range jobs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%s\n", j.ID, j.Engine, j.Status, j.Position,
			j.Converted, j.Skipped, timeline.FormatTimestamp(j.CumulativeTime))
	}
	return w.Flush()
}

func cmdShow(ctx context.Context, db *database.DB, id string) error {
	j, err := db.GetJob(ctx, id)
	if err != nil {
		return err
	}
	fmt.Printf("任务:     %s\n", j.ID)
	fmt.Printf("状态:     %s\n", j.Status)
	fmt.Printf("引擎:     %s (variant=%s, lang=%s, device=%s)\n", j.Engine, j.Variant, j.Language, j.Device)
	if j.Voice != "" {
		fmt.Printf("音色:     %s\n", j.Voice)
	}
	if j.CustomModel != "" {
		fmt.Printf("自定义模型: %s\n", j.CustomModel)
	}
	fmt.Printf("输出目录: %s\n", j.OutputDir)
	fmt.Printf("字幕文件: %s\n", j.CueFile)
	fmt.Printf("下一句:   %d\n", j.Position)
	fmt.Printf("下一文件: %d.wav\n", j.ResumeIndex)
	fmt.Printf("转换/跳过: %d/%d\n", j.Converted, j.Skipped)
	fmt.Printf("音频时长: %s\n", timeline.FormatTimestamp(j.CumulativeTime))
	if j.Error != "" {
		fmt.Printf("错误:     %s\n", j.Error)
	}
	return nil
}

func cmdCues(ctx context.Context, db *database.DB, id string) error {
	if _, err := db.GetJob(ctx, id); err != nil {
		return err
	}
	recs, err := db.Cues(id).List(ctx)
	if err != nil {
		return err
	}
	return timeline.WriteVTT(os.Stdout, recs)
}

func cmdDelete(ctx context.Context, db *database.DB, id string) error {
	if err := db.DeleteJob(ctx, id); err != nil {
		return err
	}
	fmt.Printf("已删除任务 %s\n", id)
	return nil
}
