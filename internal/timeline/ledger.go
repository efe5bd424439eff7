// Package timeline 维护累计播放时间到句子编号的映射，
// 以增量 WebVTT 文件持久化，进程崩溃后可以从文件恢复进度。
package timeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/iabetor/narrator/internal/errs"
	"github.com/iabetor/narrator/internal/logger"
	"github.com/iabetor/narrator/internal/session"
)

// Record 一条句子时间记录。
type Record struct {
	Start       float64
	End         float64
	Text        string
	ResumeIndex int
}

// Duration 返回记录时长。
func (r Record) Duration() float64 { return r.End - r.Start }

// CueSink 接收已持久化的记录副本，例如写入数据库。
// 副本写入失败只记录日志，不影响 WebVTT 文件。
type CueSink interface {
	RecordCue(ctx context.Context, r Record) error
}

// Ledger 时间轴记录器，只由单个流水线使用。
type Ledger struct {
	mu      sync.Mutex
	path    string
	file    *os.File
	size    int64
	state   *session.State
	sink    CueSink
	records []Record
}

// Open 打开（或创建）时间轴文件。已有文件中的记录会被读回，
// 并据此恢复 State 的累计时间与下一个编号。
func Open(path string, st *session.State, sink CueSink) (*Ledger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, errs.Wrap(errs.KindFileOperation, "timeline", err, "创建目录失败")
	}

	var existing []Record
	if f, err := os.Open(path); err == nil {
		existing, err = ParseVTT(f)
		f.Close()
		if err != nil {
			return nil, errs.Wrap(errs.KindFileOperation, "timeline", err, "解析已有时间轴 %s 失败", path)
		}
	} else if !os.IsNotExist(err) {
		return nil, errs.Wrap(errs.KindFileOperation, "timeline", err, "打开 %s 失败", path)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, errs.Wrap(errs.KindFileOperation, "timeline", err, "打开 %s 失败", path)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errs.Wrap(errs.KindFileOperation, "timeline", err, "读取 %s 信息失败", path)
	}

	l := &Ledger{path: path, file: f, size: info.Size(), state: st, sink: sink, records: existing}
	if n := len(existing); n > 0 {
		last := existing[n-1]
		st.CumulativeTime = last.End
		st.ResumeIndex = last.ResumeIndex + 1
		logger.Infof("[timeline] 从 %s 恢复 %d 条记录 (cumulative=%.3fs, next=%d)", path, n, st.CumulativeTime, st.ResumeIndex)
	} else if st.ResumeIndex < 1 {
		st.ResumeIndex = 1
	}
	return l, nil
}

// Path 返回时间轴文件路径。
func (l *Ledger) Path() string { return l.path }

// Append 持久化一条记录并推进 State，返回下一个编号。
// 记录必须从当前累计时间开始，编号必须等于当前编号。
// 写入失败时文件被截回写入前的长度，State 保持不变。
func (l *Ledger) Append(ctx context.Context, r Record) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return 0, errs.New(errs.KindFileOperation, "timeline", "时间轴已关闭")
	}
	if r.Start != l.state.CumulativeTime {
		return 0, errs.New(errs.KindFileOperation, "timeline", "记录起点 %.6f 与累计时间 %.6f 不一致", r.Start, l.state.CumulativeTime)
	}
	if r.End < r.Start {
		return 0, errs.New(errs.KindFileOperation, "timeline", "记录终点 %.6f 早于起点 %.6f", r.End, r.Start)
	}
	if r.ResumeIndex != l.state.ResumeIndex {
		return 0, errs.New(errs.KindFileOperation, "timeline", "记录编号 %d 与当前编号 %d 不一致", r.ResumeIndex, l.state.ResumeIndex)
	}

	payload := formatCue(r)
	if l.size == 0 {
		payload = header + "\n\n" + payload
	}
	n, err := l.file.WriteString(payload)
	if err == nil {
		err = l.file.Sync()
	}
	if err != nil {
		if n > 0 {
			if terr := l.file.Truncate(l.size); terr != nil {
				logger.Errorf("[timeline] 回滚 %s 失败: %v", l.path, terr)
			}
		}
		return 0, errs.Wrap(errs.KindFileOperation, "timeline", err, "写入 %s 失败", l.path)
	}
	l.size += int64(n)

	l.records = append(l.records, r)
	l.state.CumulativeTime = r.End
	l.state.ResumeIndex = r.ResumeIndex + 1

	if l.sink != nil {
		if err := l.sink.RecordCue(ctx, r); err != nil {
			logger.Warnf("[timeline] 同步第 %d 条记录失败: %v", r.ResumeIndex, err)
		}
	}
	return l.state.ResumeIndex, nil
}

// Records 返回已记录（含恢复）的全部记录副本。
func (l *Ledger) Records() []Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Record, len(l.records))
	copy(out, l.records)
	return out
}

// Close 关闭时间轴文件。
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	if err != nil {
		return fmt.Errorf("[timeline] 关闭 %s 失败: %w", l.path, err)
	}
	return nil
}
