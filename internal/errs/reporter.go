package errs

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Severity 错误严重程度，数值越小越严重。
type Severity int

const (
	SeverityCritical Severity = iota + 1
	SeverityHigh
	SeverityMedium
	SeverityLow
	SeverityInfo
)

var severityNames = map[Severity]string{
	SeverityCritical: "critical",
	SeverityHigh:     "high",
	SeverityMedium:   "medium",
	SeverityLow:      "low",
	SeverityInfo:     "info",
}

func (s Severity) String() string {
	if n, ok := severityNames[s]; ok {
		return n
	}
	return "unknown"
}

// SeverityOf 返回各类别的默认严重程度。
func SeverityOf(kind Kind) Severity {
	switch kind {
	case KindModelLoad:
		return SeverityCritical
	case KindEngine, KindMemoryPressure:
		return SeverityHigh
	case KindValidation:
		return SeverityLow
	default:
		return SeverityMedium
	}
}

// recentLimit 保留的最近错误条数。
const recentLimit = 50

// Entry 一条已记录的错误。
type Entry struct {
	Time     time.Time
	Kind     Kind
	Severity Severity
	Message  string
}

// Stats 错误统计快照。
type Stats struct {
	Total      int
	BySeverity map[Severity]int
	ByKind     map[Kind]int
	Recent     []Entry
}

// Reporter 汇总进程内发生的分类错误，可以被多个任务并发使用。
type Reporter struct {
	mu    sync.Mutex
	stats Stats
	now   func() time.Time
}

// NewReporter 创建空的错误汇总。
func NewReporter() *Reporter {
	r := &Reporter{now: time.Now}
	r.Reset()
	return r
}

// Record 记录一个错误，nil 被忽略。
func (r *Reporter) Record(err error) {
	if err == nil {
		return
	}
	kind := KindOf(err)
	e := Entry{Time: r.now(), Kind: kind, Severity: SeverityOf(kind), Message: err.Error()}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats.Total++
	r.stats.BySeverity[e.Severity]++
	r.stats.ByKind[kind]++
	r.stats.Recent = append(r.stats.Recent, e)
	if len(r.stats.Recent) > recentLimit {
		r.stats.Recent = r.stats.Recent[len(r.stats.Recent)-recentLimit:]
	}
}

// Stats 返回统计副本。
func (r *Reporter) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := Stats{
		Total:      r.stats.Total,
		BySeverity: make(map[Severity]int, len(r.stats.BySeverity)),
		ByKind:     make(map[Kind]int, len(r.stats.ByKind)),
		Recent:     append([]Entry(nil), r.stats.Recent...),
	}
	for k, v := range r.stats.BySeverity {
		out.BySeverity[k] = v
	}
	for k, v := range r.stats.ByKind {
		out.ByKind[k] = v
	}
	return out
}

// Reset 清空统计。
func (r *Reporter) Reset() {
	r.mu.Lock()
	r.stats = Stats{BySeverity: make(map[Severity]int), ByKind: make(map[Kind]int)}
	r.mu.Unlock()
}

// Summary 生成文本摘要：总数、按严重程度、按类别以及最近 10 条错误。
func (r *Reporter) Summary() string {
	st := r.Stats()
	var sb strings.Builder
	fmt.Fprintf(&sb, "错误总数: %d\n", st.Total)

	sb.WriteString("\n按严重程度:\n")
	for s := SeverityCritical; s <= SeverityInfo; s++ {
		fmt.Fprintf(&sb, "  %s: %d\n", s, st.BySeverity[s])
	}

	sb.WriteString("\n按类别:\n")
	for k := KindUnknown; int(k) < len(kindNames); k++ {
		if n := st.ByKind[k]; n > 0 {
			fmt.Fprintf(&sb, "  %s: %d\n", k, n)
		}
	}

	sb.WriteString("\n最近错误 (最多 10 条):\n")
	recent := st.Recent
	if len(recent) > 10 {
		recent = recent[len(recent)-10:]
	}
	for _, e := range recent {
		fmt.Fprintf(&sb, "  %s [%s] %s\n", e.Time.Format(time.DateTime), e.Severity, e.Message)
	}
	return sb.String()
}
