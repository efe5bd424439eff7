package timeline

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
)

const header = "WEBVTT"

// FormatTimestamp 将秒数格式化为 HH:MM:SS.mmm（四舍五入到毫秒）。
func FormatTimestamp(sec float64) string {
	if sec < 0 {
		sec = 0
	}
	ms := int64(math.Round(sec * 1000))
	h := ms / 3_600_000
	ms -= h * 3_600_000
	m := ms / 60_000
	ms -= m * 60_000
	s := ms / 1000
	ms -= s * 1000
	return fmt.Sprintf("%02d:%02d:%02d.%03d", h, m, s, ms)
}

// ParseTimestamp 解析 HH:MM:SS.mmm 或 MM:SS.mmm。
func ParseTimestamp(ts string) (float64, error) {
	ts = strings.TrimSpace(ts)
	parts := strings.Split(ts, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, fmt.Errorf("无效时间戳: %q", ts)
	}
	var h, m int64
	var err error
	if len(parts) == 3 {
		if h, err = strconv.ParseInt(parts[0], 10, 64); err != nil {
			return 0, fmt.Errorf("无效时间戳: %q", ts)
		}
		parts = parts[1:]
	}
	if m, err = strconv.ParseInt(parts[0], 10, 64); err != nil {
		return 0, fmt.Errorf("无效时间戳: %q", ts)
	}
	s, err := strconv.ParseFloat(parts[1], 64)
	if err != nil {
		return 0, fmt.Errorf("无效时间戳: %q", ts)
	}
	return float64(h*3600+m*60) + s, nil
}

// cueText 把文本压成单行，并替换会破坏 cue 结构的 "-->"。
func cueText(s string) string {
	s = strings.ReplaceAll(s, "\r\n", " ")
	s = strings.ReplaceAll(s, "\n", " ")
	return strings.ReplaceAll(s, "-->", "->")
}

func formatCue(r Record) string {
	return fmt.Sprintf("%d\n%s --> %s\n%s\n\n", r.ResumeIndex, FormatTimestamp(r.Start), FormatTimestamp(r.End), cueText(r.Text))
}

// WriteVTT 把记录写成完整的 WebVTT 文档。
func WriteVTT(w io.Writer, records []Record) error {
	var b strings.Builder
	b.WriteString(header + "\n\n")
	for _, r := range records {
		b.WriteString(formatCue(r))
	}
	_, err := io.WriteString(w, b.String())
	return err
}

// ParseVTT 解析由 Ledger 写出的 WebVTT 文件。
// 不带数字标识的 cue 按出现顺序编号。
func ParseVTT(r io.Reader) ([]Record, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)

	var (
		records []Record
		block   []string
		lineNo  int
	)
	flush := func() error {
		defer func() { block = block[:0] }()
		if len(block) == 0 {
			return nil
		}
		if strings.HasPrefix(block[0], header) {
			return nil
		}
		timing := 0
		if !strings.Contains(block[0], "-->") {
			timing = 1
		}
		if timing >= len(block) || !strings.Contains(block[timing], "-->") {
			return fmt.Errorf("第 %d 行附近缺少时间行", lineNo)
		}
		idx := len(records) + 1
		if timing == 1 {
			if n, err := strconv.Atoi(strings.TrimSpace(block[0])); err == nil {
				idx = n
			}
		}
		bounds := strings.SplitN(block[timing], "-->", 2)
		start, err := ParseTimestamp(bounds[0])
		if err != nil {
			return err
		}
		endField := strings.Fields(bounds[1])
		if len(endField) == 0 {
			return fmt.Errorf("第 %d 行附近缺少结束时间", lineNo)
		}
		end, err := ParseTimestamp(endField[0])
		if err != nil {
			return err
		}
		records = append(records, Record{
			Start:       start,
			End:         end,
			Text:        strings.Join(block[timing+1:], "\n"),
			ResumeIndex: idx,
		})
		return nil
	}

	for sc.Scan() {
		lineNo++
		line := strings.TrimRight(sc.Text(), "\r")
		if lineNo == 1 {
			line = strings.TrimPrefix(line, "\ufeff")
		}
		if strings.TrimSpace(line) == "" {
			if err := flush(); err != nil {
				return nil, err
			}
			continue
		}
		block = append(block, line)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return records, nil
}
