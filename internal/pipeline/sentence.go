package pipeline

import (
	"bufio"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/iabetor/narrator/internal/session"
)

// extractSentence 尝试从文本中提取第一个完整句子。
func extractSentence(text string) (string, string, bool) {
	sentenceEnders := []rune{'。', '！', '？', '；', '.', '!', '?', '\n'}
	for i, r := range text {
		for _, ender := range sentenceEnders {
			if r == ender {
				splitAt := i + utf8.RuneLen(r)
				return text[:splitAt], text[splitAt:], true
			}
		}
	}
	return "", text, false
}

// SplitSentences 按句末标点把一行拆成多个句子，去掉首尾空白与空句。
func SplitSentences(line string) []string {
	var out []string
	remaining := line
	for {
		sentence, rest, found := extractSentence(remaining)
		if !found {
			if r := strings.TrimSpace(remaining); r != "" {
				out = append(out, r)
			}
			return out
		}
		remaining = rest
		if s := strings.TrimSpace(sentence); s != "" {
			out = append(out, s)
		}
	}
}

// ReadSentences 读取每行一句的输入。空行转换为段落停顿标记，
// 连续的空行只产生一个标记，开头的空行被忽略。
// split 为 true 时一行中的多个句子会被继续拆分。
func ReadSentences(r io.Reader, tokens session.Tokens, split bool) ([]string, error) {
	var out []string
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			if len(out) > 0 && out[len(out)-1] != tokens.Break {
				out = append(out, tokens.Break)
			}
			continue
		}
		if split {
			out = append(out, SplitSentences(line)...)
		} else {
			out = append(out, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
