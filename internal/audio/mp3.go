package audio

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/hajimehoshi/go-mp3"
)

// DecodeMP3 将 MP3 数据解码为单声道片段。go-mp3 总是输出立体声 16-bit PCM。
// 每读一块检查一次 ctx，解码长音频时可以及时中止。
func DecodeMP3(ctx context.Context, data []byte) (Segment, error) {
	if len(data) == 0 {
		return Segment{}, fmt.Errorf("[audio] MP3 数据为空")
	}
	decoder, err := mp3.NewDecoder(bytes.NewReader(data))
	if err != nil {
		return Segment{}, fmt.Errorf("[audio] MP3 解码失败: %w", err)
	}

	var pcm bytes.Buffer
	buf := make([]byte, 8192)
	for {
		if err := ctx.Err(); err != nil {
			return Segment{}, err
		}
		n, err := decoder.Read(buf)
		pcm.Write(buf[:n])
		if err == io.EOF {
			break
		}
		if err != nil {
			return Segment{}, fmt.Errorf("[audio] 读取 PCM 数据失败: %w", err)
		}
	}

	return Segment{Samples: StereoPCM16ToMono(pcm.Bytes()), SampleRate: decoder.SampleRate()}, nil
}
