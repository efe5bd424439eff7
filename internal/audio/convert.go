package audio

import (
	"encoding/binary"
	"math"
)

// clamp 将样本钳位到 [-1.0, 1.0]。
func clamp(s float32) float32 {
	if s > 1.0 {
		return 1.0
	}
	if s < -1.0 {
		return -1.0
	}
	return s
}

// PCM16ToFloat32 将单声道 signed 16-bit LE PCM 字节转换为 [-1.0, 1.0] 的 float32。
// 奇数长度时忽略最后一个字节。
func PCM16ToFloat32(b []byte) []float32 {
	n := len(b) / 2
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		s := int16(binary.LittleEndian.Uint16(b[2*i:]))
		out[i] = float32(s) / math.MaxInt16
	}
	return out
}

// Float32ToPCM16 将 float32 样本转换为单声道 signed 16-bit LE PCM 字节，超出范围的样本被钳位。
func Float32ToPCM16(in []float32) []byte {
	out := make([]byte, len(in)*2)
	for i, s := range in {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(int16(clamp(s)*math.MaxInt16)))
	}
	return out
}

// StereoPCM16ToMono 将交错的立体声 signed 16-bit LE PCM 转换为单声道 float32，
// 左右声道取平均，尾部不完整的帧被丢弃。MP3 解码器总是输出这种格式。
func StereoPCM16ToMono(pcm []byte) []float32 {
	const bytesPerFrame = 4
	numFrames := len(pcm) / bytesPerFrame
	out := make([]float32, numFrames)
	for i := 0; i < numFrames; i++ {
		off := i * bytesPerFrame
		left := int16(binary.LittleEndian.Uint16(pcm[off:]))
		right := int16(binary.LittleEndian.Uint16(pcm[off+2:]))
		out[i] = (float32(left) + float32(right)) / 2.0 / 32768.0
	}
	return out
}
