// Package errs 定义朗读流程中各组件共用的错误分类。
//
// 所有组件返回的错误都可以通过 KindOf 还原出类别，调度器据此决定
// 中止还是跳过当前句子。
package errs

import (
	"errors"
	"fmt"
)

// Kind 错误类别。
type Kind int

const (
	KindUnknown Kind = iota
	// KindValidation 输入句子不合法（空串、纯空白）。
	KindValidation
	// KindEngine 引擎选择或合成后端调用失败。
	KindEngine
	// KindAudioProcessing 合成结果为空或后处理失败。
	KindAudioProcessing
	// KindFileOperation 音频文件或时间轴写入失败。
	KindFileOperation
	// KindModelLoad 模型解析链全部失败。
	KindModelLoad
	// KindMemoryPressure 仅作为信号使用，永远不会中止任务。
	KindMemoryPressure
)

var kindNames = [...]string{
	"unknown",
	"validation",
	"engine",
	"audio_processing",
	"file_operation",
	"model_load",
	"memory_pressure",
}

func (k Kind) String() string {
	if int(k) >= 0 && int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "unknown"
}

// Error 是带类别的错误。
type Error struct {
	Kind Kind
	Op   string // 出错的组件或操作，如 "pipeline.flush"
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil && e.Msg != "":
		return fmt.Sprintf("[%s] %s: %v", e.Op, e.Msg, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("[%s] %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("[%s] %s", e.Op, e.Msg)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// New 创建不包装底层错误的分类错误。
func New(kind Kind, op, format string, args ...interface{}) error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap 为底层错误附加类别。err 为 nil 时返回 nil。
func Wrap(kind Kind, op string, err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf 返回错误链上第一个分类错误的类别，找不到时返回 KindUnknown。
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Is 判断错误链中是否包含指定类别。
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
