package gate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"time"
)

var (
	// ErrRemoteUnavailable 重试耗尽；对下单而言表示结果未知，需要根据账户状态对账
	ErrRemoteUnavailable = errors.New("remote unavailable")
	// ErrBanned 远端封禁，冷却期内所有调用快速失败
	ErrBanned = errors.New("banned")
	// ErrRequestRejected 永久性错误（参数错误、交易对无效、鉴权失败），不重试
	ErrRequestRejected = errors.New("request rejected")
)

// Class 错误分类
type Class int

const (
	ClassTransient Class = iota
	ClassRateLimited
	ClassBanned
	ClassPermanent
)

func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassRateLimited:
		return "rate_limited"
	case ClassBanned:
		return "banned"
	default:
		return "permanent"
	}
}

// ClassifiedError 由交易所适配器在边界处标注分类的错误
type ClassifiedError struct {
	Class       Class
	Err         error
	RetryAfter  time.Duration // 仅限流：远端建议的最短等待
	BannedUntil time.Time     // 仅封禁：远端给出的解封时间
}

func (e *ClassifiedError) Error() string {
	if e.Err == nil {
		return e.Class.String()
	}
	return fmt.Sprintf("%s: %v", e.Class, e.Err)
}

func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

func Transient(err error) error {
	return &ClassifiedError{Class: ClassTransient, Err: err}
}

func RateLimited(err error, retryAfter time.Duration) error {
	return &ClassifiedError{Class: ClassRateLimited, Err: err, RetryAfter: retryAfter}
}

func Banned(err error, until time.Time) error {
	return &ClassifiedError{Class: ClassBanned, Err: err, BannedUntil: until}
}

func Permanent(err error) error {
	return &ClassifiedError{Class: ClassPermanent, Err: err}
}

// Classify 返回错误分类；未标注的网络类错误视为瞬时错误，其余视为永久错误
func Classify(err error) *ClassifiedError {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce
	}
	if isNetworkError(err) {
		return &ClassifiedError{Class: ClassTransient, Err: err}
	}
	return &ClassifiedError{Class: ClassPermanent, Err: err}
}

func isNetworkError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}
