// Package cancel 提供协作式取消令牌，所有长时间运行的操作共用。
package cancel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrCancelled 是取消/超时的统一错误，使用 errors.Is 判断
var ErrCancelled = errors.New("operation cancelled")

// Token 一次性闩锁：创建时未取消，Cancel 之后永久处于取消状态
// 可以被多个 goroutine 共享
type Token struct {
	once   sync.Once
	mu     sync.RWMutex
	reason string
	done   chan struct{}

	releaseOnce sync.Once
	released    chan struct{}
}

// New 创建一个未取消的令牌
func New() *Token {
	return &Token{done: make(chan struct{}), released: make(chan struct{})}
}

// Release 停止跟随 Combine 的输入令牌，不会取消令牌本身。
// 输入令牌比组合令牌活得久时，用完组合令牌应调用一次
func (t *Token) Release() {
	t.releaseOnce.Do(func() { close(t.released) })
}

// Cancel 取消令牌。只有第一次调用生效，之后的调用为空操作
func (t *Token) Cancel(reason string) {
	t.once.Do(func() {
		t.mu.Lock()
		t.reason = reason
		t.mu.Unlock()
		close(t.done)
	})
}

// IsCancelled 是否已取消
func (t *Token) IsCancelled() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Reason 返回取消原因，未取消时为空字符串
func (t *Token) Reason() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.reason
}

// Done 在令牌取消时关闭，用于 select 等待
func (t *Token) Done() <-chan struct{} {
	return t.done
}

// Err 已取消时返回包装了 ErrCancelled 的错误，否则返回 nil
func (t *Token) Err() error {
	if !t.IsCancelled() {
		return nil
	}
	if r := t.Reason(); r != "" {
		return fmt.Errorf("%w: %s", ErrCancelled, r)
	}
	return ErrCancelled
}

// ThrowIfCancelled 与 Err 相同，批处理循环里每个元素之前调用
func (t *Token) ThrowIfCancelled() error {
	return t.Err()
}

// Timeout 返回一个在 d 之后自动取消的令牌
func Timeout(d time.Duration, reason string) *Token {
	t := New()
	if reason == "" {
		reason = fmt.Sprintf("timed out after %s", d)
	}
	timer := time.AfterFunc(d, func() { t.Cancel(reason) })
	// 提前取消时释放定时器
	go func() {
		<-t.done
		timer.Stop()
	}()
	return t
}

// Combine 返回一个新令牌：任意一个输入令牌取消时它也取消，并沿用第一个原因。
// 每个输入占用一个 goroutine，直到输入取消、新令牌取消或调用 Release
func Combine(tokens ...*Token) *Token {
	out := New()
	for _, in := range tokens {
		if in != nil && in.IsCancelled() {
			out.Cancel(in.Reason())
			return out
		}
	}
	for _, in := range tokens {
		if in == nil {
			continue
		}
		go func(in *Token) {
			select {
			case <-in.done:
				out.Cancel(in.Reason())
			case <-out.done:
			case <-out.released:
			}
		}(in)
	}
	return out
}

// WithContext 派生一个随令牌取消的 context，供存储 I/O 调用使用
func (t *Token) WithContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(parent)
	go func() {
		select {
		case <-t.done:
			cancel(t.Err())
		case <-ctx.Done():
		}
	}()
	return ctx, func() { cancel(context.Canceled) }
}
