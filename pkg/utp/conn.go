// =============================================================================
// 文件: pkg/utp/conn.go
// 描述: net.Conn 适配 - 读写截止时间映射为 context 取消
// =============================================================================
package utp

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/mrcgq/utpmux/internal/transport"
)

// Conn 基于 Socket 的 net.Conn
type Conn struct {
	s *transport.Socket

	readDeadline  *deadline
	writeDeadline *deadline
}

func newConn(s *transport.Socket) *Conn {
	return &Conn{
		s:             s,
		readDeadline:  newDeadline(),
		writeDeadline: newDeadline(),
	}
}

// Socket 底层套接字
func (c *Conn) Socket() *transport.Socket {
	return c.s
}

func (c *Conn) Read(b []byte) (int, error) {
	ctx, cancel := c.readDeadline.context()
	defer cancel()

	n, err := c.s.Read(ctx, b)
	return n, c.mapErr("read", ctx, err)
}

func (c *Conn) Write(b []byte) (int, error) {
	ctx, cancel := c.writeDeadline.context()
	defer cancel()

	n, err := c.s.Write(ctx, b)
	return n, c.mapErr("write", ctx, err)
}

// Close 优雅关闭，立即返回
func (c *Conn) Close() error {
	return c.s.Close()
}

// CloseWait 关闭并等待对端确认
func (c *Conn) CloseWait(ctx context.Context) error {
	return c.s.CloseWait(ctx)
}

func (c *Conn) LocalAddr() net.Addr {
	return c.s.LocalAddr()
}

func (c *Conn) RemoteAddr() net.Addr {
	return c.s.RemoteAddr()
}

func (c *Conn) SetDeadline(t time.Time) error {
	c.readDeadline.set(t)
	c.writeDeadline.set(t)
	return nil
}

func (c *Conn) SetReadDeadline(t time.Time) error {
	c.readDeadline.set(t)
	return nil
}

func (c *Conn) SetWriteDeadline(t time.Time) error {
	c.writeDeadline.set(t)
	return nil
}

// mapErr 转换为 net.Conn 约定的错误
func (c *Conn) mapErr(op string, ctx context.Context, err error) error {
	switch {
	case err == nil, errors.Is(err, io.EOF):
		return err
	case ctx.Err() != nil:
		err = context.Cause(ctx)
	case errors.Is(err, transport.ErrClosed):
		err = net.ErrClosed
	}
	return &net.OpError{
		Op:     op,
		Net:    c.s.RemoteAddr().Network(),
		Source: c.s.LocalAddr(),
		Addr:   c.s.RemoteAddr(),
		Err:    err,
	}
}

// =============================================================================
// 截止时间
// =============================================================================

// deadline 可重设的截止时间，到期时关闭 expired
type deadline struct {
	mu      sync.Mutex
	timer   *time.Timer
	expired chan struct{}
}

func newDeadline() *deadline {
	return &deadline{expired: make(chan struct{})}
}

// set 零值清除截止时间
func (d *deadline) set(t time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer != nil && !d.timer.Stop() {
		<-d.expired // 等待回调关闭通道
	}
	d.timer = nil

	closed := isClosed(d.expired)
	if t.IsZero() {
		if closed {
			d.expired = make(chan struct{})
		}
		return
	}

	if dur := time.Until(t); dur > 0 {
		if closed {
			d.expired = make(chan struct{})
		}
		ch := d.expired
		d.timer = time.AfterFunc(dur, func() { close(ch) })
		return
	}

	if !closed {
		close(d.expired)
	}
}

func (d *deadline) wait() chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.expired
}

// context 截止时间到期时以 os.ErrDeadlineExceeded 取消
func (d *deadline) context() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(context.Background())
	expired := d.wait()
	if isClosed(expired) {
		cancel(os.ErrDeadlineExceeded)
		return ctx, func() {}
	}
	go func() {
		select {
		case <-expired:
			cancel(os.ErrDeadlineExceeded)
		case <-ctx.Done():
		}
	}()
	return ctx, func() { cancel(context.Canceled) }
}

func isClosed(ch chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
