// =============================================================================
// 文件: internal/underlay/udp.go
// 描述: UDP 底层通道 - 单读循环串行投递
// =============================================================================
package underlay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	defaultReadBufferSize  = 4 * 1024 * 1024
	defaultWriteBufferSize = 4 * 1024 * 1024
	maxDatagramSize        = 65535
)

// UDP UDP 底层通道
type UDP struct {
	conn    *net.UDPConn
	handler atomic.Pointer[Handler]
	log     *zap.Logger

	running int32
	stopCh  chan struct{}
	wg      sync.WaitGroup

	// 统计
	packetsRecv uint64
	packetsSent uint64
	bytesRecv   uint64
	bytesSent   uint64
}

// ListenUDP 监听 UDP 地址并启动读循环
func ListenUDP(addr string, log *zap.Logger) (*UDP, error) {
	if log == nil {
		log = zap.NewNop()
	}
	laddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("解析地址失败: %w", err)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("监听失败: %w", err)
	}

	// 缓冲区设置失败不影响功能
	if err := conn.SetReadBuffer(defaultReadBufferSize); err != nil {
		log.Debug("设置读缓冲区失败", zap.Error(err))
	}
	if err := conn.SetWriteBuffer(defaultWriteBufferSize); err != nil {
		log.Debug("设置写缓冲区失败", zap.Error(err))
	}

	u := &UDP{
		conn:    conn,
		log:     log.Named("udp"),
		running: 1,
		stopCh:  make(chan struct{}),
	}
	u.wg.Add(1)
	go u.readLoop()

	u.log.Info("UDP 通道已启动", zap.Stringer("addr", conn.LocalAddr()))
	return u, nil
}

// readLoop 读取循环
func (u *UDP) readLoop() {
	defer u.wg.Done()

	buf := make([]byte, maxDatagramSize)

	for atomic.LoadInt32(&u.running) == 1 {
		_ = u.conn.SetReadDeadline(time.Now().Add(time.Second))
		n, addr, err := u.conn.ReadFromUDP(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			select {
			case <-u.stopCh:
				return
			default:
				continue
			}
		}

		if n == 0 {
			continue
		}

		atomic.AddUint64(&u.packetsRecv, 1)
		atomic.AddUint64(&u.bytesRecv, uint64(n))

		data := make([]byte, n)
		copy(data, buf[:n])

		if h := u.handler.Load(); h != nil && *h != nil {
			(*h)(addr, data)
		}
	}
}

// SendTo 发送数据报
func (u *UDP) SendTo(ctx context.Context, to net.Addr, data []byte) error {
	if atomic.LoadInt32(&u.running) == 0 {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	ua, ok := to.(*net.UDPAddr)
	if !ok {
		var err error
		ua, err = net.ResolveUDPAddr("udp", to.String())
		if err != nil {
			return fmt.Errorf("%w: %v", ErrUnreachable, err)
		}
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = u.conn.SetWriteDeadline(deadline)
	}
	n, err := u.conn.WriteToUDP(data, ua)
	if err != nil {
		return fmt.Errorf("发送失败: %w", err)
	}
	atomic.AddUint64(&u.packetsSent, 1)
	atomic.AddUint64(&u.bytesSent, uint64(n))
	return nil
}

// SetHandler 设置接收回调
func (u *UDP) SetHandler(h Handler) {
	u.handler.Store(&h)
}

// LocalAddr 本端地址
func (u *UDP) LocalAddr() net.Addr {
	return u.conn.LocalAddr()
}

// Resolve 解析 host:port
func (u *UDP) Resolve(ctx context.Context, name string) (net.Addr, error) {
	host, port, err := net.SplitHostPort(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnknownName, err)
	}
	ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil || len(ips) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnknownName, name)
	}
	p, err := net.LookupPort("udp", port)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnknownName, err)
	}
	return &net.UDPAddr{IP: ips[0].IP, Port: p, Zone: ips[0].Zone}, nil
}

// GetStats 获取统计
func (u *UDP) GetStats() map[string]uint64 {
	return map[string]uint64{
		"packets_recv": atomic.LoadUint64(&u.packetsRecv),
		"packets_sent": atomic.LoadUint64(&u.packetsSent),
		"bytes_recv":   atomic.LoadUint64(&u.bytesRecv),
		"bytes_sent":   atomic.LoadUint64(&u.bytesSent),
	}
}

// Close 停止
func (u *UDP) Close() error {
	if !atomic.CompareAndSwapInt32(&u.running, 1, 0) {
		return nil
	}
	close(u.stopCh)
	err := u.conn.Close()
	u.wg.Wait()
	u.log.Info("UDP 通道已停止")
	return err
}

var (
	_ Underlay = (*UDP)(nil)
	_ Resolver = (*UDP)(nil)
)
