// =============================================================================
// 文件: internal/underlay/websocket.go
// 描述: WebSocket 底层通道 - 每个对端一条连接，二进制消息承载数据报
// =============================================================================
package underlay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	// PeerAddrHeader 拨号方通告自己的监听地址，便于对端回连
	PeerAddrHeader = "X-Underlay-Addr"

	wsWriteTimeout = 10 * time.Second
	wsInboxSize    = 4096
)

// WSAddr WebSocket 对端地址 (host:port)
type WSAddr struct {
	HostPort string
}

// Network 实现 net.Addr
func (a WSAddr) Network() string { return "ws" }

// String 实现 net.Addr
func (a WSAddr) String() string { return a.HostPort }

// wsSession WebSocket 会话
type wsSession struct {
	conn *websocket.Conn
	peer WSAddr
	mu   sync.Mutex // 串行写
}

func (s *wsSession) write(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return s.conn.WriteMessage(websocket.BinaryMessage, data)
}

// WebSocket WebSocket 底层通道
type WebSocket struct {
	path  string
	local WSAddr
	log   *zap.Logger

	listener   net.Listener
	httpServer *http.Server
	upgrader   websocket.Upgrader
	dialer     *websocket.Dialer

	inbox        *inbox
	sessions     sync.Map // string -> *wsSession
	connectGroup singleflight.Group

	closed int32
	wg     sync.WaitGroup

	activeConns int64
}

// ListenWebSocket 在 addr 上提供 path 端点
func ListenWebSocket(addr, path string, log *zap.Logger) (*WebSocket, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if path == "" {
		path = "/utp"
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("监听失败: %w", err)
	}

	w := &WebSocket{
		path:     path,
		local:    WSAddr{HostPort: ln.Addr().String()},
		log:      log.Named("websocket"),
		listener: ln,
		inbox:    newInbox(wsInboxSize),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 32 * 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true // 允许所有来源
			},
		},
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
			ReadBufferSize:   32 * 1024,
			WriteBufferSize:  32 * 1024,
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc(path, w.handleUpgrade)
	w.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		if err := w.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			w.log.Error("HTTP 服务错误", zap.Error(err))
		}
	}()

	w.log.Info("WebSocket 通道已启动", zap.String("addr", w.local.HostPort), zap.String("path", path))
	return w, nil
}

// handleUpgrade 处理入站升级
func (w *WebSocket) handleUpgrade(rw http.ResponseWriter, r *http.Request) {
	conn, err := w.upgrader.Upgrade(rw, r, nil)
	if err != nil {
		w.log.Debug("升级失败", zap.Error(err))
		return
	}

	peer := WSAddr{HostPort: r.Header.Get(PeerAddrHeader)}
	if peer.HostPort == "" {
		peer.HostPort = r.RemoteAddr
	}

	sess := &wsSession{conn: conn, peer: peer}
	if _, loaded := w.sessions.LoadOrStore(peer.HostPort, sess); loaded {
		// 已有出站会话，该连接只用于接收
		w.log.Debug("重复会话", zap.String("peer", peer.HostPort))
	}
	w.startReader(sess)
}

func (w *WebSocket) startReader(sess *wsSession) {
	atomic.AddInt64(&w.activeConns, 1)
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer atomic.AddInt64(&w.activeConns, -1)
		defer sess.conn.Close()
		defer w.sessions.CompareAndDelete(sess.peer.HostPort, sess)

		for {
			mt, data, err := sess.conn.ReadMessage()
			if err != nil {
				if atomic.LoadInt32(&w.closed) == 0 {
					w.log.Debug("会话结束", zap.String("peer", sess.peer.HostPort), zap.Error(err))
				}
				return
			}
			if mt != websocket.BinaryMessage {
				continue
			}
			w.inbox.push(sess.peer, data)
		}
	}()
}

// session 获取或建立到对端的会话
func (w *WebSocket) session(ctx context.Context, to string) (*wsSession, error) {
	if v, ok := w.sessions.Load(to); ok {
		return v.(*wsSession), nil
	}

	v, err, _ := w.connectGroup.Do(to, func() (interface{}, error) {
		if v, ok := w.sessions.Load(to); ok {
			return v, nil
		}
		header := http.Header{}
		header.Set(PeerAddrHeader, w.local.HostPort)
		conn, _, err := w.dialer.DialContext(ctx, "ws://"+to+w.path, header)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
		}
		sess := &wsSession{conn: conn, peer: WSAddr{HostPort: to}}
		actual, _ := w.sessions.LoadOrStore(to, sess)
		w.startReader(sess)
		return actual, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*wsSession), nil
}

// SendTo 发送数据报
func (w *WebSocket) SendTo(ctx context.Context, to net.Addr, data []byte) error {
	if atomic.LoadInt32(&w.closed) == 1 {
		return ErrClosed
	}
	sess, err := w.session(ctx, to.String())
	if err != nil {
		return err
	}
	if err := sess.write(data); err != nil {
		w.sessions.CompareAndDelete(to.String(), sess)
		sess.conn.Close()
		return fmt.Errorf("发送失败: %w", err)
	}
	return nil
}

// SetHandler 设置接收回调
func (w *WebSocket) SetHandler(h Handler) {
	w.inbox.setHandler(h)
}

// LocalAddr 本端监听地址
func (w *WebSocket) LocalAddr() net.Addr {
	return w.local
}

// Resolve host:port 原样作为地址
func (w *WebSocket) Resolve(ctx context.Context, name string) (net.Addr, error) {
	if _, _, err := net.SplitHostPort(name); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnknownName, err)
	}
	return WSAddr{HostPort: name}, nil
}

// ActiveConns 当前连接数
func (w *WebSocket) ActiveConns() int64 {
	return atomic.LoadInt64(&w.activeConns)
}

// Close 关闭
func (w *WebSocket) Close() error {
	if !atomic.CompareAndSwapInt32(&w.closed, 0, 1) {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := w.httpServer.Shutdown(ctx)

	w.sessions.Range(func(key, value interface{}) bool {
		value.(*wsSession).conn.Close()
		return true
	})
	w.inbox.close()
	w.wg.Wait()
	return err
}

var (
	_ Underlay = (*WebSocket)(nil)
	_ Resolver = (*WebSocket)(nil)
)
