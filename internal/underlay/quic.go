// =============================================================================
// 文件: internal/underlay/quic.go
// 描述: QUIC 不可靠数据报底层通道 - 同一 UDP 端口既监听又拨号，TLS 提供链路加密
// =============================================================================
package underlay

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"math/big"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	// QUICALPN 应用层协议标识
	QUICALPN = "utpmux"

	// QUICMaxDatagram 单个 QUIC 数据报可承载的保守上限
	QUICMaxDatagram = 1150

	quicInboxSize = 4096
)

// QUIC QUIC 数据报底层通道
type QUIC struct {
	udpConn   *net.UDPConn
	tr        *quic.Transport
	ln        *quic.Listener
	serverTLS *tls.Config
	clientTLS *tls.Config
	conf      *quic.Config
	log       *zap.Logger

	inbox        *inbox
	conns        sync.Map // string -> quic.Connection
	connectGroup singleflight.Group

	ctx    context.Context
	cancel context.CancelFunc
	closed int32
	wg     sync.WaitGroup
}

// ListenQUIC 监听并启动接受循环，serverTLS 为 nil 时使用自签名证书
func ListenQUIC(addr string, serverTLS *tls.Config, log *zap.Logger) (*QUIC, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if serverTLS == nil {
		var err error
		serverTLS, err = SelfSignedTLSConfig()
		if err != nil {
			return nil, err
		}
	}

	laddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("解析地址失败: %w", err)
	}
	udpConn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("监听失败: %w", err)
	}

	conf := &quic.Config{
		EnableDatagrams: true,
		KeepAlivePeriod: 15 * time.Second,
		MaxIdleTimeout:  60 * time.Second,
	}
	tr := &quic.Transport{Conn: udpConn}
	ln, err := tr.Listen(serverTLS, conf)
	if err != nil {
		udpConn.Close()
		return nil, fmt.Errorf("QUIC 监听失败: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &QUIC{
		udpConn:   udpConn,
		tr:        tr,
		ln:        ln,
		serverTLS: serverTLS,
		clientTLS: &tls.Config{
			InsecureSkipVerify: true,
			NextProtos:         []string{QUICALPN},
		},
		conf:   conf,
		log:    log.Named("quic"),
		inbox:  newInbox(quicInboxSize),
		ctx:    ctx,
		cancel: cancel,
	}

	q.wg.Add(1)
	go q.acceptLoop()

	q.log.Info("QUIC 通道已启动", zap.Stringer("addr", udpConn.LocalAddr()))
	return q, nil
}

// SelfSignedTLSConfig 生成自签名证书（仅用于链路加密，不做身份校验）
func SelfSignedTLSConfig() (*tls.Config, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("生成密钥失败: %w", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: QUICALPN},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("生成证书失败: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: key}},
		NextProtos:   []string{QUICALPN},
	}, nil
}

// LoadTLSConfig 从证书文件加载服务端 TLS 配置
func LoadTLSConfig(certFile, keyFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("加载证书失败: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{QUICALPN},
	}, nil
}

// acceptLoop 接受入站连接
func (q *QUIC) acceptLoop() {
	defer q.wg.Done()
	for {
		conn, err := q.ln.Accept(q.ctx)
		if err != nil {
			if atomic.LoadInt32(&q.closed) == 0 {
				q.log.Debug("接受连接失败", zap.Error(err))
			}
			return
		}
		key := conn.RemoteAddr().String()
		if _, loaded := q.conns.LoadOrStore(key, conn); loaded {
			q.log.Debug("重复连接", zap.String("peer", key))
		}
		q.startReceiver(key, conn)
	}
}

func (q *QUIC) startReceiver(key string, conn quic.Connection) {
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		defer q.conns.CompareAndDelete(key, conn)

		from := conn.RemoteAddr()
		for {
			data, err := conn.ReceiveDatagram(q.ctx)
			if err != nil {
				if atomic.LoadInt32(&q.closed) == 0 {
					q.log.Debug("连接结束", zap.String("peer", key), zap.Error(err))
				}
				return
			}
			q.inbox.push(from, data)
		}
	}()
}

// connection 获取或拨号
func (q *QUIC) connection(ctx context.Context, to net.Addr) (quic.Connection, error) {
	key := to.String()
	if v, ok := q.conns.Load(key); ok {
		return v.(quic.Connection), nil
	}

	v, err, _ := q.connectGroup.Do(key, func() (interface{}, error) {
		if v, ok := q.conns.Load(key); ok {
			return v, nil
		}
		ua, ok := to.(*net.UDPAddr)
		if !ok {
			var err error
			if ua, err = net.ResolveUDPAddr("udp", key); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
			}
		}
		conn, err := q.tr.Dial(ctx, ua, q.clientTLS, q.conf)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
		}
		if !conn.ConnectionState().SupportsDatagrams {
			conn.CloseWithError(0, "datagrams unsupported")
			return nil, errors.New("对端不支持 QUIC 数据报")
		}
		actual, _ := q.conns.LoadOrStore(key, conn)
		q.startReceiver(key, conn)
		return actual, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(quic.Connection), nil
}

// SendTo 发送数据报
func (q *QUIC) SendTo(ctx context.Context, to net.Addr, data []byte) error {
	if atomic.LoadInt32(&q.closed) == 1 {
		return ErrClosed
	}
	conn, err := q.connection(ctx, to)
	if err != nil {
		return err
	}
	if err := conn.SendDatagram(data); err != nil {
		return fmt.Errorf("发送失败: %w", err)
	}
	return nil
}

// SetHandler 设置接收回调
func (q *QUIC) SetHandler(h Handler) {
	q.inbox.setHandler(h)
}

// LocalAddr 本端地址
func (q *QUIC) LocalAddr() net.Addr {
	return q.udpConn.LocalAddr()
}

// Resolve 解析 host:port
func (q *QUIC) Resolve(ctx context.Context, name string) (net.Addr, error) {
	ua, err := net.ResolveUDPAddr("udp", name)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnknownName, err)
	}
	return ua, nil
}

// Close 关闭所有连接
func (q *QUIC) Close() error {
	if !atomic.CompareAndSwapInt32(&q.closed, 0, 1) {
		return nil
	}
	q.cancel()
	q.conns.Range(func(key, value interface{}) bool {
		value.(quic.Connection).CloseWithError(0, "closing")
		return true
	})
	q.ln.Close()
	err := q.tr.Close()
	q.udpConn.Close()
	q.inbox.close()
	q.wg.Wait()
	return err
}

var (
	_ Underlay = (*QUIC)(nil)
	_ Resolver = (*QUIC)(nil)
)
