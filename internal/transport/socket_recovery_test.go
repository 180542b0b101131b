// =============================================================================
// 文件: internal/transport/socket_recovery_test.go
// 描述: 重传与关闭超时测试 - 手动时钟驱动全部定时器
// =============================================================================
package transport

import (
	"bytes"
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/mrcgq/utpmux/internal/clock"
	"github.com/mrcgq/utpmux/internal/metrics"
	"github.com/mrcgq/utpmux/internal/packet"
	"github.com/mrcgq/utpmux/internal/underlay"
)

func TestSocketRetransmitExhaustion(t *testing.T) {
	clk := clock.NewManual(time.Unix(1700000000, 0))
	cfg := testConfig()
	cfg.MaxRetransmits = 3

	n := underlay.NewMemNetwork()
	a := newTestNode(t, n, "a", cfg, WithClock(clk))
	b := newTestNode(t, n, "b", cfg, WithClock(clk))
	client, _ := connectPair(t, a, b)
	n.SetFaults(underlay.Faults{Loss: 1})

	ctx := context.Background()
	if _, err := client.Write(ctx, []byte("lost")); err != nil {
		t.Fatalf("写入失败: %v", err)
	}
	clk.Advance(time.Minute)

	if client.State() != StateClosed {
		t.Fatalf("状态错误: %v", client.State())
	}
	if !errors.Is(client.Err(), ErrConnTimeout) {
		t.Fatalf("关闭原因错误: %v", client.Err())
	}
	_, err := client.Read(ctx, make([]byte, 8))
	if !errors.Is(err, ErrConnTimeout) || !errors.Is(err, ErrNotConnected) {
		t.Fatalf("读取应返回连接超时, got %v", err)
	}

	st := client.Stats()
	if st.Timeouts != uint64(cfg.MaxRetransmits+1) {
		t.Errorf("超时次数: got %d, want %d", st.Timeouts, cfg.MaxRetransmits+1)
	}
	if st.Retransmits != uint64(cfg.MaxRetransmits) {
		t.Errorf("重传次数: got %d, want %d", st.Retransmits, cfg.MaxRetransmits)
	}
	if a.router.SocketCount() != 0 {
		t.Errorf("连接表未清理: %d", a.router.SocketCount())
	}
}

func TestSocketCloseTimeout(t *testing.T) {
	clk := clock.NewManual(time.Unix(1700000000, 0))
	cfg := testConfig()
	cfg.MaxRetransmits = 100
	cfg.RTOMax = 200 * time.Millisecond
	cfg.CloseTimeout = 2 * time.Second

	n := underlay.NewMemNetwork()
	a := newTestNode(t, n, "a", cfg, WithClock(clk))
	b := newTestNode(t, n, "b", cfg, WithClock(clk))
	client, _ := connectPair(t, a, b)
	n.SetFaults(underlay.Faults{Loss: 1})

	if err := client.Close(); err != nil {
		t.Fatalf("关闭失败: %v", err)
	}
	if client.State() != StateFinSent {
		t.Fatalf("状态错误: %v", client.State())
	}

	// 关闭超时之前仍在重传 FIN
	clk.Advance(cfg.CloseTimeout - time.Millisecond)
	if client.State() != StateFinSent {
		t.Fatalf("超时前不应结束: %v", client.State())
	}
	if client.Stats().Retransmits == 0 {
		t.Fatal("FIN 应被重传")
	}

	clk.Advance(time.Second)
	if client.State() != StateClosed {
		t.Fatalf("状态错误: %v", client.State())
	}
	if !errors.Is(client.Err(), ErrCloseTimeout) {
		t.Fatalf("关闭原因错误: %v", client.Err())
	}
	if _, err := client.Write(context.Background(), []byte("x")); !errors.Is(err, ErrClosed) {
		t.Fatalf("强制销毁后写入应返回 ErrClosed, got %v", err)
	}
	if clk.Pending() != 0 {
		t.Errorf("残留定时器: %d", clk.Pending())
	}
	if a.router.SocketCount() != 0 {
		t.Errorf("连接表未清理: %d", a.router.SocketCount())
	}
}

func TestSocketDupAckFastRetransmit(t *testing.T) {
	clk := clock.NewManual(time.Unix(1700000000, 0))
	cfg := testConfig()

	n := underlay.NewMemNetwork()
	a := newTestNode(t, n, "a", cfg, WithClock(clk))
	peer := newRawPeer(t, n, "peer")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	type result struct {
		s   *Socket
		err error
	}
	connCh := make(chan result, 1)
	go func() {
		s, err := a.router.Connect(ctx, peer.ep.LocalAddr())
		connCh <- result{s, err}
	}()

	eventually(t, 2*time.Second, func() bool { return peer.count(packet.TypeSyn) == 1 }, "SYN")
	syn := peer.last(packet.TypeSyn)
	isn := syn.Seq
	const window = 64 * 1024
	peer.send(t, a.addr(), &packet.Packet{
		Type: packet.TypeSynAck, ConnID: syn.ConnID, Seq: 1000, Ack: isn, Window: window,
	})

	res := <-connCh
	if res.err != nil {
		t.Fatalf("连接失败: %v", res.err)
	}
	client := res.s

	ack := func(win uint32) {
		peer.send(t, a.addr(), &packet.Packet{
			Type: packet.TypeState, ConnID: syn.ConnID, Seq: 1001, Ack: isn + 1, Window: win,
		})
	}

	// 初始拥塞窗口 800，1000 字节先发出 4 个包
	writeErr := make(chan error, 1)
	go func() {
		_, err := client.Write(ctx, make([]byte, 1000))
		writeErr <- err
	}()
	eventually(t, 2*time.Second, func() bool { return peer.count(packet.TypeData) == 4 }, "首批数据")

	// 确认第一个包，腾出窗口发出第 5 个
	ack(window)
	eventually(t, 2*time.Second, func() bool { return peer.count(packet.TypeData) == 5 }, "第 5 个数据包")
	if err := <-writeErr; err != nil {
		t.Fatalf("写入失败: %v", err)
	}
	if client.Stats().DupAcks != 0 {
		t.Fatalf("推进确认号的 ACK 不是重复确认")
	}

	// 第二个包丢失：对端缓存后续包，确认号不变、通告窗口逐次缩小
	for i := 1; i <= 3; i++ {
		ack(uint32(window - i*200))
	}
	eventually(t, 2*time.Second, func() bool { return peer.count(packet.TypeData) == 6 }, "快速重传")

	if got := peer.last(packet.TypeData).Seq; got != isn+2 {
		t.Fatalf("重传序号: got %d, want %d", got, isn+2)
	}
	st := client.Stats()
	if st.DupAcks != 3 {
		t.Errorf("重复确认: got %d, want 3", st.DupAcks)
	}
	if st.FastRetransmits != 1 || st.Timeouts != 0 {
		t.Errorf("快速重传 %d 次, 超时 %d 次", st.FastRetransmits, st.Timeouts)
	}
}

func TestSocketWindowUpdateNotDupAck(t *testing.T) {
	clk := clock.NewManual(time.Unix(1700000000, 0))
	cfg := testConfig()

	n := underlay.NewMemNetwork()
	a := newTestNode(t, n, "a", cfg, WithClock(clk))
	peer := newRawPeer(t, n, "peer")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	connCh := make(chan *Socket, 1)
	go func() {
		s, err := a.router.Connect(ctx, peer.ep.LocalAddr())
		if err != nil {
			t.Errorf("连接失败: %v", err)
		}
		connCh <- s
	}()

	eventually(t, 2*time.Second, func() bool { return peer.count(packet.TypeSyn) == 1 }, "SYN")
	syn := peer.last(packet.TypeSyn)
	peer.send(t, a.addr(), &packet.Packet{
		Type: packet.TypeSynAck, ConnID: syn.ConnID, Seq: 1000, Ack: syn.Seq, Window: 1024,
	})
	client := <-connCh
	if client == nil {
		t.FailNow()
	}

	if _, err := client.Write(ctx, make([]byte, 400)); err != nil {
		t.Fatalf("写入失败: %v", err)
	}
	eventually(t, 2*time.Second, func() bool { return peer.count(packet.TypeData) == 2 }, "数据")

	// 确认号不变但窗口变大，只是窗口更新
	for i := 1; i <= 3; i++ {
		peer.send(t, a.addr(), &packet.Packet{
			Type: packet.TypeState, ConnID: syn.ConnID, Seq: 1001, Ack: syn.Seq, Window: uint32(1024 + i*200),
		})
	}
	eventually(t, 2*time.Second, func() bool { return client.Stats().PeerWindow == 1624 }, "窗口更新")

	st := client.Stats()
	if st.DupAcks != 0 || st.FastRetransmits != 0 {
		t.Fatalf("窗口更新被当作重复确认: dup=%d fast=%d", st.DupAcks, st.FastRetransmits)
	}
}

func TestSocketSegmentsLargeWrite(t *testing.T) {
	clk := clock.NewManual(time.Unix(1700000000, 0))
	cfg := testConfig()
	cfg.AckDelay = 0

	reg := prometheus.NewRegistry()
	m := metrics.NewTransportMetrics(reg)

	n := underlay.NewMemNetwork()
	a := newTestNode(t, n, "a", cfg, WithClock(clk), WithMetrics(m))
	b := newTestNode(t, n, "b", cfg, WithClock(clk))
	client, server := connectPair(t, a, b)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	payload := make([]byte, 5000)
	rand.New(rand.NewSource(7)).Read(payload)

	errCh := make(chan error, 1)
	go func() {
		_, err := client.Write(ctx, payload)
		errCh <- err
	}()

	got := make([]byte, 0, len(payload))
	buf := make([]byte, 1024)
	for len(got) < len(payload) {
		nr, err := server.Read(ctx, buf)
		if err != nil {
			t.Fatalf("读取失败: %v", err)
		}
		got = append(got, buf[:nr]...)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("写入失败: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("数据不一致")
	}

	minPackets := len(payload) / cfg.PacketSize
	dataOut := testutil.ToFloat64(m.Packets.WithLabelValues(metrics.DirectionOut, packet.TypeData.String()))
	if int(dataOut) < minPackets {
		t.Errorf("数据包数: got %v, want >= %d", dataOut, minPackets)
	}
	if st := client.Stats(); st.PacketsSent < uint64(minPackets) || st.Retransmits != 0 {
		t.Errorf("发送统计错误: sent=%d retransmits=%d", st.PacketsSent, st.Retransmits)
	}
	if st := server.Stats(); st.BytesRecv != uint64(len(payload)) {
		t.Errorf("接收字节数: got %d, want %d", st.BytesRecv, len(payload))
	}
}
