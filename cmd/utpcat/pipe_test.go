package main

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mrcgq/utpmux/internal/transport"
	"github.com/mrcgq/utpmux/internal/underlay"
	"github.com/mrcgq/utpmux/pkg/utp"
)

// memPair 在内存网络上建立一条连接
func memPair(t *testing.T) (dialed, accepted *utp.Conn) {
	t.Helper()
	log = zap.NewNop()

	n := underlay.NewMemNetwork()
	opts := utp.Options{Transport: transport.DefaultConfig(), Network: n}
	a, err := utp.Listen(utp.KindMem, "a", opts)
	if err != nil {
		t.Fatalf("创建端点失败: %v", err)
	}
	b, err := utp.Listen(utp.KindMem, "b", opts)
	if err != nil {
		t.Fatalf("创建端点失败: %v", err)
	}
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	dialed, err = a.Dial(ctx, "b")
	if err != nil {
		t.Fatalf("拨号失败: %v", err)
	}
	accepted, err = b.Accept(ctx)
	if err != nil {
		t.Fatalf("接受失败: %v", err)
	}
	return dialed, accepted
}

func TestPipeWaitsForReplyAfterInputEOF(t *testing.T) {
	dialed, accepted := memPair(t)

	// 对端读到请求后回复再关闭
	go func() {
		buf := make([]byte, 1)
		if _, err := io.ReadFull(accepted, buf); err != nil {
			return
		}
		accepted.Write([]byte("reply:" + string(buf)))
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		accepted.CloseWait(ctx)
	}()

	var out bytes.Buffer
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := pipe(ctx, dialed, strings.NewReader("q"), &out, false); err != nil {
		t.Fatalf("pipe 失败: %v", err)
	}
	if out.String() != "reply:q" {
		t.Fatalf("回复被截断: got %q", out.String())
	}
}

func TestPipeCloseOnEOF(t *testing.T) {
	dialed, accepted := memPair(t)

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		done <- pipe(ctx, dialed, strings.NewReader("bye"), io.Discard, true)
	}()

	// 对端从不写入，也能读到完整数据与 EOF
	got, err := io.ReadAll(accepted)
	if err != nil {
		t.Fatalf("读取失败: %v", err)
	}
	if string(got) != "bye" {
		t.Fatalf("数据不匹配: %q", got)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("pipe 失败: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("pipe 未在输入结束后返回")
	}
}
