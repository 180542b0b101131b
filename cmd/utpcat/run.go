// =============================================================================
// 文件: cmd/utpcat/run.go
// 描述: 运行环境 - 端点、指标服务器与双向拷贝
// =============================================================================
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mrcgq/utpmux/internal/metrics"
	"github.com/mrcgq/utpmux/internal/underlay"
	"github.com/mrcgq/utpmux/pkg/utp"
)

// env 一次运行所需的组件
type env struct {
	ep            *utp.Endpoint
	metricsServer *metrics.MetricsServer
}

// setup 创建端点与可选的指标服务器
func setup(ctx context.Context, listen string) (*env, error) {
	opts := utp.Options{
		Transport: cfg.Transport.ToTransportConfig(),
		Logger:    log,
		Path:      cfg.Underlay.Path,
	}

	if cfg.Underlay.Kind == utp.KindQUIC && cfg.Underlay.CertFile != "" {
		tlsConf, err := underlay.LoadTLSConfig(cfg.Underlay.CertFile, cfg.Underlay.KeyFile)
		if err != nil {
			return nil, err
		}
		opts.TLSConfig = tlsConf
	}

	e := &env{}
	if cfg.Metrics.Enabled {
		e.metricsServer = metrics.NewMetricsServer(metrics.ServerConfig{
			Listen:      cfg.Metrics.Listen,
			MetricsPath: cfg.Metrics.Path,
			HealthPath:  cfg.Metrics.HealthPath,
			EnablePprof: cfg.Metrics.EnablePprof,
			Version:     Version,
		}, log)
		opts.Metrics = metrics.NewTransportMetrics(e.metricsServer.Registry())
	}

	ep, err := utp.Listen(cfg.Underlay.Kind, listen, opts)
	if err != nil {
		return nil, err
	}
	e.ep = ep

	if e.metricsServer != nil {
		if err := e.metricsServer.WatchRouter(ep.Router()); err != nil {
			ep.Close()
			return nil, err
		}
		if err := e.metricsServer.Start(ctx); err != nil {
			ep.Close()
			return nil, fmt.Errorf("启动指标服务失败: %w", err)
		}
	}

	log.Info("端点已启动",
		zap.String("underlay", cfg.Underlay.Kind),
		zap.Stringer("addr", ep.Addr()))
	return e, nil
}

func (e *env) close() {
	if e.metricsServer != nil {
		e.metricsServer.Stop()
	}
	e.ep.Close()
}

// pipe in 写往连接，连接数据写往 out
//
// 关闭是全关闭：本端 FIN 被确认后不再接收对端数据。默认在 in 结束后
// 继续接收，直到对端结束再关闭；closeOnEOF 时 in 一结束就关闭。
func pipe(ctx context.Context, conn *utp.Conn, in io.Reader, out io.Writer, closeOnEOF bool) error {
	var g errgroup.Group
	readDone := make(chan struct{})

	g.Go(func() error {
		defer close(readDone)
		n, err := io.Copy(out, conn)
		log.Debug("连接读取结束", zap.Int64("bytes", n), zap.Error(err))
		// 本端关闭后的读取错误是正常结束
		if err != nil && !errors.Is(err, net.ErrClosed) {
			return fmt.Errorf("接收失败: %w", err)
		}
		return nil
	})

	// in 上的阻塞读无法取消，不放入 errgroup
	writeDone := make(chan error, 1)
	go func() {
		n, err := io.Copy(conn, in)
		log.Debug("标准输入结束", zap.Int64("bytes", n), zap.Error(err))
		if err != nil {
			err = fmt.Errorf("发送失败: %w", err)
		}
		writeDone <- err
	}()

	select {
	case err := <-writeDone:
		if err != nil {
			conn.Socket().Destroy()
			_ = g.Wait()
			return err
		}
		if !closeOnEOF {
			select {
			case <-readDone:
			case <-ctx.Done():
				conn.Socket().Destroy()
				return nil
			}
		}
	case <-readDone:
	case <-ctx.Done():
		conn.Socket().Destroy()
		return nil
	}

	closeCtx, cancel := context.WithTimeout(ctx, conn.Socket().Router().Config().CloseTimeout)
	defer cancel()
	closeErr := conn.CloseWait(closeCtx)
	if err := g.Wait(); err != nil {
		return err
	}
	return closeErr
}
