// =============================================================================
// 文件: cmd/utpcat/listen.go
// 描述: listen 子命令 - 接受一条连接并与标准输入输出互拷
// =============================================================================
package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var listenCmd = &cobra.Command{
	Use:   "listen [addr]",
	Short: "监听并接受一条连接",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		addr := cfg.Underlay.Listen
		if len(args) == 1 {
			addr = args[0]
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		e, err := setup(ctx, addr)
		if err != nil {
			return err
		}
		defer e.close()

		conn, err := e.ep.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		log.Info("接受连接",
			zap.Stringer("peer", conn.RemoteAddr()),
			zap.Uint16("conn_id", conn.Socket().ConnectionID()))

		err = pipe(ctx, conn, os.Stdin, os.Stdout, closeOnEOF)
		logStats(conn.Socket().Stats())
		return err
	},
}
