// =============================================================================
// 文件: cmd/utpcat/dial.go
// 描述: dial 子命令 - 连接对端并与标准输入输出互拷
// =============================================================================
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mrcgq/utpmux/internal/transport"
)

var dialTimeout time.Duration

var dialCmd = &cobra.Command{
	Use:   "dial <addr>",
	Short: "连接对端",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		e, err := setup(ctx, bindAddr)
		if err != nil {
			return err
		}
		defer e.close()

		dctx, cancel := context.WithTimeout(ctx, dialTimeout)
		conn, err := e.ep.Dial(dctx, args[0])
		cancel()
		if err != nil {
			return err
		}
		log.Info("连接已建立",
			zap.Stringer("peer", conn.RemoteAddr()),
			zap.Uint16("conn_id", conn.Socket().ConnectionID()))

		err = pipe(ctx, conn, os.Stdin, os.Stdout, closeOnEOF)
		logStats(conn.Socket().Stats())
		return err
	},
}

func init() {
	dialCmd.Flags().StringVar(&bindAddr, "bind", ":0", "本端绑定地址")
	dialCmd.Flags().DurationVar(&dialTimeout, "timeout", 30*time.Second, "连接超时")
}

// logStats 输出连接统计
func logStats(st transport.Stats) {
	log.Info("连接统计",
		zap.String("state", st.State),
		zap.Uint64("packets_sent", st.PacketsSent),
		zap.Uint64("packets_recv", st.PacketsRecv),
		zap.Uint64("bytes_sent", st.BytesSent),
		zap.Uint64("bytes_recv", st.BytesRecv),
		zap.Uint64("retransmits", st.Retransmits),
		zap.Duration("srtt", st.SRTT),
		zap.Int("cwnd", st.CongestionWnd))
}
