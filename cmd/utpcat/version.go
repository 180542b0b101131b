package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

var (
	Version   = "0.1.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "显示版本",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "utpcat v%s\n", Version)
		fmt.Fprintf(out, "  Build: %s\n", BuildTime)
		fmt.Fprintf(out, "  Commit: %s\n", GitCommit)
		fmt.Fprintf(out, "  Go: %s\n", runtime.Version())
		fmt.Fprintf(out, "  OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		fmt.Fprintln(out)
		fmt.Fprintln(out, "支持通道:")
		fmt.Fprintln(out, "  - udp       : 原生 UDP 数据报")
		fmt.Fprintln(out, "  - websocket : WebSocket 二进制消息")
		fmt.Fprintln(out, "  - quic      : QUIC 不可靠数据报 (TLS 加密)")
	},
}
