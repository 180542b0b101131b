// =============================================================================
// 文件: cmd/utpcat/root.go
// 描述: 根命令 - 加载配置与日志
// =============================================================================
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mrcgq/utpmux/internal/config"
	"github.com/mrcgq/utpmux/internal/logging"
)

var (
	cfgFile    string
	kindFlag   string
	logLevel   string
	bindAddr   string
	closeOnEOF bool

	cfg *config.Config
	log *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "utpcat",
	Short: "在数据报通道上收发可靠字节流",
	Long: `utpcat 在 UDP / WebSocket / QUIC 数据报通道上建立可靠、有序、
LEDBAT 拥塞控制的字节流，将标准输入输出与远端连接互相拷贝。`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// 这些命令不需要配置
		if cmd.Name() == "version" || cmd.Name() == "gen-config" {
			return nil
		}

		var err error
		if cfgFile != "" {
			cfg, err = config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("加载配置失败: %w", err)
			}
		} else {
			cfg = config.DefaultConfig()
		}

		if kindFlag != "" {
			cfg.Underlay.Kind = kindFlag
		}
		if logLevel != "" {
			cfg.LogLevel = logLevel
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("配置无效: %w", err)
		}

		log, err = logging.New(cfg.LogLevel, cfg.LogFormat)
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if log != nil {
			_ = log.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "配置文件路径")
	rootCmd.PersistentFlags().StringVar(&kindFlag, "underlay", "", "底层通道: udp/websocket/quic (覆盖配置)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "日志级别 (覆盖配置)")
	rootCmd.PersistentFlags().BoolVarP(&closeOnEOF, "close-on-eof", "N", false, "标准输入结束后立即关闭连接，不再等待对端数据")

	rootCmd.AddCommand(listenCmd, dialCmd, genConfigCmd, versionCmd)
}

// Execute 执行根命令
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "错误:", err)
		os.Exit(1)
	}
}
