package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mrcgq/utpmux/internal/config"
)

var genConfigOut string

var genConfigCmd = &cobra.Command{
	Use:   "gen-config",
	Short: "生成示例配置文件",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if genConfigOut == "-" {
			fmt.Fprint(cmd.OutOrStdout(), config.GenerateExampleConfig())
			return nil
		}
		if err := config.WriteExampleConfig(genConfigOut); err != nil {
			return fmt.Errorf("生成配置失败: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "已生成示例配置文件: %s\n", genConfigOut)
		return nil
	},
}

func init() {
	genConfigCmd.Flags().StringVarP(&genConfigOut, "output", "o", "utpcat.example.yaml", "输出路径，- 表示标准输出")
}
