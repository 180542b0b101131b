package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mrcgq/utpmux/internal/config"
)

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"version"})
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("执行失败: %v", err)
	}
	if !strings.Contains(out.String(), "utpcat v"+Version) {
		t.Fatalf("输出缺少版本: %q", out.String())
	}
}

func TestGenConfigCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.yaml")

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"gen-config", "-o", path})
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("执行失败: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("配置文件未生成: %v", err)
	}
	if _, err := config.Load(path); err != nil {
		t.Fatalf("生成的配置无法加载: %v", err)
	}
}

func TestDialRequiresAddr(t *testing.T) {
	rootCmd.SetArgs([]string{"dial"})
	if err := rootCmd.Execute(); err == nil {
		t.Fatal("缺少地址时应报错")
	}
}
