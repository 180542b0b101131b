// =============================================================================
// 文件: cmd/utpcat/main.go
// 描述: 主程序入口
// =============================================================================
package main

func main() {
	Execute()
}
