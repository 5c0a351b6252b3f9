// Command oraclectl 连接运行中的预言机智能体求签、查询记录，也可在本地计算解签。
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
