package cmd

import (
	"github.com/spf13/cobra"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "启动Encore服务器",
	Long:  `启动Encore的HTTP服务器：REST API、创作者实时统计WebSocket、Stripe webhook，以及后台结算任务。`,
	Run: func(cmd *cobra.Command, args []string) {
		runServer()
	},
}

func init() {
	rootCmd.AddCommand(serverCmd)
}
