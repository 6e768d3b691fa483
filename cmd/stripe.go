package cmd

import (
	"context"
	"fmt"
	"log"
	"time"

	"Encore/server"

	"github.com/spf13/cobra"
)

var stripeAmount int64

var stripeCmd = &cobra.Command{
	Use:   "stripe",
	Short: "支付工具",
}

var stripeTestCmd = &cobra.Command{
	Use:   "test",
	Short: "创建一个 Stripe 测试结账会话",
	Long:  `用当前的 STRIPE_SECRET_KEY 创建一次性支付会话并打印支付链接，金额不少于 50 分。`,
	Run: func(cmd *cobra.Command, args []string) {
		if !cfg.StripeEnabled() {
			log.Fatal("未配置 STRIPE_SECRET_KEY")
		}
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		app, err := server.Bootstrap(ctx, cfg, server.Options{})
		if err != nil {
			log.Fatalf("初始化失败: %v", err)
		}
		defer app.Close()

		sess, err := app.Deps.Billing.TestSession(ctx, stripeAmount)
		if err != nil {
			log.Fatalf("创建测试会话失败: %v", err)
		}
		fmt.Printf("会话 %s\n%s\n", sess.ID, sess.URL)
	},
}

func init() {
	stripeTestCmd.Flags().Int64Var(&stripeAmount, "amount", 100, "金额（分）")
	stripeCmd.AddCommand(stripeTestCmd)
	rootCmd.AddCommand(stripeCmd)
}
