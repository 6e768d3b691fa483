package cmd

import (
	"context"
	"fmt"
	"log"
	"time"

	"Encore/server"

	"github.com/spf13/cobra"
)

var emailTo string

var emailCmd = &cobra.Command{
	Use:   "email",
	Short: "邮件工具",
}

var emailTestCmd = &cobra.Command{
	Use:   "test",
	Short: "通过 Resend 发送一封测试邮件",
	Long:  `发送测试邮件并写入 email_logs，用于检查 RESEND_API_KEY 和发件地址是否配置正确。`,
	Run: func(cmd *cobra.Command, args []string) {
		if !cfg.EmailEnabled() {
			log.Fatal("未配置 RESEND_API_KEY")
		}
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		app, err := server.Bootstrap(ctx, cfg, server.Options{})
		if err != nil {
			log.Fatalf("初始化失败: %v", err)
		}
		defer app.Close()

		entry, err := app.Deps.Mailer.SendTest(ctx, emailTo)
		if err != nil {
			log.Fatalf("测试邮件发送失败: %v", err)
		}
		fmt.Printf("测试邮件已发送: id=%s, 尝试 %d 次\n", entry.ProviderID, entry.Attempts)
	},
}

func init() {
	emailTestCmd.Flags().StringVar(&emailTo, "to", "", "收件人")
	_ = emailTestCmd.MarkFlagRequired("to")
	emailCmd.AddCommand(emailTestCmd)
	rootCmd.AddCommand(emailCmd)
}
