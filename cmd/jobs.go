package cmd

import (
	"context"
	"errors"
	"fmt"
	"log"

	"Encore/core/jobs"
	"Encore/core/play"
	"Encore/server"

	"github.com/spf13/cobra"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "后台任务",
	Long:  `手动执行一次后台任务，不用等待定时调度。`,
}

var jobsRunCmd = &cobra.Command{
	Use:   "run <name>",
	Short: "立即执行一个任务",
	Long:  "立即执行一个任务。可用任务: " + jobs.JobRoyalty + ", " + jobs.JobAdSweep,
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		app, err := server.Bootstrap(ctx, cfg, server.Options{})
		if err != nil {
			log.Fatalf("初始化失败: %v", err)
		}
		defer app.Close()

		if err := app.Scheduler.RunNow(ctx, args[0]); err != nil {
			log.Fatalf("任务 %s 执行失败: %v", args[0], err)
		}
		fmt.Printf("任务 %s 执行完成。\n", args[0])
	},
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "列出已注册的任务",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("%-10s %s\n", jobs.JobRoyalty, cfg.RoyaltyCron)
		fmt.Printf("%-10s %s\n", jobs.JobAdSweep, cfg.AdSweepCron)
	},
}

var royaltyCmd = &cobra.Command{
	Use:   "royalty",
	Short: "把 Redis 中的计费播放结算进收益表",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		app, err := server.Bootstrap(ctx, cfg, server.Options{})
		if err != nil {
			log.Fatalf("初始化失败: %v", err)
		}
		defer app.Close()

		report, err := app.Royalty.Run(ctx)
		if errors.Is(err, play.ErrFlushInProgress) {
			fmt.Println("另一个进程正在结算，稍后再试")
			return
		}
		if err != nil {
			log.Fatalf("结算失败: %v", err)
		}
		fmt.Printf("结算完成: %d 条记录, 跳过 %d 条已入账记录, %d 次播放, 版税 %d 分\n",
			report.Entries, report.Skipped, report.Plays, report.RoyaltyCents)
	},
}

func init() {
	jobsCmd.AddCommand(jobsRunCmd, jobsListCmd, royaltyCmd)
	rootCmd.AddCommand(jobsCmd)
}
