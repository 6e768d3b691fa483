package cmd

import (
	"context"
	"fmt"
	"log"
	"time"

	"Encore/cache"

	"github.com/spf13/cobra"
)

var redisTop int64

var redisCmd = &cobra.Command{
	Use:   "redis",
	Short: "检查Redis连接和播放计数",
	Long:  `检查Redis连接并做一次读写测试，然后打印待结算的计费播放数和今日热门歌曲。`,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Redis: %s:%s, DB: %d\n", cfg.RedisHost, cfg.RedisPort, cfg.RedisDB)
		if err := cache.ConnectRedis(cfg); err != nil {
			log.Fatalf("无法连接到Redis: %v", err)
		}
		defer func() {
			if err := cache.CloseRedis(); err != nil {
				log.Printf("关闭Redis连接时发生错误: %v", err)
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := cache.TestRedis(ctx, cache.RedisClient); err != nil {
			log.Fatalf("Redis读写测试失败: %v", err)
		}
		fmt.Println("连接和读写测试通过")

		counter := cache.NewPlayCounter(cache.RedisClient)
		backlog, err := counter.Backlog(ctx)
		if err != nil {
			log.Fatalf("读取待结算播放失败: %v", err)
		}
		fmt.Printf("待结算播放: %d\n", backlog)

		top, err := counter.Trending(ctx, time.Now(), 1, redisTop)
		if err != nil {
			log.Fatalf("读取热门榜失败: %v", err)
		}
		if len(top) == 0 {
			fmt.Println("今日暂无播放")
			return
		}
		fmt.Println("今日热门:")
		for i, e := range top {
			fmt.Printf("  %2d. track %-8d %d 次\n", i+1, e.TrackID, e.Plays)
		}
	},
}

func init() {
	redisCmd.Flags().Int64Var(&redisTop, "top", 5, "显示的热门歌曲数")
	rootCmd.AddCommand(redisCmd)
}
