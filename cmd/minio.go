package cmd

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"Encore/storage"

	"github.com/spf13/cobra"
)

var minioPrefix string

var minioCmd = &cobra.Command{
	Use:   "minio",
	Short: "MinIO存储桶统计",
	Long:  `连接MinIO并统计存储桶用量，按音频、封面等类别汇总。可用 --prefix 只统计某个艺人的目录，例如 audio/12/。`,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("开始连接MinIO服务器...")
		fmt.Printf("MinIO配置: %s, Bucket: %s\n", cfg.MinioEndpoint, cfg.MinioBucket)

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		store, err := storage.InitMinio(ctx, cfg)
		if err != nil {
			log.Fatalf("无法连接到MinIO: %v", err)
		}
		fmt.Println("MinIO连接成功！")

		usage, err := store.Usage(ctx, minioPrefix)
		if err != nil {
			log.Fatalf("获取存储桶统计信息失败: %v", err)
		}

		fmt.Printf("\n前缀: %q\n", minioPrefix)
		fmt.Printf("对象数: %d\n", usage.TotalObjects)
		fmt.Printf("总大小: %s\n", storage.FormatSize(usage.TotalBytes))
		kinds := make([]string, 0, len(usage.ByKind))
		for kind := range usage.ByKind {
			kinds = append(kinds, kind)
		}
		sort.Strings(kinds)
		for _, kind := range kinds {
			fmt.Printf("  %-8s %s\n", kind, storage.FormatSize(usage.ByKind[kind]))
		}
		if !usage.LastModified.IsZero() {
			fmt.Printf("最后修改: %s\n", usage.LastModified.Format(time.RFC3339))
		}
	},
}

func init() {
	minioCmd.Flags().StringVarP(&minioPrefix, "prefix", "p", "", "只统计该前缀下的对象")
	rootCmd.AddCommand(minioCmd)
}
