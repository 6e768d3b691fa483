package cmd

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"Encore/db"
	"Encore/model"
	"Encore/seed"

	"github.com/spf13/cobra"
)

var (
	seedFile          string
	seedAdminEmail    string
	seedAdminPassword string
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "写入演示数据",
	Long: `写入演示用的艺人、歌曲、订阅档位和广告。已存在的数据不会被覆盖，可以重复执行。
同时指定 --admin-email 和 --admin-password 时会创建管理员账号。`,
	Run: func(cmd *cobra.Command, args []string) {
		fixtures, err := loadFixtures()
		if err != nil {
			log.Fatalf("读取演示数据失败: %v", err)
		}

		if err := db.ConnectGormDB(cfg); err != nil {
			log.Fatalf("无法连接到数据库: %v", err)
		}
		defer db.CloseGormDB()
		if err := db.AutoMigrateModels(model.AllModels()...); err != nil {
			log.Fatalf("数据库迁移失败: %v", err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		report, err := seed.Apply(ctx, db.GormDB, fixtures, seed.Options{
			AdminEmail:    seedAdminEmail,
			AdminPassword: seedAdminPassword,
		})
		if err != nil {
			log.Fatalf("写入演示数据失败: %v", err)
		}
		fmt.Printf("新增 用户 %d, 艺人 %d, 档位 %d, 歌曲 %d, 广告 %d\n",
			report.Users, report.Artists, report.Tiers, report.Tracks, report.Ads)
	},
}

func loadFixtures() (*seed.Fixtures, error) {
	if seedFile == "" {
		return seed.Load()
	}
	data, err := os.ReadFile(seedFile)
	if err != nil {
		return nil, err
	}
	return seed.Parse(data)
}

func init() {
	seedCmd.Flags().StringVarP(&seedFile, "file", "f", "", "使用该 YAML 文件代替内置演示数据")
	seedCmd.Flags().StringVar(&seedAdminEmail, "admin-email", os.Getenv("SEED_ADMIN_EMAIL"), "管理员邮箱")
	seedCmd.Flags().StringVar(&seedAdminPassword, "admin-password", os.Getenv("SEED_ADMIN_PASSWORD"), "管理员密码")
	rootCmd.AddCommand(seedCmd)
}
