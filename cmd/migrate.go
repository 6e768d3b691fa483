package cmd

import (
	"fmt"
	"log"

	"Encore/db"
	"Encore/model"

	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "数据库迁移",
	Long:  `连接MySQL并自动迁移所有数据表。服务启动时也会执行同样的迁移。`,
	Run: func(cmd *cobra.Command, args []string) {
		if err := db.ConnectGormDB(cfg); err != nil {
			log.Fatalf("无法连接到数据库: %v", err)
		}
		defer db.CloseGormDB()

		models := model.AllModels()
		if err := db.AutoMigrateModels(models...); err != nil {
			log.Fatalf("数据库迁移失败: %v", err)
		}
		fmt.Printf("数据库迁移完成，共 %d 张表。\n", len(models))
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
