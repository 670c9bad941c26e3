package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"youtracktojira/api"
	"youtracktojira/config"
	"youtracktojira/services"
	"youtracktojira/utils"
)

func main() {
	flags := config.NewFlags()

	cmd := &cobra.Command{
		Use:   "convert [PROJECT...]",
		Short: "YouTrackのイシューをJIRAインポート用CSVに変換します",
		Long: `YouTrack → JIRA CSV 変換ツール

キャッシュ済みのYouTrackデータ (prefer_api が true の場合やキャッシュがない場合はAPI) を読み込み、
<data_storage_path>/<PROJECT>/<PROJECT>_jira_issues.csv を出力します。
出力したCSVはJIRAのCSVインポーターで取り込みます。

設定エラー (未定義のリンク種別など) がある場合はCSVを出力せずに終了します。
PROJECT を省略した場合は設定ファイルの project_name を使用します。`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(flags.Path)
			if err != nil {
				return err
			}
			if err := utils.SetupLogging(flags.Level(cfg)); err != nil {
				return err
			}

			utils.LogInfo("YouTrack → JIRA CSV 変換ツール")
			var fetcher services.Fetcher
			if cfg.APIURL != "" {
				fetcher = api.NewYouTrackClient()
			}
			svc := services.NewMigrationService(cfg, fetcher)
			return svc.RunProjects(cmd.Context(), args, func(ctx context.Context, project string) error {
				path, err := svc.Convert(ctx, project)
				if err != nil {
					return err
				}
				fmt.Println(path)
				return nil
			})
		},
	}
	flags.BindFlags(cmd.PersistentFlags())

	if err := cmd.ExecuteContext(context.Background()); err != nil {
		utils.LogError("変換に失敗しました: %v", err)
		os.Exit(1)
	}
}
