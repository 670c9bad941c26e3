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
		Use:   "fetch [PROJECT...]",
		Short: "YouTrackからイシューを取得してキャッシュに保存します",
		Long: `YouTrackデータ取得ツール

YouTrack REST APIからプロジェクトのイシュー、作業ログ、スプリント情報を取得し、
<data_storage_path>/<PROJECT>/ 以下にJSONとして保存します。
save_attachments が true の場合は添付ファイルもダウンロードします。

PROJECT を省略した場合は設定ファイルの project_name を使用します。

環境変数:
  YOUTRACK_API_URL    YouTrack API URL (api_url より優先)
  YOUTRACK_TOKEN      YouTrack APIトークン (youtrack_token_path が未指定の場合)`,
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

			utils.LogInfo("YouTrackデータ取得ツール")
			svc := services.NewMigrationService(cfg, api.NewYouTrackClient())
			return svc.RunProjects(cmd.Context(), args, func(ctx context.Context, project string) error {
				paths, err := svc.Fetch(ctx, project)
				if err != nil {
					return err
				}
				fmt.Println(paths.Issues)
				return nil
			})
		},
	}
	flags.BindFlags(cmd.PersistentFlags())

	if err := cmd.ExecuteContext(context.Background()); err != nil {
		utils.LogError("取得に失敗しました: %v", err)
		os.Exit(1)
	}
}
