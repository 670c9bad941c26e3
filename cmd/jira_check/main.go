package main

import (
	"context"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"youtracktojira/api"
	"youtracktojira/config"
	"youtracktojira/services"
	"youtracktojira/utils"
)

func main() {
	flags := config.NewFlags()

	cmd := &cobra.Command{
		Use:   "jira_check",
		Short: "JIRAの認証情報とリンク種別の設定を確認します",
		Long: `JIRA設定確認ツール

JIRA APIの認証情報が正しく設定されているか、link_types に設定したリンク種別IDが
JIRAに存在するかを確認します。確認が成功すれば、出力したCSVをインポートできる可能性が高いです。

環境変数:
  JIRA_URL            JIRA URL (必須)
  JIRA_EMAIL          JIRA APIアカウントのメールアドレス (必須)
  JIRA_API_TOKEN      JIRA APIトークン (必須)`,
		Args:          cobra.NoArgs,
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
			return check(cmd.Context(), cfg)
		},
	}
	flags.BindFlags(cmd.PersistentFlags())

	if err := cmd.ExecuteContext(context.Background()); err != nil {
		utils.LogError("JIRA設定の確認に失敗しました: %v", err)
		utils.LogError("認証情報と link_types を確認してください。")
		os.Exit(1)
	}
}

func check(ctx context.Context, cfg *config.Config) error {
	client, err := api.NewJiraClient(cfg)
	if err != nil {
		return err
	}

	utils.LogInfo("JIRA APIの認証を確認しています...")
	user, err := client.CheckAuth(ctx)
	if err != nil {
		return err
	}
	log.WithFields(log.Fields{"url": cfg.JiraURL, "user": user}).Info("JIRA認証成功！")

	utils.LogInfo("リンク種別を確認しています...")
	if err := client.ValidateLinkTypes(ctx); err != nil {
		return err
	}

	// 標準の列以外はJIRAに同名のフィールドが必要
	missing, err := client.MissingFields(ctx, services.CustomColumns(services.ColumnOrder(cfg)))
	if err != nil {
		return err
	}
	for _, name := range missing {
		utils.LogWarn("JIRAに列 %q と同名のフィールドがありません。インポート時に手動で対応付けてください", name)
	}

	utils.LogInfo("JIRAの設定は正常です。")
	return nil
}
