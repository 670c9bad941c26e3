package api

import (
	"context"
	"net/http"
	"sort"
	"strings"

	"github.com/andygrunwald/go-jira"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"youtracktojira/config"
)

// JiraClient は移行先のJIRAとのやり取りを処理します (インポート前の確認用)
type JiraClient struct {
	config *config.Config
	client *jira.Client
}

// NewJiraClient は新しいJIRAクライアントを作成します
func NewJiraClient(cfg *config.Config) (*JiraClient, error) {
	if cfg.JiraURL == "" || cfg.JiraEmail == "" || cfg.JiraAPIToken == "" {
		return nil, errors.Wrap(config.ErrInvalid, "JIRA_URL, JIRA_EMAIL, JIRA_API_TOKEN を設定してください")
	}
	transport := jira.BasicAuthTransport{
		Username: cfg.JiraEmail,
		Password: cfg.JiraAPIToken,
	}
	client, err := jira.NewClient(transport.Client(), cfg.JiraURL)
	if err != nil {
		return nil, errors.Wrap(err, "JIRAクライアントの作成に失敗しました")
	}
	return &JiraClient{config: cfg, client: client}, nil
}

// CheckAuth はJIRA認証をチェックし、ログインユーザーの表示名を返します
func (j *JiraClient) CheckAuth(ctx context.Context) (string, error) {
	user, _, err := j.client.User.GetSelfWithContext(ctx)
	if err != nil {
		return "", errors.Wrap(err, "認証失敗")
	}
	return user.DisplayName, nil
}

// LinkTypes はJIRAに定義されたリンク種別を ID→種別 で返します
func (j *JiraClient) LinkTypes(ctx context.Context) (map[string]jira.IssueLinkType, error) {
	req, err := j.client.NewRequestWithContext(ctx, http.MethodGet, "rest/api/2/issueLinkType", nil)
	if err != nil {
		return nil, errors.Wrap(err, "リクエスト作成エラー")
	}
	// 応答は {"issueLinkTypes": [...]} の形式
	var result struct {
		IssueLinkTypes []jira.IssueLinkType `json:"issueLinkTypes"`
	}
	if _, err := j.client.Do(req, &result); err != nil {
		return nil, errors.Wrap(err, "リンク種別の取得に失敗しました")
	}
	types := make(map[string]jira.IssueLinkType, len(result.IssueLinkTypes))
	for _, t := range result.IssueLinkTypes {
		types[t.ID] = t
	}
	return types, nil
}

// ValidateLinkTypes は link_types に設定されたすべてのIDがJIRAに存在するかを確認します
func (j *JiraClient) ValidateLinkTypes(ctx context.Context) error {
	types, err := j.LinkTypes(ctx)
	if err != nil {
		return err
	}

	var missing []string
	for name, id := range j.config.LinkTypes {
		if id == "" {
			continue
		}
		t, ok := types[id]
		if !ok {
			missing = append(missing, name+"="+id)
			continue
		}
		log.WithFields(log.Fields{"youtrack": name, "id": id, "jira": t.Name}).Debug("リンク種別を確認しました")
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return errors.Wrapf(config.ErrInvalid, "JIRAに存在しないリンク種別IDがあります: %s", strings.Join(missing, ", "))
	}
	return nil
}

// MissingFields は names のうちJIRAのフィールド名に存在しないものを返します (大文字小文字は区別しない)
func (j *JiraClient) MissingFields(ctx context.Context, names []string) ([]string, error) {
	fields, _, err := j.client.Field.GetListWithContext(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "フィールド一覧の取得に失敗しました")
	}
	known := make(map[string]bool, len(fields))
	for _, f := range fields {
		known[strings.ToLower(f.Name)] = true
	}

	var missing []string
	for _, name := range names {
		if !known[strings.ToLower(name)] {
			missing = append(missing, name)
		}
	}
	return missing, nil
}
