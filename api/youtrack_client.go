package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"golang.org/x/sync/errgroup"

	"youtracktojira/config"
	"youtracktojira/models"
)

const projectFields = "id,name,shortName,description"

const agileFields = "id,name,projects(shortName),sprints(name,goal,start,finish,id)"

const attachmentFields = "name,mimeType,extension,url"

// YouTrackClient はYouTrack REST APIとのやり取りを処理します
type YouTrackClient struct {
	client *retryablehttp.Client
}

// NewYouTrackClient は新しいYouTrackクライアントを作成します。
// 接続エラーと5xx応答は自動的にリトライされます。
func NewYouTrackClient() *YouTrackClient {
	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.HTTPClient.Timeout = 2 * time.Minute
	client.Logger = leveledLogger{entry: log.WithField("client", "youtrack")}
	return &YouTrackClient{client: client}
}

// Download はプロジェクト情報、イシュー (作業ログをマージ済み)、アジャイルボードを取得します
func (y *YouTrackClient) Download(ctx context.Context, cfg *config.Config) (*models.Snapshot, error) {
	token, err := cfg.BearerToken()
	if err != nil {
		return nil, err
	}

	log.Info("YouTrackプロジェクトIDを取得しています...")
	project, err := y.findProject(ctx, cfg, token)
	if err != nil {
		return nil, err
	}

	issues, err := y.fetchIssues(ctx, cfg, token, project.ID)
	if err != nil {
		return nil, err
	}

	issues, err = y.mergeWorkItems(ctx, cfg, token, issues)
	if err != nil {
		return nil, err
	}

	boards, err := y.fetchBoards(ctx, cfg, token)
	if err != nil {
		return nil, err
	}

	return &models.Snapshot{Project: project, Issues: issues, Boards: boards}, nil
}

func (y *YouTrackClient) findProject(ctx context.Context, cfg *config.Config, token string) (models.Project, error) {
	body, err := y.get(ctx, cfg.APIURL+"admin/projects", token, url.Values{
		"fields": {projectFields},
		"$top":   {"-1"},
	})
	if err != nil {
		return models.Project{}, errors.Wrap(err, "プロジェクト一覧の取得に失敗しました")
	}
	var projects []models.Project
	if err := json.Unmarshal(body, &projects); err != nil {
		return models.Project{}, errors.Wrap(err, "プロジェクト一覧のデコードに失敗しました")
	}

	choices := make([]string, 0, len(projects))
	for _, p := range projects {
		if p.ShortName == cfg.ProjectName {
			return p, nil
		}
		choices = append(choices, p.ShortName)
	}
	return models.Project{}, errors.Errorf("プロジェクト %s が存在しません。選択肢: %v", cfg.ProjectName, choices)
}

// fetchIssues は start_issue から num_issues_to_retrieve 件までをページ単位で取得します
func (y *YouTrackClient) fetchIssues(ctx context.Context, cfg *config.Config, token, projectID string) ([]json.RawMessage, error) {
	log.WithFields(log.Fields{"start": cfg.StartIssue, "count": cfg.NumIssues.String()}).
		Info("YouTrackからイシューを取得しています...")

	endpoint := cfg.APIURL + "admin/projects/" + url.PathEscape(projectID) + "/issues"
	fields := config.CompactFields(cfg.IssueFields)
	skip := cfg.StartIssue - 1

	var issues []json.RawMessage
	for {
		top := cfg.PageSize
		if !cfg.NumIssues.All() {
			remaining := int(cfg.NumIssues) - len(issues)
			if remaining <= 0 {
				break
			}
			if remaining < top {
				top = remaining
			}
		}

		body, err := y.get(ctx, endpoint, token, url.Values{
			"fields": {fields},
			"$skip":  {strconv.Itoa(skip + len(issues))},
			"$top":   {strconv.Itoa(top)},
		})
		if err != nil {
			return nil, errors.Wrap(err, "イシューの取得に失敗しました")
		}
		page, err := rawArray(body)
		if err != nil {
			return nil, errors.Wrap(err, "イシュー")
		}
		issues = append(issues, page...)
		log.WithField("issues", len(issues)).Debug("イシューを取得しました")

		if len(page) < top {
			break
		}
	}

	log.WithField("issues", len(issues)).Info("イシューの取得が完了しました")
	return issues, nil
}

// mergeWorkItems はプロジェクトの作業ログを取得し、各イシューの "worklogs" に追加します
func (y *YouTrackClient) mergeWorkItems(ctx context.Context, cfg *config.Config, token string, issues []json.RawMessage) ([]json.RawMessage, error) {
	log.Info("作業ログを取得しています...")
	body, err := y.get(ctx, cfg.APIURL+"workItems", token, url.Values{
		"fields": {config.CompactFields(cfg.WorkItemFields)},
		"query":  {fmt.Sprintf("project: {%s}", cfg.ProjectName)},
		"$top":   {"-1"},
	})
	if err != nil {
		return nil, errors.Wrap(err, "作業ログの取得に失敗しました")
	}
	items, err := rawArray(body)
	if err != nil {
		return nil, errors.Wrap(err, "作業ログ")
	}

	byIssue := map[string][]json.RawMessage{}
	for _, item := range items {
		key := gjson.GetBytes(item, "issue.idReadable").String()
		byIssue[key] = append(byIssue[key], item)
	}

	merged := make([]json.RawMessage, len(issues))
	for i, issue := range issues {
		key := gjson.GetBytes(issue, "idReadable").String()
		worklogs, ok := byIssue[key]
		if !ok {
			merged[i] = issue
			continue
		}
		raw, err := json.Marshal(worklogs)
		if err != nil {
			return nil, errors.Wrap(err, "JSONエンコードエラー")
		}
		out, err := sjson.SetRawBytes(issue, "worklogs", raw)
		if err != nil {
			return nil, errors.Wrapf(err, "イシュー %s への作業ログのマージに失敗しました", key)
		}
		merged[i] = out
		delete(byIssue, key)
	}

	if len(byIssue) > 0 {
		log.WithField("issues", len(byIssue)).Debug("取得範囲外のイシューの作業ログは無視しました")
	}
	return merged, nil
}

// fetchBoards はプロジェクトを含むアジャイルボードとスプリントを取得します
func (y *YouTrackClient) fetchBoards(ctx context.Context, cfg *config.Config, token string) ([]models.AgileBoard, error) {
	log.Info("スプリント情報を取得しています...")
	body, err := y.get(ctx, cfg.APIURL+"agiles", token, url.Values{
		"fields": {agileFields},
		"$top":   {"-1"},
	})
	if err != nil {
		return nil, errors.Wrap(err, "アジャイルボードの取得に失敗しました")
	}
	var all []models.AgileBoard
	if err := json.Unmarshal(body, &all); err != nil {
		return nil, errors.Wrap(err, "アジャイルボードのデコードに失敗しました")
	}

	boards := []models.AgileBoard{}
	for _, board := range all {
		for _, p := range board.Projects {
			if p.ShortName == cfg.ProjectName {
				boards = append(boards, board)
				break
			}
		}
	}
	return boards, nil
}

// SaveAttachments はイシューの添付ファイルを dir/<イシューキー>/<ファイル名> に保存します。
// ダウンロードは max_concurrent 件まで並行して行います。
func (y *YouTrackClient) SaveAttachments(ctx context.Context, cfg *config.Config, issues []models.Issue, dir string) error {
	token, err := cfg.BearerToken()
	if err != nil {
		return err
	}
	base, err := attachmentBase(cfg)
	if err != nil {
		return err
	}

	log.Info("添付ファイルの一覧を取得しています...")
	var attachments []models.Attachment
	for _, issue := range issues {
		body, err := y.get(ctx, cfg.APIURL+"issues/"+url.PathEscape(issue.ID)+"/attachments", token, url.Values{
			"fields": {attachmentFields},
			"$top":   {"-1"},
		})
		if err != nil {
			return errors.Wrapf(err, "イシュー %s の添付ファイル一覧の取得に失敗しました", issue.IDReadable)
		}
		var list []models.Attachment
		if err := json.Unmarshal(body, &list); err != nil {
			return errors.Wrapf(err, "イシュー %s の添付ファイル一覧のデコードに失敗しました", issue.IDReadable)
		}
		for _, a := range list {
			a.IssueKey = issue.IDReadable
			attachments = append(attachments, a)
		}
	}

	log.WithField("attachments", len(attachments)).Info("添付ファイルをダウンロードしています...")
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.MaxConcurrent)
	for _, a := range attachments {
		a := a
		g.Go(func() error {
			return y.download(gctx, base+a.URL, token, filepath.Join(dir, a.IssueKey, filepath.Base(a.Name)))
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	log.WithField("attachments", len(attachments)).Info("添付ファイルのダウンロードが完了しました")
	return nil
}

func (y *YouTrackClient) download(ctx context.Context, fileURL, token, path string) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return errors.Wrap(err, "リクエスト作成エラー")
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := y.client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "添付ファイル %s のダウンロードに失敗しました", fileURL)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("添付ファイル %s のダウンロードに失敗しました: ステータス %d", fileURL, resp.StatusCode)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "フォルダ作成エラー")
	}
	file, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "ファイル作成エラー")
	}
	defer file.Close()
	if _, err := io.Copy(file, resp.Body); err != nil {
		return errors.Wrapf(err, "%s の書き込みに失敗しました", path)
	}
	log.WithField("path", path).Debug("添付ファイルを保存しました")
	return nil
}

// get はAPIにGETリクエストを送り、応答本文を返します
func (y *YouTrackClient) get(ctx context.Context, endpoint, token string, query url.Values) ([]byte, error) {
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, errors.Wrap(err, "リクエスト作成エラー")
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := y.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "リクエスト送信エラー")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "レスポンス読み込みエラー")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("APIエラー: ステータス %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}

// attachmentBase は添付ファイルURLの前に付けるベースURLを返します。
// 未設定の場合は api_url のスキームとホストを使います。
func attachmentBase(cfg *config.Config) (string, error) {
	if cfg.AttachmentBaseURL != "" {
		return strings.TrimRight(cfg.AttachmentBaseURL, "/"), nil
	}
	u, err := url.Parse(cfg.APIURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", errors.Wrapf(config.ErrInvalid, "api_url %q から添付ファイルのURLを決定できません", cfg.APIURL)
	}
	return u.Scheme + "://" + u.Host, nil
}

func rawArray(body []byte) ([]json.RawMessage, error) {
	res := gjson.ParseBytes(body)
	if !res.IsArray() {
		return nil, errors.New("JSON配列ではない応答を受け取りました")
	}
	var raws []json.RawMessage
	res.ForEach(func(_, value gjson.Result) bool {
		raws = append(raws, json.RawMessage(value.Raw))
		return true
	})
	return raws, nil
}

// leveledLogger はリトライのログを logrus に出力します
type leveledLogger struct {
	entry *log.Entry
}

func (l leveledLogger) fields(keysAndValues []interface{}) *log.Entry {
	entry := l.entry
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		entry = entry.WithField(fmt.Sprint(keysAndValues[i]), keysAndValues[i+1])
	}
	return entry
}

func (l leveledLogger) Error(msg string, keysAndValues ...interface{}) {
	l.fields(keysAndValues).Error(msg)
}

func (l leveledLogger) Info(msg string, keysAndValues ...interface{}) {
	l.fields(keysAndValues).Info(msg)
}

func (l leveledLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.fields(keysAndValues).Debug(msg)
}

func (l leveledLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.fields(keysAndValues).Warn(msg)
}
