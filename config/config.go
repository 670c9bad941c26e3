package config

import (
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// ErrInvalid は設定エラーを表します。変換前に検出され、実行を中止します
var ErrInvalid = errors.New("設定エラー")

// DefaultPath は設定ファイルの既定パスです
const DefaultPath = "youtrack_data_config.yml"

// Hierarchy は親リンクをたどってJIRAの階層を組み立てるための設定です
type Hierarchy struct {
	ParentLink   string   `yaml:"parent_link"`
	TypeField    string   `yaml:"type_field"`
	EpicTypes    []string `yaml:"epic_types"`    // → components
	FeatureTypes []string `yaml:"feature_types"` // → epic-link
	StoryTypes   []string `yaml:"story_types"`   // → parent-story
}

// Config はアプリケーション全体の設定を保持します
type Config struct {
	// YouTrack API設定
	ProjectName       string     `yaml:"project_name"`
	APIURL            string     `yaml:"api_url"`
	TokenPath         string     `yaml:"youtrack_token_path"`
	Token             string     `yaml:"-"`
	AttachmentBaseURL string     `yaml:"attachment_base_url"`
	StartIssue        int        `yaml:"start_issue"`
	NumIssues         IssueCount `yaml:"num_issues_to_retrieve"`
	PageSize          int        `yaml:"page_size"`
	IssueFields       string     `yaml:"issue_fields"`
	WorkItemFields    string     `yaml:"work_item_fields"`

	// ファイルパスとキャッシュ
	DataStoragePath string `yaml:"data_storage_path"`
	PreferAPI       bool   `yaml:"prefer_api"`
	SaveAttachments bool   `yaml:"save_attachments"`

	// マッピング表
	LinkTypes          map[string]string            `yaml:"link_types"`
	SymmetricLinkTypes []string                     `yaml:"symmetric_link_types"`
	FieldColumns       map[string]string            `yaml:"field_columns"`
	LabelColumns       []string                     `yaml:"label_columns"`
	ValueMaps          map[string]map[string]string `yaml:"value_maps"`
	Overrides          map[string]string            `yaml:"overrides"`
	OverflowColumn     string                       `yaml:"overflow_column"`
	SprintIDOffset     int                          `yaml:"sprint_id_offset"`
	SkipIssueTypes     []string                     `yaml:"skip_issue_types"`
	Hierarchy          Hierarchy                    `yaml:"hierarchy"`
	EmailSuffix        string                       `yaml:"email_suffix"`

	// CSV出力
	DateFormat       string   `yaml:"date_format"`
	TimeZone         string   `yaml:"time_zone"`
	WorklogDayOffset int      `yaml:"worklog_day_offset"`
	Columns          []string `yaml:"columns"`

	// JIRA API設定 (jira_check 用、環境変数から取得)
	JiraURL      string `yaml:"-"`
	JiraEmail    string `yaml:"-"`
	JiraAPIToken string `yaml:"-"`

	// 並列処理設定 (添付ファイルのダウンロード)
	MaxConcurrent int    `yaml:"max_concurrent"`
	LogLevel      string `yaml:"log_level"`

	location *time.Location
}

// Default は既定値を設定した Config を返します
func Default() *Config {
	return &Config{
		StartIssue:      1,
		NumIssues:       AllIssues,
		PageSize:        100,
		DataStoragePath: "data",
		IssueFields: "id,idReadable,summary,description,created,updated,resolved," +
			"reporter(fullName,email,banned),updater(fullName,email,banned)," +
			"comments(text,created,author(fullName,email,banned)),tags(name)," +
			"links(direction,linkType(name,sourceToTarget,targetToSource),issues(idReadable))," +
			"customFields(name,value(name,text,minutes,fullName,email,banned))",
		WorkItemFields: "author(fullName,email,banned),creator(fullName,email,banned),text,type(name)," +
			"created,updated,duration(minutes),date,attributes(name,value(name)),issue(idReadable)",
		LinkTypes:          map[string]string{},
		SymmetricLinkTypes: []string{"relates to"},
		FieldColumns: map[string]string{
			"Assignee":     "assignee",
			"State":        "status",
			"Type":         "issuetype",
			"Priority":     "priority",
			"Subsystem":    "components",
			"Sprints":      "sprint",
			"Story points": "story-points",
			"Estimation":   "Original Estimate",
			"Spent time":   "Time Spent",
		},
		LabelColumns:     []string{"labels"},
		OverflowColumn:   "Swarmers",
		DateFormat:       "01/02/2006 15:04:05",
		TimeZone:         "UTC",
		WorklogDayOffset: 1,
		MaxConcurrent:    10,
		LogLevel:         "info",
	}
}

// LoadConfig は設定ファイルと環境変数から設定を読み込みます
func LoadConfig(path string) (*Config, error) {
	// .envファイルを読み込む
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		// マッピング表は既定値とマージせず、指定があれば置き換える
		defaults := cfg.FieldColumns
		cfg.FieldColumns = nil
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "設定ファイル %s の読み込みに失敗しました", path)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrapf(ErrInvalid, "設定ファイル %s の解析に失敗しました: %v", path, err)
		}
		if cfg.FieldColumns == nil {
			cfg.FieldColumns = defaults
		}
	}

	cfg.APIURL = normalizeAPIURL(getEnvWithDefault("YOUTRACK_API_URL", cfg.APIURL))
	cfg.Token = strings.TrimSpace(os.Getenv("YOUTRACK_TOKEN"))
	cfg.JiraURL = strings.TrimRight(os.Getenv("JIRA_URL"), "/")
	cfg.JiraEmail = os.Getenv("JIRA_EMAIL")
	cfg.JiraAPIToken = os.Getenv("JIRA_API_TOKEN")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate は変換前に検出すべき設定エラーをチェックします
func (c *Config) Validate() error {
	if c.DataStoragePath == "" {
		return errors.Wrap(ErrInvalid, "data_storage_path が設定されていません")
	}
	if c.StartIssue < 1 {
		return errors.Wrapf(ErrInvalid, "start_issue は1以上である必要があります: %d", c.StartIssue)
	}
	if c.PageSize < 1 {
		return errors.Wrapf(ErrInvalid, "page_size は1以上である必要があります: %d", c.PageSize)
	}
	if err := validateFieldSelection("issue_fields", c.IssueFields); err != nil {
		return err
	}
	if err := validateFieldSelection("work_item_fields", c.WorkItemFields); err != nil {
		return err
	}
	if c.DateFormat == "" {
		return errors.Wrap(ErrInvalid, "date_format が設定されていません")
	}
	loc, err := time.LoadLocation(c.TimeZone)
	if err != nil {
		return errors.Wrapf(ErrInvalid, "time_zone %q が不正です", c.TimeZone)
	}
	c.location = loc
	if c.MaxConcurrent < 1 {
		c.MaxConcurrent = 1
	}
	return nil
}

// RequireAPI はAPIからの取得に必要な設定をチェックします
func (c *Config) RequireAPI() error {
	if c.APIURL == "" {
		return errors.Wrap(ErrInvalid, "api_url が設定されていません")
	}
	if c.Token == "" && c.TokenPath == "" {
		return errors.Wrap(ErrInvalid, "youtrack_token_path または YOUTRACK_TOKEN が必要です")
	}
	return nil
}

// BearerToken はYouTrack APIトークンを返します。トークンファイルを優先します
func (c *Config) BearerToken() (string, error) {
	if c.TokenPath != "" {
		data, err := os.ReadFile(c.TokenPath)
		if err != nil {
			return "", errors.Wrapf(err, "トークンファイル %s の読み込みに失敗しました", c.TokenPath)
		}
		// 先頭行のみを使用
		token := strings.TrimSpace(strings.SplitN(string(data), "\n", 2)[0])
		if token != "" {
			return token, nil
		}
	}
	if c.Token == "" {
		return "", errors.Wrap(ErrInvalid, "YouTrack APIトークンが見つかりません")
	}
	return c.Token, nil
}

// Location は出力日時のタイムゾーンを返します
func (c *Config) Location() *time.Location {
	if c.location == nil {
		return time.UTC
	}
	return c.location
}

// ForProject はプロジェクト名を差し替えた設定のコピーを返します
func (c *Config) ForProject(project string) (*Config, error) {
	cp := *c
	if project != "" {
		cp.ProjectName = project
	}
	if cp.ProjectName == "" {
		return nil, errors.Wrap(ErrInvalid, "project_name が設定されていません")
	}
	return &cp, nil
}

// IsLabelColumn はスペースを許可しないラベル列かどうかを返します
func (c *Config) IsLabelColumn(column string) bool {
	for _, l := range c.LabelColumns {
		if l == column {
			return true
		}
	}
	return false
}

// CompactFields はフィールド選択リストから空白を取り除きます
func CompactFields(fields string) string {
	return whitespace.ReplaceAllString(fields, "")
}

var whitespace = regexp.MustCompile(`\s+`)

func validateFieldSelection(key, fields string) error {
	compact := CompactFields(fields)
	if compact == "" {
		return errors.Wrapf(ErrInvalid, "%s が空です", key)
	}
	depth := 0
	prev := ','
	for _, r := range compact {
		switch r {
		case '(':
			if prev == ',' || prev == '(' {
				return errors.Wrapf(ErrInvalid, "%s の形式が不正です: %s", key, fields)
			}
			depth++
		case ')':
			depth--
			if depth < 0 || prev == ',' || prev == '(' {
				return errors.Wrapf(ErrInvalid, "%s の括弧が不正です: %s", key, fields)
			}
		case ',':
			if prev == ',' || prev == '(' {
				return errors.Wrapf(ErrInvalid, "%s に空の項目があります: %s", key, fields)
			}
		}
		prev = r
	}
	if depth != 0 || prev == ',' {
		return errors.Wrapf(ErrInvalid, "%s の括弧が閉じられていません: %s", key, fields)
	}
	return nil
}

// APIのベースURLは末尾スラッシュ付きで扱う
func normalizeAPIURL(url string) string {
	url = strings.TrimSpace(url)
	if url == "" || strings.HasSuffix(url, "/") {
		return url
	}
	return url + "/"
}

// デフォルト値付きで環境変数を取得
func getEnvWithDefault(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// Flags はコマンドラインで指定する設定です
type Flags struct {
	Path     string
	LogLevel string
}

// NewFlags は既定値を設定した Flags を返します
func NewFlags() *Flags {
	return &Flags{Path: DefaultPath}
}

// BindFlags はフラグを登録します
func (f *Flags) BindFlags(fs *pflag.FlagSet) {
	fs.StringVar(&f.Path, "config", f.Path, "設定ファイル (YAML) のパス")
	fs.StringVar(&f.LogLevel, "log-level", f.LogLevel, "ログレベル (trace,debug,info,warn,error)。未指定なら設定ファイルの log_level")
}

// Level は使用するログレベルを返します。フラグの指定が設定ファイルより優先されます
func (f *Flags) Level(cfg *Config) string {
	if f.LogLevel != "" {
		return f.LogLevel
	}
	return cfg.LogLevel
}
