package services

import (
	"context"
	"io"
	"sort"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"youtracktojira/config"
	"youtracktojira/models"
	"youtracktojira/utils"
)

// Fetcher はYouTrack APIからプロジェクトのデータを取得します
type Fetcher interface {
	Download(ctx context.Context, cfg *config.Config) (*models.Snapshot, error)
	SaveAttachments(ctx context.Context, cfg *config.Config, issues []models.Issue, dir string) error
}

// MigrationService はYouTrackからJIRA CSVへの移行を処理します
type MigrationService struct {
	config    *config.Config
	fetcher   Fetcher
	overrides map[string]FieldFunc
}

// NewMigrationService は新しい移行サービスを作成します。fetcher が nil の場合はキャッシュのみを使います
func NewMigrationService(cfg *config.Config, fetcher Fetcher) *MigrationService {
	return &MigrationService{
		config:    cfg,
		fetcher:   fetcher,
		overrides: map[string]FieldFunc{},
	}
}

// RegisterOverride はフィールド名に上書き関数を登録します。設定ファイルの overrides より優先されます
func (m *MigrationService) RegisterOverride(field string, fn FieldFunc) {
	m.overrides[field] = fn
}

// RunProjects は各プロジェクトに対して fn を実行します。
// 失敗したプロジェクトがあっても残りを処理し、最後にまとめてエラーを返します。
func (m *MigrationService) RunProjects(ctx context.Context, projects []string, fn func(ctx context.Context, project string) error) error {
	if len(projects) == 0 {
		projects = []string{""} // 設定ファイルの project_name
	}
	var failed []string
	for _, project := range projects {
		name := project
		if name == "" {
			name = m.config.ProjectName
		}
		if err := fn(ctx, project); err != nil {
			log.WithError(err).WithField("project", name).Error("プロジェクトの処理に失敗しました")
			failed = append(failed, name)
		}
	}
	if len(failed) > 0 {
		return errors.Errorf("%d 件のプロジェクトが失敗しました: %v", len(failed), failed)
	}
	return nil
}

// Fetch はYouTrackからデータを取得してキャッシュに保存します
func (m *MigrationService) Fetch(ctx context.Context, project string) (DataPaths, error) {
	startTime := time.Now()
	defer utils.TrackTime(startTime, "YouTrackデータ取得")

	cfg, err := m.config.ForProject(project)
	if err != nil {
		return DataPaths{}, err
	}
	if _, err := m.download(ctx, cfg); err != nil {
		return DataPaths{}, err
	}
	return PathsFor(cfg), nil
}

func (m *MigrationService) download(ctx context.Context, cfg *config.Config) ([]models.Issue, error) {
	if m.fetcher == nil {
		return nil, errors.New("YouTrack APIクライアントが設定されていません")
	}
	if err := cfg.RequireAPI(); err != nil {
		return nil, err
	}
	paths := PathsFor(cfg)

	log.WithField("project", cfg.ProjectName).Info("YouTrackからデータをダウンロードしています...")
	snap, err := m.fetcher.Download(ctx, cfg)
	if err != nil {
		return nil, errors.Wrapf(err, "プロジェクト %s の取得に失敗しました", cfg.ProjectName)
	}
	issues, err := DecodeIssues(snap.Issues)
	if err != nil {
		return nil, err
	}
	if err := SaveSnapshot(paths, snap); err != nil {
		return nil, err
	}

	if cfg.SaveAttachments {
		log.Info("添付ファイルをダウンロードしています...(時間がかかる場合があります)")
		if err := m.fetcher.SaveAttachments(ctx, cfg, issues, paths.Attachments); err != nil {
			return nil, errors.Wrap(err, "添付ファイルのダウンロードに失敗しました")
		}
	}
	return issues, nil
}

// LoadIssues はキャッシュまたはAPIからイシューを取得します。prefer_api でなければキャッシュを優先します
func (m *MigrationService) LoadIssues(ctx context.Context, cfg *config.Config) ([]models.Issue, error) {
	paths := PathsFor(cfg)
	if !cfg.PreferAPI && HasCachedIssues(paths) {
		issues, err := LoadIssues(paths.Issues)
		if err != nil {
			return nil, err
		}
		log.WithFields(log.Fields{"path": paths.Issues, "issues": len(issues)}).Info("キャッシュからイシューを読み込みました")
		return issues, nil
	}
	if m.fetcher == nil {
		return nil, errors.Errorf("利用できるデータがありません: キャッシュ %s が存在しません", paths.Issues)
	}
	return m.download(ctx, cfg)
}

// Convert はプロジェクトのイシューをJIRA CSVに変換し、出力ファイルのパスを返します
func (m *MigrationService) Convert(ctx context.Context, project string) (string, error) {
	startTime := time.Now()
	defer utils.TrackTime(startTime, "CSV変換")

	cfg, err := m.config.ForProject(project)
	if err != nil {
		return "", err
	}
	issues, err := m.LoadIssues(ctx, cfg)
	if err != nil {
		return "", err
	}

	records, err := m.FlattenIssues(cfg, issues)
	if err != nil {
		return "", err
	}

	// 全件の変換が成功してから書き込む
	paths := PathsFor(cfg)
	emitter := NewCSVEmitter(cfg)
	columns := ColumnOrder(cfg)
	err = WriteFileAtomic(paths.CSV, func(w io.Writer) error {
		return emitter.Emit(w, records, columns)
	})
	if err != nil {
		return "", err
	}

	log.WithFields(log.Fields{"project": cfg.ProjectName, "issues": len(records), "path": paths.CSV}).
		Info("YouTrackからJIRAへの変換が完了しました")
	return paths.CSV, nil
}

// FlattenIssues は入力順を保ったまま全イシューを FlatRecord に変換します
func (m *MigrationService) FlattenIssues(cfg *config.Config, issues []models.Issue) ([]*models.FlatRecord, error) {
	mapper, err := NewFieldMapper(cfg)
	if err != nil {
		return nil, err
	}
	for name, fn := range m.overrides {
		mapper.Register(name, fn)
	}
	flattener := NewFlattener(cfg, mapper)
	index := NewIssueIndex(issues)

	records := make([]*models.FlatRecord, 0, len(issues))
	skippedIssues := 0
	skippedFields := map[string]int{}
	banned := map[string]bool{}

	for i := range issues {
		issue := &issues[i]
		if flattener.Skip(issue) {
			skippedIssues++
			continue
		}
		rec, err := flattener.Flatten(issue, index)
		if err != nil {
			return nil, err
		}
		for _, name := range rec.Skipped {
			skippedFields[name]++
		}
		for _, name := range rec.Banned {
			banned[name] = true
		}
		records = append(records, rec)

		// 進捗を表示（大量データの場合）
		if i > 0 && i%100 == 0 {
			log.Infof("処理中... %d/%d 件完了", i, len(issues))
		}
	}

	if skippedIssues > 0 {
		log.WithField("count", skippedIssues).Info("skip_issue_types に該当するイシューを除外しました")
	}
	for _, name := range sortedKeys(skippedFields) {
		log.WithFields(log.Fields{"field": name, "issues": skippedFields[name]}).
			Warn("列が定義されていないフィールドをスキップしました")
	}
	for _, name := range sortedKeys(banned) {
		log.WithField("user", name).
			Warn("BAN済みユーザーです。インポート前にJIRA側でBANを解除してください")
	}
	return records, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
