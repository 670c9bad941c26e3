package services

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"youtracktojira/config"
	"youtracktojira/models"
)

// DataPaths はプロジェクトごとのキャッシュと出力のパスです
type DataPaths struct {
	ProjectDir  string
	Issues      string
	Sprints     string
	Project     string
	Attachments string
	CSV         string
}

// PathsFor は設定からプロジェクトのパスを求めます
func PathsFor(cfg *config.Config) DataPaths {
	dir := filepath.Join(cfg.DataStoragePath, cfg.ProjectName)
	name := cfg.ProjectName
	return DataPaths{
		ProjectDir:  dir,
		Issues:      filepath.Join(dir, name+"_youtrack_issues.json"),
		Sprints:     filepath.Join(dir, name+"_youtrack_sprints.json"),
		Project:     filepath.Join(dir, name+"_youtrack_project.json"),
		Attachments: filepath.Join(dir, "attachments"),
		CSV:         filepath.Join(dir, name+"_jira_issues.csv"),
	}
}

// SaveSnapshot は取得データをキャッシュファイルに書き込みます
func SaveSnapshot(paths DataPaths, snap *models.Snapshot) error {
	if err := os.MkdirAll(paths.ProjectDir, 0o755); err != nil {
		return errors.Wrapf(err, "フォルダ %s の作成に失敗しました", paths.ProjectDir)
	}

	issues := snap.Issues
	if issues == nil {
		issues = []json.RawMessage{}
	}
	files := []struct {
		path string
		data interface{}
	}{
		{paths.Issues, issues},
		{paths.Sprints, snap.Boards},
		{paths.Project, snap.Project},
	}
	for _, f := range files {
		data, err := json.Marshal(f.data)
		if err != nil {
			return errors.Wrapf(err, "JSONエンコードエラー: %s", f.path)
		}
		if err := WriteFileAtomic(f.path, func(w io.Writer) error {
			_, err := w.Write(data)
			return err
		}); err != nil {
			return err
		}
		log.WithField("path", f.path).Info("YouTrackデータを書き込みました")
	}
	return nil
}

// HasCachedIssues はイシューのキャッシュが存在するかを返します
func HasCachedIssues(paths DataPaths) bool {
	info, err := os.Stat(paths.Issues)
	return err == nil && !info.IsDir()
}

// LoadIssues はキャッシュからイシューを読み込みます。
// JSON配列のほか、イシューキーをキーとするオブジェクト形式も受け付けます (記述順を保持)。
func LoadIssues(path string) ([]models.Issue, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "キャッシュ %s の読み込みに失敗しました", path)
	}
	raws, err := splitIssues(data)
	if err != nil {
		return nil, errors.Wrapf(err, "キャッシュ %s", path)
	}
	return DecodeIssues(raws)
}

// DecodeIssues は生のイシューJSONを順番にデコードします
func DecodeIssues(raws []json.RawMessage) ([]models.Issue, error) {
	issues := make([]models.Issue, 0, len(raws))
	for i, raw := range raws {
		var issue models.Issue
		if err := json.Unmarshal(raw, &issue); err != nil {
			return nil, errors.Wrapf(err, "%d 件目のイシューのデコードに失敗しました", i+1)
		}
		issues = append(issues, issue)
	}
	return issues, nil
}

func splitIssues(data []byte) ([]json.RawMessage, error) {
	if !gjson.ValidBytes(data) {
		return nil, errors.New("JSONが不正です")
	}
	root := gjson.ParseBytes(bytes.TrimSpace(data))
	if !root.IsArray() && !root.IsObject() {
		return nil, errors.New("イシューの配列またはオブジェクトが必要です")
	}
	var raws []json.RawMessage
	root.ForEach(func(_, value gjson.Result) bool {
		raws = append(raws, json.RawMessage(value.Raw))
		return true
	})
	return raws, nil
}

// WriteFileAtomic は一時ファイルに書き込み、成功した場合だけ path にリネームします。
// 途中で失敗した場合、既存のファイルは変更されません。
func WriteFileAtomic(path string, write func(w io.Writer) error) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "フォルダ %s の作成に失敗しました", dir)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return errors.Wrap(err, "一時ファイル作成エラー")
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	if err = write(tmp); err != nil {
		return errors.Wrapf(err, "%s の書き込みに失敗しました", path)
	}
	if err = tmp.Sync(); err != nil {
		return errors.Wrap(err, "一時ファイル同期エラー")
	}
	if err = tmp.Close(); err != nil {
		return errors.Wrap(err, "一時ファイルクローズエラー")
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return errors.Wrapf(err, "%s へのリネームに失敗しました", path)
	}
	return nil
}
