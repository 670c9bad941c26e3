package services

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"os"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"youtracktojira/config"
	"youtracktojira/models"
)

type fakeFetcher struct {
	snap        *models.Snapshot
	err         error
	downloads   int
	attachments []string
}

func (f *fakeFetcher) Download(ctx context.Context, cfg *config.Config) (*models.Snapshot, error) {
	f.downloads++
	if f.err != nil {
		return nil, f.err
	}
	return f.snap, nil
}

func (f *fakeFetcher) SaveAttachments(ctx context.Context, cfg *config.Config, issues []models.Issue, dir string) error {
	for _, issue := range issues {
		f.attachments = append(f.attachments, issue.IDReadable)
	}
	return nil
}

const cachedIssues = `[
  {"idReadable":"ATAT-1","summary":"cached one","created":1650000000000,
   "reporter":{"fullName":"Jane Roe","email":"jane@old.example.com"},
   "customFields":[{"$type":"SingleEnumIssueCustomField","name":"Type","value":{"name":"Bug"}}]},
  {"idReadable":"ATAT-2","summary":"cached two","created":1650000000000,
   "links":[{"direction":"OUTWARD","linkType":{"name":"Relates","sourceToTarget":"relates to","targetToSource":"relates to"},"issues":[{"idReadable":"ATAT-1"}]}]}
]`

func writeCache(t *testing.T, cfg *config.Config, body string) DataPaths {
	t.Helper()
	paths := PathsFor(cfg)
	require.NoError(t, os.MkdirAll(paths.ProjectDir, 0o755))
	require.NoError(t, os.WriteFile(paths.Issues, []byte(body), 0o644))
	return paths
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return rows
}

func TestConvertFromCache(t *testing.T) {
	cfg := testConfig(t)
	writeCache(t, cfg, cachedIssues)
	fetcher := &fakeFetcher{}

	path, err := NewMigrationService(cfg, fetcher).Convert(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, PathsFor(cfg).CSV, path)
	assert.Zero(t, fetcher.downloads)

	rows := readCSV(t, path)
	require.Len(t, rows, 3)
	header := rows[0]
	col := func(name string) int {
		for i, c := range header {
			if c == name {
				return i
			}
		}
		t.Fatalf("列 %s がありません", name)
		return -1
	}
	assert.Equal(t, "ATAT-1", rows[1][col(ColumnIssueKey)])
	assert.Equal(t, "Bug", rows[1][col(ColumnIssueType)])
	assert.Equal(t, "jane@new.example.com", rows[1][col(ColumnReporter)])
	assert.Equal(t, "ATAT-2", rows[2][col(ColumnIssueKey)])
	assert.Equal(t, "ATAT-1", rows[2][col(LinkColumn("10003"))])
}

func TestConvertPrefersAPI(t *testing.T) {
	cfg := testConfig(t)
	cfg.PreferAPI = true
	cfg.APIURL = "https://youtrack.example.com/api/"
	cfg.Token = "secret"
	cfg.SaveAttachments = true
	writeCache(t, cfg, cachedIssues)

	fetcher := &fakeFetcher{snap: &models.Snapshot{
		Project: models.Project{ShortName: "ATAT"},
		Issues:  []json.RawMessage{json.RawMessage(`{"idReadable":"ATAT-9","summary":"fresh"}`)},
	}}
	path, err := NewMigrationService(cfg, fetcher).Convert(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, 1, fetcher.downloads)
	assert.Equal(t, []string{"ATAT-9"}, fetcher.attachments)

	rows := readCSV(t, path)
	require.Len(t, rows, 2)
	assert.Equal(t, "ATAT-9", rows[1][0])

	// 取得したデータでキャッシュが更新される
	issues, err := LoadIssues(PathsFor(cfg).Issues)
	require.NoError(t, err)
	require.Len(t, issues, 1)
	assert.Equal(t, "fresh", issues[0].Summary)
}

func TestConvertWithoutData(t *testing.T) {
	cfg := testConfig(t)
	_, err := NewMigrationService(cfg, nil).Convert(context.Background(), "")
	assert.Error(t, err)
	_, statErr := os.Stat(PathsFor(cfg).CSV)
	assert.True(t, os.IsNotExist(statErr))
}

func TestConvertConfigErrorWritesNothing(t *testing.T) {
	cfg := testConfig(t)
	delete(cfg.LinkTypes, "relates to")
	writeCache(t, cfg, cachedIssues)

	_, err := NewMigrationService(cfg, nil).Convert(context.Background(), "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConfig))

	_, statErr := os.Stat(PathsFor(cfg).CSV)
	assert.True(t, os.IsNotExist(statErr))
}

func TestConvertRegisteredOverride(t *testing.T) {
	cfg := testConfig(t)
	writeCache(t, cfg, cachedIssues)

	svc := NewMigrationService(cfg, nil)
	svc.RegisterOverride("Type", func(field models.CustomField, scope Scope) (models.Fields, error) {
		return models.Fields{ColumnIssueType: {Values: []string{"Defect of " + scope.Current().IDReadable}}}, nil
	})
	records, err := svc.FlattenIssues(cfg, mustLoad(t, PathsFor(cfg).Issues))
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "Defect of ATAT-1", records[0].Value(ColumnIssueType))
}

func mustLoad(t *testing.T, path string) []models.Issue {
	t.Helper()
	issues, err := LoadIssues(path)
	require.NoError(t, err)
	return issues
}

func TestFetch(t *testing.T) {
	cfg := testConfig(t)
	fetcher := &fakeFetcher{snap: &models.Snapshot{Issues: []json.RawMessage{json.RawMessage(`{"idReadable":"ATAT-1"}`)}}}
	svc := NewMigrationService(cfg, fetcher)

	// APIの設定がなければ取得しない
	_, err := svc.Fetch(context.Background(), "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConfig))
	assert.Zero(t, fetcher.downloads)

	cfg.APIURL = "https://youtrack.example.com/api/"
	cfg.Token = "secret"
	paths, err := svc.Fetch(context.Background(), "OTHER")
	require.NoError(t, err)
	assert.Equal(t, 1, fetcher.downloads)
	assert.Empty(t, fetcher.attachments)
	assert.True(t, HasCachedIssues(paths))
	assert.Contains(t, paths.Issues, "OTHER_youtrack_issues.json")

	fetcher.err = errors.New("connection refused")
	_, err = svc.Fetch(context.Background(), "")
	assert.ErrorContains(t, err, "connection refused")
}

func TestRunProjects(t *testing.T) {
	cfg := testConfig(t)
	svc := NewMigrationService(cfg, nil)

	var seen []string
	err := svc.RunProjects(context.Background(), []string{"A", "B", "C"}, func(ctx context.Context, project string) error {
		seen = append(seen, project)
		if project == "B" {
			return errors.New("failed")
		}
		return nil
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "[B]")
	assert.Equal(t, []string{"A", "B", "C"}, seen)

	seen = nil
	require.NoError(t, svc.RunProjects(context.Background(), nil, func(ctx context.Context, project string) error {
		seen = append(seen, project)
		return nil
	}))
	assert.Equal(t, []string{""}, seen)
}
