package services

import (
	"testing"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"youtracktojira/models"
)

func newTestFlattener(t *testing.T, mutate func(*testing.T, *Flattener)) *Flattener {
	t.Helper()
	cfg := testConfig(t)
	m, err := NewFieldMapper(cfg)
	require.NoError(t, err)
	f := NewFlattener(cfg, m)
	if mutate != nil {
		mutate(t, f)
	}
	return f
}

func warnings(hook *logtest.Hook) []string {
	var msgs []string
	for _, e := range hook.AllEntries() {
		if e.Level == log.WarnLevel {
			msgs = append(msgs, e.Message)
		}
	}
	return msgs
}

func TestFlattenIssue(t *testing.T) {
	f := newTestFlattener(t, nil)

	issue := newIssue("ATAT-1")
	issue.Description = "# Title\nbody"
	issue.Tags = []models.Tag{{Name: "multi word tag"}, {Name: "ui"}}
	issue.Comments = []models.Comment{
		{Text: "first", Author: &john, Created: 1650000100000},
		{Text: "## second", Author: &jane, Created: 1650000200000},
	}
	issue.CustomFields = []models.CustomField{
		enumField("Type", "Bug"),
		userField("Assignee", john),
		periodField("Estimation", 90),
		enumField("Mystery", "x"),
	}
	issue.Links = []models.Link{
		link("OUTWARD", "relates to", "ATAT-5"),
		link("OUTWARD", "duplicates"),
		link("OUTWARD", "parent for"),
	}
	issue.WorkItems = []models.WorkItem{{
		Author:   &john,
		Text:     "did work",
		Type:     &models.NamedValue{Name: "Development"},
		Date:     1649980800000,
		Duration: models.Period{Minutes: 60},
	}}
	issues := []models.Issue{issue, newIssue("ATAT-5")}

	rec, err := f.Flatten(&issues[0], NewIssueIndex(issues))
	require.NoError(t, err)

	assert.Equal(t, "ATAT-1", rec.Key)
	assert.Equal(t, "ATAT-1", rec.Value(ColumnIssueKey))
	assert.Equal(t, "h1. Title\nbody", rec.Value(ColumnDescription))
	assert.Equal(t, "jane@new.example.com", rec.Value(ColumnReporter))
	assert.Equal(t, "john@new.example.com", rec.Value(ColumnAssignee))
	assert.Equal(t, "Bug", rec.Value(ColumnIssueType))
	assert.Equal(t, models.Column{Values: []string{"1650000000000"}, Date: true}, rec.Fields[ColumnCreated])
	assert.Equal(t, models.Column{Values: []string{"5400"}, Seconds: true}, rec.Fields["Original Estimate"])
	assert.Equal(t, models.Column{Values: []string{"multi-word-tag", "ui"}, List: true}, rec.Fields[ColumnLabels])
	assert.Equal(t, models.Column{Values: []string{"ATAT-5"}, List: true}, rec.Fields[LinkColumn("10003")])
	assert.Equal(t, []string{"Mystery"}, rec.Skipped)
	assert.Empty(t, rec.Banned)

	require.Len(t, rec.Comments, 2)
	assert.Equal(t, models.CommentEntry{Author: "john@new.example.com", Text: "first", Created: 1650000100000}, rec.Comments[0])
	assert.Equal(t, "h2. second", rec.Comments[1].Text)

	require.Len(t, rec.Worklogs, 1)
	assert.Equal(t, models.WorklogEntry{
		Author:  "john@new.example.com",
		Text:    "John Doe [Development]: did work",
		Seconds: 3600,
		Date:    1649980800000 + 86400000,
	}, rec.Worklogs[0])
}

func TestFlattenDoesNotModifyIssue(t *testing.T) {
	f := newTestFlattener(t, nil)
	issue := newIssue("ATAT-1")
	issue.Description = "# Title"
	issue.Tags = []models.Tag{{Name: "a b"}}
	issue.Comments = []models.Comment{{Text: "# c", Author: &john}}
	issues := []models.Issue{issue}

	_, err := f.Flatten(&issues[0], NewIssueIndex(issues))
	require.NoError(t, err)
	assert.Equal(t, issue, issues[0])
}

func TestFlattenUnknownLinkType(t *testing.T) {
	f := newTestFlattener(t, nil)
	issue := newIssue("ATAT-1")
	issue.Links = []models.Link{link("OUTWARD", "clones", "ATAT-2")}
	issues := []models.Issue{issue, newIssue("ATAT-2")}

	_, err := f.Flatten(&issues[0], NewIssueIndex(issues))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConfig))
	assert.Contains(t, err.Error(), "clones")
}

func TestFlattenSymmetricLinks(t *testing.T) {
	f := newTestFlattener(t, nil)
	a := newIssue("ATAT-1")
	a.Links = []models.Link{
		link("OUTWARD", "relates to", "ATAT-2"),
		directedLink("OUTWARD", "depends on", "is required for", "ATAT-2"),
	}
	b := newIssue("ATAT-2")
	b.Links = []models.Link{
		link("BOTH", "relates to", "ATAT-1"),
		directedLink("INWARD", "depends on", "is required for", "ATAT-1"),
	}
	issues := []models.Issue{a, b}
	index := NewIssueIndex(issues)

	first, err := f.Flatten(&issues[0], index)
	require.NoError(t, err)
	second, err := f.Flatten(&issues[1], index)
	require.NoError(t, err)

	// relates to は後のイシューだけが持つ
	assert.NotContains(t, first.Fields, LinkColumn("10003"))
	assert.Equal(t, []string{"ATAT-1"}, second.Fields[LinkColumn("10003")].Values)

	// 方向のあるリンクはリンク元だけが持つ
	assert.Equal(t, []string{"ATAT-2"}, first.Fields[LinkColumn("10004")].Values)
	assert.NotContains(t, second.Fields, LinkColumn("10004"))
	assert.NotContains(t, second.Fields, InwardLinkColumn("10004"))

	rows := emit(t, []*models.FlatRecord{first, second}, []string{ColumnIssueKey, LinkColumn("10004"), InwardLinkColumn("10004")})
	assert.Equal(t, [][]string{{"ATAT-1", "ATAT-2", ""}, {"ATAT-2", "", ""}}, rows)
}

func TestFlattenInwardLinkWithoutSource(t *testing.T) {
	f := newTestFlattener(t, func(t *testing.T, f *Flattener) {
		f.cfg.SkipIssueTypes = []string{"Deleted"}
	})
	skipped := newIssue("ATAT-1")
	skipped.CustomFields = []models.CustomField{enumField("Type", "Deleted")}
	skipped.Links = []models.Link{directedLink("OUTWARD", "depends on", "is required for", "ATAT-3")}
	unlinked := newIssue("ATAT-2")
	issue := newIssue("ATAT-3")
	issue.Links = []models.Link{directedLink("INWARD", "depends on", "is required for", "ATAT-1", "ATAT-2", "ATAT-99")}
	issues := []models.Issue{skipped, unlinked, issue}

	rec, err := f.Flatten(&issues[2], NewIssueIndex(issues))
	require.NoError(t, err)
	// リンク元が出力されない場合は被リンク側の列に向きを保って出力する
	assert.Equal(t, []string{"ATAT-1", "ATAT-2", "ATAT-99"}, rec.Fields[InwardLinkColumn("10004")].Values)
	assert.NotContains(t, rec.Fields, LinkColumn("10004"))
}

func TestFlattenSymmetricLinkToSkippedIssue(t *testing.T) {
	f := newTestFlattener(t, func(t *testing.T, f *Flattener) {
		f.cfg.SkipIssueTypes = []string{"Deleted"}
	})
	a := newIssue("ATAT-1")
	a.Links = []models.Link{link("OUTWARD", "relates to", "ATAT-2")}
	b := newIssue("ATAT-2")
	b.CustomFields = []models.CustomField{enumField("Type", "Deleted")}
	b.Links = []models.Link{link("BOTH", "relates to", "ATAT-1")}
	issues := []models.Issue{a, b}

	rec, err := f.Flatten(&issues[0], NewIssueIndex(issues))
	require.NoError(t, err)
	assert.Equal(t, []string{"ATAT-2"}, rec.Fields[LinkColumn("10003")].Values)
}

func TestFlattenWorklogWithoutDate(t *testing.T) {
	f := newTestFlattener(t, nil)
	issue := newIssue("ATAT-1")
	issue.WorkItems = []models.WorkItem{{Author: &john, Duration: models.Period{Minutes: 30}}}
	issues := []models.Issue{issue}

	rec, err := f.Flatten(&issues[0], NewIssueIndex(issues))
	require.NoError(t, err)
	require.Len(t, rec.Worklogs, 1)
	assert.Zero(t, rec.Worklogs[0].Date)

	rows := emit(t, []*models.FlatRecord{rec}, []string{ColumnIssueKey, ColumnWorklog})
	assert.Equal(t, "John Doe [No Worktype]: ;;john@new.example.com;1800", rows[0][1])
}

func TestFlattenDanglingLink(t *testing.T) {
	hook := logtest.NewGlobal()
	defer hook.Reset()

	f := newTestFlattener(t, nil)
	issue := newIssue("ATAT-1")
	issue.Links = []models.Link{link("OUTWARD", "relates to", "ATAT-99")}
	issues := []models.Issue{issue}

	rec, err := f.Flatten(&issues[0], NewIssueIndex(issues))
	require.NoError(t, err)
	assert.Equal(t, []string{"ATAT-99"}, rec.Fields[LinkColumn("10003")].Values)
	assert.Len(t, warnings(hook), 1)
}

func TestFlattenHierarchy(t *testing.T) {
	f := newTestFlattener(t, func(t *testing.T, f *Flattener) {
		f.cfg.Hierarchy.ParentLink = "subtask of"
		f.cfg.Hierarchy.EpicTypes = []string{"Epic Theme"}
		f.cfg.Hierarchy.FeatureTypes = []string{"Feature"}
		f.cfg.Hierarchy.StoryTypes = []string{"User Story"}
		f.cfg.ValueMaps = map[string]map[string]string{"Type": {"Feature": "Epic"}}
	})

	epic := newIssue("ATAT-1")
	epic.Summary = "Big theme"
	epic.CustomFields = []models.CustomField{enumField("Type", "Epic Theme")}

	feature := newIssue("ATAT-2")
	feature.Summary = "Feature X"
	feature.CustomFields = []models.CustomField{enumField("Type", "Feature")}
	feature.Links = []models.Link{link("OUTWARD", "subtask of", "ATAT-1")}

	story := newIssue("ATAT-3")
	story.CustomFields = []models.CustomField{enumField("Type", "User Story")}
	story.Links = []models.Link{link("OUTWARD", "subtask of", "ATAT-2")}

	task := newIssue("ATAT-4")
	task.CustomFields = []models.CustomField{enumField("Type", "Task")}
	task.Links = []models.Link{
		link("OUTWARD", "subtask of", "ATAT-3"),
		link("INWARD", "parent for"),
	}

	issues := []models.Issue{epic, feature, story, task}
	index := NewIssueIndex(issues)

	rec, err := f.Flatten(&issues[3], index)
	require.NoError(t, err)
	assert.Equal(t, "ATAT-3", rec.Value(ColumnParentStory))
	assert.Equal(t, "Feature X", rec.Value(ColumnEpicLink))
	assert.Equal(t, "Big theme", rec.Value(ColumnComponents))
	assert.Equal(t, []string{"ATAT-3"}, rec.Fields[LinkColumn("10100")].Values)

	rec, err = f.Flatten(&issues[1], index)
	require.NoError(t, err)
	assert.Equal(t, "Epic", rec.Value(ColumnIssueType))
	assert.Equal(t, "Feature X", rec.Value(ColumnEpicName))
	assert.Equal(t, "Big theme", rec.Value(ColumnComponents))
	assert.Empty(t, rec.Value(ColumnEpicLink))
}

func TestFlattenMissingParent(t *testing.T) {
	hook := logtest.NewGlobal()
	defer hook.Reset()

	f := newTestFlattener(t, func(t *testing.T, f *Flattener) {
		f.cfg.Hierarchy.ParentLink = "subtask of"
		f.cfg.Hierarchy.StoryTypes = []string{"User Story"}
	})
	issue := newIssue("ATAT-1")
	issue.Links = []models.Link{link("OUTWARD", "subtask of", "OTHER-1")}
	issues := []models.Issue{issue}

	rec, err := f.Flatten(&issues[0], NewIssueIndex(issues))
	require.NoError(t, err)
	assert.Empty(t, rec.Value(ColumnParentStory))
	// 親が見つからない警告とリンク先が範囲外の警告
	assert.Len(t, warnings(hook), 2)
}

func TestFlattenBannedUsers(t *testing.T) {
	f := newTestFlattener(t, nil)
	banned := models.Identity{FullName: "Gone User", Email: "gone@old.example.com", Banned: true}

	issue := newIssue("ATAT-1")
	issue.Comments = []models.Comment{{Text: "bye", Author: &banned}, {Text: "again", Author: &banned}}
	issue.CustomFields = []models.CustomField{userField("Assignee", banned)}
	issues := []models.Issue{issue}

	rec, err := f.Flatten(&issues[0], NewIssueIndex(issues))
	require.NoError(t, err)
	assert.Equal(t, []string{"gone@new.example.com"}, rec.Banned)
	assert.Equal(t, "gone@new.example.com", rec.Value(ColumnAssignee))
	assert.Equal(t, "gone@new.example.com", rec.Comments[0].Author)
}

func TestFlattenOverrideComment(t *testing.T) {
	f := newTestFlattener(t, func(t *testing.T, f *Flattener) {
		f.cfg.Overrides = map[string]string{"Task Deliverable Links": OverrideAsComment}
		m, err := NewFieldMapper(f.cfg)
		require.NoError(t, err)
		f.mapper = m
	})

	issue := newIssue("ATAT-1")
	issue.Comments = []models.Comment{{Text: "normal", Author: &john, Created: 1650000100000}}
	issue.CustomFields = []models.CustomField{textField("Task Deliverable Links", "http://docs")}
	issues := []models.Issue{issue}

	rec, err := f.Flatten(&issues[0], NewIssueIndex(issues))
	require.NoError(t, err)
	require.Len(t, rec.Comments, 2)
	assert.Equal(t, "normal", rec.Comments[0].Text)
	assert.Equal(t, models.CommentEntry{
		Author:  "jane@new.example.com",
		Text:    "Task Deliverable Links:\nhttp://docs",
		Created: issue.Created,
	}, rec.Comments[1])
	assert.NotContains(t, rec.Fields, ColumnComment)
}

func TestFlattenerSkip(t *testing.T) {
	f := newTestFlattener(t, func(t *testing.T, f *Flattener) {
		f.cfg.SkipIssueTypes = []string{"Deleted"}
	})
	deleted := newIssue("ATAT-1")
	deleted.CustomFields = []models.CustomField{enumField("Type", "deleted")}
	epic := newIssue("ATAT-4")
	epic.CustomFields = []models.CustomField{enumField("Type", "Deleted Epic")}
	kept := newIssue("ATAT-2")
	kept.CustomFields = []models.CustomField{enumField("Type", "Bug")}

	assert.True(t, f.Skip(&deleted))
	assert.True(t, f.Skip(&epic))
	assert.False(t, f.Skip(&kept))
	assert.False(t, f.Skip(&models.Issue{IDReadable: "ATAT-3"}))
}

func TestWorklogAttributes(t *testing.T) {
	f := newTestFlattener(t, nil)
	w := models.WorkItem{
		Author:  &john,
		Creator: &jane,
		Text:    "review",
		Attributes: []models.WorkItemAttribute{
			{Name: "Phase", Value: &models.NamedValue{Name: "QA"}},
			{Name: "Billable", Value: &models.NamedValue{Name: "yes"}},
			{Name: "Empty"},
		},
		Duration: models.Period{Minutes: 30},
	}
	entry := f.worklog(w)
	assert.Equal(t, "Jane Roe [No Worktype]: review (Billable=yes, Phase=QA)", entry.Text)
	assert.Equal(t, "john@new.example.com", entry.Author)
	assert.Equal(t, int64(1800), entry.Seconds)
}
