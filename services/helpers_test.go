package services

import (
	"testing"

	"github.com/stretchr/testify/require"

	"youtracktojira/config"
	"youtracktojira/models"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.ProjectName = "ATAT"
	cfg.DataStoragePath = t.TempDir()
	cfg.EmailSuffix = "@new.example.com"
	cfg.LinkTypes = map[string]string{
		"relates to": "10003",
		"depends on": "10004",
		"is required for": "10004",
		"subtask of": "10100",
		"parent for": "",
	}
	require.NoError(t, cfg.Validate())
	return cfg
}

func enumField(name string, values ...string) models.CustomField {
	typ := "SingleEnumIssueCustomField"
	if len(values) > 1 {
		typ = "MultiEnumIssueCustomField"
	}
	return models.CustomField{Name: name, Type: typ, Value: models.FieldValue{Kind: models.KindEnumeration, Names: values}}
}

func userField(name string, users ...models.Identity) models.CustomField {
	typ := "SingleUserIssueCustomField"
	if len(users) > 1 {
		typ = "MultiUserIssueCustomField"
	}
	return models.CustomField{Name: name, Type: typ, Value: models.FieldValue{Kind: models.KindUser, Users: users}}
}

func periodField(name string, minutes int64) models.CustomField {
	return models.CustomField{Name: name, Type: "PeriodIssueCustomField", Value: models.FieldValue{Kind: models.KindDuration, Minutes: []int64{minutes}}}
}

func textField(name, text string) models.CustomField {
	return models.CustomField{Name: name, Type: "TextIssueCustomField", Value: models.FieldValue{Kind: models.KindText, Texts: []string{text}}}
}

func link(direction, typeName string, keys ...string) models.Link {
	l := models.Link{Direction: direction, LinkType: models.LinkType{Name: typeName, SourceToTarget: typeName, TargetToSource: typeName}}
	for _, k := range keys {
		l.Issues = append(l.Issues, models.LinkedIssue{IDReadable: k})
	}
	return l
}

// directedLink は両方向で名前の異なるリンク種別のグループを作成します
func directedLink(direction, outward, inward string, keys ...string) models.Link {
	l := link(direction, outward, keys...)
	l.LinkType = models.LinkType{Name: outward, SourceToTarget: outward, TargetToSource: inward}
	return l
}

var (
	jane = models.Identity{FullName: "Jane Roe", Email: "jane@old.example.com"}
	john = models.Identity{FullName: "John Doe", Email: "john@old.example.com"}
)

func newIssue(key string) models.Issue {
	reporter := jane
	return models.Issue{
		ID:         "2-" + key,
		IDReadable: key,
		Summary:    "Summary of " + key,
		Created:    1650000000000,
		Updated:    1650003600000,
		Reporter:   &reporter,
	}
}
