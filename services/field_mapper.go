package services

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"youtracktojira/config"
	"youtracktojira/models"
)

// JIRA CSVの列名
const (
	ColumnIssueKey    = "issuekey"
	ColumnSummary     = "summary"
	ColumnDescription = "description"
	ColumnReporter    = "reporter"
	ColumnUpdater     = "updater"
	ColumnAssignee    = "assignee"
	ColumnStatus      = "status"
	ColumnIssueType   = "issuetype"
	ColumnPriority    = "priority"
	ColumnCreated     = "created"
	ColumnUpdated     = "updated"
	ColumnResolved    = "resolutiondate"
	ColumnLabels      = "labels"
	ColumnComponents  = "components"
	ColumnEpicLink    = "epic-link"
	ColumnEpicName    = "epic-name"
	ColumnStoryPoints = "story-points"
	ColumnSprint      = "sprint"
	ColumnParentStory = "parent-story"
	ColumnComment     = "comment"
	ColumnWorklog     = "worklog"
)

// LinkColumn はJIRAのリンク種別IDに対応する列名を返します
func LinkColumn(linkTypeID string) string {
	return "link-" + linkTypeID
}

// InwardLinkColumn は被リンク側から見たリンクの列名を返します
func InwardLinkColumn(linkTypeID string) string {
	return LinkColumn(linkTypeID) + "-inward"
}

// FieldFunc はカスタムフィールドを 列名→値 に変換する関数です。
// 組み込み変換とユーザー定義の上書き関数は同じ表に登録されます。
type FieldFunc func(field models.CustomField, scope Scope) (models.Fields, error)

// FieldMapper はフィールド名ごとの変換表です
type FieldMapper struct {
	cfg   *config.Config
	funcs map[string]FieldFunc
}

// NewFieldMapper は field_columns の組み込み変換と overrides の上書き関数で変換表を作成します
func NewFieldMapper(cfg *config.Config) (*FieldMapper, error) {
	m := &FieldMapper{
		cfg:   cfg,
		funcs: make(map[string]FieldFunc, len(cfg.FieldColumns)+len(cfg.Overrides)),
	}
	for name := range cfg.FieldColumns {
		m.funcs[name] = m.builtin
	}
	// 上書き関数が優先される
	for name, stock := range cfg.Overrides {
		fn, err := m.stockOverride(name, stock)
		if err != nil {
			return nil, err
		}
		m.funcs[name] = fn
	}
	return m, nil
}

// Register はフィールド名に上書き関数を登録します
func (m *FieldMapper) Register(name string, fn FieldFunc) {
	m.funcs[name] = fn
}

// Column はフィールドの出力先の列名を返します
func (m *FieldMapper) Column(name string) (string, bool) {
	column, ok := m.cfg.FieldColumns[name]
	return column, ok && column != ""
}

// Map はフィールドを変換します。変換方法が登録されていない場合は ok=false を返します
func (m *FieldMapper) Map(field models.CustomField, scope Scope) (fields models.Fields, ok bool, err error) {
	fn, ok := m.funcs[field.Name]
	if !ok {
		return nil, false, nil
	}
	fields, err = fn(field, scope)
	if err != nil {
		return nil, true, errors.Wrapf(err, "フィールド %q の変換に失敗しました", field.Name)
	}
	return fields, true, nil
}

// builtin は値の種類に応じた組み込み変換です
func (m *FieldMapper) builtin(field models.CustomField, _ Scope) (models.Fields, error) {
	column, ok := m.Column(field.Name)
	if !ok {
		return models.Fields{}, nil
	}
	col := m.Convert(field, column)
	if len(col.Values) == 0 {
		return models.Fields{}, nil
	}
	return models.Fields{column: col}, nil
}

// Convert はフィールド値を column 列の値に変換します
func (m *FieldMapper) Convert(field models.CustomField, column string) models.Column {
	v := field.Value
	col := models.Column{List: strings.HasPrefix(field.Type, "Multi") || m.cfg.IsLabelColumn(column)}

	switch v.Kind {
	case models.KindEnumeration:
		values := m.cfg.ValueMaps[field.Name]
		for _, name := range v.Names {
			if mapped, ok := values[name]; ok {
				name = mapped
			}
			if m.cfg.IsLabelColumn(column) {
				name = TagSafe(name)
			}
			if name != "" {
				col.Values = append(col.Values, name)
			}
		}
	case models.KindUser:
		for _, u := range v.Users {
			col.Values = append(col.Values, NormalizeIdentity(u, m.cfg.EmailSuffix))
		}
	case models.KindDuration:
		// JIRAのタイムトラッキング列は秒単位
		col.Seconds = true
		for _, minutes := range v.Minutes {
			col.Values = append(col.Values, strconv.FormatInt(minutes*60, 10))
		}
	case models.KindText:
		for _, text := range v.Texts {
			col.Values = append(col.Values, ConvertMarkup(text))
		}
	default:
		if v.Raw != "" {
			log.WithFields(log.Fields{"field": field.Name, "type": field.Type}).
				Warn("不明なフィールド型のため値をそのまま出力します")
			col.Values = append(col.Values, gjson.Parse(v.Raw).String())
		}
	}
	if len(col.Values) > 1 {
		col.List = true
	}
	return col
}

// TagSafe は空白の連続を "-" に置き換えます (JIRAのラベルは空白を許可しない)
func TagSafe(s string) string {
	return strings.Join(strings.Fields(s), "-")
}
