package services

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"youtracktojira/models"
)

// 設定ファイルの overrides で指定できる上書き関数
const (
	OverrideSprintID  = "sprint-id"
	OverrideOverflow  = "overflow"
	OverrideAsComment = "as-comment"
)

func (m *FieldMapper) stockOverride(field, name string) (FieldFunc, error) {
	switch name {
	case OverrideSprintID:
		return m.sprintID, nil
	case OverrideOverflow:
		if m.cfg.OverflowColumn == "" {
			return nil, errors.Wrapf(ErrConfig, "フィールド %q: overflow には overflow_column が必要です", field)
		}
		return m.overflow, nil
	case OverrideAsComment:
		return m.asComment, nil
	}
	return nil, errors.Wrapf(ErrConfig, "フィールド %q: 不明な上書き関数 %q", field, name)
}

// sprintID はスプリント名をJIRAのスプリントIDに変換します。
// JIRA側でスプリントを順番に手動作成しておき、そのID差を sprint_id_offset に設定する必要があります。
func (m *FieldMapper) sprintID(field models.CustomField, _ Scope) (models.Fields, error) {
	column, ok := m.Column(field.Name)
	if !ok {
		column = ColumnSprint
	}
	col := models.Column{List: true}
	for _, name := range append(append([]string(nil), field.Value.Names...), field.Value.Texts...) {
		if strings.Contains(name, "Backlog") || strings.Contains(name, "Bug Board") {
			continue
		}
		parts := strings.Fields(name)
		if len(parts) == 0 {
			continue
		}
		n, err := strconv.Atoi(parts[len(parts)-1])
		if err != nil {
			log.WithFields(log.Fields{"field": field.Name, "sprint": name}).Warn("スプリント番号を取得できないためスキップします")
			continue
		}
		col.Values = append(col.Values, strconv.Itoa(n+m.cfg.SprintIDOffset))
	}
	if len(col.Values) == 0 {
		return models.Fields{}, nil
	}
	return models.Fields{column: col}, nil
}

// overflow は先頭のユーザーを本来の列に、残りを overflow_column に振り分けます
func (m *FieldMapper) overflow(field models.CustomField, _ Scope) (models.Fields, error) {
	column, ok := m.Column(field.Name)
	if !ok {
		column = ColumnAssignee
	}
	col := m.Convert(field, column)
	if len(col.Values) == 0 {
		return models.Fields{}, nil
	}
	fields := models.Fields{column: {Values: col.Values[:1]}}
	if len(col.Values) > 1 {
		fields[m.cfg.OverflowColumn] = models.Column{Values: col.Values[1:], List: true}
	}
	return fields, nil
}

// asComment はフィールドの内容をコメントとして追加します
func (m *FieldMapper) asComment(field models.CustomField, _ Scope) (models.Fields, error) {
	col := m.Convert(field, ColumnComment)
	if len(col.Values) == 0 {
		return models.Fields{}, nil
	}
	text := field.Name + ":\n" + strings.Join(col.Values, "\n")
	return models.Fields{ColumnComment: {Values: []string{text}, List: true}}, nil
}
