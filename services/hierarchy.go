package services

import (
	"strings"

	log "github.com/sirupsen/logrus"

	"youtracktojira/config"
	"youtracktojira/models"
)

// resolveHierarchy は親リンクをたどってJIRAの階層用の列を求めます。
//   - epic_types の祖先     → components (要約)
//   - feature_types の祖先  → epic-link (要約。JIRAのEpic Nameと一致させる)
//   - story_types の祖先    → parent-story (イシューキー)
func resolveHierarchy(h config.Hierarchy, issue *models.Issue, scope Scope) models.Fields {
	fields := models.Fields{}
	if h.ParentLink == "" {
		return fields
	}

	visited := map[string]bool{issue.IDReadable: true}
	current := issue
	for {
		parentKey := firstLinkTarget(current, h.ParentLink)
		if parentKey == "" || visited[parentKey] {
			return fields
		}
		visited[parentKey] = true

		parent, ok := scope.Lookup(parentKey)
		if !ok {
			log.WithFields(log.Fields{"issue": issue.IDReadable, "parent": parentKey}).
				Warn("親イシューが取得範囲にないため階層をたどれません")
			return fields
		}

		typeName := issueType(parent, h.TypeField)
		switch {
		case containsFold(h.EpicTypes, typeName):
			fields[ColumnComponents] = models.Column{Values: []string{parent.Summary}}
			return fields
		case containsFold(h.FeatureTypes, typeName):
			if _, ok := fields[ColumnEpicLink]; !ok {
				fields[ColumnEpicLink] = models.Column{Values: []string{parent.Summary}}
			}
		case containsFold(h.StoryTypes, typeName):
			if _, ok := fields[ColumnParentStory]; !ok {
				fields[ColumnParentStory] = models.Column{Values: []string{parent.IDReadable}}
			}
		}
		current = parent
	}
}

func firstLinkTarget(issue *models.Issue, typeName string) string {
	for _, link := range issue.Links {
		if link.TypeName() != typeName {
			continue
		}
		if keys := link.TargetKeys(); len(keys) > 0 {
			return keys[0]
		}
	}
	return ""
}

// issueType は種別フィールドの値 (列挙の先頭) を返します
func issueType(issue *models.Issue, typeField string) string {
	if typeField == "" {
		typeField = "Type"
	}
	field, ok := issue.Field(typeField)
	if !ok || len(field.Value.Names) == 0 {
		return ""
	}
	return field.Value.Names[0]
}

func containsFold(list []string, s string) bool {
	if s == "" {
		return false
	}
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}
