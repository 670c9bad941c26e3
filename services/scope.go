package services

import (
	"youtracktojira/models"
)

// Scope は変換中のイシューと、同じプロジェクトの他のイシューへの参照を提供します
type Scope interface {
	Current() *models.Issue
	Lookup(key string) (*models.Issue, bool)
}

// IssueIndex は取得済みイシューをキーで引けるようにした読み取り専用の索引です
type IssueIndex struct {
	issues   []models.Issue
	position map[string]int
}

// NewIssueIndex は入力順を保持した索引を作成します
func NewIssueIndex(issues []models.Issue) *IssueIndex {
	position := make(map[string]int, len(issues))
	for i, issue := range issues {
		position[issue.IDReadable] = i
	}
	return &IssueIndex{issues: issues, position: position}
}

// Lookup はキーでイシューを検索します
func (x *IssueIndex) Lookup(key string) (*models.Issue, bool) {
	i, ok := x.position[key]
	if !ok {
		return nil, false
	}
	return &x.issues[i], true
}

// Position は入力順での位置を返します。存在しない場合は -1
func (x *IssueIndex) Position(key string) int {
	if i, ok := x.position[key]; ok {
		return i
	}
	return -1
}

// Scope は issue を現在のイシューとするスコープを返します
func (x *IssueIndex) Scope(issue *models.Issue) Scope {
	return issueScope{index: x, current: issue}
}

// hasLinkTo は issue が match に該当するリンクグループで target を参照しているかを返します
func hasLinkTo(issue *models.Issue, target string, match func(models.Link) bool) bool {
	for _, link := range issue.Links {
		if !match(link) {
			continue
		}
		for _, k := range link.TargetKeys() {
			if k == target {
				return true
			}
		}
	}
	return false
}

type issueScope struct {
	index   *IssueIndex
	current *models.Issue
}

func (s issueScope) Current() *models.Issue {
	return s.current
}

func (s issueScope) Lookup(key string) (*models.Issue, bool) {
	return s.index.Lookup(key)
}
