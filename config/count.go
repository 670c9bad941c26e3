package config

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// AllIssues はプロジェクトの全イシューを取得することを表します
const AllIssues IssueCount = -1

// IssueCount は取得するイシュー数です。YAMLでは整数または "all" を指定します
type IssueCount int

// All は全件取得かどうかを返します
func (n IssueCount) All() bool {
	return n < 0
}

func (n IssueCount) String() string {
	if n.All() {
		return "all"
	}
	return strconv.Itoa(int(n))
}

// UnmarshalYAML は整数または "all" を受け付けます
func (n *IssueCount) UnmarshalYAML(node *yaml.Node) error {
	value := strings.TrimSpace(node.Value)
	if strings.EqualFold(value, "all") {
		*n = AllIssues
		return nil
	}
	count, err := strconv.Atoi(value)
	if err != nil || count < 1 {
		return errors.Wrapf(ErrInvalid, "num_issues_to_retrieve は正の整数または all である必要があります: %q", node.Value)
	}
	*n = IssueCount(count)
	return nil
}
