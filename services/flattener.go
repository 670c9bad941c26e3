package services

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"youtracktojira/config"
	"youtracktojira/models"
)

// Flattener はYouTrackのイシューを1件の FlatRecord に射影します
type Flattener struct {
	cfg    *config.Config
	mapper *FieldMapper
}

// NewFlattener は新しい Flattener を作成します
func NewFlattener(cfg *config.Config, mapper *FieldMapper) *Flattener {
	return &Flattener{
		cfg:    cfg,
		mapper: mapper,
	}
}

// Skip は種別名に skip_issue_types のいずれかを含み、移行しないイシューかどうかを返します
func (f *Flattener) Skip(issue *models.Issue) bool {
	typeName := strings.ToLower(issueType(issue, f.cfg.Hierarchy.TypeField))
	if typeName == "" {
		return false
	}
	for _, skip := range f.cfg.SkipIssueTypes {
		if skip != "" && strings.Contains(typeName, strings.ToLower(skip)) {
			return true
		}
	}
	return false
}

// Flatten はイシューを FlatRecord に変換します。入力のイシューは変更しません。
// 未解決のリンク種別は ErrConfig を返します。
func (f *Flattener) Flatten(issue *models.Issue, index *IssueIndex) (*models.FlatRecord, error) {
	rec := &models.FlatRecord{
		Key:    issue.IDReadable,
		Fields: models.Fields{},
	}
	suffix := f.cfg.EmailSuffix
	reporter := normalizeRef(issue.Reporter, suffix)
	banned := newBannedSet(suffix)

	// 固定列。日時はエポックミリ秒のまま保持し、書式変換はCSV出力時に一度だけ行う
	rec.Fields.Merge(models.Fields{
		ColumnIssueKey:    {Values: []string{issue.IDReadable}},
		ColumnSummary:     {Values: []string{issue.Summary}},
		ColumnDescription: {Values: []string{ConvertMarkup(issue.Description)}},
		ColumnReporter:    {Values: []string{reporter}},
		ColumnCreated:     dateColumn(issue.Created),
		ColumnUpdated:     dateColumn(issue.Updated),
	})
	if updater := normalizeRef(issue.Updater, suffix); updater != "" {
		rec.Fields[ColumnUpdater] = models.Column{Values: []string{updater}}
	}
	if issue.Resolved != nil {
		rec.Fields[ColumnResolved] = dateColumn(*issue.Resolved)
	}
	banned.add(issue.Reporter)
	banned.add(issue.Updater)

	// カスタムフィールド
	scope := index.Scope(issue)
	for _, field := range issue.CustomFields {
		for i := range field.Value.Users {
			banned.add(&field.Value.Users[i])
		}
		mapped, ok, err := f.mapper.Map(field, scope)
		if err != nil {
			return nil, errors.Wrapf(err, "イシュー %s", issue.IDReadable)
		}
		if !ok {
			rec.Skipped = append(rec.Skipped, field.Name)
			continue
		}
		// 上書き関数が comment 列に出力した値はコメントとして追加する
		if col, ok := mapped[ColumnComment]; ok {
			for _, text := range col.Values {
				rec.Comments = append(rec.Comments, models.CommentEntry{Author: reporter, Text: text, Created: issue.Created})
			}
			delete(mapped, ColumnComment)
		}
		rec.Fields.Merge(mapped)
	}

	if rec.Value(ColumnIssueType) == "Epic" && rec.Value(ColumnEpicName) == "" {
		rec.Fields[ColumnEpicName] = models.Column{Values: []string{issue.Summary}}
	}
	for column, col := range resolveHierarchy(f.cfg.Hierarchy, issue, scope) {
		if _, ok := rec.Fields[column]; !ok {
			rec.Fields[column] = col
		}
	}

	// タグ
	if len(issue.Tags) > 0 {
		labels := models.Column{List: true}
		for _, tag := range issue.Tags {
			if name := TagSafe(tag.Name); name != "" {
				labels.Values = append(labels.Values, name)
			}
		}
		rec.Fields.Merge(models.Fields{ColumnLabels: labels})
	}

	// コメント (順序を維持)
	comments := make([]models.CommentEntry, 0, len(issue.Comments)+len(rec.Comments))
	for _, c := range issue.Comments {
		banned.add(c.Author)
		comments = append(comments, models.CommentEntry{
			Author:  normalizeRef(c.Author, suffix),
			Text:    ConvertMarkup(c.Text),
			Created: c.Created,
		})
	}
	rec.Comments = append(comments, rec.Comments...)

	links, err := f.flattenLinks(issue, index)
	if err != nil {
		return nil, err
	}
	rec.Fields.Merge(links)

	for _, w := range issue.WorkItems {
		banned.add(w.Author)
		rec.Worklogs = append(rec.Worklogs, f.worklog(w))
	}

	rec.Banned = banned.list()
	return rec, nil
}

func (f *Flattener) flattenLinks(issue *models.Issue, index *IssueIndex) (models.Fields, error) {
	fields := models.Fields{}
	for _, link := range issue.Links {
		keys := link.TargetKeys()
		// YouTrackは空のリンクグループも返すため、対象のあるグループだけを解決する
		if len(keys) == 0 {
			continue
		}
		typeName := link.TypeName()
		id, ok := f.cfg.LinkTypes[typeName]
		if !ok {
			return nil, errors.Wrapf(ErrConfig, "イシュー %s: リンク種別 %q が link_types に定義されていません", issue.IDReadable, typeName)
		}
		if id == "" {
			// 明示的に出力しないと設定されたリンク種別
			continue
		}

		symmetric := containsFold(f.cfg.SymmetricLinkTypes, typeName)
		// 両方向の名前が同じIDに対応する場合、同じリンクが両側のイシューに現れる
		paired := !symmetric && link.Inbound() && f.pairedLinkType(link.LinkType)
		column := LinkColumn(id)
		if paired {
			column = InwardLinkColumn(id)
		}

		col := models.Column{List: true}
		for _, target := range keys {
			pos := index.Position(target)
			if pos < 0 {
				log.WithFields(log.Fields{"issue": issue.IDReadable, "target": target, "link": typeName}).
					Warn("リンク先のイシューが取得範囲にありません。キーはそのまま出力します")
			}
			counterpart, emitted := f.emitted(index, target)
			switch {
			case symmetric:
				// 双方向に同じ種別で張られたリンクは入力順で後のイシューだけが持つ
				if emitted && pos > index.Position(issue.IDReadable) && hasLinkTo(counterpart, issue.IDReadable, func(l models.Link) bool {
					return l.TypeName() == typeName
				}) {
					continue
				}
			case paired:
				// 被リンク側は、リンク元が同じリンクを出力する場合は持たない
				if emitted && hasLinkTo(counterpart, issue.IDReadable, func(l models.Link) bool {
					return !l.Inbound() && l.LinkType == link.LinkType
				}) {
					continue
				}
			}
			col.Values = append(col.Values, target)
		}
		if len(col.Values) > 0 {
			fields.Merge(models.Fields{column: col})
		}
	}
	return fields, nil
}

// pairedLinkType はリンク種別の両方向の名前が同じJIRAのリンク種別IDに対応するかを返します
func (f *Flattener) pairedLinkType(t models.LinkType) bool {
	if t.SourceToTarget == t.TargetToSource {
		return false
	}
	outward, ok := f.cfg.LinkTypes[t.SourceToTarget]
	return ok && outward != "" && outward == f.cfg.LinkTypes[t.TargetToSource]
}

// emitted は key のイシューが取得済みで、かつCSVに出力されるかを返します
func (f *Flattener) emitted(index *IssueIndex, key string) (*models.Issue, bool) {
	issue, ok := index.Lookup(key)
	if !ok || f.Skip(issue) {
		return nil, false
	}
	return issue, true
}

func (f *Flattener) worklog(w models.WorkItem) models.WorklogEntry {
	name := ""
	switch {
	case w.Creator != nil && w.Creator.FullName != "":
		name = w.Creator.FullName
	case w.Author != nil:
		name = w.Author.FullName
	}
	text := fmt.Sprintf("%s [%s]: %s", name, w.TypeName(), w.Text)
	if attrs := w.AttributeMap(); len(attrs) > 0 {
		keys := make([]string, 0, len(attrs))
		for k := range attrs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = k + "=" + attrs[k]
		}
		text += " (" + strings.Join(parts, ", ") + ")"
	}
	return models.WorklogEntry{
		Author:  normalizeRef(w.Author, f.cfg.EmailSuffix),
		Text:    text,
		Seconds: w.Duration.Minutes * 60,
		Date:    f.worklogDate(w.Date),
	}
}

// worklogDate はYouTrackの作業日 (UTC零時) がJIRAで前日に表示されないようずらします。
// 作業日がない場合は 0 のままにします。
func (f *Flattener) worklogDate(ms int64) int64 {
	if ms == 0 {
		return 0
	}
	return ms + int64(f.cfg.WorklogDayOffset)*(24*time.Hour).Milliseconds()
}

func dateColumn(ms int64) models.Column {
	return models.Column{Values: []string{strconv.FormatInt(ms, 10)}, Date: true}
}

// bannedSet はイシュー内に登場したBAN済みユーザーを重複なく集めます
type bannedSet struct {
	suffix string
	seen   map[string]bool
	names  []string
}

func newBannedSet(suffix string) *bannedSet {
	return &bannedSet{suffix: suffix, seen: map[string]bool{}}
}

func (b *bannedSet) add(id *models.Identity) {
	if id == nil || !id.Banned {
		return
	}
	name := NormalizeIdentity(*id, b.suffix)
	if b.seen[name] {
		return
	}
	b.seen[name] = true
	b.names = append(b.names, name)
}

func (b *bannedSet) list() []string {
	return b.names
}
