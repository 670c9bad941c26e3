package services

import (
	"encoding/csv"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"youtracktojira/config"
	"youtracktojira/models"
)

// roundSeconds はJIRAインポーターが最初の時間値として受け付ける単位 (1時間) です
const roundSeconds = 3600

// 出力するフィールドと順序の既定値
var baseColumns = []string{
	ColumnIssueKey, ColumnSummary, ColumnDescription, ColumnReporter, ColumnAssignee,
	ColumnStatus, ColumnIssueType, ColumnPriority, ColumnCreated, ColumnUpdated, ColumnResolved,
	ColumnLabels, ColumnComponents, ColumnEpicLink, ColumnEpicName, ColumnStoryPoints, ColumnSprint,
}

// ColumnOrder はCSVの列順を返します。設定の columns があればそれを使います
func ColumnOrder(cfg *config.Config) []string {
	if len(cfg.Columns) > 0 {
		return append([]string(nil), cfg.Columns...)
	}

	seen := map[string]bool{ColumnComment: true, ColumnWorklog: true}
	order := make([]string, 0, len(baseColumns)+len(cfg.LinkTypes)+len(cfg.FieldColumns)+2)
	for _, c := range baseColumns {
		seen[c] = true
		order = append(order, c)
	}

	var links []string
	directed := map[string]int{}
	for name, id := range cfg.LinkTypes {
		if id == "" {
			continue
		}
		if !seen[LinkColumn(id)] {
			seen[LinkColumn(id)] = true
			links = append(links, LinkColumn(id))
		}
		if !containsFold(cfg.SymmetricLinkTypes, name) {
			directed[id]++
		}
	}
	// 両方向の名前が同じIDに対応するリンク種別は被リンク側の列も持つ
	for id, n := range directed {
		if n > 1 {
			links = append(links, InwardLinkColumn(id))
		}
	}
	sort.Strings(links)
	order = append(order, links...)

	var extra []string
	addExtra := func(c string) {
		if c != "" && !seen[c] {
			seen[c] = true
			extra = append(extra, c)
		}
	}
	for _, c := range cfg.FieldColumns {
		addExtra(c)
	}
	for _, name := range cfg.Overrides {
		if name == OverrideOverflow {
			addExtra(cfg.OverflowColumn)
		}
	}
	if cfg.Hierarchy.ParentLink != "" {
		addExtra(ColumnParentStory)
	}
	sort.Strings(extra)
	order = append(order, extra...)

	return append(order, ColumnComment, ColumnWorklog)
}

// CustomColumns は columns のうちJIRAインポーターの標準列とリンク列以外を返します
func CustomColumns(columns []string) []string {
	standard := map[string]bool{ColumnUpdater: true, ColumnParentStory: true, ColumnComment: true, ColumnWorklog: true}
	for _, c := range baseColumns {
		standard[c] = true
	}
	var custom []string
	for _, c := range columns {
		if !standard[c] && !strings.HasPrefix(c, LinkColumn("")) {
			custom = append(custom, c)
		}
	}
	return custom
}

// CSVEmitter は FlatRecord をJIRAインポーター用のCSVに書き出します
type CSVEmitter struct {
	dateFormat string
	location   *time.Location
}

// NewCSVEmitter は新しい CSVEmitter を作成します
func NewCSVEmitter(cfg *config.Config) *CSVEmitter {
	return &CSVEmitter{
		dateFormat: cfg.DateFormat,
		location:   cfg.Location(),
	}
}

// Emit はヘッダー行と各レコードの行グループを書き出します。
// 同じ issuekey を持つ行はインポーターによって1件のイシューに統合されます。
func (e *CSVEmitter) Emit(w io.Writer, records []*models.FlatRecord, columns []string) error {
	blocks := make([]*rowBlock, len(records))
	for i, rec := range records {
		blocks[i] = newRowBlock(rec)
	}
	blocks = orderForTimeQuirk(blocks, columns)

	writer := csv.NewWriter(w)
	if err := writer.Write(columns); err != nil {
		return errors.Wrap(err, "ヘッダー書き込みエラー")
	}

	known := make(map[string]bool, len(columns))
	for _, c := range columns {
		known[c] = true
	}
	unmapped := map[string]bool{}

	for _, b := range blocks {
		for name := range b.rec.Fields {
			if !known[name] && !unmapped[name] {
				unmapped[name] = true
				log.WithField("column", name).Debug("列順に含まれない列は出力しません")
			}
		}
		rows := b.rowCount(known)
		for i := 0; i < rows; i++ {
			row := make([]string, len(columns))
			for j, column := range columns {
				row[j] = e.cell(b, column, i)
			}
			if err := writer.Write(row); err != nil {
				return errors.Wrapf(err, "行書き込みエラー: %s", b.rec.Key)
			}
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return errors.Wrap(err, "CSV書き込み完了エラー")
	}
	return nil
}

func (e *CSVEmitter) cell(b *rowBlock, column string, row int) string {
	switch column {
	case ColumnComment:
		if row >= len(b.rec.Comments) {
			return ""
		}
		c := b.rec.Comments[row]
		// JIRAのコメント形式: 日時;ユーザー;本文
		return strings.Join([]string{e.formatDate(c.Created), c.Author, c.Text}, ";")
	case ColumnWorklog:
		if row >= len(b.worklogs) {
			return ""
		}
		w := b.worklogs[row]
		// JIRAの作業ログ形式: コメント;日時;ユーザー;秒数
		return strings.Join([]string{w.Text, e.formatDate(w.Date), w.Author, strconv.FormatInt(w.Seconds, 10)}, ";")
	}

	col, ok := b.rec.Fields[column]
	if !ok || len(col.Values) == 0 {
		return ""
	}
	value := col.Values[0]
	if col.List {
		if row >= len(col.Values) {
			return ""
		}
		value = col.Values[row]
	}
	if col.Date {
		ms, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return value
		}
		return e.formatDate(ms)
	}
	return value
}

func (e *CSVEmitter) formatDate(ms int64) string {
	if ms == 0 {
		return ""
	}
	return time.UnixMilli(ms).In(e.location).Format(e.dateFormat)
}

// rowBlock は1レコード分の行グループです。作業ログの出力順だけを入れ替えられます
type rowBlock struct {
	rec      *models.FlatRecord
	worklogs []models.WorklogEntry
}

func newRowBlock(rec *models.FlatRecord) *rowBlock {
	return &rowBlock{rec: rec, worklogs: rec.Worklogs}
}

// rowCount は行グループの行数です。出力しない列は数えません
func (b *rowBlock) rowCount(known map[string]bool) int {
	n := 1
	if known[ColumnComment] && len(b.rec.Comments) > n {
		n = len(b.rec.Comments)
	}
	if known[ColumnWorklog] && len(b.worklogs) > n {
		n = len(b.worklogs)
	}
	for name, col := range b.rec.Fields {
		if known[name] && col.List && len(col.Values) > n {
			n = len(col.Values)
		}
	}
	return n
}

// leadTimes は先頭行に現れる時間値 (秒) を返します。
// 時間値を持つレコードでは、先頭行が必ず最初の時間値を持つ行になります。
func (b *rowBlock) leadTimes(columns []string) (fields []int64, worklog int64, hasWorklog bool) {
	for _, column := range columns {
		if column == ColumnWorklog && len(b.worklogs) > 0 {
			worklog, hasWorklog = b.worklogs[0].Seconds, true
			continue
		}
		col, ok := b.rec.Fields[column]
		if !ok || !col.Seconds || len(col.Values) == 0 {
			continue
		}
		if s, err := strconv.ParseInt(col.Values[0], 10, 64); err == nil {
			fields = append(fields, s)
		}
	}
	return fields, worklog, hasWorklog
}

func (b *rowBlock) hasTime(columns []string) bool {
	fields, _, hasWorklog := b.leadTimes(columns)
	return len(fields) > 0 || hasWorklog
}

// makeLeadRound は先頭行の時間値をすべて丸い値にできれば true を返します。
// 必要なら丸い値の作業ログを先頭に移動します (コメントの順序は変えない)。
func (b *rowBlock) makeLeadRound(columns []string) bool {
	fields, worklog, hasWorklog := b.leadTimes(columns)
	for _, s := range fields {
		if !isRound(s) {
			return false
		}
	}
	if !hasWorklog || isRound(worklog) {
		return true
	}
	for k, w := range b.worklogs {
		if isRound(w.Seconds) {
			reordered := make([]models.WorklogEntry, 0, len(b.worklogs))
			reordered = append(reordered, w)
			reordered = append(reordered, b.worklogs[:k]...)
			reordered = append(reordered, b.worklogs[k+1:]...)
			b.worklogs = reordered
			return true
		}
	}
	return false
}

func isRound(seconds int64) bool {
	return seconds > 0 && seconds%roundSeconds == 0
}

// orderForTimeQuirk はJIRAインポーターの不具合を回避するための並べ替えです。
// ファイル内で最初に時間値を持つ行が丸い値 (1時間の倍数) でないと、以降の時間値が正しく解析されません。
// 該当レコード内で解決できなければ、条件を満たす後続のレコードをその前に移動します。
func orderForTimeQuirk(blocks []*rowBlock, columns []string) []*rowBlock {
	first := -1
	for i, b := range blocks {
		if b.hasTime(columns) {
			first = i
			break
		}
	}
	if first < 0 || blocks[first].makeLeadRound(columns) {
		return blocks
	}

	for j := first + 1; j < len(blocks); j++ {
		if !blocks[j].hasTime(columns) || !blocks[j].makeLeadRound(columns) {
			continue
		}
		ordered := make([]*rowBlock, 0, len(blocks))
		ordered = append(ordered, blocks[:first]...)
		ordered = append(ordered, blocks[j])
		ordered = append(ordered, blocks[first:j]...)
		ordered = append(ordered, blocks[j+1:]...)
		log.WithFields(log.Fields{"issue": blocks[j].rec.Key, "before": blocks[first].rec.Key}).
			Info("最初の時間値を丸い値にするためイシューの順序を入れ替えました")
		return ordered
	}

	log.WithField("issue", blocks[first].rec.Key).
		Warn("丸い時間値を持つイシューがありません。JIRAインポーターが時間値を誤って解析する可能性があります")
	return blocks
}
