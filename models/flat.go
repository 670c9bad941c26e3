package models

// Column はJIRA CSVの1列分の値です
type Column struct {
	Values []string
	// List が true の場合、値は1行に1つずつ展開されます。false の場合は全行で繰り返されます
	List bool
	// Seconds は値が秒単位の時間(タイムトラッキング)であることを示します
	Seconds bool
	// Date は値がエポックミリ秒で、出力時に日付書式へ変換されることを示します
	Date bool
}

// Fields は 列名→値 のマップです。フィールド変換の結果として使われます
type Fields map[string]Column

// Merge は other の値を追記します。同じ列に複数の値が入った場合はリスト列になります
func (f Fields) Merge(other Fields) {
	for name, col := range other {
		cur, ok := f[name]
		if !ok {
			f[name] = Column{
				Values:  append([]string(nil), col.Values...),
				List:    col.List,
				Seconds: col.Seconds,
				Date:    col.Date,
			}
			continue
		}
		cur.Values = append(cur.Values, col.Values...)
		cur.List = cur.List || col.List || len(cur.Values) > 1
		cur.Seconds = cur.Seconds || col.Seconds
		cur.Date = cur.Date || col.Date
		f[name] = cur
	}
}

// CommentEntry はJIRAのコメント1件です
type CommentEntry struct {
	Author  string
	Text    string
	Created int64 // エポックミリ秒
}

// WorklogEntry はJIRAの作業ログ1件です
type WorklogEntry struct {
	Author  string
	Text    string
	Seconds int64
	Date    int64 // エポックミリ秒
}

// FlatRecord は1イシューをJIRAの列スキーマに射影したものです。
// 構築後は変更されず、CSV出力でのみ読み取られます。
type FlatRecord struct {
	Key      string
	Fields   Fields
	Comments []CommentEntry
	Worklogs []WorklogEntry

	// Skipped は列が見つからずスキップしたカスタムフィールド名です
	Skipped []string
	// Banned はこのイシューに登場したBAN済みユーザーです
	Banned []string
}

// Value は列の先頭の値を返します
func (r *FlatRecord) Value(column string) string {
	col, ok := r.Fields[column]
	if !ok || len(col.Values) == 0 {
		return ""
	}
	return col.Values[0]
}
