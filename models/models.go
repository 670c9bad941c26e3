package models

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/tidwall/gjson"
)

// Identity はYouTrackのユーザー情報を表します
type Identity struct {
	FullName string `json:"fullName"`
	Email    string `json:"email"`
	Login    string `json:"login,omitempty"`
	Banned   bool   `json:"banned"`
}

// Issue はYouTrackのイシューを表します (APIレスポンスまたはキャッシュJSON)
type Issue struct {
	ID           string        `json:"id"`
	IDReadable   string        `json:"idReadable"` // PROJECT-123 形式。プロジェクト内で一意
	Summary      string        `json:"summary"`
	Description  string        `json:"description"`
	Created      int64         `json:"created"` // エポックミリ秒
	Updated      int64         `json:"updated"`
	Resolved     *int64        `json:"resolved"`
	Reporter     *Identity     `json:"reporter"`
	Updater      *Identity     `json:"updater"`
	Comments     []Comment     `json:"comments"`
	Tags         []Tag         `json:"tags"`
	Links        []Link        `json:"links"`
	CustomFields []CustomField `json:"customFields"`
	WorkItems    []WorkItem    `json:"worklogs"`
}

// Field は名前でカスタムフィールドを検索します
func (i *Issue) Field(name string) (CustomField, bool) {
	for _, f := range i.CustomFields {
		if f.Name == name {
			return f, true
		}
	}
	return CustomField{}, false
}

// Comment はイシューのコメントです
type Comment struct {
	Text    string    `json:"text"`
	Author  *Identity `json:"author"`
	Created int64     `json:"created"`
}

// Tag はイシューのタグです
type Tag struct {
	Name string `json:"name"`
}

// LinkType はリンク種別の定義です
type LinkType struct {
	Name           string `json:"name"`
	SourceToTarget string `json:"sourceToTarget"`
	TargetToSource string `json:"targetToSource"`
}

// LinkedIssue はリンク先のイシューです
type LinkedIssue struct {
	IDReadable string `json:"idReadable"`
}

// Link はイシュー間のリンクグループです
type Link struct {
	Direction string        `json:"direction"` // INWARD / OUTWARD / BOTH
	LinkType  LinkType      `json:"linkType"`
	Issues    []LinkedIssue `json:"issues"`
}

// Inbound は被リンク側のグループかどうかを返します
func (l Link) Inbound() bool {
	return strings.Contains(l.Direction, "INWARD")
}

// TypeName は方向を考慮したリンク種別名を返します
func (l Link) TypeName() string {
	if l.Inbound() {
		return l.LinkType.TargetToSource
	}
	return l.LinkType.SourceToTarget
}

// TargetKeys はリンク先のイシューキーを返します
func (l Link) TargetKeys() []string {
	keys := make([]string, 0, len(l.Issues))
	for _, issue := range l.Issues {
		if issue.IDReadable != "" {
			keys = append(keys, issue.IDReadable)
		}
	}
	return keys
}

// NamedValue は名前だけを持つ参照値です
type NamedValue struct {
	Name string `json:"name"`
}

// WorkItemAttribute は作業ログの属性です
type WorkItemAttribute struct {
	Name  string      `json:"name"`
	Value *NamedValue `json:"value"`
}

// Period はYouTrackの期間値です
type Period struct {
	Minutes int64 `json:"minutes"`
}

// WorkItem はYouTrackの作業ログを表します
type WorkItem struct {
	Author     *Identity           `json:"author"`
	Creator    *Identity           `json:"creator"`
	Text       string              `json:"text"`
	Type       *NamedValue         `json:"type"`
	Created    int64               `json:"created"`
	Updated    int64               `json:"updated"`
	Date       int64               `json:"date"`
	Duration   Period              `json:"duration"`
	Attributes []WorkItemAttribute `json:"attributes"`
	Issue      *LinkedIssue        `json:"issue,omitempty"`
}

// TypeName は作業タイプ名を返します。未設定の場合は "No Worktype"
func (w WorkItem) TypeName() string {
	if w.Type == nil || w.Type.Name == "" {
		return "No Worktype"
	}
	return w.Type.Name
}

// AttributeMap は属性を 名前→値 のマップで返します
func (w WorkItem) AttributeMap() map[string]string {
	attrs := make(map[string]string, len(w.Attributes))
	for _, a := range w.Attributes {
		if a.Value != nil {
			attrs[a.Name] = a.Value.Name
		}
	}
	return attrs
}

// FieldKind はカスタムフィールド値の種類です
type FieldKind int

const (
	KindUnknown FieldKind = iota
	KindEnumeration
	KindUser
	KindDuration
	KindText
)

func (k FieldKind) String() string {
	switch k {
	case KindEnumeration:
		return "enumeration"
	case KindUser:
		return "user"
	case KindDuration:
		return "duration"
	case KindText:
		return "text"
	}
	return "unknown"
}

// FieldValue はカスタムフィールド値のタグ付きバリアントです。
// Kind はデシリアライズ時に $type から一度だけ決定されます。
type FieldValue struct {
	Kind    FieldKind
	Names   []string   // KindEnumeration
	Users   []Identity // KindUser
	Minutes []int64    // KindDuration
	Texts   []string   // KindText
	Raw     string     // KindUnknown
}

// Empty は値が設定されていないかどうかを返します
func (v FieldValue) Empty() bool {
	return len(v.Names) == 0 && len(v.Users) == 0 && len(v.Minutes) == 0 && len(v.Texts) == 0 && v.Raw == ""
}

// CustomField はYouTrackのカスタムフィールドです
type CustomField struct {
	Name  string
	Type  string // YouTrackの $type
	Value FieldValue
}

// UnmarshalJSON は $type に従って値の種類を決定します
func (f *CustomField) UnmarshalJSON(data []byte) error {
	if !gjson.ValidBytes(data) {
		return errors.New("カスタムフィールドのJSONが不正です")
	}
	res := gjson.ParseBytes(data)
	f.Name = res.Get("name").String()
	f.Type = res.Get("$type").String()
	f.Value = decodeFieldValue(f.Type, res.Get("value"))
	return nil
}

func decodeFieldValue(typ string, value gjson.Result) FieldValue {
	kind := kindOf(typ)
	fv := FieldValue{Kind: kind}
	if !value.Exists() || value.Type == gjson.Null {
		return fv
	}

	items := []gjson.Result{value}
	if value.IsArray() {
		items = value.Array()
	}

	switch kind {
	case KindEnumeration:
		for _, item := range items {
			// StateMachine は StateBundleElement 以外で素の値を返すことがある
			if item.IsObject() {
				fv.Names = append(fv.Names, item.Get("name").String())
			} else {
				fv.Names = append(fv.Names, item.String())
			}
		}
	case KindUser:
		for _, item := range items {
			fv.Users = append(fv.Users, Identity{
				FullName: item.Get("fullName").String(),
				Email:    item.Get("email").String(),
				Login:    item.Get("login").String(),
				Banned:   item.Get("banned").Bool(),
			})
		}
	case KindDuration:
		for _, item := range items {
			fv.Minutes = append(fv.Minutes, item.Get("minutes").Int())
		}
	case KindText:
		for _, item := range items {
			if item.IsObject() {
				fv.Texts = append(fv.Texts, item.Get("text").String())
			} else {
				fv.Texts = append(fv.Texts, item.String())
			}
		}
	default:
		fv.Raw = value.Raw
	}
	return fv
}

func kindOf(typ string) FieldKind {
	switch {
	case strings.Contains(typ, "Enum"),
		strings.HasPrefix(typ, "State"),
		strings.Contains(typ, "Version"),
		strings.Contains(typ, "Build"),
		strings.Contains(typ, "Owned"):
		return KindEnumeration
	case strings.Contains(typ, "User"):
		return KindUser
	case strings.HasPrefix(typ, "Period"):
		return KindDuration
	case strings.HasPrefix(typ, "Text"), strings.HasPrefix(typ, "Simple"):
		return KindText
	}
	return KindUnknown
}

// Project はYouTrackのプロジェクト情報です
type Project struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	ShortName   string `json:"shortName"`
	Description string `json:"description"`
}

// Sprint はアジャイルボードのスプリントです (参照用のみ、CSVには出力しません)
type Sprint struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Goal   string `json:"goal"`
	Start  *int64 `json:"start"`
	Finish *int64 `json:"finish"`
}

// AgileBoard はアジャイルボードです
type AgileBoard struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Projects []Project `json:"projects"`
	Sprints  []Sprint  `json:"sprints"`
}

// Attachment はイシューの添付ファイルです
type Attachment struct {
	Name      string `json:"name"`
	MimeType  string `json:"mimeType"`
	Extension string `json:"extension"`
	URL       string `json:"url"`
	IssueKey  string `json:"-"`
}
