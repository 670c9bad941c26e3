package models

import "encoding/json"

// Snapshot はYouTrackから取得した1プロジェクト分のデータです
type Snapshot struct {
	Project Project
	// Issues は作業ログをマージ済みのイシューJSONです (取得順)
	Issues []json.RawMessage
	Boards []AgileBoard
}
