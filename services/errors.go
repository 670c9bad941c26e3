package services

import (
	"youtracktojira/config"
)

// ErrConfig は実行を中止する設定エラーです (未解決のリンク種別、不明な上書き関数など)。
// config.ErrInvalid と同一なので、どちらでも errors.Is で判定できます。
var ErrConfig = config.ErrInvalid
