package utils

import (
	"time"

	log "github.com/sirupsen/logrus"
)

// SetupLogging はログの書式とレベルを設定します
func SetupLogging(level string) error {
	// タイムスタンプにミリ秒まで出力する
	formatter := new(log.TextFormatter)
	formatter.TimestampFormat = "2006-01-02T15:04:05.999Z07:00"
	formatter.FullTimestamp = true
	log.SetFormatter(formatter)

	if level == "" {
		level = "info"
	}
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return err
	}
	log.SetLevel(lvl)
	log.Debug("debug logging enabled")
	return nil
}

// LogInfo は情報レベルのメッセージをログに記録します
func LogInfo(format string, v ...interface{}) {
	log.Infof(format, v...)
}

// LogWarn は警告レベルのメッセージをログに記録します
func LogWarn(format string, v ...interface{}) {
	log.Warnf(format, v...)
}

// LogError はエラーレベルのメッセージをログに記録します
func LogError(format string, v ...interface{}) {
	log.Errorf(format, v...)
}

// TrackTime は関数の実行時間を計測して出力するユーティリティです
func TrackTime(start time.Time, name string) {
	log.WithField("elapsed", time.Since(start).String()).Infof("%s 完了", name)
}
