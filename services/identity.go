package services

import (
	"strings"

	"youtracktojira/models"
)

// NormalizeIdentity はYouTrackユーザーをJIRAで解決できるユーザー名に変換します。
// メールアドレスがあればローカル部 + emailSuffix、なければ氏名を返します。
// BAN済みフラグは結果に影響しません (呼び出し側で警告として扱います)。
func NormalizeIdentity(id models.Identity, emailSuffix string) string {
	email := strings.TrimSpace(id.Email)
	if email == "" {
		return id.FullName
	}
	local := email
	if at := strings.Index(email, "@"); at >= 0 {
		local = email[:at]
	}
	return local + emailSuffix
}

// normalizeRef は nil を許容する NormalizeIdentity です
func normalizeRef(id *models.Identity, emailSuffix string) string {
	if id == nil {
		return ""
	}
	return NormalizeIdentity(*id, emailSuffix)
}
