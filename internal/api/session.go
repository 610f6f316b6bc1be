package api

import (
	"strings"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
)

const (
	// SessionCookieName はブラウザセッションのクッキー名です。
	SessionCookieName = "vapt_session"
	sessionKeyRecent  = "recent_jobs"

	maxRecentJobs = 20
	// 7日
	sessionMaxAgeSeconds = 7 * 24 * 60 * 60
)

// rememberJob はこのブラウザで開始したジョブIDをセッションに記録します。
// 保存に失敗してもスキャン開始自体は成功として扱います。
func rememberJob(c *gin.Context, jobID string) error {
	session := sessions.Default(c)
	ids := append([]string{jobID}, recentJobIDs(session)...)
	if len(ids) > maxRecentJobs {
		ids = ids[:maxRecentJobs]
	}
	session.Set(sessionKeyRecent, strings.Join(ids, ","))
	return session.Save()
}

// recentJobIDs は新しい順のジョブIDを返します。
func recentJobIDs(session sessions.Session) []string {
	raw, ok := session.Get(sessionKeyRecent).(string)
	if !ok || raw == "" {
		return nil
	}
	return strings.Split(raw, ",")
}
