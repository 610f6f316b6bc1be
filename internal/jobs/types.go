package jobs

import (
	"encoding/json"
	"time"
)

// Kind はジョブが対象とする外部ツールの種別です。
type Kind string

const (
	KindWebScan    Kind = "web-scan"
	KindMobileScan Kind = "mobile-scan"
)

// Status はジョブの実行状態を表します。
type Status string

const (
	StatusStarting   Status = "starting"
	StatusInProgress Status = "in-progress"
	StatusSucceeded  Status = "succeeded"
	StatusFailed     Status = "failed"
)

// Terminal は終了状態かどうかを返します。
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

func (s Status) rank() int {
	switch s {
	case StatusStarting:
		return 0
	case StatusInProgress:
		return 1
	case StatusSucceeded, StatusFailed:
		return 2
	default:
		return -1
	}
}

// ProgressInfo は進捗を表します。
// Web スキャンは Spider / ActiveScan、モバイルスキャンは Percent を使います。
type ProgressInfo struct {
	Percent    int `json:"percent"`
	Spider     int `json:"spider,omitempty"`
	ActiveScan int `json:"activeScan,omitempty"`
}

// ErrorInfo はジョブ失敗時のエラー情報を保持します。
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Record はジョブの現在状態を表します。
type Record struct {
	JobID       string          `json:"jobId"`
	Kind        Kind            `json:"kind"`
	Status      Status          `json:"status"`
	Message     string          `json:"message"`
	Target      string          `json:"target,omitempty"`
	Progress    ProgressInfo    `json:"progress"`
	ArtifactRef string          `json:"artifactRef,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Summary     map[string]int  `json:"summary,omitempty"`
	Error       *ErrorInfo      `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
	FinishedAt  *time.Time      `json:"finishedAt,omitempty"`
}

// Clone は読み手に渡すためのディープコピーを返します。
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := *r
	if r.Result != nil {
		out.Result = append(json.RawMessage(nil), r.Result...)
	}
	if r.Summary != nil {
		out.Summary = make(map[string]int, len(r.Summary))
		for k, v := range r.Summary {
			out.Summary[k] = v
		}
	}
	if r.Error != nil {
		e := *r.Error
		out.Error = &e
	}
	if r.FinishedAt != nil {
		t := *r.FinishedAt
		out.FinishedAt = &t
	}
	return &out
}

// merge は既存レコードに対する更新を不変条件に従って正規化します。
// 終了済みレコードへの更新は false を返します。
func merge(existing, next *Record, now time.Time) (*Record, bool) {
	if existing.Status.Terminal() {
		return nil, false
	}
	out := next.Clone()
	out.JobID = existing.JobID
	out.Kind = existing.Kind
	out.CreatedAt = existing.CreatedAt
	if out.Status.rank() < existing.Status.rank() {
		out.Status = existing.Status
	}
	if out.Status != StatusSucceeded {
		out.Result = nil
	}
	if out.Status.Terminal() {
		finished := now
		out.FinishedAt = &finished
	} else {
		out.FinishedAt = nil
	}
	out.UpdatedAt = now
	return out, true
}
