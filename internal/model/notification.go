package model

import "time"

// Notification は登録済みの開催予定イベントから導出されるリマインダー。
// 永続化せず、取得のたびに再計算される。
type Notification struct {
	EventID  string
	Title    string
	Message  string
	Date     time.Time
	IsUrgent bool
	Link     string
}
