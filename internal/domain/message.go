package domain

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Attachment 表示一封邮件附件的元数据（不含内容本体）。
type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
}

// AttachmentList 是有序的附件元数据列表，在 SQL 存储中序列化为 JSON 列。
type AttachmentList []Attachment

// Value 实现 driver.Valuer。
func (l AttachmentList) Value() (driver.Value, error) {
	if len(l) == 0 {
		return "[]", nil
	}
	data, err := json.Marshal(l)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// Scan 实现 sql.Scanner。
func (l *AttachmentList) Scan(value interface{}) error {
	if value == nil {
		*l = AttachmentList{}
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, l)
	case string:
		return json.Unmarshal([]byte(v), l)
	default:
		return fmt.Errorf("unsupported attachment column type %T", value)
	}
}

// HeaderMap 是邮件头键值映射，插入顺序无关，在 SQL 存储中序列化为 JSON 列。
type HeaderMap map[string]string

// Value 实现 driver.Valuer。
func (m HeaderMap) Value() (driver.Value, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// Scan 实现 sql.Scanner。
func (m *HeaderMap) Scan(value interface{}) error {
	if value == nil {
		*m = HeaderMap{}
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, m)
	case string:
		return json.Unmarshal([]byte(v), m)
	default:
		return fmt.Errorf("unsupported header column type %T", value)
	}
}

// Message 表示一封已入库的邮件。
//
// 只有入站接收链路会创建 Message；HTTP 侧仅能翻转 IsRead 或删除。
type Message struct {
	ID          string         `json:"id" gorm:"primaryKey;type:varchar(36)"`
	MessageID   string         `json:"messageId" gorm:"type:varchar(255);index"`
	To          string         `json:"to" gorm:"type:varchar(255);index;not null"`
	From        string         `json:"from" gorm:"type:varchar(255)"`
	Subject     string         `json:"subject" gorm:"type:varchar(500)"`
	TextBody    string         `json:"textBody" gorm:"type:text"`
	HTMLBody    string         `json:"htmlBody" gorm:"type:text"`
	Attachments AttachmentList `json:"attachments" gorm:"type:text"`
	Headers     HeaderMap      `json:"headers" gorm:"type:text"`
	SizeBytes   int64          `json:"sizeBytes"`
	IsRead      bool           `json:"isRead" gorm:"default:false;index"`
	CreatedAt   time.Time      `json:"createdAt" gorm:"index"`
}

// MessageListQuery 描述一次邮件列表查询。
type MessageListQuery struct {
	Address    string
	Page       int
	PageSize   int
	UnreadOnly bool
	Search     string // 对主题、发件人、正文做大小写不敏感的子串匹配
}

// Offset 返回查询的行偏移。
func (q MessageListQuery) Offset() int {
	page := q.Page
	if page < 1 {
		page = 1
	}
	return (page - 1) * q.PageSize
}

// MessageList 是一次分页查询的结果。
type MessageList struct {
	Messages []Message `json:"emails"`
	Total    int       `json:"total"`
	Page     int       `json:"page"`
	PageSize int       `json:"limit"`
	HasMore  bool      `json:"hasMore"`
}
