package history

import "time"

type ChatRow struct {
	ID           uint64    `gorm:"primaryKey;autoIncrement"`
	RecordID     string    `gorm:"type:varchar(26);uniqueIndex:uniq_chat_history_record;not null"`
	UserID       uint64    `gorm:"not null;index:idx_chat_history_user_created,priority:1;uniqueIndex:uniq_chat_history_user_seq,priority:1"`
	Message      string    `gorm:"type:text;not null"`
	Role         string    `gorm:"type:varchar(16);not null"`
	CreatedAt    time.Time `gorm:"precision:6;not null;index:idx_chat_history_user_created,priority:2,sort:desc"`
	SequenceHint int64     `gorm:"not null;uniqueIndex:uniq_chat_history_user_seq,priority:2"`
}

func (ChatRow) TableName() string { return "chat_history" }

type VideoAnalysisRow struct {
	ID            uint64    `gorm:"primaryKey;autoIncrement"`
	RecordID      string    `gorm:"type:varchar(26);uniqueIndex:uniq_video_analysis_record;not null"`
	UserID        uint64    `gorm:"not null;index:idx_video_analysis_user_created,priority:1;uniqueIndex:uniq_video_analysis_user_seq,priority:1"`
	Filename      string    `gorm:"type:varchar(255);not null"`
	Result        string    `gorm:"type:text;not null"`
	VideoDuration *string   `gorm:"type:varchar(32)"`
	VideoFormat   *string   `gorm:"type:varchar(32)"`
	Role          string    `gorm:"type:varchar(16);not null"`
	CreatedAt     time.Time `gorm:"precision:6;not null;index:idx_video_analysis_user_created,priority:2,sort:desc"`
	SequenceHint  int64     `gorm:"not null;uniqueIndex:uniq_video_analysis_user_seq,priority:2"`
}

func (VideoAnalysisRow) TableName() string { return "video_analysis" }

// Tables lists the durable tier models for AutoMigrate.
func Tables() []any {
	return []any{&ChatRow{}, &VideoAnalysisRow{}}
}

func chatRowFrom(r Record) (ChatRow, error) {
	m, err := r.ChatMessage()
	if err != nil {
		return ChatRow{}, err
	}
	return ChatRow{
		RecordID:     r.ID,
		UserID:       r.UserID,
		Message:      m.Message,
		Role:         string(r.Role),
		CreatedAt:    r.CreatedAt,
		SequenceHint: r.Seq,
	}, nil
}

func (row ChatRow) record() Record {
	return Record{
		ID:        row.RecordID,
		UserID:    row.UserID,
		Stream:    StreamChat,
		Role:      Role(row.Role),
		Payload:   ChatPayload(row.Message),
		CreatedAt: row.CreatedAt.UTC(),
		Seq:       row.SequenceHint,
	}
}

func videoRowFrom(r Record) (VideoAnalysisRow, error) {
	v, err := r.VideoAnalysis()
	if err != nil {
		return VideoAnalysisRow{}, err
	}
	return VideoAnalysisRow{
		RecordID:      r.ID,
		UserID:        r.UserID,
		Filename:      v.Filename,
		Result:        v.Result,
		VideoDuration: optional(v.VideoDuration),
		VideoFormat:   optional(v.VideoFormat),
		Role:          string(r.Role),
		CreatedAt:     r.CreatedAt,
		SequenceHint:  r.Seq,
	}, nil
}

func (row VideoAnalysisRow) record() Record {
	v := VideoAnalysis{Filename: row.Filename, Result: row.Result}
	if row.VideoDuration != nil {
		v.VideoDuration = *row.VideoDuration
	}
	if row.VideoFormat != nil {
		v.VideoFormat = *row.VideoFormat
	}
	return Record{
		ID:        row.RecordID,
		UserID:    row.UserID,
		Stream:    StreamVideoAnalysis,
		Role:      Role(row.Role),
		Payload:   AnalysisPayload(v),
		CreatedAt: row.CreatedAt.UTC(),
		Seq:       row.SequenceHint,
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
