package history

import (
	"context"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DurableStore is the authoritative tier. Query returns records newest
// first by (created_at, sequence_hint).
type DurableStore interface {
	Insert(ctx context.Context, rec Record) error
	// InsertBatch must tolerate records that are already stored.
	InsertBatch(ctx context.Context, recs []Record) error
	Query(ctx context.Context, k Key, before *Position, limit int) ([]Record, error)
	// Purge deletes every record of the key.
	Purge(ctx context.Context, k Key) error
}

// Repo is the gorm DurableStore: one append-only table per stream.
type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

func (r *Repo) Insert(ctx context.Context, rec Record) error {
	switch rec.Stream {
	case StreamChat:
		row, err := chatRowFrom(rec)
		if err != nil {
			return err
		}
		return r.db.WithContext(ctx).Create(&row).Error
	case StreamVideoAnalysis:
		row, err := videoRowFrom(rec)
		if err != nil {
			return err
		}
		return r.db.WithContext(ctx).Create(&row).Error
	}
	return fmt.Errorf("%w: %q", ErrUnknownStream, rec.Stream)
}

// InsertBatch skips rows whose (user_id, sequence_hint) already exists, so a
// retried flush never duplicates.
func (r *Repo) InsertBatch(ctx context.Context, recs []Record) error {
	if len(recs) == 0 {
		return nil
	}

	var (
		chats  []ChatRow
		videos []VideoAnalysisRow
	)
	for _, rec := range recs {
		switch rec.Stream {
		case StreamChat:
			row, err := chatRowFrom(rec)
			if err != nil {
				return err
			}
			chats = append(chats, row)
		case StreamVideoAnalysis:
			row, err := videoRowFrom(rec)
			if err != nil {
				return err
			}
			videos = append(videos, row)
		default:
			return fmt.Errorf("%w: %q", ErrUnknownStream, rec.Stream)
		}
	}

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ignore := tx.Clauses(clause.OnConflict{DoNothing: true})
		if len(chats) > 0 {
			if err := ignore.Create(&chats).Error; err != nil {
				return err
			}
		}
		if len(videos) > 0 {
			if err := ignore.Create(&videos).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *Repo) Query(ctx context.Context, k Key, before *Position, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 20
	}

	q := r.db.WithContext(ctx).
		Where("user_id = ?", k.UserID).
		Order("created_at DESC").
		Order("sequence_hint DESC").
		Limit(limit)
	if before != nil {
		q = q.Where("(created_at < ? OR (created_at = ? AND sequence_hint < ?))",
			before.CreatedAt, before.CreatedAt, before.Seq)
	}

	switch k.Stream {
	case StreamChat:
		var rows []ChatRow
		if err := q.Find(&rows).Error; err != nil {
			return nil, err
		}
		out := make([]Record, 0, len(rows))
		for _, row := range rows {
			out = append(out, row.record())
		}
		return out, nil
	case StreamVideoAnalysis:
		var rows []VideoAnalysisRow
		if err := q.Find(&rows).Error; err != nil {
			return nil, err
		}
		out := make([]Record, 0, len(rows))
		for _, row := range rows {
			out = append(out, row.record())
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownStream, k.Stream)
}

func (r *Repo) Purge(ctx context.Context, k Key) error {
	switch k.Stream {
	case StreamChat:
		return r.db.WithContext(ctx).Where("user_id = ?", k.UserID).Delete(&ChatRow{}).Error
	case StreamVideoAnalysis:
		return r.db.WithContext(ctx).Where("user_id = ?", k.UserID).Delete(&VideoAnalysisRow{}).Error
	}
	return fmt.Errorf("%w: %q", ErrUnknownStream, k.Stream)
}
