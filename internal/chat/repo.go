package chat

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

func (r *Repo) CreateSession(ctx context.Context, s *Session) error {
	return r.db.WithContext(ctx).Create(s).Error
}

func (r *Repo) GetSession(ctx context.Context, id string) (*Session, error) {
	var s Session
	if err := r.db.WithContext(ctx).
		Where("id = ?", id).
		First(&s).Error; err != nil {
		return nil, err
	}
	return &s, nil
}

// ListSessions returns the user's sessions, most recently active first.
// archived filters on the flag when non-nil.
func (r *Repo) ListSessions(ctx context.Context, userID string, archived *bool) ([]Session, error) {
	q := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("COALESCE(last_message_at, created_at) DESC").
		Order("id DESC")
	if archived != nil {
		q = q.Where("is_archived = ?", *archived)
	}

	var out []Session
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Repo) UpdateSession(ctx context.Context, id string, updates map[string]any) error {
	res := r.db.WithContext(ctx).Model(&Session{}).
		Where("id = ?", id).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// DeleteSession removes the session and its messages.
func (r *Repo) DeleteSession(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("session_id = ?", id).Delete(&Message{}).Error; err != nil {
			return err
		}
		res := tx.Where("id = ?", id).Delete(&Session{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return nil
	})
}

func (r *Repo) InsertMessage(ctx context.Context, m *Message) error {
	return r.db.WithContext(ctx).Create(m).Error
}

func (r *Repo) GetMessage(ctx context.Context, id string) (*Message, error) {
	var m Message
	if err := r.db.WithContext(ctx).First(&m, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &m, nil
}

// ListMessages returns the session's messages oldest first. Ids are ULIDs,
// so they break created_at ties in insertion order.
func (r *Repo) ListMessages(ctx context.Context, sessionID string) ([]Message, error) {
	var msgs []Message
	if err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at ASC").
		Order("id ASC").
		Find(&msgs).Error; err != nil {
		return nil, err
	}
	return msgs, nil
}

func (r *Repo) UpdateMessageContent(ctx context.Context, id, content string) error {
	res := r.db.WithContext(ctx).Model(&Message{}).
		Where("id = ?", id).
		Update("content", content)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (r *Repo) DeleteMessage(ctx context.Context, id string) error {
	res := r.db.WithContext(ctx).Where("id = ?", id).Delete(&Message{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// CompleteTurn stores the assistant reply and advances the session counters
// in one transaction, so a turn is either fully counted or not at all.
func (r *Repo) CompleteTurn(ctx context.Context, assistant *Message, at time.Time) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(assistant).Error; err != nil {
			return err
		}
		res := tx.Model(&Session{}).
			Where("id = ?", assistant.SessionID).
			Updates(map[string]any{
				"message_count":   gorm.Expr("message_count + ?", 2),
				"last_message_at": at,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return nil
	})
}

func (r *Repo) GetProfile(ctx context.Context, id string) (*UserProfile, error) {
	var p UserProfile
	if err := r.db.WithContext(ctx).First(&p, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

// EnsureProfile creates the profile row on first sight of a user.
func (r *Repo) EnsureProfile(ctx context.Context, id, email string) (*UserProfile, error) {
	p := UserProfile{ID: id, Email: email}
	if err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&p).Error; err != nil {
		return nil, err
	}
	return r.GetProfile(ctx, id)
}

func (r *Repo) UpdateProfile(ctx context.Context, id string, updates map[string]any) error {
	res := r.db.WithContext(ctx).Model(&UserProfile{}).
		Where("id = ?", id).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// ApplyUsage adds the event's counts to the user's running totals.
func (r *Repo) ApplyUsage(ctx context.Context, ev UsageEvent) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).
			Create(&UserProfile{ID: ev.UserID}).Error; err != nil {
			return err
		}
		return tx.Model(&UserProfile{}).
			Where("id = ?", ev.UserID).
			Updates(map[string]any{
				"usage_total_messages":   gorm.Expr("usage_total_messages + ?", ev.Messages),
				"usage_total_tokens":     gorm.Expr("usage_total_tokens + ?", ev.Tokens),
				"usage_sessions_created": gorm.Expr("usage_sessions_created + ?", ev.SessionsCreated),
				"usage_last_active_at":   ev.At,
			}).Error
	})
}
