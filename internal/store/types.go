package store

import (
	"context"
	"errors"
	"time"

	"github.com/tdnguyen/chatgate/internal/chat"
	"github.com/tdnguyen/chatgate/internal/policy"
)

var (
	ErrProfileNotFound = errors.New("profile not found")
	ErrModelNotFound   = errors.New("model not found")
	// ErrModelInUse means a profile prefers the model or stored history
	// references it; removal is rejected, never cascaded.
	ErrModelInUse = errors.New("model is referenced by stored state")
	// ErrCreditConflict means the conditional balance check failed at
	// commit time (balance moved under us or would go negative).
	ErrCreditConflict = errors.New("credit balance conflict")
)

// Profile is the persisted per-user configuration record.
type Profile struct {
	UserID         string             `json:"user_id"`
	PreferredModel string             `json:"preferred_model"`
	SystemPrompt   string             `json:"system_prompt,omitempty"`
	AccessLevel    policy.AccessLevel `json:"access_level"`
	Credit         int                `json:"credit"`
	CreatedAt      time.Time          `json:"created_at"`
	UpdatedAt      time.Time          `json:"updated_at"`
}

// ProfileUpdate carries partial profile mutations; nil fields are left as-is.
type ProfileUpdate struct {
	PreferredModel *string
	SystemPrompt   *string
	AccessLevel    *policy.AccessLevel
}

// ModelDescriptor is one entry of the model catalog.
type ModelDescriptor struct {
	Name           string             `json:"name"`
	CreditCost     int                `json:"credit_cost"`
	MinAccessLevel policy.AccessLevel `json:"min_access_level"`
	SupportsImages bool               `json:"supports_images"`
}

// Policy converts the descriptor into its policy view.
func (m ModelDescriptor) Policy() policy.Model {
	return policy.Model{
		Name:           m.Name,
		CreditCost:     m.CreditCost,
		MinAccessLevel: m.MinAccessLevel,
		SupportsImages: m.SupportsImages,
	}
}

// Store persists user profiles, conversation history, and the model catalog.
// All operations are strongly consistent per user; cross-user consistency is
// not promised.
type Store interface {
	GetProfile(ctx context.Context, userID string) (Profile, error)
	// EnsureProfile returns the profile, creating it with defaults on the
	// user's first interaction.
	EnsureProfile(ctx context.Context, userID string) (Profile, error)
	UpdateProfile(ctx context.Context, userID string, upd ProfileUpdate) (Profile, error)
	// AdjustCredit applies delta only when the current balance is at least
	// expectedMin and the result stays non-negative. Returns the new
	// balance, or ErrCreditConflict when the conditional check fails.
	AdjustCredit(ctx context.Context, userID string, delta, expectedMin int) (int, error)

	History(ctx context.Context, userID string) ([]chat.Turn, error)
	Append(ctx context.Context, userID string, turn chat.Turn) error
	// AppendExchange commits the user turn and the assistant turn as one
	// atomic pair; a failure appends neither.
	AppendExchange(ctx context.Context, userID string, userTurn, assistantTurn chat.Turn) error
	Clear(ctx context.Context, userID string) error

	GetModel(ctx context.Context, name string) (ModelDescriptor, error)
	ListModels(ctx context.Context) ([]ModelDescriptor, error)
	PutModel(ctx context.Context, m ModelDescriptor) error
	RemoveModel(ctx context.Context, name string) error

	Close() error
}

// Defaults controls profile creation on first interaction.
type Defaults struct {
	SeedCredits int
	// OwnerUserID gets the owner access level instead of basic.
	OwnerUserID  string
	DefaultModel string
}

func (d Defaults) newProfile(userID string, now time.Time) Profile {
	level := policy.LevelBasic
	if d.OwnerUserID != "" && userID == d.OwnerUserID {
		level = policy.LevelOwner
	}
	return Profile{
		UserID:         userID,
		PreferredModel: d.DefaultModel,
		AccessLevel:    level,
		Credit:         d.SeedCredits,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}
