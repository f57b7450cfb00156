package seed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/louisbranch/chatline/internal/services/chat/storage"
)

// Store is the persistence surface the seed runner writes through.
type Store interface {
	storage.UserStore
	CreateConversation(ctx context.Context, conversation storage.Conversation, participantIDs []string) error
	CreateMessage(ctx context.Context, input storage.MessageInput) (storage.Message, error)
}

// Summary counts records written by one manifest run.
type Summary struct {
	UsersCreated         int
	UsersSkipped         int
	ConversationsCreated int
	ConversationsSkipped int
	MessagesCreated      int
}

// Runner applies manifests idempotently: records that already exist are
// skipped, and messages are only written alongside a newly created
// conversation.
type Runner struct {
	store   Store
	verbose bool
	errW    io.Writer
}

// NewRunner builds a Runner writing to store.
func NewRunner(store Store, verbose bool) *Runner {
	return &Runner{store: store, verbose: verbose, errW: os.Stderr}
}

// RunManifest validates and applies one manifest.
func (r *Runner) RunManifest(ctx context.Context, manifest Manifest) (Summary, error) {
	if r == nil || r.store == nil {
		return Summary{}, errors.New("seed store is required")
	}
	if err := ValidateManifest(manifest); err != nil {
		return Summary{}, err
	}

	var summary Summary
	for _, user := range manifest.Users {
		err := r.store.CreateUser(ctx, storage.User{ID: user.ID, Username: user.Username, Email: user.Email})
		switch {
		case errors.Is(err, storage.ErrConflict):
			summary.UsersSkipped++
			r.logf("user %s exists, skipping", user.ID)
		case err != nil:
			return summary, fmt.Errorf("create user %s: %w", user.ID, err)
		default:
			summary.UsersCreated++
			r.logf("created user %s", user.ID)
		}
	}

	for _, conversation := range manifest.Conversations {
		err := r.store.CreateConversation(ctx, storage.Conversation{
			ID:      conversation.ID,
			Name:    conversation.Name,
			IsGroup: conversation.IsGroup,
		}, conversation.Participants)
		if errors.Is(err, storage.ErrConflict) {
			summary.ConversationsSkipped++
			r.logf("conversation %s exists, skipping", conversation.ID)
			continue
		}
		if err != nil {
			return summary, fmt.Errorf("create conversation %s: %w", conversation.ID, err)
		}
		summary.ConversationsCreated++
		r.logf("created conversation %s", conversation.ID)

		for _, message := range conversation.Messages {
			if _, err := r.store.CreateMessage(ctx, storage.MessageInput{
				ConversationID: conversation.ID,
				SenderID:       message.SenderID,
				Content:        message.Content,
			}); err != nil {
				return summary, fmt.Errorf("create message in %s: %w", conversation.ID, err)
			}
			summary.MessagesCreated++
		}
	}
	return summary, nil
}

func (r *Runner) logf(format string, args ...any) {
	if !r.verbose || r.errW == nil {
		return
	}
	fmt.Fprintf(r.errW, "seed: "+format+"\n", args...)
}
