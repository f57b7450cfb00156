package seed

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/samber/lo"
)

// Manifest defines a declarative chat seed graph.
type Manifest struct {
	Name          string                 `json:"name"`
	Users         []ManifestUser         `json:"users"`
	Conversations []ManifestConversation `json:"conversations"`
}

// ManifestUser defines one chat identity.
type ManifestUser struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
}

// ManifestConversation defines one conversation with its participants and
// optional opening messages.
type ManifestConversation struct {
	ID           string            `json:"id"`
	Name         string            `json:"name,omitempty"`
	IsGroup      bool              `json:"is_group,omitempty"`
	Participants []string          `json:"participants"`
	Messages     []ManifestMessage `json:"messages,omitempty"`
}

// ManifestMessage defines one message written in manifest order.
type ManifestMessage struct {
	SenderID string `json:"sender_id"`
	Content  string `json:"content"`
}

// DefaultManifest is the fixture applied when no manifest path is given.
func DefaultManifest() Manifest {
	return Manifest{
		Name: "local",
		Users: []ManifestUser{
			{ID: "alice", Username: "alice", Email: "alice@example.com"},
			{ID: "bob", Username: "bob", Email: "bob@example.com"},
			{ID: "carol", Username: "carol", Email: "carol@example.com"},
		},
		Conversations: []ManifestConversation{
			{
				ID:           "alice-bob",
				Participants: []string{"alice", "bob"},
				Messages: []ManifestMessage{
					{SenderID: "alice", Content: "hey bob"},
					{SenderID: "bob", Content: "hi alice"},
				},
			},
			{
				ID:           "general",
				Name:         "General",
				IsGroup:      true,
				Participants: []string{"alice", "bob", "carol"},
				Messages: []ManifestMessage{
					{SenderID: "carol", Content: "welcome to general"},
				},
			},
		},
	}
}

// LoadManifest reads and validates one JSON manifest file.
func LoadManifest(path string) (Manifest, error) {
	data, err := os.ReadFile(strings.TrimSpace(path))
	if err != nil {
		return Manifest{}, fmt.Errorf("read manifest: %w", err)
	}
	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return Manifest{}, fmt.Errorf("decode manifest: %w", err)
	}
	if err := ValidateManifest(manifest); err != nil {
		return Manifest{}, err
	}
	return manifest, nil
}

// ValidateManifest checks ids are present and unique and that every
// reference points at a declared user.
func ValidateManifest(manifest Manifest) error {
	userIDs := lo.Map(manifest.Users, func(user ManifestUser, _ int) string {
		return strings.TrimSpace(user.ID)
	})
	for i, user := range manifest.Users {
		if userIDs[i] == "" {
			return fmt.Errorf("users[%d]: id is required", i)
		}
		if strings.TrimSpace(user.Username) == "" {
			return fmt.Errorf("users[%d]: username is required", i)
		}
	}
	if dupes := lo.FindDuplicates(userIDs); len(dupes) > 0 {
		return fmt.Errorf("duplicate user ids: %s", strings.Join(dupes, ", "))
	}
	known := lo.SliceToMap(userIDs, func(id string) (string, struct{}) {
		return id, struct{}{}
	})

	conversationIDs := lo.Map(manifest.Conversations, func(conversation ManifestConversation, _ int) string {
		return strings.TrimSpace(conversation.ID)
	})
	if dupes := lo.FindDuplicates(lo.Compact(conversationIDs)); len(dupes) > 0 {
		return fmt.Errorf("duplicate conversation ids: %s", strings.Join(dupes, ", "))
	}
	for i, conversation := range manifest.Conversations {
		if conversationIDs[i] == "" {
			return fmt.Errorf("conversations[%d]: id is required", i)
		}
		if len(conversation.Participants) == 0 {
			return fmt.Errorf("conversation %s: participants are required", conversationIDs[i])
		}
		members := map[string]struct{}{}
		for _, participant := range conversation.Participants {
			participant = strings.TrimSpace(participant)
			if _, ok := known[participant]; !ok {
				return fmt.Errorf("conversation %s: unknown participant %q", conversationIDs[i], participant)
			}
			members[participant] = struct{}{}
		}
		for j, message := range conversation.Messages {
			if _, ok := members[strings.TrimSpace(message.SenderID)]; !ok {
				return fmt.Errorf("conversation %s: messages[%d] sender %q is not a participant", conversationIDs[i], j, message.SenderID)
			}
			if strings.TrimSpace(message.Content) == "" {
				return fmt.Errorf("conversation %s: messages[%d] content is required", conversationIDs[i], j)
			}
		}
	}
	return nil
}
