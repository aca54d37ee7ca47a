// Package identity resolves the stable user and session ids a conversation runs under.
package identity

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/zhouzirui/handover-chat/backend/internal/model/chat"
	"github.com/zhouzirui/handover-chat/backend/internal/storage"
)

const (
	UserIDKey    = "webchat_userId"
	SessionIDKey = "webchat_sessionId"

	GuestPrefix   = "guest-"
	SessionPrefix = "sess-"
)

// GetOrCreate returns the id persisted under key, generating and persisting
// prefix+random when the key is missing or unreadable.
func GetOrCreate(ctx context.Context, kv storage.Store, key, prefix string) (string, error) {
	raw, ok, err := kv.Get(ctx, key)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", key, err)
	}
	if ok {
		var existing string
		if err := json.Unmarshal(raw, &existing); err == nil && strings.TrimSpace(existing) != "" {
			return existing, nil
		}
		log.Printf("[identity] discarding corrupt %s value", key)
	}

	id := prefix + randomSuffix()
	if err := put(ctx, kv, key, id); err != nil {
		return "", err
	}
	return id, nil
}

// Resolve builds the Identity for profile. A supplied profile id wins over the
// persisted guest id and is persisted in its place.
func Resolve(ctx context.Context, kv storage.Store, profile chat.UserProfile) (chat.Identity, error) {
	var (
		userID string
		err    error
	)
	if id := strings.TrimSpace(profile.ID); id != "" {
		userID = id
		if err := put(ctx, kv, UserIDKey, userID); err != nil {
			return chat.Identity{}, err
		}
	} else {
		userID, err = GetOrCreate(ctx, kv, UserIDKey, GuestPrefix)
		if err != nil {
			return chat.Identity{}, err
		}
	}

	sessionID, err := GetOrCreate(ctx, kv, SessionIDKey, SessionPrefix)
	if err != nil {
		return chat.Identity{}, err
	}

	name := strings.TrimSpace(profile.Name)
	if name == "" {
		name = userID
	}

	return chat.Identity{
		UserID:      userID,
		SessionID:   sessionID,
		DisplayName: name,
		Metadata:    profile.Metadata,
	}, nil
}

func put(ctx context.Context, kv storage.Store, key, id string) error {
	data, err := json.Marshal(id)
	if err != nil {
		return err
	}
	if err := kv.Put(ctx, key, data); err != nil {
		return fmt.Errorf("persist %s: %w", key, err)
	}
	return nil
}

// randomSuffix is base36 of 64 random bits.
func randomSuffix() string {
	u := uuid.New()
	return strconv.FormatUint(binary.BigEndian.Uint64(u[8:]), 36)
}
