// Package push implements the Push Fan-out (spec §4.J): local Web Push
// delivery plus grouping remote members by domain for federation notify.
package push

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/cordx56/xrypton-go/internal/logutil"
	"github.com/cordx56/xrypton-go/internal/store"
	"github.com/cordx56/xrypton-go/internal/userid"
)

// RemoteForwarder sends a notify payload to a remote domain's unauthenticated
// /federation/notify endpoint. Implemented by federation.Proxy in production.
type RemoteForwarder interface {
	ForwardNotify(ctx context.Context, domain string, userIDs []string, payload map[string]any) error
}

// VAPIDConfig carries the Web Push application identity.
type VAPIDConfig struct {
	Subscriber string
	PublicKey  string
	PrivateKey string
}

// Service sends local Web Push notifications and fans remote members out to
// their home servers.
type Service struct {
	chats    store.ChatStore
	users    store.UserStore
	remote   RemoteForwarder
	vapid    VAPIDConfig
	selfHost string
	logger   *slog.Logger
}

// New builds a Service. remote and logger may be nil (remote fan-out and
// logging become no-ops).
func New(chats store.ChatStore, users store.UserStore, remote RemoteForwarder, vapid VAPIDConfig, selfHost string, logger *slog.Logger) *Service {
	return &Service{chats: chats, users: users, remote: remote, vapid: vapid, selfHost: selfHost, logger: logutil.NoopIfNil(logger)}
}

// SendToMembers implements send_to_members: fetch chat members, qualify the
// sender id, resolve their display name, and deliver a message payload to
// every member (local via Web Push, remote via federation notify).
func (s *Service) SendToMembers(ctx context.Context, chatID, senderID, threadID, messageID string) error {
	members, err := s.chats.ListChatMembers(ctx, chatID)
	if err != nil {
		return err
	}

	qualifiedSender := userid.Resolve(senderID, s.selfHost)
	senderName := s.resolveDisplayName(ctx, qualifiedSender)

	local, remoteByDomain := partitionByDomain(members, s.selfHost)

	for _, member := range local {
		payload := map[string]any{
			"type":         "message",
			"sender_id":    qualifiedSender,
			"sender_name":  senderName,
			"chat_id":      chatID,
			"thread_id":    threadID,
			"message_id":   messageID,
			"is_self":      member == qualifiedSender,
			"recipient_id": member,
		}
		s.deliverLocal(ctx, member, payload)
	}

	return s.forwardRemote(ctx, remoteByDomain, basePayload(qualifiedSender, senderName, chatID, threadID, messageID))
}

// SendEventToUsers implements send_event_to_users: the same local/remote
// split, with an arbitrary payload carrying a per-recipient recipient_id.
func (s *Service) SendEventToUsers(ctx context.Context, userIDs []string, payload map[string]any) error {
	local, remoteByDomain := partitionByDomain(userIDs, s.selfHost)

	for _, member := range local {
		recipientPayload := clonePayload(payload)
		recipientPayload["recipient_id"] = member
		s.deliverLocal(ctx, member, recipientPayload)
	}

	return s.forwardRemote(ctx, remoteByDomain, payload)
}

func (s *Service) resolveDisplayName(ctx context.Context, qualifiedID string) string {
	profile, err := s.users.GetProfile(ctx, qualifiedID)
	if err != nil || profile.DisplayName == "" {
		return qualifiedID
	}
	return profile.DisplayName
}

func (s *Service) deliverLocal(ctx context.Context, userID string, payload map[string]any) {
	if s.vapid.PublicKey == "" || s.vapid.PrivateKey == "" {
		return
	}
	subs, err := s.chats.ListPushSubscriptions(ctx, userID)
	if err != nil {
		s.logger.Warn("failed to list push subscriptions", "user_id", userID, "error", err)
		return
	}
	body, err := json.Marshal(payload)
	if err != nil {
		s.logger.Warn("failed to marshal push payload", "error", err)
		return
	}

	for _, sub := range subs {
		resp, err := webpush.SendNotification(body, &webpush.Subscription{
			Endpoint: sub.Endpoint,
			Keys:     webpush.Keys{Auth: sub.Auth, P256dh: sub.P256dh},
		}, &webpush.Options{
			Subscriber:      s.vapid.Subscriber,
			VAPIDPublicKey:  s.vapid.PublicKey,
			VAPIDPrivateKey: s.vapid.PrivateKey,
			TTL:             60,
		})
		if err != nil {
			s.logger.Warn("push send failed", "endpoint", sub.Endpoint, "error", err)
			continue
		}
		resp.Body.Close()
		if resp.StatusCode == http.StatusGone {
			if err := s.chats.DeletePushSubscriptionByEndpoint(ctx, sub.Endpoint); err != nil {
				s.logger.Warn("failed to delete gone subscription", "endpoint", sub.Endpoint, "error", err)
			}
		}
	}
}

func (s *Service) forwardRemote(ctx context.Context, remoteByDomain map[string][]string, payload map[string]any) error {
	if s.remote == nil {
		return nil
	}
	for domain, userIDs := range remoteByDomain {
		if err := s.remote.ForwardNotify(ctx, domain, userIDs, payload); err != nil {
			s.logger.Warn("federation notify forward failed", "domain", domain, "error", err)
		}
	}
	return nil
}

func basePayload(senderID, senderName, chatID, threadID, messageID string) map[string]any {
	return map[string]any{
		"type":        "message",
		"sender_id":   senderID,
		"sender_name": senderName,
		"chat_id":     chatID,
		"thread_id":   threadID,
		"message_id":  messageID,
	}
}

func clonePayload(payload map[string]any) map[string]any {
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		out[k] = v
	}
	return out
}

// partitionByDomain splits ids into those at selfHost and a map of remote
// ids grouped by domain.
func partitionByDomain(ids []string, selfHost string) (local []string, remoteByDomain map[string][]string) {
	remoteByDomain = make(map[string][]string)
	for _, id := range ids {
		qualified := userid.Resolve(id, selfHost)
		domain := userid.Domain(qualified)
		if domain == selfHost || domain == "" {
			local = append(local, qualified)
			continue
		}
		remoteByDomain[domain] = append(remoteByDomain[domain], qualified)
	}
	return local, remoteByDomain
}
