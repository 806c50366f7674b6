package federation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/cordx56/xrypton-go/internal/apperr"
)

// Proxy forwards a handler's request to the chat/user's remote home server
// (spec §4.G) and id-qualifies bare ids in the response.
type Proxy struct {
	client  *Client
	apiPath string
}

// NewProxy builds a Proxy sharing the Resolver's outbound client.
func NewProxy(client *Client, apiPath string) *Proxy {
	return &Proxy{client: client, apiPath: apiPath}
}

// Forward proxies method+resourcePath to remoteDomain, carrying the raw
// Authorization header and body verbatim, then rewrites bare ids in the
// JSON response to be qualified under remoteDomain.
func (p *Proxy) Forward(ctx context.Context, remoteDomain, method, resourcePath, rawAuthorization, contentType string, body []byte) ([]byte, int, error) {
	url := fmt.Sprintf("https://%s%s%s", remoteDomain, p.apiPath, resourcePath)

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return nil, 0, apperr.Wrap(apperr.BadGateway, err)
	}
	if rawAuthorization != "" {
		req.Header.Set("Authorization", rawAuthorization)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, 0, apperr.Wrap(apperr.BadGateway, err)
	}
	defer resp.Body.Close()

	respBody, _, err := readAllBounded(resp, p.client.cfg.MaxResponseBytes)
	if err != nil {
		return nil, 0, apperr.Wrap(apperr.BadGateway, err)
	}

	qualified := qualifyResponseIDs(respBody, remoteDomain)
	return qualified, resp.StatusCode, nil
}

// ForwardNotify implements push.RemoteForwarder: POST /federation/notify to
// domain. This endpoint is intentionally unauthenticated (payload is
// metadata only, spec §4.G).
func (p *Proxy) ForwardNotify(ctx context.Context, domain string, userIDs []string, payload map[string]any) error {
	body, err := json.Marshal(map[string]any{"user_ids": userIDs, "payload": payload})
	if err != nil {
		return err
	}
	url := fmt.Sprintf("https://%s%s/federation/notify", domain, p.apiPath)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return nil
}

// ForwardChatSync implements the chat-creation leg of §4.G: POST
// /federation/chat to every remote member's home server, authenticated with
// the creator's own Authorization header.
func (p *Proxy) ForwardChatSync(ctx context.Context, domain, rawAuthorization, chatID, name string, memberIDs []string) error {
	body, err := json.Marshal(map[string]any{"chat_id": chatID, "name": name, "member_ids": memberIDs})
	if err != nil {
		return err
	}
	url := fmt.Sprintf("https://%s%s/federation/chat", domain, p.apiPath)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if rawAuthorization != "" {
		req.Header.Set("Authorization", rawAuthorization)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return nil
}

func readAllBounded(resp *http.Response, max int64) ([]byte, *http.Response, error) {
	limited := io.LimitReader(resp.Body, max+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, resp, err
	}
	if int64(len(body)) > max {
		return nil, resp, ErrResponseTooLarge
	}
	return body, resp, nil
}

// qualifyResponseIDs appends "@remoteDomain" to bare ids at the well-known
// locations spec §4.G names: members[].user_id, group.created_by,
// messages[].sender_id. Ids that already contain '@' are left untouched.
// Non-JSON or unexpected-shape bodies pass through unchanged.
func qualifyResponseIDs(body []byte, remoteDomain string) []byte {
	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil {
		return body
	}

	if members, ok := doc["members"].([]any); ok {
		for _, m := range members {
			if obj, ok := m.(map[string]any); ok {
				qualifyField(obj, "user_id", remoteDomain)
			}
		}
	}
	if group, ok := doc["group"].(map[string]any); ok {
		qualifyField(group, "created_by", remoteDomain)
	}
	if messages, ok := doc["messages"].([]any); ok {
		for _, m := range messages {
			if obj, ok := m.(map[string]any); ok {
				qualifyField(obj, "sender_id", remoteDomain)
			}
		}
	}

	out, err := json.Marshal(doc)
	if err != nil {
		return body
	}
	return out
}

func qualifyField(obj map[string]any, field, domain string) {
	v, ok := obj[field].(string)
	if !ok || v == "" {
		return
	}
	for _, r := range v {
		if r == '@' {
			return
		}
	}
	obj[field] = v + "@" + domain
}
