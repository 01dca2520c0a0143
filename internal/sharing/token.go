// Package sharing issues read-only share links for trajectories, letting a
// conversation's transcript be handed out as a URL without handing out the
// workspace itself. A share link resolves through internal/trajectory's
// Export, so anything viewing it sees an ATIF document, not live storage.
package sharing

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// ShareInfo represents sharing metadata for a conversation's trajectory.
type ShareInfo struct {
	Token          string    `json:"token"`
	ConversationID string    `json:"conversationID"`
	URL            string    `json:"url"`
	CreatedAt      time.Time `json:"createdAt"`
	ExpiresAt      time.Time `json:"expiresAt,omitempty"`
	Views          int       `json:"views"`
	MaxViews       int       `json:"maxViews,omitempty"` // 0 = unlimited
	Public         bool      `json:"public"`
}

// Manager manages trajectory share links.
type Manager struct {
	mu            sync.RWMutex
	shares        map[string]*ShareInfo // token -> share info
	byConversation map[string]string    // conversationID -> token
	baseURL       string
}

// NewManager creates a new sharing manager.
func NewManager(baseURL string) *Manager {
	if baseURL == "" {
		baseURL = "https://opencode.ai/share"
	}
	return &Manager{
		shares:         make(map[string]*ShareInfo),
		byConversation: make(map[string]string),
		baseURL:        baseURL,
	}
}

// Share creates or updates a share link for conversationID.
func (m *Manager) Share(conversationID string, opts *ShareOptions) (*ShareInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if token, exists := m.byConversation[conversationID]; exists {
		if info, ok := m.shares[token]; ok {
			if opts != nil {
				if opts.ExpiresIn > 0 {
					info.ExpiresAt = time.Now().Add(opts.ExpiresIn)
				}
				if opts.MaxViews > 0 {
					info.MaxViews = opts.MaxViews
				}
				info.Public = opts.Public
			}
			return info, nil
		}
	}

	token, err := generateToken()
	if err != nil {
		return nil, fmt.Errorf("failed to generate token: %w", err)
	}

	info := &ShareInfo{
		Token:          token,
		ConversationID: conversationID,
		URL:            fmt.Sprintf("%s/%s", m.baseURL, token),
		CreatedAt:      time.Now(),
		Public:         true,
	}

	if opts != nil {
		if opts.ExpiresIn > 0 {
			info.ExpiresAt = time.Now().Add(opts.ExpiresIn)
		}
		info.MaxViews = opts.MaxViews
		info.Public = opts.Public
	}

	m.shares[token] = info
	m.byConversation[conversationID] = token

	return info, nil
}

// ShareOptions configures sharing behavior.
type ShareOptions struct {
	ExpiresIn time.Duration
	MaxViews  int
	Public    bool
}

// Unshare removes sharing from a conversation.
func (m *Manager) Unshare(conversationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	token, exists := m.byConversation[conversationID]
	if !exists {
		return fmt.Errorf("conversation not shared")
	}

	delete(m.shares, token)
	delete(m.byConversation, conversationID)

	return nil
}

// GetByToken retrieves share info by token.
func (m *Manager) GetByToken(token string) (*ShareInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	info, ok := m.shares[token]
	if !ok {
		return nil, fmt.Errorf("share not found")
	}

	if !info.ExpiresAt.IsZero() && time.Now().After(info.ExpiresAt) {
		return nil, fmt.Errorf("share expired")
	}

	if info.MaxViews > 0 && info.Views >= info.MaxViews {
		return nil, fmt.Errorf("share view limit exceeded")
	}

	return info, nil
}

// GetByConversation retrieves share info by conversation ID.
func (m *Manager) GetByConversation(conversationID string) (*ShareInfo, error) {
	m.mu.RLock()
	token, exists := m.byConversation[conversationID]
	m.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("conversation not shared")
	}

	return m.GetByToken(token)
}

// RecordView increments the view count.
func (m *Manager) RecordView(token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	info, ok := m.shares[token]
	if !ok {
		return fmt.Errorf("share not found")
	}

	info.Views++
	return nil
}

// IsShared reports whether a conversation currently has a share link.
func (m *Manager) IsShared(conversationID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, exists := m.byConversation[conversationID]
	return exists
}

// ListShares returns all active shares.
func (m *Manager) ListShares() []*ShareInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	shares := make([]*ShareInfo, 0, len(m.shares))
	for _, info := range m.shares {
		shares = append(shares, info)
	}
	return shares
}

// CleanExpired removes expired or view-exhausted shares.
func (m *Manager) CleanExpired() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	count := 0

	for token, info := range m.shares {
		expired := !info.ExpiresAt.IsZero() && now.After(info.ExpiresAt)
		viewLimitExceeded := info.MaxViews > 0 && info.Views >= info.MaxViews

		if expired || viewLimitExceeded {
			delete(m.shares, token)
			delete(m.byConversation, info.ConversationID)
			count++
		}
	}

	return count
}

// generateToken generates a secure random token.
func generateToken() (string, error) {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(bytes)[:22], nil
}

// GenerateShortCode generates a short shareable code.
func GenerateShortCode() (string, error) {
	bytes := make([]byte, 6)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes)[:8], nil
}
