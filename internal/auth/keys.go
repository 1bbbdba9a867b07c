// Package auth issues and verifies org API keys and carries the caller's
// identity through request contexts.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/strandlabs/controlplane/internal/store"
)

// keyPrefix tags every issued credential: sk_<key_id>.<secret>.
const keyPrefix = "sk_"

var (
	ErrInvalidKey  = errors.New("invalid api key")
	ErrKeyInactive = errors.New("api key inactive")
	ErrKeyExpired  = errors.New("api key expired")
	ErrOrgInactive = errors.New("organization inactive")
)

// KeyStore is the slice of the table store the key manager needs.
type KeyStore interface {
	GetOrganization(orgID string) (*store.Organization, error)
	CreateAPIKey(key *store.APIKey) error
	GetAPIKey(keyID string) (*store.APIKey, error)
	TouchAPIKey(keyID string) error
	RevokeAPIKey(keyID string) error
	ListAPIKeysByOrg(orgID string) ([]store.APIKey, error)
}

// Identity is the authenticated caller attached to a request.
type Identity struct {
	OrgID  string
	KeyID  string
	Scopes []string
}

// Verifier resolves a bearer token to an identity. The key manager is the
// production implementation; tests substitute statics.
type Verifier interface {
	Verify(ctx context.Context, token string) (*Identity, error)
}

// Manager issues and verifies sk_ keys against the table store. Only the
// bcrypt hash of the secret half persists; the id half is the lookup handle.
type Manager struct {
	store  KeyStore
	logger *log.Logger

	now func() time.Time
}

// NewManager builds a key manager over the table store.
func NewManager(st KeyStore) *Manager {
	return &Manager{
		store:  st,
		logger: log.New(log.Writer(), "[Auth] ", log.LstdFlags),
		now:    time.Now,
	}
}

// IssueKey mints a key for an org. The full sk_<id>.<secret> string is
// returned exactly once; afterwards only the hash exists.
func (m *Manager) IssueKey(orgID, name string, scopes []string, expiresAt *time.Time) (*store.APIKey, string, error) {
	if orgID == "" {
		return nil, "", errors.New("org id is required")
	}

	idBytes := make([]byte, 8)
	if _, err := rand.Read(idBytes); err != nil {
		return nil, "", fmt.Errorf("generate key id: %w", err)
	}
	secretBytes := make([]byte, 24)
	if _, err := rand.Read(secretBytes); err != nil {
		return nil, "", fmt.Errorf("generate secret: %w", err)
	}
	keyID := hex.EncodeToString(idBytes)
	secret := hex.EncodeToString(secretBytes)

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", fmt.Errorf("hash secret: %w", err)
	}

	key := &store.APIKey{
		KeyID:     keyID,
		OrgID:     orgID,
		Name:      name,
		KeyHash:   string(hash),
		Scopes:    scopes,
		IsActive:  true,
		ExpiresAt: expiresAt,
		CreatedAt: m.now(),
	}
	if err := m.store.CreateAPIKey(key); err != nil {
		return nil, "", fmt.Errorf("persist key: %w", err)
	}

	m.logger.Printf("Issued key %s for org %s (%s)", keyID, orgID, name)
	return key, keyPrefix + keyID + "." + secret, nil
}

// Verify checks an sk_ credential and returns the caller's identity. The
// org must be ACTIVE or TRIAL.
func (m *Manager) Verify(ctx context.Context, token string) (*Identity, error) {
	keyID, secret, err := splitKey(token)
	if err != nil {
		return nil, err
	}

	key, err := m.store.GetAPIKey(keyID)
	if err != nil {
		return nil, fmt.Errorf("key lookup: %w", err)
	}
	if key == nil {
		return nil, ErrInvalidKey
	}
	if bcrypt.CompareHashAndPassword([]byte(key.KeyHash), []byte(secret)) != nil {
		return nil, ErrInvalidKey
	}
	if !key.IsActive {
		return nil, ErrKeyInactive
	}
	if key.ExpiresAt != nil && m.now().After(*key.ExpiresAt) {
		return nil, ErrKeyExpired
	}

	org, err := m.store.GetOrganization(key.OrgID)
	if err != nil {
		return nil, fmt.Errorf("org lookup: %w", err)
	}
	if org == nil {
		return nil, ErrOrgInactive
	}
	if org.Status != "ACTIVE" && org.Status != "TRIAL" {
		return nil, fmt.Errorf("%w: org is %s", ErrOrgInactive, org.Status)
	}

	if err := m.store.TouchAPIKey(keyID); err != nil {
		m.logger.Printf("Touch failed for key %s: %v", keyID, err)
	}
	return &Identity{OrgID: key.OrgID, KeyID: key.KeyID, Scopes: key.Scopes}, nil
}

// Revoke deactivates a key.
func (m *Manager) Revoke(keyID string) error {
	return m.store.RevokeAPIKey(keyID)
}

// ListKeys returns an org's keys with hashes blanked.
func (m *Manager) ListKeys(orgID string) ([]store.APIKey, error) {
	keys, err := m.store.ListAPIKeysByOrg(orgID)
	if err != nil {
		return nil, err
	}
	for i := range keys {
		keys[i].KeyHash = ""
	}
	return keys, nil
}

// splitKey parses sk_<key_id>.<secret>.
func splitKey(token string) (keyID, secret string, err error) {
	if !strings.HasPrefix(token, keyPrefix) {
		return "", "", ErrInvalidKey
	}
	parts := strings.SplitN(strings.TrimPrefix(token, keyPrefix), ".", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", ErrInvalidKey
	}
	return parts[0], parts[1], nil
}

var _ Verifier = (*Manager)(nil)
