package oauth2

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vyrodovalexey/avauthgw/internal/store"
)

const txnKeyPrefix = "authtxn:"

func txnKey(id string) string { return txnKeyPrefix + id }

// Transaction carries an authorization request across the user-approval
// redirect: the authorize endpoint stores it, the decision endpoint loads
// and consumes it.
type Transaction struct {
	ID           string    `json:"id"`
	ResponseType string    `json:"response_type"`
	ClientID     string    `json:"client_id"`
	RedirectURI  string    `json:"redirect_uri"`
	Scopes       []string  `json:"scopes,omitempty"`
	State        string    `json:"state,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// TxnStore persists pending authorization transactions. Transactions are
// one-time like codes: Consume deletes atomically.
type TxnStore struct {
	kv  store.KV
	ttl time.Duration
	now func() time.Time
}

// NewTxnStore creates a new transaction store.
func NewTxnStore(kv store.KV, ttl time.Duration) *TxnStore {
	return &TxnStore{kv: kv, ttl: ttl, now: time.Now}
}

// Save stores a new pending transaction and returns it with its id set.
func (s *TxnStore) Save(ctx context.Context, txn *Transaction) (*Transaction, error) {
	if txn.ClientID == "" || txn.ResponseType == "" {
		return nil, fmt.Errorf("client id and response type are required")
	}

	txn.ID = strings.ReplaceAll(uuid.NewString(), "-", "")
	txn.ExpiresAt = s.now().UTC().Add(s.ttl)

	scopesJSON, err := json.Marshal(txn.Scopes)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize transaction scopes: %w", err)
	}

	err = s.kv.HSetAll(ctx, txnKey(txn.ID), map[string]string{
		"responseType": txn.ResponseType,
		"clientId":     txn.ClientID,
		"redirectUri":  txn.RedirectURI,
		"scopes":       string(scopesJSON),
		"state":        txn.State,
		"expiresAt":    strconv.FormatInt(txn.ExpiresAt.UnixNano(), 10),
	})
	if err != nil {
		return nil, err
	}
	return txn, nil
}

// Consume loads and deletes a transaction. Absent, expired or concurrently
// consumed transactions yield (nil, nil).
func (s *TxnStore) Consume(ctx context.Context, id string) (*Transaction, error) {
	if id == "" {
		return nil, fmt.Errorf("transaction id is required")
	}

	fields, err := s.kv.HGetAll(ctx, txnKey(id))
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, nil
	}

	expiresAt, err := strconv.ParseInt(fields["expiresAt"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse transaction expiresAt: %w", err)
	}
	if s.now().After(time.Unix(0, expiresAt)) {
		if err := s.kv.Del(ctx, txnKey(id)); err != nil {
			return nil, err
		}
		return nil, nil
	}

	won, err := s.kv.DelIfExists(ctx, txnKey(id))
	if err != nil {
		return nil, err
	}
	if !won {
		return nil, nil
	}

	txn := &Transaction{
		ID:           id,
		ResponseType: fields["responseType"],
		ClientID:     fields["clientId"],
		RedirectURI:  fields["redirectUri"],
		State:        fields["state"],
		ExpiresAt:    time.Unix(0, expiresAt).UTC(),
	}
	if raw := fields["scopes"]; raw != "" && raw != "null" {
		if err := json.Unmarshal([]byte(raw), &txn.Scopes); err != nil {
			return nil, fmt.Errorf("failed to parse transaction scopes: %w", err)
		}
	}
	return txn, nil
}
