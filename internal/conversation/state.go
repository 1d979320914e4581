package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/n0madic/go-responses/internal/apierr"
	"github.com/n0madic/go-responses/internal/statestore"
	"github.com/n0madic/go-responses/internal/types"
	"github.com/n0madic/go-responses/internal/validate"
)

// maxSwapAttempts bounds compare-and-swap retries in UpdateLastResponseID.
const maxSwapAttempts = 3

// StateKey returns the store key of the conversation for (userID, contextName).
func StateKey(userID, contextName string) string {
	return "state:" + userID + ":" + contextName
}

// FindOrCreateConversationState returns the live state for (userID, contextName),
// creating it with no last response id when none exists.
// Concurrent calls for the same pair share a single load or create.
func (c *Client) FindOrCreateConversationState(ctx context.Context, userID, contextName string, metadata map[string]string) (*types.ConversationState, error) {
	const op = "conversation.find_or_create_state"
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(contextName) == "" {
		return nil, &apierr.StateManagementError{Op: op, Message: "user id and context are required"}
	}
	md, err := validate.Metadata(metadata)
	if err != nil {
		return nil, err
	}
	key := StateKey(userID, contextName)

	// The shared call outlives any single caller's cancellation.
	ch := c.group.DoChan(key, func() (any, error) {
		sctx := context.WithoutCancel(ctx)
		if c.cfg.Timeout > 0 {
			var cancel context.CancelFunc
			sctx, cancel = context.WithTimeout(sctx, c.cfg.Timeout)
			defer cancel()
		}
		state, found, err := c.loadState(sctx, op, key)
		if err != nil || found {
			return state, err
		}
		id, err := uuid.NewV7()
		if err != nil {
			return nil, &apierr.StateManagementError{Op: op, Key: key, Message: "generate state id", Err: err}
		}
		now := c.now().UTC()
		state = &types.ConversationState{
			ID:        id.String(),
			UserID:    userID,
			Context:   contextName,
			Metadata:  md,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := c.saveState(sctx, op, key, state); err != nil {
			return nil, err
		}
		c.logger.Debug("state.created", "key", key, "id", state.ID)
		return state, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return cloneState(res.Val.(*types.ConversationState)), nil
	case <-ctx.Done():
		return nil, &apierr.StateManagementError{Op: op, Key: key, Message: "wait for state", Err: ctx.Err()}
	}
}

// GetLastResponseID returns the last completed response id stored under key,
// or "" when there is none.
func (c *Client) GetLastResponseID(ctx context.Context, key string) (string, error) {
	const op = "conversation.get_last_response_id"
	if strings.TrimSpace(key) == "" {
		return "", &apierr.StateManagementError{Op: op, Message: "state key is required"}
	}
	state, found, err := c.loadState(ctx, op, key)
	if err != nil || !found || state.LastResponseID == nil {
		return "", err
	}
	return *state.LastResponseID, nil
}

// UpdateLastResponseID records responseID as the latest turn of the conversation under key.
// Updates for the same key are serialized; stores that implement
// statestore.Swapper are additionally updated with compare-and-swap.
func (c *Client) UpdateLastResponseID(ctx context.Context, key, responseID string) error {
	const op = "conversation.update_last_response_id"
	if strings.TrimSpace(key) == "" || strings.TrimSpace(responseID) == "" {
		return &apierr.StateManagementError{Op: op, Key: key, Message: "state key and response id are required"}
	}
	unlock, err := c.locks.acquire(ctx, key)
	if err != nil {
		return &apierr.StateManagementError{Op: op, Key: key, Message: "wait for conversation lock", Err: err}
	}
	defer unlock()
	return c.updateLastResponseIDLocked(ctx, op, key, responseID)
}

func (c *Client) updateLastResponseIDLocked(ctx context.Context, op, key, responseID string) error {
	swapper, canSwap := c.store.(statestore.Swapper)
	for attempt := 1; ; attempt++ {
		raw, found, err := c.store.Get(ctx, key)
		if err != nil {
			return &apierr.StateManagementError{Op: op, Key: key, Message: "read state", Err: err}
		}
		if !found {
			return &apierr.StateManagementError{Op: op, Key: key, Err: apierr.ErrNotFound}
		}
		var state types.ConversationState
		if err := json.Unmarshal([]byte(raw), &state); err != nil {
			return &apierr.StateManagementError{Op: op, Key: key, Message: "decode state", Err: err}
		}
		id := responseID
		state.LastResponseID = &id
		state.UpdatedAt = c.now().UTC()
		next, err := json.Marshal(&state)
		if err != nil {
			return &apierr.StateManagementError{Op: op, Key: key, Message: "encode state", Err: err}
		}

		if !canSwap {
			if err := c.store.Set(ctx, key, string(next), c.cfg.StateTTL); err != nil {
				return &apierr.StateManagementError{Op: op, Key: key, Message: "write state", Err: err}
			}
			return nil
		}
		ok, err := swapper.CompareAndSwap(ctx, key, raw, string(next), c.cfg.StateTTL)
		if err != nil {
			return &apierr.StateManagementError{Op: op, Key: key, Message: "write state", Err: err}
		}
		if ok {
			return nil
		}
		if attempt >= maxSwapAttempts {
			return &apierr.StateManagementError{Op: op, Key: key, Message: "state changed concurrently"}
		}
		c.logger.Debug("state.swap_retry", "key", key, "attempt", attempt)
	}
}

// DeleteConversationState removes the state under key.
func (c *Client) DeleteConversationState(ctx context.Context, key string) error {
	const op = "conversation.delete_state"
	if strings.TrimSpace(key) == "" {
		return &apierr.StateManagementError{Op: op, Message: "state key is required"}
	}
	if err := c.store.Del(ctx, key); err != nil {
		return &apierr.StateManagementError{Op: op, Key: key, Message: "delete state", Err: err}
	}
	return nil
}

// ConversationRef names a conversation.
type ConversationRef struct {
	UserID   string
	Context  string
	Metadata map[string]string
}

// Converse runs one serialized turn of the conversation named by ref. The
// stored last response id is threaded as previous_response_id, and the state
// advances only when the turn completed.
func (c *Client) Converse(ctx context.Context, ref ConversationRef, msg types.Message, opts Options) (*types.ResponseObject, error) {
	const op = "conversation.converse"
	if _, err := c.FindOrCreateConversationState(ctx, ref.UserID, ref.Context, ref.Metadata); err != nil {
		return nil, err
	}
	key := StateKey(ref.UserID, ref.Context)

	unlock, err := c.locks.acquire(ctx, key)
	if err != nil {
		return nil, &apierr.StateManagementError{Op: op, Key: key, Message: "wait for conversation lock", Err: err}
	}
	defer unlock()

	if opts.PreviousResponseID == "" {
		last, err := c.GetLastResponseID(ctx, key)
		if err != nil {
			return nil, err
		}
		opts.PreviousResponseID = last
	}
	if len(msg.ToolOutputs) > 0 && opts.PreviousResponseID == "" {
		return nil, &apierr.RequestError{
			Op:      op,
			Field:   "previous_response_id",
			Message: "tool results must continue a previous response",
			Err:     apierr.ErrMissingPreviousResponseID,
		}
	}

	resp, err := c.Send(ctx, msg, opts)
	if err != nil {
		return nil, err
	}
	if resp.Status != types.StatusCompleted {
		c.logger.Info("state.not_advanced", "key", key, "response_id", resp.ID, "status", resp.Status)
		return resp, nil
	}
	if err := c.updateLastResponseIDLocked(ctx, op, key, resp.ID); err != nil {
		return resp, err
	}
	return resp, nil
}

func (c *Client) loadState(ctx context.Context, op, key string) (*types.ConversationState, bool, error) {
	raw, found, err := c.store.Get(ctx, key)
	if err != nil {
		return nil, false, &apierr.StateManagementError{Op: op, Key: key, Message: "read state", Err: err}
	}
	if !found {
		return nil, false, nil
	}
	var state types.ConversationState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return nil, false, &apierr.StateManagementError{Op: op, Key: key, Message: "decode state", Err: err}
	}
	return &state, true, nil
}

func (c *Client) saveState(ctx context.Context, op, key string, state *types.ConversationState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return &apierr.StateManagementError{Op: op, Key: key, Message: "encode state", Err: err}
	}
	if err := c.store.Set(ctx, key, string(data), c.cfg.StateTTL); err != nil {
		return &apierr.StateManagementError{Op: op, Key: key, Message: "write state", Err: err}
	}
	return nil
}

func cloneState(s *types.ConversationState) *types.ConversationState {
	if s == nil {
		return nil
	}
	cp := *s
	if s.LastResponseID != nil {
		id := *s.LastResponseID
		cp.LastResponseID = &id
	}
	if s.Metadata != nil {
		cp.Metadata = make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

// keyLocks serializes work per key. Waiting honors context cancellation.
type keyLocks struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	sem  chan struct{}
	refs int
}

func newKeyLocks() *keyLocks {
	return &keyLocks{locks: make(map[string]*keyLock)}
}

func (l *keyLocks) acquire(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	kl, ok := l.locks[key]
	if !ok {
		kl = &keyLock{sem: make(chan struct{}, 1)}
		l.locks[key] = kl
	}
	kl.refs++
	l.mu.Unlock()

	select {
	case kl.sem <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-kl.sem
				l.release(key, kl)
			})
		}, nil
	case <-ctx.Done():
		l.release(key, kl)
		return nil, ctx.Err()
	}
}

func (l *keyLocks) release(key string, kl *keyLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	kl.refs--
	if kl.refs == 0 {
		delete(l.locks, key)
	}
}

// held reports how many callers hold or wait for key.
func (l *keyLocks) held(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if kl, ok := l.locks[key]; ok {
		return kl.refs
	}
	return 0
}

// IsNotFound reports whether err means the conversation state does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, apierr.ErrNotFound)
}
