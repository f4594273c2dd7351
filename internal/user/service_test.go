package user

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"presence-chat/internal/keys"
	"presence-chat/internal/presence"
	"presence-chat/internal/store"
)

type memAccounts struct {
	mu      sync.Mutex
	byEmail map[string]*Account
}

func (m *memAccounts) CreateAccount(_ context.Context, a *Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.byEmail == nil {
		m.byEmail = map[string]*Account{}
	}
	k := strings.ToLower(a.Email)
	if _, ok := m.byEmail[k]; ok {
		return ErrEmailTaken
	}
	cp := *a
	m.byEmail[k] = &cp
	return nil
}

func (m *memAccounts) GetAccountByEmail(_ context.Context, email string) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.byEmail[strings.ToLower(email)]
	if !ok {
		return nil, ErrInvalidCredentials
	}
	cp := *a
	return &cp, nil
}

func newTestService() (*Service, store.Store) {
	st := store.NewMemoryStore()
	return NewService(&memAccounts{}, presence.NewTracker(st), "test-secret"), st
}

func TestRegisterCreatesOfflineUser(t *testing.T) {
	ctx := context.Background()
	svc, st := newTestService()

	a, err := svc.Register(ctx, &RegisterRequest{Email: "a@x.com", Password: "pw", DisplayName: "Alice"})
	require.NoError(t, err)
	require.NotEmpty(t, a.ID)
	assert.NotEqual(t, "pw", a.Password)

	snap, err := st.Get(ctx, keys.User(a.ID))
	require.NoError(t, err)
	var u presence.User
	require.NoError(t, snap.Decode(&u))
	assert.Equal(t, "a@x.com", u.Email)
	assert.Equal(t, "Alice", u.DisplayName)
	assert.False(t, u.Online)
	assert.NotEmpty(t, u.LastSeen)

	_, err = svc.Register(ctx, &RegisterRequest{Email: "a@x.com", Password: "other"})
	assert.ErrorIs(t, err, ErrEmailTaken)
	_, err = svc.Register(ctx, &RegisterRequest{Email: " ", Password: "pw"})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestLoginIssuesToken(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService()
	a, err := svc.Register(ctx, &RegisterRequest{Email: "a@x.com", Password: "pw"})
	require.NoError(t, err)

	res, err := svc.Login(ctx, &LoginRequest{Email: "a@x.com", Password: "pw"})
	require.NoError(t, err)
	assert.Equal(t, a.ID, res.ID)

	id, email, err := svc.ValidateToken(res.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, a.ID, id)
	assert.Equal(t, "a@x.com", email)

	_, err = svc.Login(ctx, &LoginRequest{Email: "a@x.com", Password: "wrong"})
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = svc.Login(ctx, &LoginRequest{Email: "nobody@x.com", Password: "pw"})
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	other := NewService(&memAccounts{}, presence.NewTracker(store.NewMemoryStore()), "other-secret")
	_, _, err = other.ValidateToken(res.AccessToken)
	assert.Error(t, err)
}

func TestHandler(t *testing.T) {
	svc, _ := newTestService()
	h := NewHandler(svc)

	tests := []struct {
		name    string
		handler http.HandlerFunc
		body    string
		want    int
	}{
		{"register", h.Register, `{"email":"a@x.com","password":"pw"}`, http.StatusCreated},
		{"register duplicate", h.Register, `{"email":"a@x.com","password":"pw"}`, http.StatusConflict},
		{"register missing password", h.Register, `{"email":"b@x.com"}`, http.StatusBadRequest},
		{"register bad json", h.Register, `{`, http.StatusBadRequest},
		{"login", h.Login, `{"email":"a@x.com","password":"pw"}`, http.StatusOK},
		{"login wrong password", h.Login, `{"email":"a@x.com","password":"nope"}`, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			tt.handler(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tt.body)))
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
}
