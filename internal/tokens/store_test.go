package tokens

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"api-replay/internal/common/errors"
	"api-replay/internal/common/logging"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestStore(login LoginFunc, clock *fakeClock) *Store {
	return NewStore(DefaultConfig(), login, WithClock(clock.Now), WithLogger(logging.NewNopLogger()))
}

func okLogin(values map[string]string) LoginFunc {
	return func(ctx context.Context, apiName string) (*LoginResult, error) {
		return &LoginResult{StatusCode: 200, Values: values}, nil
	}
}

func TestStore_SetTokenAppliesBuffer(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(nil, clock)

	s.SetToken("access_token", "abc", 3600*time.Second)

	rec, ok := s.Lookup("access_token")
	require.True(t, ok)
	assert.Equal(t, "abc", rec.Value)
	assert.Equal(t, clock.Now().Add(3540*time.Second), rec.ExpiresAt)

	clock.Advance(3539 * time.Second)
	assert.True(t, s.IsValid("access_token"))

	// valid strictly before ExpiresAt
	clock.Advance(1 * time.Second)
	assert.False(t, s.IsValid("access_token"))
}

func TestStore_ShortTTLIsImmediatelyInvalid(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(nil, clock)

	s.SetToken("short", "x", 30*time.Second)
	assert.False(t, s.IsValid("short"))
	assert.False(t, s.IsManaged("short"))
}

func TestStore_GetToken_ValidDoesNotLogin(t *testing.T) {
	clock := newFakeClock()
	var calls int32
	s := newTestStore(func(ctx context.Context, api string) (*LoginResult, error) {
		atomic.AddInt32(&calls, 1)
		return nil, nil
	}, clock)
	s.Manage("access_token", "login")
	s.SetToken("access_token", "abc", time.Hour)

	got, err := s.GetToken(context.Background(), "access_token")
	require.NoError(t, err)
	assert.Equal(t, "abc", got)
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))
}

func TestStore_GetToken_RefreshesExpired(t *testing.T) {
	clock := newFakeClock()
	var gotAPI string
	s := newTestStore(func(ctx context.Context, api string) (*LoginResult, error) {
		gotAPI = api
		return &LoginResult{StatusCode: 200, Values: map[string]string{
			"access_token": "new",
			"expires_in":   "600",
		}}, nil
	}, clock)
	s.Manage("access_token", "auth_login")
	s.SetToken("access_token", "old", 90*time.Second)

	clock.Advance(31 * time.Second)
	require.False(t, s.IsValid("access_token"))

	got, err := s.GetToken(context.Background(), "access_token")
	require.NoError(t, err)
	assert.Equal(t, "new", got)
	assert.Equal(t, "auth_login", gotAPI)

	rec, _ := s.Lookup("access_token")
	assert.Equal(t, clock.Now().Add(540*time.Second), rec.ExpiresAt)
}

func TestStore_GetToken_DefaultTTL(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(okLogin(map[string]string{"access_token": "tok"}), clock)
	s.Manage("access_token", "login")

	_, err := s.GetToken(context.Background(), "access_token")
	require.NoError(t, err)

	rec, _ := s.Lookup("access_token")
	assert.Equal(t, clock.Now().Add(60*time.Second), rec.ExpiresAt)
}

func TestStore_GetToken_Failures(t *testing.T) {
	tests := []struct {
		name    string
		login   LoginFunc
		errType errors.ErrorType
	}{
		{
			name: "non-success status",
			login: func(ctx context.Context, api string) (*LoginResult, error) {
				return &LoginResult{StatusCode: 401}, nil
			},
			errType: errors.ErrTypeAuth,
		},
		{
			name:    "missing token value",
			login:   okLogin(map[string]string{"expires_in": "300"}),
			errType: errors.ErrTypeTokenNotFound,
		},
		{
			name: "login error",
			login: func(ctx context.Context, api string) (*LoginResult, error) {
				return nil, errors.TransportError("connection refused", nil)
			},
			errType: errors.ErrTypeAuth,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestStore(tt.login, newFakeClock())
			s.Manage("access_token", "login")

			_, err := s.GetToken(context.Background(), "access_token")
			require.Error(t, err)
			assert.True(t, errors.IsType(err, tt.errType), "got %v", err)
			assert.False(t, s.IsValid("access_token"))
		})
	}
}

func TestStore_GetToken_Timeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RefreshTimeout = 50 * time.Millisecond

	release := make(chan struct{})
	defer close(release)

	s := NewStore(cfg, func(ctx context.Context, api string) (*LoginResult, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil, ctx.Err()
	}, WithLogger(logging.NewNopLogger()))
	s.Manage("access_token", "slow_login")

	_, err := s.GetToken(context.Background(), "access_token")
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrTypeAuth))
	assert.Contains(t, err.Error(), "timed out")
}

func TestStore_GetToken_UnmanagedAndUnknown(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(nil, clock)

	_, err := s.GetToken(context.Background(), "missing")
	assert.True(t, errors.IsType(err, errors.ErrTypeNotFound))

	s.SetToken("client_assertion", "jwt", 600*time.Second)
	clock.Advance(time.Hour)

	_, err = s.GetToken(context.Background(), "client_assertion")
	assert.True(t, errors.IsType(err, errors.ErrTypeAuth))
}

func TestStore_GetToken_ConcurrentCallersShareOneLogin(t *testing.T) {
	var calls int32
	started := make(chan struct{})
	release := make(chan struct{})

	s := NewStore(DefaultConfig(), func(ctx context.Context, api string) (*LoginResult, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			close(started)
		}
		<-release
		return &LoginResult{StatusCode: 200, Values: map[string]string{"access_token": "shared"}}, nil
	}, WithLogger(logging.NewNopLogger()))
	s.Manage("access_token", "login")

	const callers = 20
	var wg sync.WaitGroup
	results := make([]string, callers)
	errs := make([]error, callers)

	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], errs[0] = s.GetToken(context.Background(), "access_token")
	}()
	<-started

	for i := 1; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = s.GetToken(context.Background(), "access_token")
		}(i)
	}

	// give the waiters time to join the in-flight refresh
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "shared", results[i])
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestStore_RefreshDoesNotBlockOtherTokens(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})

	s := NewStore(DefaultConfig(), func(ctx context.Context, api string) (*LoginResult, error) {
		close(started)
		<-release
		return &LoginResult{StatusCode: 200, Values: map[string]string{"access_token": "a"}}, nil
	}, WithLogger(logging.NewNopLogger()))
	s.Manage("a", "login_a")
	s.SetToken("b", "value-b", time.Hour)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = s.GetToken(context.Background(), "a")
	}()
	<-started

	got, err := s.GetToken(context.Background(), "b")
	require.NoError(t, err)
	assert.Equal(t, "value-b", got)

	s.SetToken("c", "value-c", time.Hour)
	assert.True(t, s.IsValid("c"))

	close(release)
	<-done
}

func TestStore_GetToken_WaiterHonorsOwnContext(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	s := NewStore(DefaultConfig(), func(ctx context.Context, api string) (*LoginResult, error) {
		<-release
		return &LoginResult{StatusCode: 200, Values: map[string]string{"access_token": "x"}}, nil
	}, WithLogger(logging.NewNopLogger()))
	s.Manage("access_token", "login")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := s.GetToken(ctx, "access_token")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStore_GetToken_RecursiveRefreshFails(t *testing.T) {
	var s *Store
	var innerErr error
	s = NewStore(DefaultConfig(), func(ctx context.Context, api string) (*LoginResult, error) {
		// the login API itself references the token being refreshed
		_, innerErr = s.GetToken(ctx, "access_token")
		return &LoginResult{StatusCode: 200, Values: map[string]string{"access_token": "x"}}, nil
	}, WithLogger(logging.NewNopLogger()))
	s.Manage("access_token", "login")

	got, err := s.GetToken(context.Background(), "access_token")
	require.NoError(t, err)
	assert.Equal(t, "x", got)

	require.Error(t, innerErr)
	assert.True(t, errors.IsType(innerErr, errors.ErrTypeAuth))
	assert.Contains(t, innerErr.Error(), "recursive refresh")
}

func TestStore_IsManaged(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(nil, clock)

	assert.False(t, s.IsManaged("access_token"))

	s.Manage("access_token", "login")
	assert.True(t, s.IsManaged("access_token"))

	s.SetToken("client_assertion", "jwt", 600*time.Second)
	assert.True(t, s.IsManaged("client_assertion"))

	s.Delete("client_assertion")
	assert.False(t, s.IsManaged("client_assertion"))
}

func TestStore_Dependencies(t *testing.T) {
	s := newTestStore(nil, newFakeClock())

	_, ok := s.GetDependency("orders")
	assert.False(t, ok)

	s.RegisterDependency("orders", "login")
	dep, ok := s.GetDependency("orders")
	assert.True(t, ok)
	assert.Equal(t, "login", dep)
}

func TestTTLFromValues(t *testing.T) {
	def := 120 * time.Second
	tests := []struct {
		name   string
		values map[string]string
		want   time.Duration
	}{
		{"expires_in", map[string]string{"expires_in": "3600"}, time.Hour},
		{"expiry_in", map[string]string{"expiry_in": "300"}, 5 * time.Minute},
		{"expires_in wins", map[string]string{"expires_in": "60", "expiry_in": "300"}, time.Minute},
		{"non numeric falls back", map[string]string{"expires_in": "soon"}, def},
		{"zero falls back", map[string]string{"expires_in": "0"}, def},
		{"absent", nil, def},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, TTLFromValues(tt.values, def))
		})
	}
}
