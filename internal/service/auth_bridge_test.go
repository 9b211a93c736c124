package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/langchou/viperbridge/internal/api/identity"
	"github.com/langchou/viperbridge/internal/api/viper"
	"github.com/langchou/viperbridge/internal/metrics"
	"github.com/langchou/viperbridge/internal/models"
	"github.com/langchou/viperbridge/internal/repository"
	"github.com/langchou/viperbridge/internal/state"
)

type bridgeFixture struct {
	bridge   *AuthBridge
	resolver *fakeResolver
	vehicles *fakeVehicleAPI
	cache    *fakeCache
	clock    *time.Time
}

func newBridgeFixture(t *testing.T, opts ...AuthOption) *bridgeFixture {
	t.Helper()
	clock := testNow
	f := &bridgeFixture{
		resolver: &fakeResolver{subject: linkedSubject()},
		vehicles: &fakeVehicleAPI{vehicles: []viper.Vehicle{
			{DeviceID: "42", Name: "Truck"},
			{DeviceID: "43", Name: "Car"},
		}},
		cache: newFakeCache(),
		clock: &clock,
	}
	opts = append([]AuthOption{WithClock(func() time.Time { return *f.clock })}, opts...)
	f.bridge = NewAuthBridge(f.resolver, f.vehicles, f.cache, zap.NewNop(), opts...)
	return f
}

func (f *bridgeFixture) seed(t *testing.T, m *models.SessionMapping) {
	t.Helper()
	require.NoError(t, f.cache.MemorySessionRepository.Put(context.Background(), m))
}

func TestResolveSession_FastPathIsIdempotent(t *testing.T) {
	f := newBridgeFixture(t)
	f.seed(t, &models.SessionMapping{
		VoiceUserID:         "u1",
		VehicleSessionToken: "cached-token",
		ExpiresAt:           testNow.Add(time.Hour),
		DefaultVehicle:      &models.DefaultVehicle{DeviceID: "7", Name: "Van"},
	})
	ctx := context.Background()

	first, err := f.bridge.ResolveSession(ctx, "access", "u1")
	require.NoError(t, err)
	second, err := f.bridge.ResolveSession(ctx, "access", "u1")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, "cached-token", second.VehicleToken)
	assert.Equal(t, &models.DefaultVehicle{DeviceID: "7", Name: "Van"}, second.DefaultVehicle)
	assert.True(t, second.FromCache)
	assert.Equal(t, 0, f.vehicles.loginCalls)
	assert.Equal(t, 0, f.vehicles.listCalls)
	assert.Equal(t, 0, f.cache.puts)
}

func TestResolveSession_SecondCallAfterLoginUsesCache(t *testing.T) {
	f := newBridgeFixture(t)
	ctx := context.Background()

	first, err := f.bridge.ResolveSession(ctx, "access", "u1")
	require.NoError(t, err)
	assert.False(t, first.FromCache)

	second, err := f.bridge.ResolveSession(ctx, "access", "u1")
	require.NoError(t, err)
	assert.True(t, second.FromCache)
	assert.Equal(t, first.VehicleToken, second.VehicleToken)
	assert.Equal(t, first.DefaultVehicle, second.DefaultVehicle)
	assert.Equal(t, 1, f.vehicles.loginCalls)
	assert.Equal(t, 1, f.vehicles.listCalls)
}

func TestResolveSession_ExpiredMappingLogsInAgain(t *testing.T) {
	for _, expiresAt := range []time.Time{testNow, testNow.Add(-time.Minute)} {
		f := newBridgeFixture(t)
		f.seed(t, &models.SessionMapping{
			VoiceUserID:         "u1",
			VehicleSessionToken: "stale-token",
			ExpiresAt:           expiresAt,
			DefaultVehicle:      &models.DefaultVehicle{DeviceID: "7", Name: "Van"},
		})

		session, err := f.bridge.ResolveSession(context.Background(), "access", "u1")
		require.NoError(t, err)
		assert.NotEqual(t, "stale-token", session.VehicleToken)
		assert.False(t, session.FromCache)
		assert.Equal(t, 1, f.vehicles.loginCalls)

		// 刷新不覆盖已有默认车辆
		assert.Equal(t, 0, f.vehicles.listCalls)
		assert.Equal(t, "7", session.DefaultVehicle.DeviceID)

		stored, err := f.cache.Get(context.Background(), "u1")
		require.NoError(t, err)
		assert.Equal(t, session.VehicleToken, stored.VehicleSessionToken)
		assert.Equal(t, "7", stored.DefaultVehicle.DeviceID)
		assert.True(t, stored.ExpiresAt.Equal(testNow.Add(DefaultSessionTTL)))
		assert.Equal(t, "cognito-sub-1", stored.SubjectID)
	}
}

func TestResolveSession_FirstProvisioningPicksFirstVehicle(t *testing.T) {
	f := newBridgeFixture(t)

	session, err := f.bridge.ResolveSession(context.Background(), "access", "u1")
	require.NoError(t, err)
	assert.Equal(t, &models.DefaultVehicle{DeviceID: "42", Name: "Truck"}, session.DefaultVehicle)
	assert.Equal(t, "a@b.com", f.vehicles.lastUsername)
	assert.Equal(t, "pw1", f.vehicles.lastPassword)

	stored, err := f.cache.Get(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, &models.DefaultVehicle{DeviceID: "42", Name: "Truck"}, stored.DefaultVehicle)
	assert.True(t, stored.UpdatedAt.Equal(testNow))
}

func TestResolveSession_EmptyFleetIsNotAnError(t *testing.T) {
	f := newBridgeFixture(t)
	f.vehicles.vehicles = []viper.Vehicle{}

	session, err := f.bridge.ResolveSession(context.Background(), "access", "u1")
	require.NoError(t, err)
	assert.NotEmpty(t, session.VehicleToken)
	assert.Nil(t, session.DefaultVehicle)

	stored, err := f.cache.Get(context.Background(), "u1")
	require.NoError(t, err)
	assert.True(t, stored.HasToken())
	assert.Nil(t, stored.DefaultVehicle)
}

func TestResolveSession_CredentialsMissing(t *testing.T) {
	tests := []struct {
		name  string
		attrs map[string]string
	}{
		{"no attributes", map[string]string{}},
		{"username only", map[string]string{"email": "a@b.com"}},
		{"password only", map[string]string{"custom:viper_password": "pw1"}},
		{"blank password", map[string]string{"email": "a@b.com", "custom:viper_password": " "}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newBridgeFixture(t)
			f.resolver.subject = subjectWith(tt.attrs)

			session, err := f.bridge.ResolveSession(context.Background(), "access", "u1")
			assert.Nil(t, session)
			assert.ErrorIs(t, err, ErrCredentialsMissing)
			assert.Equal(t, 0, f.vehicles.loginCalls)
			assert.Equal(t, 0, f.cache.puts)
		})
	}
}

func TestResolveSession_ConcreteScenario(t *testing.T) {
	f := newBridgeFixture(t)
	f.resolver.subject = subjectWith(map[string]string{
		"email":                 "a@b.com",
		"custom_viper_password": "pw1",
	})
	f.vehicles.vehicles = []viper.Vehicle{{DeviceID: "42", Name: "Truck"}}
	ctx := context.Background()

	session, err := f.bridge.ResolveSession(ctx, "access", "amzn1.ask.account.ABC")
	require.NoError(t, err)
	assert.NotEmpty(t, session.VehicleToken)
	assert.Equal(t, &models.DefaultVehicle{DeviceID: "42", Name: "Truck"}, session.DefaultVehicle)

	stored, err := f.cache.Get(ctx, "amzn1.ask.account.ABC")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "42", stored.DefaultVehicle.DeviceID)
}

func TestResolveSession_CredentialMappingV1(t *testing.T) {
	v1, err := CredentialMappingFor(1)
	require.NoError(t, err)
	f := newBridgeFixture(t, WithCredentialMapping(v1))
	f.resolver.subject = subjectWith(map[string]string{
		"email":                 "a@b.com",
		"custom_viper_password": "pw1",
	})

	_, err = f.bridge.ResolveSession(context.Background(), "access", "u1")
	assert.ErrorIs(t, err, ErrCredentialsMissing)
	assert.Equal(t, 0, f.vehicles.loginCalls)
}

func TestResolveSession_IdentityFailures(t *testing.T) {
	tests := []struct {
		name  string
		cause error
		want  error
	}{
		{"invalid token", identity.ErrInvalidToken, ErrIdentity},
		{"provider down", identity.ErrUnavailable, ErrIdentityUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newBridgeFixture(t)
			f.resolver.err = tt.cause
			f.seed(t, &models.SessionMapping{
				VoiceUserID:         "u1",
				VehicleSessionToken: "cached-token",
				ExpiresAt:           testNow.Add(time.Hour),
			})

			session, err := f.bridge.ResolveSession(context.Background(), "access", "u1")
			assert.Nil(t, session)
			assert.ErrorIs(t, err, tt.want)
			assert.ErrorIs(t, err, tt.cause)
			assert.Equal(t, 0, f.vehicles.loginCalls)
		})
	}
}

func TestResolveSession_LoginFailures(t *testing.T) {
	tests := []struct {
		name  string
		cause error
		want  error
	}{
		{"rejected", viper.ErrAuthRejected, ErrVehicleAuthFailed},
		{"upstream", viper.ErrUpstream, ErrUpstreamUnavailable},
		{"timeout", context.DeadlineExceeded, ErrUpstreamUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newBridgeFixture(t)
			f.vehicles.loginErr = tt.cause

			session, err := f.bridge.ResolveSession(context.Background(), "access", "u1")
			assert.Nil(t, session)
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, 0, f.cache.puts)
		})
	}
}

func TestResolveSession_ListFailureIsUpstreamUnavailable(t *testing.T) {
	f := newBridgeFixture(t)
	f.vehicles.listErr = viper.ErrUpstream

	session, err := f.bridge.ResolveSession(context.Background(), "access", "u1")
	assert.Nil(t, session)
	assert.ErrorIs(t, err, ErrUpstreamUnavailable)
	assert.Equal(t, 0, f.cache.puts)
}

func TestResolveSession_CacheReadFailureFallsThrough(t *testing.T) {
	f := newBridgeFixture(t)
	f.cache.getErr = repository.ErrStoreUnavailable

	session, err := f.bridge.ResolveSession(context.Background(), "access", "u1")
	require.NoError(t, err)
	assert.NotEmpty(t, session.VehicleToken)
	assert.Equal(t, 1, f.vehicles.loginCalls)
	assert.Equal(t, 1, f.cache.puts)
}

func TestResolveSession_CacheWriteFailureStillReturnsToken(t *testing.T) {
	f := newBridgeFixture(t)
	f.cache.putErr = repository.ErrStoreUnavailable

	session, err := f.bridge.ResolveSession(context.Background(), "access", "u1")
	require.NotNil(t, session)
	assert.NotEmpty(t, session.VehicleToken)
	assert.Equal(t, "42", session.DefaultVehicle.DeviceID)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.ErrorIs(t, err, repository.ErrStoreUnavailable)

	// 下一轮仍走慢路径
	f.cache.putErr = nil
	_, err = f.bridge.ResolveSession(context.Background(), "access", "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, f.vehicles.loginCalls)
}

func TestResolveSession_CustomTTL(t *testing.T) {
	f := newBridgeFixture(t, WithSessionTTL(30*time.Minute))

	_, err := f.bridge.ResolveSession(context.Background(), "access", "u1")
	require.NoError(t, err)

	stored, err := f.cache.Get(context.Background(), "u1")
	require.NoError(t, err)
	assert.True(t, stored.ExpiresAt.Equal(testNow.Add(30*time.Minute)))

	*f.clock = testNow.Add(30 * time.Minute)
	_, err = f.bridge.ResolveSession(context.Background(), "access", "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, f.vehicles.loginCalls)
}

func TestResolveSession_ConcurrentRefreshesShareOneLogin(t *testing.T) {
	f := newBridgeFixture(t)
	f.vehicles.loginEntered = make(chan struct{}, 2)
	f.vehicles.loginGate = make(chan struct{})
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([]*Session, 2)
	errs := make([]error, 2)

	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], errs[0] = f.bridge.ResolveSession(ctx, "access", "u1")
	}()
	<-f.vehicles.loginEntered

	wg.Add(1)
	go func() {
		defer wg.Done()
		results[1], errs[1] = f.bridge.ResolveSession(ctx, "access", "u1")
	}()
	time.Sleep(50 * time.Millisecond)
	close(f.vehicles.loginGate)
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, 1, f.vehicles.logins())
	assert.Equal(t, results[0].VehicleToken, results[1].VehicleToken)

	// 共享结果互不影响
	results[0].DefaultVehicle.Name = "changed"
	assert.Equal(t, "Truck", results[1].DefaultVehicle.Name)
}

func TestResolveSession_CancelledCallerDoesNotCancelSharedRefresh(t *testing.T) {
	f := newBridgeFixture(t)
	f.vehicles.loginEntered = make(chan struct{}, 2)
	f.vehicles.loginGate = make(chan struct{})

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	defer cancelFirst()
	firstErr := make(chan error, 1)
	go func() {
		_, err := f.bridge.ResolveSession(firstCtx, "access", "u1")
		firstErr <- err
	}()
	<-f.vehicles.loginEntered

	type result struct {
		session *Session
		err     error
	}
	second := make(chan result, 1)
	go func() {
		session, err := f.bridge.ResolveSession(context.Background(), "access", "u1")
		second <- result{session, err}
	}()
	time.Sleep(50 * time.Millisecond)

	// 首个调用方断开，共享刷新继续
	cancelFirst()
	err := <-firstErr
	assert.ErrorIs(t, err, ErrUpstreamUnavailable)
	assert.ErrorIs(t, err, context.Canceled)

	close(f.vehicles.loginGate)
	res := <-second
	require.NoError(t, res.err)
	assert.NotEmpty(t, res.session.VehicleToken)
	assert.Equal(t, 1, f.vehicles.logins())

	stored, err := f.cache.Get(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, res.session.VehicleToken, stored.VehicleSessionToken)
}

func TestResolveSession_RefreshTimeoutBoundsLogin(t *testing.T) {
	f := newBridgeFixture(t, WithRefreshTimeout(20*time.Millisecond))
	f.vehicles.loginEntered = make(chan struct{}, 1)
	f.vehicles.loginGate = make(chan struct{})

	session, err := f.bridge.ResolveSession(context.Background(), "access", "u1")
	assert.Nil(t, session)
	assert.ErrorIs(t, err, ErrUpstreamUnavailable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, f.cache.puts)
}

func TestResolveSession_ValidMappingNeverProvisions(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	f := newBridgeFixture(t, WithMetrics(m))
	f.seed(t, &models.SessionMapping{
		VoiceUserID:         "u1",
		VehicleSessionToken: "cached-token",
		ExpiresAt:           testNow.Add(time.Hour),
	})

	_, err := f.bridge.ResolveSession(context.Background(), "access", "u1")
	require.NoError(t, err)
	assert.Equal(t, 0, testutil.CollectAndCount(m.SessionTransitions))

	// 过期后从 expired 进入 provisioning，从不经由 active
	*f.clock = testNow.Add(time.Hour)
	_, err = f.bridge.ResolveSession(context.Background(), "access", "u1")
	require.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionTransitions.WithLabelValues(state.StateExpired, state.StateProvisioning)))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.SessionTransitions.WithLabelValues(state.StateActive, state.StateProvisioning)))
}

func TestResolveSession_RecordsTransitions(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	f := newBridgeFixture(t, WithMetrics(m))

	_, err := f.bridge.ResolveSession(context.Background(), "access", "u1")
	require.NoError(t, err)
	_, err = f.bridge.ResolveSession(context.Background(), "access", "u1")
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionTransitions.WithLabelValues(state.StateNoMapping, state.StateProvisioning)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionTransitions.WithLabelValues(state.StateProvisioning, state.StateActive)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionResolutions.WithLabelValues("login", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionResolutions.WithLabelValues("cache", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.VehicleLogins.WithLabelValues("ok")))
}

func TestAuthBridge_ListVehicles(t *testing.T) {
	f := newBridgeFixture(t)

	vehicles, session, err := f.bridge.ListVehicles(context.Background(), "access", "u1")
	require.NoError(t, err)
	require.NotNil(t, session)
	assert.Len(t, vehicles, 2)
	assert.Equal(t, "42", vehicles[0].DeviceID)

	// 重新登录后仍被拒绝则不再重试
	f.vehicles.listErr = viper.ErrAuthRejected
	_, _, err = f.bridge.ListVehicles(context.Background(), "access", "u1")
	assert.ErrorIs(t, err, ErrVehicleAuthFailed)
	assert.Equal(t, 2, f.vehicles.logins())
}

func TestAuthBridge_ListVehiclesRecoversFromRevokedToken(t *testing.T) {
	f := newBridgeFixture(t)
	f.vehicles.revoked = map[string]bool{"stale": true}
	f.seed(t, &models.SessionMapping{
		VoiceUserID:         "u1",
		VehicleSessionToken: "stale",
		ExpiresAt:           testNow.Add(11 * time.Hour),
		DefaultVehicle:      &models.DefaultVehicle{DeviceID: "43", Name: "Car"},
	})
	ctx := context.Background()

	vehicles, session, err := f.bridge.ListVehicles(ctx, "access", "u1")
	require.NoError(t, err)
	assert.Len(t, vehicles, 2)
	assert.False(t, session.FromCache)
	assert.NotEqual(t, "stale", session.VehicleToken)
	assert.Equal(t, "43", session.DefaultVehicle.DeviceID)
	assert.Equal(t, 1, f.vehicles.logins())

	stored, err := f.cache.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, session.VehicleToken, stored.VehicleSessionToken)
	assert.Equal(t, "43", stored.DefaultVehicle.DeviceID)

	_, session, err = f.bridge.ListVehicles(ctx, "access", "u1")
	require.NoError(t, err)
	assert.True(t, session.FromCache)
	assert.Equal(t, 1, f.vehicles.logins())
}

func TestAuthBridge_SetDefaultVehicle(t *testing.T) {
	ctx := context.Background()

	t.Run("updates to a device on the account", func(t *testing.T) {
		f := newBridgeFixture(t)

		dv, err := f.bridge.SetDefaultVehicle(ctx, "access", "u1", "43")
		require.NoError(t, err)
		assert.Equal(t, &models.DefaultVehicle{DeviceID: "43", Name: "Car"}, dv)

		stored, err := f.cache.Get(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, "43", stored.DefaultVehicle.DeviceID)

		// 刷新后仍保持用户选择
		*f.clock = testNow.Add(DefaultSessionTTL)
		session, err := f.bridge.ResolveSession(ctx, "access", "u1")
		require.NoError(t, err)
		assert.Equal(t, "43", session.DefaultVehicle.DeviceID)
	})

	t.Run("recovers from a revoked cached token", func(t *testing.T) {
		f := newBridgeFixture(t)
		f.vehicles.revoked = map[string]bool{"stale": true}
		f.seed(t, &models.SessionMapping{
			VoiceUserID:         "u1",
			VehicleSessionToken: "stale",
			ExpiresAt:           testNow.Add(11 * time.Hour),
			DefaultVehicle:      &models.DefaultVehicle{DeviceID: "42", Name: "Truck"},
		})

		dv, err := f.bridge.SetDefaultVehicle(ctx, "access", "u1", "43")
		require.NoError(t, err)
		assert.Equal(t, "43", dv.DeviceID)
		assert.Equal(t, 1, f.vehicles.logins())

		stored, err := f.cache.Get(ctx, "u1")
		require.NoError(t, err)
		assert.NotEqual(t, "stale", stored.VehicleSessionToken)
		assert.Equal(t, "43", stored.DefaultVehicle.DeviceID)
	})

	t.Run("rejects unknown device", func(t *testing.T) {
		f := newBridgeFixture(t)

		_, err := f.bridge.SetDefaultVehicle(ctx, "access", "u1", "999")
		assert.ErrorIs(t, err, ErrInvalidTarget)

		stored, err := f.cache.Get(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, "42", stored.DefaultVehicle.DeviceID)
	})

	t.Run("maps store failure", func(t *testing.T) {
		f := newBridgeFixture(t)
		f.cache.updateErr = repository.ErrStoreUnavailable

		_, err := f.bridge.SetDefaultVehicle(ctx, "access", "u1", "43")
		assert.ErrorIs(t, err, ErrStoreUnavailable)
	})

	t.Run("maps missing mapping", func(t *testing.T) {
		f := newBridgeFixture(t)
		f.cache.putErr = errors.New("disk full")

		_, err := f.bridge.SetDefaultVehicle(ctx, "access", "u1", "43")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestAuthBridge_InvalidateSession(t *testing.T) {
	ctx := context.Background()

	t.Run("clears token and keeps default vehicle", func(t *testing.T) {
		f := newBridgeFixture(t)
		f.seed(t, &models.SessionMapping{
			VoiceUserID:         "u1",
			VehicleSessionToken: "revoked-token",
			ExpiresAt:           testNow.Add(time.Hour),
			DefaultVehicle:      &models.DefaultVehicle{DeviceID: "7", Name: "Van"},
		})

		require.NoError(t, f.bridge.InvalidateSession(ctx, "u1"))

		stored, err := f.cache.Get(ctx, "u1")
		require.NoError(t, err)
		assert.False(t, stored.HasToken())
		assert.Equal(t, "7", stored.DefaultVehicle.DeviceID)

		session, err := f.bridge.ResolveSession(ctx, "access", "u1")
		require.NoError(t, err)
		assert.NotEqual(t, "revoked-token", session.VehicleToken)
		assert.Equal(t, 1, f.vehicles.loginCalls)
		assert.Equal(t, "7", session.DefaultVehicle.DeviceID)
	})

	t.Run("absent mapping is a no-op", func(t *testing.T) {
		f := newBridgeFixture(t)
		require.NoError(t, f.bridge.InvalidateSession(ctx, "u1"))
		assert.Equal(t, 0, f.cache.puts)
	})

	t.Run("maps store failure", func(t *testing.T) {
		f := newBridgeFixture(t)
		f.cache.getErr = repository.ErrStoreUnavailable
		assert.ErrorIs(t, f.bridge.InvalidateSession(ctx, "u1"), ErrStoreUnavailable)
	})
}
