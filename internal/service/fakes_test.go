package service

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/langchou/viperbridge/internal/api/identity"
	"github.com/langchou/viperbridge/internal/api/viper"
	"github.com/langchou/viperbridge/internal/models"
	"github.com/langchou/viperbridge/internal/repository"
)

var testNow = time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)

// fakeResolver implements IdentityResolver.
type fakeResolver struct {
	mu      sync.Mutex
	subject *identity.Subject
	err     error
	calls   int
}

func (f *fakeResolver) Resolve(_ context.Context, _ string) (*identity.Subject, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.subject, nil
}

// fakeVehicleAPI implements VehicleAPI and records calls.
type fakeVehicleAPI struct {
	mu sync.Mutex

	loginErr    error
	listErr     error
	commandErr  error
	vehicles    []viper.Vehicle
	tokenSerial int
	revoked     map[string]bool

	// when set, Login signals loginEntered then blocks until loginGate is released
	loginEntered chan struct{}
	loginGate    chan struct{}

	loginCalls   int
	listCalls    int
	commandCalls []sentCommand
	lastUsername string
	lastPassword string
}

type sentCommand struct {
	token    string
	deviceID string
	command  viper.Command
}

func (f *fakeVehicleAPI) Login(ctx context.Context, username, password string) (*viper.LoginResult, error) {
	if f.loginEntered != nil {
		f.loginEntered <- struct{}{}
	}
	if f.loginGate != nil {
		select {
		case <-f.loginGate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loginCalls++
	f.lastUsername = username
	f.lastPassword = password
	if f.loginErr != nil {
		return nil, f.loginErr
	}
	f.tokenSerial++
	return &viper.LoginResult{Token: "viper-token-" + strconv.Itoa(f.tokenSerial), UserID: "1001"}, nil
}

func (f *fakeVehicleAPI) ListVehicles(_ context.Context, token string) ([]viper.Vehicle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	if f.listErr != nil {
		return nil, f.listErr
	}
	if f.revoked[token] {
		return nil, viper.ErrAuthRejected
	}
	return f.vehicles, nil
}

func (f *fakeVehicleAPI) SendCommand(_ context.Context, token, deviceID string, command viper.Command) (*viper.CommandAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commandCalls = append(f.commandCalls, sentCommand{token, deviceID, command})
	if f.commandErr != nil {
		return nil, f.commandErr
	}
	id, err := viper.ParseDeviceID(deviceID)
	if err != nil {
		return nil, err
	}
	return &viper.CommandAck{DeviceID: id, Command: command}, nil
}

func (f *fakeVehicleAPI) logins() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loginCalls
}

// fakeCache wraps the in-memory repository with injectable failures.
type fakeCache struct {
	*repository.MemorySessionRepository
	mu        sync.Mutex
	getErr    error
	putErr    error
	updateErr error
	puts      int
}

func newFakeCache() *fakeCache {
	return &fakeCache{MemorySessionRepository: repository.NewMemorySessionRepository()}
}

func (f *fakeCache) Get(ctx context.Context, voiceUserID string) (*models.SessionMapping, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return f.MemorySessionRepository.Get(ctx, voiceUserID)
}

func (f *fakeCache) Put(ctx context.Context, m *models.SessionMapping) error {
	f.mu.Lock()
	f.puts++
	f.mu.Unlock()
	if f.putErr != nil {
		return f.putErr
	}
	return f.MemorySessionRepository.Put(ctx, m)
}

func (f *fakeCache) UpdateDefaultVehicle(ctx context.Context, voiceUserID string, v models.DefaultVehicle) error {
	if f.updateErr != nil {
		return f.updateErr
	}
	return f.MemorySessionRepository.UpdateDefaultVehicle(ctx, voiceUserID, v)
}

func subjectWith(attrs map[string]string) *identity.Subject {
	return &identity.Subject{SubjectID: "cognito-sub-1", Attributes: attrs}
}

func linkedSubject() *identity.Subject {
	return subjectWith(map[string]string{
		"email":                 "a@b.com",
		"custom:viper_password": "pw1",
	})
}
