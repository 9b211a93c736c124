package repository

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/langchou/viperbridge/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemorySessionRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewMemorySessionRepository()
	expires := time.Date(2025, 6, 1, 20, 0, 0, 0, time.UTC)

	m, err := repo.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, m)

	assert.ErrorIs(t, repo.UpdateDefaultVehicle(ctx, "u1", models.DefaultVehicle{DeviceID: "1"}), ErrNotFound)

	in := &models.SessionMapping{
		VoiceUserID:         "u1",
		VehicleSessionToken: "T1",
		ExpiresAt:           expires,
		DefaultVehicle:      &models.DefaultVehicle{DeviceID: "42", Name: "Truck"},
	}
	require.NoError(t, repo.Put(ctx, in))

	// 调用方修改原对象不影响已存储的记录
	in.DefaultVehicle.Name = "mutated"

	m, err = repo.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "Truck", m.DefaultVehicle.Name)
	m.VehicleSessionToken = "mutated"

	require.NoError(t, repo.UpdateDefaultVehicle(ctx, "u1", models.DefaultVehicle{DeviceID: "43", Name: "Car"}))
	m, err = repo.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "T1", m.VehicleSessionToken)
	assert.Equal(t, "43", m.DefaultVehicle.DeviceID)
}

func TestMemorySessionRepository_ConcurrentUpdates(t *testing.T) {
	ctx := context.Background()
	repo := NewMemorySessionRepository()
	require.NoError(t, repo.Put(ctx, &models.SessionMapping{VoiceUserID: "u1"}))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, repo.UpdateDefaultVehicle(ctx, "u1", models.DefaultVehicle{DeviceID: fmt.Sprint(i)}))
			assert.NoError(t, repo.Put(ctx, &models.SessionMapping{VoiceUserID: fmt.Sprintf("other-%d", i)}))
		}(i)
	}
	wg.Wait()

	m, err := repo.Get(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, m.DefaultVehicle)
	assert.NotEmpty(t, m.DefaultVehicle.DeviceID)
}
