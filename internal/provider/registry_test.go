package provider

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/reseller/internal/domain"
)

func TestRegistry_OneGatewayPerCredentials(t *testing.T) {
	created := 0
	reg := NewRegistry(func(p domain.Provider) domain.ProviderGateway {
		created++
		return NewMockGateway(p.Name)
	}, WithBreaker(2, time.Second))
	ctx := context.Background()

	p := domain.Provider{ID: "p1", Name: "panel", APIURL: "https://a.example/api/v2", APIKey: "k1", Active: true}
	first, err := reg.Gateway(ctx, p)
	require.NoError(t, err)
	second, err := reg.Gateway(ctx, p)
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, 1, created)

	resilient, ok := first.(*ResilientGateway)
	require.True(t, ok)
	assert.Equal(t, 2, resilient.breaker.threshold)
	assert.Equal(t, time.Second, resilient.breaker.cooldown)

	p.APIKey = "k2"
	rotated, err := reg.Gateway(ctx, p)
	require.NoError(t, err)
	assert.NotSame(t, first, rotated)
	assert.Equal(t, 2, created)
	assert.Len(t, reg.gateways, 1, "stale credentials are evicted")
}

func TestRegistry_RejectsUnusableProviders(t *testing.T) {
	reg := NewRegistry(func(p domain.Provider) domain.ProviderGateway { return NewMockGateway(p.Name) })

	_, err := reg.Gateway(context.Background(), domain.Provider{})
	require.ErrorIs(t, err, domain.ErrProviderNotFound)

	_, err = reg.Gateway(context.Background(), domain.Provider{ID: "p1", Name: "panel"})
	gwErr, ok := domain.AsGatewayError(err)
	require.True(t, ok)
	assert.Equal(t, "provider is inactive", gwErr.Message)
}
