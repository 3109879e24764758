// Package mocks provides mock implementations for testing.
package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// MockAuthenticator is a mock implementation of auth.Authenticator.
type MockAuthenticator struct {
	mock.Mock
}

// Verify mocks token verification.
func (m *MockAuthenticator) Verify(ctx context.Context, token, audience string) (string, error) {
	args := m.Called(ctx, token, audience)
	return args.String(0), args.Error(1)
}
