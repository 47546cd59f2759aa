package testutils

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/ava-labs/lifecycle-publisher/pkg/messaging"
)

// MockBroker is a mock implementation of messaging.BrokerClient for testing
type MockBroker struct {
	mock.Mock
}

// Send mocks the Send method
func (m *MockBroker) Send(ctx context.Context, topic string, payload []byte, options map[string]any) error {
	args := m.Called(ctx, topic, payload, options)
	return args.Error(0)
}

// MockProcessor is a mock implementation of messaging.BackgroundProcessor for testing
type MockProcessor struct {
	mock.Mock
}

// Enqueue mocks the Enqueue method
func (m *MockProcessor) Enqueue(ctx context.Context, handler string, params messaging.Parameters) error {
	args := m.Called(ctx, handler, params)
	return args.Error(0)
}
