// Package mock provides an in-memory mq.ClientInterface for tests.
package mock

import (
	"context"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"procodus.dev/solarwatch/pkg/mq"
)

// MockClient records pushes and serves deliveries from a channel the test controls.
type MockClient struct {
	mu sync.Mutex

	// PushFunc overrides Push when set. Otherwise Push returns PushError.
	PushFunc  func(ctx context.Context, data []byte) error
	PushError error
	PushCalls []PushCall

	// UnsafePushFunc overrides UnsafePush when set.
	UnsafePushFunc  func(ctx context.Context, data []byte) error
	UnsafePushError error
	UnsafePushCalls []PushCall

	// WaitReadyError is returned by WaitReady.
	WaitReadyError error

	// ConsumeFunc overrides Consume when set. Otherwise Consume returns
	// Deliveries and ConsumeError.
	ConsumeFunc  func() (<-chan amqp.Delivery, error)
	Deliveries   chan amqp.Delivery
	ConsumeError error
	ConsumeCalls int

	CloseError error
	CloseCalls int
}

// PushCall records the arguments to a Push or UnsafePush call.
type PushCall struct {
	Ctx  context.Context
	Data []byte
}

// NewMockClient returns a MockClient with a buffered delivery channel and no errors.
func NewMockClient() *MockClient {
	return &MockClient{
		Deliveries: make(chan amqp.Delivery, 16),
	}
}

// Push implements mq.ClientInterface.
func (m *MockClient) Push(ctx context.Context, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.PushCalls = append(m.PushCalls, PushCall{Ctx: ctx, Data: data})
	if m.PushFunc != nil {
		return m.PushFunc(ctx, data)
	}
	return m.PushError
}

// UnsafePush implements mq.ClientInterface.
func (m *MockClient) UnsafePush(ctx context.Context, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.UnsafePushCalls = append(m.UnsafePushCalls, PushCall{Ctx: ctx, Data: data})
	if m.UnsafePushFunc != nil {
		return m.UnsafePushFunc(ctx, data)
	}
	return m.UnsafePushError
}

// WaitReady implements mq.ClientInterface.
func (m *MockClient) WaitReady(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return m.WaitReadyError
}

// Consume implements mq.ClientInterface.
func (m *MockClient) Consume() (<-chan amqp.Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ConsumeCalls++
	if m.ConsumeFunc != nil {
		return m.ConsumeFunc()
	}
	if m.ConsumeError != nil {
		return nil, m.ConsumeError
	}
	return m.Deliveries, nil
}

// Close implements mq.ClientInterface.
func (m *MockClient) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.CloseCalls++
	return m.CloseError
}

// Pushed returns a copy of every payload passed to Push.
func (m *MockClient) Pushed() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([][]byte, len(m.PushCalls))
	for i, c := range m.PushCalls {
		out[i] = c.Data
	}
	return out
}

// Reset clears recorded calls.
func (m *MockClient) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.PushCalls = nil
	m.UnsafePushCalls = nil
	m.ConsumeCalls = 0
	m.CloseCalls = 0
}

var _ mq.ClientInterface = (*MockClient)(nil)
