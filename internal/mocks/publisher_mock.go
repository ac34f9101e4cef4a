package mocks

import (
	"github.com/stretchr/testify/mock"
)

// Publisher is a mock implementation of the mqtt.Publisher interface
type Publisher struct {
	mock.Mock
}

func (m *Publisher) PublishJSON(topic string, qos byte, v any) error {
	args := m.Called(topic, qos, v)
	return args.Error(0)
}

func (m *Publisher) Close() {
	m.Called()
}
