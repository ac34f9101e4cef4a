package mocks

import (
	"github.com/stretchr/testify/mock"
)

// Terminal is a mock implementation of the services.Terminal interface
type Terminal struct {
	mock.Mock
}

func (m *Terminal) IsInteractive() bool {
	args := m.Called()
	return args.Bool(0)
}

func (m *Terminal) ReadLine(prompt string) (string, error) {
	args := m.Called(prompt)
	return args.String(0), args.Error(1)
}

func (m *Terminal) ReadPassword(prompt string) (string, error) {
	args := m.Called(prompt)
	return args.String(0), args.Error(1)
}
