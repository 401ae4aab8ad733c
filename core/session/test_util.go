package session

import (
	"context"
	"errors"
	"sync"
)

// Collaborator fakes shared by the session tests.

var errKeyNotFound = errors.New("key not found")

type AuthServiceMock struct {
	mu       sync.Mutex
	Accounts map[string]Account // username -> account; password is always "x"
	Token    string
	Err      error
	Calls    int
}

var _ AuthService = (*AuthServiceMock)(nil)

func (m *AuthServiceMock) Login(_ context.Context, username, password string) (string, Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls++
	if m.Err != nil {
		return "", Account{}, m.Err
	}
	acct, ok := m.Accounts[username]
	if !ok || password != "x" {
		return "", Account{}, ErrInvalidCredentials
	}
	token := m.Token
	if token == "" {
		token = "Basic dGVzdDp4" // test:x
	}
	return token, acct, nil
}

type UserServiceMock struct {
	mu    sync.Mutex
	Perms []string
	Err   error
	Calls int
	Block chan struct{} // when set, Permissions waits on it before answering
}

var _ UserService = (*UserServiceMock)(nil)

func (m *UserServiceMock) Permissions(context.Context) ([]string, error) {
	m.mu.Lock()
	m.Calls++
	block := m.Block
	err := m.Err
	perms := append([]string(nil), m.Perms...)
	m.mu.Unlock()

	if block != nil {
		<-block
	}
	if err != nil {
		return nil, err
	}
	return perms, nil
}

func (m *UserServiceMock) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Calls
}

func (m *UserServiceMock) SetErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Err = err
}

type StoreMock struct {
	mu   sync.Mutex
	Data map[string][]byte
}

var _ Store = (*StoreMock)(nil)

func NewStoreMock() *StoreMock {
	return &StoreMock{Data: make(map[string][]byte)}
}

func (m *StoreMock) Get(key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	val, ok := m.Data[key]
	if !ok {
		return nil, errKeyNotFound
	}
	return val, nil
}

func (m *StoreMock) Set(key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Data[key] = append([]byte(nil), value...)
	return nil
}

func (m *StoreMock) Delete(keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range keys {
		delete(m.Data, key)
	}
	return nil
}

func (m *StoreMock) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Data)
}
