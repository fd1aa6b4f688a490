package database

import (
	"context"

	"github.com/stretchr/testify/mock"
)

type MockStore struct {
	mock.Mock
}

var _ Store = (*MockStore)(nil)

func (m *MockStore) Get(ctx context.Context, docPath string) (*Document, error) {
	args := m.Called(ctx, docPath)
	if d, ok := args.Get(0).(*Document); ok {
		return d, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockStore) List(ctx context.Context, collection string, q Query) ([]*Document, error) {
	args := m.Called(ctx, collection, q)
	if docs, ok := args.Get(0).([]*Document); ok {
		return docs, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockStore) Create(ctx context.Context, docPath string, data map[string]any) error {
	args := m.Called(ctx, docPath, data)
	return args.Error(0)
}
func (m *MockStore) Set(ctx context.Context, docPath string, data map[string]any) error {
	args := m.Called(ctx, docPath, data)
	return args.Error(0)
}
func (m *MockStore) Delete(ctx context.Context, docPath string) error {
	args := m.Called(ctx, docPath)
	return args.Error(0)
}
func (m *MockStore) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	args := m.Called(ctx, fn)
	return args.Error(0)
}
func (m *MockStore) Watch(ctx context.Context, collection string, q Query) (*Watcher, error) {
	args := m.Called(ctx, collection, q)
	if w, ok := args.Get(0).(*Watcher); ok {
		return w, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockStore) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}
func (m *MockStore) Close() error {
	args := m.Called()
	return args.Error(0)
}
