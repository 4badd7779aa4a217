package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"chat-vault/internal/identity"
	"chat-vault/internal/models"
)

type AccountServiceMock struct {
	mock.Mock
}

func (m *AccountServiceMock) SignUp(ctx context.Context, req identity.SignUpRequest) (string, models.Principal, error) {
	args := m.Called(ctx, req)
	var principal models.Principal
	if val := args.Get(1); val != nil {
		principal = val.(models.Principal)
	}
	return args.String(0), principal, args.Error(2)
}

func (m *AccountServiceMock) SignIn(ctx context.Context, email, password string) (string, models.Principal, error) {
	args := m.Called(ctx, email, password)
	var principal models.Principal
	if val := args.Get(1); val != nil {
		principal = val.(models.Principal)
	}
	return args.String(0), principal, args.Error(2)
}

func (m *AccountServiceMock) SignOut(ctx context.Context, token string) error {
	args := m.Called(ctx, token)
	return args.Error(0)
}

func (m *AccountServiceMock) Resolve(ctx context.Context, token string) (models.Principal, error) {
	args := m.Called(ctx, token)
	var principal models.Principal
	if val := args.Get(0); val != nil {
		principal = val.(models.Principal)
	}
	return principal, args.Error(1)
}

func (m *AccountServiceMock) UpdateUsername(ctx context.Context, uid, username string) (models.Principal, error) {
	args := m.Called(ctx, uid, username)
	var principal models.Principal
	if val := args.Get(0); val != nil {
		principal = val.(models.Principal)
	}
	return principal, args.Error(1)
}

func (m *AccountServiceMock) UpdateAvatar(ctx context.Context, uid, avatar string) (models.Principal, error) {
	args := m.Called(ctx, uid, avatar)
	var principal models.Principal
	if val := args.Get(0); val != nil {
		principal = val.(models.Principal)
	}
	return principal, args.Error(1)
}

type ContactListerMock struct {
	mock.Mock
}

func (m *ContactListerMock) ListContacts(ctx context.Context, principalID string) ([]models.Contact, error) {
	args := m.Called(ctx, principalID)
	var contacts []models.Contact
	if val := args.Get(0); val != nil {
		contacts = val.([]models.Contact)
	}
	return contacts, args.Error(1)
}

func (m *ContactListerMock) Search(ctx context.Context, principalID, query string) ([]models.Contact, error) {
	args := m.Called(ctx, principalID, query)
	var contacts []models.Contact
	if val := args.Get(0); val != nil {
		contacts = val.([]models.Contact)
	}
	return contacts, args.Error(1)
}
