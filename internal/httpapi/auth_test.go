package httpapi

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"kitchenstock/backend/internal/domain"
	"kitchenstock/backend/internal/store"
)

type userStoreStub struct {
	mu      sync.Mutex
	users   map[string]domain.UserAccount
	updates int
}

func (s *userStoreStub) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.users == nil {
		s.users = make(map[string]domain.UserAccount)
	}
	s.users[user.Username] = user
	return nil
}

func (s *userStoreStub) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.UserAccount, 0, len(s.users))
	for _, user := range s.users {
		out = append(out, user)
	}
	return out, nil
}

func (s *userStoreStub) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user := s.users[username]
	user.Password = password
	s.users[username] = user
	s.updates++
	return nil
}

func newAdminStore() *userStoreStub {
	return &userStoreStub{
		users: map[string]domain.UserAccount{
			"admin": {
				Username:  "admin",
				Password:  "admin123",
				Role:      domain.RoleAdmin,
				HolderID:  "central",
				Active:    true,
				CreatedAt: time.Now().UTC(),
			},
		},
	}
}

func TestAuthManagerUpgradesLegacyPlainPassword(t *testing.T) {
	store := newAdminStore()

	manager := NewAuthManager(context.Background(), "test-secret", time.Hour, "123456", store)
	_, err := manager.Login(context.Background(), domain.LoginRequest{
		Username: "admin",
		Password: "admin123",
	})
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}

	users, err := store.ListUsers(context.Background())
	if err != nil {
		t.Fatalf("list users failed: %v", err)
	}
	if len(users) != 1 {
		t.Fatalf("expected 1 user, got %d", len(users))
	}
	if users[0].Password == "admin123" {
		t.Fatalf("expected password to be upgraded from plain-text")
	}
	if !strings.HasPrefix(users[0].Password, "$2") {
		t.Fatalf("expected bcrypt password hash, got %s", users[0].Password)
	}
	if store.updates == 0 {
		t.Fatalf("expected the upgraded hash to be written back")
	}
}

func TestTokenCarriesHolderBinding(t *testing.T) {
	manager := NewAuthManager(context.Background(), "test-secret", time.Hour, "123456", newAdminStore())

	resp, err := manager.Login(context.Background(), domain.LoginRequest{Username: " Admin ", Password: "admin123"})
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}
	if resp.HolderID != "central" || resp.Role != domain.RoleAdmin {
		t.Fatalf("unexpected login response %+v", resp)
	}

	principal, err := manager.ParseToken(resp.AccessToken)
	if err != nil {
		t.Fatalf("parse token failed: %v", err)
	}
	if principal.UserID != "admin" || principal.Role != domain.RoleAdmin || principal.HolderID != "central" {
		t.Fatalf("unexpected principal %+v", principal)
	}

	other := NewAuthManager(context.Background(), "another-secret", time.Hour, "123456", newAdminStore())
	if _, err := other.ParseToken(resp.AccessToken); err == nil {
		t.Fatalf("expected token signed with a different secret to be rejected")
	}
}

func TestTokenWithoutHolderRejected(t *testing.T) {
	manager := NewAuthManager(context.Background(), "test-secret", time.Hour, "123456", nil)
	token, err := manager.sign("ghost", domain.RoleKitchen, "", time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}
	if _, err := manager.ParseToken(token); err == nil {
		t.Fatalf("expected unbound token to be rejected")
	}
}

func TestExpiredTokenRejected(t *testing.T) {
	manager := NewAuthManager(context.Background(), "test-secret", time.Hour, "123456", nil)
	token, err := manager.sign("admin", domain.RoleAdmin, "central", time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}
	if _, err := manager.ParseToken(token); err == nil {
		t.Fatalf("expected expired token to be rejected")
	}
}

func TestInactiveAccountCannotLogin(t *testing.T) {
	store := newAdminStore()
	hash := mustHashPassword(t, "kitchen123")
	store.users["idle"] = domain.UserAccount{
		Username: "idle", Password: hash, Role: domain.RoleKitchen, HolderID: "kitchen-north", Active: false,
	}
	manager := NewAuthManager(context.Background(), "test-secret", time.Hour, "123456", store)

	_, err := manager.Login(context.Background(), domain.LoginRequest{Username: "idle", Password: "kitchen123"})
	if !errors.Is(err, errInactiveAccount) {
		t.Fatalf("expected inactive account error, got %v", err)
	}
	_, err = manager.Login(context.Background(), domain.LoginRequest{Username: "idle", Password: "wrong-pass"})
	if !errors.Is(err, errInvalidCredentials) {
		t.Fatalf("expected invalid credentials, got %v", err)
	}
}

func TestCreateUserStoresPasswordHash(t *testing.T) {
	userStore := newAdminStore()

	manager := NewAuthManager(context.Background(), "test-secret", time.Hour, "123456", userStore)
	user, err := manager.CreateUser(context.Background(), domain.UserCreateRequest{
		Username: "NorthChef",
		Password: "pass1234",
		Role:     domain.RoleKitchen,
		HolderID: "kitchen-north",
	})
	if err != nil {
		t.Fatalf("create user failed: %v", err)
	}
	if user.Username != "northchef" || user.HolderID != "kitchen-north" {
		t.Fatalf("unexpected user %+v", user)
	}

	users, err := userStore.ListUsers(context.Background())
	if err != nil {
		t.Fatalf("list users failed: %v", err)
	}
	var found *domain.UserAccount
	for i := range users {
		if users[i].Username == "northchef" {
			found = &users[i]
			break
		}
	}
	if found == nil {
		t.Fatalf("expected user to be saved")
	}
	if !strings.HasPrefix(found.Password, "$2") {
		t.Fatalf("expected bcrypt hash prefix, got %s", found.Password)
	}

	resp, err := manager.Login(context.Background(), domain.LoginRequest{
		Username: "northchef",
		Password: "pass1234",
	})
	if err != nil {
		t.Fatalf("login with new user failed: %v", err)
	}
	if resp.HolderID != "kitchen-north" || resp.Role != domain.RoleKitchen {
		t.Fatalf("unexpected login response %+v", resp)
	}

	listed := manager.ListUsers(context.Background())
	if len(listed) != 2 || listed[0].Username != "admin" || listed[1].Username != "northchef" {
		t.Fatalf("expected sorted users [admin northchef], got %+v", listed)
	}
}

func TestCreateUserValidation(t *testing.T) {
	manager := NewAuthManager(context.Background(), "test-secret", time.Hour, "123456", newAdminStore())

	cases := []struct {
		name string
		req  domain.UserCreateRequest
	}{
		{"short username", domain.UserCreateRequest{Username: "abc", Password: "pass1234"}},
		{"username with space", domain.UserCreateRequest{Username: "north chef", Password: "pass1234"}},
		{"short password", domain.UserCreateRequest{Username: "northchef", Password: "short"}},
		{"duplicate", domain.UserCreateRequest{Username: "ADMIN", Password: "pass1234"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.req.Role = domain.RoleKitchen
			tc.req.HolderID = "kitchen-north"
			if _, err := manager.CreateUser(context.Background(), tc.req); !errors.Is(err, store.ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}

func TestManagerPINIsHashedAndStillValidates(t *testing.T) {
	manager := NewAuthManager(context.Background(), "test-secret", time.Hour, "654321", &userStoreStub{})

	if manager.managerPIN == "654321" {
		t.Fatalf("expected manager pin to be stored as hash, got plain-text")
	}

	if !manager.ValidateManagerPIN("654321") {
		t.Fatalf("expected manager pin validation to succeed")
	}

	if manager.ValidateManagerPIN("111111") {
		t.Fatalf("expected wrong manager pin to fail")
	}
}
