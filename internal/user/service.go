package user

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/golang/glog"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// Accounts persists login identities.
type Accounts interface {
	CreateAccount(ctx context.Context, a *Account) error
	GetAccountByEmail(ctx context.Context, email string) (*Account, error)
}

// Directory holds the public user records other clients subscribe to.
type Directory interface {
	Create(ctx context.Context, id, email, displayName string) error
}

type Service struct {
	accounts  Accounts
	directory Directory
	jwtSecret string
	tokenTTL  time.Duration
}

type Claims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

func NewService(accounts Accounts, directory Directory, secret string) *Service {
	return &Service{
		accounts:  accounts,
		directory: directory,
		jwtSecret: secret,
		tokenTTL:  24 * time.Hour,
	}
}

// Register creates the account and its user record, offline until the first
// session connects.
func (s *Service) Register(ctx context.Context, req *RegisterRequest) (*Account, error) {
	email := strings.TrimSpace(req.Email)
	if email == "" || req.Password == "" {
		return nil, ErrInvalidInput
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	a := &Account{
		ID:          uuid.NewString(),
		Email:       email,
		DisplayName: strings.TrimSpace(req.DisplayName),
		Password:    string(hashed),
	}
	if err := s.accounts.CreateAccount(ctx, a); err != nil {
		return nil, err
	}
	if err := s.directory.Create(ctx, a.ID, a.Email, a.DisplayName); err != nil {
		return nil, fmt.Errorf("create user record: %w", err)
	}
	glog.Infof("[user] registered %s (%s)", a.Email, a.ID)
	return a, nil
}

func (s *Service) Login(ctx context.Context, req *LoginRequest) (*LoginResponse, error) {
	a, err := s.accounts.GetAccountByEmail(ctx, strings.TrimSpace(req.Email))
	if err != nil {
		return nil, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(a.Password), []byte(req.Password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Email: a.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   a.ID,
			Issuer:    "presence-chat",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(s.tokenTTL)),
		},
	})
	ss, err := token.SignedString([]byte(s.jwtSecret))
	if err != nil {
		return nil, err
	}

	return &LoginResponse{
		AccessToken: ss,
		ID:          a.ID,
		Email:       a.Email,
		DisplayName: a.DisplayName,
	}, nil
}

// ValidateToken returns the user id and email carried by a signed token.
func (s *Service) ValidateToken(tokenString string) (string, string, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return []byte(s.jwtSecret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", "", err
	}
	if !token.Valid || claims.Subject == "" {
		return "", "", errors.New("invalid token")
	}
	return claims.Subject, claims.Email, nil
}
