package user

import (
	"context"
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"market-chat/internal/apperr"
	"market-chat/internal/chat"
)

const (
	issuer = "market-chat"
	// bcrypt only accepts passwords up to 72 bytes.
	maxPasswordBytes = 72
)

// Service is the identity provider: it issues the tokens the auth middleware
// validates and resolves participant summaries for the chat core.
type Service struct {
	repo      Repository
	jwtSecret string
	tokenTTL  time.Duration
	validate  *validator.Validate
}

type MyJWTClaims struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

func NewService(repo Repository, secret string, tokenTTL time.Duration) *Service {
	return &Service{
		repo:      repo,
		jwtSecret: secret,
		tokenTTL:  tokenTTL,
		validate:  validator.New(),
	}
}

func (s *Service) Register(ctx context.Context, req *RegisterRequest) (*User, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, err
	}
	if len(req.Password) > maxPasswordBytes {
		return nil, apperr.BadRequest("password must be at most 72 bytes", nil)
	}
	hashedPwd, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, apperr.Internal("failed to hash password", err)
	}

	u := &User{
		ID:          uuid.NewString(),
		Username:    req.Username,
		DisplayName: req.DisplayName,
		Password:    string(hashedPwd),
	}
	if u.DisplayName == "" {
		u.DisplayName = u.Username
	}

	if _, err := s.repo.CreateUser(ctx, u); err != nil {
		if errors.Is(err, ErrUsernameTaken) {
			return nil, apperr.Conflict("username already taken", err)
		}
		return nil, apperr.PersistenceFailure("failed to create user", err)
	}
	return &User{ID: u.ID, Username: u.Username, DisplayName: u.DisplayName}, nil
}

func (s *Service) Login(ctx context.Context, req *LoginRequest) (*LoginResponse, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, err
	}
	u, err := s.repo.GetUserByUsername(ctx, req.Username)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, apperr.Unauthorized("invalid credentials", err)
		}
		return nil, apperr.PersistenceFailure("failed to load user", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(u.Password), []byte(req.Password)); err != nil {
		return nil, apperr.Unauthorized("invalid credentials", err)
	}

	ss, err := s.IssueToken(u.ID, u.Username)
	if err != nil {
		return nil, apperr.Internal("failed to sign token", err)
	}

	return &LoginResponse{
		AccessToken: ss,
		ID:          u.ID,
		Username:    u.Username,
	}, nil
}

func (s *Service) IssueToken(userID, username string) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, MyJWTClaims{
		ID:       userID,
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(s.tokenTTL)),
		},
	})
	return token.SignedString([]byte(s.jwtSecret))
}

func (s *Service) ValidateToken(tokenString string) (string, string, error) {
	claims := &MyJWTClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return []byte(s.jwtSecret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(issuer))
	if err != nil {
		return "", "", err
	}
	if !token.Valid {
		return "", "", errors.New("invalid token")
	}
	return claims.ID, claims.Username, nil
}

func (s *Service) SearchUsers(ctx context.Context, query string) ([]User, error) {
	users, err := s.repo.SearchUsers(ctx, query)
	if err != nil {
		return nil, apperr.PersistenceFailure("failed to search users", err)
	}
	return users, nil
}

// Summaries implements chat.UserDirectory.
func (s *Service) Summaries(ctx context.Context, ids []string) (map[string]chat.UserSummary, error) {
	users, err := s.repo.GetUsersByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make(map[string]chat.UserSummary, len(users))
	for _, u := range users {
		out[u.ID] = chat.UserSummary{ID: u.ID, Username: u.Username, DisplayName: u.DisplayName}
	}
	return out, nil
}
