package user

import "errors"

var (
	ErrNotFound      = errors.New("user not found")
	ErrUsernameTaken = errors.New("username already taken")
)

type User struct {
	ID          string `json:"id" cbor:"id"`
	Username    string `json:"username" cbor:"username"`
	DisplayName string `json:"displayName,omitempty" cbor:"display_name"`
	Password    string `json:"-" cbor:"password"`
}

type RegisterRequest struct {
	Username    string `json:"username" validate:"required,min=3,max=50,alphanum"`
	DisplayName string `json:"displayName" validate:"omitempty,max=100"`
	Password    string `json:"password" validate:"required,min=8,max=72"`
}

type LoginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	ID          string `json:"id"`
	Username    string `json:"username"`
}
