package user

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"market-chat/internal/logging"
)

func post(t *testing.T, h http.HandlerFunc, body string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString(body)))
	return rec
}

func TestHandlerRegisterLoginSearch(t *testing.T) {
	req := require.New(t)
	h := NewHandler(newTestService(t), logging.Discard())

	rec := post(t, h.Register, `{"username":"frank","password":"password1"}`)
	req.Equal(http.StatusCreated, rec.Code)
	req.NotContains(rec.Body.String(), "password1")

	rec = post(t, h.Register, `{"username":"frank","password":"password1"}`)
	req.Equal(http.StatusConflict, rec.Code)

	rec = post(t, h.Login, `{"username":"frank","password":"password1"}`)
	req.Equal(http.StatusOK, rec.Code)
	var env struct {
		Data LoginResponse `json:"data"`
	}
	req.NoError(json.Unmarshal(rec.Body.Bytes(), &env))
	req.NotEmpty(env.Data.AccessToken)

	rec = post(t, h.Login, `{"username":"frank","password":"nope-nope"}`)
	req.Equal(http.StatusUnauthorized, rec.Code)

	rec = post(t, h.Register, `{not json`)
	req.Equal(http.StatusBadRequest, rec.Code)

	search := httptest.NewRecorder()
	h.SearchUsers(search, httptest.NewRequest(http.MethodGet, "/api/users/search?q=zzz", nil))
	req.Equal(http.StatusOK, search.Code)
	req.Contains(search.Body.String(), `"data":[]`)
}
