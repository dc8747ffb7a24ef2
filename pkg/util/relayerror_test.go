package util

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
)

func TestRelayError_IsByKind(t *testing.T) {
	err := fmt.Errorf("append: %w", NewPersistenceError("notifications.append", errors.New("conn reset")))

	assert.True(t, errors.Is(err, ErrPersistence))
	assert.False(t, errors.Is(err, ErrTransientInfra))
	assert.Equal(t, KindPersistence, KindOf(err))
	assert.Contains(t, err.Error(), "conn reset")
}

func TestKindOf_PlainError(t *testing.T) {
	assert.Equal(t, Kind(""), KindOf(errors.New("boom")))
}

func TestToDomainError_Mapping(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
	}{
		{"no rows", pgx.ErrNoRows, http.StatusNotFound},
		{"auth", NewAuthenticationError("verify", errors.New("bad token")), http.StatusUnauthorized},
		{"malformed", NewMalformedPayloadError("decode", nil), http.StatusBadRequest},
		{"transient", NewTransientInfraError("resolve", errors.New("timeout")), http.StatusServiceUnavailable},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.status, ToDomainError(tc.err).HTTPStatus)
		})
	}
}
