package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("test-secret-key")

func TestGenerateAndValidateJWT(t *testing.T) {
	token, err := GenerateJWT("user-1", RoleOperator, "Pune-West", "MTR-42", testSecret, time.Hour)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	claims, err := ValidateJWT(token, testSecret)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.UserID)
	assert.Equal(t, RoleOperator, claims.Role)
	assert.Equal(t, "Pune-West", claims.Region)
	assert.Equal(t, "MTR-42", claims.MeterID)
}

func TestValidateJWTWrongSecret(t *testing.T) {
	token, err := GenerateJWT("user-1", RoleUser, "", "", testSecret, time.Hour)
	require.NoError(t, err)

	_, err = ValidateJWT(token, []byte("another-secret"))
	assert.Error(t, err)
}

func TestValidateJWTExpired(t *testing.T) {
	token, err := GenerateJWT("user-1", RoleUser, "", "", testSecret, -time.Minute)
	require.NoError(t, err)

	_, err = ValidateJWT(token, testSecret)
	assert.Error(t, err)
}

func TestValidateJWTUnknownRole(t *testing.T) {
	token, err := GenerateJWT("user-1", "superuser", "", "", testSecret, time.Hour)
	require.NoError(t, err)

	_, err = ValidateJWT(token, testSecret)
	assert.Error(t, err)
}

func TestValidateJWTGarbage(t *testing.T) {
	_, err := ValidateJWT("not-a-token", testSecret)
	assert.Error(t, err)

	_, err = ValidateJWT("", testSecret)
	assert.Error(t, err)
}
