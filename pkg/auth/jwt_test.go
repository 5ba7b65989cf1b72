package auth_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"emberci/pkg/auth"
)

func TestGenerateAndValidate(t *testing.T) {
	svc, err := auth.NewService("test-secret")
	require.NoError(t, err)

	token, err := svc.GenerateToken("deployer")
	require.NoError(t, err)

	claims, err := svc.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "deployer", claims.Subject)
	assert.Equal(t, "emberci", claims.Issuer)
}

func TestValidateRejectsWrongSecret(t *testing.T) {
	issuer, err := auth.NewService("secret-one")
	require.NoError(t, err)
	verifier, err := auth.NewService("secret-two")
	require.NoError(t, err)

	token, err := issuer.GenerateToken("deployer")
	require.NoError(t, err)

	_, err = verifier.ValidateToken(token)
	assert.ErrorIs(t, err, auth.ErrInvalidToken)
}

func TestValidateRejectsGarbage(t *testing.T) {
	svc, err := auth.NewService("test-secret")
	require.NoError(t, err)

	_, err = svc.ValidateToken("not.a.token")
	assert.ErrorIs(t, err, auth.ErrInvalidToken)
}

func TestNewServiceRequiresSecret(t *testing.T) {
	_, err := auth.NewService("")
	assert.Error(t, err)
}
