package packages

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manpreetbhatti/codehive/internal/store/sqlite"
)

func setupService(t *testing.T) *Service {
	t.Helper()

	db, err := sqlite.New(context.Background(), filepath.Join(t.TempDir(), "pkg.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewService(db)
}

func TestInstall(t *testing.T) {
	ctx := context.Background()
	svc := setupService(t)

	res, err := svc.Install(ctx, "apollo", "NodeJS", " axios ")
	require.NoError(t, err)
	assert.Equal(t, "javascript", res.Language)
	assert.Equal(t, "axios", res.Package)
	assert.Contains(t, res.Output, "'axios' added")

	_, err = svc.Install(ctx, "apollo", "js", "axios")
	require.NoError(t, err)
	_, err = svc.Install(ctx, "apollo", "python", "numpy")
	require.NoError(t, err)

	listing, err := svc.List(ctx, "apollo")
	require.NoError(t, err)
	assert.Equal(t, []string{"axios"}, listing.Installed["javascript"])
	assert.Equal(t, []string{"numpy"}, listing.Installed["python"])
	assert.Equal(t, DefaultAllowed, listing.Allowed)
}

func TestInstallValidation(t *testing.T) {
	ctx := context.Background()
	svc := setupService(t)

	tests := []struct {
		name     string
		project  string
		language string
		pkg      string
		err      error
	}{
		{"missing project", "", "python", "numpy", ErrInvalidInput},
		{"missing package", "p", "python", "  ", ErrInvalidInput},
		{"missing language", "p", "", "numpy", ErrInvalidInput},
		{"unsupported language", "p", "ruby", "rails", ErrInvalidLanguage},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Install(ctx, tt.project, tt.language, tt.pkg)
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

func TestListUnknownProjectReturnsDefaults(t *testing.T) {
	svc := setupService(t)

	listing, err := svc.List(context.Background(), "fresh")
	require.NoError(t, err)
	assert.Equal(t, DefaultAllowed, listing.Allowed)
	assert.NotNil(t, listing.Installed)
	assert.Empty(t, listing.Installed)

	_, err = svc.List(context.Background(), "")
	assert.ErrorIs(t, err, ErrInvalidInput)
}
