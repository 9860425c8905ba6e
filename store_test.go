package feedsync

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCredentialStore(t *testing.T, s CredentialStore) {
	t.Helper()
	ctx := context.Background()

	creds, err := s.Load(ctx)
	require.NoError(t, err)
	assert.False(t, creds.Valid())

	want := Credentials{Token: "tok-1", UserID: "u1"}
	require.NoError(t, s.Save(ctx, want))
	got, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	want = Credentials{Token: "tok-2", UserID: "u2"}
	require.NoError(t, s.Save(ctx, want))
	got, err = s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	require.NoError(t, s.Clear(ctx))
	require.NoError(t, s.Clear(ctx))
	got, err = s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, Credentials{}, got)
}

func testMirror(t *testing.T, m Mirror) {
	t.Helper()
	ctx := context.Background()

	_, ok, err := m.LoadMirror(ctx, EntityUsers)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, m.SaveMirror(ctx, EntityUsers, []byte(`[{"userID":"u1"}]`)))
	require.NoError(t, m.SaveMirror(ctx, EntityUsers, []byte(`[{"userID":"u2"}]`)))
	data, ok, err := m.LoadMirror(ctx, EntityUsers)
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `[{"userID":"u2"}]`, string(data))
}

func TestMemoryStore(t *testing.T) {
	testCredentialStore(t, NewMemoryStore())
	testMirror(t, NewMemoryStore())
}

func TestFileStore(t *testing.T) {
	t.Run("round trip", func(t *testing.T) {
		testCredentialStore(t, NewFileStore(filepath.Join(t.TempDir(), "nested", "session.toml")))
	})

	t.Run("file is private toml", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "session.toml")
		s := NewFileStore(path)
		require.NoError(t, s.Save(context.Background(), Credentials{Token: "tok", UserID: "u1"}))

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Contains(t, string(data), "[session]")
		assert.Contains(t, string(data), "user_id")
		assert.Contains(t, string(data), "u1")

		if runtime.GOOS != "windows" {
			info, err := os.Stat(path)
			require.NoError(t, err)
			assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
		}
	})

	t.Run("corrupt file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "session.toml")
		require.NoError(t, os.WriteFile(path, []byte("[session\ntoken ="), 0o600))
		_, err := NewFileStore(path).Load(context.Background())
		require.Error(t, err)
	})
}

func TestSQLiteStore(t *testing.T) {
	t.Run("in memory", func(t *testing.T) {
		s, err := OpenSQLiteStore(context.Background(), ":memory:")
		require.NoError(t, err)
		defer s.Close()

		testCredentialStore(t, s)
		testMirror(t, s)

		require.NoError(t, s.ClearMirror(context.Background()))
		_, ok, err := s.LoadMirror(context.Background(), EntityUsers)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("reopen keeps data", func(t *testing.T) {
		ctx := context.Background()
		path := filepath.Join(t.TempDir(), "mirror.db")

		s, err := OpenSQLiteStore(ctx, path)
		require.NoError(t, err)
		require.NoError(t, s.Save(ctx, Credentials{Token: "tok", UserID: "u1"}))
		require.NoError(t, s.SaveMirror(ctx, EntityPosts, []byte(`[]`)))
		require.NoError(t, s.Close())

		s, err = OpenSQLiteStore(ctx, path)
		require.NoError(t, err)
		defer s.Close()

		creds, err := s.Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, "u1", creds.UserID)
		data, ok, err := s.LoadMirror(ctx, EntityPosts)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "[]", string(data))
	})

	t.Run("clearing credentials keeps the mirror", func(t *testing.T) {
		ctx := context.Background()
		s, err := OpenSQLiteStore(ctx, ":memory:")
		require.NoError(t, err)
		defer s.Close()

		require.NoError(t, s.SaveMirror(ctx, EntityUsers, []byte(`[]`)))
		require.NoError(t, s.Save(ctx, Credentials{Token: "tok", UserID: "u1"}))
		require.NoError(t, s.Clear(ctx))
		_, ok, err := s.LoadMirror(ctx, EntityUsers)
		require.NoError(t, err)
		assert.True(t, ok)
	})
}
