package fileset

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manpreetbhatti/codehive/internal/room"
	"github.com/manpreetbhatti/codehive/internal/store"
	"github.com/manpreetbhatti/codehive/internal/store/sqlite"
)

func setupManager(t *testing.T) *Manager {
	t.Helper()

	db, err := sqlite.New(context.Background(), filepath.Join(t.TempDir(), "files.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return NewManager(db, nil)
}

func names(files []store.SourceFile) []string {
	out := make([]string, len(files))
	for i, f := range files {
		out[i] = f.Filename
	}
	return out
}

func TestGetOrCreateDefaults(t *testing.T) {
	ctx := context.Background()
	m := setupManager(t)

	tests := []struct {
		language string
		expected []string
	}{
		{"python", []string{"main.py"}},
		{"html", []string{"index.html", "styles.css", "script.js"}},
		{"react", []string{"index.html", "app.js", "styles.css"}},
		{"java", []string{"Main.java"}},
		{"msql", []string{"query.sql"}},
		{"brainfuck", []string{"file.txt"}},
	}

	for _, tt := range tests {
		t.Run(tt.language, func(t *testing.T) {
			files, err := m.GetOrCreate(ctx, room.NewKey("fresh", tt.language))
			require.NoError(t, err)
			assert.Equal(t, tt.expected, names(files))
		})
	}
}

func TestGetOrCreateIsStable(t *testing.T) {
	ctx := context.Background()
	m := setupManager(t)
	key := room.NewKey("apollo", "python")

	first, err := m.GetOrCreate(ctx, key)
	require.NoError(t, err)

	_, err = m.CreateFile(ctx, key, "util.py", "")
	require.NoError(t, err)

	second, err := m.GetOrCreate(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []string{"main.py", "util.py"}, names(second))
	assert.Equal(t, first[0], second[0])
}

func TestLanguageAliasesShareASet(t *testing.T) {
	ctx := context.Background()
	m := setupManager(t)

	_, err := m.CreateFile(ctx, room.NewKey("apollo", "js"), "extra.js", "1")
	require.NoError(t, err)

	files, err := m.GetOrCreate(ctx, room.NewKey("apollo", "javascript"))
	require.NoError(t, err)
	assert.Equal(t, []string{"index.js", "extra.js"}, names(files))
}

func TestCreateFile(t *testing.T) {
	ctx := context.Background()
	m := setupManager(t)
	key := room.NewKey("apollo", "python")

	res, err := m.CreateFile(ctx, key, "util.py", "x = 1")
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Equal(t, []string{"main.py", "util.py"}, names(res.Files))

	res, err = m.CreateFile(ctx, key, "util.py", "overwritten?")
	require.NoError(t, err)
	assert.False(t, res.Changed)
	assert.Equal(t, "x = 1", res.Files[1].Code)
	assert.Len(t, res.Files, 2)
}

func TestConcurrentCreateFileDeduplicates(t *testing.T) {
	ctx := context.Background()
	m := setupManager(t)
	key := room.NewKey("apollo", "python")

	const writers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		changed int
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := m.CreateFile(ctx, key, "race.py", "")
			assert.NoError(t, err)
			if res.Changed {
				mu.Lock()
				changed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, changed)

	files, err := m.GetOrCreate(ctx, key)
	require.NoError(t, err)
	count := 0
	for _, f := range files {
		if f.Filename == "race.py" {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestDeleteFile(t *testing.T) {
	ctx := context.Background()
	m := setupManager(t)
	key := room.NewKey("apollo", "html")

	_, err := m.GetOrCreate(ctx, key)
	require.NoError(t, err)

	res, err := m.DeleteFile(ctx, key, "styles.css")
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Equal(t, []string{"index.html", "script.js"}, names(res.Files))

	res, err = m.DeleteFile(ctx, key, "styles.css")
	require.NoError(t, err)
	assert.False(t, res.Changed)
	assert.Equal(t, []string{"index.html", "script.js"}, names(res.Files))

	res, err = m.DeleteFile(ctx, room.NewKey("apollo", "ruby"), "main.rb")
	require.NoError(t, err)
	assert.False(t, res.Changed)
	assert.NotNil(t, res.Files)
	assert.Empty(t, res.Files)
}

func TestRenameFile(t *testing.T) {
	ctx := context.Background()
	m := setupManager(t)
	key := room.NewKey("apollo", "html")

	_, err := m.GetOrCreate(ctx, key)
	require.NoError(t, err)

	res, err := m.RenameFile(ctx, key, "script.js", "app.js")
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Equal(t, []string{"index.html", "styles.css", "app.js"}, names(res.Files))
	assert.Equal(t, "console.log('Hello from HTML JS');", res.Files[2].Code)
}

func TestRenameFileCollisionLeavesSetUnchanged(t *testing.T) {
	ctx := context.Background()
	m := setupManager(t)
	key := room.NewKey("apollo", "html")

	before, err := m.GetOrCreate(ctx, key)
	require.NoError(t, err)

	res, err := m.RenameFile(ctx, key, "script.js", "styles.css")
	require.NoError(t, err)
	assert.False(t, res.Changed)
	assert.Equal(t, before, res.Files)

	res, err = m.RenameFile(ctx, key, "ghost.js", "new.js")
	require.NoError(t, err)
	assert.False(t, res.Changed)

	after, err := m.GetOrCreate(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestRenameFileMissingSet(t *testing.T) {
	m := setupManager(t)

	_, err := m.RenameFile(context.Background(), room.NewKey("apollo", "c"), "main.c", "x.c")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestReplaceFileContent(t *testing.T) {
	ctx := context.Background()
	m := setupManager(t)
	key := room.NewKey("P", "python")

	_, err := m.GetOrCreate(ctx, key)
	require.NoError(t, err)

	matched, err := m.ReplaceFileContent(ctx, key, "main.py", "print(1)")
	require.NoError(t, err)
	assert.True(t, matched)

	files, err := m.GetOrCreate(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "print(1)", files[0].Code)

	matched, err = m.ReplaceFileContent(ctx, key, "nope.py", "x")
	require.NoError(t, err)
	assert.False(t, matched)

	files, err = m.GetOrCreate(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []string{"main.py"}, names(files))
}

func TestMissingFields(t *testing.T) {
	ctx := context.Background()
	m := setupManager(t)

	_, err := m.GetOrCreate(ctx, room.NewKey("", "python"))
	assert.ErrorIs(t, err, ErrMissingField)

	_, err = m.CreateFile(ctx, room.NewKey("p", "python"), "", "")
	assert.ErrorIs(t, err, ErrMissingField)

	_, err = m.DeleteFile(ctx, room.NewKey("p", ""), "a")
	assert.ErrorIs(t, err, ErrMissingField)

	_, err = m.RenameFile(ctx, room.NewKey("p", "python"), "a", "")
	assert.ErrorIs(t, err, ErrMissingField)

	_, err = m.ReplaceFileContent(ctx, room.NewKey("p", "python"), "", "x")
	assert.ErrorIs(t, err, ErrMissingField)
}

func TestChatLanguageIsReserved(t *testing.T) {
	ctx := context.Background()
	m := setupManager(t)
	key := room.NewKey("p", " __CHAT ")
	require.Equal(t, room.ChatKey("p"), key)

	_, err := m.GetOrCreate(ctx, key)
	assert.ErrorIs(t, err, ErrReservedLanguage)

	_, err = m.CreateFile(ctx, key, "x.txt", "")
	assert.ErrorIs(t, err, ErrReservedLanguage)

	_, err = m.DeleteFile(ctx, key, "file.txt")
	assert.ErrorIs(t, err, ErrReservedLanguage)

	_, err = m.RenameFile(ctx, key, "file.txt", "y.txt")
	assert.ErrorIs(t, err, ErrReservedLanguage)

	_, err = m.ReplaceFileContent(ctx, key, "file.txt", "spam")
	assert.ErrorIs(t, err, ErrReservedLanguage)

	_, err = m.store.GetFileSet(ctx, "p", room.ChatLanguage)
	assert.ErrorIs(t, err, store.ErrNotFound)
}
