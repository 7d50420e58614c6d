package storage_test

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"nestsub/internal/models"
	"nestsub/internal/storage"
)

func newStore(t *testing.T) (*storage.FileStore, string) {
	t.Helper()
	root := t.TempDir()
	return storage.NewFileStore(storage.Config{
		RecordsDir: filepath.Join(root, "records"),
		ClipsDir:   filepath.Join(root, "clips"),
		Paths:      models.NewPathDeriver(time.UTC),
	}), root
}

func decode(t *testing.T, body string) *models.Envelope {
	t.Helper()
	env, err := models.DecodeEnvelope([]byte(body))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return env
}

func TestWriteRecord(t *testing.T) {
	store, root := newStore(t)
	env := decode(t, `{"timestamp":"2024-01-15T10:30:00Z","eventThreadId":"abc","eventThreadState":"UPDATED","extra":{"k":[1,2]}}`)

	path, err := store.WriteRecord(env)
	if err != nil {
		t.Fatalf("WriteRecord: %v", err)
	}

	want := filepath.Join(root, "records", "20240115", "20240115-103000_abc.UPDATED.json")
	if path != want {
		t.Errorf("path: got %s, want %s", path, want)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read record: %v", err)
	}
	expected := `{
  "timestamp": "2024-01-15T10:30:00Z",
  "eventThreadId": "abc",
  "eventThreadState": "UPDATED",
  "extra": {
    "k": [
      1,
      2
    ]
  }
}`
	if string(got) != expected {
		t.Errorf("record content:\n%s\nwant:\n%s", got, expected)
	}
}

func TestWriteRecord_Overwrites(t *testing.T) {
	store, _ := newStore(t)
	first := decode(t, `{"timestamp":"2024-01-15T10:30:00Z","eventThreadId":"abc","eventThreadState":"ENDED","v":1}`)
	second := decode(t, `{"timestamp":"2024-01-15T10:30:00Z","eventThreadId":"abc","eventThreadState":"ENDED","v":2}`)

	if _, err := store.WriteRecord(first); err != nil {
		t.Fatalf("first write: %v", err)
	}
	path, err := store.WriteRecord(second)
	if err != nil {
		t.Fatalf("second write: %v", err)
	}

	if got := string(mustRead(t, path)); !strings.Contains(got, `"v": 2`) {
		t.Errorf("record not replaced: %s", got)
	}
	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Errorf("expected one file after overwrite, found %d", len(entries))
	}
}

func TestWriteRecord_StatesDoNotCollide(t *testing.T) {
	store, _ := newStore(t)

	paths := make(map[string]bool)
	for _, state := range []string{"STARTED", "UPDATED", "ENDED"} {
		env := decode(t, `{"timestamp":"2024-01-15T10:30:00Z","eventThreadId":"abc","eventThreadState":"`+state+`"}`)
		path, err := store.WriteRecord(env)
		if err != nil {
			t.Fatalf("%s: %v", state, err)
		}
		paths[path] = true
	}
	if len(paths) != 3 {
		t.Errorf("expected 3 distinct record paths, got %d", len(paths))
	}
}

func TestWriteRecord_ConcurrentSameDay(t *testing.T) {
	store, root := newStore(t)

	envs := make([]*models.Envelope, 20)
	for i := range envs {
		id := string(rune('a' + i))
		envs[i] = decode(t, `{"timestamp":"2024-01-15T10:30:00Z","eventThreadId":"`+id+`","eventThreadState":"STARTED"}`)
	}

	var wg sync.WaitGroup
	errs := make(chan error, len(envs))
	for _, env := range envs {
		wg.Add(1)
		go func(env *models.Envelope) {
			defer wg.Done()
			if _, err := store.WriteRecord(env); err != nil {
				errs <- err
			}
		}(env)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("concurrent write: %v", err)
	}

	entries, err := os.ReadDir(filepath.Join(root, "records", "20240115"))
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 20 {
		t.Errorf("expected 20 records, got %d", len(entries))
	}
}

func TestClipFile_CommitAndAbort(t *testing.T) {
	store, root := newStore(t)
	env := decode(t, `{"timestamp":"2024-01-15T10:30:00Z","eventThreadId":"abc","eventThreadState":"ENDED"}`)

	clip, err := store.CreateClip(env)
	if err != nil {
		t.Fatalf("CreateClip: %v", err)
	}
	if _, err := clip.Write([]byte{0x00, 0x01, 0x02}); err != nil {
		t.Fatalf("write: %v", err)
	}
	path, err := clip.Commit()
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	clip.Abort()

	want := filepath.Join(root, "clips", "20240115", "20240115-103000_abc.mp4")
	if path != want {
		t.Errorf("path: got %s, want %s", path, want)
	}
	if got := mustRead(t, path); string(got) != "\x00\x01\x02" {
		t.Errorf("clip bytes: got %v", got)
	}

	// An aborted clip leaves nothing behind
	other := decode(t, `{"timestamp":"2024-01-15T11:00:00Z","eventThreadId":"def","eventThreadState":"ENDED"}`)
	aborted, err := store.CreateClip(other)
	if err != nil {
		t.Fatalf("CreateClip: %v", err)
	}
	_, _ = aborted.Write([]byte("partial"))
	aborted.Abort()

	entries, _ := os.ReadDir(filepath.Join(root, "clips", "20240115"))
	if len(entries) != 1 {
		t.Errorf("expected only the committed clip, found %d entries", len(entries))
	}
}

func mustRead(t *testing.T, path string) []byte {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return b
}
