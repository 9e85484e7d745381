package logger

import (
	"strings"
	"testing"
)

func TestRedactorMasksSecrets(t *testing.T) {
	r := redactor{enabled: true}
	for _, key := range []string{"token", "Authorization", "jwt_secret", "credentials_json"} {
		if got := r.value(strings.ToLower(key), "value"); got != redacted {
			t.Fatalf("%s: want=%q got=%v", key, redacted, got)
		}
	}
}

func TestRedactorHashesUserIDs(t *testing.T) {
	r := redactor{enabled: true}
	const id = "8d3f0a8e-5a8b-4c3a-9d1e-2f1b0f6c7a11"
	got, ok := r.value("user_id", id).(string)
	if !ok {
		t.Fatalf("user_id: expected string")
	}
	if !strings.HasPrefix(got, "hash:") || len(got) != len("hash:")+12 {
		t.Fatalf("user_id: unexpected hash %q", got)
	}
	if again := r.value("user_id", id); again != got {
		t.Fatalf("user_id: hash not stable: %v vs %v", again, got)
	}
	salted := redactor{enabled: true, salt: []byte("pepper")}
	if other := salted.value("user_id", id); other == got {
		t.Fatalf("user_id: salt ignored")
	}
}

func TestRedactorStripsSignedURLs(t *testing.T) {
	r := redactor{enabled: true}
	signed := "https://storage.googleapis.com/b/jobs/1/outputs/grid.csv?X-Goog-Algorithm=x&X-Goog-Signature=abc"
	if got := r.value("url", signed); got != "https://storage.googleapis.com/b/jobs/1/outputs/grid.csv?[REDACTED]" {
		t.Fatalf("signed url: got=%v", got)
	}
	plain := "https://storage.googleapis.com/b/jobs/1/outputs/grid.csv?generation=3"
	if got := r.value("url", plain); got != plain {
		t.Fatalf("plain url: want=%q got=%v", plain, got)
	}
}

func TestRedactorPassesThroughJobFields(t *testing.T) {
	r := redactor{enabled: true}
	if got := r.value("job_id", "abc"); got != "abc" {
		t.Fatalf("job_id: want=%q got=%v", "abc", got)
	}
	if got := r.value("stage", 2); got != 2 {
		t.Fatalf("stage: want=2 got=%v", got)
	}
}

func TestRedactorKeepsDanglingKey(t *testing.T) {
	out := redactor{enabled: true}.apply([]interface{}{"job_id", "x", "dangling"})
	if len(out) != 3 || out[2] != "dangling" {
		t.Fatalf("apply: got=%v", out)
	}
}

func TestNewTestMode(t *testing.T) {
	log, err := New("test")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	log.With("component", "test").Info("hello", "job_id", "x")
}
