package target

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/jackzampolin/bookherd/internal/fingerprint"
	"github.com/jackzampolin/bookherd/internal/metadata"
)

func testFingerprint() fingerprint.Fingerprint {
	return fingerprint.Fingerprint{Hash: "aaf4c61ddcc5e8a2dabede0f3b482cd9aea9434d", Size: 5}
}

func TestLoginAndExists(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/login":
			var creds map[string]string
			if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
				t.Fatal(err)
			}
			if creds["username"] != "admin" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			json.NewEncoder(w).Encode(map[string]string{"access_token": "tok123"})
		case "/api/ebooks/exists":
			if r.Header.Get("Authorization") != "Bearer tok123" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			exists := r.URL.Query().Get("hash") == testFingerprint().Hash
			json.NewEncoder(w).Encode(map[string]bool{"exists": exists})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := NewClient(Config{APIURL: srv.URL, Username: "admin", Password: "pw"})
	ctx := context.Background()

	if err := c.Login(ctx); err != nil {
		t.Fatal(err)
	}

	ok, err := c.Exists(ctx, testFingerprint())
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Error("expected exists=true")
	}

	ok, err = c.Exists(ctx, fingerprint.Fingerprint{Hash: "0000000000000000000000000000000000000000", Size: 1})
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("expected exists=false")
	}
}

func TestAllFingerprints(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for i := 0; i < 3; i++ {
			fmt.Fprintf(w, `{"hash":"%040d","size":%d}`+"\n", i, i*10)
		}
		// Malformed line must be skipped, not fatal.
		fmt.Fprintln(w, "garbage")
	}))
	defer srv.Close()

	c := NewClient(Config{APIURL: srv.URL})
	var got []fingerprint.Fingerprint
	err := c.AllFingerprints(context.Background(), func(fp fingerprint.Fingerprint) error {
		got = append(got, fp)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d fingerprints, want 3", len(got))
	}
	if got[2].Size != 20 {
		t.Errorf("size = %d", got[2].Size)
	}
}

func TestUploadStatuses(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
		body       string
		want       Status
	}{
		{"new", http.StatusOK, `{"status":"new","server_fingerprint":"abc"}`, StatusNew},
		{"duplicate json", http.StatusConflict, `{"status":"duplicate"}`, StatusDuplicate},
		{"duplicate legacy text", http.StatusBadRequest, `ebook already exists in db`, StatusDuplicate},
		{"soft action error", http.StatusBadRequest, `SoftActionError: source already in DB`, StatusDuplicate},
		{"validation", http.StatusBadRequest, `{"status":"validation_rejected","message":"we need at least title and language"}`, StatusValidationRejected},
		{"server error", http.StatusInternalServerError, `boom`, StatusServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/api/upload" {
					w.WriteHeader(http.StatusNotFound)
					return
				}
				w.WriteHeader(tt.statusCode)
				fmt.Fprint(w, tt.body)
			}))
			defer srv.Close()

			path := filepath.Join(t.TempDir(), "b.epub")
			if err := os.WriteFile(path, []byte("hello"), 0o644); err != nil {
				t.Fatal(err)
			}

			c := NewClient(Config{APIURL: srv.URL})
			result, err := c.Upload(context.Background(), metadata.Record{Title: "T"}, testFingerprint(), FileRef{LocalPath: path})
			if err != nil {
				t.Fatal(err)
			}
			if result.Status != tt.want {
				t.Errorf("status = %s, want %s", result.Status, tt.want)
			}
		})
	}
}

func TestUploadSizeCap(t *testing.T) {
	path := filepath.Join(t.TempDir(), "big.epub")
	if err := os.WriteFile(path, make([]byte, 2048), 0o644); err != nil {
		t.Fatal(err)
	}

	c := NewClient(Config{APIURL: "http://unused.invalid", MaxUploadSize: 1024})
	result, err := c.Upload(context.Background(), metadata.Record{}, testFingerprint(), FileRef{LocalPath: path})
	if err != nil {
		t.Fatal(err)
	}
	if result.Status != StatusSizeRejected {
		t.Errorf("status = %s, want %s", result.Status, StatusSizeRejected)
	}
}

func TestUploadSymlinkModeSendsNoBytes(t *testing.T) {
	var sawFile bool
	var manifest map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Fatal(err)
		}
		_, _, err := r.FormFile("file")
		sawFile = err == nil
		if err := json.Unmarshal([]byte(r.FormValue("metadata")), &manifest); err != nil {
			t.Fatal(err)
		}
		json.NewEncoder(w).Encode(UploadResult{Status: StatusNew})
	}))
	defer srv.Close()

	c := NewClient(Config{APIURL: srv.URL})
	result, err := c.Upload(context.Background(), metadata.Record{Title: "T"}, testFingerprint(), FileRef{
		LocalPath:  "/does/not/matter",
		TargetPath: "/calibre_library/Author/Book (1)/Book.epub",
	})
	if err != nil {
		t.Fatal(err)
	}
	if result.Status != StatusNew {
		t.Errorf("status = %s", result.Status)
	}
	if sawFile {
		t.Error("symlink mode transferred file bytes")
	}
	if manifest["original_file_path"] != "/calibre_library/Author/Book (1)/Book.epub" {
		t.Errorf("manifest path = %v", manifest["original_file_path"])
	}
}

func TestIsDuplicateMessage(t *testing.T) {
	tests := []struct {
		msg  string
		want bool
	}{
		{"File already exists", true},
		{"DUPLICATE entry", true},
		{"already in db", true},
		{"SoftActionError raised", true},
		{"disk full", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := IsDuplicateMessage(tt.msg); got != tt.want {
			t.Errorf("IsDuplicateMessage(%q) = %v", tt.msg, got)
		}
	}
}
