package dispatch

import (
	"bytes"
	"encoding/json"
	"image/color"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/starford/pictura/internal/apperr"
	"github.com/starford/pictura/internal/auth"
	"github.com/starford/pictura/internal/checksum"
	"github.com/starford/pictura/internal/listener"
	"github.com/starford/pictura/internal/shorturl"
	"github.com/starford/pictura/internal/testutil"
)

var keys = map[string]string{"alice": "alice-secret", "bob": "bob-secret"}

type recorder struct {
	events []string
}

func (r *recorder) PublishImageEvent(kind, user, imageIdentifier string) {
	r.events = append(r.events, kind)
}

// testEnv builds a dispatcher over a temporary database and blob directory.
func testEnv(t *testing.T, mutate func(*Config)) http.Handler {
	t.Helper()
	db := testutil.TestDB(t)
	_, store := testutil.TestStorage(t)
	cfg := Config{
		Version:  "test",
		Keys:     keys,
		Database: db,
		Storage:  store,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	d, err := Build(cfg)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return d
}

// do sends a request; a non-empty user signs it with that user's key.
func do(t *testing.T, h http.Handler, method, target string, body []byte, user string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	for k, v := range header {
		req.Header[k] = v
	}
	if user != "" {
		ts := auth.Timestamp(time.Now())
		req.Header.Set(auth.HeaderTimestamp, ts)
		req.Header.Set(auth.HeaderSignature, auth.Sign(keys[user], method, auth.CanonicalURL(req), user, ts))
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return out
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) int {
	t.Helper()
	v, _ := decode(t, w)["errorCode"].(float64)
	return int(v)
}

func upload(t *testing.T, h http.Handler, user string, blob []byte) string {
	t.Helper()
	id := checksum.MD5(blob)
	w := do(t, h, http.MethodPut, "/users/"+user+"/images/"+id, blob, user, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("upload status = %d, body = %s", w.Code, w.Body.String())
	}
	return id
}

func TestTeapotAndUnsupportedMethod(t *testing.T) {
	h := testEnv(t, nil)

	w := do(t, h, MethodBrew, "/", nil, "", nil)
	if w.Code != http.StatusTeapot {
		t.Fatalf("BREW status = %d", w.Code)
	}
	if msg := decode(t, w)["message"]; msg != "I'm a teapot!" {
		t.Errorf("message = %v", msg)
	}

	w = do(t, h, "TRACE", "/", nil, "", nil)
	if w.Code != http.StatusNotImplemented {
		t.Errorf("TRACE status = %d", w.Code)
	}
	if w.Header().Get(HeaderVersion) != "test" {
		t.Errorf("version header = %q", w.Header().Get(HeaderVersion))
	}
}

func TestRoutingErrors(t *testing.T) {
	h := testEnv(t, nil)
	id := strings.Repeat("a", 32)

	tests := []struct {
		name       string
		method     string
		target     string
		wantStatus int
		wantCode   int
		wantAllow  string
	}{
		{"unknown route", http.MethodGet, "/nowhere", http.StatusNotFound, apperr.CodeRouting, ""},
		{"unknown key", http.MethodGet, "/users/carol", http.StatusNotFound, apperr.CodeUnknownPublicKey, "GET, HEAD"},
		{"method not allowed", http.MethodPost, "/users/alice/images/" + id, http.StatusMethodNotAllowed, apperr.CodeMethodNotAllowed, "GET, HEAD, PUT, DELETE"},
		{"missing image", http.MethodGet, "/users/alice/images/" + id, http.StatusNotFound, apperr.CodeImageNotFound, "GET, HEAD, PUT, DELETE"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, h, tt.method, tt.target, nil, "", nil)
			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (%s)", w.Code, tt.wantStatus, w.Body.String())
			}
			if code := errorCode(t, w); code != tt.wantCode {
				t.Errorf("errorCode = %d, want %d", code, tt.wantCode)
			}
			if got := w.Header().Get("Allow"); got != tt.wantAllow {
				t.Errorf("Allow = %q, want %q", got, tt.wantAllow)
			}
		})
	}
}

func TestAuthentication(t *testing.T) {
	h := testEnv(t, nil)
	blob := testutil.PNG(t, 2, 2, color.White)
	target := "/users/alice/images/" + checksum.MD5(blob)

	w := do(t, h, http.MethodPut, target, blob, "", nil)
	if w.Code != http.StatusBadRequest || errorCode(t, w) != apperr.CodeMissingAuthParam {
		t.Errorf("unsigned: status = %d body = %s", w.Code, w.Body.String())
	}

	// Signed with bob's secret against alice's account.
	req := httptest.NewRequest(http.MethodPut, target, bytes.NewReader(blob))
	ts := auth.Timestamp(time.Now())
	req.Header.Set(auth.HeaderTimestamp, ts)
	req.Header.Set(auth.HeaderSignature, auth.Sign(keys["bob"], http.MethodPut, auth.CanonicalURL(req), "alice", ts))
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Errorf("wrong key: status = %d", w.Code)
	}

	w = do(t, h, http.MethodPut, target, blob, "alice", nil)
	if w.Code != http.StatusCreated {
		t.Errorf("signed: status = %d body = %s", w.Code, w.Body.String())
	}
}

func TestImageLifecycle(t *testing.T) {
	events := &recorder{}
	h := testEnv(t, func(c *Config) { c.Publisher = events })
	blob := testutil.PNG(t, 8, 6, color.Black)
	id := upload(t, h, "alice", blob)
	target := "/users/alice/images/" + id

	w := do(t, h, http.MethodGet, target, nil, "", nil)
	if w.Code != http.StatusOK || !bytes.Equal(w.Body.Bytes(), blob) {
		t.Fatalf("get status = %d len = %d", w.Code, w.Body.Len())
	}
	if w.Header().Get("Content-Type") != "image/png" || w.Header().Get("X-Pictura-OriginalWidth") != "8" {
		t.Errorf("headers = %v", w.Header())
	}
	etag := w.Header().Get("ETag")
	if etag == "" {
		t.Fatal("missing ETag")
	}

	w = do(t, h, http.MethodGet, target, nil, "", http.Header{"If-None-Match": {etag}})
	if w.Code != http.StatusNotModified {
		t.Errorf("conditional get status = %d", w.Code)
	}

	w = do(t, h, http.MethodGet, target+".jpg", nil, "", nil)
	if w.Code != http.StatusOK || w.Header().Get("Content-Type") != "image/jpeg" {
		t.Errorf("converted: status = %d type = %q", w.Code, w.Header().Get("Content-Type"))
	}

	w = do(t, h, http.MethodGet, target+"?t[]=resize:width=4", nil, "", nil)
	if w.Code != http.StatusOK || w.Body.Len() == 0 || bytes.Equal(w.Body.Bytes(), blob) {
		t.Errorf("transformed: status = %d", w.Code)
	}

	w = do(t, h, http.MethodHead, target, nil, "", nil)
	if w.Code != http.StatusOK || w.Body.Len() != 0 {
		t.Errorf("head: status = %d len = %d", w.Code, w.Body.Len())
	}

	w = do(t, h, http.MethodDelete, target, nil, "alice", nil)
	if w.Code != http.StatusOK || decode(t, w)["imageIdentifier"] != id {
		t.Fatalf("delete: status = %d body = %s", w.Code, w.Body.String())
	}
	w = do(t, h, http.MethodGet, target, nil, "", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("after delete: status = %d", w.Code)
	}

	if len(events.events) != 2 || events.events[0] != "image.created" || events.events[1] != "image.deleted" {
		t.Errorf("events = %v", events.events)
	}
}

func TestUploadRejections(t *testing.T) {
	h := testEnv(t, nil)
	blob := testutil.PNG(t, 2, 2, color.White)

	w := do(t, h, http.MethodPut, "/users/alice/images/"+strings.Repeat("0", 32), blob, "alice", nil)
	if w.Code != http.StatusBadRequest || errorCode(t, w) != apperr.CodeImageHashMismatch {
		t.Errorf("mismatch: status = %d body = %s", w.Code, w.Body.String())
	}

	w = do(t, h, http.MethodPut, "/users/alice/images/"+checksum.MD5(nil), nil, "alice", nil)
	if w.Code != http.StatusBadRequest || errorCode(t, w) != apperr.CodeNoImageAttached {
		t.Errorf("empty body: status = %d body = %s", w.Code, w.Body.String())
	}

	small := testEnv(t, func(c *Config) { c.MaxBodySize = 16 })
	w = do(t, small, http.MethodPut, "/users/alice/images/"+checksum.MD5(blob), blob, "alice", nil)
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("too large: status = %d", w.Code)
	}
}

func TestMetadataAndSearch(t *testing.T) {
	h := testEnv(t, nil)
	red := upload(t, h, "alice", testutil.PNG(t, 2, 2, color.RGBA{R: 255, A: 255}))
	blue := upload(t, h, "alice", testutil.PNG(t, 2, 2, color.RGBA{B: 255, A: 255}))

	put := func(id, doc string) {
		w := do(t, h, http.MethodPut, "/users/alice/images/"+id+"/metadata", []byte(doc), "alice", nil)
		if w.Code != http.StatusOK {
			t.Fatalf("metadata put: status = %d body = %s", w.Code, w.Body.String())
		}
	}
	put(red, `{"color":"red","size":10}`)
	put(blue, `{"color":"blue","size":20}`)

	w := do(t, h, http.MethodPost, "/users/alice/images/"+red+"/metadata", []byte(`{"tag":"warm"}`), "alice", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("metadata post: status = %d", w.Code)
	}
	w = do(t, h, http.MethodGet, "/users/alice/images/"+red+"/metadata.json", nil, "", nil)
	if doc := decode(t, w); doc["color"] != "red" || doc["tag"] != "warm" {
		t.Errorf("merged metadata = %v", doc)
	}

	w = do(t, h, http.MethodPut, "/users/alice/images/"+red+"/metadata", []byte(`[1,2]`), "alice", nil)
	if w.Code != http.StatusBadRequest || errorCode(t, w) != apperr.CodeInvalidMetadata {
		t.Errorf("invalid metadata: status = %d", w.Code)
	}

	q := url.QueryEscape(`{"$or":[{"color":"blue"},{"size":{"$lt":15}}],"tag":{"$wildcard":"wa*"}}`)
	w = do(t, h, http.MethodGet, "/users/alice/images.json?metadata=1&query="+q, nil, "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("search: status = %d body = %s", w.Code, w.Body.String())
	}
	var list []map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0]["imageIdentifier"] != red {
		t.Errorf("search result = %v", list)
	}
	if w.Header().Get("Last-Modified") == "" || w.Header().Get("ETag") == "" {
		t.Error("listing should carry Last-Modified and ETag")
	}

	w = do(t, h, http.MethodGet, "/users/alice/images?query="+url.QueryEscape(`{"$regex":"x"}`), nil, "", nil)
	if w.Code != http.StatusBadRequest || errorCode(t, w) != apperr.CodeInvalidQueryOperator {
		t.Errorf("bad operator: status = %d body = %s", w.Code, w.Body.String())
	}

	w = do(t, h, http.MethodGet, "/users/alice.xml", nil, "", nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "<numImages>2</numImages>") {
		t.Errorf("user xml: status = %d body = %s", w.Code, w.Body.String())
	}
}

func TestShortURLs(t *testing.T) {
	h := testEnv(t, nil)
	blob := testutil.PNG(t, 4, 4, color.White)
	id := upload(t, h, "alice", blob)
	base := "/users/alice/images/" + id + "/shorturls"

	body := []byte(`{"publicKey":"alice","imageIdentifier":"` + id + `","extension":"jpg","query":"?t[]=desaturate"}`)
	w := do(t, h, http.MethodPost, base, body, "alice", nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("create: status = %d body = %s", w.Code, w.Body.String())
	}
	short, _ := decode(t, w)["id"].(string)
	if len(short) != 7 {
		t.Fatalf("id = %q", short)
	}

	w = do(t, h, http.MethodPost, base, body, "alice", nil)
	if w.Code != http.StatusOK || decode(t, w)["id"] != short {
		t.Errorf("repeat: status = %d body = %s", w.Code, w.Body.String())
	}

	mismatch := []byte(`{"publicKey":"bob","imageIdentifier":"` + id + `"}`)
	w = do(t, h, http.MethodPost, base, mismatch, "alice", nil)
	if w.Code != http.StatusBadRequest || errorCode(t, w) != apperr.CodeInvalidShortURL {
		t.Errorf("mismatch: status = %d body = %s", w.Code, w.Body.String())
	}

	w = do(t, h, http.MethodGet, "/s/"+short, nil, "", nil)
	if w.Code != http.StatusOK || w.Header().Get("Content-Type") != "image/jpeg" {
		t.Errorf("resolve: status = %d type = %q body = %s", w.Code, w.Header().Get("Content-Type"), w.Body.String())
	}

	w = do(t, h, http.MethodGet, base+"/"+short, nil, "", nil)
	if w.Code != http.StatusOK || decode(t, w)["extension"] != "jpg" {
		t.Errorf("params: status = %d body = %s", w.Code, w.Body.String())
	}

	w = do(t, h, http.MethodDelete, "/users/alice/images/"+id, nil, "alice", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("delete image: status = %d", w.Code)
	}
	w = do(t, h, http.MethodGet, "/s/"+short, nil, "", nil)
	if w.Code != http.StatusNotFound || errorCode(t, w) != apperr.CodeShortURLNotFound {
		t.Errorf("after cascade: status = %d body = %s", w.Code, w.Body.String())
	}
}

func TestImageDeleteDropsShortURLs(t *testing.T) {
	tests := []struct {
		name      string
		resources map[string]string
	}{
		{"default resources", nil},
		{"shorturls route overridden", map[string]string{"shorturls": "ShortUrl"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			db := testutil.TestDB(t)
			_, store := testutil.TestStorage(t)
			h, err := Build(Config{
				Version:   "test",
				Keys:      keys,
				Database:  db,
				Storage:   store,
				Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
				Resources: tc.resources,
			})
			if err != nil {
				t.Fatalf("Build: %v", err)
			}
			id := upload(t, h, "alice", testutil.PNG(t, 2, 2, color.White))
			short, _, err := shorturl.New(db).GetOrCreate(t.Context(), "alice", id, "png", nil)
			if err != nil {
				t.Fatal(err)
			}

			w := do(t, h, http.MethodDelete, "/users/alice/images/"+id, nil, "alice", nil)
			if w.Code != http.StatusOK {
				t.Fatalf("delete image: status = %d body = %s", w.Code, w.Body.String())
			}
			w = do(t, h, http.MethodGet, "/s/"+short, nil, "", nil)
			if w.Code != http.StatusNotFound || errorCode(t, w) != apperr.CodeShortURLNotFound {
				t.Errorf("after delete: status = %d body = %s", w.Code, w.Body.String())
			}
		})
	}
}

func TestErrorNegotiationFallsBack(t *testing.T) {
	h := testEnv(t, nil)

	w := do(t, h, http.MethodGet, "/status", nil, "", http.Header{"Accept": {"text/html"}})
	if w.Code != http.StatusNotAcceptable {
		t.Fatalf("status = %d", w.Code)
	}
	if w.Header().Get("Content-Type") != "application/json" || errorCode(t, w) != apperr.CodeNotAcceptable {
		t.Errorf("fallback body = %q (%s)", w.Body.String(), w.Header().Get("Content-Type"))
	}

	w = do(t, h, http.MethodGet, "/nowhere", nil, "", http.Header{"Accept": {"application/xml"}})
	if w.Code != http.StatusNotFound || w.Header().Get("Content-Type") != "application/xml" {
		t.Errorf("xml error: status = %d type = %q", w.Code, w.Header().Get("Content-Type"))
	}
}

func TestScopedListener(t *testing.T) {
	h := testEnv(t, func(c *Config) {
		c.Listeners = []listener.Binding{{
			Name:       "maxSize",
			Listener:   "MaxImageSize",
			PublicKeys: []string{"alice"},
			Params:     map[string]any{"width": 10},
		}}
	})
	blob := testutil.PNG(t, 40, 20, color.White)

	for user, want := range map[string]string{"alice": "10", "bob": "40"} {
		id := upload(t, h, user, blob)
		w := do(t, h, http.MethodGet, "/users/"+user+"/images/"+id, nil, "", nil)
		if got := w.Header().Get("X-Pictura-OriginalWidth"); got != want {
			t.Errorf("%s width = %s, want %s", user, got, want)
		}
	}
}

func TestStatusIndexAndStats(t *testing.T) {
	h := testEnv(t, nil)
	upload(t, h, "bob", testutil.PNG(t, 1, 1, color.White))

	w := do(t, h, http.MethodGet, "/status.json", nil, "", nil)
	if doc := decode(t, w); w.Code != http.StatusOK || doc["database"] != true || doc["storage"] != true {
		t.Errorf("status = %d body = %v", w.Code, doc)
	}

	w = do(t, h, http.MethodGet, "/", nil, "", nil)
	if doc := decode(t, w); doc["version"] != "test" {
		t.Errorf("index = %v", doc)
	}

	w = do(t, h, http.MethodGet, "/stats", nil, "", nil)
	doc := decode(t, w)
	total, _ := doc["total"].(map[string]any)
	if total["numImages"] != float64(1) || total["numUsers"] != float64(2) {
		t.Errorf("stats = %v", doc)
	}
}

func TestBuildRejectsUnknownResource(t *testing.T) {
	db := testutil.TestDB(t)
	_, store := testutil.TestStorage(t)
	_, err := Build(Config{
		Database:  db,
		Storage:   store,
		Resources: map[string]string{"image": "Nope"},
	})
	if err == nil {
		t.Fatal("expected error for unknown resource")
	}
}
