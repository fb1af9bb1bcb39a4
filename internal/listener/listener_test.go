package listener

import (
	"bytes"
	"errors"
	"image/color"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/starford/pictura/internal/apperr"
	"github.com/starford/pictura/internal/checksum"
	"github.com/starford/pictura/internal/event"
	"github.com/starford/pictura/internal/formatter"
	"github.com/starford/pictura/internal/message"
	"github.com/starford/pictura/internal/models"
	"github.com/starford/pictura/internal/shorturl"
	"github.com/starford/pictura/internal/testutil"
)

type recorder struct {
	events []string
}

func (r *recorder) PublishImageEvent(kind, user, imageIdentifier string) {
	r.events = append(r.events, kind+" "+user+"/"+imageIdentifier)
}

type fixture struct {
	manager *event.Manager
	args    *event.Args
	writer  *httptest.ResponseRecorder
}

// newFixture wires the default listeners against a temporary database and
// blob directory and prepares a request for method and target.
func newFixture(t *testing.T, method, target string, body []byte, params map[string]string) *fixture {
	t.Helper()
	db := testutil.TestDB(t)
	_, store := testutil.TestStorage(t)

	m := event.NewManager()
	reg := NewRegistry(formatter.NewSet(), nil)
	for _, b := range reg.Defaults() {
		if err := reg.Attach(m, b); err != nil {
			t.Fatalf("attach %s: %v", b.Name, err)
		}
	}

	r := httptest.NewRequest(method, target, bytes.NewReader(body))
	req := message.NewRequest(r, body)
	for k, v := range params {
		req.Params[k] = v
	}
	w := httptest.NewRecorder()
	return &fixture{
		manager: m,
		writer:  w,
		args: &event.Args{
			Context:  r.Context(),
			Request:  req,
			Response: message.NewResponse(),
			Database: db,
			Storage:  store,
			Manager:  m,
			Writer:   w,
		},
	}
}

func (f *fixture) trigger(t *testing.T, name event.Name, params event.Params) error {
	t.Helper()
	_, err := f.manager.Trigger(f.args, name, params)
	return err
}

func imageParams(user, id string) map[string]string {
	return map[string]string{message.ParamUser: user, message.ParamImageIdentifier: id}
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry(formatter.NewSet(), nil)
	if _, err := reg.Build("Nope", nil); err == nil {
		t.Fatal("expected error for unknown listener")
	}
	for _, b := range reg.Defaults() {
		if b.Name == "EventStream" {
			t.Fatal("EventStream needs a publisher")
		}
	}

	m := event.NewManager()
	if err := reg.Attach(m, Binding{Name: "off"}); err != nil {
		t.Fatalf("disabled binding: %v", err)
	}
	err := reg.Attach(m, Binding{
		Name:       "small",
		Listener:   "MaxImageSize",
		Events:     map[string]int{"image.post": 7},
		PublicKeys: []string{"alice"},
		Params:     map[string]any{"width": 10},
	})
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	if !m.HasListeners("image.post") || m.HasListeners("image.put") {
		t.Error("configured events should replace the listener's own subscriptions")
	}
	if err := reg.Attach(m, Binding{Name: "bad", Listener: "MaxImageSize"}); err == nil {
		t.Error("expected error for MaxImageSize without bounds")
	}
}

func TestMerge(t *testing.T) {
	defaults := []Binding{{Name: "a", Listener: "A"}, {Name: "b", Listener: "B"}}
	got := Merge(defaults, []Binding{{Name: "b"}, {Name: "c", Listener: "C"}})
	if len(got) != 3 || got[1].Listener != "" || got[2].Name != "c" {
		t.Errorf("Merge = %+v", got)
	}
	if defaults[1].Listener != "B" {
		t.Error("Merge must not modify the defaults")
	}
}

func TestNewMaxImageSize(t *testing.T) {
	tests := []struct {
		name    string
		params  map[string]any
		wantErr bool
	}{
		{"int", map[string]any{"width": 100}, false},
		{"float from json", map[string]any{"height": float64(50)}, false},
		{"string", map[string]any{"width": "30", "height": "40"}, false},
		{"fraction", map[string]any{"width": 1.5}, true},
		{"negative", map[string]any{"width": -1}, true},
		{"missing", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewMaxImageSize(tt.params)
			if (err != nil) != tt.wantErr {
				t.Errorf("err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestImagePreparation(t *testing.T) {
	blob := testutil.PNG(t, 4, 3, color.White)
	id := checksum.MD5(blob)

	f := newFixture(t, http.MethodPut, "/users/alice/images/"+id, blob, imageParams("alice", id))
	if err := (ImagePreparation{}).Handle(eventFor(f, "image.put")); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	img := f.args.Request.Image
	if img == nil || img.Width != 4 || img.Height != 3 || img.Extension != "png" || img.Size != int64(len(blob)) {
		t.Fatalf("image = %+v", img)
	}

	f = newFixture(t, http.MethodPut, "/x", blob, imageParams("alice", strings.Repeat("0", 32)))
	if err := (ImagePreparation{}).Handle(eventFor(f, "image.put")); !errors.Is(err, apperr.ErrImageHashMismatch) {
		t.Errorf("err = %v, want hash mismatch", err)
	}

	f = newFixture(t, http.MethodPut, "/x", nil, imageParams("alice", id))
	if err := (ImagePreparation{}).Handle(eventFor(f, "image.put")); !errors.Is(err, apperr.ErrNoImageAttached) {
		t.Errorf("err = %v, want no image attached", err)
	}

	text := []byte("plain text is not an image")
	f = newFixture(t, http.MethodPut, "/x", text, imageParams("alice", checksum.MD5(text)))
	if err := (ImagePreparation{}).Handle(eventFor(f, "image.put")); !errors.Is(err, apperr.ErrUnsupportedImageType) {
		t.Errorf("err = %v, want unsupported type", err)
	}
}

// eventFor fires a throwaway trigger to obtain an Event bound to f's args.
func eventFor(f *fixture, name event.Name) *event.Event {
	e, _ := event.NewManager().Trigger(f.args, name, nil)
	return e
}

func TestMaxImageSizeShrinksUpload(t *testing.T) {
	blob := testutil.PNG(t, 40, 20, color.Black)
	id := checksum.MD5(blob)
	f := newFixture(t, http.MethodPut, "/x", blob, imageParams("alice", id))
	if err := (ImagePreparation{}).Handle(eventFor(f, "image.put")); err != nil {
		t.Fatal(err)
	}
	l, err := NewMaxImageSize(map[string]any{"width": 10})
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Handle(eventFor(f, "image.put")); err != nil {
		t.Fatalf("max size: %v", err)
	}
	img := f.args.Request.Image
	if img.Width != 10 || img.Height != 5 {
		t.Errorf("size = %dx%d, want 10x5", img.Width, img.Height)
	}
	if img.ImageIdentifier != id {
		t.Error("identifier must stay the checksum of the upload")
	}
}

func TestDatabaseAndStorageOperations(t *testing.T) {
	blob := testutil.PNG(t, 2, 2, color.White)
	id := checksum.MD5(blob)
	f := newFixture(t, http.MethodPut, "/x", blob, imageParams("alice", id))

	if err := (ImagePreparation{}).Handle(eventFor(f, "image.put")); err != nil {
		t.Fatal(err)
	}
	for _, ev := range []event.Name{event.DBImageInsert, event.StorageImageInsert} {
		if err := f.trigger(t, ev, nil); err != nil {
			t.Fatalf("%s: %v", ev, err)
		}
	}

	if err := f.trigger(t, event.DBImageLoad, nil); err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := f.trigger(t, event.StorageImageLoad, nil); err != nil {
		t.Fatalf("storage load: %v", err)
	}
	img, ok := f.args.Response.Model.(*models.Image)
	if !ok || !bytes.Equal(img.Blob, blob) {
		t.Fatalf("model = %#v", f.args.Response.Model)
	}
	if f.args.Response.Header.Get("Last-Modified") == "" {
		t.Error("Last-Modified should be set")
	}

	if err := f.trigger(t, event.DBMetadataUpdate, event.Params{"metadata": map[string]any{"a": "1", "b": "2"}}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := f.trigger(t, event.DBMetadataUpdate, event.Params{"metadata": map[string]any{"b": "3"}}); err != nil {
		t.Fatalf("merge: %v", err)
	}
	if err := f.trigger(t, event.DBMetadataLoad, nil); err != nil {
		t.Fatal(err)
	}
	doc := f.args.Response.Model.(map[string]any)
	if doc["a"] != "1" || doc["b"] != "3" {
		t.Errorf("merged = %v", doc)
	}
	if err := f.trigger(t, event.DBMetadataUpdate, event.Params{"metadata": map[string]any{"c": true}, "replace": true}); err != nil {
		t.Fatal(err)
	}
	if err := f.trigger(t, event.DBMetadataLoad, nil); err != nil {
		t.Fatal(err)
	}
	if doc := f.args.Response.Model.(map[string]any); len(doc) != 1 || doc["c"] != true {
		t.Errorf("replaced = %v", doc)
	}
	if err := f.trigger(t, event.DBMetadataUpdate, event.Params{"metadata": "nope"}); !errors.Is(err, apperr.ErrInvalidMetadata) {
		t.Errorf("err = %v, want invalid metadata", err)
	}

	if err := f.trigger(t, event.DBUserLoad, nil); err != nil {
		t.Fatal(err)
	}
	if u := f.args.Response.Model.(*models.User); u.NumImages != 1 || u.PublicKey != "alice" {
		t.Errorf("user = %+v", u)
	}

	if err := f.trigger(t, event.DBImagesLoad, nil); err != nil {
		t.Fatal(err)
	}
	if list := f.args.Response.Model.([]models.Image); len(list) != 1 {
		t.Errorf("images = %d, want 1", len(list))
	}

	for _, ev := range []event.Name{event.DBImageDelete, event.StorageImageDelete} {
		if err := f.trigger(t, ev, nil); err != nil {
			t.Fatalf("%s: %v", ev, err)
		}
	}
	if err := f.trigger(t, event.DBImageLoad, nil); !errors.Is(err, apperr.ErrImageNotFound) {
		t.Errorf("err = %v, want image not found", err)
	}
	if err := f.trigger(t, event.StorageImageDelete, nil); !errors.Is(err, apperr.ErrImageNotFound) {
		t.Errorf("err = %v, want image not found", err)
	}
}

func TestShortURLCleanup(t *testing.T) {
	f := newFixture(t, http.MethodDelete, "/x", nil, imageParams("alice", "abc"))
	ctx, db := f.args.Context, f.args.Database
	links := shorturl.New(db)
	kept, _, err := links.GetOrCreate(ctx, "alice", "other", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	for _, ext := range []string{"", "png"} {
		if _, _, err := links.GetOrCreate(ctx, "alice", "abc", ext, nil); err != nil {
			t.Fatal(err)
		}
	}

	if err := f.trigger(t, "image.delete", nil); err != nil {
		t.Fatalf("image.delete: %v", err)
	}
	for _, ext := range []string{"", "png"} {
		if _, err := db.ShortURLID(ctx, "alice", "abc", ext, ""); !errors.Is(err, apperr.ErrNotFound) {
			t.Errorf("link %q err = %v, want not found", ext, err)
		}
	}
	if id, err := db.ShortURLID(ctx, "alice", "other", "", ""); err != nil || id != kept {
		t.Errorf("other image link = %q, %v", id, err)
	}
}

func TestImagesQuery(t *testing.T) {
	q, err := imagesQuery(map[string][]string{
		"page":     {"2"},
		"limit":    {"5"},
		"metadata": {"1"},
		"from":     {"1700000000"},
		"to":       {"2024-01-01T00:00:00Z"},
		"ids[]":    {"a,b", "c"},
		"query":    {`{"color":"red"}`},
	})
	if err != nil {
		t.Fatal(err)
	}
	if q.Page != 2 || q.Limit != 5 || !q.Metadata || q.From.Unix() != 1700000000 || q.To.Year() != 2024 {
		t.Errorf("query = %+v", q)
	}
	if len(q.Identifiers) != 3 || q.Filter == nil {
		t.Errorf("identifiers = %v filter = %v", q.Identifiers, q.Filter)
	}

	for _, bad := range []map[string][]string{
		{"page": {"0"}},
		{"limit": {"x"}},
		{"from": {"yesterday"}},
		{"query": {`{"$foo":1}`}},
	} {
		if _, err := imagesQuery(bad); err == nil {
			t.Errorf("imagesQuery(%v) should fail", bad)
		}
	}
}

func TestResponseFormatter(t *testing.T) {
	tests := []struct {
		name     string
		accept   string
		ext      string
		noStrict bool
		wantCT   string
		wantErr  error
	}{
		{"default json", "", "", false, "application/json", nil},
		{"accept xml", "application/xml", "", false, "application/xml", nil},
		{"extension wins", "application/json", "xml", false, "application/xml", nil},
		{"not acceptable", "text/html", "", false, "", apperr.ErrNotAcceptable},
		{"non strict fallback", "text/html", "", true, "application/json", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, http.MethodGet, "/status", nil, map[string]string{message.ParamExtension: tt.ext})
			f.args.Request.Header.Set("Accept", tt.accept)
			f.args.Response.SetModel(map[string]any{"ok": true})
			err := f.trigger(t, event.ResponseNegotiate, event.Params{"noStrict": tt.noStrict})
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if f.args.Response.ContentType != tt.wantCT {
				t.Errorf("content type = %q, want %q", f.args.Response.ContentType, tt.wantCT)
			}
		})
	}
}

func TestResponseFormatterConvertsImages(t *testing.T) {
	blob := testutil.PNG(t, 8, 8, color.White)
	f := newFixture(t, http.MethodGet, "/x?t[]=resize:width=4", nil, map[string]string{message.ParamExtension: "jpg"})
	f.args.Response.SetModel(&models.Image{MimeType: "image/png", Extension: "png", Width: 8, Height: 8, Blob: blob})

	if err := f.trigger(t, event.ResponseNegotiate, nil); err != nil {
		t.Fatal(err)
	}
	res := f.args.Response
	if res.ContentType != "image/jpeg" {
		t.Errorf("content type = %q", res.ContentType)
	}
	if img := res.Model.(*models.Image); img.Width != 4 || img.Extension != "jpg" {
		t.Errorf("image = %dx%d %s", img.Width, img.Height, img.Extension)
	}

	f = newFixture(t, http.MethodGet, "/x", nil, nil)
	f.args.Request.Header.Set("Accept", "image/webp")
	f.args.Response.SetModel(&models.Image{MimeType: "image/png", Extension: "png", Blob: blob})
	if err := f.trigger(t, event.ResponseNegotiate, nil); !errors.Is(err, apperr.ErrNotAcceptable) {
		t.Errorf("err = %v, want not acceptable", err)
	}
}

func TestResponseETagAndSender(t *testing.T) {
	f := newFixture(t, http.MethodGet, "/status", nil, nil)
	f.args.Response.SetModel(map[string]any{"ok": true})
	if err := f.trigger(t, event.ResponseNegotiate, nil); err != nil {
		t.Fatal(err)
	}
	etag := checksum.ETag(f.args.Response.Body)
	f.args.Request.Header.Set("If-None-Match", etag)
	if err := f.trigger(t, event.ResponseSend, nil); err != nil {
		t.Fatal(err)
	}
	if f.writer.Code != http.StatusNotModified {
		t.Errorf("status = %d, want 304", f.writer.Code)
	}
	if f.writer.Header().Get("ETag") != etag {
		t.Errorf("ETag = %q", f.writer.Header().Get("ETag"))
	}
	if f.writer.Body.Len() != 0 {
		t.Error("304 must not carry a body")
	}
	if err := f.trigger(t, event.ResponseSend, nil); !errors.Is(err, message.ErrAlreadySent) {
		t.Errorf("second send err = %v", err)
	}
}

func TestEventStream(t *testing.T) {
	rec := &recorder{}
	reg := NewRegistry(formatter.NewSet(), rec)
	m := event.NewManager()
	if err := reg.Attach(m, Binding{Name: "EventStream", Listener: "EventStream"}); err != nil {
		t.Fatal(err)
	}
	f := newFixture(t, http.MethodDelete, "/x", nil, imageParams("alice", "abc"))
	if _, err := m.Trigger(f.args, "image.delete", nil); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Trigger(f.args, "image.get", nil); err != nil {
		t.Fatal(err)
	}
	if len(rec.events) != 1 || rec.events[0] != "image.deleted alice/abc" {
		t.Errorf("events = %v", rec.events)
	}
}
