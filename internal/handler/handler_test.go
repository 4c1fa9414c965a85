package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/course-file-server/internal/ingest"
	"github.com/iliyamo/course-file-server/internal/logging"
	"github.com/iliyamo/course-file-server/internal/middleware"
	"github.com/iliyamo/course-file-server/internal/model"
	"github.com/iliyamo/course-file-server/internal/repository"
	"github.com/iliyamo/course-file-server/internal/storage"
	"github.com/iliyamo/course-file-server/internal/utils"
)

const testSecret = "test-secret"

// memDirectory is an in-memory UserDirectory.
type memDirectory struct {
	mu     sync.Mutex
	users  map[string]model.User
	nextID uint64
}

func newMemDirectory() *memDirectory {
	return &memDirectory{users: map[string]model.User{}}
}

func (d *memDirectory) Insert(_ context.Context, username, email, hash string) (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.users[username]; ok {
		return 0, repository.ErrUsernameTaken
	}
	d.nextID++
	d.users[username] = model.User{
		ID:           d.nextID,
		Username:     username,
		Email:        email,
		PasswordHash: hash,
		CreatedAt:    time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	return d.nextID, nil
}

func (d *memDirectory) FindByUsername(_ context.Context, username string) (model.User, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	u, ok := d.users[username]
	if !ok {
		return model.User{}, repository.ErrUserNotFound
	}
	return u, nil
}

type testServer struct {
	e      *echo.Echo
	users  *memDirectory
	issuer *utils.TokenIssuer
	root   string
}

func newTestServer(t *testing.T, maxBytes int64) *testServer {
	t.Helper()
	root := t.TempDir()
	issuer, err := utils.NewTokenIssuer(testSecret, 0)
	require.NoError(t, err)

	rel := storage.NewRelocator(root)
	require.NoError(t, rel.EnsureLayout())
	pipeline := ingest.NewPipeline(storage.NewStager(root, maxBytes), rel, logging.Nop())

	users := newMemDirectory()
	auth := NewAuthHandler(users, issuer, logging.Nop())
	up := NewUploadHandler(pipeline, rel, maxBytes, logging.Nop())

	e := echo.New()
	e.HTTPErrorHandler = ErrorHandler(logging.Nop(), maxBytes)
	e.POST("/auth/register", auth.Register)
	e.POST("/auth/login", auth.Login)
	e.GET("/auth/profile", auth.Profile, middleware.JWTAuth(issuer))
	e.POST("/upload", up.Upload)
	e.GET("/list-files/:folder", up.ListFiles)
	e.GET("/api/test", APITest)
	e.GET("/healthz", Health)

	return &testServer{e: e, users: users, issuer: issuer, root: root}
}

func (s *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.e.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) postJSON(path string, body any) *httptest.ResponseRecorder {
	b, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(b))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	return s.do(req)
}

func (s *testServer) profile(authHeader string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/auth/profile", nil)
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	return s.do(req)
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m), rec.Body.String())
	return m
}

type formPart struct {
	field, name, contentType, body string
}

func multipartRequest(t *testing.T, file *formPart, fields map[string]string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, w.WriteField(k, v))
	}
	if file != nil {
		h := textproto.MIMEHeader{}
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, file.field, file.name))
		h.Set("Content-Type", file.contentType)
		part, err := w.CreatePart(h)
		require.NoError(t, err)
		_, err = part.Write([]byte(file.body))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/upload", &buf)
	req.Header.Set(echo.HeaderContentType, w.FormDataContentType())
	return req
}

func storedNames(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestAuth_RegisterLoginProfile(t *testing.T) {
	s := newTestServer(t, 1<<20)

	rec := s.postJSON("/auth/register", echo.Map{"username": "alice", "email": "a@x.com", "password": "secret1"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, true, body["success"])
	assert.NotContains(t, body, "token")

	stored := s.users.users["alice"]
	assert.NotEqual(t, "secret1", stored.PasswordHash)

	rec = s.postJSON("/auth/login", echo.Map{"username": "alice", "password": "secret1"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body = decode(t, rec)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "Login successful!", body["message"])
	token, _ := body["token"].(string)
	require.NotEmpty(t, token)
	user := body["user"].(map[string]any)
	assert.Equal(t, "alice", user["username"])
	assert.Equal(t, "a@x.com", user["email"])
	assert.NotContains(t, user, "password")

	rec = s.profile("Bearer " + token)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body = decode(t, rec)
	user = body["user"].(map[string]any)
	assert.Equal(t, "alice", user["username"])
	assert.Equal(t, "2024-05-01T12:00:00Z", user["createdAt"])
	assert.NotContains(t, user, "password")

	rec = s.postJSON("/auth/login", echo.Map{"username": "alice", "password": "wrongpw"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Invalid username or password", decode(t, rec)["message"])
}

func TestAuth_LoginFailuresLookAlike(t *testing.T) {
	s := newTestServer(t, 1<<20)
	require.Equal(t, http.StatusCreated, s.postJSON("/auth/register", echo.Map{"username": "bob", "email": "b@x.com", "password": "hunter22"}).Code)

	unknown := s.postJSON("/auth/login", echo.Map{"username": "nobody", "password": "hunter22"})
	wrong := s.postJSON("/auth/login", echo.Map{"username": "bob", "password": "hunter23"})

	assert.Equal(t, http.StatusUnauthorized, unknown.Code)
	assert.Equal(t, http.StatusUnauthorized, wrong.Code)
	assert.JSONEq(t, unknown.Body.String(), wrong.Body.String())
}

func TestAuth_LoginMissingFields(t *testing.T) {
	s := newTestServer(t, 1<<20)

	rec := s.postJSON("/auth/login", echo.Map{"username": "alice"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, false, decode(t, rec)["success"])
}

func TestAuth_RegisterDuplicate(t *testing.T) {
	s := newTestServer(t, 1<<20)
	req := echo.Map{"username": "alice", "email": "a@x.com", "password": "secret1"}

	require.Equal(t, http.StatusCreated, s.postJSON("/auth/register", req).Code)
	rec := s.postJSON("/auth/register", req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Username already taken", decode(t, rec)["message"])
}

func TestAuth_RegisterValidation(t *testing.T) {
	s := newTestServer(t, 1<<20)

	cases := []struct {
		name string
		body echo.Map
		msg  string
	}{
		{"missing email", echo.Map{"username": "a", "password": "secret1"}, "Please fill all fields"},
		{"blank username", echo.Map{"username": "   ", "email": "a@x.com", "password": "secret1"}, "Please fill all fields"},
		{"short password", echo.Map{"username": "a", "email": "a@x.com", "password": "12345"}, "Password must be at least 6 characters"},
		{"long password", echo.Map{"username": "a", "email": "a@x.com", "password": strings.Repeat("x", 73)}, "Password must be at most 72 bytes"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := s.postJSON("/auth/register", tc.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, tc.msg, decode(t, rec)["message"])
		})
	}
	assert.Empty(t, s.users.users)
}

func TestAuth_ProfileRejectsBadTokens(t *testing.T) {
	s := newTestServer(t, 1<<20)
	_, err := s.users.Insert(context.Background(), "alice", "a@x.com", "x")
	require.NoError(t, err)

	old, err := s.issuer.WithClock(func() time.Time { return time.Now().Add(-25 * time.Hour) }).Issue(1, "alice")
	require.NoError(t, err)
	ghost, err := s.issuer.Issue(99, "ghost")
	require.NoError(t, err)
	other, err := utils.NewTokenIssuer("other-secret", 0)
	require.NoError(t, err)
	forged, err := other.Issue(1, "alice")
	require.NoError(t, err)

	cases := []struct {
		name, header, msg string
	}{
		{"no header", "", "You must be logged in"},
		{"scheme only", "Bearer", "You must be logged in"},
		{"garbage", "Bearer not-a-jwt", "Invalid token"},
		{"wrong secret", "Bearer " + forged.Token, "Invalid token"},
		{"expired", "Bearer " + old.Token, "Token expired"},
		{"vanished user", "Bearer " + ghost.Token, "Invalid token"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := s.profile(tc.header)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			body := decode(t, rec)
			assert.Equal(t, false, body["success"])
			assert.Equal(t, tc.msg, body["message"])
		})
	}
}

func TestUpload_StoresFile(t *testing.T) {
	s := newTestServer(t, 1<<20)

	req := multipartRequest(t, &formPart{"file", "notes.txt", "text/plain", "hello world"}, map[string]string{"category": "units"})
	rec := s.do(req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp uploadResp
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "File uploaded successfully", resp.Message)
	assert.Equal(t, "notes.txt", resp.File.OriginalName)
	assert.Equal(t, "units", resp.File.Category)
	assert.Equal(t, int64(11), resp.File.Size)
	assert.Equal(t, "text/plain", resp.File.MimeType)
	assert.Regexp(t, `^notes_\d+\.txt$`, resp.File.Filename)
	assert.Equal(t, "/units/"+resp.File.Filename, resp.File.URL)

	b, err := os.ReadFile(filepath.Join(s.root, "units", resp.File.Filename))
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(b))
	assert.Empty(t, storedNames(t, filepath.Join(s.root, "temp")))

	listReq := httptest.NewRequest(http.MethodGet, "/list-files/units", nil)
	listRec := s.do(listReq)
	require.Equal(t, http.StatusOK, listRec.Code)
	var names []string
	require.NoError(t, json.Unmarshal(listRec.Body.Bytes(), &names))
	assert.Equal(t, []string{resp.File.Filename}, names)
}

func TestUpload_AcceptsFilenameField(t *testing.T) {
	s := newTestServer(t, 1<<20)

	req := multipartRequest(t, &formPart{"filename", "slides.pdf", "application/pdf", "%PDF-1.4"}, map[string]string{"category": "lessons"})
	rec := s.do(req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Len(t, storedNames(t, filepath.Join(s.root, "lessons")), 1)
}

func TestUpload_Rejections(t *testing.T) {
	cases := []struct {
		name   string
		file   *formPart
		fields map[string]string
		msg    string
	}{
		{"no file", nil, map[string]string{"category": "units"}, "No file was selected"},
		{"bad category", &formPart{"file", "a.txt", "text/plain", "x"}, map[string]string{"category": "exams"}, "No category was selected"},
		{"missing category", &formPart{"file", "a.txt", "text/plain", "x"}, nil, "No category was selected"},
		{"bad type", &formPart{"file", "run.exe", "application/x-msdownload", "MZ"}, map[string]string{"category": "units"}, "File type not allowed"},
		{"too large", &formPart{"file", "big.txt", "text/plain", strings.Repeat("x", 17)}, map[string]string{"category": "units"}, "File too large. Maximum size is 16 bytes."},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := newTestServer(t, 16)

			rec := s.do(multipartRequest(t, tc.file, tc.fields))
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			body := decode(t, rec)
			assert.Equal(t, false, body["success"])
			assert.Equal(t, tc.msg, body["error"])

			for _, dir := range []string{"temp", "units", "lessons", "tests"} {
				assert.Empty(t, storedNames(t, filepath.Join(s.root, dir)), dir)
			}
		})
	}
}

func TestUpload_NotMultipart(t *testing.T) {
	s := newTestServer(t, 1<<20)

	req := httptest.NewRequest(http.MethodPost, "/upload", strings.NewReader(`{}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := s.do(req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "No file was selected", decode(t, rec)["error"])
}

func TestListFiles_InvalidFolder(t *testing.T) {
	s := newTestServer(t, 1<<20)

	for _, folder := range []string{"temp", "exams"} {
		rec := s.do(httptest.NewRequest(http.MethodGet, "/list-files/"+folder, nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.JSONEq(t, `{"error":"Invalid folder"}`, rec.Body.String())
	}
}

func TestListFiles_UnreadableFolder(t *testing.T) {
	s := newTestServer(t, 1<<20)
	require.NoError(t, os.RemoveAll(filepath.Join(s.root, "tests")))

	rec := s.do(httptest.NewRequest(http.MethodGet, "/list-files/tests", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"Unable to read folder"}`, rec.Body.String())
}

func TestErrorHandler_NotFound(t *testing.T) {
	s := newTestServer(t, 1<<20)

	rec := s.do(httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.JSONEq(t, `{"error":"Route not found"}`, rec.Body.String())
}

func TestErrorHandler_BodyTooLarge(t *testing.T) {
	e := echo.New()
	e.HTTPErrorHandler = ErrorHandler(logging.Nop(), 10<<20)
	tooLarge := func(c echo.Context) error { return echo.ErrStatusRequestEntityTooLarge }
	e.POST("/upload", tooLarge)
	e.POST("/api/upload", tooLarge)
	e.POST("/auth/login", tooLarge)

	for _, path := range []string{"/upload", "/api/upload"} {
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code, path)
		assert.JSONEq(t, `{"success":false,"error":"File too large. Maximum size is 10MB."}`, rec.Body.String(), path)
	}

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/auth/login", nil))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.JSONEq(t, `{"success":false,"error":"Request body too large"}`, rec.Body.String())
}

func TestRequestBodyLimit_CoversFileAndFraming(t *testing.T) {
	assert.Equal(t, int64(16+multipartOverhead), RequestBodyLimit(16))
	assert.Equal(t, int64(10<<20+multipartOverhead), RequestBodyLimit(10<<20))
}

// oversizedUpload builds an upload whose body is past RequestBodyLimit(16).
func oversizedUpload(t *testing.T, chunked bool) *http.Request {
	t.Helper()
	body := strings.Repeat("x", int(RequestBodyLimit(16))+64)
	req := multipartRequest(t, &formPart{"file", "big.txt", "text/plain", body}, map[string]string{"category": "units"})
	if chunked {
		// Hide the length so the limit trips while the form is being read.
		req.Body = io.NopCloser(io.MultiReader(req.Body))
		req.ContentLength = -1
	}
	return req
}

func TestUpload_GlobalBodyLimitReportsFileTooLarge(t *testing.T) {
	for _, chunked := range []bool{false, true} {
		t.Run(fmt.Sprintf("chunked=%v", chunked), func(t *testing.T) {
			s := newTestServer(t, 16)
			s.e.Use(BodyLimit(16))

			rec := s.do(oversizedUpload(t, chunked))
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
			body := decode(t, rec)
			assert.Equal(t, false, body["success"])
			assert.Equal(t, "File too large. Maximum size is 16 bytes.", body["error"])
			for _, dir := range []string{"temp", "units"} {
				assert.Empty(t, storedNames(t, filepath.Join(s.root, dir)), dir)
			}
		})
	}
}

func TestBodyLimit_NonUploadRouteGets413(t *testing.T) {
	s := newTestServer(t, 16)
	s.e.Use(BodyLimit(16))

	payload := `{"email":"` + strings.Repeat("a", int(RequestBodyLimit(16))) + `","password":"x"}`
	req := httptest.NewRequest(http.MethodPost, "/auth/login", strings.NewReader(payload))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := s.do(req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.JSONEq(t, `{"success":false,"error":"Request body too large"}`, rec.Body.String())
}

func TestErrorHandler_HidesInternalDetail(t *testing.T) {
	e := echo.New()
	e.HTTPErrorHandler = ErrorHandler(logging.Nop(), 10<<20)
	e.GET("/x", func(c echo.Context) error { return fmt.Errorf("db password is hunter2") })

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "hunter2")
}

func TestAPITestAndHealth(t *testing.T) {
	s := newTestServer(t, 1<<20)

	rec := s.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())

	rec = s.do(httptest.NewRequest(http.MethodGet, "/api/test", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "API is working!", body["message"])
	assert.Equal(t, "File Upload Server", body["server"])
	assert.NotEmpty(t, body["timestamp"])
}

func TestPages(t *testing.T) {
	dir := t.TempDir()
	p := Pages{PublicDir: dir}
	e := echo.New()
	e.GET("/", p.Home)
	e.GET("/upload", p.UploadForm)

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "File Upload Server")

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/upload", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.JSONEq(t, `{"error":"Upload form not found"}`, rec.Body.String())

	require.NoError(t, os.WriteFile(filepath.Join(dir, "upload.html"), []byte("<form></form>"), 0o644))
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/upload", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "<form></form>", rec.Body.String())
}
