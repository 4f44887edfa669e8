package testutil

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

// handlerTransport dispatches requests straight into an http.Handler,
// so API tests exercise real routing without a listening socket.
type handlerTransport struct {
	handler http.Handler
}

func (t *handlerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	rec := httptest.NewRecorder()
	t.handler.ServeHTTP(rec, req)
	res := rec.Result()
	res.Request = req
	return res, nil
}

func NewInProcessClient(handler http.Handler) *http.Client {
	return &http.Client{Transport: &handlerTransport{handler: handler}}
}

func NewRequest(method, path string, body []byte) *http.Request {
	if body == nil {
		body = []byte{}
	}
	req := httptest.NewRequest(method, "http://agentdeck.test"+path, bytes.NewReader(body))
	// httptest.NewRequest builds a server-side request; client.Do refuses
	// requests with RequestURI set, so clear it before dispatch.
	req.RequestURI = ""
	return req
}

// GetJSON fetches path and, when out is non-nil, decodes the response
// body into it.
func GetJSON(t *testing.T, client *http.Client, path string, out any) *http.Response {
	t.Helper()
	resp, err := client.Do(NewRequest(http.MethodGet, path, nil))
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	if out != nil {
		body, err := ReadAll(resp)
		if err != nil {
			t.Fatalf("read %s: %v", path, err)
		}
		if err := json.Unmarshal(body, out); err != nil {
			t.Fatalf("decode %s: %v (%s)", path, err, body)
		}
	}
	return resp
}

// PostJSON sends payload as a JSON body; a nil payload posts an empty
// body.
func PostJSON(t *testing.T, client *http.Client, path string, payload any) *http.Response {
	t.Helper()
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			t.Fatalf("encode payload for %s: %v", path, err)
		}
	}
	resp, err := client.Do(NewRequest(http.MethodPost, path, body))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp
}

func ReadAll(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

// StreamRecorder is a flushable ResponseWriter whose body can be read
// while the handler is still writing, for SSE handler tests.
type StreamRecorder struct {
	HeaderMap http.Header
	Code      int
	Body      io.ReadCloser
	writer    io.WriteCloser
}

func NewStreamRecorder() *StreamRecorder {
	r, w := io.Pipe()
	return &StreamRecorder{
		HeaderMap: make(http.Header),
		Code:      http.StatusOK,
		Body:      r,
		writer:    w,
	}
}

func (sr *StreamRecorder) Header() http.Header {
	return sr.HeaderMap
}

func (sr *StreamRecorder) WriteHeader(statusCode int) {
	sr.Code = statusCode
}

func (sr *StreamRecorder) Write(p []byte) (int, error) {
	return sr.writer.Write(p)
}

func (sr *StreamRecorder) Flush() {}

func (sr *StreamRecorder) Close() error {
	return sr.writer.Close()
}
