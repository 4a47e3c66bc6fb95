// Copyright 2024 urbackup-backend-sub004 authors
//
//    Licensed under the Apache License, Version 2.0 (the "License");
//    you may not use this file except in compliance with the License.
//    You may obtain a copy of the License at
//
//        http://www.apache.org/licenses/LICENSE-2.0
//
//    Unless required by applicable law or agreed to in writing, software
//    distributed under the License is distributed on an "AS IS" BASIS,
//    WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
//    See the License for the specific language governing permissions and
//    limitations under the License.

package mount

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uroni/urbackup-backend-sub004/fsreader"
	"github.com/uroni/urbackup-backend-sub004/imgengine"
)

type fakeContainer struct {
	data   []byte
	closed bool
}

func (f *fakeContainer) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(f.data)) {
		return 0, nil
	}
	return copy(p, f.data[off:]), nil
}
func (f *fakeContainer) WriteAt(p []byte, off int64) (int, error) { return 0, nil }
func (f *fakeContainer) VirtualSize() int64                       { return int64(len(f.data)) }
func (f *fakeContainer) BlockSize() int64                         { return 4096 }
func (f *fakeContainer) SectorSize() int                          { return 512 }
func (f *fakeContainer) SetFastMode(bool)                         {}
func (f *fakeContainer) Sync() error                              { return nil }
func (f *fakeContainer) Trim(off, length int64) error             { return nil }
func (f *fakeContainer) MakeFull(fsreader.Reader, *imgengine.CancelToken) error {
	return nil
}
func (f *fakeContainer) HasParent() bool { return false }
func (f *fakeContainer) Close() error    { f.closed = true; return nil }

// withFakeConn stitches a fabricated net.Conn into the request context
// the way Server's real ConnContext hook would, so handlers can be driven
// directly through httptest without a live listener.
func withFakeConn(s *Server, conn net.Conn, req *http.Request) *http.Request {
	return req.WithContext(context.WithValue(req.Context(), connKey{}, conn))
}

func TestHandleInfoReportsSizeAndReadOnly(t *testing.T) {
	c := &fakeContainer{data: make([]byte, 8192)}
	conn, _ := net.Pipe()
	defer conn.Close()

	s := NewServer("127.0.0.1:0", func() (imgengine.Container, error) { return c, nil })
	s.handles[conn] = c

	req := withFakeConn(s, conn, httptest.NewRequest(http.MethodGet, "/info", nil))
	rr := httptest.NewRecorder()
	s.handleInfo(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	var resp InfoResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, int64(8192), resp.Size)
	assert.Equal(t, 512, resp.SectorSize)
	assert.True(t, resp.ReadOnly)
}

func TestHandleReadReturnsRequestedRange(t *testing.T) {
	data := make([]byte, 4096)
	for i := range data {
		data[i] = byte(i)
	}
	c := &fakeContainer{data: data}
	conn, _ := net.Pipe()
	defer conn.Close()

	s := NewServer("127.0.0.1:0", func() (imgengine.Container, error) { return c, nil })
	s.handles[conn] = c

	req := withFakeConn(s, conn, httptest.NewRequest(http.MethodGet, "/read?offset=10&length=20", nil))
	rr := httptest.NewRecorder()
	s.handleRead(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, data[10:30], rr.Body.Bytes())
}

func TestHandleReadRejectsOversizedLength(t *testing.T) {
	c := &fakeContainer{data: make([]byte, 1024)}
	conn, _ := net.Pipe()
	defer conn.Close()

	s := NewServer("127.0.0.1:0", func() (imgengine.Container, error) { return c, nil })
	s.handles[conn] = c

	req := withFakeConn(s, conn, httptest.NewRequest(http.MethodGet, "/read?offset=0&length=9999999999", nil))
	rr := httptest.NewRecorder()
	s.handleRead(rr, req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)
}

func TestHandleReadWithoutHandleIsUnavailable(t *testing.T) {
	s := NewServer("127.0.0.1:0", func() (imgengine.Container, error) { return &fakeContainer{}, nil })

	req := httptest.NewRequest(http.MethodGet, "/read?offset=0&length=10", nil)
	rr := httptest.NewRecorder()
	s.handleRead(rr, req)

	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestConnStateOpensAndClosesHandle(t *testing.T) {
	var c *fakeContainer
	s := NewServer("127.0.0.1:0", func() (imgengine.Container, error) {
		c = &fakeContainer{data: make([]byte, 1024)}
		return c, nil
	})

	conn, _ := net.Pipe()
	defer conn.Close()

	s.trackConnState(conn, http.StateNew)
	require.NotNil(t, c)
	_, ok := s.handleFor(withFakeConn(s, conn, httptest.NewRequest(http.MethodGet, "/info", nil)))
	assert.True(t, ok)

	s.trackConnState(conn, http.StateClosed)
	assert.True(t, c.closed)
	_, ok = s.handleFor(withFakeConn(s, conn, httptest.NewRequest(http.MethodGet, "/info", nil)))
	assert.False(t, ok)
}
