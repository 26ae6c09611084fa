package selectors_test

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/matryer/is"

	"github.com/evently-cloud/rest-api/app/selectors"
	"github.com/evently-cloud/rest-api/pkg/event"
	"github.com/evently-cloud/rest-api/pkg/eventid"
	"github.com/evently-cloud/rest-api/pkg/ledger"
	"github.com/evently-cloud/rest-api/pkg/selector"
)

type fakeResolver struct {
	led ledger.Ledger
}

func (f *fakeResolver) FromClaims(ctx context.Context) (ledger.Ledger, error) {
	return f.led, nil
}

func newHandler(t *testing.T, db *fakeStore) http.Handler {
	t.Helper()
	ctx := context.Background()

	source := newSource(t, db)
	svc, err := selectors.NewService(ctx, source, &fakeResolver{led: testLedger()})
	if err != nil {
		t.Fatal(err)
	}

	mux := http.NewServeMux()
	svc.RegisterHTTP(mux)
	return mux
}

func readerToken(t *testing.T) string {
	t.Helper()
	return "Bearer " + base64.RawURLEncoding.EncodeToString(
		[]byte(`{"ledger":"0000c0de","roles":["reader"]}`))
}

func filterToken(t *testing.T) string {
	t.Helper()
	token, err := selector.Encode(selector.Selector{
		Entities: map[string][]string{"order": {"o-1"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	return token
}

func doReq(t *testing.T, h http.Handler, method, target string, body []byte, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body != nil {
		r = httptest.NewRequest(method, target, bytes.NewReader(body))
	} else {
		r = httptest.NewRequest(method, target, nil)
	}
	r.Header.Set("Authorization", readerToken(t))
	for k, v := range hdr {
		r.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func TestHeadSetsETagAndLinks(t *testing.T) {
	is := is.New(t)

	db := &fakeStore{rows: rowSet(3)}
	h := newHandler(t, db)

	w := doReq(t, h, http.MethodHead, "/selectors/"+filterToken(t)+".ndjson", nil, nil)
	is.Equal(w.Code, http.StatusOK)

	// position is the last matching row (ts=3, chk=3)
	position, _ := eventid.New(3, 3, "0000c0de")
	is.Equal(w.Header().Get("ETag"), `"`+position.String()+`"`)
	is.Equal(w.Header().Get("Cache-Control"), "private,max-age=0")

	links := w.Header().Values("Link")
	is.Equal(len(links), 2)
	is.True(strings.Contains(links[0], `rel="start"`))
	is.True(strings.Contains(links[1], `rel="current"`))
	is.True(strings.Contains(links[1], position.String()) ||
		links[0] != links[1]) // current embeds the advanced position
	is.Equal(w.Body.Len(), 0)
}

func TestGetStreamsNDJSON(t *testing.T) {
	is := is.New(t)

	db := &fakeStore{rows: rowSet(3)}
	h := newHandler(t, db)

	w := doReq(t, h, http.MethodGet, "/selectors/"+filterToken(t)+".ndjson", nil, nil)
	is.Equal(w.Code, http.StatusOK)
	is.Equal(w.Header().Get("Content-Type"), selectors.ContentTypeNDJSON)

	lines := strings.Split(strings.TrimRight(w.Body.String(), "\n"), "\n")
	is.Equal(len(lines), 3)
	for _, line := range lines {
		var ev event.Persisted
		is.NoErr(json.Unmarshal([]byte(line), &ev))
		is.Equal(ev.Event, "order-placed")
	}
}

func TestGetNotModifiedSharesETagWithHead(t *testing.T) {
	is := is.New(t)

	db := &fakeStore{rows: rowSet(3)}
	h := newHandler(t, db)
	target := "/selectors/" + filterToken(t) + ".ndjson"

	head := doReq(t, h, http.MethodHead, target, nil, nil)
	etag := head.Header().Get("ETag")
	is.True(etag != "")

	get := doReq(t, h, http.MethodGet, target, nil, map[string]string{"If-None-Match": etag})
	is.Equal(get.Code, http.StatusNotModified)
	is.Equal(get.Header().Get("ETag"), etag)
	is.Equal(get.Body.Len(), 0)
}

func TestGetRejectsBadToken(t *testing.T) {
	is := is.New(t)

	h := newHandler(t, &fakeStore{})

	w := doReq(t, h, http.MethodGet, "/selectors/!!!bogus!!!.ndjson", nil, nil)
	is.Equal(w.Code, http.StatusBadRequest)

	w = doReq(t, h, http.MethodGet, "/selectors/missing-suffix", nil, nil)
	is.Equal(w.Code, http.StatusBadRequest)
}

func TestGetRequiresAuth(t *testing.T) {
	is := is.New(t)

	h := newHandler(t, &fakeStore{})
	r := httptest.NewRequest(http.MethodGet, "/selectors/abc.ndjson", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	is.Equal(w.Code, http.StatusUnauthorized)
	is.Equal(w.Header().Get("WWW-Authenticate"), `Bearer realm="evently"`)
}

func TestPostLookupRedirects(t *testing.T) {
	is := is.New(t)

	h := newHandler(t, &fakeStore{rows: rowSet(1)})

	body := []byte(`{"entities":{"order":["o-1"]}}`)
	w := doReq(t, h, http.MethodPost, "/selectors", body, nil)
	is.Equal(w.Code, http.StatusSeeOther)
	is.Equal(w.Header().Get("Location"), "/selectors/"+filterToken(t)+".ndjson")
}

func TestPostLookupWithPreferStreamsInline(t *testing.T) {
	is := is.New(t)

	h := newHandler(t, &fakeStore{rows: rowSet(2)})

	body := []byte(`{"entities":{"order":["o-1"]}}`)
	w := doReq(t, h, http.MethodPost, "/selectors", body,
		map[string]string{"Prefer": "return=representation"})

	is.Equal(w.Code, http.StatusOK)
	is.Equal(w.Header().Get("Content-Location"), "/selectors/"+filterToken(t)+".ndjson")
	is.Equal(w.Header().Get("Preference-Applied"), "return=representation")

	lines := strings.Split(strings.TrimRight(w.Body.String(), "\n"), "\n")
	is.Equal(len(lines), 2)
}

func TestPostLookupRejectsPlainSelector(t *testing.T) {
	is := is.New(t)

	h := newHandler(t, &fakeStore{})
	w := doReq(t, h, http.MethodPost, "/selectors", []byte(`{"limit":5}`), nil)
	is.Equal(w.Code, http.StatusUnprocessableEntity)
}
