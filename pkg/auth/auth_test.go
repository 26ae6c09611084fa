package auth_test

import (
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/matryer/is"

	"github.com/evently-cloud/rest-api/pkg/auth"
)

func bearer(doc string) string {
	return "Bearer " + base64.RawURLEncoding.EncodeToString([]byte(doc))
}

func TestParseBearer(t *testing.T) {
	is := is.New(t)

	c, err := auth.ParseBearer(bearer(`{"ledger":"0000c0de","roles":["client"]}`))
	is.NoErr(err)
	is.Equal(c.Ledger, "0000c0de")
	is.Equal(c.Roles, []auth.Role{auth.RoleClient})

	_, err = auth.ParseBearer("Bearer !!!")
	is.True(err != nil)

	_, err = auth.ParseBearer("")
	is.True(err != nil)
}

func TestClientInheritsReaderAndAppender(t *testing.T) {
	is := is.New(t)

	c := auth.Claims{Roles: []auth.Role{auth.RoleClient}}
	is.True(c.Grants(auth.RoleReader))
	is.True(c.Grants(auth.RoleAppender))
	is.True(c.Grants(auth.RoleClient))
	is.True(!c.Grants(auth.RoleAdmin))
	is.True(!c.Grants(auth.RoleRegistrar))
}

func TestEveryoneGrantsPublic(t *testing.T) {
	is := is.New(t)

	is.True(auth.Claims{}.Grants(auth.RolePublic))
}

func TestRequireMissingToken(t *testing.T) {
	is := is.New(t)

	h := auth.Require(auth.RoleReader, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run")
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	is.Equal(w.Code, http.StatusUnauthorized)
	is.Equal(w.Header().Get("WWW-Authenticate"), `Bearer realm="evently"`)
}

func TestRequireForbidden(t *testing.T) {
	is := is.New(t)

	h := auth.Require(auth.RoleAdmin, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run")
	}))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", bearer(`{"roles":["reader"]}`))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	is.Equal(w.Code, http.StatusForbidden)
}

func TestRequirePassesClaims(t *testing.T) {
	is := is.New(t)

	var got auth.Claims
	h := auth.Require(auth.RoleReader, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = auth.FromContext(r.Context())
	}))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", bearer(`{"ledger":"0000c0de","roles":["client"]}`))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	is.Equal(w.Code, http.StatusOK)
	is.Equal(got.Ledger, "0000c0de")
}
